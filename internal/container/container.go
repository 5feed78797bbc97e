package container

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"overlay-player/internal/config"
	"overlay-player/internal/logger"
	"overlay-player/internal/still"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/sys/unix"
)

// Container 已解析的帧容器
// 解析后只读，Close 时释放所有帧及底层缓冲区 (mmap 或堆内存)
type Container struct {
	mu     sync.RWMutex
	data   []byte
	mapped bool
	frames []*still.Image
	source string
	closed bool
}

// New 解析内存中的容器
func New(data []byte, codec still.Codec) (*Container, error) {
	payloads, err := Decode(data)
	if err != nil {
		return nil, err
	}
	return wrap(data, payloads, codec), nil
}

func wrap(data []byte, payloads [][]byte, codec still.Codec) *Container {
	frames := make([]*still.Image, len(payloads))
	for i, p := range payloads {
		frames[i] = still.New(p, codec)
	}
	return &Container{
		data:   data,
		frames: frames,
	}
}

// Open 从文件加载容器
// 普通文件只读 mmap，.zst 文件先用 zstd 解压到内存
func Open(path string, codec still.Codec) (*Container, error) {
	if strings.HasSuffix(path, ".zst") {
		return openZstd(path, codec)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// mmap 完成后即可关闭 fd，映射仍然有效
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}

	if info.Size() == 0 {
		c := wrap(nil, nil, codec)
		c.source = path
		return c, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s: %w", filepath.Base(path), err)
	}

	payloads, err := Decode(data)
	if err != nil {
		unix.Munmap(data)
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}

	c := wrap(data, payloads, codec)
	c.mapped = true
	c.source = path
	logger.LogDebug("容器已映射", "file", filepath.Base(path), "frames", len(payloads), "bytes", len(data))
	return c, nil
}

// Load 将文件完整读入堆内存后解析
// 文件可能被原地改写时 (热重载) 使用，避免映射内容随文件变化
func Load(path string, codec still.Codec) (*Container, error) {
	if strings.HasSuffix(path, ".zst") {
		return openZstd(path, codec)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	c, err := New(data, codec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	c.source = path
	return c, nil
}

func openZstd(path string, codec still.Codec) (*Container, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd %s: %w", filepath.Base(path), err)
	}
	defer dec.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, dec); err != nil {
		return nil, fmt.Errorf("zstd decode %s: %w", filepath.Base(path), err)
	}

	c, err := New(buf.Bytes(), codec)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	c.source = path
	return c, nil
}

// Len 返回帧数
func (c *Container) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.frames)
}

// Size 返回容器字节数
func (c *Container) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Source 返回来源文件路径 (内存容器为空)
func (c *Container) Source() string {
	return c.source
}

// Frame 返回第 i 帧，越界返回 nil
func (c *Container) Frame(i int) *still.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i < 0 || i >= len(c.frames) {
		return nil
	}
	return c.frames[i]
}

// Frames 返回所有帧
func (c *Container) Frames() []*still.Image {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*still.Image, len(c.frames))
	copy(out, c.frames)
	return out
}

// Closed 是否已关闭
func (c *Container) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// Close 释放所有帧和底层缓冲区，可重复调用
func (c *Container) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	for _, f := range c.frames {
		f.Release()
	}

	var err error
	if c.mapped && c.data != nil {
		err = unix.Munmap(c.data)
	}
	c.data = nil
	return err
}

// Prewarm 并行预解码所有帧
// workers<=0 时使用默认值，最多 MaxPrewarmWorkers。返回解码失败的帧数。
func (c *Container) Prewarm(ctx context.Context, workers int) int {
	frames := c.Frames()
	total := len(frames)
	if total == 0 {
		return 0
	}

	if workers <= 0 {
		workers = config.DefaultPrewarmWorkers
	}
	if workers > config.MaxPrewarmWorkers {
		workers = config.MaxPrewarmWorkers
	}
	if workers > total {
		workers = total
	}

	start := time.Now()
	workChan := make(chan int, total)
	for i := range frames {
		workChan <- i
	}
	close(workChan)

	resultChan := make(chan error, total)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range workChan {
				if ctx.Err() != nil {
					return
				}
				_, err := frames[idx].Raster()
				resultChan <- err
			}
		}()
	}

	go func() {
		wg.Wait()
		close(resultChan)
	}()

	failed := 0
	for err := range resultChan {
		if err != nil {
			failed++
		}
	}

	logger.LogDebug("预解码完成", "frames", total, "failed", failed,
		"workers", workers, "duration", time.Since(start).Round(time.Millisecond))
	return failed
}
