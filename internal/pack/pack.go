// Package pack 把一组静态图像打包成帧容器
//
// JPEG 输入原样写入；其它格式解码后重新编码为 JPEG。热力图模式下每帧先
// 转为亮度并用 JET 着色。输出路径以 .zst 结尾或指定 Zstd 时整体压缩，
// 与 container.Open 的读取方式对应。
package pack

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/klauspost/compress/zstd"

	"overlay-player/internal/compositor"
	"overlay-player/internal/container"
	"overlay-player/internal/heatmap"
	"overlay-player/internal/logger"
	"overlay-player/internal/still"
)

var ErrNoInputs = errors.New("pack: no input images")

// 目录展开时收录的扩展名
var imageExts = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// Options 打包选项
type Options struct {
	Quality int  // 重新编码的 JPEG 质量
	Heatmap bool // 灰度掩码着色
	Zstd    bool // 强制 zstd 压缩
}

// ExpandInputs 展开输入参数，目录按文件名排序收录其中的图像
func ExpandInputs(args []string) ([]string, error) {
	var out []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			out = append(out, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, err
		}
		var files []string
		for _, e := range entries {
			if e.IsDir() || !isImage(e.Name()) {
				continue
			}
			files = append(files, filepath.Join(arg, e.Name()))
		}
		slices.Sort(files)
		out = append(out, files...)
	}
	if len(out) == 0 {
		return nil, ErrNoInputs
	}
	return out, nil
}

func isImage(name string) bool {
	return slices.Contains(imageExts, strings.ToLower(filepath.Ext(name)))
}

func isJPEG(data []byte) bool {
	return len(data) >= 3 && data[0] == 0xFF && data[1] == 0xD8 && data[2] == 0xFF
}

// Payload 把一个输入文件的内容转换为容器负载
func Payload(data []byte, opts Options) ([]byte, error) {
	if isJPEG(data) && !opts.Heatmap {
		return data, nil
	}

	img, err := still.StdCodec{}.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", still.ErrCorruptStill, err)
	}
	var out image.Image = img
	if opts.Heatmap {
		out = heatmap.Colorize(img)
	}

	var buf bytes.Buffer
	if err := compositor.EncodeJPEG(&buf, out, opts.Quality); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Build 读取并转换全部输入
func Build(paths []string, opts Options) ([][]byte, error) {
	if len(paths) == 0 {
		return nil, ErrNoInputs
	}
	payloads := make([][]byte, 0, len(paths))
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		p, err := Payload(data, opts)
		if err != nil {
			return nil, fmt.Errorf("frame %d (%s): %w", i, filepath.Base(path), err)
		}
		logger.LogDebug("打包帧", "index", i, "file", path, "bytes", len(p))
		payloads = append(payloads, p)
	}
	return payloads, nil
}

// Write 把负载写成容器，compress 时外层套 zstd
func Write(w io.Writer, payloads [][]byte, compress bool) error {
	if !compress {
		return container.EncodeTo(w, payloads)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if err := container.EncodeTo(enc, payloads); err != nil {
		enc.Close()
		return err
	}
	return enc.Close()
}

// WriteFile 打包 inputs 写入 path，返回帧数
// 先写临时文件再改名，监视中的播放器只会看到完整文件
func WriteFile(path string, inputs []string, opts Options) (int, error) {
	files, err := ExpandInputs(inputs)
	if err != nil {
		return 0, err
	}
	payloads, err := Build(files, opts)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())

	compress := opts.Zstd || strings.HasSuffix(path, ".zst")
	if err := Write(tmp, payloads, compress); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return 0, err
	}
	return len(payloads), nil
}
