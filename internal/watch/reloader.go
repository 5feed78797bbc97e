// Package watch 负载文件热重载
package watch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"overlay-player/internal/logger"
)

var ErrNoPaths = errors.New("watch: no paths to watch")

// ReloadFunc 重新加载负载，返回错误时保留上一次的有效负载
type ReloadFunc func() error

// stamp 文件大小 + 修改时间，用于过滤重复事件
type stamp struct {
	size    int64
	modTime time.Time
	exists  bool
}

func statStamp(path string) stamp {
	info, err := os.Stat(path)
	if err != nil {
		return stamp{}
	}
	return stamp{size: info.Size(), modTime: info.ModTime(), exists: true}
}

// Reloader 监视负载文件所在目录，写入或创建目标文件后去抖并触发重载
type Reloader struct {
	watcher  *fsnotify.Watcher
	reload   ReloadFunc
	debounce time.Duration

	paths  []string
	stamps map[string]stamp // 仅由循环 goroutine 访问

	reloads  atomic.Int64
	failures atomic.Int64

	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// New 创建并启动 Reloader
func New(paths []string, debounce time.Duration, fn ReloadFunc) (*Reloader, error) {
	var clean []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("watch: %s: %w", p, err)
		}
		clean = append(clean, abs)
	}
	if len(clean) == 0 {
		return nil, ErrNoPaths
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	r := &Reloader{
		watcher:  watcher,
		reload:   fn,
		debounce: debounce,
		paths:    clean,
		stamps:   make(map[string]stamp, len(clean)),
		done:     make(chan struct{}),
	}

	dirs := make(map[string]struct{})
	for _, p := range clean {
		r.stamps[p] = statStamp(p)
		dirs[filepath.Dir(p)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("watch: add %s: %w", dir, err)
		}
	}

	go r.loop()
	return r, nil
}

// Reloads 已执行的重载次数 (含失败)
func (r *Reloader) Reloads() int64 { return r.reloads.Load() }

// Failures 失败的重载次数
func (r *Reloader) Failures() int64 { return r.failures.Load() }

// Close 停止监视并等待循环退出
func (r *Reloader) Close() error {
	r.closeOnce.Do(func() {
		r.closeErr = r.watcher.Close()
		<-r.done
	})
	return r.closeErr
}

func (r *Reloader) watched(name string) bool {
	name = filepath.Clean(name)
	for _, p := range r.paths {
		if p == name {
			return true
		}
	}
	return false
}

func (r *Reloader) loop() {
	defer close(r.done)

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if !r.watched(event.Name) || !(event.Has(fsnotify.Write) || event.Has(fsnotify.Create)) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C

		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.LogWarn("文件监视错误", "error", err)

		case <-fire:
			fire = nil
			r.fire()
		}
	}
}

// changed 刷新时间戳，任一文件大小或修改时间变化时返回 true
func (r *Reloader) changed() bool {
	changed := false
	for _, p := range r.paths {
		s := statStamp(p)
		if s != r.stamps[p] {
			changed = true
		}
		r.stamps[p] = s
	}
	return changed
}

func (r *Reloader) fire() {
	if !r.changed() {
		logger.LogDebug("负载未变化，忽略事件")
		return
	}
	r.reloads.Add(1)
	if err := r.reload(); err != nil {
		r.failures.Add(1)
		logger.LogWarn("重载失败，保留上一次负载", "error", err)
		return
	}
	logger.LogInfo("负载已重载", "paths", r.paths)
}
