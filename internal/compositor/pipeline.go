package compositor

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"

	"overlay-player/internal/container"
	"overlay-player/internal/logger"
	"overlay-player/internal/models"
	"overlay-player/internal/still"
	"overlay-player/internal/store"
)

var (
	ErrStaleGeneration = errors.New("compositor: render superseded by a newer payload")
	ErrSkippedFrame    = errors.New("compositor: frame skipped")
)

// FrameInfo 已提交帧信息
type FrameInfo struct {
	Index      int
	Generation uint64
	Degraded   bool   // 叠加层缺失或损坏，只渲染了基础帧
	Seq        uint64 // 提交序号，每次提交递增
}

// Pipeline 渲染管线
//
// 在 work 目标上渲染，代号未变时与 committed 交换。安装新容器与提交
// 共用 commitMu，旧代号的渲染结果不会覆盖新代号之后的画面。
type Pipeline struct {
	renderMu sync.Mutex // 串行化渲染
	store    *store.Store
	comp     *Compositor
	work     *Target

	commitMu  sync.RWMutex
	committed *Target
	info      FrameInfo
	hasFrame  bool
	width     int
	height    int
	seq       uint64

	skipped atomic.Int64
}

// NewPipeline 创建渲染管线
func NewPipeline(st *store.Store, comp *Compositor, width, height int) *Pipeline {
	return &Pipeline{
		store:     st,
		comp:      comp,
		work:      NewTarget(width, height),
		committed: NewTarget(width, height),
		width:     width,
		height:    height,
	}
}

// Store 返回帧存储
func (p *Pipeline) Store() *store.Store {
	return p.store
}

// Size 返回目标尺寸
func (p *Pipeline) Size() (int, int) {
	p.commitMu.RLock()
	defer p.commitMu.RUnlock()
	return p.width, p.height
}

// Install 安装新容器并按需调整目标尺寸
// width/height 为 0 时保持原尺寸。不等待进行中的渲染，该渲染会因代号变化被丢弃。
func (p *Pipeline) Install(base, overlay *container.Container, width, height int) uint64 {
	p.commitMu.Lock()
	gen, release := p.store.Replace(base, overlay)
	if width > 0 && height > 0 {
		p.width, p.height = width, height
	}
	p.hasFrame = false
	p.info = FrameInfo{Generation: gen}
	p.commitMu.Unlock()

	release()
	return gen
}

// InstallTrack 只替换一个轨道
func (p *Pipeline) InstallTrack(track store.Track, c *container.Container) (uint64, error) {
	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	gen, err := p.store.InstallTrack(track, c)
	if err != nil {
		return 0, err
	}
	p.info.Generation = gen
	return gen, nil
}

// RenderAt 渲染第 index 帧
// 渲染期间若安装了新容器，返回 ErrStaleGeneration 且不提交
func (p *Pipeline) RenderAt(index int, blend models.BlendState) (FrameInfo, error) {
	p.renderMu.Lock()
	defer p.renderMu.Unlock()

	snap, err := p.store.Snapshot(index)
	if err != nil {
		return FrameInfo{Index: index, Generation: snap.Generation}, err
	}

	p.commitMu.RLock()
	w, h := p.width, p.height
	p.commitMu.RUnlock()
	if p.work.Width() != w || p.work.Height() != h {
		p.work = NewTarget(w, h)
	}

	info := FrameInfo{Index: index, Generation: snap.Generation}
	degraded, err := p.comp.RenderFrame(p.work, snap.Base, snap.Overlay, blend)
	if err != nil {
		// 快照之后容器被替换，帧已释放，不计入损坏帧
		if errors.Is(err, still.ErrReleased) || p.store.Generation() != snap.Generation {
			return info, ErrStaleGeneration
		}
		n := p.skipped.Add(1)
		logger.LogWarn("跳过损坏帧", "index", index, "generation", snap.Generation, "skipped", n, "error", err)
		return info, fmt.Errorf("%w: index %d: %v", ErrSkippedFrame, index, err)
	}
	info.Degraded = degraded

	p.commitMu.Lock()
	defer p.commitMu.Unlock()
	if p.store.Generation() != snap.Generation {
		return info, ErrStaleGeneration
	}
	p.work, p.committed = p.committed, p.work
	p.seq++
	info.Seq = p.seq
	p.info = info
	p.hasFrame = true
	return info, nil
}

// WithCommitted 在读锁下访问最近一次提交的画面
// fn 返回前画面不会被下一次提交覆盖。没有画面时 ok 为 false，fn 不会被调用。
func (p *Pipeline) WithCommitted(fn func(img *image.RGBA, info FrameInfo) error) (ok bool, err error) {
	p.commitMu.RLock()
	defer p.commitMu.RUnlock()
	if !p.hasFrame {
		return false, nil
	}
	return true, fn(p.committed.Image(), p.info)
}

// Committed 返回最近一次提交的画面副本
func (p *Pipeline) Committed() (*image.RGBA, FrameInfo, bool) {
	var out *image.RGBA
	var info FrameInfo
	ok, _ := p.WithCommitted(func(img *image.RGBA, fi FrameInfo) error {
		out = image.NewRGBA(img.Rect)
		copy(out.Pix, img.Pix)
		info = fi
		return nil
	})
	return out, info, ok
}

// Skipped 返回累计跳过的帧数
func (p *Pipeline) Skipped() int64 {
	return p.skipped.Load()
}
