package server

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"math"
	"path/filepath"
	"sync"

	"overlay-player/internal/clickmap"
	"overlay-player/internal/compositor"
	"overlay-player/internal/config"
	"overlay-player/internal/container"
	"overlay-player/internal/heatmap"
	"overlay-player/internal/logger"
	"overlay-player/internal/models"
	"overlay-player/internal/playback"
	"overlay-player/internal/still"
	"overlay-player/internal/store"
)

var (
	ErrNotLoaded        = errors.New("server: no payload loaded")
	ErrNoFrame          = errors.New("server: no frame rendered yet")
	ErrNoDecodableFrame = errors.New("server: base track has no decodable frame")
	ErrClosed           = errors.New("server: player closed")
	ErrInvalidAlpha     = errors.New("server: alpha must be a number")
)

// EventKind 播放器事件类型
type EventKind int

const (
	EventState  EventKind = iota // 播放状态或混合参数变化
	EventFrame                   // 新画面已提交
	EventClick                   // 点击事件
	EventLoaded                  // 新负载已安装
)

// Event 播放器事件
// 由修改方 goroutine 同步派发，订阅者不能阻塞
type Event struct {
	Kind  EventKind
	State models.PlaybackState
	Blend models.BlendState
	Frame compositor.FrameInfo
	Click models.ClickEvent
}

// Format 画面编码格式
type Format int

const (
	FormatJPEG Format = iota
	FormatPNG
)

// ParseFormat 解析 ?format= 参数，空值为 JPEG
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	}
	return FormatJPEG, fmt.Errorf("unknown format %q", s)
}

// ContentType 返回 MIME 类型
func (f Format) ContentType() string {
	if f == FormatPNG {
		return "image/png"
	}
	return "image/jpeg"
}

type encodedFrame struct {
	seq  uint64
	data []byte
}

// Status 播放器状态
type Status struct {
	Loaded     bool   `json:"loaded"`
	Generation uint64 `json:"generation"`
	NumFrames  int    `json:"numFrames"`
	Width      int    `json:"width"`
	Height     int    `json:"height"`
	HasOverlay bool   `json:"hasOverlay"`
	Skipped    int64  `json:"skipped"`
	Images     string `json:"images,omitempty"`
	Masks      string `json:"masks,omitempty"`
	Time       string `json:"time"`
}

// Player 叠加播放器核心
// 持有帧存储、渲染管线、播放控制器和混合状态
type Player struct {
	cfg          config.Config
	baseCodec    still.Codec
	overlayCodec still.Codec

	// 串行化负载安装：代号切换、控制器复位和自动播放作为一个整体
	loadMu sync.Mutex

	mu     sync.RWMutex
	blend  models.BlendState
	loaded bool
	images string
	masks  string
	closed bool

	pipeline    *compositor.Pipeline
	ctrl        *playback.Controller
	unsubscribe func()

	// 读取状态与渲染放在同一把锁下，提交的画面总是最新状态
	redrawMu sync.Mutex

	subMu   sync.Mutex
	subs    map[int]func(Event)
	subIDs  []int
	nextSub int

	encMu sync.Mutex
	enc   map[Format]encodedFrame

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// NewPlayer 创建播放器
func NewPlayer(cfg config.Config) (*Player, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.JPEGQuality <= 0 || cfg.JPEGQuality > 100 {
		cfg.JPEGQuality = config.DefaultJPEGQuality
	}

	ctrl, err := playback.New(0, cfg.FPS, cfg.Loop)
	if err != nil {
		return nil, err
	}

	scaler := compositor.ScaleNearest
	if cfg.SmoothScale {
		scaler = compositor.ScaleSmooth
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Player{
		cfg:          cfg,
		baseCodec:    still.StdCodec{},
		overlayCodec: still.StdCodec{},
		blend:        models.BlendState{Alpha: cfg.Alpha},
		pipeline:     compositor.NewPipeline(store.New(), compositor.New(scaler), cfg.Width, cfg.Height),
		ctrl:         ctrl,
		subs:         make(map[int]func(Event)),
		enc:          make(map[Format]encodedFrame),
		ctx:          ctx,
		cancel:       cancel,
	}
	if cfg.Heatmap {
		p.overlayCodec = heatmapCodec()
	}
	p.unsubscribe = ctrl.Subscribe(p.onPlayback)
	return p, nil
}

// heatmapCodec 解码灰度掩码并用 JET 着色
func heatmapCodec() still.Codec {
	return still.CodecFunc(func(payload []byte) (image.Image, error) {
		img, err := still.StdCodec{}.Decode(payload)
		if err != nil {
			return nil, err
		}
		return heatmap.Colorize(img), nil
	})
}

// Start 启动播放计时
func (p *Player) Start(ctx context.Context) error {
	return p.ctrl.Start(ctx)
}

// Controller 返回播放控制器
func (p *Player) Controller() *playback.Controller {
	return p.ctrl
}

// Close 停止计时、取消订阅并释放帧存储
func (p *Player) Close() {
	p.closeOnce.Do(func() {
		p.ctrl.Stop()
		p.unsubscribe()
		p.cancel()

		p.loadMu.Lock()
		p.mu.Lock()
		p.closed = true
		p.loaded = false
		p.mu.Unlock()

		p.pipeline.Store().Close()
		p.loadMu.Unlock()

		p.subMu.Lock()
		p.subs = make(map[int]func(Event))
		p.subIDs = nil
		p.subMu.Unlock()
	})
}

// ==================== 负载 ====================

// LoadPayload 从内存字节加载负载
// masks 为空表示没有叠加层。解析失败时保留上一次的负载。
func (p *Player) LoadPayload(images, masks []byte) error {
	base, err := container.New(images, p.baseCodec)
	if err != nil {
		return fmt.Errorf("images: %w", err)
	}
	var overlay *container.Container
	if len(masks) > 0 {
		overlay, err = container.New(masks, p.overlayCodec)
		if err != nil {
			base.Close()
			return fmt.Errorf("masks: %w", err)
		}
	}
	return p.install(base, overlay, "", "")
}

// LoadFiles 从文件加载负载
// 监视模式下读入堆内存，避免映射内容随原地改写变化
func (p *Player) LoadFiles(imagesPath, masksPath string) error {
	open := container.Open
	if p.cfg.Watch {
		open = container.Load
	}

	base, err := open(imagesPath, p.baseCodec)
	if err != nil {
		return fmt.Errorf("images: %w", err)
	}
	var overlay *container.Container
	if masksPath != "" {
		overlay, err = open(masksPath, p.overlayCodec)
		if err != nil {
			base.Close()
			return fmt.Errorf("masks: %w", err)
		}
	}
	return p.install(base, overlay, imagesPath, masksPath)
}

// Reload 重新加载当前文件
func (p *Player) Reload() error {
	p.mu.RLock()
	images, masks := p.images, p.masks
	p.mu.RUnlock()
	if images == "" {
		return ErrNotLoaded
	}
	return p.LoadFiles(images, masks)
}

func (p *Player) install(base, overlay *container.Container, imagesPath, masksPath string) error {
	p.loadMu.Lock()
	defer p.loadMu.Unlock()

	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		base.Close()
		overlay.Close()
		return ErrClosed
	}

	w, h := p.cfg.Width, p.cfg.Height
	if (w <= 0 || h <= 0) && base.Len() > 0 {
		var err error
		w, h, err = frameSize(base)
		if err != nil {
			base.Close()
			overlay.Close()
			return err
		}
	}

	gen := p.pipeline.Install(base, overlay, w, h)
	n := base.Len()

	p.mu.Lock()
	p.loaded = true
	p.images, p.masks = imagesPath, masksPath
	p.mu.Unlock()

	fmt.Printf("[Player] ✓ 已加载 %d 帧 (叠加层 %d 帧), %dx%d, generation=%d\n",
		n, overlay.Len(), w, h, gen)

	p.prewarm(base, "base")
	p.prewarm(overlay, "overlay")

	p.ctrl.Reset(n)
	if p.cfg.Autoplay {
		p.ctrl.Play()
	}
	p.emit(Event{Kind: EventLoaded, State: p.ctrl.State(), Blend: p.Blend()})
	return nil
}

// frameSize 取第一个可解码帧的尺寸
func frameSize(c *container.Container) (int, int, error) {
	for i := 0; i < c.Len(); i++ {
		b, err := c.Frame(i).Bounds()
		if err == nil && !b.Empty() {
			return b.Dx(), b.Dy(), nil
		}
	}
	return 0, 0, ErrNoDecodableFrame
}

func (p *Player) prewarm(c *container.Container, track string) {
	if c.Len() == 0 {
		return
	}
	workers := p.cfg.PrewarmWorkers()
	go func() {
		if failed := c.Prewarm(p.ctx, workers); failed > 0 {
			logger.LogWarn("预解码存在损坏帧", "track", track, "failed", failed, "source", filepath.Base(c.Source()))
		}
	}()
}

// ==================== 混合与播放 ====================

// Blend 返回混合状态
func (p *Player) Blend() models.BlendState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.blend
}

// SetAlpha 设置叠加比例，超出 [0,1] 时钳制
func (p *Player) SetAlpha(alpha float64) (models.BlendState, error) {
	if math.IsNaN(alpha) || math.IsInf(alpha, 0) {
		return p.Blend(), ErrInvalidAlpha
	}
	return p.updateBlend(func(b *models.BlendState) {
		b.Alpha = models.BlendState{Alpha: alpha}.ClampedAlpha()
	}), nil
}

// SetDisplayOverlay 开关叠加层
func (p *Player) SetDisplayOverlay(display bool) models.BlendState {
	return p.updateBlend(func(b *models.BlendState) {
		b.DisplayOverlay = display
	})
}

func (p *Player) updateBlend(fn func(b *models.BlendState)) models.BlendState {
	p.mu.Lock()
	old := p.blend
	fn(&p.blend)
	blend := p.blend
	p.mu.Unlock()

	if blend != old {
		p.emit(Event{Kind: EventState, State: p.ctrl.State(), Blend: blend})
		p.redraw()
	}
	return blend
}

// Play 开始播放
func (p *Player) Play() models.PlaybackState {
	p.ctrl.Play()
	return p.ctrl.State()
}

// Pause 暂停
func (p *Player) Pause() models.PlaybackState {
	p.ctrl.Pause()
	return p.ctrl.State()
}

// Toggle 播放/暂停切换
func (p *Player) Toggle() models.PlaybackState {
	p.ctrl.Toggle()
	return p.ctrl.State()
}

// Seek 跳转
func (p *Player) Seek(index int) (models.PlaybackState, error) {
	_, err := p.ctrl.Seek(index)
	return p.ctrl.State(), err
}

// SetLoop 设置循环
func (p *Player) SetLoop(loop bool) models.PlaybackState {
	p.ctrl.SetLoop(loop)
	return p.ctrl.State()
}

// SetFPS 设置帧率
func (p *Player) SetFPS(fps float64) (models.PlaybackState, error) {
	err := p.ctrl.SetFPS(fps)
	return p.ctrl.State(), err
}

// State 返回播放状态
func (p *Player) State() models.PlaybackState {
	return p.ctrl.State()
}

// Click 把显示坐标的点击映射为帧像素坐标并派发给订阅者
func (p *Player) Click(pt clickmap.Point, bounds clickmap.Rect) (models.ClickEvent, error) {
	w, h := p.pipeline.Size()
	if w <= 0 || h <= 0 {
		return models.ClickEvent{}, ErrNotLoaded
	}
	ev, err := clickmap.Map(pt, bounds, w, h)
	if err != nil {
		return models.ClickEvent{}, err
	}
	logger.LogDebug("点击", "x", ev.X, "y", ev.Y)
	p.emit(Event{Kind: EventClick, Click: ev})
	return ev, nil
}

// ==================== 渲染 ====================

func (p *Player) onPlayback(s models.PlaybackState) {
	p.emit(Event{Kind: EventState, State: s, Blend: p.Blend()})
	p.redraw()
}

// redraw 按当前状态渲染
// 损坏帧被跳过并计数，不影响播放
func (p *Player) redraw() {
	p.redrawMu.Lock()
	st := p.ctrl.State()
	blend := p.Blend()
	if st.NumFrames == 0 {
		p.redrawMu.Unlock()
		return
	}
	info, err := p.pipeline.RenderAt(st.FrameIndex, blend)
	p.redrawMu.Unlock()

	switch {
	case err == nil:
		p.emit(Event{Kind: EventFrame, State: st, Blend: blend, Frame: info})
	case errors.Is(err, compositor.ErrStaleGeneration):
		logger.LogDebug("丢弃过期渲染", "index", st.FrameIndex, "generation", info.Generation)
	case errors.Is(err, compositor.ErrSkippedFrame):
	default:
		logger.LogError("渲染失败", "index", st.FrameIndex, "error", err)
	}
}

// EncodedFrame 返回最近提交画面的编码
// 同一次提交只编码一次，返回的切片不能修改
func (p *Player) EncodedFrame(format Format) ([]byte, compositor.FrameInfo, error) {
	var data []byte
	var frame compositor.FrameInfo
	ok, err := p.pipeline.WithCommitted(func(img *image.RGBA, info compositor.FrameInfo) error {
		frame = info

		p.encMu.Lock()
		defer p.encMu.Unlock()
		if cached, hit := p.enc[format]; hit && cached.seq == info.Seq {
			data = cached.data
			return nil
		}

		var buf bytes.Buffer
		var err error
		if format == FormatPNG {
			err = compositor.EncodePNG(&buf, img)
		} else {
			err = compositor.EncodeJPEG(&buf, img, p.cfg.JPEGQuality)
		}
		if err != nil {
			return err
		}
		data = buf.Bytes()
		p.enc[format] = encodedFrame{seq: info.Seq, data: data}
		return nil
	})
	if err != nil {
		return nil, frame, err
	}
	if !ok {
		return nil, frame, ErrNoFrame
	}
	return data, frame, nil
}

// Frame 返回最近提交画面的副本
func (p *Player) Frame() (*image.RGBA, compositor.FrameInfo, bool) {
	return p.pipeline.Committed()
}

// ==================== 订阅 ====================

// Subscribe 订阅播放器事件，返回取消函数
func (p *Player) Subscribe(fn func(Event)) (cancel func()) {
	p.subMu.Lock()
	id := p.nextSub
	p.nextSub++
	p.subs[id] = fn
	p.subIDs = append(p.subIDs, id)
	p.subMu.Unlock()

	return func() {
		p.subMu.Lock()
		defer p.subMu.Unlock()
		if _, ok := p.subs[id]; !ok {
			return
		}
		delete(p.subs, id)
		for i, v := range p.subIDs {
			if v == id {
				p.subIDs = append(p.subIDs[:i], p.subIDs[i+1:]...)
				break
			}
		}
	}
}

func (p *Player) emit(ev Event) {
	p.subMu.Lock()
	fns := make([]func(Event), 0, len(p.subIDs))
	for _, id := range p.subIDs {
		fns = append(fns, p.subs[id])
	}
	p.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

// ==================== 查询 ====================

// Options 返回组件配置 (含实际帧数和尺寸)
func (p *Player) Options() models.Options {
	opts := p.cfg.Options()
	opts.Width, opts.Height = p.pipeline.Size()
	opts.NumFrames = p.pipeline.Store().NumFrames()
	return opts
}

// Status 返回播放器状态
func (p *Player) Status() Status {
	st := p.pipeline.Store()
	w, h := p.pipeline.Size()
	state := p.ctrl.State()

	p.mu.RLock()
	defer p.mu.RUnlock()
	return Status{
		Loaded:     p.loaded,
		Generation: st.Generation(),
		NumFrames:  st.NumFrames(),
		Width:      w,
		Height:     h,
		HasOverlay: st.Count(store.Overlay) > 0,
		Skipped:    p.pipeline.Skipped(),
		Images:     p.images,
		Masks:      p.masks,
		Time:       playback.FormatTime(state.FrameIndex, state.FPS),
	}
}

func (p *Player) subscribers() int {
	p.subMu.Lock()
	defer p.subMu.Unlock()
	return len(p.subs)
}
