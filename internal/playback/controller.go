// Package playback 播放控制状态机
//
// 状态 Stopped / Playing。Controller 独占 PlaybackState，所有修改都经过
// 同一把锁串行化，修改提交后按顺序通知观察者 (显式重绘触发)。
// 计时任务由 Start 启动、Stop 取消，Stop 返回后不会再有 tick 生效。
package playback

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"overlay-player/internal/models"
)

var (
	ErrNoFrames       = errors.New("playback: no frames loaded")
	ErrInvalidFPS     = errors.New("playback: fps must be positive")
	ErrAlreadyStarted = errors.New("playback: timer already started")
)

// Observer 状态变更回调
// 在修改方的 goroutine 中同步调用，不能在回调里再调用 Controller 的修改方法
type Observer func(models.PlaybackState)

// Controller 播放控制器
type Controller struct {
	mu    sync.Mutex
	state models.PlaybackState

	// notifyMu 覆盖 "修改 + 通知" 整个过程，保证观察者看到的顺序与修改顺序一致
	notifyMu  sync.Mutex
	obsMu     sync.Mutex
	observers map[int]Observer
	nextObsID int

	taskMu  sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	resetCh chan time.Duration
}

// New 创建控制器
func New(numFrames int, fps float64, loop bool) (*Controller, error) {
	if !validFPS(fps) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFPS, fps)
	}
	if numFrames < 0 {
		numFrames = 0
	}
	return &Controller{
		state: models.PlaybackState{
			NumFrames: numFrames,
			FPS:       fps,
			Loop:      loop,
		},
		observers: make(map[int]Observer),
		resetCh:   make(chan time.Duration, 1),
	}, nil
}

func validFPS(fps float64) bool {
	return fps > 0 && !math.IsInf(fps, 0) && !math.IsNaN(fps)
}

// Period 返回 tick 周期 (1000/fps 毫秒)
func Period(fps float64) time.Duration {
	return time.Duration(float64(time.Second) / fps)
}

// State 返回状态快照
func (c *Controller) State() models.PlaybackState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Subscribe 注册观察者，返回取消函数
func (c *Controller) Subscribe(fn Observer) (cancel func()) {
	c.obsMu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = fn
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// mutate 在锁内执行 fn，fn 返回 true 时通知观察者
func (c *Controller) mutate(fn func(s *models.PlaybackState) bool) (models.PlaybackState, bool) {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	changed := fn(&c.state)
	snap := c.state
	c.mu.Unlock()

	if changed {
		c.notify(snap)
	}
	return snap, changed
}

func (c *Controller) notify(s models.PlaybackState) {
	c.obsMu.Lock()
	ids := make([]int, 0, len(c.observers))
	for id := range c.observers {
		ids = append(ids, id)
	}
	c.obsMu.Unlock()

	// 按注册顺序调用
	slices.Sort(ids)
	for _, id := range ids {
		c.obsMu.Lock()
		fn, ok := c.observers[id]
		c.obsMu.Unlock()
		if ok {
			fn(s)
		}
	}
}

// ==================== 传输控制 ====================

// Play Stopped -> Playing，帧数不超过 1 时无效
func (c *Controller) Play() bool {
	var period time.Duration
	_, changed := c.mutate(func(s *models.PlaybackState) bool {
		if s.IsPlaying || s.NumFrames <= 1 {
			return false
		}
		s.IsPlaying = true
		period = Period(s.FPS)
		return true
	})
	if changed {
		c.rearm(period)
	}
	return changed
}

// Pause Playing -> Stopped
func (c *Controller) Pause() bool {
	_, changed := c.mutate(func(s *models.PlaybackState) bool {
		if !s.IsPlaying {
			return false
		}
		s.IsPlaying = false
		return true
	})
	return changed
}

// Toggle 播放/暂停切换，返回切换后是否在播放
func (c *Controller) Toggle() bool {
	if c.State().IsPlaying {
		c.Pause()
	} else {
		c.Play()
	}
	return c.State().IsPlaying
}

// Tick 播放中前进一帧
// 到达末尾时循环回到 0，或停在最后一帧并转为 Stopped。返回帧号是否变化。
func (c *Controller) Tick() bool {
	_, changed := c.mutate(func(s *models.PlaybackState) bool {
		if !s.IsPlaying {
			return false
		}
		s.FrameIndex++
		if s.FrameIndex >= s.NumFrames {
			if s.Loop {
				s.FrameIndex = 0
			} else {
				s.FrameIndex = max(s.NumFrames-1, 0)
				s.IsPlaying = false
			}
		}
		return true
	})
	return changed
}

// Seek 跳转到第 i 帧，钳制到 [0, numFrames-1]，不改变播放状态
func (c *Controller) Seek(i int) (int, error) {
	var err error
	snap, _ := c.mutate(func(s *models.PlaybackState) bool {
		if s.NumFrames == 0 {
			err = ErrNoFrames
			return false
		}
		s.FrameIndex = clamp(i, 0, s.NumFrames-1)
		return true
	})
	return snap.FrameIndex, err
}

// SetLoop 设置循环，下一次越过末尾时生效
func (c *Controller) SetLoop(loop bool) {
	c.mutate(func(s *models.PlaybackState) bool {
		if s.Loop == loop {
			return false
		}
		s.Loop = loop
		return true
	})
}

// SetFPS 设置帧率，运行中的计时器按新周期重排
func (c *Controller) SetFPS(fps float64) error {
	if !validFPS(fps) {
		return fmt.Errorf("%w: %v", ErrInvalidFPS, fps)
	}
	_, changed := c.mutate(func(s *models.PlaybackState) bool {
		if s.FPS == fps {
			return false
		}
		s.FPS = fps
		return true
	})
	if changed {
		c.rearm(Period(fps))
	}
	return nil
}

// SetNumFrames 新负载安装后更新帧数
// 帧号被钳制，帧数不超过 1 时停止播放
func (c *Controller) SetNumFrames(n int) {
	if n < 0 {
		n = 0
	}
	c.mutate(func(s *models.PlaybackState) bool {
		s.NumFrames = n
		s.FrameIndex = clamp(s.FrameIndex, 0, max(n-1, 0))
		if n <= 1 {
			s.IsPlaying = false
		}
		return true
	})
}

// Reset 新负载安装后回到第 0 帧并停止
func (c *Controller) Reset(n int) {
	if n < 0 {
		n = 0
	}
	c.mutate(func(s *models.PlaybackState) bool {
		s.NumFrames = n
		s.FrameIndex = 0
		s.IsPlaying = false
		return true
	})
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ==================== 计时任务 ====================

// Start 启动计时任务
// 任务 goroutine 独占 ticker，tick 严格串行：上一次 tick 的修改与同步通知
// 完成之前不会处理下一次 tick。
func (c *Controller) Start(ctx context.Context) error {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	if c.cancel != nil {
		return ErrAlreadyStarted
	}

	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	period := Period(c.State().FPS)
	go c.run(taskCtx, done, period)
	return nil
}

// Stop 取消计时任务并等待其退出，可重复调用
func (c *Controller) Stop() {
	c.taskMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.taskMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running 计时任务是否在运行
func (c *Controller) Running() bool {
	c.taskMu.Lock()
	defer c.taskMu.Unlock()
	return c.cancel != nil
}

func (c *Controller) run(ctx context.Context, done chan struct{}, period time.Duration) {
	defer close(done)

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case d := <-c.resetCh:
			ticker.Reset(d)
		case <-ticker.C:
			// select 可能在取消后仍选中 ticker
			if ctx.Err() != nil {
				return
			}
			c.Tick()
		}
	}
}

// rearm 通知计时任务按新周期重新计时
func (c *Controller) rearm(d time.Duration) {
	if d <= 0 {
		return
	}
	select {
	case <-c.resetCh:
	default:
	}
	select {
	case c.resetCh <- d:
	default:
	}
}
