package server

import (
	"encoding/binary"
	"errors"
	"sync"
	"sync/atomic"

	"overlay-player/internal/compositor"
	"overlay-player/internal/config"
	"overlay-player/internal/logger"
	"overlay-player/internal/models"
)

var ErrBadStreamFrame = errors.New("server: malformed stream frame")

// Sink 单个连接的输出端
// Feed 保证三个方法不会被并发调用
type Sink interface {
	WriteFrame(packet []byte) error
	WriteState(r Reply) error
	WriteClick(ev models.ClickEvent) error
}

const feedClickBuffer = 64

// Feed 把播放器事件转换为单个连接的串行输出
//
// 事件回调只置位标记并唤醒写循环，慢连接不会阻塞播放计时；
// 积压的画面被合并，只发送最新一帧。点击事件逐个发送。
type Feed struct {
	player *Player
	sink   Sink

	frameDirty atomic.Bool
	stateDirty atomic.Bool
	clicks     chan models.ClickEvent
	wake       chan struct{}

	stopChan  chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	cancelSub func()

	sent atomic.Int64
}

// NewFeed 订阅播放器并启动写循环
// 启动后立即推送一次状态和当前画面
func (p *Player) NewFeed(sink Sink) *Feed {
	f := &Feed{
		player:   p,
		sink:     sink,
		clicks:   make(chan models.ClickEvent, feedClickBuffer),
		wake:     make(chan struct{}, 1),
		stopChan: make(chan struct{}),
		done:     make(chan struct{}),
	}
	f.cancelSub = p.Subscribe(f.onEvent)
	f.stateDirty.Store(true)
	f.frameDirty.Store(true)
	f.signal()
	go f.loop()
	return f
}

// Close 取消订阅并等待写循环退出，可重复调用
func (f *Feed) Close() {
	f.stopOnce.Do(func() {
		f.cancelSub()
		close(f.stopChan)
	})
	<-f.done
}

// Done 写循环退出后关闭
func (f *Feed) Done() <-chan struct{} {
	return f.done
}

// FramesSent 已发送的画面数
func (f *Feed) FramesSent() int64 {
	return f.sent.Load()
}

func (f *Feed) signal() {
	select {
	case f.wake <- struct{}{}:
	default:
	}
}

func (f *Feed) onEvent(ev Event) {
	switch ev.Kind {
	case EventState, EventLoaded:
		f.stateDirty.Store(true)
	case EventFrame:
		f.frameDirty.Store(true)
	case EventClick:
		select {
		case f.clicks <- ev.Click:
		default:
			logger.LogWarn("点击事件积压，已丢弃", "x", ev.Click.X, "y", ev.Click.Y)
		}
	}
	f.signal()
}

func (f *Feed) loop() {
	defer close(f.done)
	for {
		select {
		case <-f.stopChan:
			return
		case <-f.wake:
		}
		if err := f.flush(); err != nil {
			logger.LogDebug("连接写入失败，停止推送", "error", err)
			f.stopOnce.Do(func() {
				f.cancelSub()
				close(f.stopChan)
			})
			return
		}
	}
}

func (f *Feed) flush() error {
	for drained := false; !drained; {
		select {
		case ev := <-f.clicks:
			if err := f.sink.WriteClick(ev); err != nil {
				return err
			}
		default:
			drained = true
		}
	}

	if f.stateDirty.Swap(false) {
		if err := f.sink.WriteState(f.player.reply(nil)); err != nil {
			return err
		}
	}

	if f.frameDirty.Swap(false) {
		data, info, err := f.player.EncodedFrame(FormatJPEG)
		if errors.Is(err, ErrNoFrame) {
			return nil
		}
		if err != nil {
			logger.LogWarn("画面编码失败", "error", err)
			return nil
		}
		if err := f.sink.WriteFrame(EncodeStreamFrame(info, data)); err != nil {
			return err
		}
		f.sent.Add(1)
	}
	return nil
}

// ==================== 二进制帧 ====================

// EncodeStreamFrame 构造二进制画面帧
// 格式: Magic(4) + Generation(8) + FrameIndex(4) + DataLen(4) + JPEG
func EncodeStreamFrame(info compositor.FrameInfo, data []byte) []byte {
	packet := make([]byte, config.StreamFrameHeaderSize+len(data))
	copy(packet[0:4], config.StreamFrameMagic)
	binary.BigEndian.PutUint64(packet[4:12], info.Generation)
	binary.BigEndian.PutUint32(packet[12:16], uint32(info.Index))
	binary.BigEndian.PutUint32(packet[16:20], uint32(len(data)))
	copy(packet[config.StreamFrameHeaderSize:], data)
	return packet
}

// StreamFrame 解析后的二进制画面帧
type StreamFrame struct {
	Generation uint64
	Index      int
	Data       []byte
}

// DecodeStreamFrame 解析二进制画面帧
func DecodeStreamFrame(packet []byte) (StreamFrame, error) {
	if len(packet) < config.StreamFrameHeaderSize || string(packet[0:4]) != config.StreamFrameMagic {
		return StreamFrame{}, ErrBadStreamFrame
	}
	n := binary.BigEndian.Uint32(packet[16:20])
	if uint64(len(packet)-config.StreamFrameHeaderSize) < uint64(n) {
		return StreamFrame{}, ErrBadStreamFrame
	}
	return StreamFrame{
		Generation: binary.BigEndian.Uint64(packet[4:12]),
		Index:      int(binary.BigEndian.Uint32(packet[12:16])),
		Data:       packet[config.StreamFrameHeaderSize : config.StreamFrameHeaderSize+int(n)],
	}, nil
}
