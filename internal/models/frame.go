package models

import "math"

// BlendState 叠加混合状态
// 只由用户交互或宿主默认值修改，每次渲染时读取
type BlendState struct {
	Alpha          float64 `json:"alpha"`          // 叠加比例 [0,1]
	DisplayOverlay bool    `json:"displayOverlay"` // 是否显示叠加层
}

// ClampedAlpha 返回限制在 [0,1] 的 alpha，NaN 视为 0
func (b BlendState) ClampedAlpha() float64 {
	a := b.Alpha
	if math.IsNaN(a) || a < 0 {
		return 0
	}
	if a > 1 {
		return 1
	}
	return a
}

// PlaybackState 播放状态
// FrameIndex 是"当前渲染哪一帧"的唯一来源
type PlaybackState struct {
	FrameIndex int     `json:"frameIndex"`
	IsPlaying  bool    `json:"isPlaying"`
	Loop       bool    `json:"loop"`
	FPS        float64 `json:"fps"`
	NumFrames  int     `json:"numFrames"`
}

// ClickEvent 点击事件 (目标像素坐标)
type ClickEvent struct {
	Kind string  `json:"kind"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
}

// ClickEventKind 点击事件类型
const ClickEventKind = "MouseClick"

// Options 宿主传入的组件配置
type Options struct {
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	NumFrames   int     `json:"numFrames"`
	Alpha       float64 `json:"alpha"`
	ToggleLabel string  `json:"toggleLabel"`
	Autoplay    bool    `json:"autoplay"`
	FPS         float64 `json:"fps"`
	Loop        bool    `json:"loop"`
}

// 默认值
const (
	DefaultAlpha       = 0.5
	DefaultFPS         = 30.0
	DefaultToggleLabel = "Display Overlay"
	HeatmapToggleLabel = "Display Heatmap"
)

// DefaultOptions 返回默认配置
func DefaultOptions() Options {
	return Options{
		Alpha:       DefaultAlpha,
		FPS:         DefaultFPS,
		ToggleLabel: DefaultToggleLabel,
	}
}
