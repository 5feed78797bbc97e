package config

import (
	"errors"
	"fmt"
	"math"
	"os"

	"overlay-player/internal/models"

	"github.com/BurntSushi/toml"
)

const (
	// 帧容器常量
	LengthFieldSize = 4 // uint32 大端长度前缀

	// WebSocket 二进制帧头
	StreamFrameMagic      = "OVLF"
	StreamFrameHeaderSize = 20 // magic(4) + generation(8) + frameIndex(4) + dataLen(4)

	// 预解码线程数
	DefaultPrewarmWorkers = 2
	MaxPrewarmWorkers     = 4

	// 文件变更去抖
	ReloadDebounceMs = 150

	// JPEG 输出质量
	DefaultJPEGQuality = 85
)

var (
	// 默认配置
	Host = "0.0.0.0"
	Port = 8000
)

var (
	ErrInvalidFPS   = errors.New("config: fps must be positive")
	ErrInvalidAlpha = errors.New("config: alpha must be within [0,1]")
	ErrInvalidPort  = errors.New("config: port out of range")
)

// Config 运行配置
// 命令行参数优先，配置文件 (TOML) 补充未指定的项
type Config struct {
	Port        int     `toml:"port"`
	ImagesPath  string  `toml:"images"`
	MasksPath   string  `toml:"masks"`
	Heatmap     bool    `toml:"heatmap"` // masks 为灰度热力图，按 JET 着色
	Width       int     `toml:"width"`
	Height      int     `toml:"height"`
	Alpha       float64 `toml:"alpha"`
	FPS         float64 `toml:"fps"`
	Loop        bool    `toml:"loop"`
	Autoplay    bool    `toml:"autoplay"`
	ToggleLabel string  `toml:"toggle_label"`
	Watch       bool    `toml:"watch"`
	Debug       bool    `toml:"debug"`
	JPEGQuality int     `toml:"jpeg_quality"`
	Workers     int     `toml:"workers"`
	SmoothScale bool    `toml:"smooth_scale"`
}

// Default 返回默认配置
func Default() Config {
	return Config{
		Port:        Port,
		Alpha:       models.DefaultAlpha,
		FPS:         models.DefaultFPS,
		ToggleLabel: models.DefaultToggleLabel,
		JPEGQuality: DefaultJPEGQuality,
		Workers:     DefaultPrewarmWorkers,
	}
}

// LoadFile 从 TOML 文件读取配置，以 base 为初始值
func LoadFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("读取配置文件失败: %w", err)
	}
	cfg := base
	if _, err := toml.Decode(string(data), &cfg); err != nil {
		return base, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
	}
	return cfg, nil
}

// Validate 校验配置
func (c Config) Validate() error {
	if c.FPS <= 0 || math.IsNaN(c.FPS) || math.IsInf(c.FPS, 0) {
		return fmt.Errorf("%w: %v", ErrInvalidFPS, c.FPS)
	}
	if math.IsNaN(c.Alpha) || c.Alpha < 0 || c.Alpha > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidAlpha, c.Alpha)
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	return nil
}

// PrewarmWorkers 返回限制后的预解码线程数
func (c Config) PrewarmWorkers() int {
	w := c.Workers
	if w <= 0 {
		w = DefaultPrewarmWorkers
	}
	if w > MaxPrewarmWorkers {
		w = MaxPrewarmWorkers
	}
	return w
}

// Options 转换为组件配置
func (c Config) Options() models.Options {
	label := c.ToggleLabel
	if label == "" {
		label = models.DefaultToggleLabel
	}
	// 热力图模式下未自定义的标签换成热力图标签
	if c.Heatmap && label == models.DefaultToggleLabel {
		label = models.HeatmapToggleLabel
	}
	return models.Options{
		Width:       c.Width,
		Height:      c.Height,
		Alpha:       c.Alpha,
		ToggleLabel: label,
		Autoplay:    c.Autoplay,
		FPS:         c.FPS,
		Loop:        c.Loop,
	}
}
