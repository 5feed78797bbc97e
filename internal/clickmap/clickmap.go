// Package clickmap 显示坐标到帧像素坐标的映射
package clickmap

import (
	"errors"

	"overlay-player/internal/models"
)

var ErrEmptyBounds = errors.New("clickmap: display bounds have zero size")

// Point 显示坐标系中的点击位置
type Point struct {
	X, Y float64
}

// Rect 帧在显示坐标系中占据的矩形
type Rect struct {
	X, Y, W, H float64
}

// MapClick 按显示尺寸与帧尺寸的比例换算点击坐标
// 不做钳制，越界点击原样返回越界坐标
func MapClick(p Point, bounds Rect, targetW, targetH int) (x, y float64, err error) {
	if bounds.W <= 0 || bounds.H <= 0 {
		return 0, 0, ErrEmptyBounds
	}
	x = (p.X - bounds.X) * float64(targetW) / bounds.W
	y = (p.Y - bounds.Y) * float64(targetH) / bounds.H
	return x, y, nil
}

// NewClickEvent 构造 MouseClick 事件
func NewClickEvent(x, y float64) models.ClickEvent {
	return models.ClickEvent{Kind: models.ClickEventKind, X: x, Y: y}
}

// Map 映射并直接生成事件
func Map(p Point, bounds Rect, targetW, targetH int) (models.ClickEvent, error) {
	x, y, err := MapClick(p, bounds, targetW, targetH)
	if err != nil {
		return models.ClickEvent{}, err
	}
	return NewClickEvent(x, y), nil
}

// ==================== 终端单元格 ====================

// CellMapper 终端单元格到帧像素
// 半块字符模式下每个单元格宽 1 像素、高 2 像素
type CellMapper struct {
	OriginCol, OriginRow int // 画面左上角所在单元格
	Cols, Rows           int // 画面占据的单元格数
	FrameW, FrameH       int
}

// Bounds 画面在 "半块像素" 坐标系中的矩形
func (m CellMapper) Bounds() Rect {
	return Rect{
		X: float64(m.OriginCol),
		Y: float64(m.OriginRow * 2),
		W: float64(m.Cols),
		H: float64(m.Rows * 2),
	}
}

// Point 单元格上半部中心在半块像素坐标系中的位置
func (m CellMapper) Point(col, row int) Point {
	return Point{X: float64(col) + 0.5, Y: float64(row*2) + 0.5}
}

// Map 单元格坐标映射为点击事件
func (m CellMapper) Map(col, row int) (models.ClickEvent, error) {
	return Map(m.Point(col, row), m.Bounds(), m.FrameW, m.FrameH)
}

// Contains 单元格是否落在画面内
func (m CellMapper) Contains(col, row int) bool {
	return col >= m.OriginCol && col < m.OriginCol+m.Cols &&
		row >= m.OriginRow && row < m.OriginRow+m.Rows
}
