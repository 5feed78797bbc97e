// Package heatmap 灰度掩码归一化与 JET 伪彩色
package heatmap

import (
	"image"
	"image/color"
	"math"
)

// Epsilon 归一化分母偏移，常量掩码归一化为 0
const Epsilon = 1e-6

// Normalize 线性归一化到 [0,1)：(v - min) / (max - min + ε)
func Normalize(values []float64) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	lo, hi := values[0], values[0]
	for _, v := range values[1:] {
		lo = math.Min(lo, v)
		hi = math.Max(hi, v)
	}
	den := hi - lo + Epsilon
	for i, v := range values {
		out[i] = (v - lo) / den
	}
	return out
}

// Jet 伪彩色映射，v 在 [0,1] 外时钳制
// 0 为深蓝，0.5 为青绿，1 为深红
func Jet(v float64) color.RGBA {
	if math.IsNaN(v) {
		v = 0
	}
	v = math.Max(0, math.Min(1, v))
	ch := func(center float64) uint8 {
		x := 1.5 - math.Abs(4*v-center)
		x = math.Max(0, math.Min(1, x))
		return uint8(math.Round(x * 255))
	}
	return color.RGBA{R: ch(3), G: ch(2), B: ch(1), A: 255}
}

// Luminance 读取掩码亮度
func Luminance(mask image.Image) (values []float64, w, h int) {
	b := mask.Bounds()
	w, h = b.Dx(), b.Dy()
	values = make([]float64, 0, w*h)

	switch m := mask.(type) {
	case *image.Gray:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			row := m.Pix[m.PixOffset(b.Min.X, y):]
			for x := 0; x < w; x++ {
				values = append(values, float64(row[x]))
			}
		}
	case *image.Gray16:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				values = append(values, float64(m.Gray16At(x, y).Y))
			}
		}
	default:
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				g := color.Gray16Model.Convert(mask.At(x, y)).(color.Gray16)
				values = append(values, float64(g.Y))
			}
		}
	}
	return values, w, h
}

// Colorize 掩码 -> 归一化 -> JET，输出不透明 RGBA
func Colorize(mask image.Image) *image.RGBA {
	values, w, h := Luminance(mask)
	norm := Normalize(values)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, v := range norm {
		c := Jet(v)
		p := out.Pix[i*4 : i*4+4 : i*4+4]
		p[0], p[1], p[2], p[3] = c.R, c.G, c.B, c.A
	}
	return out
}
