// Package compositor 基础帧与叠加帧的逐像素混合
//
// 输出始终是完全不透明的 RGBA 光栅：alpha 只控制基础/叠加两者的比例，
// 不控制输出透明度。尺寸不同的源图先缩放到目标尺寸再混合。
package compositor

import (
	"errors"
	"image"
	"math"

	"overlay-player/internal/models"
	"overlay-player/internal/still"

	xdraw "golang.org/x/image/draw"
)

var (
	ErrNoBase      = errors.New("compositor: base frame is required")
	ErrEmptyTarget = errors.New("compositor: target has zero size")
)

// Scaler 缩放方式
type Scaler int

const (
	ScaleNearest Scaler = iota
	ScaleSmooth
)

func (s Scaler) interpolator() xdraw.Interpolator {
	if s == ScaleSmooth {
		return xdraw.ApproxBiLinear
	}
	return xdraw.NearestNeighbor
}

// Target 渲染目标，跨帧复用，不在每帧重新分配
type Target struct {
	img *image.RGBA
}

// NewTarget 创建 width×height 的渲染目标
func NewTarget(width, height int) *Target {
	if width < 0 {
		width = 0
	}
	if height < 0 {
		height = 0
	}
	return &Target{img: image.NewRGBA(image.Rect(0, 0, width, height))}
}

// Width 宽度
func (t *Target) Width() int { return t.img.Rect.Dx() }

// Height 高度
func (t *Target) Height() int { return t.img.Rect.Dy() }

// Pix 原始像素 (R,G,B,A 每通道 8 位)
func (t *Target) Pix() []byte { return t.img.Pix }

// Image 返回底层图像
func (t *Target) Image() *image.RGBA { return t.img }

// Compositor 混合器
// 持有缩放用的临时缓冲区，非并发安全，由调用方串行使用
type Compositor struct {
	scaler         xdraw.Interpolator
	baseScratch    scratch
	overlayScratch scratch
}

// scratch 缩放缓冲区，NRGBA 源使用非预乘缓冲区，颜色不随 alpha 变暗
type scratch struct {
	rgba  *image.RGBA
	nrgba *image.NRGBA
}

// New 创建混合器
func New(scaler Scaler) *Compositor {
	return &Compositor{scaler: scaler.interpolator()}
}

// BlendChannel 单通道混合: round((1-a)*b + a*o)，限制在 [0,255]
func BlendChannel(b, o uint8, alpha float64) uint8 {
	fb := float64(b)
	v := math.Round(fb + alpha*(float64(o)-fb))
	if v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(v)
}

// Render 将 base 与 overlay 按 blend 混合写入 target
//
// blend.DisplayOverlay 为 false 或 overlay 为 nil 时只复制基础帧。
// 输出 alpha 通道固定为 255。
func (c *Compositor) Render(target *Target, base, overlay image.Image, blend models.BlendState) error {
	if base == nil {
		return ErrNoBase
	}
	w, h := target.Width(), target.Height()
	if w == 0 || h == 0 {
		return ErrEmptyTarget
	}

	basePix, baseStride := c.source(base, &c.baseScratch, w, h)
	dst := target.img

	if !blend.DisplayOverlay || overlay == nil {
		for y := 0; y < h; y++ {
			drow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
			brow := basePix[y*baseStride : y*baseStride+w*4]
			copy(drow, brow)
			for i := 3; i < len(drow); i += 4 {
				drow[i] = 0xff
			}
		}
		return nil
	}

	overlayPix, overlayStride := c.source(overlay, &c.overlayScratch, w, h)
	alpha := blend.ClampedAlpha()

	for y := 0; y < h; y++ {
		drow := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		brow := basePix[y*baseStride : y*baseStride+w*4]
		orow := overlayPix[y*overlayStride : y*overlayStride+w*4]
		for i := 0; i < len(drow); i += 4 {
			drow[i] = BlendChannel(brow[i], orow[i], alpha)
			drow[i+1] = BlendChannel(brow[i+1], orow[i+1], alpha)
			drow[i+2] = BlendChannel(brow[i+2], orow[i+2], alpha)
			drow[i+3] = 0xff
		}
	}
	return nil
}

// source 返回尺寸为 w×h 的 8 位像素视图
// 同尺寸的 *image.RGBA / *image.NRGBA 源直接读取，其它源绘制 (必要时缩放) 到临时缓冲区。
// NRGBA 源保持非预乘颜色，透明像素的 RGB 原样保留。
func (c *Compositor) source(src image.Image, s *scratch, w, h int) ([]byte, int) {
	rect := image.Rect(0, 0, w, h)
	switch img := src.(type) {
	case *image.RGBA:
		if img.Rect.Dx() == w && img.Rect.Dy() == h {
			off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y)
			return img.Pix[off:], img.Stride
		}
	case *image.NRGBA:
		if img.Rect.Dx() == w && img.Rect.Dy() == h {
			off := img.PixOffset(img.Rect.Min.X, img.Rect.Min.Y)
			return img.Pix[off:], img.Stride
		}
		if s.nrgba == nil || s.nrgba.Rect != rect {
			s.nrgba = image.NewNRGBA(rect)
		}
		c.scaler.Scale(s.nrgba, rect, img, img.Rect, xdraw.Src, nil)
		return s.nrgba.Pix, s.nrgba.Stride
	}

	if s.rgba == nil || s.rgba.Rect != rect {
		s.rgba = image.NewRGBA(rect)
	}
	dst := s.rgba

	sb := src.Bounds()
	if sb.Dx() == w && sb.Dy() == h {
		xdraw.Draw(dst, rect, src, sb.Min, xdraw.Src)
	} else {
		c.scaler.Scale(dst, rect, src, sb, xdraw.Src, nil)
	}
	return dst.Pix, dst.Stride
}

// RenderFrame 解码单帧并渲染
// 需要显示叠加层但叠加帧缺失或解码失败时退化为只渲染基础帧，degraded 为 true；
// 基础帧解码失败返回错误
func (c *Compositor) RenderFrame(target *Target, base, overlay *still.Image, blend models.BlendState) (degraded bool, err error) {
	if base == nil {
		return false, ErrNoBase
	}
	baseImg, err := base.Raster()
	if err != nil {
		return false, err
	}

	var overlayImg image.Image
	if blend.DisplayOverlay {
		if overlay == nil {
			degraded = true
		} else if overlayImg, err = overlay.Raster(); err != nil {
			overlayImg = nil
			degraded = true
		}
	}
	return degraded, c.Render(target, baseImg, overlayImg, blend)
}
