package compositor

import (
	"image"
	"image/jpeg"
	"image/png"
	"io"
)

// EncodeJPEG 以 JPEG 编码画面
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
}

// EncodePNG 以 PNG 编码画面 (无损，用于取像素坐标核对)
func EncodePNG(w io.Writer, img image.Image) error {
	enc := png.Encoder{CompressionLevel: png.BestSpeed}
	return enc.Encode(w, img)
}
