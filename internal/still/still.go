// Package still 单帧静态图像
//
// Image 持有一帧独立可解码的压缩图像 (JPEG/PNG/GIF/WebP) 的字节，
// 首次使用时解码为光栅图，之后只读共享。解码结果只在完整解码后发布，
// 渲染不会读到半帧。
package still

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"sync"

	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)

var (
	ErrCorruptStill = errors.New("still: corrupt image payload")
	ErrReleased     = errors.New("still: image released")
)

// Codec 静态图像解码器
type Codec interface {
	Decode(payload []byte) (image.Image, error)
}

// StdCodec 基于 image.Decode 的解码器，支持已注册的所有格式
type StdCodec struct{}

// Decode 解码图像
func (StdCodec) Decode(payload []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(payload))
	return img, err
}

// CodecFunc 函数适配器
type CodecFunc func(payload []byte) (image.Image, error)

// Decode 调用 f
func (f CodecFunc) Decode(payload []byte) (image.Image, error) {
	return f(payload)
}

// Image 单帧图像
type Image struct {
	mu       sync.Mutex
	payload  []byte
	size     int
	codec    Codec
	decoded  bool
	raster   image.Image
	err      error
	released bool
}

// New 创建单帧图像，payload 不做拷贝
func New(payload []byte, codec Codec) *Image {
	if codec == nil {
		codec = StdCodec{}
	}
	return &Image{
		payload: payload,
		size:    len(payload),
		codec:   codec,
	}
}

// Len 返回负载字节数
func (i *Image) Len() int {
	return i.size
}

// Bytes 返回原始负载 (释放后为 nil)
func (i *Image) Bytes() []byte {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.payload
}

// Raster 返回解码后的光栅图，首次调用时解码
// 解码失败会被缓存，同一帧不会重复解码
func (i *Image) Raster() (image.Image, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.released {
		return nil, ErrReleased
	}
	if !i.decoded {
		img, err := i.codec.Decode(i.payload)
		if err != nil {
			i.err = fmt.Errorf("%w: %v", ErrCorruptStill, err)
		} else {
			i.raster = img
		}
		i.decoded = true
	}
	return i.raster, i.err
}

// Decoded 是否已经解码 (成功或失败)
func (i *Image) Decoded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.decoded
}

// Bounds 返回图像尺寸，必要时解码
func (i *Image) Bounds() (image.Rectangle, error) {
	img, err := i.Raster()
	if err != nil {
		return image.Rectangle{}, err
	}
	return img.Bounds(), nil
}

// Release 释放光栅图及负载引用
func (i *Image) Release() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.released = true
	i.raster = nil
	i.payload = nil
	i.err = nil
}

// Released 是否已释放
func (i *Image) Released() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.released
}
