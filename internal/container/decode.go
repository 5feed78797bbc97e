// Package container 长度前缀帧容器
//
// 容器格式 (大端):
//
//	record := length:uint32_be  payload:byte[length]
//
// 记录重复直到缓冲区结束。每个 payload 是一帧独立可解码的静态图像
// (例如 JPEG 字节流)，本层不做任何解压或转换。
package container

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"overlay-player/internal/config"
)

var (
	ErrTruncatedHeader  = errors.New("container: truncated header")
	ErrTruncatedPayload = errors.New("container: truncated payload")
	ErrPayloadTooLarge  = errors.New("container: payload exceeds uint32 length")
)

// Decode 解析容器，返回各帧负载
// 返回的切片直接引用 data，不做拷贝。任意一条记录损坏都会使整个解析失败，
// 不会返回截断后的帧列表。
func Decode(data []byte) ([][]byte, error) {
	payloads := make([][]byte, 0, 16)
	offset := 0

	for offset < len(data) {
		if len(data)-offset < config.LengthFieldSize {
			return nil, fmt.Errorf("record %d at offset %d: %w (%d bytes left)",
				len(payloads), offset, ErrTruncatedHeader, len(data)-offset)
		}

		length := binary.BigEndian.Uint32(data[offset : offset+config.LengthFieldSize])
		start := offset + config.LengthFieldSize
		remaining := uint64(len(data) - start)
		if uint64(length) > remaining {
			return nil, fmt.Errorf("record %d at offset %d: %w (want %d, have %d)",
				len(payloads), offset, ErrTruncatedPayload, length, remaining)
		}

		end := start + int(length)
		payloads = append(payloads, data[start:end:end])
		offset = end
	}

	return payloads, nil
}

// Count 只统计记录数，不保留负载
func Count(data []byte) (int, error) {
	payloads, err := Decode(data)
	if err != nil {
		return 0, err
	}
	return len(payloads), nil
}

// Encode 将多帧负载编码为容器
func Encode(payloads [][]byte) ([]byte, error) {
	total := 0
	for _, p := range payloads {
		total += config.LengthFieldSize + len(p)
	}

	buf := make([]byte, 0, total)
	header := make([]byte, config.LengthFieldSize)
	for i, p := range payloads {
		if uint64(len(p)) > math.MaxUint32 {
			return nil, fmt.Errorf("record %d: %w", i, ErrPayloadTooLarge)
		}
		binary.BigEndian.PutUint32(header, uint32(len(p)))
		buf = append(buf, header...)
		buf = append(buf, p...)
	}
	return buf, nil
}

// EncodeTo 编码并写入 w
func EncodeTo(w io.Writer, payloads [][]byte) error {
	header := make([]byte, config.LengthFieldSize)
	for i, p := range payloads {
		if uint64(len(p)) > math.MaxUint32 {
			return fmt.Errorf("record %d: %w", i, ErrPayloadTooLarge)
		}
		binary.BigEndian.PutUint32(header, uint32(len(p)))
		if _, err := w.Write(header); err != nil {
			return err
		}
		if _, err := w.Write(p); err != nil {
			return err
		}
	}
	return nil
}
