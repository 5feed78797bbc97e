// Package store 双轨帧存储
//
// 基础轨 (base) 与叠加轨 (overlay) 各持有一个帧容器，按帧号 O(1) 访问。
// 每次替换容器都会递增代号 (generation)，渲染在提交前据此丢弃过期结果。
package store

import (
	"errors"
	"fmt"
	"sync"

	"overlay-player/internal/container"
	"overlay-player/internal/still"
)

var (
	ErrNoOverlayAvailable = errors.New("store: no overlay available")
	ErrEmptyTrack         = errors.New("store: track is empty")
	ErrIndexOutOfRange    = errors.New("store: index out of range")
	ErrUnknownTrack       = errors.New("store: unknown track")
)

// Track 轨道
type Track int

const (
	Base Track = iota
	Overlay
)

func (t Track) String() string {
	switch t {
	case Base:
		return "base"
	case Overlay:
		return "overlay"
	}
	return fmt.Sprintf("track(%d)", int(t))
}

// ParseTrack 解析轨道名称
func ParseTrack(s string) (Track, error) {
	switch s {
	case "base", "images":
		return Base, nil
	case "overlay", "masks", "heatmap":
		return Overlay, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownTrack, s)
}

// Store 帧存储
type Store struct {
	mu         sync.RWMutex
	base       *container.Container
	overlay    *container.Container
	generation uint64
}

// New 创建空存储
func New() *Store {
	return &Store{}
}

// Install 同时替换两个轨道，旧容器被关闭
// overlay 可以为 nil (无叠加层)。返回新的代号。
func (s *Store) Install(base, overlay *container.Container) uint64 {
	gen, release := s.Replace(base, overlay)
	release()
	return gen
}

// Replace 同时替换两个轨道，返回新代号和释放旧容器的函数
// 调用方必须调用 release，可以在自己的锁之外调用
func (s *Store) Replace(base, overlay *container.Container) (uint64, func()) {
	s.mu.Lock()
	oldBase, oldOverlay := s.base, s.overlay
	s.base, s.overlay = base, overlay
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	release := func() {
		if oldBase != nil && oldBase != base {
			oldBase.Close()
		}
		if oldOverlay != nil && oldOverlay != overlay {
			oldOverlay.Close()
		}
	}
	return gen, release
}

// InstallTrack 只替换一个轨道
func (s *Store) InstallTrack(track Track, c *container.Container) (uint64, error) {
	s.mu.Lock()
	var old *container.Container
	switch track {
	case Base:
		old, s.base = s.base, c
	case Overlay:
		old, s.overlay = s.overlay, c
	default:
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrUnknownTrack, track)
	}
	s.generation++
	gen := s.generation
	s.mu.Unlock()

	if old != nil && old != c {
		old.Close()
	}
	return gen, nil
}

// Generation 返回当前代号
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Count 返回轨道帧数
func (s *Store) Count(track Track) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.countLocked(track)
}

func (s *Store) countLocked(track Track) int {
	switch track {
	case Base:
		return s.base.Len()
	case Overlay:
		return s.overlay.Len()
	}
	return 0
}

// NumFrames 返回可播放帧数 (基础轨帧数)
func (s *Store) NumFrames() int {
	return s.Count(Base)
}

// Get 获取指定轨道的一帧
//
// 叠加轨为空而基础轨非空时返回 ErrNoOverlayAvailable (仅渲染基础轨)。
// 帧号超出本轨但在另一轨范围内时，钳制到本轨最后一帧。
func (s *Store) Get(track Track, index int) (*still.Image, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.getLocked(track, index)
}

func (s *Store) getLocked(track Track, index int) (*still.Image, error) {
	var c *container.Container
	var other int
	switch track {
	case Base:
		c, other = s.base, s.overlay.Len()
	case Overlay:
		c, other = s.overlay, s.base.Len()
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnknownTrack, track)
	}

	count := c.Len()
	if count == 0 {
		if track == Overlay && s.base.Len() > 0 {
			return nil, ErrNoOverlayAvailable
		}
		return nil, fmt.Errorf("%v: %w", track, ErrEmptyTrack)
	}

	if index < 0 {
		return nil, fmt.Errorf("%v[%d]: %w", track, index, ErrIndexOutOfRange)
	}
	if index >= count {
		if index >= other {
			return nil, fmt.Errorf("%v[%d] (count %d): %w", track, index, count, ErrIndexOutOfRange)
		}
		index = count - 1
	}
	return c.Frame(index), nil
}

// Snapshot 一次渲染所需的帧和代号
type Snapshot struct {
	Index      int
	Base       *still.Image
	Overlay    *still.Image // 无叠加层时为 nil
	Generation uint64
}

// Snapshot 在同一把读锁下取基础帧、叠加帧与代号
// 叠加层缺失不视为错误，Overlay 为 nil
func (s *Store) Snapshot(index int) (Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{Index: index, Generation: s.generation}
	base, err := s.getLocked(Base, index)
	if err != nil {
		return snap, err
	}
	snap.Base = base

	overlay, err := s.getLocked(Overlay, index)
	switch {
	case err == nil:
		snap.Overlay = overlay
	case errors.Is(err, ErrNoOverlayAvailable):
	default:
		return snap, err
	}
	return snap, nil
}

// Close 释放两个轨道
func (s *Store) Close() {
	s.mu.Lock()
	base, overlay := s.base, s.overlay
	s.base, s.overlay = nil, nil
	s.generation++
	s.mu.Unlock()

	base.Close()
	overlay.Close()
}
