package server

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"overlay-player/internal/clickmap"
	"overlay-player/internal/config"
	"overlay-player/internal/container"
	"overlay-player/internal/heatmap"
	"overlay-player/internal/playback"
)

var (
	red   = color.RGBA{200, 0, 0, 255}
	green = color.RGBA{0, 200, 0, 255}
	blue  = color.RGBA{0, 0, 200, 255}
)

func solidPNG(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

func payload(t *testing.T, stills ...[]byte) []byte {
	t.Helper()
	data, err := container.Encode(stills)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func solidPayload(t *testing.T, colors ...color.Color) []byte {
	t.Helper()
	stills := make([][]byte, len(colors))
	for i, c := range colors {
		stills[i] = solidPNG(t, c)
	}
	return payload(t, stills...)
}

func newTestPlayer(t *testing.T, mod func(*config.Config)) *Player {
	t.Helper()
	cfg := config.Default()
	if mod != nil {
		mod(&cfg)
	}
	p, err := NewPlayer(cfg)
	if err != nil {
		t.Fatalf("NewPlayer: %v", err)
	}
	t.Cleanup(p.Close)
	return p
}

func pixel(t *testing.T, p *Player) (color.RGBA, int) {
	t.Helper()
	img, info, ok := p.Frame()
	if !ok {
		t.Fatal("no committed frame")
	}
	return img.RGBAAt(0, 0), info.Index
}

func TestLoadPayloadRendersFirstFrame(t *testing.T) {
	p := newTestPlayer(t, nil)
	if err := p.LoadPayload(solidPayload(t, red, green, red), solidPayload(t, blue, blue, blue)); err != nil {
		t.Fatal(err)
	}

	st := p.Status()
	if !st.Loaded || st.NumFrames != 3 || st.Width != 4 || st.Height != 4 || !st.HasOverlay {
		t.Errorf("status = %+v", st)
	}

	// 叠加层默认关闭
	if c, idx := pixel(t, p); c != red || idx != 0 {
		t.Errorf("frame 0 = %v (index %d), want %v", c, idx, red)
	}

	p.SetDisplayOverlay(true)
	if c, _ := pixel(t, p); c != (color.RGBA{100, 0, 100, 255}) {
		t.Errorf("blended = %v", c)
	}

	if _, err := p.SetAlpha(1); err != nil {
		t.Fatal(err)
	}
	if c, _ := pixel(t, p); c != blue {
		t.Errorf("alpha 1 = %v, want %v", c, blue)
	}

	if _, err := p.Seek(1); err != nil {
		t.Fatal(err)
	}
	p.SetAlpha(0)
	if c, idx := pixel(t, p); c != green || idx != 1 {
		t.Errorf("frame 1 = %v (index %d)", c, idx)
	}
}

func TestInvalidPayloadKeepsPrevious(t *testing.T) {
	p := newTestPlayer(t, nil)
	if err := p.LoadPayload(solidPayload(t, red, green), nil); err != nil {
		t.Fatal(err)
	}
	gen := p.Status().Generation

	err := p.LoadPayload([]byte{0, 0, 0, 9, 1, 2}, nil)
	if !errors.Is(err, container.ErrTruncatedPayload) {
		t.Fatalf("err = %v, want ErrTruncatedPayload", err)
	}
	err = p.LoadPayload(solidPayload(t, red), []byte{0, 0})
	if !errors.Is(err, container.ErrTruncatedHeader) {
		t.Fatalf("masks err = %v, want ErrTruncatedHeader", err)
	}

	st := p.Status()
	if st.Generation != gen || st.NumFrames != 2 {
		t.Errorf("status changed after invalid payload: %+v", st)
	}
	if c, _ := pixel(t, p); c != red {
		t.Errorf("frame = %v", c)
	}
}

func TestNoOverlayDegrades(t *testing.T) {
	p := newTestPlayer(t, nil)
	if err := p.LoadPayload(solidPayload(t, green), nil); err != nil {
		t.Fatal(err)
	}
	p.SetDisplayOverlay(true)

	img, info, ok := p.Frame()
	if !ok || !info.Degraded {
		t.Fatalf("info = %+v ok=%v", info, ok)
	}
	if c := img.RGBAAt(1, 1); c != green {
		t.Errorf("pixel = %v", c)
	}
	if p.Status().HasOverlay {
		t.Error("HasOverlay true without masks")
	}
}

func TestCorruptFrameSkipped(t *testing.T) {
	p := newTestPlayer(t, nil)
	base := payload(t, solidPNG(t, red), []byte("not an image"), solidPNG(t, green))
	if err := p.LoadPayload(base, nil); err != nil {
		t.Fatal(err)
	}

	p.Seek(1)
	if got := p.Status().Skipped; got != 1 {
		t.Errorf("skipped = %d, want 1", got)
	}
	if _, idx := pixel(t, p); idx != 0 {
		t.Errorf("committed index = %d, want previous frame 0", idx)
	}

	p.Seek(2)
	if c, idx := pixel(t, p); c != green || idx != 2 {
		t.Errorf("frame 2 = %v (index %d)", c, idx)
	}
}

func TestNoDecodableFrame(t *testing.T) {
	p := newTestPlayer(t, nil)
	err := p.LoadPayload(payload(t, []byte("x"), []byte("y")), nil)
	if !errors.Is(err, ErrNoDecodableFrame) {
		t.Fatalf("err = %v", err)
	}
	if p.Status().Loaded {
		t.Error("loaded after failed payload")
	}
}

func TestAutoplay(t *testing.T) {
	p := newTestPlayer(t, func(c *config.Config) { c.Autoplay = true })
	p.LoadPayload(solidPayload(t, red, green), nil)
	if !p.State().IsPlaying {
		t.Error("autoplay did not start")
	}

	p.LoadPayload(solidPayload(t, red), nil)
	if p.State().IsPlaying {
		t.Error("single frame payload is playing")
	}
}

func TestLoadResetsIndex(t *testing.T) {
	p := newTestPlayer(t, nil)
	p.LoadPayload(solidPayload(t, red, green, blue), nil)
	p.Seek(2)
	p.LoadPayload(solidPayload(t, blue, red), nil)
	if st := p.State(); st.FrameIndex != 0 || st.NumFrames != 2 {
		t.Errorf("state = %+v", st)
	}
}

func TestClickEmittedOnce(t *testing.T) {
	p := newTestPlayer(t, nil)
	if _, err := p.Click(clickmap.Point{X: 1, Y: 1}, clickmap.Rect{W: 10, H: 10}); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("click before load: %v", err)
	}

	p.LoadPayload(solidPayload(t, red), nil)

	var mu sync.Mutex
	var clicks []Event
	cancel := p.Subscribe(func(ev Event) {
		if ev.Kind == EventClick {
			mu.Lock()
			clicks = append(clicks, ev)
			mu.Unlock()
		}
	})
	defer cancel()

	ev, err := p.Click(clickmap.Point{X: 100, Y: 50}, clickmap.Rect{W: 400, H: 200})
	if err != nil {
		t.Fatal(err)
	}
	if ev.Kind != "MouseClick" || ev.X != 1 || ev.Y != 1 {
		t.Errorf("event = %+v", ev)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(clicks) != 1 || clicks[0].Click != ev {
		t.Errorf("subscribers saw %v", clicks)
	}

	if _, err := p.Click(clickmap.Point{}, clickmap.Rect{}); !errors.Is(err, clickmap.ErrEmptyBounds) {
		t.Errorf("empty bounds: %v", err)
	}
}

func TestApply(t *testing.T) {
	p := newTestPlayer(t, nil)
	p.LoadPayload(solidPayload(t, red, green, blue), nil)

	idx := 5
	reply, err := p.Apply(Action{Action: "seek", Index: &idx})
	if err != nil || reply.Playback.FrameIndex != 2 {
		t.Errorf("seek: %+v %v", reply, err)
	}

	tests := []struct {
		a    Action
		want error
	}{
		{Action{Action: "seek"}, ErrMissingField},
		{Action{Action: "alpha"}, ErrMissingField},
		{Action{Action: "rewind"}, ErrUnknownAction},
		{Action{Action: "fps", FPS: ptr(0.0)}, playback.ErrInvalidFPS},
		{Action{Action: "click"}, clickmap.ErrEmptyBounds},
	}
	for _, tt := range tests {
		if _, err := p.Apply(tt.a); !errors.Is(err, tt.want) {
			t.Errorf("Apply(%q) err = %v, want %v", tt.a.Action, err, tt.want)
		}
	}

	reply, err = p.Apply(Action{Action: "alpha", Alpha: ptr(3.0)})
	if err != nil || reply.Blend.Alpha != 1 {
		t.Errorf("alpha clamp: %+v %v", reply.Blend, err)
	}
	reply, _ = p.Apply(Action{Action: "loop", Loop: ptr(true)})
	if !reply.Playback.Loop {
		t.Error("loop not set")
	}
	reply, _ = p.Apply(Action{Action: "toggle"})
	if !reply.Playback.IsPlaying {
		t.Error("toggle did not start playback")
	}
	if reply.Time != "00:00:02" {
		t.Errorf("time = %q", reply.Time)
	}
}

func ptr[T any](v T) *T { return &v }

func TestEncodedFrameCache(t *testing.T) {
	p := newTestPlayer(t, nil)
	if _, _, err := p.EncodedFrame(FormatJPEG); !errors.Is(err, ErrNoFrame) {
		t.Errorf("before load: %v", err)
	}
	p.LoadPayload(solidPayload(t, red, green), nil)

	a, info, err := p.EncodedFrame(FormatJPEG)
	if err != nil {
		t.Fatal(err)
	}
	b, _, _ := p.EncodedFrame(FormatJPEG)
	if &a[0] != &b[0] {
		t.Error("same commit encoded twice")
	}
	if _, err := jpeg.Decode(bytes.NewReader(a)); err != nil {
		t.Errorf("jpeg decode: %v", err)
	}

	p.Seek(1)
	c, info2, _ := p.EncodedFrame(FormatJPEG)
	if info2.Seq == info.Seq || &c[0] == &a[0] {
		t.Error("cache not invalidated by new commit")
	}

	raw, _, err := p.EncodedFrame(FormatPNG)
	if err != nil {
		t.Fatal(err)
	}
	img, err := png.Decode(bytes.NewReader(raw))
	if err != nil {
		t.Fatal(err)
	}
	if got := color.RGBAModel.Convert(img.At(0, 0)); got != green {
		t.Errorf("png pixel = %v", got)
	}
}

func TestHeatmapMode(t *testing.T) {
	p := newTestPlayer(t, func(c *config.Config) {
		c.Heatmap = true
		c.Alpha = 1
	})
	gray := color.Gray{Y: 90}
	if err := p.LoadPayload(solidPayload(t, red), solidPayload(t, gray)); err != nil {
		t.Fatal(err)
	}
	p.SetDisplayOverlay(true)
	if c, _ := pixel(t, p); c != heatmap.Jet(0) {
		t.Errorf("heatmap pixel = %v, want %v", c, heatmap.Jet(0))
	}
	if p.Options().ToggleLabel != "Display Heatmap" {
		t.Errorf("label = %q", p.Options().ToggleLabel)
	}
}

func TestLoadFilesAndReload(t *testing.T) {
	dir := t.TempDir()
	images := filepath.Join(dir, "images.bin")
	masks := filepath.Join(dir, "masks.bin")
	os.WriteFile(images, solidPayload(t, red, green), 0o644)
	os.WriteFile(masks, solidPayload(t, blue), 0o644)

	p := newTestPlayer(t, func(c *config.Config) { c.Watch = true })
	if err := p.Reload(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("reload before load: %v", err)
	}
	if err := p.LoadFiles(images, masks); err != nil {
		t.Fatal(err)
	}
	if st := p.Status(); st.NumFrames != 2 || st.Images != images || st.Masks != masks {
		t.Errorf("status = %+v", st)
	}

	os.WriteFile(images, solidPayload(t, blue, blue, blue), 0o644)
	if err := p.Reload(); err != nil {
		t.Fatal(err)
	}
	if n := p.Status().NumFrames; n != 3 {
		t.Errorf("frames after reload = %d", n)
	}
	if c, _ := pixel(t, p); c != blue {
		t.Errorf("pixel after reload = %v", c)
	}

	// 改写为损坏内容，保留上一次负载
	os.WriteFile(images, []byte{0, 0, 1}, 0o644)
	if err := p.Reload(); err == nil {
		t.Error("expected error for truncated file")
	}
	if n := p.Status().NumFrames; n != 3 {
		t.Errorf("frames after failed reload = %d", n)
	}
}

func TestLoadFilesMapped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "images.bin")
	os.WriteFile(path, solidPayload(t, red, green), 0o644)

	p := newTestPlayer(t, nil)
	if err := p.LoadFiles(path, ""); err != nil {
		t.Fatal(err)
	}
	if c, _ := pixel(t, p); c != red {
		t.Errorf("pixel = %v", c)
	}
}

func TestCloseStopsPlayer(t *testing.T) {
	p := newTestPlayer(t, nil)
	p.LoadPayload(solidPayload(t, red, green), nil)
	p.Close()
	p.Close()

	if err := p.LoadPayload(solidPayload(t, red), nil); !errors.Is(err, ErrClosed) {
		t.Errorf("load after close: %v", err)
	}
	if p.Status().Loaded {
		t.Error("loaded after close")
	}
	if p.Controller().Running() {
		t.Error("timer running after close")
	}
}

func TestConcurrentLoadsStayConsistent(t *testing.T) {
	p := newTestPlayer(t, nil)
	payloads := [][]byte{
		solidPayload(t, red),
		solidPayload(t, red, green),
		solidPayload(t, red, green, blue),
		solidPayload(t, red, green, blue, red),
	}

	for round := 0; round < 25; round++ {
		var wg sync.WaitGroup
		for _, data := range payloads {
			wg.Add(1)
			go func(data []byte) {
				defer wg.Done()
				if err := p.LoadPayload(data, nil); err != nil {
					t.Error(err)
				}
			}(data)
		}
		wg.Wait()

		st := p.Status()
		if got := p.State().NumFrames; got != st.NumFrames {
			t.Fatalf("round %d: controller has %d frames, store has %d", round, got, st.NumFrames)
		}
		_, info, ok := p.Frame()
		if !ok || info.Generation != st.Generation {
			t.Fatalf("round %d: committed %+v ok=%v, store generation %d", round, info, ok, st.Generation)
		}
	}
}
