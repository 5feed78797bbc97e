package compositor

import (
	"errors"
	"image"
	"image/color"
	"testing"
	"time"

	"overlay-player/internal/container"
	"overlay-player/internal/models"
	"overlay-player/internal/still"
	"overlay-player/internal/store"
)

func pngContainer(t *testing.T, codec still.Codec, colors ...color.RGBA) *container.Container {
	t.Helper()
	payloads := make([][]byte, len(colors))
	for i, c := range colors {
		payloads[i] = encodePNG(t, solid(4, 4, c))
	}
	data, err := container.Encode(payloads)
	if err != nil {
		t.Fatal(err)
	}
	c, err := container.New(data, codec)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestPipelineRenderAndCommit(t *testing.T) {
	p := NewPipeline(store.New(), New(ScaleNearest), 4, 4)
	gen := p.Install(
		pngContainer(t, nil, color.RGBA{0, 0, 0, 255}, color.RGBA{100, 100, 100, 255}),
		pngContainer(t, nil, color.RGBA{200, 200, 200, 255}),
		0, 0)

	if _, _, ok := p.Committed(); ok {
		t.Fatal("no frame should be committed before the first render")
	}

	info, err := p.RenderAt(1, models.BlendState{Alpha: 0.5, DisplayOverlay: true})
	if err != nil {
		t.Fatalf("RenderAt: %v", err)
	}
	if info.Index != 1 || info.Generation != gen {
		t.Errorf("info = %+v", info)
	}

	img, got, ok := p.Committed()
	if !ok {
		t.Fatal("frame not committed")
	}
	if got != info {
		t.Errorf("committed info = %+v, want %+v", got, info)
	}
	// 叠加轨只有一帧，钳制到第 0 帧: 0.5*100 + 0.5*200 = 150
	if c := img.RGBAAt(0, 0); c != (color.RGBA{150, 150, 150, 255}) {
		t.Errorf("pixel = %v", c)
	}
}

func TestPipelineSkipsCorruptFrame(t *testing.T) {
	p := NewPipeline(store.New(), New(ScaleNearest), 4, 4)
	good := encodePNG(t, solid(4, 4, color.RGBA{9, 9, 9, 255}))
	data, _ := container.Encode([][]byte{good, []byte("broken")})
	c, err := container.New(data, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.Install(c, nil, 0, 0)

	if _, err := p.RenderAt(0, models.BlendState{}); err != nil {
		t.Fatal(err)
	}
	_, err = p.RenderAt(1, models.BlendState{})
	if !errors.Is(err, ErrSkippedFrame) {
		t.Fatalf("RenderAt(corrupt) error = %v", err)
	}
	if p.Skipped() != 1 {
		t.Errorf("Skipped() = %d", p.Skipped())
	}
	// 已提交画面保持上一帧
	_, info, ok := p.Committed()
	if !ok || info.Index != 0 {
		t.Errorf("committed = %+v ok=%v", info, ok)
	}
}

func TestPipelineDropsStaleRender(t *testing.T) {
	started := make(chan struct{})
	unblock := make(chan struct{})
	blocking := still.CodecFunc(func(payload []byte) (image.Image, error) {
		close(started)
		<-unblock
		return solid(4, 4, color.RGBA{255, 0, 0, 255}), nil
	})

	p := NewPipeline(store.New(), New(ScaleNearest), 4, 4)
	oldGen := p.Install(pngContainer(t, blocking, color.RGBA{}), nil, 0, 0)

	done := make(chan error, 1)
	go func() {
		_, err := p.RenderAt(0, models.BlendState{})
		done <- err
	}()
	<-started

	// 渲染进行中安装新容器
	installed := make(chan uint64, 1)
	go func() {
		installed <- p.Install(pngContainer(t, nil, color.RGBA{0, 255, 0, 255}), nil, 0, 0)
	}()
	deadline := time.After(2 * time.Second)
	for p.Store().Generation() == oldGen {
		select {
		case <-deadline:
			t.Fatal("timeout waiting for install")
		default:
			time.Sleep(time.Millisecond)
		}
	}
	close(unblock)

	select {
	case err := <-done:
		if !errors.Is(err, ErrStaleGeneration) {
			t.Fatalf("RenderAt error = %v, want ErrStaleGeneration", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for render")
	}
	newGen := <-installed

	if _, _, ok := p.Committed(); ok {
		t.Error("stale render must not be committed")
	}

	info, err := p.RenderAt(0, models.BlendState{})
	if err != nil {
		t.Fatal(err)
	}
	if info.Generation != newGen {
		t.Errorf("generation = %d, want %d", info.Generation, newGen)
	}
	img, _, _ := p.Committed()
	if c := img.RGBAAt(0, 0); c != (color.RGBA{0, 255, 0, 255}) {
		t.Errorf("pixel = %v", c)
	}
}

func TestPipelineResizeOnInstall(t *testing.T) {
	p := NewPipeline(store.New(), New(ScaleNearest), 4, 4)
	p.Install(pngContainer(t, nil, color.RGBA{1, 1, 1, 255}), nil, 8, 2)
	if w, h := p.Size(); w != 8 || h != 2 {
		t.Fatalf("Size() = %d,%d", w, h)
	}
	if _, err := p.RenderAt(0, models.BlendState{}); err != nil {
		t.Fatal(err)
	}
	img, _, _ := p.Committed()
	if img.Rect.Dx() != 8 || img.Rect.Dy() != 2 {
		t.Errorf("committed bounds = %v", img.Rect)
	}
}

func TestPipelineIndexOutOfRange(t *testing.T) {
	p := NewPipeline(store.New(), New(ScaleNearest), 4, 4)
	p.Install(pngContainer(t, nil, color.RGBA{1, 1, 1, 255}), nil, 0, 0)
	if _, err := p.RenderAt(5, models.BlendState{}); !errors.Is(err, store.ErrIndexOutOfRange) {
		t.Errorf("RenderAt(5) error = %v", err)
	}
}

func TestPipelineReleasedFrameNotSkipped(t *testing.T) {
	p := NewPipeline(store.New(), New(ScaleNearest), 4, 4)
	c := pngContainer(t, nil, color.RGBA{1, 1, 1, 255}, color.RGBA{2, 2, 2, 255})
	p.Install(c, nil, 0, 0)

	// 快照取到的帧在解码前被替换释放
	c.Frame(1).Release()

	_, err := p.RenderAt(1, models.BlendState{})
	if !errors.Is(err, ErrStaleGeneration) {
		t.Fatalf("RenderAt(released) error = %v, want ErrStaleGeneration", err)
	}
	if errors.Is(err, ErrSkippedFrame) {
		t.Error("released frame reported as skipped")
	}
	if p.Skipped() != 0 {
		t.Errorf("Skipped() = %d, want 0", p.Skipped())
	}

	if _, err := p.RenderAt(0, models.BlendState{}); err != nil {
		t.Fatal(err)
	}
}

func TestPipelineDegradedWithoutOverlay(t *testing.T) {
	p := NewPipeline(store.New(), New(ScaleNearest), 4, 4)
	p.Install(pngContainer(t, nil, color.RGBA{7, 8, 9, 255}), nil, 0, 0)

	info, err := p.RenderAt(0, models.BlendState{Alpha: 0.5, DisplayOverlay: true})
	if err != nil {
		t.Fatal(err)
	}
	if !info.Degraded {
		t.Errorf("info = %+v, want degraded", info)
	}

	info, err = p.RenderAt(0, models.BlendState{Alpha: 0.5})
	if err != nil {
		t.Fatal(err)
	}
	if info.Degraded {
		t.Errorf("overlay hidden: info = %+v, want not degraded", info)
	}
}
