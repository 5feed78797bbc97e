// Package preview 终端预览
//
// 用半块字符 "▀" 显示画面：前景色为上方像素，背景色为下方像素，
// 每个单元格对应 1x2 像素。
package preview

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/mattn/go-runewidth"
	xdraw "golang.org/x/image/draw"

	"overlay-player/internal/clickmap"
	"overlay-player/internal/playback"
	"overlay-player/internal/server"
)

const (
	halfBlock = '▀'
	alphaStep = 0.05
)

// View 终端播放视图
type View struct {
	screen tcell.Screen
	player *server.Player
	label  string

	mu        sync.Mutex
	mapper    clickmap.CellMapper
	scratch   *image.RGBA
	lastClick string
	prevBtn   tcell.ButtonMask
}

// New 创建视图
func New(screen tcell.Screen, player *server.Player) *View {
	return &View{
		screen: screen,
		player: player,
		label:  player.Options().ToggleLabel,
	}
}

// Layout 按屏幕尺寸计算画面区域，保持宽高比，最后一行留给状态栏
func Layout(cols, rows, frameW, frameH int) clickmap.CellMapper {
	m := clickmap.CellMapper{FrameW: frameW, FrameH: frameH}
	avail := rows - 1
	if cols <= 0 || avail <= 0 || frameW <= 0 || frameH <= 0 {
		return m
	}

	scale := math.Min(float64(cols)/float64(frameW), float64(avail*2)/float64(frameH))
	m.Cols = max(1, int(float64(frameW)*scale))
	pixRows := max(2, int(float64(frameH)*scale))
	m.Rows = min(avail, (pixRows+1)/2)
	m.OriginCol = (cols - m.Cols) / 2
	m.OriginRow = (avail - m.Rows) / 2
	return m
}

// Mapper 当前布局
func (v *View) Mapper() clickmap.CellMapper {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.mapper
}

// Draw 绘制当前画面和状态栏
func (v *View) Draw() {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.screen.Clear()
	cols, rows := v.screen.Size()

	img, _, ok := v.player.Frame()
	if ok {
		b := img.Bounds()
		v.mapper = Layout(cols, rows, b.Dx(), b.Dy())
		v.drawFrame(img)
	} else {
		v.mapper = clickmap.CellMapper{}
	}

	v.drawStatus(cols, rows)
	v.screen.Show()
}

func (v *View) drawFrame(img *image.RGBA) {
	m := v.mapper
	if m.Cols == 0 || m.Rows == 0 {
		return
	}
	w, h := m.Cols, m.Rows*2
	if v.scratch == nil || v.scratch.Rect.Dx() != w || v.scratch.Rect.Dy() != h {
		v.scratch = image.NewRGBA(image.Rect(0, 0, w, h))
	}
	xdraw.NearestNeighbor.Scale(v.scratch, v.scratch.Rect, img, img.Bounds(), xdraw.Src, nil)

	for row := 0; row < m.Rows; row++ {
		for col := 0; col < m.Cols; col++ {
			top := v.scratch.RGBAAt(col, row*2)
			bottom := v.scratch.RGBAAt(col, row*2+1)
			style := tcell.StyleDefault.
				Foreground(tcell.NewRGBColor(int32(top.R), int32(top.G), int32(top.B))).
				Background(tcell.NewRGBColor(int32(bottom.R), int32(bottom.G), int32(bottom.B)))
			v.screen.SetContent(m.OriginCol+col, m.OriginRow+row, halfBlock, nil, style)
		}
	}
}

// StatusLine 状态栏文本
func (v *View) StatusLine() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.statusLine()
}

func (v *View) statusLine() string {
	st := v.player.State()
	blend := v.player.Blend()

	icon := "⏸"
	if st.IsPlaying {
		icon = "▶"
	}
	onOff := func(b bool) string {
		if b {
			return "on"
		}
		return "off"
	}
	line := fmt.Sprintf("%s %s  %d/%d  α=%.2f  %s:%s  loop:%s",
		icon, playback.FormatTime(st.FrameIndex, st.FPS), st.FrameIndex+1, st.NumFrames,
		blend.Alpha, v.label, onOff(blend.DisplayOverlay), onOff(st.Loop))
	if v.lastClick != "" {
		line += "  " + v.lastClick
	}
	return line
}

func (v *View) drawStatus(cols, rows int) {
	if rows <= 0 {
		return
	}
	line := runewidth.Truncate(v.statusLine(), cols, "…")
	style := tcell.StyleDefault.Reverse(true)
	x := 0
	for _, r := range line {
		v.screen.SetContent(x, rows-1, r, nil, style)
		x += max(runewidth.RuneWidth(r), 1)
	}
	for ; x < cols; x++ {
		v.screen.SetContent(x, rows-1, ' ', nil, style)
	}
}

// HandleEvent 处理一个终端事件，返回 true 表示退出
func (v *View) HandleEvent(ev tcell.Event) bool {
	switch ev := ev.(type) {
	case *tcell.EventKey:
		return v.handleKey(ev)
	case *tcell.EventMouse:
		v.handleMouse(ev)
	case *tcell.EventResize:
		v.screen.Sync()
	}
	v.Draw()
	return false
}

func (v *View) handleKey(ev *tcell.EventKey) bool {
	st := v.player.State()
	switch ev.Key() {
	case tcell.KeyEsc, tcell.KeyCtrlC:
		return true
	case tcell.KeyLeft:
		v.player.Seek(st.FrameIndex - 1)
	case tcell.KeyRight:
		v.player.Seek(st.FrameIndex + 1)
	case tcell.KeyRune:
		blend := v.player.Blend()
		switch ev.Rune() {
		case 'q':
			return true
		case ' ':
			v.player.Toggle()
		case 'o':
			v.player.SetDisplayOverlay(!blend.DisplayOverlay)
		case '+', '=':
			v.player.SetAlpha(blend.Alpha + alphaStep)
		case '-', '_':
			v.player.SetAlpha(blend.Alpha - alphaStep)
		case 'l':
			v.player.SetLoop(!st.Loop)
		}
	}
	v.Draw()
	return false
}

func (v *View) handleMouse(ev *tcell.EventMouse) {
	btn := ev.Buttons()
	v.mu.Lock()
	pressed := btn&tcell.Button1 != 0 && v.prevBtn&tcell.Button1 == 0
	v.prevBtn = btn
	m := v.mapper
	v.mu.Unlock()

	if !pressed {
		return
	}
	col, row := ev.Position()
	if !m.Contains(col, row) {
		return
	}
	click, err := v.player.Click(m.Point(col, row), m.Bounds())
	if err != nil {
		return
	}
	v.mu.Lock()
	v.lastClick = fmt.Sprintf("MouseClick (%.1f, %.1f)", click.X, click.Y)
	v.mu.Unlock()
}

// Run 事件循环，ctx 取消或按下退出键时返回
func (v *View) Run(ctx context.Context) error {
	cancel := v.player.Subscribe(func(ev server.Event) {
		if ev.Kind == server.EventFrame || ev.Kind == server.EventState {
			// 队列满时丢弃，下一帧会再次触发
			v.screen.PostEvent(tcell.NewEventInterrupt(nil))
		}
	})
	defer cancel()

	go func() {
		<-ctx.Done()
		v.screen.PostEvent(tcell.NewEventInterrupt(ctx))
	}()

	v.Draw()
	for {
		ev := v.screen.PollEvent()
		if ev == nil {
			return nil
		}
		if intr, ok := ev.(*tcell.EventInterrupt); ok {
			if intr.Data() == ctx {
				return ctx.Err()
			}
			v.Draw()
			continue
		}
		if v.HandleEvent(ev) {
			return nil
		}
	}
}
