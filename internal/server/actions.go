package server

import (
	"errors"
	"fmt"

	"overlay-player/internal/clickmap"
	"overlay-player/internal/models"
	"overlay-player/internal/playback"
)

var (
	ErrUnknownAction = errors.New("server: unknown action")
	ErrMissingField  = errors.New("server: missing field")
)

// Action 控制指令
// REST /playback、/stream 与 /ws 共用
type Action struct {
	Action         string   `json:"action"`
	Index          *int     `json:"index,omitempty"`
	Alpha          *float64 `json:"alpha,omitempty"`
	DisplayOverlay *bool    `json:"displayOverlay,omitempty"`
	Loop           *bool    `json:"loop,omitempty"`
	FPS            *float64 `json:"fps,omitempty"`

	// click
	X            float64 `json:"x"`
	Y            float64 `json:"y"`
	BoundsX      float64 `json:"boundsX"`
	BoundsY      float64 `json:"boundsY"`
	BoundsWidth  float64 `json:"boundsWidth"`
	BoundsHeight float64 `json:"boundsHeight"`
}

// Point 点击位置
func (a Action) Point() clickmap.Point {
	return clickmap.Point{X: a.X, Y: a.Y}
}

// Bounds 显示区域
func (a Action) Bounds() clickmap.Rect {
	return clickmap.Rect{X: a.BoundsX, Y: a.BoundsY, W: a.BoundsWidth, H: a.BoundsHeight}
}

// Reply 指令执行后的状态
type Reply struct {
	Playback models.PlaybackState `json:"playback"`
	Blend    models.BlendState    `json:"blend"`
	Time     string               `json:"time"`
	Click    *models.ClickEvent   `json:"click,omitempty"`
}

func missing(action, field string) error {
	return fmt.Errorf("%w: %s requires %q", ErrMissingField, action, field)
}

// Apply 执行一条指令
func (p *Player) Apply(a Action) (Reply, error) {
	var err error
	var click *models.ClickEvent

	switch a.Action {
	case "play":
		p.Play()
	case "pause":
		p.Pause()
	case "toggle":
		p.Toggle()
	case "seek":
		if a.Index == nil {
			return p.reply(nil), missing(a.Action, "index")
		}
		_, err = p.Seek(*a.Index)
	case "loop":
		if a.Loop == nil {
			return p.reply(nil), missing(a.Action, "loop")
		}
		p.SetLoop(*a.Loop)
	case "fps":
		if a.FPS == nil {
			return p.reply(nil), missing(a.Action, "fps")
		}
		_, err = p.SetFPS(*a.FPS)
	case "alpha":
		if a.Alpha == nil {
			return p.reply(nil), missing(a.Action, "alpha")
		}
		_, err = p.SetAlpha(*a.Alpha)
	case "overlay":
		if a.DisplayOverlay == nil {
			return p.reply(nil), missing(a.Action, "displayOverlay")
		}
		p.SetDisplayOverlay(*a.DisplayOverlay)
	case "click":
		var ev models.ClickEvent
		ev, err = p.Click(a.Point(), a.Bounds())
		if err == nil {
			click = &ev
		}
	case "state", "":
	default:
		return p.reply(nil), fmt.Errorf("%w: %q", ErrUnknownAction, a.Action)
	}
	return p.reply(click), err
}

func (p *Player) reply(click *models.ClickEvent) Reply {
	st := p.ctrl.State()
	return Reply{
		Playback: st,
		Blend:    p.Blend(),
		Time:     playback.FormatTime(st.FrameIndex, st.FPS),
		Click:    click,
	}
}
