package server

import (
	"bytes"
	"encoding/json"
	"image/jpeg"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"overlay-player/internal/compositor"
)

type wsMessage struct {
	Type  string  `json:"type"`
	Error string  `json:"error"`
	Kind  string  `json:"kind"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Reply
}

func dialStream(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http") + "/api/v1/stream"
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil 读取消息直到 match 返回 true
func readUntil(t *testing.T, ws *websocket.Conn, what string, match func(kind int, data []byte) bool) {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		kind, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %s: %v", what, err)
		}
		if match(kind, data) {
			return
		}
	}
}

func binaryFrame(t *testing.T, kind int, data []byte) (StreamFrame, bool) {
	t.Helper()
	if kind != websocket.BinaryMessage {
		return StreamFrame{}, false
	}
	f, err := DecodeStreamFrame(data)
	if err != nil {
		t.Fatalf("decode stream frame: %v", err)
	}
	return f, true
}

func jsonMessage(kind int, data []byte) (wsMessage, bool) {
	var m wsMessage
	if kind != websocket.TextMessage || json.Unmarshal(data, &m) != nil {
		return m, false
	}
	return m, true
}

func TestStreamSession(t *testing.T) {
	p := newTestPlayer(t, nil)
	if err := p.LoadPayload(solidPayload(t, red, green, blue), nil); err != nil {
		t.Fatal(err)
	}
	srv := newTestServer(t, p)
	ws := dialStream(t, srv.URL)

	// 连接后先收到状态和当前画面
	gotState, gotFrame := false, false
	readUntil(t, ws, "initial state and frame", func(kind int, data []byte) bool {
		if f, ok := binaryFrame(t, kind, data); ok {
			if f.Index != 0 || f.Generation != p.Status().Generation {
				t.Errorf("initial frame = %d gen %d", f.Index, f.Generation)
			}
			if _, err := jpeg.Decode(bytes.NewReader(f.Data)); err != nil {
				t.Errorf("jpeg: %v", err)
			}
			gotFrame = true
		}
		if m, ok := jsonMessage(kind, data); ok && m.Type == "state" {
			if m.Playback.NumFrames != 3 {
				t.Errorf("state = %+v", m.Playback)
			}
			gotState = true
		}
		return gotState && gotFrame
	})

	ws.WriteJSON(map[string]any{"action": "seek", "index": 2})
	readUntil(t, ws, "frame 2", func(kind int, data []byte) bool {
		f, ok := binaryFrame(t, kind, data)
		return ok && f.Index == 2
	})

	ws.WriteJSON(map[string]any{"action": "click", "x": 50, "y": 50, "boundsWidth": 100, "boundsHeight": 100})
	readUntil(t, ws, "click", func(kind int, data []byte) bool {
		m, ok := jsonMessage(kind, data)
		if ok && m.Type == "click" {
			if m.Kind != "MouseClick" || m.X != 2 || m.Y != 2 {
				t.Errorf("click = %+v", m)
			}
			return true
		}
		return false
	})

	ws.WriteMessage(websocket.TextMessage, []byte("not json"))
	readUntil(t, ws, "error", func(kind int, data []byte) bool {
		m, ok := jsonMessage(kind, data)
		return ok && m.Type == "error"
	})

	ws.WriteJSON(map[string]any{"action": "state"})
	readUntil(t, ws, "state reply", func(kind int, data []byte) bool {
		m, ok := jsonMessage(kind, data)
		return ok && m.Type == "state" && m.Playback.FrameIndex == 2
	})
}

func TestStreamUnsubscribesOnDisconnect(t *testing.T) {
	p := newTestPlayer(t, nil)
	p.LoadPayload(solidPayload(t, red, green), nil)
	srv := newTestServer(t, p)

	ws := dialStream(t, srv.URL)
	readUntil(t, ws, "first frame", func(kind int, data []byte) bool {
		_, ok := binaryFrame(t, kind, data)
		return ok
	})
	if n := p.subscribers(); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	ws.Close()

	deadline := time.Now().Add(3 * time.Second)
	for p.subscribers() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session still subscribed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamFrameRoundTrip(t *testing.T) {
	info := compositor.FrameInfo{Index: 7, Generation: 1 << 40}
	packet := EncodeStreamFrame(info, []byte("jpeg"))
	if string(packet[:4]) != "OVLF" || len(packet) != 24 {
		t.Fatalf("packet = %q", packet)
	}
	f, err := DecodeStreamFrame(packet)
	if err != nil {
		t.Fatal(err)
	}
	if f.Index != 7 || f.Generation != 1<<40 || string(f.Data) != "jpeg" {
		t.Errorf("frame = %+v", f)
	}

	for _, bad := range [][]byte{nil, packet[:10], append([]byte("XXXX"), packet[4:]...), packet[:22]} {
		if _, err := DecodeStreamFrame(bad); err == nil {
			t.Errorf("DecodeStreamFrame(%q) succeeded", bad)
		}
	}
}
