package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/kataras/iris/v12"

	"overlay-player/internal/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const writeWait = 5 * time.Second

// StreamSession 流会话
// 所有写操作经过 mu 串行化
type StreamSession struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

// stateMessage JSON 状态消息
type stateMessage struct {
	Type string `json:"type"`
	Reply
}

// clickMessage JSON 点击消息
type clickMessage struct {
	Type string `json:"type"`
	models.ClickEvent
}

// errorMessage JSON 错误消息
type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// HandleWebSocket WebSocket 处理器
// GET /api/v1/stream
func (h *Handlers) HandleWebSocket(ctx iris.Context) {
	ws, err := upgrader.Upgrade(ctx.ResponseWriter(), ctx.Request(), nil)
	if err != nil {
		fmt.Printf("[WS] Upgrade error: %v\n", err)
		return
	}
	defer ws.Close()

	session := &StreamSession{id: uuid.NewString(), ws: ws}
	fmt.Printf("[WS] 新连接: %s\n", session.id)

	feed := h.player.NewFeed(session)
	defer feed.Close()

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				fmt.Printf("[WS] Error: %v\n", err)
			}
			break
		}

		var msg Action
		if err := json.Unmarshal(message, &msg); err != nil {
			session.sendJSON(errorMessage{Type: "error", Error: "无效的 JSON"})
			continue
		}

		reply, err := h.player.Apply(msg)
		if err != nil {
			session.sendJSON(errorMessage{Type: "error", Error: err.Error()})
			continue
		}
		// 点击事件经 Feed 推送，这里只回复请求类指令
		if msg.Action == "state" {
			session.WriteState(reply)
		}
	}

	fmt.Printf("[WS] 断开连接: %s (已发送 %d 帧)\n", session.id, feed.FramesSent())
}

// ID 会话 ID
func (s *StreamSession) ID() string {
	return s.id
}

func (s *StreamSession) sendJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteJSON(v)
}

func (s *StreamSession) sendBytes(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return s.ws.WriteMessage(websocket.BinaryMessage, data)
}

// WriteFrame 发送二进制画面帧
func (s *StreamSession) WriteFrame(packet []byte) error {
	return s.sendBytes(packet)
}

// WriteState 发送状态
func (s *StreamSession) WriteState(r Reply) error {
	return s.sendJSON(stateMessage{Type: "state", Reply: r})
}

// WriteClick 发送点击事件
func (s *StreamSession) WriteClick(ev models.ClickEvent) error {
	return s.sendJSON(clickMessage{Type: "click", ClickEvent: ev})
}
