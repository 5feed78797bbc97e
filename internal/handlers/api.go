// Package handlers neffos WebSocket 事件 (/ws, 命名空间 player)
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/kataras/iris/v12"
	"github.com/kataras/iris/v12/websocket"
	"github.com/kataras/neffos"

	"overlay-player/internal/models"
	"overlay-player/internal/server"
)

// Namespace 命名空间
const Namespace = "player"

var errConnClosed = errors.New("handlers: connection closed")

// actions 与 /api/v1/stream 相同的指令集
var actions = []string{"play", "pause", "toggle", "seek", "alpha", "overlay", "loop", "fps", "click", "state"}

// WebSocketHandler WebSocket 处理器
type WebSocketHandler struct {
	Player *server.Player

	mu       sync.RWMutex
	sessions map[*neffos.Conn]*server.Feed
}

// NewWebSocketHandler 创建 WebSocket 处理器
func NewWebSocketHandler(player *server.Player) *WebSocketHandler {
	return &WebSocketHandler{
		Player:   player,
		sessions: make(map[*neffos.Conn]*server.Feed),
	}
}

// nsSink 把 Feed 输出转为 neffos 事件
type nsSink struct {
	c *neffos.NSConn
}

func (s nsSink) emitJSON(event string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if !s.c.Emit(event, b) {
		return errConnClosed
	}
	return nil
}

func (s nsSink) WriteFrame(packet []byte) error {
	if !s.c.EmitBinary("frame", packet) {
		return errConnClosed
	}
	return nil
}

func (s nsSink) WriteState(r server.Reply) error {
	return s.emitJSON("state", r)
}

func (s nsSink) WriteClick(ev models.ClickEvent) error {
	return s.emitJSON("click", ev)
}

// Sessions 当前连接数
func (ws *WebSocketHandler) Sessions() int {
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.sessions)
}

// OnConnect 连接建立，开始推送
func (ws *WebSocketHandler) OnConnect(c *neffos.NSConn, msg neffos.Message) error {
	fmt.Printf("[WS] 客户端连接: %s\n", c.Conn.ID())
	feed := ws.Player.NewFeed(nsSink{c: c})

	ws.mu.Lock()
	old := ws.sessions[c.Conn]
	ws.sessions[c.Conn] = feed
	ws.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// OnDisconnect 连接断开
func (ws *WebSocketHandler) OnDisconnect(c *neffos.NSConn, msg neffos.Message) error {
	fmt.Printf("[WS] 客户端断开: %s\n", c.Conn.ID())
	ws.mu.Lock()
	feed := ws.sessions[c.Conn]
	delete(ws.sessions, c.Conn)
	ws.mu.Unlock()

	if feed != nil {
		feed.Close()
	}
	return nil
}

// OnOpen 从服务器本地文件加载负载
func (ws *WebSocketHandler) OnOpen(c *neffos.NSConn, msg neffos.Message) error {
	var req struct {
		Images string `json:"images"`
		Masks  string `json:"masks"`
	}
	if err := msg.Unmarshal(&req); err != nil {
		return err
	}
	if err := ws.Player.LoadFiles(req.Images, req.Masks); err != nil {
		ws.emitError(c, err)
		return nil
	}

	st := ws.Player.Status()
	b, _ := json.Marshal(st)
	c.Emit("opened", b)
	return nil
}

// onAction 处理一条控制指令
func (ws *WebSocketHandler) onAction(name string) neffos.MessageHandlerFunc {
	return func(c *neffos.NSConn, msg neffos.Message) error {
		var a server.Action
		if len(msg.Body) > 0 {
			if err := msg.Unmarshal(&a); err != nil {
				ws.emitError(c, err)
				return nil
			}
		}
		a.Action = name

		reply, err := ws.Player.Apply(a)
		if err != nil {
			ws.emitError(c, err)
			return nil
		}
		if name == "state" {
			nsSink{c: c}.WriteState(reply)
		}
		return nil
	}
}

func (ws *WebSocketHandler) emitError(c *neffos.NSConn, err error) {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	c.Emit("error", b)
}

// RegisterEvents 注册 WebSocket 事件
func (ws *WebSocketHandler) RegisterEvents() websocket.Namespaces {
	events := websocket.Events{
		websocket.OnNamespaceConnected:  ws.OnConnect,
		websocket.OnNamespaceDisconnect: ws.OnDisconnect,
		"open":                          ws.OnOpen,
	}
	for _, name := range actions {
		events[name] = ws.onAction(name)
	}
	return websocket.Namespaces{Namespace: events}
}

// Close 关闭所有推送
func (ws *WebSocketHandler) Close() {
	ws.mu.Lock()
	feeds := make([]*server.Feed, 0, len(ws.sessions))
	for conn, feed := range ws.sessions {
		feeds = append(feeds, feed)
		delete(ws.sessions, conn)
	}
	ws.mu.Unlock()

	for _, f := range feeds {
		f.Close()
	}
}

// Register 在 /ws 挂载 neffos 服务
func (ws *WebSocketHandler) Register(app *iris.Application) *neffos.Server {
	srv := websocket.New(websocket.DefaultGorillaUpgrader, ws.RegisterEvents())
	app.Get("/ws", websocket.Handler(srv))
	return srv
}
