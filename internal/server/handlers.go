package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/kataras/iris/v12"

	"overlay-player/internal/clickmap"
	"overlay-player/internal/container"
	"overlay-player/internal/playback"
)

// maxPayloadSize 单个上传文件上限
const maxPayloadSize = 512 << 20

// Handlers API 处理器
type Handlers struct {
	player *Player
}

// NewHandlers 创建处理器
func NewHandlers(player *Player) *Handlers {
	return &Handlers{player: player}
}

// statusCode 错误到 HTTP 状态码
func statusCode(err error) int {
	switch {
	case errors.Is(err, container.ErrTruncatedHeader),
		errors.Is(err, container.ErrTruncatedPayload),
		errors.Is(err, container.ErrPayloadTooLarge),
		errors.Is(err, ErrNoDecodableFrame),
		errors.Is(err, ErrUnknownAction),
		errors.Is(err, ErrMissingField),
		errors.Is(err, ErrInvalidAlpha),
		errors.Is(err, playback.ErrInvalidFPS),
		errors.Is(err, clickmap.ErrEmptyBounds):
		return iris.StatusBadRequest
	case errors.Is(err, ErrNotLoaded),
		errors.Is(err, ErrNoFrame),
		errors.Is(err, playback.ErrNoFrames):
		return iris.StatusConflict
	case errors.Is(err, ErrClosed):
		return iris.StatusServiceUnavailable
	}
	return iris.StatusInternalServerError
}

func writeError(ctx iris.Context, err error) {
	ctx.StatusCode(statusCode(err))
	ctx.JSON(iris.Map{"error": err.Error()})
}

// ==================== API (v1) ====================

// GetConfig 获取配置与状态
// GET /api/v1/config
func (h *Handlers) GetConfig(ctx iris.Context) {
	ctx.JSON(iris.Map{
		"options":  h.player.Options(),
		"playback": h.player.State(),
		"blend":    h.player.Blend(),
		"status":   h.player.Status(),
	})
}

// GetStatus 获取播放器状态
// GET /api/v1/status
func (h *Handlers) GetStatus(ctx iris.Context) {
	ctx.JSON(h.player.Status())
}

// PostPayload 上传负载
// POST /api/v1/payload (multipart: images, 可选 masks)
func (h *Handlers) PostPayload(ctx iris.Context) {
	images, err := readFormFile(ctx, "images")
	if err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "缺少 images 文件: " + err.Error()})
		return
	}
	masks, err := readFormFile(ctx, "masks")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "读取 masks 失败: " + err.Error()})
		return
	}

	if err := h.player.LoadPayload(images, masks); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(iris.Map{
		"status":  h.player.Status(),
		"options": h.player.Options(),
	})
}

func readFormFile(ctx iris.Context, key string) ([]byte, error) {
	file, _, err := ctx.FormFile(key)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	return io.ReadAll(io.LimitReader(file, maxPayloadSize))
}

// PostPayloadFiles 从服务器本地文件加载负载
// POST /api/v1/payload/files {images, masks}
func (h *Handlers) PostPayloadFiles(ctx iris.Context) {
	var req struct {
		Images string `json:"images"`
		Masks  string `json:"masks"`
	}
	if err := ctx.ReadJSON(&req); err != nil || req.Images == "" {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "缺少 images 路径"})
		return
	}
	if err := h.player.LoadFiles(req.Images, req.Masks); err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(iris.Map{"status": h.player.Status()})
}

// GetFrame 获取当前画面
// GET /api/v1/frame?format=jpeg|png
func (h *Handlers) GetFrame(ctx iris.Context) {
	format, err := ParseFormat(ctx.URLParam("format"))
	if err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": err.Error()})
		return
	}

	data, info, err := h.player.EncodedFrame(format)
	if err != nil {
		writeError(ctx, err)
		return
	}

	ctx.Header("X-Frame-Index", strconv.Itoa(info.Index))
	ctx.Header("X-Generation", strconv.FormatUint(info.Generation, 10))
	ctx.Header("Cache-Control", "no-store")
	// ctx.ContentType 会追加 charset，二进制画面直接设置头
	ctx.ResponseWriter().Header().Set("Content-Type", format.ContentType())
	ctx.Write(data)
}

// PostBlend 设置混合参数
// POST /api/v1/blend {alpha, displayOverlay}
func (h *Handlers) PostBlend(ctx iris.Context) {
	var req struct {
		Alpha          *float64 `json:"alpha"`
		DisplayOverlay *bool    `json:"displayOverlay"`
	}
	if err := ctx.ReadJSON(&req); err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "无效的 JSON"})
		return
	}

	if req.Alpha != nil {
		if _, err := h.player.SetAlpha(*req.Alpha); err != nil {
			writeError(ctx, err)
			return
		}
	}
	if req.DisplayOverlay != nil {
		h.player.SetDisplayOverlay(*req.DisplayOverlay)
	}
	ctx.JSON(h.player.Blend())
}

// PostPlayback 播放控制
// POST /api/v1/playback {action: play|pause|toggle|seek|loop|fps, ...}
func (h *Handlers) PostPlayback(ctx iris.Context) {
	var req Action
	if err := ctx.ReadJSON(&req); err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "无效的 JSON"})
		return
	}
	if req.Action == "click" {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "点击请使用 /api/v1/click"})
		return
	}

	reply, err := h.player.Apply(req)
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(reply)
}

// PostClick 点击映射
// POST /api/v1/click {x, y, boundsWidth, boundsHeight}
func (h *Handlers) PostClick(ctx iris.Context) {
	var req Action
	if err := ctx.ReadJSON(&req); err != nil {
		ctx.StatusCode(iris.StatusBadRequest)
		ctx.JSON(iris.Map{"error": "无效的 JSON"})
		return
	}

	ev, err := h.player.Click(req.Point(), req.Bounds())
	if err != nil {
		writeError(ctx, err)
		return
	}
	ctx.JSON(ev)
}

// ==================== 路由注册 ====================

// RegisterRoutes 注册路由
func RegisterRoutes(app *iris.Application, h *Handlers) {
	v1 := app.Party("/api/v1")
	{
		v1.Get("/config", h.GetConfig)
		v1.Get("/status", h.GetStatus)
		v1.Post("/payload", h.PostPayload)
		v1.Post("/payload/files", h.PostPayloadFiles)
		v1.Get("/frame", h.GetFrame)
		v1.Post("/blend", h.PostBlend)
		v1.Post("/playback", h.PostPlayback)
		v1.Post("/click", h.PostClick)
		v1.Get("/stream", h.HandleWebSocket) // WebSocket 画面流
	}
}
