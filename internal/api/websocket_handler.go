package api

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/middleware"
	ws "github.com/wfunc/encounter-room/internal/websocket"
	"go.uber.org/zap"
)

// WebSocketHandler 房间事件流处理器
type WebSocketHandler struct {
	registry *game.Registry
	hub      *ws.Hub
	opts     ws.Options
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewWebSocketHandler 创建WebSocket处理器
func NewWebSocketHandler(registry *game.Registry, hub *ws.Hub, opts ws.Options, upgrader websocket.Upgrader, logger *zap.Logger) *WebSocketHandler {
	return &WebSocketHandler{
		registry: registry,
		hub:      hub,
		opts:     opts,
		upgrader: upgrader,
		logger:   logger,
	}
}

// Connect 订阅房间事件。订阅校验在升级前完成，失败时返回普通HTTP错误。
func (h *WebSocketHandler) Connect(c *gin.Context) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		c.AbortWithStatus(http.StatusUnauthorized)
		return
	}

	var (
		room *game.Room
		err  error
	)
	if actor.IsDM() {
		room, err = h.registry.GetOrCreateRoom(c.Request.Context(), c.Param("id"))
	} else {
		room, err = h.registry.Room(c.Param("id"))
	}
	if err != nil {
		respondError(c, h.logger, err)
		return
	}
	if _, joined := participantOf(room, actor.UserID); !joined && !actor.IsDM() {
		respondError(c, h.logger, errNotParticipant())
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("WebSocket升级失败", zap.String("user_id", actor.UserID), zap.Error(err))
		return
	}

	// 连接生命周期与请求无关
	client, err := ws.Serve(context.WithoutCancel(c.Request.Context()), h.hub, conn, room, actor, h.opts)
	if err != nil {
		h.logger.Warn("WebSocket订阅失败", zap.String("user_id", actor.UserID), zap.Error(err))
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(ws.CloseRoomClosed, err.Error()))
		conn.Close()
		return
	}

	h.logger.Info("WebSocket连接建立",
		zap.String("client_id", client.ID),
		zap.String("user_id", actor.UserID),
		zap.String("interaction_id", room.ID()))
}

// participantOf 查找连接记录
func participantOf(room *game.Room, userID string) (game.Participant, bool) {
	for _, p := range room.Participants() {
		if p.UserID == userID {
			return p, true
		}
	}
	return game.Participant{}, false
}

func errNotParticipant() error {
	return apperrors.New(apperrors.ErrNotParticipant, "请先加入房间")
}
