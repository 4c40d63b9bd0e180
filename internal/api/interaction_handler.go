package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/middleware"
	"github.com/wfunc/encounter-room/internal/repository"
	"go.uber.org/zap"
)

// JoinRequest 加入房间请求
type JoinRequest struct {
	EntityID   string          `json:"entityId"`
	EntityType game.EntityType `json:"entityType"`
}

// ReasonRequest 带可选原因的请求（暂停、跳过）
type ReasonRequest struct {
	Reason string `json:"reason"`
}

// BacktrackRequest 回溯请求
type BacktrackRequest struct {
	TurnNumber int    `json:"turnNumber" binding:"required,min=1"`
	Reason     string `json:"reason"`
}

// TimeoutRequest 回合超时请求
type TimeoutRequest struct {
	TurnNumber int `json:"turnNumber" binding:"required,min=1"`
}

// InitiativeRequest 先攻更新请求
type InitiativeRequest struct {
	Entries []game.InitiativeEntry `json:"entries" binding:"required"`
}

// InteractionHandler 遭遇房间处理器
type InteractionHandler struct {
	registry *game.Registry
	repos    *repository.Manager
	log      *zap.Logger
}

// NewInteractionHandler 创建遭遇房间处理器
func NewInteractionHandler(registry *game.Registry, repos *repository.Manager, log *zap.Logger) *InteractionHandler {
	return &InteractionHandler{
		registry: registry,
		repos:    repos,
		log:      log,
	}
}

// actor 从上下文取调用者
func (h *InteractionHandler) actor(c *gin.Context) (game.Actor, bool) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		respondError(c, h.log, apperrors.New(apperrors.ErrAuthentication))
	}
	return actor, ok
}

// room 取已存在的房间
func (h *InteractionHandler) room(c *gin.Context) (*game.Room, bool) {
	room, err := h.registry.Room(c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	return room, true
}

// roomOrCreate 取房间，不存在时创建（或从快照恢复）
func (h *InteractionHandler) roomOrCreate(c *gin.Context) (*game.Room, bool) {
	room, err := h.registry.GetOrCreateRoom(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, h.log, err)
		return nil, false
	}
	return room, true
}

// bindOptional 解析可为空的请求体
func bindOptional(c *gin.Context, obj interface{}) error {
	if c.Request.ContentLength == 0 {
		return nil
	}
	return c.ShouldBindJSON(obj)
}

// Join 加入房间
func (h *InteractionHandler) Join(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req JoinRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	room, ok := h.roomOrCreate(c)
	if !ok {
		return
	}

	result, err := room.Join(c.Request.Context(), actor, req.EntityID, req.EntityType)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"roomId":           result.RoomID,
		"connectionId":     result.ConnectionID,
		"participantCount": result.ParticipantCount,
		"gameState":        result.GameState,
	})
}

// Leave 离开房间
func (h *InteractionHandler) Leave(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.Leave(c.Request.Context(), actor); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "已离开房间"})
}

// GetState 获取房间状态
func (h *InteractionHandler) GetState(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	snap := room.GetState(actor)
	c.JSON(http.StatusOK, gin.H{
		"success":          true,
		"roomId":           snap.RoomID,
		"status":           snap.Status,
		"participantCount": snap.ParticipantCount,
		"gameState":        snap.GameState,
	})
}

// Pause 暂停遭遇
func (h *InteractionHandler) Pause(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	reason, err := room.Pause(c.Request.Context(), actor, req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "遭遇已暂停", "reason": reason})
}

// Resume 恢复遭遇
func (h *InteractionHandler) Resume(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.Resume(c.Request.Context(), actor); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "遭遇已恢复"})
}

// Start 开始遭遇
func (h *InteractionHandler) Start(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	state, err := room.Start(c.Request.Context(), actor)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gameState": state})
}

// Complete 结束遭遇并移除房间
func (h *InteractionHandler) Complete(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	if err := h.registry.CompleteInteraction(c.Request.Context(), actor, c.Param("id")); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "遭遇已结束"})
}

// UpdateInitiative 更新先攻顺序，房间不存在时创建
func (h *InteractionHandler) UpdateInitiative(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req InitiativeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if !actor.IsDM() {
		respondError(c, h.log, apperrors.New(apperrors.ErrUnauthorized, "仅DM可以设置先攻"))
		return
	}
	room, ok := h.roomOrCreate(c)
	if !ok {
		return
	}
	state, err := room.UpdateInitiative(c.Request.Context(), actor, req.Entries)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "gameState": state})
}

// TakeTurn 执行行动
func (h *InteractionHandler) TakeTurn(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var action game.TurnAction
	if err := c.ShouldBindJSON(&action); err != nil {
		badRequest(c, h.log, err)
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	result, err := room.TakeTurn(c.Request.Context(), actor, action)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	// 校验失败不是错误，返回 200 与 valid=false
	c.JSON(http.StatusOK, result)
}

// SkipTurn 跳过当前回合
func (h *InteractionHandler) SkipTurn(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req ReasonRequest
	if err := bindOptional(c, &req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	state, err := room.SkipTurn(c.Request.Context(), actor, req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "回合已跳过", "gameState": state})
}

// BacktrackTurn 回溯到指定回合
func (h *InteractionHandler) BacktrackTurn(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req BacktrackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	result, err := room.BacktrackTurn(c.Request.Context(), actor, req.TurnNumber, req.Reason)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":      true,
		"message":      "已回溯到回合 " + strconv.Itoa(result.TargetTurn),
		"turnNumber":   result.TargetTurn,
		"roundNumber":  result.TargetRound,
		"removedTurns": result.RemovedTurns,
		"reason":       result.Reason,
	})
}

// TimeoutTurn 回合超时（DM或外部调度）
func (h *InteractionHandler) TimeoutTurn(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req TimeoutRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if !actor.IsDM() {
		respondError(c, h.log, apperrors.New(apperrors.ErrUnauthorized, "仅DM可以结束超时回合"))
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	if err := room.TimeoutTurn(c.Request.Context(), req.TurnNumber); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// SendChat 发送聊天消息
func (h *InteractionHandler) SendChat(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	var req game.ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	msg, err := room.SendMessage(c.Request.Context(), actor, req)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": msg})
}

// ChatHistory 获取聊天历史
func (h *InteractionHandler) ChatHistory(c *gin.Context) {
	actor, ok := h.actor(c)
	if !ok {
		return
	}
	channel := game.ChatType(c.Query("channelType"))
	if channel != "" && !channel.Valid() {
		respondError(c, h.log, apperrors.Newf(apperrors.ErrInvalidParam, "未知的频道: %s", channel))
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(c, h.log, apperrors.Newf(apperrors.ErrInvalidParam, "无效的limit: %s", v))
			return
		}
		limit = n
	}
	room, ok := h.room(c)
	if !ok {
		return
	}
	history := room.ChatHistory(actor, channel, limit)
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"messages":   history.Messages,
		"totalCount": history.TotalCount,
	})
}

// TurnArchive 分页查询已归档的回合
func (h *InteractionHandler) TurnArchive(c *gin.Context) {
	if _, ok := h.actor(c); !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("page_size", "20"))
	pagination := repository.NewPagination(page, pageSize)

	logs, err := h.repos.TurnLogs().FindByInteraction(c.Request.Context(), c.Param("id"), pagination)
	if err != nil {
		respondError(c, h.log, apperrors.Wrap(err, apperrors.ErrDatabaseQuery))
		return
	}
	turns := make([]game.TurnRecord, 0, len(logs))
	for _, log := range logs {
		rec, err := repository.ToTurnRecord(log)
		if err != nil {
			respondError(c, h.log, err)
			return
		}
		turns = append(turns, rec)
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"turns":      turns,
		"pagination": pagination,
	})
}
