package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/repository"
	"go.uber.org/zap"
)

// ImportRequest 批量导入实体
type ImportRequest struct {
	Entities []*game.ParticipantState `json:"entities" binding:"required,min=1,dive,required"`
}

// EntityHandler 实体定义处理器（房间的实体数据源）
type EntityHandler struct {
	repos *repository.Manager
	log   *zap.Logger
}

// NewEntityHandler 创建实体定义处理器
func NewEntityHandler(repos *repository.Manager, log *zap.Logger) *EntityHandler {
	return &EntityHandler{repos: repos, log: log}
}

// Get 查询实体
func (h *EntityHandler) Get(c *gin.Context) {
	entity, err := h.repos.Entities().LoadEntity(c.Request.Context(), c.Param("entityId"))
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entity": entity})
}

// Put 创建或覆盖实体
func (h *EntityHandler) Put(c *gin.Context) {
	var entity game.ParticipantState
	if err := c.ShouldBindJSON(&entity); err != nil {
		badRequest(c, h.log, err)
		return
	}
	if entity.EntityID == "" {
		entity.EntityID = c.Param("entityId")
	}
	if entity.EntityID != c.Param("entityId") {
		respondError(c, h.log, apperrors.New(apperrors.ErrInvalidParam, "实体ID与路径不一致"))
		return
	}
	if err := h.repos.Entities().SaveEntity(c.Request.Context(), &entity); err != nil {
		respondError(c, h.log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "entity": entity})
}

// Import 在同一事务中批量导入
func (h *EntityHandler) Import(c *gin.Context) {
	var req ImportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, h.log, err)
		return
	}
	defs, err := h.repos.ImportEntities(c.Request.Context(), req.Entities)
	if err != nil {
		respondError(c, h.log, err)
		return
	}
	h.log.Info("导入实体", zap.Int("count", len(defs)))
	c.JSON(http.StatusOK, gin.H{"success": true, "count": len(defs)})
}
