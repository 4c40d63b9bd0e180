package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/middleware"
	"github.com/wfunc/encounter-room/internal/repository"
	ws "github.com/wfunc/encounter-room/internal/websocket"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const serviceName = "encounter-room"

// Config 路由依赖
type Config struct {
	Registry  *game.Registry
	Hub       *ws.Hub
	Validator middleware.TokenValidator
	// Repositories 为空时不注册实体与回合归档接口
	Repositories *repository.Manager
	DB           *gorm.DB
	WebSocket    ws.Options
	// ReadBufferSize/WriteBufferSize 升级器缓冲区
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	Logger            *zap.Logger
}

// Router API路由器
type Router struct {
	engine         *gin.Engine
	registry       *game.Registry
	repos          *repository.Manager
	db             *gorm.DB
	authMiddleware *middleware.AuthMiddleware
	interactions   *InteractionHandler
	entities       *EntityHandler
	wsHandler      *WebSocketHandler
	log            *zap.Logger
}

// NewRouter 创建路由器
func NewRouter(cfg Config) *Router {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(middleware.RequestLogger(cfg.Logger.Named("http")))

	r := &Router{
		engine:         engine,
		registry:       cfg.Registry,
		repos:          cfg.Repositories,
		db:             cfg.DB,
		authMiddleware: middleware.NewAuthMiddleware(cfg.Validator),
		interactions:   NewInteractionHandler(cfg.Registry, cfg.Repositories, cfg.Logger),
		wsHandler: NewWebSocketHandler(cfg.Registry, cfg.Hub, cfg.WebSocket, websocket.Upgrader{
			ReadBufferSize:    cfg.ReadBufferSize,
			WriteBufferSize:   cfg.WriteBufferSize,
			EnableCompression: cfg.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				// 认证由令牌完成
				return true
			},
		}, cfg.Logger),
		log: cfg.Logger,
	}
	if cfg.Repositories != nil {
		r.entities = NewEntityHandler(cfg.Repositories, cfg.Logger)
	}

	r.setupRoutes()
	return r
}

// setupRoutes 设置路由
func (r *Router) setupRoutes() {
	// 健康检查
	r.engine.GET("/health", r.healthCheck)

	v1 := r.engine.Group("/api/v1")
	v1.Use(r.authMiddleware.RequireAuth())
	{
		h := r.interactions
		interactions := v1.Group("/interactions/:id")
		{
			interactions.POST("/join", h.Join)
			interactions.POST("/leave", h.Leave)
			interactions.GET("/state", h.GetState)

			interactions.POST("/pause", h.Pause)
			interactions.POST("/resume", h.Resume)
			interactions.POST("/start", h.Start)
			interactions.POST("/complete", h.Complete)
			interactions.PUT("/initiative", h.UpdateInitiative)

			interactions.POST("/turns", h.TakeTurn)
			interactions.POST("/turns/skip", h.SkipTurn)
			interactions.POST("/turns/backtrack", h.BacktrackTurn)
			interactions.POST("/turns/timeout", h.TimeoutTurn)

			interactions.POST("/chat", h.SendChat)
			interactions.GET("/chat", h.ChatHistory)

			interactions.GET("/ws", r.wsHandler.Connect)

			if r.repos != nil {
				interactions.GET("/turns/archive", h.TurnArchive)
			}
		}

		if r.entities != nil {
			entities := v1.Group("/entities")
			entities.GET("/:entityId", r.entities.Get)
			dmOnly := entities.Group("")
			dmOnly.Use(r.authMiddleware.RequireRole(game.RoleDM))
			{
				dmOnly.PUT("/:entityId", r.entities.Put)
				dmOnly.POST("/import", r.entities.Import)
			}
		}
	}

	// 404处理
	r.engine.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "NOT_FOUND",
			"message": "接口不存在",
		})
	})
}

// healthCheck 健康检查
func (r *Router) healthCheck(c *gin.Context) {
	status := "healthy"
	if r.db != nil {
		if sqlDB, err := r.db.DB(); err != nil || sqlDB.PingContext(c.Request.Context()) != nil {
			status = "degraded"
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    status,
		"timestamp": time.Now().UnixMilli(),
		"service":   serviceName,
		"stats":     r.registry.Stats(),
	})
}

// Handler 返回 http.Handler
func (r *Router) Handler() http.Handler {
	return r.engine
}

// GetEngine 获取Gin引擎（用于测试）
func (r *Router) GetEngine() *gin.Engine {
	return r.engine
}
