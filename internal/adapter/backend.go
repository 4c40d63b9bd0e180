package adapter

import (
	"context"

	"github.com/wfunc/encounter-room/internal/config"
	"github.com/wfunc/encounter-room/internal/database"
	"github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Mode 存储模式
type Mode string

const (
	// ModeStandalone 单机模式：房间状态只在内存中，无实体库与归档
	ModeStandalone Mode = "standalone"
	// ModeDatabase 数据库模式：实体、回合归档与快照落库
	ModeDatabase Mode = "database"
)

// Backend 房间引擎的外部存储，按配置选择模式
type Backend struct {
	mode   Mode
	db     *gorm.DB
	repos  *repository.Manager
	memory game.SnapshotStore
	logger *zap.Logger
}

// NewBackend 按数据库配置创建存储后端
func NewBackend(cfg *config.DatabaseConfig, log *zap.Logger) (*Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if !cfg.Enabled {
		log.Warn("数据库未启用，房间状态仅保存在内存中")
		return &Backend{
			mode:   ModeStandalone,
			memory: game.NewMemorySnapshotStore(),
			logger: log,
		}, nil
	}

	if err := database.Init(cfg); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseConnect, "初始化数据库连接失败")
	}
	if cfg.AutoMigrate {
		log.Info("执行数据库自动迁移...")
		if err := database.AutoMigrate(); err != nil {
			database.Close()
			return nil, errors.Wrap(err, errors.ErrDatabaseConnect, "数据库迁移失败")
		}
	}
	if err := database.Ping(context.Background()); err != nil {
		return nil, errors.Wrap(err, errors.ErrDatabaseConnect, "数据库连接检查失败")
	}

	db := database.GetDB()
	log.Info("数据库存储已就绪", zap.String("driver", db.Dialector.Name()))
	return &Backend{
		mode:   ModeDatabase,
		db:     db,
		repos:  repository.NewManager(db),
		logger: log,
	}, nil
}

// Mode 当前模式
func (b *Backend) Mode() Mode {
	return b.mode
}

// DB 数据库实例，单机模式为 nil
func (b *Backend) DB() *gorm.DB {
	return b.db
}

// Repositories 仓储管理器，单机模式为 nil
func (b *Backend) Repositories() *repository.Manager {
	return b.repos
}

// Dependencies 房间依赖的外部数据源
func (b *Backend) Dependencies(log *zap.Logger) game.Dependencies {
	deps := game.Dependencies{Logger: log}
	if b.mode == ModeStandalone {
		deps.Store = b.memory
		return deps
	}
	deps.Entities = b.repos.Entities()
	deps.Archive = b.repos.TurnLogs()
	deps.Store = b.repos.Snapshots()
	return deps
}

// Ping 检查存储是否可用
func (b *Backend) Ping(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	return database.Ping(ctx)
}

// Close 关闭存储
func (b *Backend) Close() error {
	if b.mode != ModeDatabase {
		return nil
	}
	return database.Close()
}
