package repository

import (
	"context"
	"sync"

	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/models"
	"gorm.io/gorm"
)

// Manager 仓储管理器，提供所有仓储的统一访问接口
type Manager struct {
	db *gorm.DB

	// 事务管理器
	txManager TransactionManager

	// 仓储实例（使用懒加载）
	entitiesOnce sync.Once
	entities     EntityRepository

	turnLogsOnce sync.Once
	turnLogs     TurnLogRepository

	snapshotsOnce sync.Once
	snapshots     game.SnapshotStore
}

// NewManager 创建仓储管理器
func NewManager(db *gorm.DB) *Manager {
	return &Manager{
		db:        db,
		txManager: NewTransactionManager(db),
	}
}

// GetDB 获取数据库实例
func (m *Manager) GetDB() *gorm.DB {
	return m.db
}

// Transaction 获取事务管理器
func (m *Manager) Transaction() TransactionManager {
	return m.txManager
}

// Entities 获取实体定义仓储
func (m *Manager) Entities() EntityRepository {
	m.entitiesOnce.Do(func() {
		m.entities = NewEntityRepository(m.db)
	})
	return m.entities
}

// TurnLogs 获取回合归档仓储
func (m *Manager) TurnLogs() TurnLogRepository {
	m.turnLogsOnce.Do(func() {
		m.turnLogs = NewTurnLogRepository(m.db)
	})
	return m.turnLogs
}

// Snapshots 获取房间快照存储（内存缓存 + 数据库）
func (m *Manager) Snapshots() game.SnapshotStore {
	m.snapshotsOnce.Do(func() {
		m.snapshots = game.NewCachedSnapshotStore(game.NewMemorySnapshotStore(), game.NewDatabaseSnapshotStore(m.db))
	})
	return m.snapshots
}

// WithTransaction 在事务中执行操作
func (m *Manager) WithTransaction(ctx context.Context, fn func(tx *Transaction) error) error {
	return m.txManager.WithTransaction(ctx, fn)
}

// ImportEntities 在同一事务中批量写入实体定义，任一失败全部回滚
func (m *Manager) ImportEntities(ctx context.Context, entities []*game.ParticipantState) ([]*models.EntityDefinition, error) {
	defs := make([]*models.EntityDefinition, 0, len(entities))
	for _, e := range entities {
		def, err := FromParticipant(e)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}

	err := NewTransactionHelper(m.txManager).RunWithRetry(ctx, 3, func(tx *Transaction) error {
		for _, def := range defs {
			if err := tx.Entities().Upsert(ctx, def); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defs, nil
}
