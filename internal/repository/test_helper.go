package repository

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// TestDB 创建测试数据库（内存SQLite，单连接）
func TestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// 内存库每个连接相互独立
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	err = db.AutoMigrate(
		&models.EntityDefinition{},
		&models.TurnLog{},
		&models.RoomSnapshot{},
	)
	require.NoError(t, err)
	return db
}

// CreateTestEntity 创建测试实体
func CreateTestEntity(entityID string, entityType game.EntityType, owner string) *game.ParticipantState {
	return &game.ParticipantState{
		EntityID:   entityID,
		EntityType: entityType,
		Name:       "测试实体 " + entityID,
		UserID:     owner,
		CurrentHP:  12,
		MaxHP:      12,
		Position:   game.Position{X: 1, Y: 2},
		Conditions: []game.Condition{{Name: "blessed", Duration: 3}},
		Inventory: game.Inventory{
			Items:    []game.Item{{ID: "potion", Name: "药水", Quantity: 1, Heal: 4, Consumable: true}},
			Equipped: map[string]string{"main": "dagger"},
			Capacity: 5,
		},
		AvailableActions: []game.AvailableAction{
			{ID: "walk", Type: game.ActionMove, Available: true, Range: 5},
			{ID: "dagger", Type: game.ActionAttack, Available: true, Range: 1,
				Requirements: []game.Requirement{{Type: game.RequireEquipped, Value: "dagger"}}},
		},
	}
}

// CreateTestTurn 创建测试回合记录
func CreateTestTurn(turnNumber, round int, entityID string) game.TurnRecord {
	return game.TurnRecord{
		TurnNumber:  turnNumber,
		EntityID:    entityID,
		RoundNumber: round,
		Actions: []game.TurnAction{
			{Type: game.ActionMove, EntityID: entityID, Position: &game.Position{X: turnNumber, Y: 0}},
			{Type: game.ActionEnd, EntityID: entityID},
		},
		Status: game.RecordCompleted,
	}
}
