package database

import (
	"fmt"

	"github.com/wfunc/encounter-room/internal/logger"
	"github.com/wfunc/encounter-room/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models 需要迁移的模型
func Models() []interface{} {
	return []interface{}{
		&models.EntityDefinition{},
		&models.TurnLog{},
		&models.RoomSnapshot{},
	}
}

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}

	// 清理过期锁文件
	CleanupStaleLocks()

	// 获取迁移锁，避免多个进程同时迁移
	dbPath := getDBPath()
	if dbPath != "" {
		lockFile, err := acquireMigrationLock(dbPath)
		if err != nil {
			logger.Error("无法获取迁移锁", zap.Error(err))
			return fmt.Errorf("获取迁移锁失败: %w", err)
		}
		defer releaseMigrationLock(lockFile)
	}

	logger.Info("开始数据库迁移...")
	if err := Migrate(DB); err != nil {
		return err
	}
	logger.Info("数据库迁移完成")
	return nil
}

// Migrate 对指定连接执行迁移并补充索引
func Migrate(db *gorm.DB) error {
	if db.Dialector.Name() == "sqlite" {
		// 禁用外键约束，避免重建表时的问题
		db.Exec("PRAGMA foreign_keys = OFF")
		defer db.Exec("PRAGMA foreign_keys = ON")
	}

	for _, model := range Models() {
		if err := db.AutoMigrate(model); err != nil {
			logger.Error("迁移失败",
				zap.String("model", fmt.Sprintf("%T", model)),
				zap.Error(err),
			)
			return err
		}
		logger.Debug("迁移成功", zap.String("model", fmt.Sprintf("%T", model)))
	}

	createIndexes(db)
	return nil
}

// createIndexes 创建查询用的复合索引
func createIndexes(db *gorm.DB) {
	indexes := []string{
		"CREATE INDEX IF NOT EXISTS idx_room_snapshots_status_updated ON room_snapshots(status, updated_at)",
		"CREATE INDEX IF NOT EXISTS idx_turn_logs_interaction_round ON turn_logs(interaction_id, round_number)",
	}
	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			logger.Warn("创建索引失败", zap.String("index", idx), zap.Error(err))
		}
	}
}

// DropAllTables 删除所有表（仅用于测试环境）
func DropAllTables() error {
	if DB == nil {
		return fmt.Errorf("数据库未初始化")
	}
	for _, model := range Models() {
		if err := DB.Migrator().DropTable(model); err != nil {
			logger.Error("删除表失败", zap.String("model", fmt.Sprintf("%T", model)), zap.Error(err))
			return err
		}
	}
	logger.Info("所有表已删除")
	return nil
}
