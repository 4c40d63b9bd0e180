package models

import (
	"time"
)

// TurnLog 已结束回合的归档
type TurnLog struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	InteractionID string     `gorm:"uniqueIndex:idx_turn_logs_interaction_turn;size:64;not null" json:"interaction_id"`
	TurnNumber    int        `gorm:"uniqueIndex:idx_turn_logs_interaction_turn;not null" json:"turn_number"`
	RoundNumber   int        `gorm:"not null" json:"round_number"`
	EntityID      string     `gorm:"size:64;not null;index" json:"entity_id"`
	Status        string     `gorm:"size:20;not null" json:"status"` // completed, skipped, timeout
	Reason        string     `gorm:"size:255" json:"reason"`
	Actions       string     `gorm:"type:text" json:"actions"` // JSON数组
	StartTime     time.Time  `json:"start_time"`
	EndTime       *time.Time `json:"end_time"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TableName 指定表名
func (TurnLog) TableName() string {
	return "turn_logs"
}
