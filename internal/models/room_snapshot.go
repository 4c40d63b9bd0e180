package models

import (
	"time"
)

// RoomSnapshot 房间状态快照（写穿持久化，用于进程重启后恢复）
type RoomSnapshot struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	InteractionID string    `gorm:"uniqueIndex;size:64;not null" json:"interaction_id"`
	Status        string    `gorm:"size:20;not null;index" json:"status"`
	RoundNumber   int       `json:"round_number"`
	TurnNumber    int       `json:"turn_number"`
	StateData     string    `gorm:"type:text" json:"state_data"` // JSON格式的 GameState
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// TableName 指定表名
func (RoomSnapshot) TableName() string {
	return "room_snapshots"
}
