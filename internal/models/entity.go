package models

// EntityDefinition 实体定义（角色、NPC、怪物），用于初始化参与者状态
type EntityDefinition struct {
	BaseModel
	EntityID    string  `gorm:"uniqueIndex;size:64;not null" json:"entity_id"`
	EntityType  string  `gorm:"size:20;not null;index" json:"entity_type"` // playerCharacter, npc, monster
	Name        string  `gorm:"size:100" json:"name"`
	OwnerUserID string  `gorm:"size:64;index" json:"owner_user_id"`
	MaxHP       int     `gorm:"not null" json:"max_hp"`
	CurrentHP   int     `json:"current_hp"`
	PosX        int     `json:"pos_x"`
	PosY        int     `json:"pos_y"`
	Data        string  `gorm:"type:text" json:"data"` // JSON：conditions, inventory, availableActions
	Attributes  JSONMap `gorm:"type:json" json:"attributes"`
}

// TableName 指定表名
func (EntityDefinition) TableName() string {
	return "entity_definitions"
}
