package game

import (
	"time"
)

// InteractionStatus 遭遇状态
type InteractionStatus string

const (
	StatusWaiting   InteractionStatus = "waiting"   // 等待开始
	StatusActive    InteractionStatus = "active"    // 进行中
	StatusPaused    InteractionStatus = "paused"    // 已暂停
	StatusCompleted InteractionStatus = "completed" // 已结束
)

// EntityType 实体类型
type EntityType string

const (
	EntityPlayerCharacter EntityType = "playerCharacter"
	EntityNPC             EntityType = "npc"
	EntityMonster         EntityType = "monster"
)

// Valid 是否为合法实体类型
func (t EntityType) Valid() bool {
	switch t {
	case EntityPlayerCharacter, EntityNPC, EntityMonster:
		return true
	}
	return false
}

// TurnStatus 参与者回合状态
type TurnStatus string

const (
	TurnStatusWaiting   TurnStatus = "waiting"
	TurnStatusActive    TurnStatus = "active"
	TurnStatusCompleted TurnStatus = "completed"
	TurnStatusSkipped   TurnStatus = "skipped"
)

// ActionType 行动类型
type ActionType string

const (
	ActionMove     ActionType = "move"
	ActionAttack   ActionType = "attack"
	ActionUseItem  ActionType = "useItem"
	ActionCast     ActionType = "cast"
	ActionInteract ActionType = "interact"
	ActionEnd      ActionType = "end"
)

// Valid 是否为合法行动类型
func (t ActionType) Valid() bool {
	switch t {
	case ActionMove, ActionAttack, ActionUseItem, ActionCast, ActionInteract, ActionEnd:
		return true
	}
	return false
}

// RecordStatus 回合记录结果
type RecordStatus string

const (
	RecordCompleted RecordStatus = "completed"
	RecordSkipped   RecordStatus = "skipped"
	RecordTimeout   RecordStatus = "timeout"
)

// ChatType 聊天频道
type ChatType string

const (
	ChatParty   ChatType = "party"
	ChatDM      ChatType = "dm"
	ChatPrivate ChatType = "private"
	ChatSystem  ChatType = "system"
)

// Valid 是否为合法频道
func (t ChatType) Valid() bool {
	switch t {
	case ChatParty, ChatDM, ChatPrivate, ChatSystem:
		return true
	}
	return false
}

// Role 调用者角色
type Role string

const (
	RoleDM     Role = "dm"
	RolePlayer Role = "player"
)

// Actor 发起操作的用户（由外部认证提供）
type Actor struct {
	UserID string `json:"userId"`
	Role   Role   `json:"role"`
}

// IsDM 是否持有DM权限
func (a Actor) IsDM() bool {
	return a.Role == RoleDM
}

// Position 地图坐标
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// InitiativeEntry 先攻顺序条目
type InitiativeEntry struct {
	EntityID   string     `json:"entityId"`
	EntityType EntityType `json:"entityType"`
	Initiative int        `json:"initiative"`
	UserID     string     `json:"userId,omitempty"`
}

// Condition 状态效果
type Condition struct {
	Name     string         `json:"name"`
	Duration int            `json:"duration"`
	Effects  map[string]int `json:"effects,omitempty"`
}

// Item 物品
type Item struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Heal       int    `json:"heal,omitempty"`
	Consumable bool   `json:"consumable,omitempty"`
}

// Inventory 背包
type Inventory struct {
	Items    []Item            `json:"items"`
	Equipped map[string]string `json:"equipped,omitempty"` // 装备槽 -> 物品ID
	Capacity int               `json:"capacity"`
}

// RequirementType 行动前置条件类型
type RequirementType string

const (
	RequireMinHP        RequirementType = "minHp"
	RequireNoCondition  RequirementType = "notCondition"
	RequireHasCondition RequirementType = "hasCondition"
	RequireHasItem      RequirementType = "hasItem"
	RequireEquipped     RequirementType = "equipped"
)

// Requirement 行动前置条件
type Requirement struct {
	Type  RequirementType `json:"type"`
	Value string          `json:"value"`
	Met   bool            `json:"met"`
}

// AvailableAction 实体可执行的行动
type AvailableAction struct {
	ID           string        `json:"id"`
	Type         ActionType    `json:"type"`
	Name         string        `json:"name,omitempty"`
	Available    bool          `json:"available"`
	Range        int           `json:"range,omitempty"`       // 0 表示不限
	UsesPerTurn  int           `json:"usesPerTurn,omitempty"` // 0 表示不限
	UsedThisTurn int           `json:"usedThisTurn,omitempty"`
	Requirements []Requirement `json:"requirements,omitempty"`
}

// ParticipantState 参与者的游戏数据
type ParticipantState struct {
	EntityID         string            `json:"entityId"`
	EntityType       EntityType        `json:"entityType"`
	UserID           string            `json:"userId,omitempty"`
	Name             string            `json:"name,omitempty"`
	CurrentHP        int               `json:"currentHp"`
	MaxHP            int               `json:"maxHp"`
	Position         Position          `json:"position"`
	Conditions       []Condition       `json:"conditions"`
	Inventory        Inventory         `json:"inventory"`
	AvailableActions []AvailableAction `json:"availableActions"`
	TurnStatus       TurnStatus        `json:"turnStatus"`
}

// MapState 地图状态
type MapState struct {
	Width     int            `json:"width"`
	Height    int            `json:"height"`
	Obstacles []Position     `json:"obstacles,omitempty"`
	Objects   map[string]int `json:"objects,omitempty"` // 可交互物件 -> 状态值
}

// TurnAction 回合内的一个行动
type TurnAction struct {
	Type       ActionType     `json:"type"`
	EntityID   string         `json:"entityId"`
	Target     string         `json:"target,omitempty"`
	Position   *Position      `json:"position,omitempty"`
	ItemID     string         `json:"itemId,omitempty"`
	SpellID    string         `json:"spellId,omitempty"`
	ActionID   string         `json:"actionId,omitempty"`
	Parameters map[string]int `json:"parameters,omitempty"`
}

// TurnRecord 回合记录
type TurnRecord struct {
	TurnNumber  int          `json:"turnNumber"`
	EntityID    string       `json:"entityId"`
	RoundNumber int          `json:"roundNumber"`
	Actions     []TurnAction `json:"actions"`
	StartTime   time.Time    `json:"startTime"`
	EndTime     *time.Time   `json:"endTime,omitempty"`
	Status      RecordStatus `json:"status,omitempty"`
	Reason      string       `json:"reason,omitempty"`
}

// ChatMessage 聊天消息
type ChatMessage struct {
	ID         string    `json:"id"`
	UserID     string    `json:"userId"`
	EntityID   string    `json:"entityId,omitempty"`
	Content    string    `json:"content"`
	Type       ChatType  `json:"type"`
	Recipients []string  `json:"recipients,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Participant 连接记录（与 ParticipantState 区分：这里描述连接，不是游戏数据）
type Participant struct {
	UserID       string     `json:"userId"`
	EntityID     string     `json:"entityId,omitempty"`
	EntityType   EntityType `json:"entityType,omitempty"`
	Role         Role       `json:"role"`
	ConnectionID string     `json:"connectionId"`
	IsConnected  bool       `json:"isConnected"`
	HasLeft      bool       `json:"hasLeft,omitempty"`
	LastActivity time.Time  `json:"lastActivity"`
}

// GameState 一场遭遇的权威快照
type GameState struct {
	InteractionID    string                       `json:"interactionId"`
	Status           InteractionStatus            `json:"status"`
	InitiativeOrder  []InitiativeEntry            `json:"initiativeOrder"`
	CurrentTurnIndex int                          `json:"currentTurnIndex"`
	RoundNumber      int                          `json:"roundNumber"`
	Participants     map[string]*ParticipantState `json:"participants"`
	MapState         MapState                     `json:"mapState"`
	TurnHistory      []TurnRecord                 `json:"turnHistory"`
	ActiveTurn       *TurnRecord                  `json:"activeTurn,omitempty"`
	ChatLog          []ChatMessage                `json:"chatLog"`
	NextTurnNumber   int                          `json:"nextTurnNumber"`
	PausedFrom       InteractionStatus            `json:"pausedFrom,omitempty"`
	PauseReason      string                       `json:"pauseReason,omitempty"`
	PausedAt         *time.Time                   `json:"pausedAt,omitempty"`
	Timestamp        time.Time                    `json:"timestamp"`
}

// NewGameState 创建初始状态
func NewGameState(interactionID string, now time.Time) *GameState {
	return &GameState{
		InteractionID:   interactionID,
		Status:          StatusWaiting,
		InitiativeOrder: []InitiativeEntry{},
		RoundNumber:     1,
		Participants:    make(map[string]*ParticipantState),
		TurnHistory:     []TurnRecord{},
		ChatLog:         []ChatMessage{},
		NextTurnNumber:  1,
		Timestamp:       now,
	}
}

// CurrentEntry 当前行动的先攻条目
func (s *GameState) CurrentEntry() (InitiativeEntry, bool) {
	if s.CurrentTurnIndex < 0 || s.CurrentTurnIndex >= len(s.InitiativeOrder) {
		return InitiativeEntry{}, false
	}
	return s.InitiativeOrder[s.CurrentTurnIndex], true
}

// LastTurnNumber 已结束回合中最大的回合号
func (s *GameState) LastTurnNumber() int {
	if len(s.TurnHistory) == 0 {
		return 0
	}
	return s.TurnHistory[len(s.TurnHistory)-1].TurnNumber
}

// initiativeIndex 实体在先攻顺序中的位置
func (s *GameState) initiativeIndex(entityID string) int {
	for i, e := range s.InitiativeOrder {
		if e.EntityID == entityID {
			return i
		}
	}
	return -1
}

// Snapshot 对外返回的房间快照
type Snapshot struct {
	RoomID           string            `json:"roomId"`
	Status           InteractionStatus `json:"status"`
	ParticipantCount int               `json:"participantCount"`
	GameState        *GameState        `json:"gameState"`
}

// TurnResult takeTurn 的结果
type TurnResult struct {
	Success   bool             `json:"success"`
	Result    ValidationResult `json:"result"`
	GameState *GameState       `json:"gameState,omitempty"`
}

// BacktrackResult 回溯结果
type BacktrackResult struct {
	TargetTurn   int    `json:"targetTurn"`
	TargetRound  int    `json:"targetRound"`
	RemovedTurns int    `json:"removedTurns"`
	Reason       string `json:"reason"`
}

// ChatHistory 聊天历史查询结果
type ChatHistory struct {
	Messages   []ChatMessage `json:"messages"`
	TotalCount int           `json:"totalCount"`
}
