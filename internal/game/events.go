package game

import (
	"encoding/json"
	"time"
)

// EventType 领域事件类型
type EventType string

const (
	EventParticipantJoined  EventType = "PARTICIPANT_JOINED"
	EventParticipantLeft    EventType = "PARTICIPANT_LEFT"
	EventTurnStarted        EventType = "TURN_STARTED"
	EventTurnCompleted      EventType = "TURN_COMPLETED"
	EventTurnSkipped        EventType = "TURN_SKIPPED"
	EventTurnBacktracked    EventType = "TURN_BACKTRACKED"
	EventStateDelta         EventType = "STATE_DELTA"
	EventChatMessage        EventType = "CHAT_MESSAGE"
	EventInitiativeUpdated  EventType = "INITIATIVE_UPDATED"
	EventInteractionPaused  EventType = "INTERACTION_PAUSED"
	EventInteractionResumed EventType = "INTERACTION_RESUMED"
	EventPlayerDisconnected EventType = "PLAYER_DISCONNECTED"
	EventDMDisconnected     EventType = "DM_DISCONNECTED"
	EventPlayerReconnected  EventType = "PLAYER_RECONNECTED"
	EventDMReconnected      EventType = "DM_RECONNECTED"
	EventError              EventType = "ERROR"
	EventRoomClosed         EventType = "ROOM_CLOSED"
)

// Event 房间领域事件。接口不可在包外实现，按 Type() 或类型断言分发。
type Event interface {
	Type() EventType
	OccurredAt() time.Time
	sealed()
}

// eventTime 所有事件共有的时间戳
type eventTime struct {
	Timestamp time.Time `json:"timestamp"`
}

func (e eventTime) OccurredAt() time.Time { return e.Timestamp }
func (eventTime) sealed()                 {}

// roomEvent 携带遭遇ID的事件基础字段
type roomEvent struct {
	eventTime
	InteractionID string `json:"interactionId"`
}

func newRoomEvent(interactionID string, now time.Time) roomEvent {
	return roomEvent{eventTime: eventTime{Timestamp: now}, InteractionID: interactionID}
}

// ParticipantJoined 参与者加入
type ParticipantJoined struct {
	roomEvent
	UserID           string     `json:"userId"`
	EntityID         string     `json:"entityId,omitempty"`
	EntityType       EntityType `json:"entityType,omitempty"`
	ParticipantCount int        `json:"participantCount"`
}

func (ParticipantJoined) Type() EventType { return EventParticipantJoined }

// ParticipantLeft 参与者离开
type ParticipantLeft struct {
	roomEvent
	UserID           string `json:"userId"`
	EntityID         string `json:"entityId,omitempty"`
	ParticipantCount int    `json:"participantCount"`
}

func (ParticipantLeft) Type() EventType { return EventParticipantLeft }

// TurnStarted 回合开始
type TurnStarted struct {
	roomEvent
	EntityID    string `json:"entityId"`
	TurnNumber  int    `json:"turnNumber"`
	RoundNumber int    `json:"roundNumber"`
	TimeLimit   int64  `json:"timeLimit,omitempty"` // 毫秒，0 表示不限时
}

func (TurnStarted) Type() EventType { return EventTurnStarted }

// TurnCompleted 回合正常结束
type TurnCompleted struct {
	roomEvent
	Record TurnRecord `json:"record"`
}

func (TurnCompleted) Type() EventType { return EventTurnCompleted }

// TurnSkipped 回合被跳过或超时
type TurnSkipped struct {
	roomEvent
	EntityID   string       `json:"entityId"`
	TurnNumber int          `json:"turnNumber"`
	Status     RecordStatus `json:"status"`
	Reason     string       `json:"reason"`
}

func (TurnSkipped) Type() EventType { return EventTurnSkipped }

// TurnBacktracked 回合回溯
type TurnBacktracked struct {
	roomEvent
	TargetTurn   int    `json:"targetTurn"`
	TargetRound  int    `json:"targetRound"`
	RemovedTurns int    `json:"removedTurns"`
	DMUserID     string `json:"dmUserId"`
	Reason       string `json:"reason,omitempty"`
}

func (TurnBacktracked) Type() EventType { return EventTurnBacktracked }

// StateDelta 增量状态，只包含变化的字段
type StateDelta struct {
	roomEvent
	Status            InteractionStatus            `json:"status,omitempty"`
	CurrentTurnIndex  *int                         `json:"currentTurnIndex,omitempty"`
	RoundNumber       *int                         `json:"roundNumber,omitempty"`
	Participants      map[string]*ParticipantState `json:"participants,omitempty"`
	RemovedEntities   []string                     `json:"removedEntities,omitempty"`
	MapState          *MapState                    `json:"mapState,omitempty"`
	ActiveTurn        *TurnRecord                  `json:"activeTurn,omitempty"`
	AppendedTurns     []TurnRecord                 `json:"appendedTurns,omitempty"`
	TurnHistoryLength *int                         `json:"turnHistoryLength,omitempty"`
	InitiativeOrder   []InitiativeEntry            `json:"initiativeOrder,omitempty"`
}

func (StateDelta) Type() EventType { return EventStateDelta }

// Empty 是否没有任何变化
func (d StateDelta) Empty() bool {
	return d.Status == "" && d.CurrentTurnIndex == nil && d.RoundNumber == nil &&
		len(d.Participants) == 0 && len(d.RemovedEntities) == 0 && d.MapState == nil &&
		d.ActiveTurn == nil && len(d.AppendedTurns) == 0 && d.TurnHistoryLength == nil &&
		d.InitiativeOrder == nil
}

// ChatMessageSent 聊天消息
type ChatMessageSent struct {
	roomEvent
	Message ChatMessage `json:"message"`
}

func (ChatMessageSent) Type() EventType { return EventChatMessage }

// visibleTo 私聊只推送给发送者、接收者和DM
func (e ChatMessageSent) visibleTo(userID string, dm bool) bool {
	return canSee(e.Message, userID, dm)
}

// InitiativeUpdated 先攻顺序更新
type InitiativeUpdated struct {
	roomEvent
	InitiativeOrder  []InitiativeEntry `json:"initiativeOrder"`
	CurrentTurnIndex int               `json:"currentTurnIndex"`
}

func (InitiativeUpdated) Type() EventType { return EventInitiativeUpdated }

// InteractionPaused 遭遇暂停
type InteractionPaused struct {
	roomEvent
	Reason string `json:"reason"`
	UserID string `json:"userId,omitempty"`
}

func (InteractionPaused) Type() EventType { return EventInteractionPaused }

// InteractionResumed 遭遇恢复
type InteractionResumed struct {
	roomEvent
	Status InteractionStatus `json:"status"`
	UserID string            `json:"userId"`
}

func (InteractionResumed) Type() EventType { return EventInteractionResumed }

// PlayerDisconnected 玩家断线
type PlayerDisconnected struct {
	eventTime
	UserID   string `json:"userId"`
	EntityID string `json:"entityId,omitempty"`
}

func (PlayerDisconnected) Type() EventType { return EventPlayerDisconnected }

// DMDisconnected DM断线
type DMDisconnected struct {
	eventTime
	UserID string `json:"userId"`
}

func (DMDisconnected) Type() EventType { return EventDMDisconnected }

// PlayerReconnected 玩家重连
type PlayerReconnected struct {
	eventTime
	UserID       string `json:"userId"`
	EntityID     string `json:"entityId,omitempty"`
	ConnectionID string `json:"connectionId"`
}

func (PlayerReconnected) Type() EventType { return EventPlayerReconnected }

// DMReconnected DM重连
type DMReconnected struct {
	eventTime
	UserID       string `json:"userId"`
	ConnectionID string `json:"connectionId"`
}

func (DMReconnected) Type() EventType { return EventDMReconnected }

// ErrorEvent 引擎内部错误
type ErrorEvent struct {
	roomEvent
	Code    int    `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (ErrorEvent) Type() EventType { return EventError }

// RoomClosed 房间关闭（终止事件）
type RoomClosed struct {
	roomEvent
	Reason string `json:"reason"`
}

func (RoomClosed) Type() EventType { return EventRoomClosed }

// restricted 仅部分订阅者可见的事件
type restricted interface {
	visibleTo(userID string, dm bool) bool
}

// Envelope 推送给客户端的消息格式
type Envelope struct {
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

// EncodeEvent 序列化事件为推送消息
func EncodeEvent(e Event) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{
		Type:      e.Type(),
		Data:      data,
		Timestamp: e.OccurredAt().UnixMilli(),
	})
}
