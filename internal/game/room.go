package game

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wfunc/encounter-room/internal/config"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/logger"
	"go.uber.org/zap"
)

const (
	defaultSkipReason  = "未提供原因"
	defaultPauseReason = "DM暂停"
	timeoutReason      = "回合超时"
	dmLeftReason       = "DM断开连接"
	persistTimeout     = 5 * time.Second
)

// Settings 房间运行参数
type Settings struct {
	MaxParticipants        int
	SubscriberBuffer       int
	InactivityTimeout      time.Duration
	ParticipantIdleTimeout time.Duration
	TurnTimeLimit          time.Duration
	PauseOnDMDisconnect    bool
	ChatHistoryLimit       int
	ChatMaxLog             int
}

// DefaultSettings 默认房间参数
func DefaultSettings() Settings {
	return Settings{
		MaxParticipants:     8,
		SubscriberBuffer:    64,
		InactivityTimeout:   30 * time.Minute,
		PauseOnDMDisconnect: true,
		ChatHistoryLimit:    DefaultChatHistoryLimit,
		ChatMaxLog:          1000,
	}
}

// SettingsFromConfig 从配置生成房间参数
func SettingsFromConfig(cfg config.RoomConfig) Settings {
	s := Settings{
		MaxParticipants:        cfg.MaxParticipants,
		SubscriberBuffer:       cfg.SubscriberBuffer,
		InactivityTimeout:      cfg.InactivityTimeout,
		ParticipantIdleTimeout: cfg.ParticipantIdleTimeout,
		TurnTimeLimit:          cfg.TurnTimeLimit,
		PauseOnDMDisconnect:    cfg.PauseOnDMDisconnect,
		ChatHistoryLimit:       cfg.ChatHistoryLimit,
		ChatMaxLog:             cfg.ChatMaxLog,
	}
	if s.ChatHistoryLimit <= 0 {
		s.ChatHistoryLimit = DefaultChatHistoryLimit
	}
	return s
}

// Dependencies 房间依赖的外部协作者，均可为空
type Dependencies struct {
	Entities EntitySource
	Store    SnapshotStore
	Archive  TurnArchive
	Rules    RuleChecker
	Logger   *zap.Logger
	Clock    func() time.Time
}

// roomView 已提交状态的只读视图，读操作无锁
type roomView struct {
	state        *GameState
	participants []Participant
	joined       int
	connected    int
	idleSince    time.Time
	closed       bool
}

// Room 单个遭遇的协调者，所有变更在 mu 下串行执行
type Room struct {
	id string

	mu          sync.Mutex
	state       *GameState
	presence    *Presence
	checkpoints map[int]*turnCheckpoint
	settings    Settings
	closed      bool
	idleSince   time.Time

	view      atomic.Pointer[roomView]
	bus       *EventBus
	validator *Validator
	deps      Dependencies
	logger    *zap.Logger
	createdAt time.Time
}

// NewRoom 创建房间，state 为空时初始化为等待状态
func NewRoom(interactionID string, state *GameState, settings Settings, deps Dependencies) *Room {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	now := deps.Clock()
	if state == nil {
		state = NewGameState(interactionID, now)
	}

	r := &Room{
		id:          interactionID,
		state:       state,
		presence:    NewPresence(),
		checkpoints: make(map[int]*turnCheckpoint),
		settings:    settings,
		idleSince:   now,
		bus:         NewEventBus(settings.SubscriberBuffer, deps.Logger),
		validator:   NewValidator(deps.Rules),
		deps:        deps,
		logger:      deps.Logger.With(zap.String("interaction_id", interactionID)),
		createdAt:   now,
	}
	// 恢复的状态只有在当前回合尚无行动时才能作为检查点
	if state.ActiveTurn != nil && len(state.ActiveTurn.Actions) == 0 {
		r.saveCheckpoint(state)
	}
	r.publishView()
	return r
}

// ID 房间ID
func (r *Room) ID() string {
	return r.id
}

func (r *Room) now() time.Time {
	return r.deps.Clock()
}

// UpdateSettings 应用新的房间参数
func (r *Room) UpdateSettings(s Settings) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settings = s
}

// ---------------------------------------------------------------------------
// 读操作（无锁，读取最近一次提交）

// GetState 获取房间快照，聊天记录按调用者过滤
func (r *Room) GetState(actor Actor) *Snapshot {
	v := r.view.Load()
	state := v.state.Clone()
	state.ChatLog = visibleChat(state.ChatLog, actor)
	return &Snapshot{
		RoomID:           r.id,
		Status:           state.Status,
		ParticipantCount: len(v.participants),
		GameState:        state,
	}
}

// ChatHistory 获取聊天历史
func (r *Room) ChatHistory(actor Actor, channel ChatType, limit int) ChatHistory {
	return chatHistory(r.view.Load().state.ChatLog, actor, channel, limit)
}

// Participants 连接记录
func (r *Room) Participants() []Participant {
	return append([]Participant(nil), r.view.Load().participants...)
}

// ParticipantCount 已加入的用户数
func (r *Room) ParticipantCount() int {
	return r.view.Load().joined
}

// ConnectedCount 在线用户数
func (r *Room) ConnectedCount() int {
	return r.view.Load().connected
}

// Status 当前状态
func (r *Room) Status() InteractionStatus {
	return r.view.Load().state.Status
}

// IdleSince 无人在线的起始时间，有人在线时为零值
func (r *Room) IdleSince() time.Time {
	return r.view.Load().idleSince
}

// Closed 房间是否已关闭
func (r *Room) Closed() bool {
	return r.view.Load().closed
}

// TurnDeadline 当前回合截止时间，未限时返回 false
func (r *Room) TurnDeadline() (int, time.Time, bool) {
	r.mu.Lock()
	limit := r.settings.TurnTimeLimit
	r.mu.Unlock()

	state := r.view.Load().state
	if limit <= 0 || state.Status != StatusActive || state.ActiveTurn == nil {
		return 0, time.Time{}, false
	}
	return state.ActiveTurn.TurnNumber, state.ActiveTurn.StartTime.Add(limit), true
}

func (r *Room) publishView() {
	connected := r.presence.ConnectedCount()
	if connected > 0 {
		r.idleSince = time.Time{}
	} else if r.idleSince.IsZero() {
		r.idleSince = r.now()
	}
	r.view.Store(&roomView{
		state:        r.state,
		participants: r.presence.List(),
		joined:       r.presence.Count(),
		connected:    connected,
		idleSince:    r.idleSince,
		closed:       r.closed,
	})
}

// ---------------------------------------------------------------------------
// 提交与失败关闭

// commit 提交新状态并按顺序发布事件。next 为空表示游戏状态未变（如连接变化）。
// 调用方必须持有 r.mu。
func (r *Room) commit(ctx context.Context, next *GameState, events ...Event) {
	prev := r.state
	if next != nil && next != prev {
		next.Timestamp = r.now()
		if delta := computeDelta(prev, next, r.now()); !delta.Empty() {
			events = append(events, delta)
		}
		r.state = next
		if next.ActiveTurn != nil {
			if _, ok := r.checkpoints[next.ActiveTurn.TurnNumber]; !ok {
				r.saveCheckpoint(next)
			}
		}
	}
	r.publishView()
	r.bus.Publish(events...)

	for _, e := range events {
		r.logger.Debug("房间事件", zap.String("event", string(e.Type())))
		if data, ok := auditData(e); ok {
			logger.LogRoomEvent(string(e.Type()), r.id, data)
		}
	}

	if next != nil && next != prev {
		r.persist(ctx, prev, next)
	}
}

// auditData DM干预类事件的审计字段
func auditData(e Event) (map[string]interface{}, bool) {
	switch ev := e.(type) {
	case TurnBacktracked:
		return map[string]interface{}{
			"target_turn":   ev.TargetTurn,
			"target_round":  ev.TargetRound,
			"removed_turns": ev.RemovedTurns,
			"dm_user_id":    ev.DMUserID,
			"reason":        ev.Reason,
		}, true
	case InteractionPaused:
		return map[string]interface{}{"reason": ev.Reason, "user_id": ev.UserID}, true
	case InteractionResumed:
		return map[string]interface{}{"status": ev.Status, "user_id": ev.UserID}, true
	}
	return nil, false
}

// persist 写穿到外部存储，失败只记录日志
func (r *Room) persist(ctx context.Context, prev, next *GameState) {
	if r.deps.Store == nil && r.deps.Archive == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if r.deps.Store != nil {
		if err := r.deps.Store.Save(ctx, r.id, next); err != nil {
			r.logger.Error("保存房间快照失败", zap.Error(err))
		}
	}
	if r.deps.Archive == nil {
		return
	}
	switch {
	case len(next.TurnHistory) > len(prev.TurnHistory):
		if err := r.deps.Archive.Append(ctx, r.id, next.TurnHistory[len(prev.TurnHistory):]); err != nil {
			r.logger.Error("归档回合失败", zap.Error(err))
		}
	case len(next.TurnHistory) < len(prev.TurnHistory):
		if err := r.deps.Archive.Truncate(ctx, r.id, next.LastTurnNumber()+1); err != nil {
			r.logger.Error("截断回合归档失败", zap.Error(err))
		}
	}
}

// failClosed 内部错误：拒绝变更并推送 ERROR 事件。调用方必须持有 r.mu。
func (r *Room) failClosed(err error) error {
	appErr, ok := apperrors.As(err)
	if !ok {
		appErr = apperrors.Wrap(err, apperrors.ErrInvariantViolation)
	}
	r.logger.Error("引擎状态不一致，已拒绝变更",
		zap.Int("code", int(appErr.Code)),
		zap.String("details", appErr.Details))
	r.bus.Publish(ErrorEvent{
		roomEvent: newRoomEvent(r.id, r.now()),
		Code:      int(appErr.Code),
		Message:   appErr.Message,
		Details:   appErr.Details,
	})
	return appErr
}

// mutate 在副本上执行 fn，panic 视为内部错误
func (r *Room) mutate(fn func(next *GameState) error) (next *GameState, err error) {
	next = r.state.Clone()
	defer func() {
		if p := recover(); p != nil {
			err = apperrors.Newf(apperrors.ErrInvariantViolation, "%v", p)
		}
		if err != nil {
			next = nil
			if apperrors.Is(err, apperrors.ErrInvariantViolation) {
				err = r.failClosed(err)
			}
		}
	}()
	err = fn(next)
	return next, err
}

func (r *Room) checkOpen() error {
	if r.closed || r.state.Status == StatusCompleted {
		return apperrors.New(apperrors.ErrRoomClosed)
	}
	return nil
}

// canControl 调用者能否操作该实体（DM可操作任意实体）
func (r *Room) canControl(state *GameState, actor Actor, entityID string) bool {
	if actor.IsDM() {
		return true
	}
	rec, ok := r.presence.Get(actor.UserID)
	if !ok {
		return false
	}
	if p, ok := state.Participants[entityID]; ok && p.UserID != "" && p.UserID == actor.UserID {
		return true
	}
	return rec.EntityID == entityID
}

func requireDM(actor Actor) error {
	if !actor.IsDM() {
		return apperrors.New(apperrors.ErrUnauthorized, "需要DM权限")
	}
	return nil
}

// ---------------------------------------------------------------------------
// 加入、离开、连接

// JoinResult 加入房间结果
type JoinResult struct {
	RoomID           string     `json:"roomId"`
	ConnectionID     string     `json:"connectionId"`
	ParticipantCount int        `json:"participantCount"`
	GameState        *GameState `json:"gameState"`
}

// Join 加入房间。同一用户重复加入同一实体视为重连。
func (r *Room) Join(ctx context.Context, actor Actor, entityID string, entityType EntityType) (*JoinResult, error) {
	if actor.UserID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "用户ID不能为空")
	}
	if entityID == "" && !actor.IsDM() {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "实体ID不能为空")
	}
	if entityType != "" && !entityType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "未知的实体类型: %s", entityType)
	}

	// 外部数据源调用放在锁外
	var def *ParticipantState
	if entityID != "" {
		if _, seeded := r.view.Load().state.Participants[entityID]; !seeded {
			if r.deps.Entities == nil {
				return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", entityID)
			}
			loaded, err := r.deps.Entities.LoadEntity(ctx, entityID)
			if err != nil {
				return nil, err
			}
			def = loaded
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	now := r.now()

	if rec, ok := r.presence.Get(actor.UserID); ok {
		if rec.EntityID == entityID {
			rec, _ = r.presence.reconnect(actor.UserID, now)
			r.commit(ctx, nil, r.reconnectEvent(rec, now))
			r.logger.Info("用户重新加入房间", zap.String("user_id", actor.UserID), zap.String("entity_id", entityID))
			return r.joinResult(rec), nil
		}
		if rec.IsConnected {
			return nil, apperrors.Newf(apperrors.ErrAlreadyJoined, "已控制实体 %s", rec.EntityID)
		}
	} else if r.presence.Count() >= r.settings.MaxParticipants && r.settings.MaxParticipants > 0 {
		return nil, apperrors.New(apperrors.ErrRoomFull)
	}

	if entityID != "" {
		if other, ok := r.presence.Controller(entityID); ok && other.UserID != actor.UserID {
			return nil, apperrors.Newf(apperrors.ErrAlreadyJoined, "实体 %s 已被其他用户控制", entityID)
		}
	}

	next, err := r.mutate(func(next *GameState) error {
		if entityID == "" {
			return nil
		}
		p, exists := next.Participants[entityID]
		if !exists {
			if def == nil {
				// 锁外读取后被并发移除的情况
				return apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", entityID)
			}
			p = seedParticipant(def, entityType)
			next.Participants[entityID] = p
		}
		if entityType != "" && p.EntityType != entityType {
			return apperrors.Newf(apperrors.ErrInvalidParam, "实体 %s 类型为 %s", entityID, p.EntityType)
		}
		if !actor.IsDM() {
			if p.UserID != "" && p.UserID != actor.UserID {
				return apperrors.Newf(apperrors.ErrAlreadyJoined, "实体 %s 属于其他用户", entityID)
			}
			p.UserID = actor.UserID
			if i := next.initiativeIndex(entityID); i >= 0 {
				next.InitiativeOrder[i].UserID = actor.UserID
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	kind := entityType
	if p, ok := next.Participants[entityID]; ok {
		kind = p.EntityType
	}
	rec := r.presence.join(actor, entityID, kind, now)
	r.commit(ctx, next, ParticipantJoined{
		roomEvent:        newRoomEvent(r.id, now),
		UserID:           actor.UserID,
		EntityID:         entityID,
		EntityType:       kind,
		ParticipantCount: r.presence.Count(),
	})

	r.logger.Info("用户加入房间",
		zap.String("user_id", actor.UserID),
		zap.String("entity_id", entityID),
		zap.Int("participant_count", r.presence.Count()))
	return r.joinResult(rec), nil
}

func (r *Room) joinResult(rec *Participant) *JoinResult {
	state := r.state.Clone()
	state.ChatLog = visibleChat(state.ChatLog, Actor{UserID: rec.UserID, Role: rec.Role})
	return &JoinResult{
		RoomID:           r.id,
		ConnectionID:     rec.ConnectionID,
		ParticipantCount: r.presence.Count(),
		GameState:        state,
	}
}

// Leave 离开房间：标记离线并关闭该用户的订阅，保留参与者的游戏数据
func (r *Room) Leave(ctx context.Context, actor Actor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	rec, ok := r.presence.leave(actor.UserID, now)
	if !ok {
		return apperrors.New(apperrors.ErrNotParticipant)
	}
	r.commit(ctx, nil, ParticipantLeft{
		roomEvent:        newRoomEvent(r.id, now),
		UserID:           rec.UserID,
		EntityID:         rec.EntityID,
		ParticipantCount: r.presence.Count(),
	})
	closed := r.bus.CloseUser(actor.UserID, CloseReasonLeft)
	r.logger.Info("用户离开房间", zap.String("user_id", actor.UserID), zap.Int("closed_subscriptions", closed))
	return nil
}

// Connect 建立实时连接，返回新的连接ID。DM未加入时自动加入。
func (r *Room) Connect(ctx context.Context, actor Actor) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return "", err
	}
	now := r.now()
	rec, wasOffline := r.presence.reconnect(actor.UserID, now)
	if rec == nil {
		if !actor.IsDM() {
			return "", apperrors.New(apperrors.ErrNotParticipant, "请先加入房间")
		}
		if r.presence.Count() >= r.settings.MaxParticipants && r.settings.MaxParticipants > 0 {
			return "", apperrors.New(apperrors.ErrRoomFull)
		}
		rec = r.presence.join(actor, "", "", now)
		r.commit(ctx, nil, ParticipantJoined{
			roomEvent:        newRoomEvent(r.id, now),
			UserID:           actor.UserID,
			ParticipantCount: r.presence.Count(),
		})
		return rec.ConnectionID, nil
	}
	if wasOffline {
		r.commit(ctx, nil, r.reconnectEvent(rec, now))
	} else {
		r.publishView()
	}
	return rec.ConnectionID, nil
}

func (r *Room) reconnectEvent(rec *Participant, now time.Time) Event {
	if rec.Role == RoleDM {
		return DMReconnected{eventTime: eventTime{now}, UserID: rec.UserID, ConnectionID: rec.ConnectionID}
	}
	return PlayerReconnected{eventTime: eventTime{now}, UserID: rec.UserID, EntityID: rec.EntityID, ConnectionID: rec.ConnectionID}
}

// Disconnect 传输层断开。连接ID过期时忽略；DM断线可触发自动暂停。
func (r *Room) Disconnect(ctx context.Context, userID, connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disconnectLocked(ctx, userID, connectionID)
}

func (r *Room) disconnectLocked(ctx context.Context, userID, connectionID string) {
	rec, ok := r.presence.disconnect(userID, connectionID)
	if !ok {
		return
	}
	now := r.now()

	if rec.Role != RoleDM {
		r.commit(ctx, nil, PlayerDisconnected{eventTime: eventTime{now}, UserID: rec.UserID, EntityID: rec.EntityID})
		r.logger.Info("玩家断开连接", zap.String("user_id", userID))
		return
	}

	events := []Event{DMDisconnected{eventTime: eventTime{now}, UserID: rec.UserID}}
	var next *GameState
	if r.settings.PauseOnDMDisconnect && r.state.Status == StatusActive && r.presence.ConnectedDMs() == 0 {
		paused, err := r.mutate(func(next *GameState) error {
			return pauseState(next, dmLeftReason, now)
		})
		if err == nil {
			next = paused
			events = append(events, InteractionPaused{roomEvent: newRoomEvent(r.id, now), Reason: dmLeftReason, UserID: userID})
		}
	}
	r.commit(ctx, next, events...)
	r.logger.Info("DM断开连接", zap.String("user_id", userID), zap.Bool("paused", next != nil))
}

// ExpireIdle 将长时间无活动的在线用户标记为离线
func (r *Room) ExpireIdle(ctx context.Context, now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := r.settings.ParticipantIdleTimeout
	if timeout <= 0 {
		return 0
	}
	idle := r.presence.idle(now, timeout)
	for _, rec := range idle {
		r.disconnectLocked(ctx, rec.UserID, rec.ConnectionID)
	}
	return len(idle)
}

// Touch 刷新用户活跃时间（连接心跳）
func (r *Room) Touch(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presence.touch(userID, r.now())
}

// Subscribe 订阅房间事件
func (r *Room) Subscribe(actor Actor) (*Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.presence.Get(actor.UserID); !ok && !actor.IsDM() {
		return nil, apperrors.New(apperrors.ErrNotParticipant)
	}
	sub, ok := r.bus.Subscribe(actor.UserID, actor.IsDM())
	if !ok {
		return nil, apperrors.New(apperrors.ErrRoomClosed)
	}
	return sub, nil
}

// Close 关闭房间：发送终止事件并释放所有订阅
func (r *Room) Close(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return
	}
	r.closed = true
	for _, rec := range r.presence.List() {
		r.presence.disconnect(rec.UserID, "")
	}
	r.publishView()
	r.bus.Close(RoomClosed{roomEvent: newRoomEvent(r.id, r.now()), Reason: reason})
	logger.LogRoomEvent(string(EventRoomClosed), r.id, map[string]interface{}{"reason": reason})
}

// ---------------------------------------------------------------------------
// 遭遇生命周期（DM）

// Pause 暂停遭遇
func (r *Room) Pause(ctx context.Context, actor Actor, reason string) (string, error) {
	if err := requireDM(actor); err != nil {
		return "", err
	}
	if reason == "" {
		reason = defaultPauseReason
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.presence.touch(actor.UserID, r.now())
	next, err := r.mutate(func(next *GameState) error {
		return pauseState(next, reason, r.now())
	})
	if err != nil {
		return "", err
	}
	r.commit(ctx, next, InteractionPaused{roomEvent: newRoomEvent(r.id, r.now()), Reason: reason, UserID: actor.UserID})
	return reason, nil
}

func pauseState(next *GameState, reason string, now time.Time) error {
	to, err := nextStatus(next, EventPause)
	if err != nil {
		return err
	}
	next.PausedFrom = next.Status
	next.PauseReason = reason
	next.PausedAt = &now
	next.Status = to
	return nil
}

// resumeTurnClock 顺延当前回合的开始时间，暂停期间不计入回合时限
func resumeTurnClock(next *GameState, now time.Time) {
	if next.ActiveTurn != nil {
		if next.PausedAt != nil && !next.PausedAt.After(now) {
			next.ActiveTurn.StartTime = next.ActiveTurn.StartTime.Add(now.Sub(*next.PausedAt))
		} else {
			next.ActiveTurn.StartTime = now
		}
	}
	next.PausedAt = nil
}

// Resume 恢复遭遇
func (r *Room) Resume(ctx context.Context, actor Actor) error {
	if err := requireDM(actor); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.presence.touch(actor.UserID, now)
	next, err := r.mutate(func(next *GameState) error {
		to, err := nextStatus(next, EventResume)
		if err != nil {
			return err
		}
		next.Status = to
		next.PausedFrom = ""
		next.PauseReason = ""
		resumeTurnClock(next, now)
		return nil
	})
	if err != nil {
		return err
	}
	r.commit(ctx, next, InteractionResumed{roomEvent: newRoomEvent(r.id, r.now()), Status: next.Status, UserID: actor.UserID})
	return nil
}

// Start 开始遭遇，打开第一个回合
func (r *Room) Start(ctx context.Context, actor Actor) (*GameState, error) {
	if err := requireDM(actor); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.presence.touch(actor.UserID, now)
	next, err := r.mutate(func(next *GameState) error {
		if len(next.InitiativeOrder) == 0 {
			return apperrors.New(apperrors.ErrInitiativeEmpty)
		}
		to, err := nextStatus(next, EventStart)
		if err != nil {
			return err
		}
		next.Status = to
		next.CurrentTurnIndex = 0
		openTurn(next, now)
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.commit(ctx, next, r.turnStarted(next, now))
	r.logger.Info("遭遇开始", zap.Int("initiative_size", len(next.InitiativeOrder)))
	return next.Clone(), nil
}

// Complete 结束遭遇，之后房间由注册表移除
func (r *Room) Complete(ctx context.Context, actor Actor) error {
	if err := requireDM(actor); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next, err := r.mutate(func(next *GameState) error {
		to, err := nextStatus(next, EventComplete)
		if err != nil {
			return err
		}
		next.Status = to
		next.PausedFrom = ""
		next.PausedAt = nil
		if next.ActiveTurn != nil {
			finishTurn(next, RecordCompleted, "遭遇结束", r.now())
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.commit(ctx, next)
	r.logger.Info("遭遇结束", zap.Int("turns", len(next.TurnHistory)))
	return nil
}

// UpdateInitiative 替换先攻顺序（按先攻值降序，相同值保持输入顺序）
func (r *Room) UpdateInitiative(ctx context.Context, actor Actor, entries []InitiativeEntry) (*GameState, error) {
	if err := requireDM(actor); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		if e.EntityID == "" {
			return nil, apperrors.New(apperrors.ErrInvalidParam, "实体ID不能为空")
		}
		if seen[e.EntityID] {
			return nil, apperrors.Newf(apperrors.ErrInvalidParam, "实体重复: %s", e.EntityID)
		}
		if e.EntityType != "" && !e.EntityType.Valid() {
			return nil, apperrors.Newf(apperrors.ErrInvalidParam, "未知的实体类型: %s", e.EntityType)
		}
		seen[e.EntityID] = true
	}

	// 锁外加载尚未入场的实体
	known := r.view.Load().state.Participants
	defs := make(map[string]*ParticipantState)
	for _, e := range entries {
		if _, ok := known[e.EntityID]; ok {
			continue
		}
		if r.deps.Entities == nil {
			return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", e.EntityID)
		}
		def, err := r.deps.Entities.LoadEntity(ctx, e.EntityID)
		if err != nil {
			return nil, err
		}
		defs[e.EntityID] = def
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	now := r.now()
	r.presence.touch(actor.UserID, now)

	var events []Event
	next, err := r.mutate(func(next *GameState) error {
		order := make([]InitiativeEntry, len(entries))
		copy(order, entries)
		sortInitiative(order)

		for i := range order {
			p, ok := next.Participants[order[i].EntityID]
			if !ok {
				def := defs[order[i].EntityID]
				if def == nil {
					return apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", order[i].EntityID)
				}
				p = seedParticipant(def, order[i].EntityType)
				next.Participants[p.EntityID] = p
			}
			if order[i].EntityType == "" {
				order[i].EntityType = p.EntityType
			}
			if order[i].UserID == "" {
				order[i].UserID = p.UserID
			}
		}

		var currentID string
		if cur, ok := next.CurrentEntry(); ok {
			currentID = cur.EntityID
		}
		next.InitiativeOrder = order

		if next.ActiveTurn == nil {
			next.CurrentTurnIndex = 0
			return nil
		}
		if i := next.initiativeIndex(currentID); i >= 0 {
			next.CurrentTurnIndex = i
			return nil
		}
		// 当前实体被移出先攻顺序：结束其回合并从本轮首位重新开始
		rec := finishTurn(next, RecordSkipped, "先攻顺序变更", now)
		events = append(events, TurnSkipped{
			roomEvent:  newRoomEvent(r.id, now),
			EntityID:   rec.EntityID,
			TurnNumber: rec.TurnNumber,
			Status:     rec.Status,
			Reason:     rec.Reason,
		})
		next.CurrentTurnIndex = 0
		if len(order) == 0 {
			return apperrors.New(apperrors.ErrInitiativeEmpty, "进行中的遭遇不能清空先攻顺序")
		}
		openTurn(next, now)
		events = append(events, r.turnStarted(next, now))
		return nil
	})
	if err != nil {
		return nil, err
	}

	events = append([]Event{InitiativeUpdated{
		roomEvent:        newRoomEvent(r.id, now),
		InitiativeOrder:  next.InitiativeOrder,
		CurrentTurnIndex: next.CurrentTurnIndex,
	}}, events...)
	r.commit(ctx, next, events...)
	return next.Clone(), nil
}

// ---------------------------------------------------------------------------
// 回合控制

// TakeTurn 执行当前实体的行动。校验失败不修改任何状态。
func (r *Room) TakeTurn(ctx context.Context, actor Actor, action TurnAction) (*TurnResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := requireActive(r.state); err != nil {
		return nil, err
	}
	current, ok := r.state.CurrentEntry()
	if !ok {
		return nil, apperrors.New(apperrors.ErrInitiativeEmpty)
	}
	if action.EntityID != current.EntityID || !r.canControl(r.state, actor, current.EntityID) {
		return nil, apperrors.Newf(apperrors.ErrNotYourTurn, "当前行动实体为 %s", current.EntityID)
	}

	now := r.now()
	r.presence.touch(actor.UserID, now)

	result := r.validator.Validate(r.state, action)
	if !result.Valid {
		r.logger.Debug("行动校验未通过",
			zap.String("entity_id", action.EntityID),
			zap.String("type", string(action.Type)),
			zap.Int("errors", len(result.Errors)))
		return &TurnResult{Success: false, Result: result}, nil
	}

	var events []Event
	next, err := r.mutate(func(next *GameState) error {
		if next.ActiveTurn == nil || next.ActiveTurn.EntityID != action.EntityID {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "当前回合与先攻指针不一致: %s", action.EntityID)
		}
		if err := applyAction(next, action); err != nil {
			return err
		}
		next.ActiveTurn.Actions = append(next.ActiveTurn.Actions, action.Clone())

		if action.Type == ActionEnd {
			rec := finishTurn(next, RecordCompleted, "", now)
			advanceTurn(next, now)
			events = append(events,
				TurnCompleted{roomEvent: newRoomEvent(r.id, now), Record: rec},
				r.turnStarted(next, now))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.commit(ctx, next, events...)
	r.logger.Debug("行动已执行",
		zap.String("entity_id", action.EntityID),
		zap.String("type", string(action.Type)))
	return &TurnResult{Success: true, Result: result, GameState: r.stateFor(actor)}, nil
}

// SkipTurn 跳过当前回合
func (r *Room) SkipTurn(ctx context.Context, actor Actor, reason string) (*GameState, error) {
	if reason == "" {
		reason = defaultSkipReason
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := requireActive(r.state); err != nil {
		return nil, err
	}
	if _, joined := r.presence.Get(actor.UserID); !joined && !actor.IsDM() {
		return nil, apperrors.New(apperrors.ErrUnauthorized, "不是房间参与者")
	}
	current, ok := r.state.CurrentEntry()
	if !ok {
		return nil, apperrors.New(apperrors.ErrInitiativeEmpty)
	}
	if !r.canControl(r.state, actor, current.EntityID) {
		return nil, apperrors.Newf(apperrors.ErrNotYourTurn, "当前行动实体为 %s", current.EntityID)
	}

	if err := r.endTurnLocked(ctx, RecordSkipped, reason); err != nil {
		return nil, err
	}
	r.presence.touch(actor.UserID, r.now())
	return r.stateFor(actor), nil
}

// TimeoutTurn 回合超时（由外部计时触发）。turnNumber 不是当前回合时返回 TurnNotFound。
func (r *Room) TimeoutTurn(ctx context.Context, turnNumber int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := requireActive(r.state); err != nil {
		return err
	}
	if r.state.ActiveTurn == nil || r.state.ActiveTurn.TurnNumber != turnNumber {
		return apperrors.Newf(apperrors.ErrTurnNotFound, "回合 %d 不是当前回合", turnNumber)
	}
	return r.endTurnLocked(ctx, RecordTimeout, timeoutReason)
}

func (r *Room) endTurnLocked(ctx context.Context, status RecordStatus, reason string) error {
	now := r.now()
	var events []Event
	next, err := r.mutate(func(next *GameState) error {
		if next.ActiveTurn == nil {
			return apperrors.New(apperrors.ErrInvariantViolation, "进行中的遭遇没有当前回合")
		}
		rec := finishTurn(next, status, reason, now)
		advanceTurn(next, now)
		events = append(events,
			TurnSkipped{
				roomEvent:  newRoomEvent(r.id, now),
				EntityID:   rec.EntityID,
				TurnNumber: rec.TurnNumber,
				Status:     status,
				Reason:     reason,
			},
			r.turnStarted(next, now))
		return nil
	})
	if err != nil {
		return err
	}
	r.commit(ctx, next, events...)
	r.logger.Info("回合被跳过", zap.String("status", string(status)), zap.String("reason", reason))
	return nil
}

// BacktrackTurn 回溯到 targetTurn 开始时的状态（DM）
func (r *Room) BacktrackTurn(ctx context.Context, actor Actor, targetTurn int, reason string) (*BacktrackResult, error) {
	if err := requireDM(actor); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if err := requireActive(r.state); err != nil {
		return nil, err
	}
	pos := -1
	for i, rec := range r.state.TurnHistory {
		if rec.TurnNumber == targetTurn {
			pos = i
			break
		}
	}
	if pos < 0 || targetTurn > r.state.LastTurnNumber() {
		return nil, apperrors.Newf(apperrors.ErrTurnNotFound, "回合 %d 不在历史记录中", targetTurn)
	}
	cp, ok := r.checkpoints[targetTurn]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrTurnNotFound, "回合 %d 没有可用的检查点", targetTurn)
	}

	now := r.now()
	r.presence.touch(actor.UserID, now)
	result := &BacktrackResult{TargetTurn: targetTurn, Reason: reason}

	next, err := r.mutate(func(next *GameState) error {
		target := next.TurnHistory[pos]
		oldLen := len(next.TurnHistory)
		next.TurnHistory = next.TurnHistory[:pos]
		result.RemovedTurns = oldLen - len(next.TurnHistory)

		// 由保留的历史和先攻顺序重新计算指针，并与检查点交叉验证
		index := -1
		for i, e := range cp.InitiativeOrder {
			if e.EntityID == target.EntityID {
				index = i
				break
			}
		}
		if index < 0 {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "回合 %d 的实体 %s 不在先攻顺序中", targetTurn, target.EntityID)
		}
		if cp.ActiveTurn == nil || cp.ActiveTurn.TurnNumber != targetTurn ||
			cp.CurrentTurnIndex != index || cp.RoundNumber != target.RoundNumber {
			return apperrors.Newf(apperrors.ErrInvariantViolation,
				"回溯目标与检查点不一致: turn=%d index=%d/%d round=%d/%d",
				targetTurn, index, cp.CurrentTurnIndex, target.RoundNumber, cp.RoundNumber)
		}
		if n := len(next.TurnHistory); n > 0 && next.TurnHistory[n-1].TurnNumber != targetTurn-1 {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "回合历史不连续: %d", next.TurnHistory[n-1].TurnNumber)
		}

		restored := cloneParticipants(cp.Participants)
		// 检查点之后才加入的实体保持原样
		for id, p := range next.Participants {
			if _, ok := restored[id]; !ok {
				restored[id] = p
			}
		}
		next.Participants = restored
		next.MapState = cp.MapState.Clone()
		next.InitiativeOrder = append([]InitiativeEntry(nil), cp.InitiativeOrder...)
		next.CurrentTurnIndex = index
		next.RoundNumber = target.RoundNumber
		active := cp.ActiveTurn.Clone()
		active.StartTime = now
		next.ActiveTurn = &active
		next.NextTurnNumber = cp.NextTurnNumber

		result.TargetRound = next.RoundNumber
		return nil
	})
	if err != nil {
		return nil, err
	}

	for turn := range r.checkpoints {
		if turn > targetTurn {
			delete(r.checkpoints, turn)
		}
	}
	r.commit(ctx, next, TurnBacktracked{
		roomEvent:    newRoomEvent(r.id, now),
		TargetTurn:   targetTurn,
		TargetRound:  result.TargetRound,
		RemovedTurns: result.RemovedTurns,
		DMUserID:     actor.UserID,
		Reason:       reason,
	}, r.turnStarted(next, now))
	// 回溯后的状态作为该回合新的检查点
	r.saveCheckpoint(next)

	r.logger.Info("回合已回溯",
		zap.Int("turn_number", targetTurn),
		zap.Int("removed_turns", result.RemovedTurns),
		zap.String("dm_user_id", actor.UserID))
	return result, nil
}

// saveCheckpoint 记录当前回合的检查点，并淘汰超出保留上限的旧回合
func (r *Room) saveCheckpoint(state *GameState) {
	turn := state.ActiveTurn.TurnNumber
	r.checkpoints[turn] = newCheckpoint(state)
	for t := range r.checkpoints {
		if t <= turn-maxCheckpoints {
			delete(r.checkpoints, t)
		}
	}
}

func (r *Room) turnStarted(state *GameState, now time.Time) TurnStarted {
	e := TurnStarted{roomEvent: newRoomEvent(r.id, now)}
	if state.ActiveTurn != nil {
		e.EntityID = state.ActiveTurn.EntityID
		e.TurnNumber = state.ActiveTurn.TurnNumber
		e.RoundNumber = state.ActiveTurn.RoundNumber
	}
	e.TimeLimit = r.settings.TurnTimeLimit.Milliseconds()
	return e
}

func (r *Room) stateFor(actor Actor) *GameState {
	state := r.state.Clone()
	state.ChatLog = visibleChat(state.ChatLog, actor)
	return state
}

// ---------------------------------------------------------------------------
// 聊天

// SendMessage 发送聊天消息
func (r *Room) SendMessage(ctx context.Context, actor Actor, req ChatRequest) (*ChatMessage, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}
	if _, joined := r.presence.Get(actor.UserID); !joined && !actor.IsDM() {
		return nil, apperrors.New(apperrors.ErrNotParticipant)
	}
	if req.EntityID != "" {
		if _, ok := r.state.Participants[req.EntityID]; !ok {
			return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", req.EntityID)
		}
		if !r.canControl(r.state, actor, req.EntityID) {
			return nil, apperrors.Newf(apperrors.ErrUnauthorized, "不能以 %s 的身份发言", req.EntityID)
		}
	}

	now := r.now()
	msg, err := newChatMessage(actor, req, now)
	if err != nil {
		return nil, err
	}
	r.presence.touch(actor.UserID, now)

	next, err := r.mutate(func(next *GameState) error {
		next.ChatLog = append(next.ChatLog, msg)
		if limit := r.settings.ChatMaxLog; limit > 0 && len(next.ChatLog) > limit {
			next.ChatLog = append([]ChatMessage(nil), next.ChatLog[len(next.ChatLog)-limit:]...)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.commit(ctx, next, ChatMessageSent{roomEvent: newRoomEvent(r.id, now), Message: msg})
	return &msg, nil
}

// String 实现 fmt.Stringer
func (r *Room) String() string {
	return fmt.Sprintf("Room(%s)", r.id)
}

// computeDelta 比较两次提交之间的变化
func computeDelta(prev, next *GameState, now time.Time) StateDelta {
	d := StateDelta{roomEvent: newRoomEvent(next.InteractionID, now)}
	if prev.Status != next.Status {
		d.Status = next.Status
	}
	if prev.CurrentTurnIndex != next.CurrentTurnIndex {
		v := next.CurrentTurnIndex
		d.CurrentTurnIndex = &v
	}
	if prev.RoundNumber != next.RoundNumber {
		v := next.RoundNumber
		d.RoundNumber = &v
	}
	for id, p := range next.Participants {
		if old, ok := prev.Participants[id]; !ok || !reflect.DeepEqual(old, p) {
			if d.Participants == nil {
				d.Participants = make(map[string]*ParticipantState)
			}
			d.Participants[id] = p
		}
	}
	for id := range prev.Participants {
		if _, ok := next.Participants[id]; !ok {
			d.RemovedEntities = append(d.RemovedEntities, id)
		}
	}
	if !reflect.DeepEqual(prev.MapState, next.MapState) {
		m := next.MapState
		d.MapState = &m
	}
	if !reflect.DeepEqual(prev.ActiveTurn, next.ActiveTurn) {
		d.ActiveTurn = next.ActiveTurn
	}
	if !reflect.DeepEqual(prev.InitiativeOrder, next.InitiativeOrder) {
		d.InitiativeOrder = next.InitiativeOrder
	}
	switch {
	case len(next.TurnHistory) > len(prev.TurnHistory):
		d.AppendedTurns = next.TurnHistory[len(prev.TurnHistory):]
	case len(next.TurnHistory) < len(prev.TurnHistory):
		v := len(next.TurnHistory)
		d.TurnHistoryLength = &v
	}
	return d
}
