package game

import (
	"context"
	"time"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"go.uber.org/zap"
)

const recoveredPauseReason = "服务重启后恢复，等待DM继续"

// RecoveryManager 从快照恢复房间状态
type RecoveryManager struct {
	logger *zap.Logger
	store  SnapshotStore
	maxAge time.Duration // 快照最长保留时间，0 表示不限
}

// NewRecoveryManager 创建恢复管理器
func NewRecoveryManager(logger *zap.Logger, store SnapshotStore, maxAge time.Duration) *RecoveryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RecoveryManager{
		logger: logger,
		store:  store,
		maxAge: maxAge,
	}
}

// Recover 加载并修正快照，返回 ErrNotFound 表示没有可恢复的状态
func (rm *RecoveryManager) Recover(ctx context.Context, interactionID string, now time.Time) (*GameState, error) {
	if rm.store == nil {
		return nil, apperrors.New(apperrors.ErrNotFound)
	}
	state, err := rm.store.Load(ctx, interactionID)
	if err != nil {
		return nil, err
	}

	if state.Status == StatusCompleted {
		rm.discard(ctx, interactionID, "遭遇已结束")
		return nil, apperrors.Newf(apperrors.ErrNotFound, "遭遇已结束: %s", interactionID)
	}
	if rm.maxAge > 0 && now.Sub(state.Timestamp) > rm.maxAge {
		rm.logger.Warn("快照已过期",
			zap.String("interaction_id", interactionID),
			zap.Time("timestamp", state.Timestamp),
			zap.Duration("max_age", rm.maxAge))
		rm.discard(ctx, interactionID, "快照过期")
		return nil, apperrors.Newf(apperrors.ErrNotFound, "快照已过期: %s", interactionID)
	}

	strategy := rm.getRecoveryStrategy(state.Status)
	if err := strategy(state); err != nil {
		rm.discard(ctx, interactionID, "快照不一致")
		return nil, err
	}

	rm.logger.Info("房间状态恢复成功",
		zap.String("interaction_id", interactionID),
		zap.String("status", string(state.Status)),
		zap.Int("turns", len(state.TurnHistory)))
	return state, nil
}

func (rm *RecoveryManager) discard(ctx context.Context, interactionID, reason string) {
	if err := rm.store.Delete(ctx, interactionID); err != nil {
		rm.logger.Error("删除快照失败", zap.String("interaction_id", interactionID), zap.Error(err))
		return
	}
	rm.logger.Info("丢弃快照", zap.String("interaction_id", interactionID), zap.String("reason", reason))
}

// getRecoveryStrategy 根据状态获取恢复策略
func (rm *RecoveryManager) getRecoveryStrategy(status InteractionStatus) func(*GameState) error {
	strategies := map[InteractionStatus]func(*GameState) error{
		StatusWaiting: rm.recoverWaiting,
		StatusActive:  rm.recoverActive,
		StatusPaused:  rm.recoverPaused,
	}
	if strategy, exists := strategies[status]; exists {
		return strategy
	}
	return rm.recoverWaiting
}

// recoverWaiting 等待状态只需补全结构
func (rm *RecoveryManager) recoverWaiting(state *GameState) error {
	normalize(state)
	state.Status = StatusWaiting
	state.ActiveTurn = nil
	state.CurrentTurnIndex = 0
	return nil
}

// recoverActive 进行中的遭遇恢复为暂停，由DM确认后继续
func (rm *RecoveryManager) recoverActive(state *GameState) error {
	if err := rm.checkTurns(state); err != nil {
		return err
	}
	state.PausedFrom = StatusActive
	state.PauseReason = recoveredPauseReason
	state.Status = StatusPaused
	// 停机期间不计入回合时限
	if !state.Timestamp.IsZero() {
		pausedAt := state.Timestamp
		state.PausedAt = &pausedAt
	}
	return nil
}

// recoverPaused 暂停状态保持暂停
func (rm *RecoveryManager) recoverPaused(state *GameState) error {
	if state.PausedFrom == StatusActive {
		return rm.checkTurns(state)
	}
	return rm.recoverWaiting(state)
}

// checkTurns 校验回合历史连续且当前回合与先攻指针一致
func (rm *RecoveryManager) checkTurns(state *GameState) error {
	normalize(state)
	for i := 1; i < len(state.TurnHistory); i++ {
		if state.TurnHistory[i].TurnNumber != state.TurnHistory[i-1].TurnNumber+1 {
			return apperrors.Newf(apperrors.ErrInvariantViolation, "回合历史不连续: %d", state.TurnHistory[i].TurnNumber)
		}
	}
	entry, ok := state.CurrentEntry()
	if !ok || state.ActiveTurn == nil || state.ActiveTurn.EntityID != entry.EntityID {
		return apperrors.New(apperrors.ErrInvariantViolation, "当前回合与先攻指针不一致")
	}
	if state.ActiveTurn.TurnNumber != state.LastTurnNumber()+1 && len(state.TurnHistory) > 0 {
		return apperrors.Newf(apperrors.ErrInvariantViolation, "当前回合号 %d 与历史不连续", state.ActiveTurn.TurnNumber)
	}
	if state.NextTurnNumber <= state.ActiveTurn.TurnNumber {
		state.NextTurnNumber = state.ActiveTurn.TurnNumber + 1
	}
	return nil
}

// normalize 补全反序列化后缺失的集合字段
func normalize(state *GameState) {
	if state.Participants == nil {
		state.Participants = make(map[string]*ParticipantState)
	}
	if state.InitiativeOrder == nil {
		state.InitiativeOrder = []InitiativeEntry{}
	}
	if state.TurnHistory == nil {
		state.TurnHistory = []TurnRecord{}
	}
	if state.ChatLog == nil {
		state.ChatLog = []ChatMessage{}
	}
	if state.RoundNumber < 1 {
		state.RoundNumber = 1
	}
	if state.NextTurnNumber < 1 {
		state.NextTurnNumber = state.LastTurnNumber() + 1
	}
}
