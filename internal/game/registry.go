package game

import (
	"context"
	"sort"
	"sync"
	"time"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"go.uber.org/zap"
)

// 房间关闭原因
const (
	RemoveReasonInactive  = "inactive"
	RemoveReasonCompleted = "completed"
	RemoveReasonShutdown  = "shutdown"
	RemoveReasonExplicit  = "removed"
)

// RegistryConfig 注册表配置
type RegistryConfig struct {
	Settings Settings
	Deps     Dependencies
	// SnapshotMaxAge 恢复时快照的最长有效期，0 表示不限
	SnapshotMaxAge time.Duration
}

// Registry 进程内的房间表
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]*Room
	settings  Settings
	deps      Dependencies
	recovery  *RecoveryManager
	logger    *zap.Logger
	startTime time.Time
}

// Stats 注册表统计
type Stats struct {
	ActiveRooms       int     `json:"activeRooms"`
	TotalParticipants int     `json:"totalParticipants"`
	Uptime            float64 `json:"uptime"` // 秒
}

// SweepResult 一次清理的结果
type SweepResult struct {
	IdleParticipants int      `json:"idleParticipants"`
	TimedOutTurns    int      `json:"timedOutTurns"`
	RemovedRooms     []string `json:"removedRooms"`
}

// NewRegistry 创建注册表
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.Deps.Logger == nil {
		cfg.Deps.Logger = zap.NewNop()
	}
	if cfg.Deps.Clock == nil {
		cfg.Deps.Clock = time.Now
	}
	return &Registry{
		rooms:     make(map[string]*Room),
		settings:  cfg.Settings,
		deps:      cfg.Deps,
		recovery:  NewRecoveryManager(cfg.Deps.Logger, cfg.Deps.Store, cfg.SnapshotMaxAge),
		logger:    cfg.Deps.Logger,
		startTime: cfg.Deps.Clock(),
	}
}

// GetOrCreateRoom 获取房间，不存在时先尝试从快照恢复，再新建
func (g *Registry) GetOrCreateRoom(ctx context.Context, interactionID string) (*Room, error) {
	if interactionID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "遭遇ID不能为空")
	}

	g.mu.RLock()
	room, exists := g.rooms[interactionID]
	g.mu.RUnlock()
	if exists {
		return room, nil
	}

	// 锁外读取快照
	var restored *GameState
	if g.deps.Store != nil {
		state, err := g.recovery.Recover(ctx, interactionID, g.deps.Clock())
		switch {
		case err == nil:
			restored = state
		case !apperrors.Is(err, apperrors.ErrNotFound):
			g.logger.Warn("恢复房间失败，创建新房间",
				zap.String("interaction_id", interactionID),
				zap.Error(err))
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if room, exists := g.rooms[interactionID]; exists {
		return room, nil
	}
	room = NewRoom(interactionID, restored, g.settings, g.deps)
	g.rooms[interactionID] = room

	g.logger.Info("创建房间",
		zap.String("interaction_id", interactionID),
		zap.Bool("restored", restored != nil),
		zap.Int("active_rooms", len(g.rooms)))
	return room, nil
}

// Room 查找房间
func (g *Registry) Room(interactionID string) (*Room, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	room, exists := g.rooms[interactionID]
	if !exists {
		return nil, apperrors.Newf(apperrors.ErrRoomNotFound, "房间不存在: %s", interactionID)
	}
	return room, nil
}

// RemoveRoom 移除房间：先通知订阅者再释放连接
func (g *Registry) RemoveRoom(interactionID, reason string) error {
	g.mu.Lock()
	room, exists := g.rooms[interactionID]
	if exists {
		delete(g.rooms, interactionID)
	}
	g.mu.Unlock()

	if !exists {
		return apperrors.Newf(apperrors.ErrRoomNotFound, "房间不存在: %s", interactionID)
	}
	room.Close(reason)

	g.logger.Info("移除房间",
		zap.String("interaction_id", interactionID),
		zap.String("reason", reason))
	return nil
}

// CompleteInteraction 结束遭遇并移除房间
func (g *Registry) CompleteInteraction(ctx context.Context, actor Actor, interactionID string) error {
	room, err := g.Room(interactionID)
	if err != nil {
		return err
	}
	if err := room.Complete(ctx, actor); err != nil {
		return err
	}
	return g.RemoveRoom(interactionID, RemoveReasonCompleted)
}

// Sweep 清理任务：空闲用户离线、回合超时、移除无人在线的房间
func (g *Registry) Sweep(ctx context.Context, now time.Time) SweepResult {
	g.mu.RLock()
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	settings := g.settings
	g.mu.RUnlock()

	result := SweepResult{RemovedRooms: []string{}}
	for _, room := range rooms {
		result.IdleParticipants += room.ExpireIdle(ctx, now)

		if turn, deadline, ok := room.TurnDeadline(); ok && !now.Before(deadline) {
			if err := room.TimeoutTurn(ctx, turn); err == nil {
				result.TimedOutTurns++
			} else {
				g.logger.Debug("回合超时处理跳过",
					zap.String("interaction_id", room.ID()),
					zap.Int("turn_number", turn),
					zap.Error(err))
			}
		}

		idleSince := room.IdleSince()
		if settings.InactivityTimeout > 0 && !idleSince.IsZero() && now.Sub(idleSince) > settings.InactivityTimeout {
			if err := g.RemoveRoom(room.ID(), RemoveReasonInactive); err == nil {
				result.RemovedRooms = append(result.RemovedRooms, room.ID())
			}
		}
	}

	if len(result.RemovedRooms) > 0 || result.TimedOutTurns > 0 || result.IdleParticipants > 0 {
		g.logger.Info("房间清理完成",
			zap.Int("idle_participants", result.IdleParticipants),
			zap.Int("timed_out_turns", result.TimedOutTurns),
			zap.Strings("removed_rooms", result.RemovedRooms))
	}
	return result
}

// StartCleanupTask 启动清理任务
func (g *Registry) StartCleanupTask(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				g.logger.Info("停止房间清理任务")
				return
			case <-ticker.C:
				g.Sweep(ctx, g.deps.Clock())
			}
		}
	}()
}

// UpdateSettings 热更新房间参数（新旧房间都生效）
func (g *Registry) UpdateSettings(s Settings) {
	g.mu.Lock()
	g.settings = s
	rooms := make([]*Room, 0, len(g.rooms))
	for _, room := range g.rooms {
		rooms = append(rooms, room)
	}
	g.mu.Unlock()

	for _, room := range rooms {
		room.UpdateSettings(s)
	}
	g.logger.Info("房间参数已更新",
		zap.Int("max_participants", s.MaxParticipants),
		zap.Duration("inactivity_timeout", s.InactivityTimeout))
}

// Settings 当前房间参数
func (g *Registry) Settings() Settings {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.settings
}

// Stats 获取统计
func (g *Registry) Stats() Stats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := Stats{
		ActiveRooms: len(g.rooms),
		Uptime:      g.deps.Clock().Sub(g.startTime).Seconds(),
	}
	for _, room := range g.rooms {
		stats.TotalParticipants += room.ConnectedCount()
	}
	return stats
}

// RoomIDs 当前所有房间ID
func (g *Registry) RoomIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	ids := make([]string, 0, len(g.rooms))
	for id := range g.rooms {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Shutdown 关闭所有房间
func (g *Registry) Shutdown() {
	for _, id := range g.RoomIDs() {
		_ = g.RemoveRoom(id, RemoveReasonShutdown)
	}
}
