package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"go.uber.org/zap"
)

type registryFixture struct {
	registry *Registry
	clock    *fakeClock
	store    *MemorySnapshotStore
}

func newTestRegistry(t *testing.T, settings Settings) *registryFixture {
	t.Helper()
	clock := newFakeClock()
	store := NewMemorySnapshotStore()
	reg := NewRegistry(RegistryConfig{
		Settings: settings,
		Deps: Dependencies{
			Entities: NewMemoryEntitySource(heroDef(), goblinDef(), rangerDef()),
			Store:    store,
			Logger:   zap.NewNop(),
			Clock:    clock.Now,
		},
	})
	return &registryFixture{registry: reg, clock: clock, store: store}
}

func TestRegistry_GetOrCreateIdempotent(t *testing.T) {
	f := newTestRegistry(t, DefaultSettings())
	ctx := context.Background()

	var wg sync.WaitGroup
	rooms := make([]*Room, 20)
	for i := range rooms {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			room, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
			assert.NoError(t, err)
			rooms[i] = room
		}(i)
	}
	wg.Wait()

	for _, room := range rooms {
		assert.Same(t, rooms[0], room)
	}
	assert.Equal(t, 1, f.registry.Stats().ActiveRooms)
	assert.Equal(t, StatusWaiting, rooms[0].Status())

	_, err := f.registry.GetOrCreateRoom(ctx, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidParam))
}

func TestRegistry_RoomNotFound(t *testing.T) {
	f := newTestRegistry(t, DefaultSettings())

	_, err := f.registry.Room("missing")
	assert.True(t, apperrors.Is(err, apperrors.ErrRoomNotFound))
	assert.True(t, apperrors.Is(f.registry.RemoveRoom("missing", RemoveReasonExplicit), apperrors.ErrRoomNotFound))
}

func TestRegistry_RemoveNotifiesSubscribers(t *testing.T) {
	f := newTestRegistry(t, DefaultSettings())
	ctx := context.Background()

	room, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)
	_, err = room.Join(ctx, alice, "hero", EntityPlayerCharacter)
	require.NoError(t, err)
	sub, err := room.Subscribe(alice)
	require.NoError(t, err)

	require.NoError(t, f.registry.RemoveRoom("enc-1", RemoveReasonExplicit))

	events := drain(sub)
	require.Len(t, events, 1)
	closed, ok := events[0].(RoomClosed)
	require.True(t, ok)
	assert.Equal(t, RemoveReasonExplicit, closed.Reason)
	assert.True(t, room.Closed())
	assert.Equal(t, 0, room.ConnectedCount())

	_, err = f.registry.Room("enc-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrRoomNotFound))
}

func TestRegistry_CompleteInteraction(t *testing.T) {
	f := newTestRegistry(t, DefaultSettings())
	ctx := context.Background()

	_, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)

	err = f.registry.CompleteInteraction(ctx, alice, "enc-1")
	assert.True(t, apperrors.Is(err, apperrors.ErrUnauthorized))

	require.NoError(t, f.registry.CompleteInteraction(ctx, dm, "enc-1"))
	assert.Empty(t, f.registry.RoomIDs())

	// 已结束的遭遇不会被恢复
	room, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, room.Status())
}

func TestRegistry_SweepInactiveRooms(t *testing.T) {
	settings := DefaultSettings()
	settings.InactivityTimeout = 10 * time.Minute
	f := newTestRegistry(t, settings)
	ctx := context.Background()

	empty, err := f.registry.GetOrCreateRoom(ctx, "empty")
	require.NoError(t, err)
	busy, err := f.registry.GetOrCreateRoom(ctx, "busy")
	require.NoError(t, err)
	_, err = busy.Join(ctx, alice, "hero", EntityPlayerCharacter)
	require.NoError(t, err)

	res := f.registry.Sweep(ctx, f.clock.Now())
	assert.Empty(t, res.RemovedRooms)

	f.clock.Advance(11 * time.Minute)
	res = f.registry.Sweep(ctx, f.clock.Now())
	assert.Equal(t, []string{"empty"}, res.RemovedRooms)
	assert.True(t, empty.Closed())
	assert.Equal(t, []string{"busy"}, f.registry.RoomIDs())
}

func TestRegistry_SweepTimesOutTurns(t *testing.T) {
	settings := DefaultSettings()
	settings.TurnTimeLimit = 30 * time.Second
	f := newTestRegistry(t, settings)
	ctx := context.Background()

	room, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)
	_, err = room.Join(ctx, dm, "", "")
	require.NoError(t, err)
	_, err = room.UpdateInitiative(ctx, dm, []InitiativeEntry{{EntityID: "hero", Initiative: 12}, {EntityID: "goblin", Initiative: 8}})
	require.NoError(t, err)
	_, err = room.Start(ctx, dm)
	require.NoError(t, err)

	turn, deadline, ok := room.TurnDeadline()
	require.True(t, ok)
	assert.Equal(t, 1, turn)

	res := f.registry.Sweep(ctx, deadline.Add(-time.Second))
	assert.Equal(t, 0, res.TimedOutTurns)

	res = f.registry.Sweep(ctx, deadline)
	assert.Equal(t, 1, res.TimedOutTurns)
	state := room.GetState(dm).GameState
	require.Len(t, state.TurnHistory, 1)
	assert.Equal(t, RecordTimeout, state.TurnHistory[0].Status)
	assert.Equal(t, "goblin", state.ActiveTurn.EntityID)
}

// startTimedRoom 开启回合限时30秒的遭遇：alice 控制 hero，goblin 由DM操作
func startTimedRoom(t *testing.T) (*registryFixture, *Room) {
	t.Helper()
	settings := DefaultSettings()
	settings.TurnTimeLimit = 30 * time.Second
	f := newTestRegistry(t, settings)
	ctx := context.Background()

	room, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)
	_, err = room.Join(ctx, dm, "", "")
	require.NoError(t, err)
	_, err = room.Join(ctx, alice, "hero", EntityPlayerCharacter)
	require.NoError(t, err)
	_, err = room.UpdateInitiative(ctx, dm, []InitiativeEntry{{EntityID: "hero", Initiative: 12}, {EntityID: "goblin", Initiative: 8}})
	require.NoError(t, err)
	_, err = room.Start(ctx, dm)
	require.NoError(t, err)
	return f, room
}

func TestRegistry_BacktrackRestartsTurnClock(t *testing.T) {
	f, room := startTimedRoom(t)
	ctx := context.Background()

	sub, err := room.Subscribe(dm)
	require.NoError(t, err)
	_, err = room.TakeTurn(ctx, alice, endAction("hero"))
	require.NoError(t, err)
	_, err = room.TakeTurn(ctx, dm, endAction("goblin"))
	require.NoError(t, err)
	f.clock.Advance(10 * time.Minute)
	drain(sub)

	_, err = room.BacktrackTurn(ctx, dm, 1, "重来")
	require.NoError(t, err)

	now := f.clock.Now()
	turn, deadline, ok := room.TurnDeadline()
	require.True(t, ok)
	assert.Equal(t, 1, turn)
	assert.True(t, deadline.After(now))

	// 回溯后的回合重新计时，不会被立即判定超时
	res := f.registry.Sweep(ctx, now)
	assert.Equal(t, 0, res.TimedOutTurns)
	state := room.GetState(dm).GameState
	assert.Empty(t, state.TurnHistory)
	assert.Equal(t, "hero", state.ActiveTurn.EntityID)

	types := eventTypes(drain(sub))
	require.GreaterOrEqual(t, len(types), 2)
	assert.Equal(t, EventTurnBacktracked, types[0])
	assert.Equal(t, EventTurnStarted, types[1])

	// 超过新的截止时间后照常超时
	res = f.registry.Sweep(ctx, deadline)
	assert.Equal(t, 1, res.TimedOutTurns)
}

func TestRegistry_ResumeKeepsRemainingTurnTime(t *testing.T) {
	f, room := startTimedRoom(t)
	ctx := context.Background()

	_, before, ok := room.TurnDeadline()
	require.True(t, ok)
	_, err := room.Pause(ctx, dm, "休息")
	require.NoError(t, err)
	_, _, ok = room.TurnDeadline()
	assert.False(t, ok, "暂停期间不计时")

	f.clock.Advance(10 * time.Minute)
	require.NoError(t, room.Resume(ctx, dm))

	now := f.clock.Now()
	res := f.registry.Sweep(ctx, now)
	assert.Equal(t, 0, res.TimedOutTurns)

	_, after, ok := room.TurnDeadline()
	require.True(t, ok)
	assert.True(t, after.After(now))
	// 暂停时长全部顺延到截止时间
	assert.GreaterOrEqual(t, after.Sub(before), 10*time.Minute)
	assert.Nil(t, room.GetState(dm).GameState.PausedAt)
}

func TestRegistry_RecoveredTurnClockExcludesDowntime(t *testing.T) {
	f, room := startTimedRoom(t)
	ctx := context.Background()
	_, before, ok := room.TurnDeadline()
	require.True(t, ok)

	// 进程停机十分钟后重启
	f.clock.Advance(10 * time.Minute)
	settings := DefaultSettings()
	settings.TurnTimeLimit = 30 * time.Second
	restarted := NewRegistry(RegistryConfig{
		Settings: settings,
		Deps:     Dependencies{Store: f.store, Logger: zap.NewNop(), Clock: f.clock.Now},
	})
	recovered, err := restarted.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)
	require.NotNil(t, recovered.GetState(dm).GameState.PausedAt)
	require.NoError(t, recovered.Resume(ctx, dm))

	now := f.clock.Now()
	res := restarted.Sweep(ctx, now)
	assert.Equal(t, 0, res.TimedOutTurns)
	_, after, ok := recovered.TurnDeadline()
	require.True(t, ok)
	assert.True(t, after.After(now))
	assert.GreaterOrEqual(t, after.Sub(before), 10*time.Minute)
}

func TestRegistry_RecoversActiveAsPaused(t *testing.T) {
	f := newTestRegistry(t, DefaultSettings())
	ctx := context.Background()

	room, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)
	_, err = room.Join(ctx, alice, "hero", EntityPlayerCharacter)
	require.NoError(t, err)
	_, err = room.UpdateInitiative(ctx, dm, []InitiativeEntry{{EntityID: "hero", Initiative: 12}, {EntityID: "goblin", Initiative: 8}})
	require.NoError(t, err)
	_, err = room.Start(ctx, dm)
	require.NoError(t, err)
	_, err = room.TakeTurn(ctx, alice, endAction("hero"))
	require.NoError(t, err)

	// 模拟进程重启：新的注册表共享同一存储
	restarted := NewRegistry(RegistryConfig{
		Settings: DefaultSettings(),
		Deps:     Dependencies{Store: f.store, Logger: zap.NewNop(), Clock: f.clock.Now},
	})
	recovered, err := restarted.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)

	state := recovered.GetState(dm).GameState
	assert.Equal(t, StatusPaused, state.Status)
	assert.Equal(t, StatusActive, state.PausedFrom)
	assert.Equal(t, recoveredPauseReason, state.PauseReason)
	assert.Len(t, state.TurnHistory, 1)
	assert.Equal(t, 1, state.CurrentTurnIndex)
	assert.Equal(t, 2, state.ActiveTurn.TurnNumber)

	require.NoError(t, recovered.Resume(ctx, dm))
	assert.Equal(t, StatusActive, recovered.Status())
	res, err := recovered.TakeTurn(ctx, dm, endAction("goblin"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, res.GameState.ActiveTurn.TurnNumber)

	// 恢复时的当前回合可作为回溯目标
	_, err = recovered.BacktrackTurn(ctx, dm, 2, "")
	require.NoError(t, err)
	// 重启前的回合没有检查点
	_, err = recovered.BacktrackTurn(ctx, dm, 1, "")
	assert.True(t, apperrors.Is(err, apperrors.ErrTurnNotFound))
}

func TestRegistry_DiscardsExpiredSnapshot(t *testing.T) {
	f := newTestRegistry(t, DefaultSettings())
	ctx := context.Background()

	old := NewGameState("enc-old", f.clock.Now())
	require.NoError(t, f.store.Save(ctx, "enc-old", old))
	f.clock.Advance(48 * time.Hour)

	reg := NewRegistry(RegistryConfig{
		Settings:       DefaultSettings(),
		Deps:           Dependencies{Store: f.store, Logger: zap.NewNop(), Clock: f.clock.Now},
		SnapshotMaxAge: 24 * time.Hour,
	})
	room, err := reg.GetOrCreateRoom(ctx, "enc-old")
	require.NoError(t, err)
	assert.Equal(t, StatusWaiting, room.Status())

	_, err = f.store.Load(ctx, "enc-old")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestRegistry_UpdateSettingsAndStats(t *testing.T) {
	f := newTestRegistry(t, DefaultSettings())
	ctx := context.Background()

	room, err := f.registry.GetOrCreateRoom(ctx, "enc-1")
	require.NoError(t, err)
	_, err = room.Join(ctx, alice, "hero", EntityPlayerCharacter)
	require.NoError(t, err)

	s := DefaultSettings()
	s.MaxParticipants = 1
	f.registry.UpdateSettings(s)
	assert.Equal(t, 1, f.registry.Settings().MaxParticipants)

	_, err = room.Join(ctx, bob, "ranger", EntityPlayerCharacter)
	assert.True(t, apperrors.Is(err, apperrors.ErrRoomFull))

	stats := f.registry.Stats()
	assert.Equal(t, 1, stats.ActiveRooms)
	assert.Equal(t, 1, stats.TotalParticipants)
	assert.Greater(t, stats.Uptime, 0.0)

	f.registry.Shutdown()
	assert.True(t, room.Closed())
	assert.Equal(t, 0, f.registry.Stats().ActiveRooms)
}

func TestRecovery_RejectsInconsistentSnapshot(t *testing.T) {
	store := NewMemorySnapshotStore()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	s := validationState()
	s.TurnHistory = []TurnRecord{{TurnNumber: 1, EntityID: "hero"}, {TurnNumber: 3, EntityID: "goblin"}}
	require.NoError(t, store.Save(ctx, "enc-bad", s))

	rm := NewRecoveryManager(zap.NewNop(), store, 0)
	_, err := rm.Recover(ctx, "enc-bad", now)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvariantViolation))

	_, err = store.Load(ctx, "enc-bad")
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}
