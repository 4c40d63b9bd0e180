package game

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var (
	dm    = Actor{UserID: "dm-1", Role: RoleDM}
	alice = Actor{UserID: "alice", Role: RolePlayer}
	bob   = Actor{UserID: "bob", Role: RolePlayer}
	carol = Actor{UserID: "carol", Role: RolePlayer}
)

// fakeClock 每次读取前进一秒，便于区分事件时间
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func heroDef() *ParticipantState {
	return &ParticipantState{
		EntityID:   "hero",
		EntityType: EntityPlayerCharacter,
		Name:       "Hero",
		CurrentHP:  20,
		MaxHP:      20,
		Position:   Position{X: 0, Y: 0},
		Inventory: Inventory{
			Items:    []Item{{ID: "potion", Name: "Potion", Quantity: 2, Heal: 5, Consumable: true}},
			Equipped: map[string]string{"main": "sword"},
			Capacity: 10,
		},
		AvailableActions: []AvailableAction{
			{ID: "walk", Type: ActionMove, Available: true, Range: 6},
			{ID: "sword", Type: ActionAttack, Available: true, Range: 1, UsesPerTurn: 1,
				Requirements: []Requirement{{Type: RequireEquipped, Value: "sword"}}},
			{ID: "drink", Type: ActionUseItem, Available: true,
				Requirements: []Requirement{{Type: RequireHasItem, Value: "potion"}}},
			{ID: "firebolt", Type: ActionCast, Available: true, Range: 5,
				Requirements: []Requirement{{Type: RequireMinHP, Value: "1"}, {Type: RequireNoCondition, Value: "silenced"}}},
			{ID: "use", Type: ActionInteract, Available: true, Range: 1},
		},
	}
}

func goblinDef() *ParticipantState {
	return &ParticipantState{
		EntityID:   "goblin",
		EntityType: EntityMonster,
		Name:       "Goblin",
		CurrentHP:  7,
		MaxHP:      7,
		Position:   Position{X: 1, Y: 0},
		AvailableActions: []AvailableAction{
			{ID: "scuttle", Type: ActionMove, Available: true, Range: 6},
			{ID: "scimitar", Type: ActionAttack, Available: true, Range: 1},
		},
	}
}

func rangerDef() *ParticipantState {
	return &ParticipantState{
		EntityID:   "ranger",
		EntityType: EntityPlayerCharacter,
		Name:       "Ranger",
		CurrentHP:  14,
		MaxHP:      14,
		Position:   Position{X: 0, Y: 1},
		AvailableActions: []AvailableAction{
			{ID: "bow", Type: ActionAttack, Available: true, Range: 8},
		},
	}
}

type roomFixture struct {
	room  *Room
	clock *fakeClock
	store *MemorySnapshotStore
}

func newTestRoom(t *testing.T, settings Settings) *roomFixture {
	t.Helper()
	clock := newFakeClock()
	store := NewMemorySnapshotStore()
	room := NewRoom("enc-1", nil, settings, Dependencies{
		Entities: NewMemoryEntitySource(heroDef(), goblinDef(), rangerDef()),
		Store:    store,
		Logger:   zap.NewNop(),
		Clock:    clock.Now,
	})
	return &roomFixture{room: room, clock: clock, store: store}
}

// newActiveRoom DM与Alice(hero)加入，先攻 hero(15) > goblin(10)，遭遇已开始
func newActiveRoom(t *testing.T) *roomFixture {
	t.Helper()
	f := newTestRoom(t, DefaultSettings())
	ctx := context.Background()

	_, err := f.room.Join(ctx, dm, "", "")
	require.NoError(t, err)
	_, err = f.room.Join(ctx, alice, "hero", EntityPlayerCharacter)
	require.NoError(t, err)

	f.room.mu.Lock()
	f.room.state.MapState = MapState{
		Width:     10,
		Height:    10,
		Obstacles: []Position{{X: 5, Y: 5}},
		Objects:   map[string]int{"door": 0},
	}
	f.room.mu.Unlock()

	_, err = f.room.UpdateInitiative(ctx, dm, []InitiativeEntry{
		{EntityID: "goblin", EntityType: EntityMonster, Initiative: 10},
		{EntityID: "hero", EntityType: EntityPlayerCharacter, Initiative: 15},
	})
	require.NoError(t, err)
	_, err = f.room.Start(ctx, dm)
	require.NoError(t, err)
	return f
}

// drain 读取订阅中已有的事件
func drain(sub *Subscription) []Event {
	var out []Event
	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, e)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type()
	}
	return out
}

// stripTimes 去掉时间相关字段，用于确定性比较
func stripTimes(s *GameState) *GameState {
	c := s.Clone()
	c.Timestamp = time.Time{}
	c.PausedAt = nil
	if c.ActiveTurn != nil {
		c.ActiveTurn.StartTime = time.Time{}
	}
	for i := range c.TurnHistory {
		c.TurnHistory[i].StartTime = time.Time{}
		c.TurnHistory[i].EndTime = nil
	}
	c.ChatLog = nil
	return c
}
