package game

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/models"
	"gorm.io/gorm"
)

// SnapshotStore 房间状态快照存储
type SnapshotStore interface {
	Save(ctx context.Context, interactionID string, state *GameState) error
	Load(ctx context.Context, interactionID string) (*GameState, error)
	Delete(ctx context.Context, interactionID string) error
}

// TurnArchive 已结束回合的归档
type TurnArchive interface {
	Append(ctx context.Context, interactionID string, records []TurnRecord) error
	Truncate(ctx context.Context, interactionID string, fromTurn int) error
}

// MemorySnapshotStore 内存快照存储（用于测试和无数据库部署）
type MemorySnapshotStore struct {
	mu     sync.RWMutex
	states map[string]*GameState
}

// NewMemorySnapshotStore 创建内存快照存储
func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{
		states: make(map[string]*GameState),
	}
}

// Save 保存快照
func (s *MemorySnapshotStore) Save(ctx context.Context, interactionID string, state *GameState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.states[interactionID] = state.Clone()
	return nil
}

// Load 加载快照
func (s *MemorySnapshotStore) Load(ctx context.Context, interactionID string) (*GameState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, exists := s.states[interactionID]
	if !exists {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "快照不存在: %s", interactionID)
	}
	return state.Clone(), nil
}

// Delete 删除快照
func (s *MemorySnapshotStore) Delete(ctx context.Context, interactionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.states, interactionID)
	return nil
}

// DatabaseSnapshotStore 数据库快照存储
type DatabaseSnapshotStore struct {
	db *gorm.DB
}

// NewDatabaseSnapshotStore 创建数据库快照存储
func NewDatabaseSnapshotStore(db *gorm.DB) *DatabaseSnapshotStore {
	return &DatabaseSnapshotStore{db: db}
}

// Save 保存快照到数据库
func (s *DatabaseSnapshotStore) Save(ctx context.Context, interactionID string, state *GameState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("序列化状态失败: %w", err)
	}

	turnNumber := state.LastTurnNumber()
	if state.ActiveTurn != nil {
		turnNumber = state.ActiveTurn.TurnNumber
	}

	snapshot := models.RoomSnapshot{InteractionID: interactionID}
	// 存在则更新，不存在则插入
	result := s.db.WithContext(ctx).
		Where("interaction_id = ?", interactionID).
		Assign(models.RoomSnapshot{
			Status:      string(state.Status),
			RoundNumber: state.RoundNumber,
			TurnNumber:  turnNumber,
			StateData:   string(stateJSON),
			UpdatedAt:   time.Now(),
		}).
		FirstOrCreate(&snapshot)
	if result.Error != nil {
		return apperrors.Wrap(result.Error, apperrors.ErrDatabaseUpdate, "保存快照失败")
	}
	return nil
}

// Load 从数据库加载快照
func (s *DatabaseSnapshotStore) Load(ctx context.Context, interactionID string) (*GameState, error) {
	var snapshot models.RoomSnapshot
	result := s.db.WithContext(ctx).
		Where("interaction_id = ?", interactionID).
		First(&snapshot)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "快照不存在: %s", interactionID)
		}
		return nil, apperrors.Wrap(result.Error, apperrors.ErrDatabaseQuery, "查询快照失败")
	}

	var state GameState
	if err := json.Unmarshal([]byte(snapshot.StateData), &state); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDataIntegrity, "反序列化快照失败")
	}
	if state.Participants == nil {
		state.Participants = make(map[string]*ParticipantState)
	}
	return &state, nil
}

// Delete 从数据库删除快照
func (s *DatabaseSnapshotStore) Delete(ctx context.Context, interactionID string) error {
	result := s.db.WithContext(ctx).
		Where("interaction_id = ?", interactionID).
		Delete(&models.RoomSnapshot{})
	if result.Error != nil {
		return apperrors.Wrap(result.Error, apperrors.ErrDatabaseDelete, "删除快照失败")
	}
	return nil
}

// CachedSnapshotStore 带内存缓存的快照存储（装饰器）
type CachedSnapshotStore struct {
	cache   SnapshotStore
	storage SnapshotStore
}

// NewCachedSnapshotStore 创建带缓存的快照存储
func NewCachedSnapshotStore(cache, storage SnapshotStore) *CachedSnapshotStore {
	return &CachedSnapshotStore{
		cache:   cache,
		storage: storage,
	}
}

// Save 先写存储层再写缓存
func (s *CachedSnapshotStore) Save(ctx context.Context, interactionID string, state *GameState) error {
	if err := s.storage.Save(ctx, interactionID, state); err != nil {
		return err
	}
	_ = s.cache.Save(ctx, interactionID, state)
	return nil
}

// Load 优先从缓存加载
func (s *CachedSnapshotStore) Load(ctx context.Context, interactionID string) (*GameState, error) {
	if state, err := s.cache.Load(ctx, interactionID); err == nil {
		return state, nil
	}

	state, err := s.storage.Load(ctx, interactionID)
	if err != nil {
		return nil, err
	}
	_ = s.cache.Save(ctx, interactionID, state)
	return state, nil
}

// Delete 同时删除缓存和存储
func (s *CachedSnapshotStore) Delete(ctx context.Context, interactionID string) error {
	_ = s.cache.Delete(ctx, interactionID)
	return s.storage.Delete(ctx, interactionID)
}
