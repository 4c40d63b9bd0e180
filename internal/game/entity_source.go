package game

import (
	"context"
	"sync"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
)

// EntitySource 外部实体数据（只读），用于初始化参与者状态
type EntitySource interface {
	LoadEntity(ctx context.Context, entityID string) (*ParticipantState, error)
}

// EntityStore 可写的实体数据源
type EntityStore interface {
	EntitySource
	SaveEntity(ctx context.Context, entity *ParticipantState) error
}

// MemoryEntitySource 内存实体数据源
type MemoryEntitySource struct {
	mu       sync.RWMutex
	entities map[string]*ParticipantState
}

// NewMemoryEntitySource 创建内存实体数据源
func NewMemoryEntitySource(entities ...*ParticipantState) *MemoryEntitySource {
	s := &MemoryEntitySource{entities: make(map[string]*ParticipantState)}
	for _, e := range entities {
		s.entities[e.EntityID] = e.Clone()
	}
	return s
}

// LoadEntity 加载实体
func (s *MemoryEntitySource) LoadEntity(ctx context.Context, entityID string) (*ParticipantState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityID]
	if !ok {
		return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", entityID)
	}
	return e.Clone(), nil
}

// SaveEntity 保存实体
func (s *MemoryEntitySource) SaveEntity(ctx context.Context, entity *ParticipantState) error {
	if entity == nil || entity.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalidParam, "实体ID不能为空")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entities[entity.EntityID] = entity.Clone()
	return nil
}

// seedParticipant 用外部定义初始化参与者状态
func seedParticipant(def *ParticipantState, entityType EntityType) *ParticipantState {
	p := def.Clone()
	if entityType != "" {
		p.EntityType = entityType
	}
	if p.MaxHP <= 0 {
		p.MaxHP = p.CurrentHP
	}
	if p.CurrentHP > p.MaxHP {
		p.CurrentHP = p.MaxHP
	}
	if p.CurrentHP < 0 {
		p.CurrentHP = 0
	}
	if p.Conditions == nil {
		p.Conditions = []Condition{}
	}
	if p.AvailableActions == nil {
		p.AvailableActions = []AvailableAction{}
	}
	if p.Inventory.Items == nil {
		p.Inventory.Items = []Item{}
	}
	p.TurnStatus = TurnStatusWaiting
	refreshRequirements(p)
	return p
}
