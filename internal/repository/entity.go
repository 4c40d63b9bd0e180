package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// EntityRepository 实体定义仓储接口，同时作为房间的实体数据源
type EntityRepository interface {
	BaseRepository
	game.EntityStore
	Upsert(ctx context.Context, def *models.EntityDefinition) error
	FindByEntityID(ctx context.Context, entityID string) (*models.EntityDefinition, error)
	FindByOwner(ctx context.Context, ownerUserID string) ([]*models.EntityDefinition, error)
	List(ctx context.Context, entityType string, pagination *Pagination) ([]*models.EntityDefinition, error)
	Delete(ctx context.Context, entityID string) error
}

// entityPayload Data 列中保存的结构化字段
type entityPayload struct {
	Conditions       []game.Condition       `json:"conditions"`
	Inventory        game.Inventory         `json:"inventory"`
	AvailableActions []game.AvailableAction `json:"availableActions"`
}

// entityRepo 实体定义仓储实现
type entityRepo struct {
	*BaseRepo
}

// NewEntityRepository 创建实体定义仓储
func NewEntityRepository(db *gorm.DB) EntityRepository {
	return &entityRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Upsert 按 entity_id 创建或覆盖
func (r *entityRepo) Upsert(ctx context.Context, def *models.EntityDefinition) error {
	if def.EntityID == "" {
		return apperrors.New(apperrors.ErrInvalidParam, "实体ID不能为空")
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"entity_type", "name", "owner_user_id", "max_hp", "current_hp",
			"pos_x", "pos_y", "data", "attributes", "updated_at", "deleted_at",
		}),
	}).Create(def).Error
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "保存实体失败")
	}
	return nil
}

// FindByEntityID 根据实体ID查找
func (r *entityRepo) FindByEntityID(ctx context.Context, entityID string) (*models.EntityDefinition, error) {
	var def models.EntityDefinition
	err := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		First(&def).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", entityID)
		}
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询实体失败")
	}
	return &def, nil
}

// FindByOwner 查找用户拥有的实体
func (r *entityRepo) FindByOwner(ctx context.Context, ownerUserID string) ([]*models.EntityDefinition, error) {
	var defs []*models.EntityDefinition
	err := r.db.WithContext(ctx).
		Where("owner_user_id = ?", ownerUserID).
		Order("entity_id ASC").
		Find(&defs).Error
	return defs, err
}

// List 分页列出实体，entityType 为空时不过滤
func (r *entityRepo) List(ctx context.Context, entityType string, pagination *Pagination) ([]*models.EntityDefinition, error) {
	var defs []*models.EntityDefinition
	query := r.db.WithContext(ctx).Model(&models.EntityDefinition{})
	if entityType != "" {
		query = query.Where("entity_type = ?", entityType)
	}

	if pagination != nil {
		if err := query.Count(&pagination.Total).Error; err != nil {
			return nil, err
		}
		query = query.Scopes(Paginate(pagination))
	}

	err := query.Order("entity_id ASC").Find(&defs).Error
	return defs, err
}

// Delete 删除实体定义
func (r *entityRepo) Delete(ctx context.Context, entityID string) error {
	result := r.db.WithContext(ctx).
		Where("entity_id = ?", entityID).
		Delete(&models.EntityDefinition{})
	if result.Error != nil {
		return apperrors.Wrap(result.Error, apperrors.ErrDatabaseDelete, "删除实体失败")
	}
	if result.RowsAffected == 0 {
		return apperrors.Newf(apperrors.ErrEntityNotFound, "实体不存在: %s", entityID)
	}
	return nil
}

// LoadEntity 实现 game.EntitySource
func (r *entityRepo) LoadEntity(ctx context.Context, entityID string) (*game.ParticipantState, error) {
	def, err := r.FindByEntityID(ctx, entityID)
	if err != nil {
		return nil, err
	}
	return ToParticipant(def)
}

// SaveEntity 实现 game.EntityStore
func (r *entityRepo) SaveEntity(ctx context.Context, p *game.ParticipantState) error {
	def, err := FromParticipant(p)
	if err != nil {
		return err
	}
	return r.Upsert(ctx, def)
}

// ToParticipant 将实体定义转换为参与者状态
func ToParticipant(def *models.EntityDefinition) (*game.ParticipantState, error) {
	var payload entityPayload
	if def.Data != "" {
		if err := json.Unmarshal([]byte(def.Data), &payload); err != nil {
			return nil, apperrors.Wrap(err, apperrors.ErrDataIntegrity, fmt.Sprintf("实体 %s 数据损坏", def.EntityID))
		}
	}
	return &game.ParticipantState{
		EntityID:         def.EntityID,
		EntityType:       game.EntityType(def.EntityType),
		Name:             def.Name,
		UserID:           def.OwnerUserID,
		CurrentHP:        def.CurrentHP,
		MaxHP:            def.MaxHP,
		Position:         game.Position{X: def.PosX, Y: def.PosY},
		Conditions:       payload.Conditions,
		Inventory:        payload.Inventory,
		AvailableActions: payload.AvailableActions,
	}, nil
}

// FromParticipant 将参与者状态转换为实体定义
func FromParticipant(p *game.ParticipantState) (*models.EntityDefinition, error) {
	if p == nil || p.EntityID == "" {
		return nil, apperrors.New(apperrors.ErrInvalidParam, "实体ID不能为空")
	}
	if !p.EntityType.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalidParam, "未知的实体类型: %s", p.EntityType)
	}
	data, err := json.Marshal(entityPayload{
		Conditions:       p.Conditions,
		Inventory:        p.Inventory,
		AvailableActions: p.AvailableActions,
	})
	if err != nil {
		return nil, fmt.Errorf("序列化实体失败: %w", err)
	}
	return &models.EntityDefinition{
		EntityID:    p.EntityID,
		EntityType:  string(p.EntityType),
		Name:        p.Name,
		OwnerUserID: p.UserID,
		MaxHP:       p.MaxHP,
		CurrentHP:   p.CurrentHP,
		PosX:        p.Position.X,
		PosY:        p.Position.Y,
		Data:        string(data),
	}, nil
}
