package repository

import (
	"context"
	"encoding/json"
	"fmt"

	apperrors "github.com/wfunc/encounter-room/internal/errors"
	"github.com/wfunc/encounter-room/internal/game"
	"github.com/wfunc/encounter-room/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// TurnLogRepository 回合归档仓储接口，实现 game.TurnArchive
type TurnLogRepository interface {
	BaseRepository
	game.TurnArchive
	FindByInteraction(ctx context.Context, interactionID string, pagination *Pagination) ([]*models.TurnLog, error)
	FindRecords(ctx context.Context, interactionID string) ([]game.TurnRecord, error)
	CountByInteraction(ctx context.Context, interactionID string) (int64, error)
	DeleteByInteraction(ctx context.Context, interactionID string) error
}

// turnLogRepo 回合归档仓储实现
type turnLogRepo struct {
	*BaseRepo
}

// NewTurnLogRepository 创建回合归档仓储
func NewTurnLogRepository(db *gorm.DB) TurnLogRepository {
	return &turnLogRepo{
		BaseRepo: NewBaseRepo(db),
	}
}

// Append 追加已结束的回合，同一回合号重复写入时覆盖
func (r *turnLogRepo) Append(ctx context.Context, interactionID string, records []game.TurnRecord) error {
	if len(records) == 0 {
		return nil
	}
	logs := make([]*models.TurnLog, 0, len(records))
	for _, rec := range records {
		log, err := toTurnLog(interactionID, rec)
		if err != nil {
			return err
		}
		logs = append(logs, log)
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "interaction_id"}, {Name: "turn_number"}},
		DoUpdates: clause.AssignmentColumns([]string{"round_number", "entity_id", "status", "reason", "actions", "start_time", "end_time"}),
	}).CreateInBatches(logs, 100).Error
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseInsert, "归档回合失败")
	}
	return nil
}

// Truncate 删除 fromTurn 及之后的归档（回溯时调用）
func (r *turnLogRepo) Truncate(ctx context.Context, interactionID string, fromTurn int) error {
	err := r.db.WithContext(ctx).
		Where("interaction_id = ? AND turn_number >= ?", interactionID, fromTurn).
		Delete(&models.TurnLog{}).Error
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrDatabaseDelete, "截断回合归档失败")
	}
	return nil
}

// FindByInteraction 按回合号升序分页查询
func (r *turnLogRepo) FindByInteraction(ctx context.Context, interactionID string, pagination *Pagination) ([]*models.TurnLog, error) {
	var logs []*models.TurnLog
	query := r.db.WithContext(ctx).Model(&models.TurnLog{}).
		Where("interaction_id = ?", interactionID)

	if pagination != nil {
		if err := query.Count(&pagination.Total).Error; err != nil {
			return nil, err
		}
		query = query.Scopes(Paginate(pagination))
	}

	err := query.Order("turn_number ASC").Find(&logs).Error
	return logs, err
}

// FindRecords 查询全部归档并还原为回合记录
func (r *turnLogRepo) FindRecords(ctx context.Context, interactionID string) ([]game.TurnRecord, error) {
	logs, err := r.FindByInteraction(ctx, interactionID, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrDatabaseQuery, "查询回合归档失败")
	}
	records := make([]game.TurnRecord, 0, len(logs))
	for _, log := range logs {
		rec, err := ToTurnRecord(log)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// CountByInteraction 统计归档回合数
func (r *turnLogRepo) CountByInteraction(ctx context.Context, interactionID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TurnLog{}).
		Where("interaction_id = ?", interactionID).
		Count(&count).Error
	return count, err
}

// DeleteByInteraction 删除遭遇的全部归档
func (r *turnLogRepo) DeleteByInteraction(ctx context.Context, interactionID string) error {
	return r.db.WithContext(ctx).
		Where("interaction_id = ?", interactionID).
		Delete(&models.TurnLog{}).Error
}

func toTurnLog(interactionID string, rec game.TurnRecord) (*models.TurnLog, error) {
	actions, err := json.Marshal(rec.Actions)
	if err != nil {
		return nil, fmt.Errorf("序列化回合行动失败: %w", err)
	}
	return &models.TurnLog{
		InteractionID: interactionID,
		TurnNumber:    rec.TurnNumber,
		RoundNumber:   rec.RoundNumber,
		EntityID:      rec.EntityID,
		Status:        string(rec.Status),
		Reason:        rec.Reason,
		Actions:       string(actions),
		StartTime:     rec.StartTime,
		EndTime:       rec.EndTime,
	}, nil
}

// ToTurnRecord 将归档记录还原为回合记录
func ToTurnRecord(log *models.TurnLog) (game.TurnRecord, error) {
	rec := game.TurnRecord{
		TurnNumber:  log.TurnNumber,
		EntityID:    log.EntityID,
		RoundNumber: log.RoundNumber,
		Actions:     []game.TurnAction{},
		StartTime:   log.StartTime,
		EndTime:     log.EndTime,
		Status:      game.RecordStatus(log.Status),
		Reason:      log.Reason,
	}
	if log.Actions != "" {
		if err := json.Unmarshal([]byte(log.Actions), &rec.Actions); err != nil {
			return rec, apperrors.Wrap(err, apperrors.ErrDataIntegrity, fmt.Sprintf("回合 %d 数据损坏", log.TurnNumber))
		}
	}
	return rec, nil
}
