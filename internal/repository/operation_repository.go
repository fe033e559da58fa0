package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"gorm.io/gorm"
)

var (
	ErrOperationNotFound = errors.New("chain operation not found")
)

// OperationRepository 链上操作仓储接口
type OperationRepository interface {
	Create(ctx context.Context, op *model.ChainOperation) error
	GetByOperationID(ctx context.Context, operationID string) (*model.ChainOperation, error)
	GetByTxHash(ctx context.Context, txHash string) (*model.ChainOperation, error)
	// CompareAndSetStatus 仅当当前状态为 from 时切换到 to，fields 为同时写入的字段
	CompareAndSetStatus(ctx context.Context, operationID string, from, to model.OperationStatus, fields map[string]interface{}) (bool, error)
	// ListStale 按创建时间升序返回未关闭的操作，kinds 为空时不限类型
	ListStale(ctx context.Context, kinds []model.OperationKind, statuses []model.OperationStatus, olderThan int64, limit int) ([]*model.ChainOperation, error)
	ListByProject(ctx context.Context, projectID int64, page *Pagination) ([]*model.ChainOperation, error)
}

// operationRepository 链上操作仓储实现
type operationRepository struct {
	*Repository
}

// NewOperationRepository 创建链上操作仓储
func NewOperationRepository(db *gorm.DB) OperationRepository {
	return &operationRepository{
		Repository: NewRepository(db),
	}
}

func (r *operationRepository) Create(ctx context.Context, op *model.ChainOperation) error {
	now := time.Now().UnixMilli()
	op.CreatedAt = now
	op.UpdatedAt = now
	return r.DB(ctx).Create(op).Error
}

func (r *operationRepository) GetByOperationID(ctx context.Context, operationID string) (*model.ChainOperation, error) {
	var op model.ChainOperation
	err := r.DB(ctx).Where("operation_id = ?", operationID).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *operationRepository) GetByTxHash(ctx context.Context, txHash string) (*model.ChainOperation, error) {
	var op model.ChainOperation
	err := r.DB(ctx).Where("tx_hash = ?", txHash).First(&op).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrOperationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &op, nil
}

func (r *operationRepository) CompareAndSetStatus(ctx context.Context, operationID string, from, to model.OperationStatus, fields map[string]interface{}) (bool, error) {
	now := time.Now().UnixMilli()
	updates := map[string]interface{}{
		"status":     to,
		"updated_at": now,
	}
	for k, v := range fields {
		updates[k] = v
	}
	if to == model.OperationStatusCommitted || to == model.OperationStatusReverted {
		if _, ok := updates["confirmed_at"]; !ok {
			updates["confirmed_at"] = now
		}
	}

	result := r.DB(ctx).Model(&model.ChainOperation{}).
		Where("operation_id = ? AND status = ?", operationID, from).
		Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *operationRepository) ListStale(ctx context.Context, kinds []model.OperationKind, statuses []model.OperationStatus, olderThan int64, limit int) ([]*model.ChainOperation, error) {
	var ops []*model.ChainOperation
	query := r.DB(ctx).Where("status IN ? AND created_at < ?", statuses, olderThan)
	if len(kinds) > 0 {
		query = query.Where("kind IN ?", kinds)
	}
	err := query.
		Order("created_at ASC").
		Limit(limit).
		Find(&ops).Error
	return ops, err
}

func (r *operationRepository) ListByProject(ctx context.Context, projectID int64, page *Pagination) ([]*model.ChainOperation, error) {
	var ops []*model.ChainOperation

	query := r.DB(ctx).Model(&model.ChainOperation{}).Where("project_id = ?", projectID)

	if err := query.Count(&page.Total).Error; err != nil {
		return nil, err
	}

	limit := page.Limit()
	err := query.
		Order("created_at DESC").
		Offset(page.Offset()).
		Limit(limit).
		Find(&ops).Error
	return ops, err
}
