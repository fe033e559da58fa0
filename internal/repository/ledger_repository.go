package repository

import (
	"context"
	"errors"
	"time"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"gorm.io/gorm"
)

var (
	ErrProjectNotFound      = errors.New("project not found")
	ErrMilestoneNotFound    = errors.New("milestone not found")
	ErrProjectAlreadyExists = errors.New("project already registered")
)

// UnreconciledMilestone 存在未关闭链上操作的里程碑
type UnreconciledMilestone struct {
	Milestone *model.Milestone
	Operation *model.ChainOperation
}

// LedgerRepository 托管镜像仓储接口
//
// 所有标志位更新都是基于前置状态的 compare-and-set，返回 false 表示前置状态不满足。
type LedgerRepository interface {
	Transaction(ctx context.Context, fn func(ctx context.Context) error) error
	TransactionWithRetry(ctx context.Context, maxRetries int, fn func(ctx context.Context) error) error

	CreateProject(ctx context.Context, project *model.Project, milestones []*model.Milestone) error
	GetProject(ctx context.Context, id int64) (*model.Project, error)
	GetProjectByOnchainID(ctx context.Context, onchainProjectID uint64) (*model.Project, error)
	GetMilestone(ctx context.Context, id int64) (*model.Milestone, error)
	GetMilestoneByIndex(ctx context.Context, projectID int64, sequenceIndex uint32) (*model.Milestone, error)
	ListMilestones(ctx context.Context, projectID int64) ([]*model.Milestone, error)

	CompareAndSetFunded(ctx context.Context, milestoneID int64, txHash string) (bool, error)
	CompareAndSetReleased(ctx context.Context, milestoneID int64, kind model.ReleaseKind, txHash string) (bool, error)
	SetDisputed(ctx context.Context, projectID int64, txHash string) (bool, error)

	ListUnreconciled(ctx context.Context, olderThan int64, limit int) ([]*UnreconciledMilestone, error)
}

// ledgerRepository 托管镜像仓储实现
type ledgerRepository struct {
	*Repository
}

// NewLedgerRepository 创建托管镜像仓储
func NewLedgerRepository(db *gorm.DB) LedgerRepository {
	return &ledgerRepository{
		Repository: NewRepository(db),
	}
}

// CreateProject 在一个事务中创建项目及其全部里程碑
func (r *ledgerRepository) CreateProject(ctx context.Context, project *model.Project, milestones []*model.Milestone) error {
	return r.Transaction(ctx, func(txCtx context.Context) error {
		var count int64
		if err := r.DB(txCtx).Model(&model.Project{}).
			Where("onchain_project_id = ?", project.OnchainProjectID).
			Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrProjectAlreadyExists
		}

		now := time.Now().UnixMilli()
		project.Version = 1
		project.CreatedAt = now
		project.UpdatedAt = now
		if err := r.DB(txCtx).Create(project).Error; err != nil {
			if isUniqueViolation(err) {
				return ErrProjectAlreadyExists
			}
			return err
		}

		if len(milestones) == 0 {
			return nil
		}
		for _, m := range milestones {
			m.ProjectID = project.ID
			m.Version = 1
			m.CreatedAt = now
			m.UpdatedAt = now
		}
		return r.DB(txCtx).Create(&milestones).Error
	})
}

func (r *ledgerRepository) GetProject(ctx context.Context, id int64) (*model.Project, error) {
	var project model.Project
	err := r.DB(ctx).Where("id = ?", id).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *ledgerRepository) GetProjectByOnchainID(ctx context.Context, onchainProjectID uint64) (*model.Project, error) {
	var project model.Project
	err := r.DB(ctx).Where("onchain_project_id = ?", onchainProjectID).First(&project).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrProjectNotFound
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (r *ledgerRepository) GetMilestone(ctx context.Context, id int64) (*model.Milestone, error) {
	var milestone model.Milestone
	err := r.DB(ctx).Where("id = ?", id).First(&milestone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (r *ledgerRepository) GetMilestoneByIndex(ctx context.Context, projectID int64, sequenceIndex uint32) (*model.Milestone, error) {
	var milestone model.Milestone
	err := r.DB(ctx).
		Where("project_id = ? AND sequence_index = ?", projectID, sequenceIndex).
		First(&milestone).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMilestoneNotFound
	}
	if err != nil {
		return nil, err
	}
	return &milestone, nil
}

func (r *ledgerRepository) ListMilestones(ctx context.Context, projectID int64) ([]*model.Milestone, error) {
	var milestones []*model.Milestone
	err := r.DB(ctx).
		Where("project_id = ?", projectID).
		Order("sequence_index ASC").
		Find(&milestones).Error
	return milestones, err
}

// CompareAndSetFunded funded: false -> true
func (r *ledgerRepository) CompareAndSetFunded(ctx context.Context, milestoneID int64, txHash string) (bool, error) {
	now := time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.Milestone{}).
		Where("id = ? AND funded = ?", milestoneID, false).
		Updates(map[string]interface{}{
			"funded":         true,
			"funded_tx_hash": txHash,
			"funded_at":      now,
			"version":        gorm.Expr("version + 1"),
			"updated_at":     now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// CompareAndSetReleased released: false -> true，要求已注资
func (r *ledgerRepository) CompareAndSetReleased(ctx context.Context, milestoneID int64, kind model.ReleaseKind, txHash string) (bool, error) {
	if kind == model.ReleaseKindNone {
		return false, errors.New("release kind is required")
	}
	now := time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.Milestone{}).
		Where("id = ? AND released = ? AND funded = ?", milestoneID, false, true).
		Updates(map[string]interface{}{
			"released":         true,
			"release_kind":     kind,
			"released_tx_hash": txHash,
			"released_at":      now,
			"version":          gorm.Expr("version + 1"),
			"updated_at":       now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SetDisputed disputed: false -> true
func (r *ledgerRepository) SetDisputed(ctx context.Context, projectID int64, txHash string) (bool, error) {
	now := time.Now().UnixMilli()
	result := r.DB(ctx).Model(&model.Project{}).
		Where("id = ? AND disputed = ?", projectID, false).
		Updates(map[string]interface{}{
			"disputed":        true,
			"dispute_tx_hash": txHash,
			"version":         gorm.Expr("version + 1"),
			"updated_at":      now,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListUnreconciled 查询存在超时未关闭操作的里程碑
func (r *ledgerRepository) ListUnreconciled(ctx context.Context, olderThan int64, limit int) ([]*UnreconciledMilestone, error) {
	var ops []*model.ChainOperation
	err := r.DB(ctx).Model(&model.ChainOperation{}).
		Select("escrow_chain_operations.*").
		Joins("JOIN escrow_milestones ON escrow_milestones.id = escrow_chain_operations.milestone_id").
		Where("escrow_chain_operations.status IN ? AND escrow_chain_operations.created_at < ?",
			[]model.OperationStatus{model.OperationStatusPending, model.OperationStatusSubmitted}, olderThan).
		Order("escrow_chain_operations.created_at ASC").
		Limit(limit).
		Find(&ops).Error
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, nil
	}

	ids := make([]int64, 0, len(ops))
	for _, op := range ops {
		ids = append(ids, op.MilestoneID)
	}
	var milestones []*model.Milestone
	if err := r.DB(ctx).Where("id IN ?", ids).Find(&milestones).Error; err != nil {
		return nil, err
	}
	byID := make(map[int64]*model.Milestone, len(milestones))
	for _, m := range milestones {
		byID[m.ID] = m
	}

	result := make([]*UnreconciledMilestone, 0, len(ops))
	for _, op := range ops {
		if m, ok := byID[op.MilestoneID]; ok {
			result = append(result, &UnreconciledMilestone{Milestone: m, Operation: op})
		}
	}
	return result, nil
}
