// ========================================
// EscrowEngine 托管对账引擎
// ========================================
//
// ## 功能概述
// 校验前置条件，驱动链上操作 (注册/注资/审批/争议/退款)，等待确认后
// 在一个数据库事务中提交镜像并关闭操作记录。
//
// ## 操作流程
//  1. 读取镜像快照并校验，失败时不与链交互
//  2. 网关签名，广播前回调写入 ChainOperation{SUBMITTED, tx_hash}
//  3. 广播，在 confirm_timeout 内等待确认；超时则投递确认任务并返回 PendingConfirmation
//  4. 确认后 compare-and-set 镜像标志位，同一事务内 SUBMITTED -> COMMITTED
//
// ## 崩溃恢复
// 链上已确认但镜像未提交的操作保持 SUBMITTED，由 ConfirmationWatcher 或
// ReconcilerSweep 从链上状态修复。广播结果未知 (超时、连接中断) 时同样保持
// SUBMITTED，只有节点明确拒绝的交易才标记 FAILED。
//
// ## 消息输出 (Kafka Producer)
// - escrow-project-registered / escrow-milestone-funded / escrow-milestone-released / escrow-dispute-raised
//
// ========================================
package service

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/gateway"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/validator"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// 操作结果标签
const (
	resultCommitted = "committed"
	resultPending   = "pending"
	resultRejected  = "rejected"
	resultReverted  = "reverted"
	resultFailed    = "failed"
)

// ConfirmationQueue 确认任务队列
type ConfirmationQueue interface {
	Enqueue(ctx context.Context, job *model.ConfirmationJob) error
}

// EngineConfig 引擎配置
type EngineConfig struct {
	AdminWallet    string
	ConfirmTimeout time.Duration
	Confirmations  uint64
	// Async 为 true 时不在请求内等待确认
	Async bool
	// CommitRetries 提交事务的重试次数
	CommitRetries int
}

// EscrowEngine 托管对账引擎
type EscrowEngine struct {
	ledger  repository.LedgerRepository
	ops     repository.OperationRepository
	gateway gateway.ContractGateway
	queue   ConfirmationQueue
	events  EventPublisher
	cfg     *EngineConfig
}

// NewEscrowEngine 创建引擎
func NewEscrowEngine(
	ledger repository.LedgerRepository,
	ops repository.OperationRepository,
	gw gateway.ContractGateway,
	cfg *EngineConfig,
) *EscrowEngine {
	if cfg == nil {
		cfg = &EngineConfig{}
	}
	if cfg.ConfirmTimeout == 0 {
		cfg.ConfirmTimeout = 15 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.CommitRetries == 0 {
		cfg.CommitRetries = 3
	}
	return &EscrowEngine{
		ledger:  ledger,
		ops:     ops,
		gateway: gw,
		events:  NoopPublisher{},
		cfg:     cfg,
	}
}

// SetConfirmationQueue 设置确认任务队列
func (e *EscrowEngine) SetConfirmationQueue(q ConfirmationQueue) {
	e.queue = q
}

// SetEventPublisher 设置事件发布器
func (e *EscrowEngine) SetEventPublisher(p EventPublisher) {
	if p == nil {
		p = NoopPublisher{}
	}
	e.events = p
}

// RegisterRequest 注册项目请求
type RegisterRequest struct {
	ClientWallet     string
	FreelancerWallet string
	Amounts          []string
}

// FundRequest 注资请求
type FundRequest struct {
	ProjectID      int64
	MilestoneIndex uint32
	PayerWallet    string
	Amount         string
}

// ApproveRequest 审批请求
type ApproveRequest struct {
	ProjectID      int64
	MilestoneIndex uint32
	ClientWallet   string
}

// DisputeRequest 争议请求
type DisputeRequest struct {
	ProjectID    int64
	CallerWallet string
}

// RefundRequest 退款请求，AdminWallet 为空时使用配置的管理员
type RefundRequest struct {
	ProjectID      int64
	MilestoneIndex uint32
	AdminWallet    string
}

// OperationResult 已提交的操作结果
type OperationResult struct {
	OperationID string
	TxHash      string
	Project     *model.Project
	Milestone   *model.Milestone
	Milestones  []*model.Milestone
}

// RegisterProject 注册项目
func (e *EscrowEngine) RegisterProject(ctx context.Context, req *RegisterRequest) (*OperationResult, error) {
	start := time.Now()
	kind := model.OperationKindRegister

	amounts, err := validator.ValidateRegister(req.ClientWallet, req.FreelancerWallet, req.Amounts)
	if err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}
	client, _ := validator.NormalizeWallet(req.ClientWallet)
	freelancer, _ := validator.NormalizeWallet(req.FreelancerWallet)

	rawAmounts := make([]string, 0, len(amounts))
	for _, a := range amounts {
		rawAmounts = append(rawAmounts, a.String())
	}
	payload, err := model.EncodeRegisterPayload(&model.RegisterPayload{
		ClientWallet:     client,
		FreelancerWallet: freelancer,
		Amounts:          rawAmounts,
	})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	op := e.newOperation(kind, nil, nil, client, decimal.Zero)
	op.Payload = payload

	return e.run(ctx, op, start, func(ctx context.Context, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
		return e.gateway.CreateProject(ctx, client, freelancer, amounts, opts...)
	})
}

// FundMilestone 注资里程碑
func (e *EscrowEngine) FundMilestone(ctx context.Context, req *FundRequest) (*OperationResult, error) {
	start := time.Now()
	kind := model.OperationKindFund

	payer, err := validator.NormalizeWallet(req.PayerWallet)
	if err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}
	value, err := validator.ParseAmount(req.Amount)
	if err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	project, milestone, err := e.loadMilestone(ctx, req.ProjectID, req.MilestoneIndex)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateFund(project, milestone, value, payer); err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	op := e.newOperation(kind, project, milestone, payer, value)
	return e.run(ctx, op, start, func(ctx context.Context, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
		return e.gateway.FundMilestone(ctx, project.OnchainProjectID, milestone.SequenceIndex, value, payer, opts...)
	})
}

// ApproveMilestone 审批释放里程碑
func (e *EscrowEngine) ApproveMilestone(ctx context.Context, req *ApproveRequest) (*OperationResult, error) {
	start := time.Now()
	kind := model.OperationKindApprove

	caller, err := validator.NormalizeWallet(req.ClientWallet)
	if err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	project, milestone, err := e.loadMilestone(ctx, req.ProjectID, req.MilestoneIndex)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateApprove(project, milestone, caller); err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	op := e.newOperation(kind, project, milestone, caller, decimal.Zero)
	return e.run(ctx, op, start, func(ctx context.Context, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
		return e.gateway.ApproveMilestone(ctx, project.OnchainProjectID, milestone.SequenceIndex, caller, opts...)
	})
}

// RaiseDispute 发起争议
func (e *EscrowEngine) RaiseDispute(ctx context.Context, req *DisputeRequest) (*OperationResult, error) {
	start := time.Now()
	kind := model.OperationKindDispute

	caller, err := validator.NormalizeWallet(req.CallerWallet)
	if err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	project, err := e.loadProject(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateDispute(project, caller); err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	op := e.newOperation(kind, project, nil, caller, decimal.Zero)
	return e.run(ctx, op, start, func(ctx context.Context, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
		return e.gateway.RaiseDispute(ctx, project.OnchainProjectID, caller, opts...)
	})
}

// RefundMilestone 管理员退款
func (e *EscrowEngine) RefundMilestone(ctx context.Context, req *RefundRequest) (*OperationResult, error) {
	start := time.Now()
	kind := model.OperationKindRefund

	adminWallet := req.AdminWallet
	if adminWallet == "" {
		adminWallet = e.cfg.AdminWallet
	}
	caller, err := validator.NormalizeWallet(adminWallet)
	if err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	project, milestone, err := e.loadMilestone(ctx, req.ProjectID, req.MilestoneIndex)
	if err != nil {
		return nil, err
	}
	if err := validator.ValidateRefund(project, milestone, caller, e.cfg.AdminWallet); err != nil {
		e.record(kind, resultRejected, start)
		return nil, err
	}

	op := e.newOperation(kind, project, milestone, caller, decimal.Zero)
	return e.run(ctx, op, start, func(ctx context.Context, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
		return e.gateway.RefundMilestone(ctx, project.OnchainProjectID, milestone.SequenceIndex, caller, opts...)
	})
}

// GetProject 查询项目及里程碑
func (e *EscrowEngine) GetProject(ctx context.Context, projectID int64) (*model.Project, []*model.Milestone, error) {
	project, err := e.ledger.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, mapLedgerError(err)
	}
	milestones, err := e.ledger.ListMilestones(ctx, projectID)
	if err != nil {
		return nil, nil, mapLedgerError(err)
	}
	return project, milestones, nil
}

// GetMilestone 按序号查询里程碑
func (e *EscrowEngine) GetMilestone(ctx context.Context, projectID int64, index uint32) (*model.Milestone, error) {
	if _, err := e.ledger.GetProject(ctx, projectID); err != nil {
		return nil, mapLedgerError(err)
	}
	milestone, err := e.ledger.GetMilestoneByIndex(ctx, projectID, index)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return milestone, nil
}

// GetOperation 查询链上操作状态
func (e *EscrowEngine) GetOperation(ctx context.Context, operationID string) (*model.ChainOperation, error) {
	op, err := e.ops.GetByOperationID(ctx, operationID)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return op, nil
}

// ListOperations 分页查询项目的链上操作
func (e *EscrowEngine) ListOperations(ctx context.Context, projectID int64, page *repository.Pagination) ([]*model.ChainOperation, error) {
	if _, err := e.ledger.GetProject(ctx, projectID); err != nil {
		return nil, mapLedgerError(err)
	}
	if page == nil {
		page = &repository.Pagination{}
	}
	ops, err := e.ops.ListByProject(ctx, projectID, page)
	if err != nil {
		return nil, mapLedgerError(err)
	}
	return ops, nil
}

// mapLedgerError 仓储错误映射为业务错误
func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, repository.ErrProjectNotFound):
		return apperrors.ErrProjectNotFound
	case errors.Is(err, repository.ErrMilestoneNotFound):
		return apperrors.ErrMilestoneNotFound
	case errors.Is(err, repository.ErrOperationNotFound):
		return apperrors.ErrOperationNotFound
	default:
		return apperrors.Wrap(apperrors.ErrInternal, err)
	}
}

// loadProject 读取项目快照，不存在时返回 nil 交给校验
func (e *EscrowEngine) loadProject(ctx context.Context, projectID int64) (*model.Project, error) {
	project, err := e.ledger.GetProject(ctx, projectID)
	if errors.Is(err, repository.ErrProjectNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return project, nil
}

// loadMilestone 读取项目与里程碑快照
func (e *EscrowEngine) loadMilestone(ctx context.Context, projectID int64, index uint32) (*model.Project, *model.Milestone, error) {
	project, err := e.loadProject(ctx, projectID)
	if err != nil || project == nil {
		return nil, nil, err
	}
	milestone, err := e.ledger.GetMilestoneByIndex(ctx, projectID, index)
	if errors.Is(err, repository.ErrMilestoneNotFound) {
		return project, nil, nil
	}
	if err != nil {
		return nil, nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return project, milestone, nil
}

func (e *EscrowEngine) newOperation(kind model.OperationKind, project *model.Project, milestone *model.Milestone, caller string, value decimal.Decimal) *model.ChainOperation {
	op := &model.ChainOperation{
		OperationID: uuid.NewString(),
		Kind:        kind,
		Caller:      caller,
		Value:       value,
		Status:      model.OperationStatusPending,
	}
	if project != nil {
		op.ProjectID = project.ID
		op.OnchainProjectID = project.OnchainProjectID
	}
	if milestone != nil {
		op.MilestoneID = milestone.ID
		op.SequenceIndex = milestone.SequenceIndex
	}
	return op
}

type submitFunc func(ctx context.Context, opts ...gateway.SubmitOption) (*gateway.Submission, error)

// run 提交、等待确认、提交镜像
func (e *EscrowEngine) run(ctx context.Context, op *model.ChainOperation, start time.Time, send submitFunc) (*OperationResult, error) {
	ctx = logger.NewContext(ctx,
		logger.OperationID(op.OperationID),
		zap.String("kind", string(op.Kind)),
		logger.ProjectID(op.ProjectID),
		logger.MilestoneID(op.MilestoneID))

	receipt, err := e.submitAndAwait(ctx, op, send)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindPendingConfirmation:
			e.record(op.Kind, resultPending, start)
		case apperrors.KindContractRevert, apperrors.KindPreconditionFailed:
			e.record(op.Kind, resultReverted, start)
		default:
			e.record(op.Kind, resultFailed, start)
		}
		return nil, err
	}

	result, err := e.finalize(ctx, op, receipt)
	if err != nil {
		e.record(op.Kind, resultFailed, start)
		return nil, err
	}
	e.record(op.Kind, resultCommitted, start)
	return result, nil
}

// submitAndAwait 签名广播并在限定时间内等待确认
func (e *EscrowEngine) submitAndAwait(ctx context.Context, op *model.ChainOperation, send submitFunc) (*gateway.Receipt, error) {
	log := logger.WithContext(ctx)

	persisted := false
	hook := func(hookCtx context.Context, txHash string, nonce uint64) error {
		op.TxHash = txHash
		op.Nonce = nonce
		op.Status = model.OperationStatusSubmitted
		op.SubmittedAt = time.Now().UnixMilli()
		if err := e.ops.Create(hookCtx, op); err != nil {
			return apperrors.Wrap(apperrors.ErrInternal, err)
		}
		persisted = true
		return nil
	}

	sub, err := send(ctx, gateway.WithBeforeBroadcast(hook))
	if err != nil && !(persisted && sub != nil && errors.Is(err, gateway.ErrBroadcastUnknown)) {
		if persisted && op.Status == model.OperationStatusSubmitted {
			e.markFailed(ctx, op, err)
		}
		log.Warn("chain submission failed", zap.Error(err))
		return nil, err
	}
	log = log.With(logger.TxHash(sub.TxHash))
	if err != nil {
		// 交易可能已进入内存池，按已广播继续等待
		log.Warn("broadcast outcome unknown, awaiting confirmation", zap.Error(err))
	} else {
		log.Info("chain operation submitted", zap.Uint64("nonce", sub.Nonce))
	}

	if e.cfg.Async {
		return nil, e.deferConfirmation(ctx, op)
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	receipt, err := e.gateway.AwaitConfirmation(waitCtx, sub.TxHash, e.cfg.Confirmations)
	if err == nil {
		return receipt, nil
	}

	switch apperrors.KindOf(err) {
	case apperrors.KindPendingConfirmation:
		return nil, e.deferConfirmation(ctx, op)
	case apperrors.KindContractRevert, apperrors.KindPreconditionFailed:
		e.markReverted(ctx, op, receipt, apperrors.FromError(err).Detail(apperrors.DetailReason))
		return nil, err
	default:
		return nil, err
	}
}

// deferConfirmation 投递确认任务并返回待确认错误
func (e *EscrowEngine) deferConfirmation(ctx context.Context, op *model.ChainOperation) error {
	job := &model.ConfirmationJob{
		OperationID: op.OperationID,
		TxHash:      op.TxHash,
		EnqueuedAt:  time.Now().UnixMilli(),
	}
	if e.queue == nil {
		logger.WithContext(ctx).Warn("no confirmation queue, leaving operation for sweep")
	} else if err := e.queue.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		// 入队失败不影响结果，对账扫描会接手
		logger.WithContext(ctx).Warn("enqueue confirmation job failed", zap.Error(err))
	}
	return apperrors.NewPendingConfirmation(op.OperationID, op.TxHash)
}

// markFailed SUBMITTED -> FAILED
func (e *EscrowEngine) markFailed(ctx context.Context, op *model.ChainOperation, cause error) {
	ok, err := e.ops.CompareAndSetStatus(context.WithoutCancel(ctx), op.OperationID, op.Status, model.OperationStatusFailed,
		map[string]interface{}{"error_message": truncate(cause.Error(), 1024)})
	if err != nil || !ok {
		logger.WithContext(ctx).Error("mark operation failed", zap.Bool("updated", ok), zap.Error(err))
		return
	}
	op.Status = model.OperationStatusFailed
}

// markReverted 标记链上回滚
func (e *EscrowEngine) markReverted(ctx context.Context, op *model.ChainOperation, receipt *gateway.Receipt, reason string) bool {
	fields := map[string]interface{}{"revert_reason": truncate(reason, 512)}
	if receipt != nil {
		fields["block_number"] = receipt.BlockNumber
	}
	ok, err := e.ops.CompareAndSetStatus(context.WithoutCancel(ctx), op.OperationID, op.Status, model.OperationStatusReverted, fields)
	if err != nil || !ok {
		logger.WithContext(ctx).Error("mark operation reverted", zap.Bool("updated", ok), zap.Error(err))
		return false
	}
	op.Status = model.OperationStatusReverted
	op.RevertReason = reason
	e.settleNonce(ctx, op, true)
	logger.WithContext(ctx).Info("chain operation reverted", zap.String("reason", reason))
	return true
}

// markExpired 标记交易丢失
func (e *EscrowEngine) markExpired(ctx context.Context, op *model.ChainOperation) bool {
	ok, err := e.ops.CompareAndSetStatus(ctx, op.OperationID, op.Status, model.OperationStatusExpired,
		map[string]interface{}{"error_message": "transaction dropped from mempool"})
	if err != nil || !ok {
		logger.WithContext(ctx).Error("mark operation expired", zap.Bool("updated", ok), zap.Error(err))
		return false
	}
	op.Status = model.OperationStatusExpired
	e.settleNonce(ctx, op, false)
	return true
}

// settleNonce 交易已有最终结果，结束发送方的 nonce 跟踪
func (e *EscrowEngine) settleNonce(ctx context.Context, op *model.ChainOperation, mined bool) {
	if op.TxHash == "" {
		return
	}
	e.gateway.SettleNonce(context.WithoutCancel(ctx), op.Caller, op.Nonce, op.TxHash, mined)
}

// commitOutcome 提交结果
type commitOutcome struct {
	project    *model.Project
	milestone  *model.Milestone
	milestones []*model.Milestone
	// txHash 写入镜像的交易哈希
	txHash string
	// benign 镜像此前已处于目标状态
	benign bool
}

// finalize 提交镜像并发布事件
func (e *EscrowEngine) finalize(ctx context.Context, op *model.ChainOperation, receipt *gateway.Receipt) (*OperationResult, error) {
	outcome, err := e.commit(ctx, op, receipt)
	if err != nil {
		return nil, err
	}

	log := logger.WithContext(ctx).With(logger.TxHash(op.TxHash))
	if outcome.benign {
		log.Info("mirror already in target state, operation closed")
	} else {
		log.Info("chain operation committed")
		e.publish(ctx, op, outcome)
	}

	return &OperationResult{
		OperationID: op.OperationID,
		TxHash:      op.TxHash,
		Project:     outcome.project,
		Milestone:   outcome.milestone,
		Milestones:  outcome.milestones,
	}, nil
}

// commit 在一个事务内更新镜像并关闭操作
func (e *EscrowEngine) commit(ctx context.Context, op *model.ChainOperation, receipt *gateway.Receipt) (*commitOutcome, error) {
	var outcome *commitOutcome
	from := op.Status

	err := e.ledger.TransactionWithRetry(ctx, e.cfg.CommitRetries, func(txCtx context.Context) error {
		var err error
		outcome, err = e.applyMirror(txCtx, op, receipt, op.TxHash)
		if err != nil {
			return err
		}

		fields := map[string]interface{}{}
		if receipt != nil && receipt.BlockNumber > 0 {
			fields["block_number"] = receipt.BlockNumber
		}
		if op.Kind == model.OperationKindRegister && outcome.project != nil {
			fields["project_id"] = outcome.project.ID
			fields["onchain_project_id"] = outcome.project.OnchainProjectID
		}
		closed, err := e.ops.CompareAndSetStatus(txCtx, op.OperationID, from, model.OperationStatusCommitted, fields)
		if err != nil {
			return err
		}
		if !closed {
			metrics.RecordCASConflict("status")
			current, err := e.ops.GetByOperationID(txCtx, op.OperationID)
			if err != nil {
				return err
			}
			if current.Status != model.OperationStatusCommitted {
				return apperrors.ErrReconciliationConflict.WithMessagef("operation %s is %s", op.OperationID, current.Status)
			}
			outcome.benign = true
		}
		return nil
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindReconciliationConflict {
			logger.WithContext(ctx).Error("reconciliation conflict", zap.Error(err))
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	op.Status = model.OperationStatusCommitted
	if receipt != nil {
		op.BlockNumber = receipt.BlockNumber
	}
	e.settleNonce(ctx, op, true)
	return outcome, nil
}

// repairMirror 以实际达成链上状态的交易修复镜像，不改变操作状态
func (e *EscrowEngine) repairMirror(ctx context.Context, op *model.ChainOperation, reached *gateway.StateChangeLog) (*commitOutcome, error) {
	var outcome *commitOutcome
	err := e.ledger.TransactionWithRetry(ctx, e.cfg.CommitRetries, func(txCtx context.Context) error {
		var err error
		outcome, err = e.applyMirror(txCtx, op, nil, reached.TxHash)
		return err
	})
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindReconciliationConflict {
			logger.WithContext(ctx).Error("reconciliation conflict", zap.Error(err))
			return nil, err
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return outcome, nil
}

// applyMirror 按操作类型执行 compare-and-set，txHash 为写入镜像的交易
func (e *EscrowEngine) applyMirror(ctx context.Context, op *model.ChainOperation, receipt *gateway.Receipt, txHash string) (*commitOutcome, error) {
	outcome, err := e.applyMirrorFlags(ctx, op, receipt, txHash)
	if err != nil {
		return nil, err
	}
	outcome.txHash = txHash
	return outcome, nil
}

func (e *EscrowEngine) applyMirrorFlags(ctx context.Context, op *model.ChainOperation, receipt *gateway.Receipt, txHash string) (*commitOutcome, error) {
	switch op.Kind {
	case model.OperationKindRegister:
		return e.applyRegister(ctx, op, receipt)

	case model.OperationKindDispute:
		ok, err := e.ledger.SetDisputed(ctx, op.ProjectID, txHash)
		if err != nil {
			return nil, err
		}
		project, err := e.ledger.GetProject(ctx, op.ProjectID)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.RecordCASConflict("disputed")
			if !project.Disputed {
				return nil, apperrors.ErrReconciliationConflict.WithMessagef("project %d dispute not applied", op.ProjectID)
			}
		}
		return &commitOutcome{project: project, benign: !ok}, nil

	case model.OperationKindFund, model.OperationKindApprove, model.OperationKindRefund:
		var (
			ok    bool
			err   error
			field string
		)
		switch op.Kind {
		case model.OperationKindFund:
			field = "funded"
			ok, err = e.ledger.CompareAndSetFunded(ctx, op.MilestoneID, txHash)
		case model.OperationKindApprove:
			field = "released"
			ok, err = e.ledger.CompareAndSetReleased(ctx, op.MilestoneID, model.ReleaseKindFreelancer, txHash)
		default:
			field = "released"
			ok, err = e.ledger.CompareAndSetReleased(ctx, op.MilestoneID, model.ReleaseKindClient, txHash)
		}
		if err != nil {
			return nil, err
		}

		milestone, err := e.ledger.GetMilestone(ctx, op.MilestoneID)
		if err != nil {
			return nil, err
		}
		project, err := e.ledger.GetProject(ctx, milestone.ProjectID)
		if err != nil {
			return nil, err
		}
		if !ok {
			metrics.RecordCASConflict(field)
			if !inTargetState(op.Kind, milestone) {
				return nil, apperrors.ErrReconciliationConflict.WithMessagef("milestone %d is %s", milestone.ID, milestone.State())
			}
		}
		return &commitOutcome{project: project, milestone: milestone, benign: !ok}, nil
	}

	return nil, apperrors.ErrInternal.WithMessagef("unknown operation kind %q", op.Kind)
}

// applyRegister 根据回执创建镜像，链上项目 ID 重复视为已注册
func (e *EscrowEngine) applyRegister(ctx context.Context, op *model.ChainOperation, receipt *gateway.Receipt) (*commitOutcome, error) {
	if receipt == nil || !receipt.ProjectCreated {
		return nil, apperrors.ErrInternal.WithMessage("register receipt carries no ProjectCreated event")
	}
	payload, err := op.RegisterPayload()
	if err != nil {
		return nil, err
	}

	project := &model.Project{
		OnchainProjectID: receipt.ProjectID,
		ClientWallet:     payload.ClientWallet,
		FreelancerWallet: payload.FreelancerWallet,
		RegisterTxHash:   op.TxHash,
	}
	milestones := make([]*model.Milestone, 0, len(payload.Amounts))
	for i, raw := range payload.Amounts {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, err
		}
		milestones = append(milestones, &model.Milestone{SequenceIndex: uint32(i), Amount: amount})
	}

	benign := false
	err = e.ledger.CreateProject(ctx, project, milestones)
	if errors.Is(err, repository.ErrProjectAlreadyExists) {
		metrics.RecordCASConflict("project")
		benign = true
		if project, err = e.ledger.GetProjectByOnchainID(ctx, receipt.ProjectID); err != nil {
			return nil, err
		}
		if milestones, err = e.ledger.ListMilestones(ctx, project.ID); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	return &commitOutcome{project: project, milestones: milestones, benign: benign}, nil
}

// inTargetState 里程碑是否已处于操作的目标状态
func inTargetState(kind model.OperationKind, m *model.Milestone) bool {
	switch kind {
	case model.OperationKindFund:
		return m.Funded
	case model.OperationKindApprove:
		return m.Released && m.ReleaseKind == model.ReleaseKindFreelancer
	case model.OperationKindRefund:
		return m.Released && m.ReleaseKind == model.ReleaseKindClient
	}
	return false
}

// publish 发布领域事件，失败只记录日志
func (e *EscrowEngine) publish(ctx context.Context, op *model.ChainOperation, outcome *commitOutcome) {
	now := time.Now().UnixMilli()
	project := outcome.project

	var err error
	switch op.Kind {
	case model.OperationKindRegister:
		amounts := make([]string, 0, len(outcome.milestones))
		for _, m := range outcome.milestones {
			amounts = append(amounts, m.Amount.String())
		}
		err = e.events.PublishProjectRegistered(ctx, &model.ProjectRegisteredEvent{
			ProjectID:        project.ID,
			OnchainProjectID: project.OnchainProjectID,
			ClientWallet:     project.ClientWallet,
			FreelancerWallet: project.FreelancerWallet,
			Amounts:          amounts,
			TxHash:           outcome.txHash,
			Timestamp:        now,
		})
	case model.OperationKindFund:
		err = e.events.PublishMilestoneFunded(ctx, &model.MilestoneFundedEvent{
			ProjectID:        project.ID,
			OnchainProjectID: project.OnchainProjectID,
			MilestoneID:      outcome.milestone.ID,
			SequenceIndex:    outcome.milestone.SequenceIndex,
			Amount:           outcome.milestone.Amount.String(),
			TxHash:           outcome.txHash,
			Timestamp:        now,
		})
	case model.OperationKindApprove, model.OperationKindRefund:
		err = e.events.PublishMilestoneReleased(ctx, &model.MilestoneReleasedEvent{
			ProjectID:        project.ID,
			OnchainProjectID: project.OnchainProjectID,
			MilestoneID:      outcome.milestone.ID,
			SequenceIndex:    outcome.milestone.SequenceIndex,
			Amount:           outcome.milestone.Amount.String(),
			ReleaseKind:      outcome.milestone.ReleaseKind.String(),
			TxHash:           outcome.txHash,
			Timestamp:        now,
		})
	case model.OperationKindDispute:
		err = e.events.PublishDisputeRaised(ctx, &model.DisputeRaisedEvent{
			ProjectID:        project.ID,
			OnchainProjectID: project.OnchainProjectID,
			RaisedBy:         op.Caller,
			TxHash:           outcome.txHash,
			Timestamp:        now,
		})
	}
	if err != nil {
		logger.WithContext(ctx).Warn("publish escrow event failed", zap.Error(err))
	}
}

func (e *EscrowEngine) record(kind model.OperationKind, result string, start time.Time) {
	metrics.RecordOperation(string(kind), result, time.Since(start).Seconds())
}

// truncate 截断到不超过 n 字节，不拆分 UTF-8 字符
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
