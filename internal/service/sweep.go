package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/gateway"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// SweepConfig 对账扫描配置
type SweepConfig struct {
	// OlderThan 仅处理创建时间早于此间隔的操作
	OlderThan time.Duration
	// ExpireAfter 交易查不到且超过此间隔则标记 EXPIRED
	ExpireAfter time.Duration
	BatchSize   int
}

// SweepResult 单次扫描结果
type SweepResult struct {
	Scanned  int `json:"scanned"`
	Repaired int `json:"repaired"`
	Closed   int `json:"closed"`
	Reverted int `json:"reverted"`
	Expired  int `json:"expired"`
	Errors   int `json:"errors"`
}

// ReconcilerSweep 对账扫描，从链上状态修复未关闭操作对应的镜像
//
// 所有写入都是 compare-and-set，标志位只会从 false 变为 true，可与在线请求并发运行。
type ReconcilerSweep struct {
	engine *EscrowEngine
	cfg    *SweepConfig
	now    func() time.Time
}

// NewReconcilerSweep 创建对账扫描
func NewReconcilerSweep(engine *EscrowEngine, cfg *SweepConfig) *ReconcilerSweep {
	if cfg == nil {
		cfg = &SweepConfig{}
	}
	if cfg.OlderThan == 0 {
		cfg.OlderThan = time.Minute
	}
	if cfg.ExpireAfter == 0 {
		cfg.ExpireAfter = 30 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &ReconcilerSweep{
		engine: engine,
		cfg:    cfg,
		now:    time.Now,
	}
}

// projectKinds 不关联里程碑的操作，由 ListStale 扫描
var projectKinds = []model.OperationKind{model.OperationKindRegister, model.OperationKindDispute}

// sweepOutcome 单个操作的处理结果
type sweepOutcome int

const (
	outcomeSkipped sweepOutcome = iota
	outcomeRepaired
	outcomeClosed
	outcomeReverted
	outcomeExpired
)

// Run 执行一次扫描
func (s *ReconcilerSweep) Run(ctx context.Context) (*SweepResult, error) {
	e := s.engine
	cutoff := s.now().Add(-s.cfg.OlderThan).UnixMilli()
	result := &SweepResult{}

	unreconciled, err := e.ledger.ListUnreconciled(ctx, cutoff, s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSweep("error", -1)
		return nil, err
	}
	for _, item := range unreconciled {
		result.Scanned++
		outcome, err := s.reconcileMilestone(ctx, item.Milestone, item.Operation)
		s.tally(result, item.Operation, outcome, err)
	}

	stale, err := e.ops.ListStale(ctx, projectKinds,
		[]model.OperationStatus{model.OperationStatusPending, model.OperationStatusSubmitted},
		cutoff, s.cfg.BatchSize)
	if err != nil {
		metrics.RecordSweep("error", -1)
		return nil, err
	}
	for _, op := range stale {
		var (
			outcome sweepOutcome
			err     error
		)
		switch op.Kind {
		case model.OperationKindRegister:
			outcome, err = s.reconcileRegister(ctx, op)
		case model.OperationKindDispute:
			outcome, err = s.reconcileDispute(ctx, op)
		default:
			continue
		}
		result.Scanned++
		s.tally(result, op, outcome, err)
	}

	metrics.RecordSweep("success", result.Scanned)
	if result.Scanned > 0 {
		logger.Info("reconciler sweep finished",
			zap.Int("scanned", result.Scanned),
			zap.Int("repaired", result.Repaired),
			zap.Int("closed", result.Closed),
			zap.Int("reverted", result.Reverted),
			zap.Int("expired", result.Expired),
			zap.Int("errors", result.Errors))
	}
	return result, nil
}

func (s *ReconcilerSweep) tally(result *SweepResult, op *model.ChainOperation, outcome sweepOutcome, err error) {
	if err != nil {
		result.Errors++
		logger.Warn("reconcile operation failed",
			logger.OperationID(op.OperationID),
			zap.String("kind", string(op.Kind)),
			zap.Error(err))
		return
	}
	switch outcome {
	case outcomeRepaired:
		result.Repaired++
		metrics.RecordSweepRepair(string(op.Kind))
	case outcomeClosed:
		result.Closed++
	case outcomeReverted:
		result.Reverted++
	case outcomeExpired:
		result.Expired++
	}
}

// reconcileMilestone 处理注资/审批/退款操作
func (s *ReconcilerSweep) reconcileMilestone(ctx context.Context, milestone *model.Milestone, op *model.ChainOperation) (sweepOutcome, error) {
	e := s.engine
	state, err := e.gateway.ReadMilestoneState(ctx, op.OnchainProjectID, milestone.SequenceIndex)
	if err != nil {
		return outcomeSkipped, err
	}
	if !chainReached(op.Kind, state) {
		return s.resolveReceipt(ctx, op)
	}
	change := gateway.StateReleased
	if op.Kind == model.OperationKindFund {
		change = gateway.StateFunded
	}
	return s.closeReached(ctx, op, change)
}

// reconcileDispute 处理争议操作
func (s *ReconcilerSweep) reconcileDispute(ctx context.Context, op *model.ChainOperation) (sweepOutcome, error) {
	state, err := s.engine.gateway.ReadProjectState(ctx, op.OnchainProjectID)
	if err != nil {
		return outcomeSkipped, err
	}
	if !state.Disputed {
		return s.resolveReceipt(ctx, op)
	}
	return s.closeReached(ctx, op, gateway.StateDisputed)
}

// reconcileRegister 处理注册操作，项目 ID 只能从回执获得
func (s *ReconcilerSweep) reconcileRegister(ctx context.Context, op *model.ChainOperation) (sweepOutcome, error) {
	if op.TxHash == "" {
		return s.resolveReceipt(ctx, op)
	}
	receipt, err := s.engine.gateway.GetReceipt(ctx, op.TxHash)
	if err != nil || !receipt.Succeeded() {
		return s.resolveReceipt(ctx, op)
	}
	return s.close(ctx, op, receipt)
}

// close 提交镜像并关闭操作
func (s *ReconcilerSweep) close(ctx context.Context, op *model.ChainOperation, receipt *gateway.Receipt) (sweepOutcome, error) {
	outcome, err := s.engine.commit(ctx, op, receipt)
	if err != nil {
		return outcomeSkipped, err
	}
	log := logger.WithContext(ctx).With(
		logger.OperationID(op.OperationID),
		logger.TxHash(op.TxHash))
	if outcome.benign {
		log.Info("operation closed, mirror already consistent")
		return outcomeClosed, nil
	}
	log.Info("mirror repaired from chain state")
	s.engine.publish(ctx, op, outcome)
	return outcomeRepaired, nil
}

// resolveReceipt 链上目标状态未达成时根据回执决定操作去向
func (s *ReconcilerSweep) resolveReceipt(ctx context.Context, op *model.ChainOperation) (sweepOutcome, error) {
	e := s.engine
	if op.TxHash == "" {
		if s.expired(op) && e.markExpired(ctx, op) {
			return outcomeExpired, nil
		}
		return outcomeSkipped, nil
	}

	receipt, err := e.gateway.GetReceipt(ctx, op.TxHash)
	switch {
	case err == nil && !receipt.Succeeded():
		if e.markReverted(ctx, op, receipt, receipt.RevertReason) {
			return outcomeReverted, nil
		}
		return outcomeSkipped, nil
	case err == nil, errors.Is(err, gateway.ErrTxPending):
		// 已打包但读到的状态滞后，或仍在内存池
		return outcomeSkipped, nil
	case errors.Is(err, gateway.ErrTxNotFound):
		if s.expired(op) && e.markExpired(ctx, op) {
			return outcomeExpired, nil
		}
		return outcomeSkipped, nil
	default:
		return outcomeSkipped, err
	}
}

// closeReached 链上已达目标状态，可能由其他交易达成
//
// 只有本操作自身交易成功时才以它提交镜像。否则从合约事件找到达成状态的交易：
// 属于其他操作时镜像由那个操作提交；不属于任何操作时以它修复镜像。本操作的
// 交易查不到且超过 ExpireAfter 后标记 EXPIRED，仍在内存池的等打包后回滚。
func (s *ReconcilerSweep) closeReached(ctx context.Context, op *model.ChainOperation, change gateway.StateChange) (sweepOutcome, error) {
	e := s.engine
	ownErr := gateway.ErrTxNotFound
	if op.TxHash != "" {
		r, err := e.gateway.GetReceipt(ctx, op.TxHash)
		switch {
		case err == nil && r.Succeeded():
			return s.close(ctx, op, r)
		case err == nil:
			if e.markReverted(ctx, op, r, r.RevertReason) {
				return outcomeReverted, nil
			}
			return outcomeSkipped, nil
		case errors.Is(err, gateway.ErrTxNotFound), errors.Is(err, gateway.ErrTxPending):
			ownErr = err
		default:
			return outcomeSkipped, err
		}
	}

	log := logger.WithContext(ctx).With(
		logger.OperationID(op.OperationID),
		logger.TxHash(op.TxHash),
		zap.String("change", change.String()))

	reached, err := e.gateway.FindStateChange(ctx, change, op.OnchainProjectID, op.SequenceIndex)
	if errors.Is(err, gateway.ErrTxNotFound) {
		log.Warn("target state reached but no event found, retry next sweep")
		return outcomeSkipped, nil
	}
	if err != nil {
		return outcomeSkipped, err
	}
	log = log.With(zap.String("reached_by", reached.TxHash))

	outcome := outcomeSkipped
	owner, err := e.ops.GetByTxHash(ctx, reached.TxHash)
	switch {
	case errors.Is(err, repository.ErrOperationNotFound):
		repaired, err := e.repairMirror(ctx, op, reached)
		if err != nil {
			return outcomeSkipped, err
		}
		if !repaired.benign {
			log.Info("mirror repaired from external transaction")
			e.publish(ctx, op, repaired)
			outcome = outcomeRepaired
		}
	case err != nil:
		return outcomeSkipped, err
	case owner.OperationID == op.OperationID:
		// 事件已可见但回执查询滞后
		return outcomeSkipped, nil
	default:
		log.Debug("target state reached by another operation", zap.String("owner_operation_id", owner.OperationID))
	}

	if errors.Is(ownErr, gateway.ErrTxNotFound) && s.expired(op) && e.markExpired(ctx, op) {
		log.Info("operation superseded, own transaction never mined")
		if outcome == outcomeSkipped {
			outcome = outcomeExpired
		}
	}
	return outcome, nil
}

func (s *ReconcilerSweep) expired(op *model.ChainOperation) bool {
	since := op.SubmittedAt
	if since == 0 {
		since = op.CreatedAt
	}
	return s.now().UnixMilli()-since > s.cfg.ExpireAfter.Milliseconds()
}

// chainReached 链上状态是否已达到操作目标
func chainReached(kind model.OperationKind, state *gateway.MilestoneState) bool {
	switch kind {
	case model.OperationKindFund:
		return state.Funded
	case model.OperationKindApprove:
		return state.Released && !state.Refunded
	case model.OperationKindRefund:
		return state.Released && state.Refunded
	}
	return false
}
