package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/repository"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// ConfirmationWatcher 处理确认任务，等待交易确认后提交镜像
type ConfirmationWatcher struct {
	engine       *EscrowEngine
	watchTimeout time.Duration
}

// NewConfirmationWatcher 创建确认处理器
func NewConfirmationWatcher(engine *EscrowEngine, watchTimeout time.Duration) *ConfirmationWatcher {
	if watchTimeout <= 0 {
		watchTimeout = 2 * time.Minute
	}
	return &ConfirmationWatcher{
		engine:       engine,
		watchTimeout: watchTimeout,
	}
}

// Handle 处理单个确认任务
//
// 超时仍未确认时操作保持 SUBMITTED 并返回 nil，由对账扫描继续跟踪。
func (w *ConfirmationWatcher) Handle(ctx context.Context, job *model.ConfirmationJob) error {
	e := w.engine
	op, err := e.ops.GetByOperationID(ctx, job.OperationID)
	if errors.Is(err, repository.ErrOperationNotFound) {
		logger.Warn("confirmation job for unknown operation", logger.OperationID(job.OperationID))
		return nil
	}
	if err != nil {
		return err
	}
	if op.Status.IsTerminal() || op.TxHash == "" {
		return nil
	}

	ctx = logger.NewContext(ctx,
		logger.OperationID(op.OperationID),
		zap.String("kind", string(op.Kind)),
		logger.TxHash(op.TxHash))

	waitCtx, cancel := context.WithTimeout(ctx, w.watchTimeout)
	defer cancel()

	receipt, err := e.gateway.AwaitConfirmation(waitCtx, op.TxHash, e.cfg.Confirmations)
	if err != nil {
		switch apperrors.KindOf(err) {
		case apperrors.KindPendingConfirmation:
			logger.WithContext(ctx).Info("operation still pending, left for sweep")
			return nil
		case apperrors.KindContractRevert, apperrors.KindPreconditionFailed:
			e.markReverted(ctx, op, receipt, apperrors.FromError(err).Detail(apperrors.DetailReason))
			return nil
		default:
			return err
		}
	}

	_, err = e.finalize(ctx, op, receipt)
	return err
}
