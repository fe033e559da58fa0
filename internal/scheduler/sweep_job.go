package scheduler

import (
	"context"
	"time"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/service"
)

// Sweeper 对账扫描
type Sweeper interface {
	Run(ctx context.Context) (*service.SweepResult, error)
}

// SweepJob 周期执行 ReconcilerSweep
type SweepJob struct {
	BaseJob
	sweeper Sweeper
}

// NewSweepJob 创建对账扫描任务
func NewSweepJob(sweeper Sweeper, timeout, lockTTL time.Duration) *SweepJob {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &SweepJob{
		BaseJob: NewBaseJob(JobNameReconcilerSweep, timeout, lockTTL, lockTTL > 0 && timeout > lockTTL),
		sweeper: sweeper,
	}
}

// Execute 执行扫描
func (j *SweepJob) Execute(ctx context.Context) (*JobResult, error) {
	res, err := j.sweeper.Run(ctx)
	if err != nil {
		return nil, err
	}
	return &JobResult{
		ProcessedCount: res.Scanned,
		AffectedCount:  res.Repaired + res.Closed + res.Reverted + res.Expired,
		ErrorCount:     res.Errors,
		Details: map[string]interface{}{
			"repaired": res.Repaired,
			"closed":   res.Closed,
			"reverted": res.Reverted,
			"expired":  res.Expired,
		},
	}, nil
}
