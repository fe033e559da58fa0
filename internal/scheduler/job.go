package scheduler

import (
	"context"
	"time"
)

// JobNameReconcilerSweep 对账扫描任务
const JobNameReconcilerSweep = "reconciler-sweep"

// Job 定时任务
type Job interface {
	Name() string
	// Execute 执行一次，ctx 在 Timeout 后取消
	Execute(ctx context.Context) (*JobResult, error)
	Timeout() time.Duration
	// RequiresLock 多副本部署时是否只允许一个实例执行
	RequiresLock() bool
	LockTTL() time.Duration
	// UseWatchdog 执行时间可能超过 LockTTL 时自动续期
	UseWatchdog() bool
}

// JobResult 单次执行的统计
type JobResult struct {
	ProcessedCount int                    `json:"processedCount"`
	AffectedCount  int                    `json:"affectedCount"`
	ErrorCount     int                    `json:"errorCount"`
	Details        map[string]interface{} `json:"details,omitempty"`
}

// Partial 部分记录处理失败
func (r *JobResult) Partial() bool {
	return r != nil && r.ErrorCount > 0
}

// BaseJob 提供 Job 中除 Execute 以外的方法，供具体任务嵌入
type BaseJob struct {
	name        string
	timeout     time.Duration
	lockTTL     time.Duration
	useWatchdog bool
}

// NewBaseJob lockTTL 为 0 表示不加锁
func NewBaseJob(name string, timeout, lockTTL time.Duration, useWatchdog bool) BaseJob {
	return BaseJob{
		name:        name,
		timeout:     timeout,
		lockTTL:     lockTTL,
		useWatchdog: useWatchdog && lockTTL > 0,
	}
}

func (j BaseJob) Name() string { return j.name }
func (j BaseJob) Timeout() time.Duration { return j.timeout }
func (j BaseJob) RequiresLock() bool { return j.lockTTL > 0 }
func (j BaseJob) LockTTL() time.Duration { return j.lockTTL }
func (j BaseJob) UseWatchdog() bool { return j.useWatchdog }
