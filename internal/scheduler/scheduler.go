package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// 执行状态
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// ErrJobNotFound 任务未注册
var ErrJobNotFound = errors.New("job not found")

// Scheduler 任务调度器
type Scheduler struct {
	cron          *cron.Cron
	lockManager   *LockManager
	jobs          map[string]Job
	jobConfigs    map[string]JobConfig
	active        map[string]chan struct{}
	executions    map[string]*Execution
	mu            sync.RWMutex
	maxConcurrent int
	running       chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup
}

// JobConfig 任务配置
type JobConfig struct {
	Cron    string
	Enabled bool
}

// SchedulerConfig 调度器配置
type SchedulerConfig struct {
	MaxConcurrentJobs int
	RedisClient       redis.UniversalClient
}

// Execution 最近一次执行记录
type Execution struct {
	JobName    string     `json:"job_name"`
	Status     string     `json:"status"`
	StartedAt  int64      `json:"started_at"`
	FinishedAt int64      `json:"finished_at,omitempty"`
	DurationMs int64      `json:"duration_ms"`
	Result     *JobResult `json:"result,omitempty"`
	Error      string     `json:"error,omitempty"`
}

// NewScheduler 创建调度器
func NewScheduler(cfg *SchedulerConfig) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	maxConcurrent := cfg.MaxConcurrentJobs
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}

	return &Scheduler{
		cron:          cron.New(cron.WithSeconds()), // 支持秒级调度
		lockManager:   NewLockManager(cfg.RedisClient),
		jobs:          make(map[string]Job),
		jobConfigs:    make(map[string]JobConfig),
		active:        make(map[string]chan struct{}),
		executions:    make(map[string]*Execution),
		maxConcurrent: maxConcurrent,
		running:       make(chan struct{}, maxConcurrent),
		ctx:           ctx,
		cancel:        cancel,
	}
}

// ValidateCron 校验秒级 cron 表达式
func ValidateCron(spec string) error {
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	_, err := parser.Parse(spec)
	return err
}

// RegisterJob 注册任务
func (s *Scheduler) RegisterJob(job Job, config JobConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.Name()]; exists {
		return fmt.Errorf("job %s already registered", job.Name())
	}

	s.jobs[job.Name()] = job
	s.jobConfigs[job.Name()] = config
	s.active[job.Name()] = make(chan struct{}, 1)

	if !config.Enabled {
		logger.Info("job registered but disabled", zap.String("job", job.Name()))
		return nil
	}

	if _, err := s.cron.AddFunc(config.Cron, func() {
		s.executeJob(job)
	}); err != nil {
		delete(s.jobs, job.Name())
		delete(s.jobConfigs, job.Name())
		delete(s.active, job.Name())
		return fmt.Errorf("failed to add cron job: %w", err)
	}

	logger.Info("job registered", zap.String("job", job.Name()), zap.String("cron", config.Cron))
	return nil
}

// Start 启动调度器
func (s *Scheduler) Start() {
	s.cron.Start()
	logger.Info("scheduler started")
}

// Stop 停止调度器并等待执行中的任务结束
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	logger.Info("scheduler stopped")
}

// TriggerJob 手动触发任务
func (s *Scheduler) TriggerJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.executeJob(job)
	}()
	return nil
}

// RunNow 同步执行任务
func (s *Scheduler) RunNow(jobName string) (*Execution, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}
	return s.executeJob(job), nil
}

// LastExecution 最近一次执行记录
func (s *Scheduler) LastExecution(jobName string) (*Execution, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[jobName]
	if !ok {
		return nil, false
	}
	copied := *exec
	return &copied, true
}

// executeJob 执行任务
func (s *Scheduler) executeJob(job Job) *Execution {
	// 同一任务上一轮未结束则跳过
	s.mu.RLock()
	active := s.active[job.Name()]
	s.mu.RUnlock()
	select {
	case active <- struct{}{}:
		defer func() { <-active }()
	default:
		logger.Warn("previous run still in progress, skipping", zap.String("job", job.Name()))
		return s.record(job.Name(), StatusSkipped, time.Now(), nil, "previous run still in progress")
	}

	select {
	case s.running <- struct{}{}:
		defer func() { <-s.running }()
	default:
		logger.Warn("max concurrent jobs reached, skipping", zap.String("job", job.Name()))
		return s.record(job.Name(), StatusSkipped, time.Now(), nil, "max concurrent jobs reached")
	}

	select {
	case <-s.ctx.Done():
		return s.record(job.Name(), StatusSkipped, time.Now(), nil, "scheduler stopped")
	default:
	}

	ctx, cancel := context.WithTimeout(s.ctx, job.Timeout())
	defer cancel()

	if job.RequiresLock() {
		lock := s.lockManager.NewLock(job.Name(), job.LockTTL(), job.UseWatchdog())
		acquired, err := lock.TryLock(ctx)
		if err != nil {
			logger.Error("failed to acquire lock", zap.String("job", job.Name()), zap.Error(err))
			return s.record(job.Name(), StatusFailed, time.Now(), nil, err.Error())
		}
		if !acquired {
			logger.Debug("job is already running on another instance", zap.String("job", job.Name()))
			return s.record(job.Name(), StatusSkipped, time.Now(), nil, "job is running on another instance")
		}
		defer func() {
			if err := lock.Unlock(context.Background()); err != nil {
				logger.Error("failed to release lock", zap.String("job", job.Name()), zap.Error(err))
			}
		}()
	}

	start := time.Now()
	s.mu.Lock()
	s.executions[job.Name()] = &Execution{JobName: job.Name(), Status: StatusRunning, StartedAt: start.UnixMilli()}
	s.mu.Unlock()

	logger.Debug("starting job", zap.String("job", job.Name()))
	result, err := job.Execute(ctx)
	if err != nil {
		logger.Error("job failed",
			zap.String("job", job.Name()),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return s.record(job.Name(), StatusFailed, start, result, err.Error())
	}

	if result.Partial() {
		logger.Warn("job completed with errors",
			zap.String("job", job.Name()),
			zap.Int("errors", result.ErrorCount))
	} else {
		logger.Debug("job completed", zap.String("job", job.Name()), zap.Duration("duration", time.Since(start)))
	}
	return s.record(job.Name(), StatusSuccess, start, result, "")
}

func (s *Scheduler) record(jobName, status string, start time.Time, result *JobResult, message string) *Execution {
	now := time.Now()
	exec := &Execution{
		JobName:    jobName,
		Status:     status,
		StartedAt:  start.UnixMilli(),
		FinishedAt: now.UnixMilli(),
		DurationMs: now.Sub(start).Milliseconds(),
		Result:     result,
		Error:      message,
	}
	s.mu.Lock()
	s.executions[jobName] = exec
	s.mu.Unlock()
	return exec
}

// JobStatus 任务状态
type JobStatus struct {
	Name     string     `json:"name"`
	Enabled  bool       `json:"enabled"`
	Cron     string     `json:"cron"`
	Timeout  string     `json:"timeout"`
	IsLocked bool       `json:"is_locked"`
	Last     *Execution `json:"last,omitempty"`
}

// GetJobStatus 获取任务状态
func (s *Scheduler) GetJobStatus(ctx context.Context, jobName string) (*JobStatus, error) {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	config := s.jobConfigs[jobName]
	s.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, jobName)
	}

	isLocked, err := s.lockManager.IsLocked(ctx, jobName)
	if err != nil {
		return nil, err
	}

	status := &JobStatus{
		Name:     jobName,
		Enabled:  config.Enabled,
		Cron:     config.Cron,
		Timeout:  job.Timeout().String(),
		IsLocked: isLocked,
	}
	if last, ok := s.LastExecution(jobName); ok {
		status.Last = last
	}
	return status, nil
}
