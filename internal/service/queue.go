package service

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// ErrQueueFull 确认队列已满
var ErrQueueFull = errors.New("confirmation queue full")

// ErrQueueClosed 确认队列已关闭
var ErrQueueClosed = errors.New("confirmation queue closed")

// JobHandler 确认任务处理函数
type JobHandler func(ctx context.Context, job *model.ConfirmationJob) error

// MemoryQueue 进程内确认队列
//
// 队列满时 Enqueue 立即失败，操作记录保持 SUBMITTED，由对账扫描接手。
type MemoryQueue struct {
	jobs    chan *model.ConfirmationJob
	workers int

	mu     sync.RWMutex
	closed bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewMemoryQueue 创建内存队列
func NewMemoryQueue(size, workers int) *MemoryQueue {
	if size <= 0 {
		size = 1024
	}
	if workers <= 0 {
		workers = 4
	}
	return &MemoryQueue{
		jobs:    make(chan *model.ConfirmationJob, size),
		workers: workers,
	}
}

// Enqueue 非阻塞入队
func (q *MemoryQueue) Enqueue(ctx context.Context, job *model.ConfirmationJob) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// Len 当前排队数量
func (q *MemoryQueue) Len() int {
	return len(q.jobs)
}

// Start 启动工作协程
func (q *MemoryQueue) Start(handler JobHandler) {
	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-q.jobs:
					if !ok {
						return
					}
					if err := handler(ctx, job); err != nil {
						logger.Warn("confirmation job failed",
							logger.OperationID(job.OperationID),
							logger.TxHash(job.TxHash),
							zap.Error(err))
					}
				}
			}
		}()
	}
}

// Stop 停止入队并等待处理中的任务结束，未处理的任务交给对账扫描
func (q *MemoryQueue) Stop() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
}
