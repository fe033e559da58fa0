package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/scheduler"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
)

// JobRunner 定时任务运行接口
type JobRunner interface {
	RunNow(jobName string) (*scheduler.Execution, error)
	GetJobStatus(ctx context.Context, jobName string) (*scheduler.JobStatus, error)
}

// AdminHandler 运维处理器
type AdminHandler struct {
	jobs JobRunner
}

// NewAdminHandler 创建运维处理器
func NewAdminHandler(jobs JobRunner) *AdminHandler {
	return &AdminHandler{jobs: jobs}
}

// RunSweep 立即执行一次对账清扫
// POST /api/v1/admin/sweep
func (h *AdminHandler) RunSweep(c *gin.Context) {
	exec, err := h.jobs.RunNow(scheduler.JobNameReconcilerSweep)
	if err != nil {
		h.jobError(c, err)
		return
	}
	if exec.Status == scheduler.StatusFailed {
		c.JSON(http.StatusInternalServerError, &Response{
			Code:    apperrors.ErrInternal.Code,
			Message: exec.Error,
			Data:    exec,
		})
		return
	}
	Success(c, exec)
}

// GetJobStatus 任务状态
// GET /api/v1/admin/jobs/:name
func (h *AdminHandler) GetJobStatus(c *gin.Context) {
	status, err := h.jobs.GetJobStatus(c.Request.Context(), c.Param("name"))
	if err != nil {
		h.jobError(c, err)
		return
	}
	Success(c, status)
}

func (h *AdminHandler) jobError(c *gin.Context, err error) {
	if errors.Is(err, scheduler.ErrJobNotFound) {
		Error(c, apperrors.ErrNotFound.WithMessage(err.Error()))
		return
	}
	Error(c, apperrors.Wrap(apperrors.ErrInternal, err))
}
