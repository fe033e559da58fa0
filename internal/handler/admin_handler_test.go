package handler

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/scheduler"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
)

type fakeJobRunner struct {
	exec   *scheduler.Execution
	status *scheduler.JobStatus
	err    error
	runs   []string
}

func (f *fakeJobRunner) RunNow(jobName string) (*scheduler.Execution, error) {
	f.runs = append(f.runs, jobName)
	return f.exec, f.err
}

func (f *fakeJobRunner) GetJobStatus(_ context.Context, jobName string) (*scheduler.JobStatus, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.status, nil
}

func setupAdminRouter(jobs JobRunner) *gin.Engine {
	r := gin.New()
	h := NewAdminHandler(jobs)
	r.POST("/api/v1/admin/sweep", h.RunSweep)
	r.GET("/api/v1/admin/jobs/:name", h.GetJobStatus)
	return r
}

func TestAdminHandler_RunSweep(t *testing.T) {
	jobs := &fakeJobRunner{exec: &scheduler.Execution{
		JobName: scheduler.JobNameReconcilerSweep,
		Status:  scheduler.StatusSuccess,
		Result:  &scheduler.JobResult{ProcessedCount: 3, AffectedCount: 1},
	}}
	r := setupAdminRouter(jobs)

	w := doJSON(r, http.MethodPost, "/api/v1/admin/sweep", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var exec scheduler.Execution
	decodeResponse(t, w, &exec)
	assert.Equal(t, scheduler.StatusSuccess, exec.Status)
	assert.Equal(t, 3, exec.Result.ProcessedCount)
	assert.Equal(t, []string{scheduler.JobNameReconcilerSweep}, jobs.runs)
}

func TestAdminHandler_RunSweep_Failed(t *testing.T) {
	jobs := &fakeJobRunner{exec: &scheduler.Execution{Status: scheduler.StatusFailed, Error: "db down"}}
	r := setupAdminRouter(jobs)

	w := doJSON(r, http.MethodPost, "/api/v1/admin/sweep", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	resp := decodeResponse(t, w, nil)
	assert.Equal(t, "db down", resp.Message)
}

func TestAdminHandler_JobNotFound(t *testing.T) {
	jobs := &fakeJobRunner{err: fmt.Errorf("%w: %s", scheduler.ErrJobNotFound, "nope")}
	r := setupAdminRouter(jobs)

	w := doJSON(r, http.MethodGet, "/api/v1/admin/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	resp := decodeResponse(t, w, nil)
	assert.Equal(t, apperrors.ErrNotFound.Code, resp.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/admin/sweep", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminHandler_GetJobStatus(t *testing.T) {
	jobs := &fakeJobRunner{status: &scheduler.JobStatus{Name: scheduler.JobNameReconcilerSweep, Enabled: true, IsLocked: true}}
	r := setupAdminRouter(jobs)

	w := doJSON(r, http.MethodGet, "/api/v1/admin/jobs/"+scheduler.JobNameReconcilerSweep, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var status scheduler.JobStatus
	decodeResponse(t, w, &status)
	assert.True(t, status.IsLocked)
}
