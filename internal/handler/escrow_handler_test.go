package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/service"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testClient     = "0x70997970C51812dc3A010C7d01b50e0d17dc79C8"
	testFreelancer = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

// MockEscrowService Mock 托管引擎
type MockEscrowService struct {
	mock.Mock
}

func (m *MockEscrowService) result(args mock.Arguments) (*service.OperationResult, error) {
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*service.OperationResult), args.Error(1)
}

func (m *MockEscrowService) RegisterProject(ctx context.Context, req *service.RegisterRequest) (*service.OperationResult, error) {
	return m.result(m.Called(ctx, req))
}

func (m *MockEscrowService) FundMilestone(ctx context.Context, req *service.FundRequest) (*service.OperationResult, error) {
	return m.result(m.Called(ctx, req))
}

func (m *MockEscrowService) ApproveMilestone(ctx context.Context, req *service.ApproveRequest) (*service.OperationResult, error) {
	return m.result(m.Called(ctx, req))
}

func (m *MockEscrowService) RaiseDispute(ctx context.Context, req *service.DisputeRequest) (*service.OperationResult, error) {
	return m.result(m.Called(ctx, req))
}

func (m *MockEscrowService) RefundMilestone(ctx context.Context, req *service.RefundRequest) (*service.OperationResult, error) {
	return m.result(m.Called(ctx, req))
}

func (m *MockEscrowService) GetProject(ctx context.Context, projectID int64) (*model.Project, []*model.Milestone, error) {
	args := m.Called(ctx, projectID)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*model.Project), args.Get(1).([]*model.Milestone), args.Error(2)
}

func (m *MockEscrowService) GetMilestone(ctx context.Context, projectID int64, index uint32) (*model.Milestone, error) {
	args := m.Called(ctx, projectID, index)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Milestone), args.Error(1)
}

func (m *MockEscrowService) GetOperation(ctx context.Context, operationID string) (*model.ChainOperation, error) {
	args := m.Called(ctx, operationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ChainOperation), args.Error(1)
}

func (m *MockEscrowService) ListOperations(ctx context.Context, projectID int64, page *repository.Pagination) ([]*model.ChainOperation, error) {
	args := m.Called(ctx, projectID, page)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ChainOperation), args.Error(1)
}

// setupEscrowRouter 设置测试用的路由
func setupEscrowRouter(svc *MockEscrowService) *gin.Engine {
	r := gin.New()
	h := NewEscrowHandler(svc)
	r.POST("/api/v1/projects", h.RegisterProject)
	r.GET("/api/v1/projects/:projectId", h.GetProject)
	r.GET("/api/v1/projects/:projectId/milestones/:milestoneIndex", h.GetMilestone)
	r.GET("/api/v1/projects/:projectId/operations", h.ListOperations)
	r.GET("/api/v1/operations/:operationId", h.GetOperation)
	r.POST("/api/v1/milestones/fund", h.FundMilestone)
	r.POST("/api/v1/milestones/approve", h.ApproveMilestone)
	r.POST("/api/v1/projects/dispute", h.RaiseDispute)
	r.POST("/api/v1/admin/milestones/refund", h.RefundMilestone)
	return r
}

func doJSON(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			_ = json.NewEncoder(&buf).Encode(body)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// decodeResponse 解析统一响应，data 解析到 out
func decodeResponse(t *testing.T, w *httptest.ResponseRecorder, out interface{}) *Response {
	var raw struct {
		Code    string          `json:"code"`
		Message string          `json:"message"`
		Data    json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &raw))
	if out != nil && len(raw.Data) > 0 {
		require.NoError(t, json.Unmarshal(raw.Data, out))
	}
	return &Response{Code: raw.Code, Message: raw.Message}
}

func fundedMilestone() *model.Milestone {
	return &model.Milestone{
		ID:            11,
		ProjectID:     1,
		SequenceIndex: 0,
		Amount:        decimal.NewFromInt(100),
		Funded:        true,
		FundedTxHash:  "0xfund",
	}
}

func TestRegisterProject_Success(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("RegisterProject", mock.Anything, &service.RegisterRequest{
		ClientWallet:     testClient,
		FreelancerWallet: testFreelancer,
		Amounts:          []string{"100", "200"},
	}).Return(&service.OperationResult{
		OperationID: "op-1",
		TxHash:      "0xreg",
		Project:     &model.Project{ID: 1, OnchainProjectID: 0, ClientWallet: testClient, FreelancerWallet: testFreelancer},
		Milestones: []*model.Milestone{
			{ID: 11, ProjectID: 1, SequenceIndex: 0, Amount: decimal.NewFromInt(100)},
			{ID: 12, ProjectID: 1, SequenceIndex: 1, Amount: decimal.NewFromInt(200)},
		},
	}, nil)

	w := doJSON(r, http.MethodPost, "/api/v1/projects", map[string]interface{}{
		"clientWallet":     testClient,
		"freelancerWallet": testFreelancer,
		"amounts":          []string{"100", "200"},
	})

	require.Equal(t, http.StatusOK, w.Code)
	var data RegisterProjectResponse
	resp := decodeResponse(t, w, &data)
	assert.Equal(t, CodeSuccess, resp.Code)
	assert.Equal(t, "op-1", data.OperationID)
	require.NotNil(t, data.ProjectResponse)
	assert.Equal(t, int64(1), data.ProjectID)
	assert.Equal(t, "0xreg", data.TxHash)
	require.Len(t, data.Milestones, 2)
	assert.Equal(t, "200", data.Milestones[1].Amount)
	assert.Equal(t, string(model.MilestoneStateCreated), data.Milestones[1].State)
	svc.AssertExpectations(t)
}

func TestRegisterProject_BadBody(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	w := doJSON(r, http.MethodPost, "/api/v1/projects", `{"clientWallet":`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(r, http.MethodPost, "/api/v1/projects", map[string]interface{}{"clientWallet": testClient})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeResponse(t, w, nil)
	assert.Equal(t, apperrors.ErrValidation.Code, resp.Code)

	svc.AssertNotCalled(t, "RegisterProject", mock.Anything, mock.Anything)
}

func TestRegisterProject_ValidationError(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("RegisterProject", mock.Anything, mock.Anything).
		Return(nil, apperrors.ErrInvalidAmount.WithDetail("index", "1"))

	w := doJSON(r, http.MethodPost, "/api/v1/projects", map[string]interface{}{
		"clientWallet":     testClient,
		"freelancerWallet": testFreelancer,
		"amounts":          []string{"100", "-1"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	var details map[string]string
	resp := decodeResponse(t, w, &details)
	assert.Equal(t, apperrors.ErrInvalidAmount.Code, resp.Code)
	assert.Equal(t, "1", details["index"])
}

func TestFundMilestone_Success(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("FundMilestone", mock.Anything, &service.FundRequest{
		ProjectID:      1,
		MilestoneIndex: 0,
		PayerWallet:    testClient,
		Amount:         "100",
	}).Return(&service.OperationResult{
		OperationID: "op-2",
		TxHash:      "0xfund",
		Milestone:   fundedMilestone(),
	}, nil)

	w := doJSON(r, http.MethodPost, "/api/v1/milestones/fund", map[string]interface{}{
		"projectId":      1,
		"milestoneIndex": 0,
		"payerWallet":    testClient,
		"amount":         "100",
	})

	require.Equal(t, http.StatusOK, w.Code)
	var data MutationResponse
	decodeResponse(t, w, &data)
	assert.Equal(t, "0xfund", data.TxHash)
	assert.True(t, data.Funded)
	assert.False(t, data.Released)
	require.NotNil(t, data.Milestone)
	assert.Equal(t, string(model.MilestoneStateFunded), data.Milestone.State)
	svc.AssertExpectations(t)
}

func TestFundMilestone_MissingIndex(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	// milestoneIndex 缺失与 0 不同
	w := doJSON(r, http.MethodPost, "/api/v1/milestones/fund", map[string]interface{}{
		"projectId":   1,
		"payerWallet": testClient,
		"amount":      "100",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	svc.AssertNotCalled(t, "FundMilestone", mock.Anything, mock.Anything)
}

func TestFundMilestone_Errors(t *testing.T) {
	body := map[string]interface{}{
		"projectId":      1,
		"milestoneIndex": 0,
		"payerWallet":    testClient,
		"amount":         "100",
	}

	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"already funded", apperrors.ErrAlreadyFunded, http.StatusConflict, apperrors.ErrAlreadyFunded.Code},
		{"amount mismatch", apperrors.ErrAmountMismatch, http.StatusBadRequest, apperrors.ErrAmountMismatch.Code},
		{"milestone not found", apperrors.ErrMilestoneNotFound, http.StatusNotFound, apperrors.ErrMilestoneNotFound.Code},
		{"network", apperrors.Wrap(apperrors.ErrNetwork, errors.New("dial tcp")), http.StatusServiceUnavailable, apperrors.ErrNetwork.Code},
		{"conflict", apperrors.ErrReconciliationConflict, http.StatusConflict, apperrors.ErrReconciliationConflict.Code},
		{"internal", errors.New("boom"), http.StatusInternalServerError, apperrors.ErrInternal.Code},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockEscrowService)
			r := setupEscrowRouter(svc)
			svc.On("FundMilestone", mock.Anything, mock.Anything).Return(nil, tt.err)

			w := doJSON(r, http.MethodPost, "/api/v1/milestones/fund", body)
			assert.Equal(t, tt.status, w.Code)
			resp := decodeResponse(t, w, nil)
			assert.Equal(t, tt.code, resp.Code)
		})
	}
}

func TestApproveMilestone_Revert(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("ApproveMilestone", mock.Anything, &service.ApproveRequest{
		ProjectID:      1,
		MilestoneIndex: 1,
		ClientWallet:   testClient,
	}).Return(nil, apperrors.NewContractRevert("Escrow: not funded", "0xdead"))

	w := doJSON(r, http.MethodPost, "/api/v1/milestones/approve", map[string]interface{}{
		"projectId":      1,
		"milestoneIndex": 1,
		"clientWallet":   testClient,
	})

	assert.Equal(t, http.StatusBadGateway, w.Code)
	var data map[string]string
	resp := decodeResponse(t, w, &data)
	assert.Equal(t, apperrors.ErrContractRevert.Code, resp.Code)
	assert.Equal(t, "Escrow: not funded", data["reason"])
	assert.Equal(t, "0xdead", data["txHash"])
}

func TestRaiseDispute_Pending(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("RaiseDispute", mock.Anything, &service.DisputeRequest{
		ProjectID:    1,
		CallerWallet: testFreelancer,
	}).Return(nil, apperrors.NewPendingConfirmation("op-3", "0xpending"))

	w := doJSON(r, http.MethodPost, "/api/v1/projects/dispute", map[string]interface{}{
		"projectId":    1,
		"callerWallet": testFreelancer,
	})

	assert.Equal(t, http.StatusAccepted, w.Code)
	var data PendingData
	resp := decodeResponse(t, w, &data)
	assert.Equal(t, apperrors.ErrPendingConfirmation.Code, resp.Code)
	assert.Equal(t, "op-3", data.OperationID)
	assert.Equal(t, "0xpending", data.TxHash)
	assert.Equal(t, "SUBMITTED", data.Status)
}

func TestRaiseDispute_Success(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("RaiseDispute", mock.Anything, mock.Anything).Return(&service.OperationResult{
		OperationID: "op-4",
		TxHash:      "0xdispute",
		Project:     &model.Project{ID: 1, Disputed: true},
	}, nil)

	w := doJSON(r, http.MethodPost, "/api/v1/projects/dispute", map[string]interface{}{
		"projectId":    1,
		"callerWallet": testClient,
	})

	require.Equal(t, http.StatusOK, w.Code)
	var data MutationResponse
	decodeResponse(t, w, &data)
	assert.True(t, data.Disputed)
	assert.Nil(t, data.Milestone)
}

func TestRefundMilestone_DefaultAdmin(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	refunded := fundedMilestone()
	refunded.Released = true
	refunded.ReleaseKind = model.ReleaseKindClient

	// adminWallet 为空时交由引擎使用配置的管理员
	svc.On("RefundMilestone", mock.Anything, &service.RefundRequest{
		ProjectID:      1,
		MilestoneIndex: 0,
	}).Return(&service.OperationResult{
		OperationID: "op-5",
		TxHash:      "0xrefund",
		Milestone:   refunded,
	}, nil)

	w := doJSON(r, http.MethodPost, "/api/v1/admin/milestones/refund", map[string]interface{}{
		"projectId":      1,
		"milestoneIndex": 0,
	})

	require.Equal(t, http.StatusOK, w.Code)
	var data MutationResponse
	decodeResponse(t, w, &data)
	assert.True(t, data.Released)
	assert.True(t, data.Refund)
	assert.Equal(t, string(model.MilestoneStateRefunded), data.Milestone.State)
	svc.AssertExpectations(t)
}

func TestGetProject(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("GetProject", mock.Anything, int64(1)).Return(
		&model.Project{ID: 1, OnchainProjectID: 7, ClientWallet: testClient, FreelancerWallet: testFreelancer},
		[]*model.Milestone{fundedMilestone()},
		nil,
	)
	svc.On("GetProject", mock.Anything, int64(2)).Return(nil, nil, apperrors.ErrProjectNotFound)

	w := doJSON(r, http.MethodGet, "/api/v1/projects/1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var data ProjectResponse
	decodeResponse(t, w, &data)
	assert.Equal(t, uint64(7), data.OnchainProjectID)
	require.Len(t, data.Milestones, 1)
	assert.True(t, data.Milestones[0].Funded)

	w = doJSON(r, http.MethodGet, "/api/v1/projects/2", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/projects/abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMilestone(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("GetMilestone", mock.Anything, int64(1), uint32(0)).Return(fundedMilestone(), nil)
	svc.On("GetMilestone", mock.Anything, int64(1), uint32(9)).Return(nil, apperrors.ErrMilestoneNotFound)

	w := doJSON(r, http.MethodGet, "/api/v1/projects/1/milestones/0", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var data MilestoneResponse
	decodeResponse(t, w, &data)
	assert.Equal(t, int64(11), data.MilestoneID)
	assert.Equal(t, uint32(0), data.MilestoneIndex)
	assert.Equal(t, "0xfund", data.FundedTxHash)

	w = doJSON(r, http.MethodGet, "/api/v1/projects/1/milestones/9", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(r, http.MethodGet, "/api/v1/projects/1/milestones/-1", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetOperation(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("GetOperation", mock.Anything, "op-1").Return(&model.ChainOperation{
		OperationID:  "op-1",
		Kind:         model.OperationKindFund,
		ProjectID:    1,
		TxHash:       "0xfund",
		Status:       model.OperationStatusReverted,
		RevertReason: "Escrow: already funded",
	}, nil)
	svc.On("GetOperation", mock.Anything, "missing").Return(nil, apperrors.ErrOperationNotFound)

	w := doJSON(r, http.MethodGet, "/api/v1/operations/op-1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var data OperationResponse
	decodeResponse(t, w, &data)
	assert.Equal(t, "REVERTED", data.Status)
	assert.Equal(t, "fund", data.Kind)
	assert.Equal(t, "Escrow: already funded", data.RevertReason)

	w = doJSON(r, http.MethodGet, "/api/v1/operations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestListOperations(t *testing.T) {
	svc := new(MockEscrowService)
	r := setupEscrowRouter(svc)

	svc.On("ListOperations", mock.Anything, int64(1), mock.MatchedBy(func(p *repository.Pagination) bool {
		return p.Page == 2 && p.PageSize == 5
	})).Run(func(args mock.Arguments) {
		args.Get(2).(*repository.Pagination).Total = 6
	}).Return([]*model.ChainOperation{
		{OperationID: "op-6", Kind: model.OperationKindApprove, Status: model.OperationStatusCommitted},
	}, nil)

	w := doJSON(r, http.MethodGet, "/api/v1/projects/1/operations?page=2&pageSize=5", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var data struct {
		Items    []*OperationResponse `json:"items"`
		Total    int64                `json:"total"`
		Page     int                  `json:"page"`
		PageSize int                  `json:"pageSize"`
	}
	decodeResponse(t, w, &data)
	assert.Equal(t, int64(6), data.Total)
	assert.Equal(t, 2, data.Page)
	require.Len(t, data.Items, 1)
	assert.Equal(t, "COMMITTED", data.Items[0].Status)
	svc.AssertExpectations(t)
}
