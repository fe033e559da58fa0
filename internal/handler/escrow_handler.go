package handler

import (
	"context"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/service"
)

// EscrowService 托管引擎接口
type EscrowService interface {
	RegisterProject(ctx context.Context, req *service.RegisterRequest) (*service.OperationResult, error)
	FundMilestone(ctx context.Context, req *service.FundRequest) (*service.OperationResult, error)
	ApproveMilestone(ctx context.Context, req *service.ApproveRequest) (*service.OperationResult, error)
	RaiseDispute(ctx context.Context, req *service.DisputeRequest) (*service.OperationResult, error)
	RefundMilestone(ctx context.Context, req *service.RefundRequest) (*service.OperationResult, error)
	GetProject(ctx context.Context, projectID int64) (*model.Project, []*model.Milestone, error)
	GetMilestone(ctx context.Context, projectID int64, index uint32) (*model.Milestone, error)
	GetOperation(ctx context.Context, operationID string) (*model.ChainOperation, error)
	ListOperations(ctx context.Context, projectID int64, page *repository.Pagination) ([]*model.ChainOperation, error)
}

// EscrowHandler 托管处理器
type EscrowHandler struct {
	svc EscrowService
}

// NewEscrowHandler 创建托管处理器
func NewEscrowHandler(svc EscrowService) *EscrowHandler {
	return &EscrowHandler{svc: svc}
}

// RegisterProject 注册项目
// POST /api/v1/projects
func (h *EscrowHandler) RegisterProject(c *gin.Context) {
	var req RegisterProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	res, err := h.svc.RegisterProject(c.Request.Context(), &service.RegisterRequest{
		ClientWallet:     req.ClientWallet,
		FreelancerWallet: req.FreelancerWallet,
		Amounts:          req.Amounts,
	})
	if err != nil {
		Error(c, err)
		return
	}

	resp := &RegisterProjectResponse{OperationID: res.OperationID}
	if res.Project != nil {
		resp.ProjectResponse = toProjectResponse(res.Project, res.Milestones)
		resp.TxHash = res.TxHash
	}
	Success(c, resp)
}

// GetProject 项目快照
// GET /api/v1/projects/:projectId
func (h *EscrowHandler) GetProject(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}

	project, milestones, err := h.svc.GetProject(c.Request.Context(), projectID)
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, toProjectResponse(project, milestones))
}

// GetMilestone 里程碑快照
// GET /api/v1/projects/:projectId/milestones/:milestoneIndex
func (h *EscrowHandler) GetMilestone(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}
	index, err := strconv.ParseUint(c.Param("milestoneIndex"), 10, 32)
	if err != nil {
		BadRequest(c, "invalid milestoneIndex")
		return
	}

	milestone, err := h.svc.GetMilestone(c.Request.Context(), projectID, uint32(index))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, toMilestoneResponse(milestone))
}

// ListOperations 项目链上操作列表
// GET /api/v1/projects/:projectId/operations
func (h *EscrowHandler) ListOperations(c *gin.Context) {
	projectID, ok := projectIDParam(c)
	if !ok {
		return
	}
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	pageSize, _ := strconv.Atoi(c.DefaultQuery("pageSize", "20"))
	pagination := &repository.Pagination{Page: page, PageSize: pageSize}

	ops, err := h.svc.ListOperations(c.Request.Context(), projectID, pagination)
	if err != nil {
		Error(c, err)
		return
	}

	items := make([]*OperationResponse, 0, len(ops))
	for _, op := range ops {
		items = append(items, toOperationResponse(op))
	}
	SuccessWithPagination(c, items, pagination.Total, pagination.Page, pagination.PageSize)
}

// GetOperation 链上操作状态
// GET /api/v1/operations/:operationId
func (h *EscrowHandler) GetOperation(c *gin.Context) {
	op, err := h.svc.GetOperation(c.Request.Context(), c.Param("operationId"))
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, toOperationResponse(op))
}

// FundMilestone 注资
// POST /api/v1/milestones/fund
func (h *EscrowHandler) FundMilestone(c *gin.Context) {
	var req FundMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	res, err := h.svc.FundMilestone(c.Request.Context(), &service.FundRequest{
		ProjectID:      *req.ProjectID,
		MilestoneIndex: *req.MilestoneIndex,
		PayerWallet:    req.PayerWallet,
		Amount:         req.Amount,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, toMutationResponse(res))
}

// ApproveMilestone 审批释放
// POST /api/v1/milestones/approve
func (h *EscrowHandler) ApproveMilestone(c *gin.Context) {
	var req ApproveMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	res, err := h.svc.ApproveMilestone(c.Request.Context(), &service.ApproveRequest{
		ProjectID:      *req.ProjectID,
		MilestoneIndex: *req.MilestoneIndex,
		ClientWallet:   req.ClientWallet,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, toMutationResponse(res))
}

// RaiseDispute 发起争议
// POST /api/v1/projects/dispute
func (h *EscrowHandler) RaiseDispute(c *gin.Context) {
	var req RaiseDisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	res, err := h.svc.RaiseDispute(c.Request.Context(), &service.DisputeRequest{
		ProjectID:    *req.ProjectID,
		CallerWallet: req.CallerWallet,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, toMutationResponse(res))
}

// RefundMilestone 管理员退款
// POST /api/v1/admin/milestones/refund
func (h *EscrowHandler) RefundMilestone(c *gin.Context) {
	var req RefundMilestoneRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	res, err := h.svc.RefundMilestone(c.Request.Context(), &service.RefundRequest{
		ProjectID:      *req.ProjectID,
		MilestoneIndex: *req.MilestoneIndex,
		AdminWallet:    req.AdminWallet,
	})
	if err != nil {
		Error(c, err)
		return
	}
	Success(c, toMutationResponse(res))
}

// projectIDParam 解析路径中的项目 ID
func projectIDParam(c *gin.Context) (int64, bool) {
	projectID, err := strconv.ParseInt(c.Param("projectId"), 10, 64)
	if err != nil || projectID <= 0 {
		BadRequest(c, "invalid projectId")
		return 0, false
	}
	return projectID, true
}
