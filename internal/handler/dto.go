package handler

import (
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/service"
)

// RegisterProjectRequest 注册项目请求
type RegisterProjectRequest struct {
	ClientWallet     string   `json:"clientWallet" binding:"required"`
	FreelancerWallet string   `json:"freelancerWallet" binding:"required"`
	Amounts          []string `json:"amounts" binding:"required"`
}

// FundMilestoneRequest 注资请求
type FundMilestoneRequest struct {
	ProjectID      *int64  `json:"projectId" binding:"required"`
	MilestoneIndex *uint32 `json:"milestoneIndex" binding:"required"`
	PayerWallet    string  `json:"payerWallet" binding:"required"`
	Amount         string  `json:"amount" binding:"required"`
}

// ApproveMilestoneRequest 审批请求
type ApproveMilestoneRequest struct {
	ProjectID      *int64  `json:"projectId" binding:"required"`
	MilestoneIndex *uint32 `json:"milestoneIndex" binding:"required"`
	ClientWallet   string  `json:"clientWallet" binding:"required"`
}

// RaiseDisputeRequest 争议请求
type RaiseDisputeRequest struct {
	ProjectID    *int64 `json:"projectId" binding:"required"`
	CallerWallet string `json:"callerWallet" binding:"required"`
}

// RefundMilestoneRequest 退款请求
type RefundMilestoneRequest struct {
	ProjectID      *int64  `json:"projectId" binding:"required"`
	MilestoneIndex *uint32 `json:"milestoneIndex" binding:"required"`
	AdminWallet    string  `json:"adminWallet"`
}

// MilestoneResponse 里程碑快照
type MilestoneResponse struct {
	MilestoneID    int64  `json:"milestoneId"`
	ProjectID      int64  `json:"projectId"`
	MilestoneIndex uint32 `json:"milestoneIndex"`
	Amount         string `json:"amount"`
	Funded         bool   `json:"funded"`
	Released       bool   `json:"released"`
	Refund         bool   `json:"refund"`
	State          string `json:"state"`
	FundedTxHash   string `json:"fundedTxHash,omitempty"`
	ReleasedTxHash string `json:"releasedTxHash,omitempty"`
	FundedAt       int64  `json:"fundedAt,omitempty"`
	ReleasedAt     int64  `json:"releasedAt,omitempty"`
}

// ProjectResponse 项目快照
type ProjectResponse struct {
	ProjectID        int64                `json:"projectId"`
	OnchainProjectID uint64               `json:"onchainProjectId"`
	ClientWallet     string               `json:"clientWallet"`
	FreelancerWallet string               `json:"freelancerWallet"`
	Disputed         bool                 `json:"disputed"`
	TxHash           string               `json:"txHash,omitempty"`
	Milestones       []*MilestoneResponse `json:"milestones"`
	CreatedAt        int64                `json:"createdAt"`
}

// OperationResponse 链上操作状态
type OperationResponse struct {
	OperationID    string `json:"operationId"`
	Kind           string `json:"kind"`
	ProjectID      int64  `json:"projectId,omitempty"`
	MilestoneIndex uint32 `json:"milestoneIndex"`
	Caller         string `json:"caller"`
	TxHash         string `json:"txHash"`
	Nonce          uint64 `json:"nonce"`
	Status         string `json:"status"`
	RevertReason   string `json:"revertReason,omitempty"`
	ErrorMessage   string `json:"errorMessage,omitempty"`
	BlockNumber    uint64 `json:"blockNumber,omitempty"`
	SubmittedAt    int64  `json:"submittedAt,omitempty"`
	ConfirmedAt    int64  `json:"confirmedAt,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// MutationResponse 写操作结果
type MutationResponse struct {
	OperationID string             `json:"operationId"`
	TxHash      string             `json:"txHash"`
	Funded      bool               `json:"funded,omitempty"`
	Released    bool               `json:"released,omitempty"`
	Refund      bool               `json:"refund,omitempty"`
	Disputed    bool               `json:"disputed,omitempty"`
	Milestone   *MilestoneResponse `json:"milestone,omitempty"`
}

func toMilestoneResponse(m *model.Milestone) *MilestoneResponse {
	if m == nil {
		return nil
	}
	return &MilestoneResponse{
		MilestoneID:    m.ID,
		ProjectID:      m.ProjectID,
		MilestoneIndex: m.SequenceIndex,
		Amount:         m.Amount.String(),
		Funded:         m.Funded,
		Released:       m.Released,
		Refund:         m.IsRefunded(),
		State:          string(m.State()),
		FundedTxHash:   m.FundedTxHash,
		ReleasedTxHash: m.ReleasedTxHash,
		FundedAt:       m.FundedAt,
		ReleasedAt:     m.ReleasedAt,
	}
}

func toProjectResponse(p *model.Project, milestones []*model.Milestone) *ProjectResponse {
	resp := &ProjectResponse{
		ProjectID:        p.ID,
		OnchainProjectID: p.OnchainProjectID,
		ClientWallet:     p.ClientWallet,
		FreelancerWallet: p.FreelancerWallet,
		Disputed:         p.Disputed,
		TxHash:           p.RegisterTxHash,
		Milestones:       make([]*MilestoneResponse, 0, len(milestones)),
		CreatedAt:        p.CreatedAt,
	}
	for _, m := range milestones {
		resp.Milestones = append(resp.Milestones, toMilestoneResponse(m))
	}
	return resp
}

func toOperationResponse(op *model.ChainOperation) *OperationResponse {
	return &OperationResponse{
		OperationID:    op.OperationID,
		Kind:           string(op.Kind),
		ProjectID:      op.ProjectID,
		MilestoneIndex: op.SequenceIndex,
		Caller:         op.Caller,
		TxHash:         op.TxHash,
		Nonce:          op.Nonce,
		Status:         op.Status.String(),
		RevertReason:   op.RevertReason,
		ErrorMessage:   op.ErrorMessage,
		BlockNumber:    op.BlockNumber,
		SubmittedAt:    op.SubmittedAt,
		ConfirmedAt:    op.ConfirmedAt,
		CreatedAt:      op.CreatedAt,
	}
}

func toMutationResponse(res *service.OperationResult) *MutationResponse {
	resp := &MutationResponse{
		OperationID: res.OperationID,
		TxHash:      res.TxHash,
		Milestone:   toMilestoneResponse(res.Milestone),
	}
	if res.Milestone != nil {
		resp.Funded = res.Milestone.Funded
		resp.Released = res.Milestone.Released
		resp.Refund = res.Milestone.IsRefunded()
	}
	if res.Project != nil {
		resp.Disputed = res.Project.Disputed
	}
	return resp
}

// RegisterProjectResponse 注册项目结果
type RegisterProjectResponse struct {
	OperationID string `json:"operationId"`
	*ProjectResponse
}
