// Package gateway 托管合约网关，屏蔽签名、Nonce、Gas 与确认细节
package gateway

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/contract"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
)

var (
	// ErrTxNotFound 交易既不在链上也不在内存池
	ErrTxNotFound = errors.New("transaction not found")
	// ErrTxPending 交易仍在内存池或确认数不足
	ErrTxPending = errors.New("transaction pending")
	// ErrBroadcastUnknown 签名后广播出错但无法确认节点是否已收到交易，
	// 此时 Submission 仍然返回，交易可能上链
	ErrBroadcastUnknown = errors.New("broadcast outcome unknown")
)

// ReceiptStatusSuccessful 回执成功状态
const ReceiptStatusSuccessful uint64 = 1

// Submission 已签名并广播的交易
type Submission struct {
	TxHash string
	Nonce  uint64
	From   string
	Method string
}

// Receipt 已确认交易回执
type Receipt struct {
	TxHash        string
	BlockNumber   uint64
	Status        uint64
	GasUsed       uint64
	Confirmations uint64
	// ProjectCreated 回执中解析到 ProjectCreated 事件，此时 ProjectID 有效
	ProjectCreated bool
	ProjectID      uint64
	RevertReason   string
}

// Succeeded 回执是否成功
func (r *Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccessful
}

// MilestoneState 链上里程碑状态
type MilestoneState struct {
	Amount   decimal.Decimal
	Funded   bool
	Released bool
	Refunded bool
}

// ProjectState 链上项目状态
type ProjectState struct {
	Client         string
	Freelancer     string
	Disputed       bool
	MilestoneCount uint64
}

// StateChange 链上状态变更事件
type StateChange int

const (
	StateFunded StateChange = iota + 1
	StateReleased
	StateDisputed
)

func (c StateChange) String() string {
	switch c {
	case StateFunded:
		return "funded"
	case StateReleased:
		return "released"
	case StateDisputed:
		return "disputed"
	}
	return "unknown"
}

// StateChangeLog 使链上状态发生变更的交易
type StateChangeLog struct {
	TxHash      string
	BlockNumber uint64
}

// BeforeBroadcastFunc 签名后、广播前回调，返回错误则放弃广播
type BeforeBroadcastFunc func(ctx context.Context, txHash string, nonce uint64) error

// SubmitOptions 提交选项
type SubmitOptions struct {
	BeforeBroadcast BeforeBroadcastFunc
}

// SubmitOption 提交选项函数
type SubmitOption func(*SubmitOptions)

// WithBeforeBroadcast 设置广播前回调
func WithBeforeBroadcast(fn BeforeBroadcastFunc) SubmitOption {
	return func(o *SubmitOptions) {
		o.BeforeBroadcast = fn
	}
}

// ApplyOptions 合并提交选项
func ApplyOptions(opts ...SubmitOption) *SubmitOptions {
	o := &SubmitOptions{}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// ContractGateway 托管合约网关
type ContractGateway interface {
	// CreateProject 创建链上项目，调用方为客户钱包
	CreateProject(ctx context.Context, client, freelancer string, amounts []decimal.Decimal, opts ...SubmitOption) (*Submission, error)
	// RegisterAndConfirm 创建项目并等待确认，返回链上项目 ID 与交易哈希
	RegisterAndConfirm(ctx context.Context, client, freelancer string, amounts []decimal.Decimal, minConfirmations uint64) (uint64, string, error)
	FundMilestone(ctx context.Context, onchainProjectID uint64, index uint32, value decimal.Decimal, payer string, opts ...SubmitOption) (*Submission, error)
	ApproveMilestone(ctx context.Context, onchainProjectID uint64, index uint32, caller string, opts ...SubmitOption) (*Submission, error)
	RaiseDispute(ctx context.Context, onchainProjectID uint64, caller string, opts ...SubmitOption) (*Submission, error)
	RefundMilestone(ctx context.Context, onchainProjectID uint64, index uint32, caller string, opts ...SubmitOption) (*Submission, error)

	// AwaitConfirmation 轮询直到确认、回滚或 ctx 结束，不会重新提交
	AwaitConfirmation(ctx context.Context, txHash string, minConfirmations uint64) (*Receipt, error)
	// GetReceipt 单次查询回执，未上链返回 ErrTxPending 或 ErrTxNotFound
	GetReceipt(ctx context.Context, txHash string) (*Receipt, error)

	ReadMilestoneState(ctx context.Context, onchainProjectID uint64, index uint32) (*MilestoneState, error)
	ReadProjectState(ctx context.Context, onchainProjectID uint64) (*ProjectState, error)
	// FindStateChange 从合约事件中查找达成状态变更的交易，index 对 StateDisputed 无意义，
	// 未找到返回 ErrTxNotFound
	FindStateChange(ctx context.Context, change StateChange, onchainProjectID uint64, index uint32) (*StateChangeLog, error)

	// SettleNonce 交易已上链 (mined) 或确认丢失后结束发送方的 nonce 跟踪
	SettleNonce(ctx context.Context, from string, nonce uint64, txHash string, mined bool)
}

// RevertError 将合约回滚原因映射为业务错误
// 金额不一致归为前置条件失败，其余为合约回滚
func RevertError(reason, txHash string) *apperrors.Error {
	if contract.IsIncorrectAmount(reason) {
		return apperrors.ErrAmountMismatch.
			WithDetail(apperrors.DetailReason, reason).
			WithDetail(apperrors.DetailTxHash, txHash)
	}
	return apperrors.NewContractRevert(reason, txHash)
}
