package model

import (
	"encoding/json"

	"github.com/shopspring/decimal"
)

// OperationKind 链上操作类型
type OperationKind string

const (
	OperationKindRegister OperationKind = "register"
	OperationKindFund     OperationKind = "fund"
	OperationKindApprove  OperationKind = "approve"
	OperationKindDispute  OperationKind = "dispute"
	OperationKindRefund   OperationKind = "refund"
)

// IsMilestoneOperation 是否作用于单个里程碑
func (k OperationKind) IsMilestoneOperation() bool {
	return k == OperationKindFund || k == OperationKindApprove || k == OperationKindRefund
}

// OperationStatus 链上操作状态
type OperationStatus int8

const (
	OperationStatusPending   OperationStatus = 0 // 已签名未广播
	OperationStatusSubmitted OperationStatus = 1 // 已广播
	OperationStatusCommitted OperationStatus = 2 // 已确认并写入镜像
	OperationStatusReverted  OperationStatus = 3 // 链上回滚
	OperationStatusFailed    OperationStatus = 4 // 未上链
	OperationStatusExpired   OperationStatus = 5 // 交易从内存池丢失
)

func (s OperationStatus) String() string {
	switch s {
	case OperationStatusPending:
		return "PENDING"
	case OperationStatusSubmitted:
		return "SUBMITTED"
	case OperationStatusCommitted:
		return "COMMITTED"
	case OperationStatusReverted:
		return "REVERTED"
	case OperationStatusFailed:
		return "FAILED"
	case OperationStatusExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 判断是否为终态
func (s OperationStatus) IsTerminal() bool {
	switch s {
	case OperationStatusCommitted, OperationStatusReverted, OperationStatusFailed, OperationStatusExpired:
		return true
	}
	return false
}

// ChainOperation 链上操作记录，关联提交与确认
type ChainOperation struct {
	ID               int64           `gorm:"primaryKey;autoIncrement" json:"-"`
	OperationID      string          `gorm:"column:operation_id;type:varchar(36);uniqueIndex:uk_escrow_chain_operations_op_id;not null" json:"operation_id"`
	Kind             OperationKind   `gorm:"column:kind;type:varchar(16);not null" json:"kind"`
	ProjectID        int64           `gorm:"column:project_id;type:bigint;index;not null;default:0" json:"project_id"`
	MilestoneID      int64           `gorm:"column:milestone_id;type:bigint;index;not null;default:0" json:"milestone_id"`
	OnchainProjectID uint64          `gorm:"column:onchain_project_id;type:bigint;not null;default:0" json:"onchain_project_id"`
	SequenceIndex    uint32          `gorm:"column:sequence_index;type:integer;not null;default:0" json:"sequence_index"`
	Caller           string          `gorm:"column:caller;type:varchar(42);not null" json:"caller"`
	Value            decimal.Decimal `gorm:"column:value;type:numeric(78,0);not null;default:0" json:"value"`
	Payload          string          `gorm:"column:payload;type:text;not null;default:''" json:"-"`
	TxHash           string          `gorm:"column:tx_hash;type:varchar(66);uniqueIndex:uk_escrow_chain_operations_tx_hash;not null" json:"tx_hash"`
	Nonce            uint64          `gorm:"column:nonce;type:bigint;not null;default:0" json:"nonce"`
	Status           OperationStatus `gorm:"column:status;type:smallint;index:idx_escrow_chain_operations_status_created,priority:1;not null;default:0" json:"status"`
	RevertReason     string          `gorm:"column:revert_reason;type:varchar(512);not null;default:''" json:"revert_reason,omitempty"`
	ErrorMessage     string          `gorm:"column:error_message;type:text;not null;default:''" json:"error_message,omitempty"`
	BlockNumber      uint64          `gorm:"column:block_number;type:bigint;not null;default:0" json:"block_number,omitempty"`
	SubmittedAt      int64           `gorm:"column:submitted_at;type:bigint;not null;default:0" json:"submitted_at"`
	ConfirmedAt      int64           `gorm:"column:confirmed_at;type:bigint;not null;default:0" json:"confirmed_at,omitempty"`
	CreatedAt        int64           `gorm:"column:created_at;type:bigint;index:idx_escrow_chain_operations_status_created,priority:2;not null" json:"created_at"`
	UpdatedAt        int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (ChainOperation) TableName() string {
	return "escrow_chain_operations"
}

// RegisterPayload 注册项目操作的载荷
type RegisterPayload struct {
	ClientWallet     string   `json:"client_wallet"`
	FreelancerWallet string   `json:"freelancer_wallet"`
	Amounts          []string `json:"amounts"`
}

// EncodeRegisterPayload 序列化注册载荷
func EncodeRegisterPayload(p *RegisterPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// RegisterPayload 解析注册载荷
func (o *ChainOperation) RegisterPayload() (*RegisterPayload, error) {
	var p RegisterPayload
	if err := json.Unmarshal([]byte(o.Payload), &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// ConfirmationJob 确认任务 (内存队列或 Kafka)
type ConfirmationJob struct {
	OperationID string `json:"operation_id"`
	TxHash      string `json:"tx_hash"`
	EnqueuedAt  int64  `json:"enqueued_at"`
}
