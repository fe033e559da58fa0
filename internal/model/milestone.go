package model

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ReleaseKind 里程碑释放方向
type ReleaseKind int8

const (
	ReleaseKindNone       ReleaseKind = 0 // 未释放
	ReleaseKindFreelancer ReleaseKind = 1 // 审批释放给自由职业者
	ReleaseKindClient     ReleaseKind = 2 // 争议退款给客户
)

func (k ReleaseKind) String() string {
	switch k {
	case ReleaseKindNone:
		return "NONE"
	case ReleaseKindFreelancer:
		return "FREELANCER"
	case ReleaseKindClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// MilestoneState 里程碑生命周期状态
type MilestoneState string

const (
	MilestoneStateCreated  MilestoneState = "CREATED"
	MilestoneStateFunded   MilestoneState = "FUNDED"
	MilestoneStateReleased MilestoneState = "RELEASED" // 已释放给自由职业者
	MilestoneStateRefunded MilestoneState = "REFUNDED" // 已退款给客户
)

// Milestone 里程碑镜像
type Milestone struct {
	ID             int64           `gorm:"primaryKey;autoIncrement" json:"id"`
	ProjectID      int64           `gorm:"column:project_id;type:bigint;uniqueIndex:uk_escrow_milestones_project_seq,priority:1;not null" json:"project_id"`
	SequenceIndex  uint32          `gorm:"column:sequence_index;type:integer;uniqueIndex:uk_escrow_milestones_project_seq,priority:2;not null" json:"sequence_index"`
	Amount         decimal.Decimal `gorm:"column:amount;type:numeric(78,0);not null" json:"amount"`
	Funded         bool            `gorm:"column:funded;type:boolean;not null;default:false" json:"funded"`
	Released       bool            `gorm:"column:released;type:boolean;not null;default:false" json:"released"`
	ReleaseKind    ReleaseKind     `gorm:"column:release_kind;type:smallint;not null;default:0" json:"release_kind"`
	FundedTxHash   string          `gorm:"column:funded_tx_hash;type:varchar(66);not null;default:''" json:"funded_tx_hash,omitempty"`
	ReleasedTxHash string          `gorm:"column:released_tx_hash;type:varchar(66);not null;default:''" json:"released_tx_hash,omitempty"`
	FundedAt       int64           `gorm:"column:funded_at;type:bigint;not null;default:0" json:"funded_at,omitempty"`
	ReleasedAt     int64           `gorm:"column:released_at;type:bigint;not null;default:0" json:"released_at,omitempty"`
	Version        int64           `gorm:"column:version;type:bigint;not null;default:1" json:"version"`
	CreatedAt      int64           `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt      int64           `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Milestone) TableName() string {
	return "escrow_milestones"
}

// State 由标志位推导生命周期状态
func (m *Milestone) State() MilestoneState {
	switch {
	case m.Released && m.ReleaseKind == ReleaseKindClient:
		return MilestoneStateRefunded
	case m.Released:
		return MilestoneStateReleased
	case m.Funded:
		return MilestoneStateFunded
	default:
		return MilestoneStateCreated
	}
}

// IsRefunded 是否以退款方式释放
func (m *Milestone) IsRefunded() bool {
	return m.Released && m.ReleaseKind == ReleaseKindClient
}

// SameWallet 钱包地址比较 (忽略大小写)
func SameWallet(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
