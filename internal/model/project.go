package model

// Project 托管项目镜像
type Project struct {
	ID               int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	OnchainProjectID uint64 `gorm:"column:onchain_project_id;type:bigint;uniqueIndex:uk_escrow_projects_onchain_id;not null" json:"onchain_project_id"`
	ClientWallet     string `gorm:"column:client_wallet;type:varchar(42);index;not null" json:"client_wallet"`
	FreelancerWallet string `gorm:"column:freelancer_wallet;type:varchar(42);index;not null" json:"freelancer_wallet"`
	Disputed         bool   `gorm:"column:disputed;type:boolean;not null;default:false" json:"disputed"`
	DisputeTxHash    string `gorm:"column:dispute_tx_hash;type:varchar(66);not null;default:''" json:"dispute_tx_hash,omitempty"`
	RegisterTxHash   string `gorm:"column:register_tx_hash;type:varchar(66);not null;default:''" json:"register_tx_hash,omitempty"`
	Version          int64  `gorm:"column:version;type:bigint;not null;default:1" json:"version"`
	CreatedAt        int64  `gorm:"column:created_at;type:bigint;not null" json:"created_at"`
	UpdatedAt        int64  `gorm:"column:updated_at;type:bigint;not null" json:"updated_at"`
}

// TableName 返回表名
func (Project) TableName() string {
	return "escrow_projects"
}

// IsParty 判断钱包是否为项目参与方
func (p *Project) IsParty(wallet string) bool {
	return SameWallet(p.ClientWallet, wallet) || SameWallet(p.FreelancerWallet, wallet)
}

// IsClient 判断钱包是否为项目客户
func (p *Project) IsClient(wallet string) bool {
	return SameWallet(p.ClientWallet, wallet)
}
