package model

// ProjectRegisteredEvent 项目注册事件 (发送到 Kafka)
type ProjectRegisteredEvent struct {
	ProjectID        int64    `json:"project_id"`
	OnchainProjectID uint64   `json:"onchain_project_id"`
	ClientWallet     string   `json:"client_wallet"`
	FreelancerWallet string   `json:"freelancer_wallet"`
	Amounts          []string `json:"amounts"`
	TxHash           string   `json:"tx_hash"`
	Timestamp        int64    `json:"timestamp"`
}

// MilestoneFundedEvent 里程碑注资事件
type MilestoneFundedEvent struct {
	ProjectID        int64  `json:"project_id"`
	OnchainProjectID uint64 `json:"onchain_project_id"`
	MilestoneID      int64  `json:"milestone_id"`
	SequenceIndex    uint32 `json:"sequence_index"`
	Amount           string `json:"amount"`
	TxHash           string `json:"tx_hash"`
	Timestamp        int64  `json:"timestamp"`
}

// MilestoneReleasedEvent 里程碑释放事件
type MilestoneReleasedEvent struct {
	ProjectID        int64  `json:"project_id"`
	OnchainProjectID uint64 `json:"onchain_project_id"`
	MilestoneID      int64  `json:"milestone_id"`
	SequenceIndex    uint32 `json:"sequence_index"`
	Amount           string `json:"amount"`
	ReleaseKind      string `json:"releaseKind"`
	TxHash           string `json:"tx_hash"`
	Timestamp        int64  `json:"timestamp"`
}

// DisputeRaisedEvent 争议事件
type DisputeRaisedEvent struct {
	ProjectID        int64  `json:"project_id"`
	OnchainProjectID uint64 `json:"onchain_project_id"`
	RaisedBy         string `json:"raised_by"`
	TxHash           string `json:"tx_hash"`
	Timestamp        int64  `json:"timestamp"`
}
