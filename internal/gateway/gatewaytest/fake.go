// Package gatewaytest 提供内存版托管合约网关，用于引擎与对账测试
package gatewaytest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/gateway"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
)

// Call 记录一次写调用
type Call struct {
	Method    string
	ProjectID uint64
	Index     uint32
	Caller    string
	Value     decimal.Decimal
}

type milestone struct {
	amount   decimal.Decimal
	funded   bool
	released bool
	refunded bool
}

type project struct {
	client     string
	freelancer string
	disputed   bool
	milestones []*milestone
}

type tx struct {
	hash    string
	method  string
	event   string
	check   func() string
	apply   func() uint64
	mined   bool
	dropped bool
	receipt *gateway.Receipt
}

// Gateway 内存版 ContractGateway，按合约规则维护链上状态
type Gateway struct {
	mu sync.Mutex

	admin    string
	projects map[uint64]*project
	txs      map[string]*tx
	calls    []Call
	events   map[string]*gateway.StateChangeLog
	settled  []Settlement
	nextID   uint64
	block    uint64
	nonce    uint64
	signers  map[string]bool

	// HoldConfirmations 为 true 时交易停留在内存池，直到调用 MineAll
	HoldConfirmations bool
	// RevertOnChain 为 true 时不做预检，回滚发生在打包阶段
	RevertOnChain bool
	// SendErr 非空时节点拒绝交易，交易不会上链
	SendErr error
	// AmbiguousSendErr 非空时交易照常进入内存池，但广播返回错误
	AmbiguousSendErr error
	// PollInterval AwaitConfirmation 轮询间隔
	PollInterval time.Duration
}

var _ gateway.ContractGateway = (*Gateway)(nil)

// New 创建内存网关
func New(admin string) *Gateway {
	return &Gateway{
		admin:        admin,
		projects:     make(map[uint64]*project),
		txs:          make(map[string]*tx),
		events:       make(map[string]*gateway.StateChangeLog),
		nextID:       1,
		PollInterval: 5 * time.Millisecond,
	}
}

// AllowSigners 限制可签名钱包，未调用时全部允许
func (g *Gateway) AllowSigners(wallets ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.signers = make(map[string]bool, len(wallets))
	for _, w := range wallets {
		g.signers[common.HexToAddress(w).Hex()] = true
	}
}

// Calls 返回所有写调用
func (g *Gateway) Calls() []Call {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Call, len(g.calls))
	copy(out, g.calls)
	return out
}

// CallCount 写调用次数
func (g *Gateway) CallCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// PendingCount 内存池中的交易数
func (g *Gateway) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, t := range g.txs {
		if !t.mined && !t.dropped {
			n++
		}
	}
	return n
}

// MineAll 打包所有待确认交易
func (g *Gateway) MineAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, t := range g.txs {
		if !t.mined && !t.dropped {
			g.mine(t)
		}
	}
}

// Drop 模拟交易从内存池丢失
func (g *Gateway) Drop(txHash string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if t, ok := g.txs[txHash]; ok && !t.mined {
		t.dropped = true
	}
}

// Settlement 一次 SettleNonce 调用
type Settlement struct {
	From   string
	Nonce  uint64
	TxHash string
	Mined  bool
}

// Settlements 返回所有 SettleNonce 调用
func (g *Gateway) Settlements() []Settlement {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Settlement, len(g.settled))
	copy(out, g.settled)
	return out
}

// FundExternally 模拟不经过本服务的注资交易，返回其交易哈希
func (g *Gateway) FundExternally(onchainProjectID uint64, index uint32) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, m, reason := g.lookup(onchainProjectID, index)
	if reason != "" || m.funded {
		return ""
	}
	m.funded = true
	g.block++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("external/%d/%d/%d", onchainProjectID, index, g.block))).Hex()
	g.events[fundedEvent(onchainProjectID, index)] = &gateway.StateChangeLog{TxHash: hash, BlockNumber: g.block}
	return hash
}

func fundedEvent(projectID uint64, index uint32) string {
	return fmt.Sprintf("funded/%d/%d", projectID, index)
}

func releasedEvent(projectID uint64, index uint32) string {
	return fmt.Sprintf("released/%d/%d", projectID, index)
}

func disputedEvent(projectID uint64) string {
	return fmt.Sprintf("disputed/%d", projectID)
}

// eventFor 写调用成功后产生的状态事件
func eventFor(call Call) string {
	switch call.Method {
	case contract.MethodFundMilestone:
		return fundedEvent(call.ProjectID, call.Index)
	case contract.MethodApproveMilestone, contract.MethodRefundMilestone:
		return releasedEvent(call.ProjectID, call.Index)
	case contract.MethodRaiseDispute:
		return disputedEvent(call.ProjectID)
	}
	return ""
}

// SeedProject 直接在链上创建项目，不经过交易
func (g *Gateway) SeedProject(client, freelancer string, amounts ...int64) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := make([]*milestone, 0, len(amounts))
	for _, a := range amounts {
		ms = append(ms, &milestone{amount: decimal.NewFromInt(a)})
	}
	id := g.nextID
	g.nextID++
	g.projects[id] = &project{client: client, freelancer: freelancer, milestones: ms}
	return id
}

// mine 需持有锁
func (g *Gateway) mine(t *tx) {
	g.block++
	t.mined = true
	t.receipt = &gateway.Receipt{
		TxHash:        t.hash,
		BlockNumber:   g.block,
		Status:        gateway.ReceiptStatusSuccessful,
		Confirmations: 1,
	}
	if reason := t.check(); reason != "" {
		t.receipt.Status = 0
		t.receipt.RevertReason = reason
		return
	}
	t.receipt.ProjectID = t.apply()
	t.receipt.ProjectCreated = t.method == contract.MethodCreateProject
	if t.event != "" {
		if _, ok := g.events[t.event]; !ok {
			g.events[t.event] = &gateway.StateChangeLog{TxHash: t.hash, BlockNumber: g.block}
		}
	}
}

func (g *Gateway) submit(ctx context.Context, call Call, check func() string, apply func() uint64, opts []gateway.SubmitOption) (*gateway.Submission, error) {
	o := gateway.ApplyOptions(opts...)

	g.mu.Lock()
	g.calls = append(g.calls, call)
	if !common.IsHexAddress(call.Caller) {
		g.mu.Unlock()
		return nil, apperrors.ErrInvalidAddress
	}
	from := common.HexToAddress(call.Caller).Hex()
	if g.signers != nil && !g.signers[from] {
		g.mu.Unlock()
		return nil, apperrors.ErrSignerNotFound.WithDetail("wallet", from)
	}
	if !g.RevertOnChain {
		if reason := check(); reason != "" {
			g.mu.Unlock()
			return nil, gateway.RevertError(reason, "")
		}
	}
	g.nonce++
	nonce := g.nonce
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s/%s/%d", call.Method, from, nonce))).Hex()
	g.mu.Unlock()

	if o.BeforeBroadcast != nil {
		if err := o.BeforeBroadcast(ctx, hash, nonce); err != nil {
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.SendErr != nil {
		return nil, apperrors.Wrap(apperrors.ErrNetwork, g.SendErr)
	}
	t := &tx{hash: hash, method: call.Method, event: eventFor(call), check: check, apply: apply}
	g.txs[hash] = t
	if !g.HoldConfirmations {
		g.mine(t)
	}
	sub := &gateway.Submission{TxHash: hash, Nonce: nonce, From: from, Method: call.Method}
	if g.AmbiguousSendErr != nil {
		return sub, apperrors.Wrap(apperrors.ErrNetwork, fmt.Errorf("%w: %v", gateway.ErrBroadcastUnknown, g.AmbiguousSendErr))
	}
	return sub, nil
}

// lookup 需持有锁
func (g *Gateway) lookup(projectID uint64, index uint32) (*project, *milestone, string) {
	p, ok := g.projects[projectID]
	if !ok {
		return nil, nil, contract.Reason("unknown project")
	}
	if int(index) >= len(p.milestones) {
		return p, nil, contract.Reason("unknown milestone")
	}
	return p, p.milestones[index], ""
}

// CreateProject 创建项目
func (g *Gateway) CreateProject(ctx context.Context, client, freelancer string, amounts []decimal.Decimal, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
	if !common.IsHexAddress(freelancer) {
		return nil, apperrors.NewContractRevert(contract.Reason(contract.ReasonInvalidFreelancer), "")
	}
	if len(amounts) == 0 {
		return nil, apperrors.NewContractRevert(contract.Reason(contract.ReasonNoMilestones), "")
	}
	check := func() string { return "" }
	apply := func() uint64 {
		ms := make([]*milestone, 0, len(amounts))
		for _, a := range amounts {
			ms = append(ms, &milestone{amount: a})
		}
		id := g.nextID
		g.nextID++
		g.projects[id] = &project{client: client, freelancer: freelancer, milestones: ms}
		return id
	}
	return g.submit(ctx, Call{Method: contract.MethodCreateProject, Caller: client}, check, apply, opts)
}

// RegisterAndConfirm 创建项目并等待确认
func (g *Gateway) RegisterAndConfirm(ctx context.Context, client, freelancer string, amounts []decimal.Decimal, minConfirmations uint64) (uint64, string, error) {
	sub, err := g.CreateProject(ctx, client, freelancer, amounts)
	if err != nil {
		return 0, "", err
	}
	receipt, err := g.AwaitConfirmation(ctx, sub.TxHash, minConfirmations)
	if err != nil {
		return 0, sub.TxHash, err
	}
	if !receipt.ProjectCreated {
		return 0, sub.TxHash, apperrors.Wrap(apperrors.ErrInternal, contract.ErrProjectCreatedNotFound)
	}
	return receipt.ProjectID, sub.TxHash, nil
}

// FundMilestone 注资
func (g *Gateway) FundMilestone(ctx context.Context, onchainProjectID uint64, index uint32, value decimal.Decimal, payer string, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
	check := func() string {
		p, m, reason := g.lookup(onchainProjectID, index)
		switch {
		case reason != "":
			return reason
		case !sameWallet(p.client, payer):
			return contract.Reason(contract.ReasonNotClient)
		case m.funded:
			return contract.Reason(contract.ReasonAlreadyFunded)
		case !m.amount.Equal(value):
			return contract.Reason(contract.ReasonIncorrectAmount)
		}
		return ""
	}
	apply := func() uint64 {
		_, m, _ := g.lookup(onchainProjectID, index)
		m.funded = true
		return 0
	}
	call := Call{Method: contract.MethodFundMilestone, ProjectID: onchainProjectID, Index: index, Caller: payer, Value: value}
	return g.submit(ctx, call, check, apply, opts)
}

// ApproveMilestone 审批释放
func (g *Gateway) ApproveMilestone(ctx context.Context, onchainProjectID uint64, index uint32, caller string, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
	check := func() string {
		p, m, reason := g.lookup(onchainProjectID, index)
		switch {
		case reason != "":
			return reason
		case !sameWallet(p.client, caller):
			return contract.Reason(contract.ReasonNotClient)
		case p.disputed:
			return contract.Reason(contract.ReasonProjectDisputed)
		case !m.funded:
			return contract.Reason(contract.ReasonNotFunded)
		case m.released:
			return contract.Reason(contract.ReasonAlreadyReleased)
		}
		return ""
	}
	apply := func() uint64 {
		_, m, _ := g.lookup(onchainProjectID, index)
		m.released = true
		return 0
	}
	call := Call{Method: contract.MethodApproveMilestone, ProjectID: onchainProjectID, Index: index, Caller: caller}
	return g.submit(ctx, call, check, apply, opts)
}

// RaiseDispute 发起争议
func (g *Gateway) RaiseDispute(ctx context.Context, onchainProjectID uint64, caller string, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
	check := func() string {
		p, ok := g.projects[onchainProjectID]
		switch {
		case !ok:
			return contract.Reason("unknown project")
		case !sameWallet(p.client, caller) && !sameWallet(p.freelancer, caller):
			return contract.Reason(contract.ReasonNotParty)
		case p.disputed:
			return contract.Reason(contract.ReasonAlreadyDisputed)
		}
		return ""
	}
	apply := func() uint64 {
		g.projects[onchainProjectID].disputed = true
		return 0
	}
	call := Call{Method: contract.MethodRaiseDispute, ProjectID: onchainProjectID, Caller: caller}
	return g.submit(ctx, call, check, apply, opts)
}

// RefundMilestone 管理员退款
func (g *Gateway) RefundMilestone(ctx context.Context, onchainProjectID uint64, index uint32, caller string, opts ...gateway.SubmitOption) (*gateway.Submission, error) {
	check := func() string {
		p, m, reason := g.lookup(onchainProjectID, index)
		switch {
		case reason != "":
			return reason
		case !sameWallet(g.admin, caller):
			return contract.Reason(contract.ReasonNotAdmin)
		case !p.disputed:
			return contract.Reason(contract.ReasonNotDisputed)
		case !m.funded:
			return contract.Reason(contract.ReasonNotFunded)
		case m.released:
			return contract.Reason(contract.ReasonAlreadyReleased)
		}
		return ""
	}
	apply := func() uint64 {
		_, m, _ := g.lookup(onchainProjectID, index)
		m.released = true
		m.refunded = true
		return 0
	}
	call := Call{Method: contract.MethodRefundMilestone, ProjectID: onchainProjectID, Index: index, Caller: caller}
	return g.submit(ctx, call, check, apply, opts)
}

// AwaitConfirmation 轮询直到打包或 ctx 结束
func (g *Gateway) AwaitConfirmation(ctx context.Context, txHash string, _ uint64) (*gateway.Receipt, error) {
	ticker := time.NewTicker(g.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.GetReceipt(ctx, txHash)
		if err == nil {
			if !receipt.Succeeded() {
				return receipt, gateway.RevertError(receipt.RevertReason, txHash)
			}
			return receipt, nil
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.NewPendingConfirmation("", txHash)
		case <-ticker.C:
		}
	}
}

// GetReceipt 查询回执
func (g *Gateway) GetReceipt(_ context.Context, txHash string) (*gateway.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.txs[txHash]
	switch {
	case !ok || t.dropped:
		return nil, gateway.ErrTxNotFound
	case !t.mined:
		return nil, gateway.ErrTxPending
	}
	receipt := *t.receipt
	return &receipt, nil
}

// ReadMilestoneState 读取里程碑状态
func (g *Gateway) ReadMilestoneState(_ context.Context, onchainProjectID uint64, index uint32) (*gateway.MilestoneState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	_, m, reason := g.lookup(onchainProjectID, index)
	if reason != "" {
		return nil, apperrors.NewContractRevert(reason, "")
	}
	return &gateway.MilestoneState{
		Amount:   m.amount,
		Funded:   m.funded,
		Released: m.released,
		Refunded: m.refunded,
	}, nil
}

// ReadProjectState 读取项目状态
func (g *Gateway) ReadProjectState(_ context.Context, onchainProjectID uint64) (*gateway.ProjectState, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.projects[onchainProjectID]
	if !ok {
		return nil, apperrors.NewContractRevert(contract.Reason("unknown project"), "")
	}
	return &gateway.ProjectState{
		Client:         p.client,
		Freelancer:     p.freelancer,
		Disputed:       p.disputed,
		MilestoneCount: uint64(len(p.milestones)),
	}, nil
}

// FindStateChange 返回最早达成该状态的交易
func (g *Gateway) FindStateChange(_ context.Context, change gateway.StateChange, onchainProjectID uint64, index uint32) (*gateway.StateChangeLog, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var key string
	switch change {
	case gateway.StateFunded:
		key = fundedEvent(onchainProjectID, index)
	case gateway.StateReleased:
		key = releasedEvent(onchainProjectID, index)
	case gateway.StateDisputed:
		key = disputedEvent(onchainProjectID)
	}
	found, ok := g.events[key]
	if !ok {
		return nil, gateway.ErrTxNotFound
	}
	out := *found
	return &out, nil
}

// SettleNonce 记录 nonce 结束跟踪
func (g *Gateway) SettleNonce(_ context.Context, from string, nonce uint64, txHash string, mined bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.settled = append(g.settled, Settlement{From: from, Nonce: nonce, TxHash: txHash, Mined: mined})
}

// sameWallet 比较钱包地址
func sameWallet(a, b string) bool {
	return a != "" && common.HexToAddress(a) == common.HexToAddress(b)
}
