package gateway

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/circuitbreaker"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// 熔断器分组
const (
	breakerSend = "send"
	breakerRead = "read"
)

// ChainClient 网关依赖的链上客户端能力
type ChainClient interface {
	ChainID() int64
	HasSigner(wallet common.Address) bool
	BlockNumber(ctx context.Context) (uint64, error)
	GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	SignTransactionAs(from common.Address, tx *types.Transaction) (*types.Transaction, error)
}

// Config 网关配置
type Config struct {
	PollInterval time.Duration
	// BroadcastTimeout 广播不跟随调用方 ctx 取消，单独限时
	BroadcastTimeout time.Duration
	// LogsFromBlock 查询合约事件的起始区块，一般为合约部署区块
	LogsFromBlock uint64
	Breaker       *circuitbreaker.Config
}

// EthGateway 基于 EVM 链的托管合约网关
type EthGateway struct {
	client    ChainClient
	nonces    *blockchain.NonceRegistry
	escrow    *contract.EscrowContract
	estimator *contract.GasEstimator
	breakers  *circuitbreaker.BreakerRegistry
	cfg       *Config
}

var _ ContractGateway = (*EthGateway)(nil)

// NewEthGateway 创建网关
func NewEthGateway(
	client ChainClient,
	nonces *blockchain.NonceRegistry,
	escrow *contract.EscrowContract,
	estimator *contract.GasEstimator,
	cfg *Config,
) *EthGateway {
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BroadcastTimeout == 0 {
		cfg.BroadcastTimeout = 10 * time.Second
	}

	breakerCfg := circuitbreaker.DefaultConfig()
	if cfg.Breaker != nil {
		c := *cfg.Breaker
		breakerCfg = &c
	}
	breakerCfg.IsFailure = isInfraFailure
	breakerCfg.OnStateChange = func(name string, from, to circuitbreaker.State) {
		logger.Warn("circuit breaker state changed",
			zap.String("breaker", name),
			zap.String("from", from.String()),
			zap.String("to", to.String()))
		metrics.UpdateCircuitBreakerState(name, int(to))
	}

	return &EthGateway{
		client:    client,
		nonces:    nonces,
		escrow:    escrow,
		estimator: estimator,
		breakers:  circuitbreaker.NewRegistry(breakerCfg),
		cfg:       cfg,
	}
}

// isInfraFailure 只有基础设施错误计入熔断
func isInfraFailure(err error) bool {
	if errors.Is(err, blockchain.ErrTxNotFound) || errors.Is(err, ethereum.NotFound) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if _, ok := contract.RevertReasonFromError(err); ok {
		return false
	}
	return true
}

// networkError 包装为网络错误
func networkError(method string, err error) *apperrors.Error {
	metrics.RecordRPCError(method)
	return apperrors.Wrapf(apperrors.ErrNetwork, err, "%s", method)
}

// isNonceTooLow 节点返回 nonce too low
func isNonceTooLow(err error) bool {
	return strings.Contains(err.Error(), "nonce too low")
}

// broadcastRejected 交易确定没有被节点接收
//
// 熔断打开时根本没有发出；节点返回 JSON-RPC 错误表示拒绝了交易。nonce too low
// 例外：客户端换节点重试前本交易可能已经上链。其余错误 (超时、连接中断) 无法判断。
func broadcastRejected(err error) bool {
	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		return true
	}
	if isNonceTooLow(err) {
		return false
	}
	var rpcErr rpc.Error
	return errors.As(err, &rpcErr)
}

// parseWallet 校验钱包并确认已配置签名密钥
func (g *EthGateway) parseWallet(wallet string) (common.Address, error) {
	if !common.IsHexAddress(wallet) {
		return common.Address{}, apperrors.ErrInvalidAddress.WithDetail("wallet", wallet)
	}
	addr := common.HexToAddress(wallet)
	if !g.client.HasSigner(addr) {
		return common.Address{}, apperrors.ErrSignerNotFound.WithDetail("wallet", addr.Hex())
	}
	return addr, nil
}

// toWei 十进制最小单位转 big.Int
func toWei(amount decimal.Decimal) (*big.Int, error) {
	if !amount.IsInteger() || amount.Sign() <= 0 {
		return nil, apperrors.ErrInvalidAmount.WithDetail("amount", amount.String())
	}
	return amount.BigInt(), nil
}

type txCall struct {
	method string
	from   string
	data   []byte
	value  *big.Int
	items  int
}

// CreateProject 创建链上项目
func (g *EthGateway) CreateProject(ctx context.Context, client, freelancer string, amounts []decimal.Decimal, opts ...SubmitOption) (*Submission, error) {
	// 合约会拒绝的参数在本地拦截，不消耗 gas
	if !common.IsHexAddress(freelancer) || common.HexToAddress(freelancer) == (common.Address{}) {
		return nil, apperrors.NewContractRevert(contract.Reason(contract.ReasonInvalidFreelancer), "")
	}
	if len(amounts) == 0 {
		return nil, apperrors.NewContractRevert(contract.Reason(contract.ReasonNoMilestones), "")
	}

	values := make([]*big.Int, 0, len(amounts))
	for _, amount := range amounts {
		v, err := toWei(amount)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
	}

	data, err := g.escrow.PackCreateProject(common.HexToAddress(freelancer), values)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return g.submit(ctx, &txCall{method: contract.MethodCreateProject, from: client, data: data, items: len(amounts)}, opts)
}

// RegisterAndConfirm 创建项目并等待确认
func (g *EthGateway) RegisterAndConfirm(ctx context.Context, client, freelancer string, amounts []decimal.Decimal, minConfirmations uint64) (uint64, string, error) {
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

// FundMilestone 为里程碑注资，value 作为交易金额
func (g *EthGateway) FundMilestone(ctx context.Context, onchainProjectID uint64, index uint32, value decimal.Decimal, payer string, opts ...SubmitOption) (*Submission, error) {
	wei, err := toWei(value)
	if err != nil {
		return nil, err
	}
	data, err := g.escrow.PackFundMilestone(onchainProjectID, index)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return g.submit(ctx, &txCall{method: contract.MethodFundMilestone, from: payer, data: data, value: wei}, opts)
}

// ApproveMilestone 审批并释放里程碑
func (g *EthGateway) ApproveMilestone(ctx context.Context, onchainProjectID uint64, index uint32, caller string, opts ...SubmitOption) (*Submission, error) {
	data, err := g.escrow.PackApproveMilestone(onchainProjectID, index)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return g.submit(ctx, &txCall{method: contract.MethodApproveMilestone, from: caller, data: data}, opts)
}

// RaiseDispute 发起争议
func (g *EthGateway) RaiseDispute(ctx context.Context, onchainProjectID uint64, caller string, opts ...SubmitOption) (*Submission, error) {
	data, err := g.escrow.PackRaiseDispute(onchainProjectID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return g.submit(ctx, &txCall{method: contract.MethodRaiseDispute, from: caller, data: data}, opts)
}

// RefundMilestone 管理员退款
func (g *EthGateway) RefundMilestone(ctx context.Context, onchainProjectID uint64, index uint32, caller string, opts ...SubmitOption) (*Submission, error) {
	data, err := g.escrow.PackRefundMilestone(onchainProjectID, index)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return g.submit(ctx, &txCall{method: contract.MethodRefundMilestone, from: caller, data: data}, opts)
}

// submit 估算、签名、回调、广播
func (g *EthGateway) submit(ctx context.Context, call *txCall, opts []SubmitOption) (*Submission, error) {
	o := ApplyOptions(opts...)

	from, err := g.parseWallet(call.from)
	if err != nil {
		return nil, err
	}

	var est *contract.GasEstimate
	err = g.breakers.Execute(breakerSend, func() error {
		var estErr error
		est, estErr = g.estimator.Estimate(ctx, &contract.CallRequest{
			Method: call.method,
			From:   from,
			To:     g.escrow.Address(),
			Data:   call.data,
			Value:  call.value,
			Items:  call.items,
		})
		return estErr
	})
	if err != nil {
		var revertErr *contract.RevertError
		if errors.As(err, &revertErr) {
			metrics.RecordChainTx(call.method, "rejected")
			return nil, RevertError(revertErr.Reason, "")
		}
		return nil, networkError("estimate_gas", err)
	}

	nm := g.nonces.For(from)
	nonce, err := nm.AcquireNonce(ctx)
	if err != nil {
		return nil, networkError("nonce", err)
	}

	value := call.value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTransaction(nonce, g.escrow.Address(), value, est.GasLimit, est.GasPrice, call.data)
	signed, err := g.client.SignTransactionAs(from, tx)
	if err != nil {
		g.releaseNonce(ctx, nm, nonce)
		if errors.Is(err, blockchain.ErrSignerNotFound) {
			return nil, apperrors.ErrSignerNotFound.WithDetail("wallet", from.Hex())
		}
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}

	sub := &Submission{
		TxHash: signed.Hash().Hex(),
		Nonce:  nonce,
		From:   from.Hex(),
		Method: call.method,
	}
	log := logger.L().With(
		zap.String("method", call.method),
		logger.TxHash(sub.TxHash),
		zap.Uint64("nonce", nonce),
		zap.String("from", sub.From))

	if o.BeforeBroadcast != nil {
		if err := o.BeforeBroadcast(ctx, sub.TxHash, nonce); err != nil {
			g.releaseNonce(ctx, nm, nonce)
			log.Warn("before broadcast hook failed, transaction discarded", zap.Error(err))
			return nil, err
		}
	}

	// 回调已持久化 tx_hash，广播不能因调用方取消而中断
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), g.cfg.BroadcastTimeout)
	err = g.breakers.Execute(breakerSend, func() error {
		return g.client.SendTransaction(sendCtx, signed)
	})
	cancel()
	if err != nil {
		if isNonceTooLow(err) {
			if syncErr := nm.HandleNonceTooLow(context.WithoutCancel(ctx)); syncErr != nil {
				log.Warn("nonce resync failed", zap.Error(syncErr))
			}
		}
		if broadcastRejected(err) {
			g.releaseNonce(ctx, nm, nonce)
			metrics.RecordChainTx(call.method, "failed")
			log.Error("broadcast rejected", zap.Error(err))
			return nil, networkError("send_transaction", err)
		}

		// 节点可能已收到交易，nonce 不回退，按已广播跟踪
		if confirmErr := nm.ConfirmNonce(context.WithoutCancel(ctx), nonce, sub.TxHash); confirmErr != nil {
			log.Warn("confirm nonce failed", zap.Error(confirmErr))
		}
		metrics.RecordChainTx(call.method, "unknown")
		log.Warn("broadcast outcome unknown, tracking as submitted", zap.Error(err))
		return sub, networkError("send_transaction", fmt.Errorf("%w: %v", ErrBroadcastUnknown, err))
	}

	if err := nm.ConfirmNonce(context.WithoutCancel(ctx), nonce, sub.TxHash); err != nil {
		log.Warn("confirm nonce failed", zap.Error(err))
	}
	metrics.RecordChainTx(call.method, "submitted")
	log.Info("transaction broadcast")
	return sub, nil
}

func (g *EthGateway) releaseNonce(ctx context.Context, nm *blockchain.NonceManager, nonce uint64) {
	// 调用方 ctx 可能已取消，回滚 nonce 使用独立的短超时
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := nm.ReleaseNonce(releaseCtx, nonce); err != nil {
		logger.Warn("release nonce failed", zap.Uint64("nonce", nonce), zap.Error(err))
	}
}

// AwaitConfirmation 等待交易确认
func (g *EthGateway) AwaitConfirmation(ctx context.Context, txHash string, minConfirmations uint64) (*Receipt, error) {
	if minConfirmations == 0 {
		minConfirmations = 1
	}

	start := time.Now()
	ticker := time.NewTicker(g.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := g.GetReceipt(ctx, txHash)
		switch {
		case err == nil && receipt.Confirmations >= minConfirmations:
			metrics.RecordConfirmationWait(time.Since(start).Seconds())
			if !receipt.Succeeded() {
				metrics.RecordChainTx("receipt", "reverted")
				return receipt, RevertError(receipt.RevertReason, txHash)
			}
			metrics.RecordChainTx("receipt", "confirmed")
			return receipt, nil
		case err == nil, errors.Is(err, ErrTxPending), errors.Is(err, ErrTxNotFound):
			// 继续等待
		default:
			logger.Debug("receipt poll failed", logger.TxHash(txHash), zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return nil, apperrors.NewPendingConfirmation("", txHash)
		case <-ticker.C:
		}
	}
}

// GetReceipt 单次查询交易回执
func (g *EthGateway) GetReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	var raw *types.Receipt
	err := g.breakers.Execute(breakerRead, func() error {
		var rErr error
		raw, rErr = g.client.GetTransactionReceipt(ctx, hash)
		return rErr
	})
	if errors.Is(err, blockchain.ErrTxNotFound) {
		return nil, g.lookupPending(ctx, hash)
	}
	if err != nil {
		return nil, networkError("get_receipt", err)
	}

	var head uint64
	err = g.breakers.Execute(breakerRead, func() error {
		var hErr error
		head, hErr = g.client.BlockNumber(ctx)
		return hErr
	})
	if err != nil {
		return nil, networkError("block_number", err)
	}

	receipt := &Receipt{
		TxHash:  txHash,
		Status:  raw.Status,
		GasUsed: raw.GasUsed,
	}
	if raw.BlockNumber != nil {
		receipt.BlockNumber = raw.BlockNumber.Uint64()
	}
	if head >= receipt.BlockNumber {
		receipt.Confirmations = head - receipt.BlockNumber + 1
	}

	if receipt.Succeeded() {
		if ev, err := g.escrow.ParseProjectCreated(raw.Logs); err == nil {
			receipt.ProjectCreated = true
			receipt.ProjectID = ev.ProjectID
		}
	} else {
		receipt.RevertReason = g.replayRevert(ctx, hash, raw.BlockNumber)
	}
	return receipt, nil
}

// SettleNonce 交易有了最终结果后结束 nonce 跟踪，mined 为 false 表示交易丢失
func (g *EthGateway) SettleNonce(ctx context.Context, from string, nonce uint64, txHash string, mined bool) {
	if !common.IsHexAddress(from) || txHash == "" {
		return
	}
	nm := g.nonces.For(common.HexToAddress(from))
	var err error
	if mined {
		err = nm.OnTxConfirmed(ctx, nonce, txHash)
	} else {
		err = nm.OnTxDropped(ctx, nonce, txHash)
	}
	if err != nil {
		logger.Warn("settle nonce failed",
			logger.TxHash(txHash),
			zap.Uint64("nonce", nonce),
			zap.Bool("mined", mined),
			zap.Error(err))
	}
}

// lookupPending 区分内存池中的交易与丢失的交易
func (g *EthGateway) lookupPending(ctx context.Context, hash common.Hash) error {
	err := g.breakers.Execute(breakerRead, func() error {
		_, _, tErr := g.client.TransactionByHash(ctx, hash)
		return tErr
	})
	switch {
	case err == nil:
		return ErrTxPending
	case errors.Is(err, blockchain.ErrTxNotFound):
		return ErrTxNotFound
	default:
		return networkError("transaction_by_hash", err)
	}
}

// replayRevert 在回执所在区块重放调用以解析回滚原因
func (g *EthGateway) replayRevert(ctx context.Context, hash common.Hash, blockNumber *big.Int) string {
	tx, _, err := g.client.TransactionByHash(ctx, hash)
	if err != nil || tx == nil {
		return ""
	}
	signer := types.LatestSignerForChainID(big.NewInt(g.client.ChainID()))
	from, err := types.Sender(signer, tx)
	if err != nil {
		return ""
	}

	_, err = g.client.CallContract(ctx, ethereum.CallMsg{
		From:     from,
		To:       tx.To(),
		Gas:      tx.Gas(),
		GasPrice: tx.GasPrice(),
		Value:    tx.Value(),
		Data:     tx.Data(),
	}, blockNumber)
	reason, _ := contract.RevertReasonFromError(err)
	return reason
}

// ReadMilestoneState 读取链上里程碑状态
func (g *EthGateway) ReadMilestoneState(ctx context.Context, onchainProjectID uint64, index uint32) (*MilestoneState, error) {
	data, err := g.escrow.PackGetMilestone(onchainProjectID, index)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	out, err := g.call(ctx, contract.MethodGetMilestone, data)
	if err != nil {
		return nil, err
	}
	view, err := g.escrow.UnpackMilestone(out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return &MilestoneState{
		Amount:   decimal.NewFromBigInt(view.Amount, 0),
		Funded:   view.Funded,
		Released: view.Released,
		Refunded: view.Refunded,
	}, nil
}

// ReadProjectState 读取链上项目状态
func (g *EthGateway) ReadProjectState(ctx context.Context, onchainProjectID uint64) (*ProjectState, error) {
	data, err := g.escrow.PackGetProject(onchainProjectID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	out, err := g.call(ctx, contract.MethodGetProject, data)
	if err != nil {
		return nil, err
	}
	view, err := g.escrow.UnpackProject(out)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	return &ProjectState{
		Client:         view.Client.Hex(),
		Freelancer:     view.Freelancer.Hex(),
		Disputed:       view.Disputed,
		MilestoneCount: view.MilestoneCount,
	}, nil
}

// FindStateChange 查询合约事件，返回最早达成该状态的交易
func (g *EthGateway) FindStateChange(ctx context.Context, change StateChange, onchainProjectID uint64, index uint32) (*StateChangeLog, error) {
	var (
		q   ethereum.FilterQuery
		err error
	)
	switch change {
	case StateFunded:
		q, err = g.escrow.MilestoneEventQuery(contract.EventMilestoneFunded, onchainProjectID, index)
	case StateReleased:
		q, err = g.escrow.MilestoneEventQuery(contract.EventMilestoneReleased, onchainProjectID, index)
	case StateDisputed:
		q = g.escrow.DisputeEventQuery(onchainProjectID)
	default:
		return nil, apperrors.ErrInternal.WithMessagef("unknown state change %d", change)
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, err)
	}
	if g.cfg.LogsFromBlock > 0 {
		q.FromBlock = new(big.Int).SetUint64(g.cfg.LogsFromBlock)
	}

	var logs []types.Log
	err = g.breakers.Execute(breakerRead, func() error {
		var fErr error
		logs, fErr = g.client.FilterLogs(ctx, q)
		return fErr
	})
	if err != nil {
		return nil, networkError("filter_logs", err)
	}
	for _, l := range logs {
		if l.Removed {
			continue
		}
		return &StateChangeLog{TxHash: l.TxHash.Hex(), BlockNumber: l.BlockNumber}, nil
	}
	return nil, ErrTxNotFound
}

func (g *EthGateway) call(ctx context.Context, method string, data []byte) ([]byte, error) {
	to := g.escrow.Address()
	var out []byte
	err := g.breakers.Execute(breakerRead, func() error {
		var cErr error
		out, cErr = g.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
		return cErr
	})
	if err != nil {
		if reason, ok := contract.RevertReasonFromError(err); ok {
			return nil, apperrors.NewContractRevert(reason, "")
		}
		return nil, networkError(method, err)
	}
	return out, nil
}
