package gateway

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/circuitbreaker"
	apperrors "github.com/eidos-exchange/eidos/eidos-escrow/pkg/errors"
)

const (
	testChainID   = int64(31337)
	testClientKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"
	testEscrow    = "0x5FbDB2315678afecb367f032d93F642f64180aa3"
	testOther     = "0x3C44CdDdB6a900fa2b585dd299e03d12FA4293BC"
)

type mockChain struct {
	mock.Mock
	key    *ecdsa.PrivateKey
	wallet common.Address
}

func newMockChain(t *testing.T) *mockChain {
	key, err := crypto.HexToECDSA(testClientKey)
	require.NoError(t, err)
	return &mockChain{key: key, wallet: crypto.PubkeyToAddress(key.PublicKey)}
}

func (m *mockChain) ChainID() int64 { return testChainID }

func (m *mockChain) HasSigner(wallet common.Address) bool { return wallet == m.wallet }

func (m *mockChain) SignTransactionAs(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	if from != m.wallet {
		return nil, blockchain.ErrSignerNotFound
	}
	return types.SignTx(tx, types.LatestSignerForChainID(big.NewInt(testChainID)), m.key)
}

func (m *mockChain) BlockNumber(ctx context.Context) (uint64, error) {
	args := m.Called(ctx)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockChain) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*types.Receipt), args.Error(1)
}

func (m *mockChain) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	args := m.Called(ctx, txHash)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*types.Transaction), args.Bool(1), args.Error(2)
}

func (m *mockChain) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	args := m.Called(ctx, account)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockChain) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockChain) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func (m *mockChain) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	args := m.Called(ctx, tx)
	return args.Error(0)
}

func (m *mockChain) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	args := m.Called(ctx, msg, blockNumber)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *mockChain) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	args := m.Called(ctx, q)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]types.Log), args.Error(1)
}

// rpcRejection 节点返回的 JSON-RPC 错误
type rpcRejection struct {
	code int
	msg  string
}

func (e *rpcRejection) Error() string  { return e.msg }
func (e *rpcRejection) ErrorCode() int { return e.code }

type gatewayFixture struct {
	gw     *EthGateway
	chain  *mockChain
	escrow *contract.EscrowContract
	nonces *blockchain.NonceRegistry
}

func setupGateway(t *testing.T, breaker *circuitbreaker.Config) *gatewayFixture {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	chain := newMockChain(t)
	escrow, err := contract.NewEscrowContract(common.HexToAddress(testEscrow))
	require.NoError(t, err)

	nonces := blockchain.NewNonceRegistry(chain, rdb, testChainID, blockchain.NonceManagerConfig{})
	estimator := contract.NewGasEstimator(nil, chain)

	gw := NewEthGateway(chain, nonces, escrow, estimator, &Config{
		PollInterval: 5 * time.Millisecond,
		Breaker:      breaker,
	})
	return &gatewayFixture{gw: gw, chain: chain, escrow: escrow, nonces: nonces}
}

func (f *gatewayFixture) expectGas() {
	f.chain.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(50_000), nil)
	f.chain.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1e9), nil)
	f.chain.On("PendingNonceAt", mock.Anything, f.chain.wallet).Return(uint64(3), nil)
}

func TestEthGateway_FundMilestone_HookRunsBeforeBroadcast(t *testing.T) {
	f := setupGateway(t, nil)
	f.expectGas()

	var hookHash string
	var sent *types.Transaction
	f.chain.On("SendTransaction", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		// 广播时回调必须已经执行
		assert.NotEmpty(t, hookHash)
		sent = args.Get(1).(*types.Transaction)
	}).Return(nil)

	sub, err := f.gw.FundMilestone(context.Background(), 7, 1, decimal.NewFromInt(100), f.chain.wallet.Hex(),
		WithBeforeBroadcast(func(_ context.Context, txHash string, nonce uint64) error {
			hookHash = txHash
			assert.Equal(t, uint64(3), nonce)
			return nil
		}))
	require.NoError(t, err)

	assert.Equal(t, hookHash, sub.TxHash)
	assert.Equal(t, uint64(3), sub.Nonce)
	assert.Equal(t, contract.MethodFundMilestone, sub.Method)
	require.NotNil(t, sent)
	assert.Equal(t, sub.TxHash, sent.Hash().Hex())
	assert.Equal(t, int64(100), sent.Value().Int64())
	assert.Equal(t, common.HexToAddress(testEscrow), *sent.To())
	assert.Equal(t, uint64(60_000), sent.Gas())
}

func TestEthGateway_HookFailure_NoBroadcast(t *testing.T) {
	f := setupGateway(t, nil)
	f.expectGas()
	hookErr := errors.New("db down")

	_, err := f.gw.ApproveMilestone(context.Background(), 7, 0, f.chain.wallet.Hex(),
		WithBeforeBroadcast(func(context.Context, string, uint64) error { return hookErr }))
	assert.ErrorIs(t, err, hookErr)
	f.chain.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)

	// nonce 已回退
	nonce, err := f.nonces.For(f.chain.wallet).AcquireNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)
}

func TestEthGateway_EstimateRevert(t *testing.T) {
	tests := []struct {
		name     string
		reason   string
		wantCode string
	}{
		{"amount mismatch", "Escrow: incorrect amount", apperrors.ErrAmountMismatch.Code},
		{"already funded", "Escrow: already funded", apperrors.ErrContractRevert.Code},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupGateway(t, nil)
			f.chain.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("execution reverted: "+tt.reason))

			_, err := f.gw.FundMilestone(context.Background(), 7, 0, decimal.NewFromInt(50), f.chain.wallet.Hex())
			require.Error(t, err)
			assert.Equal(t, tt.wantCode, apperrors.GetCode(err))
			assert.Equal(t, tt.reason, apperrors.FromError(err).Detail(apperrors.DetailReason))
			f.chain.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
		})
	}
}

func TestEthGateway_UnknownSigner(t *testing.T) {
	f := setupGateway(t, nil)

	_, err := f.gw.RaiseDispute(context.Background(), 7, testOther)
	assert.True(t, apperrors.Is(err, apperrors.ErrSignerNotFound))
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))

	_, err = f.gw.RaiseDispute(context.Background(), 7, "not-an-address")
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidAddress))
}

func TestEthGateway_BroadcastRejected(t *testing.T) {
	f := setupGateway(t, nil)
	f.expectGas()
	f.chain.On("SendTransaction", mock.Anything, mock.Anything).
		Return(&rpcRejection{code: -32000, msg: "insufficient funds for gas * price + value"})

	sub, err := f.gw.RefundMilestone(context.Background(), 7, 0, f.chain.wallet.Hex())
	assert.Nil(t, sub)
	assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
	assert.True(t, apperrors.IsRetryable(err))
	assert.NotErrorIs(t, err, ErrBroadcastUnknown)

	// nonce 回退，下一笔交易复用
	nm := f.nonces.For(f.chain.wallet)
	assert.Equal(t, 0, nm.GetPendingCount())
	nonce, err := nm.AcquireNonce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), nonce)
}

func TestEthGateway_BroadcastOutcomeUnknown(t *testing.T) {
	tests := []struct {
		name    string
		sendErr error
	}{
		{"connection reset", errors.New("read tcp 10.0.0.1:8545: connection reset by peer")},
		{"deadline", context.DeadlineExceeded},
		{"nonce too low after retry", &rpcRejection{code: -32000, msg: "nonce too low"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupGateway(t, nil)
			f.expectGas()
			f.chain.On("SendTransaction", mock.Anything, mock.Anything).Return(tt.sendErr)

			sub, err := f.gw.FundMilestone(context.Background(), 7, 0, decimal.NewFromInt(100), f.chain.wallet.Hex())
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrBroadcastUnknown)
			assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
			require.NotNil(t, sub)
			assert.Equal(t, uint64(3), sub.Nonce)

			// nonce 不回退，交易按已广播跟踪
			nm := f.nonces.For(f.chain.wallet)
			count, err := nm.PendingTxCount(context.Background())
			require.NoError(t, err)
			assert.Equal(t, int64(1), count)
		})
	}
}

func TestEthGateway_BroadcastIgnoresCallerCancel(t *testing.T) {
	f := setupGateway(t, nil)
	f.expectGas()

	ctx, cancel := context.WithCancel(context.Background())
	f.chain.On("SendTransaction", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		sendCtx := args.Get(0).(context.Context)
		assert.NoError(t, sendCtx.Err())
	}).Return(nil)

	_, err := f.gw.ApproveMilestone(ctx, 7, 0, f.chain.wallet.Hex(),
		WithBeforeBroadcast(func(context.Context, string, uint64) error {
			// 持久化之后调用方断开
			cancel()
			return nil
		}))
	require.NoError(t, err)
	f.chain.AssertNumberOfCalls(t, "SendTransaction", 1)
}

func TestEthGateway_SettleNonce(t *testing.T) {
	f := setupGateway(t, nil)
	f.expectGas()
	f.chain.On("SendTransaction", mock.Anything, mock.Anything).Return(nil)
	ctx := context.Background()
	nm := f.nonces.For(f.chain.wallet)

	mined, err := f.gw.ApproveMilestone(ctx, 7, 0, f.chain.wallet.Hex())
	require.NoError(t, err)
	dropped, err := f.gw.ApproveMilestone(ctx, 7, 1, f.chain.wallet.Hex())
	require.NoError(t, err)
	count, err := nm.PendingTxCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	f.gw.SettleNonce(ctx, mined.From, mined.Nonce, mined.TxHash, true)
	f.gw.SettleNonce(ctx, dropped.From, dropped.Nonce, dropped.TxHash, false)

	count, err = nm.PendingTxCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestEthGateway_FindStateChange(t *testing.T) {
	f := setupGateway(t, nil)
	funded := common.HexToHash("0xf1")

	fundQuery, err := f.escrow.MilestoneEventQuery(contract.EventMilestoneFunded, 7, 1)
	require.NoError(t, err)
	f.chain.On("FilterLogs", mock.Anything, fundQuery).Return([]types.Log{
		{TxHash: common.HexToHash("0xee"), BlockNumber: 8, Removed: true},
		{TxHash: funded, BlockNumber: 9},
	}, nil)
	f.chain.On("FilterLogs", mock.Anything, f.escrow.DisputeEventQuery(7)).Return([]types.Log{}, nil)

	found, err := f.gw.FindStateChange(context.Background(), StateFunded, 7, 1)
	require.NoError(t, err)
	assert.Equal(t, funded.Hex(), found.TxHash)
	assert.Equal(t, uint64(9), found.BlockNumber)

	_, err = f.gw.FindStateChange(context.Background(), StateDisputed, 7, 0)
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestEthGateway_CreateProject_LocalChecks(t *testing.T) {
	f := setupGateway(t, nil)

	_, err := f.gw.CreateProject(context.Background(), f.chain.wallet.Hex(), "0xnope", []decimal.Decimal{decimal.NewFromInt(1)})
	assert.Equal(t, apperrors.KindContractRevert, apperrors.KindOf(err))
	assert.Equal(t, "Escrow: invalid freelancer", apperrors.FromError(err).Detail(apperrors.DetailReason))

	_, err = f.gw.CreateProject(context.Background(), f.chain.wallet.Hex(), testOther, nil)
	assert.Equal(t, "Escrow: no milestones", apperrors.FromError(err).Detail(apperrors.DetailReason))

	_, err = f.gw.CreateProject(context.Background(), f.chain.wallet.Hex(), testOther, []decimal.Decimal{decimal.RequireFromString("1.5")})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidAmount))

	f.chain.AssertNotCalled(t, "EstimateGas", mock.Anything, mock.Anything)
}

func TestEthGateway_AwaitConfirmation_PendingThenMined(t *testing.T) {
	f := setupGateway(t, nil)
	hash := common.HexToHash("0xaa")

	eventID := f.escrow.ABI().Events["ProjectCreated"].ID
	receipt := &types.Receipt{
		Status:      types.ReceiptStatusSuccessful,
		BlockNumber: big.NewInt(10),
		Logs: []*types.Log{{
			Address: f.escrow.Address(),
			Topics:  []common.Hash{eventID, common.BigToHash(big.NewInt(42)), common.BytesToHash(f.chain.wallet.Bytes()), common.BytesToHash(common.HexToAddress(testOther).Bytes())},
			Data:    common.LeftPadBytes([]byte{2}, 32),
		}},
	}

	f.chain.On("GetTransactionReceipt", mock.Anything, hash).Return(nil, blockchain.ErrTxNotFound).Once()
	f.chain.On("TransactionByHash", mock.Anything, hash).Return(nil, true, nil).Once()
	f.chain.On("GetTransactionReceipt", mock.Anything, hash).Return(receipt, nil)
	f.chain.On("BlockNumber", mock.Anything).Return(uint64(11), nil)

	got, err := f.gw.AwaitConfirmation(context.Background(), hash.Hex(), 2)
	require.NoError(t, err)
	assert.Equal(t, uint64(10), got.BlockNumber)
	assert.Equal(t, uint64(2), got.Confirmations)
	assert.True(t, got.ProjectCreated)
	assert.Equal(t, uint64(42), got.ProjectID)
}

func TestEthGateway_AwaitConfirmation_Timeout(t *testing.T) {
	f := setupGateway(t, nil)
	hash := common.HexToHash("0xbb")
	f.chain.On("GetTransactionReceipt", mock.Anything, hash).Return(nil, blockchain.ErrTxNotFound)
	f.chain.On("TransactionByHash", mock.Anything, hash).Return(nil, true, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := f.gw.AwaitConfirmation(ctx, hash.Hex(), 1)
	assert.True(t, apperrors.IsPending(err))
	assert.Equal(t, hash.Hex(), apperrors.FromError(err).Detail(apperrors.DetailTxHash))
	f.chain.AssertNotCalled(t, "SendTransaction", mock.Anything, mock.Anything)
}

func TestEthGateway_AwaitConfirmation_RevertReplay(t *testing.T) {
	f := setupGateway(t, nil)

	tx, err := f.chain.SignTransactionAs(f.chain.wallet,
		types.NewTransaction(3, f.escrow.Address(), big.NewInt(0), 60_000, big.NewInt(1e9), []byte{0x01}))
	require.NoError(t, err)
	hash := tx.Hash()

	f.chain.On("GetTransactionReceipt", mock.Anything, hash).Return(&types.Receipt{Status: types.ReceiptStatusFailed, BlockNumber: big.NewInt(10)}, nil)
	f.chain.On("BlockNumber", mock.Anything).Return(uint64(10), nil)
	f.chain.On("TransactionByHash", mock.Anything, hash).Return(tx, false, nil)
	f.chain.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return msg.From == f.chain.wallet
	}), mock.Anything).Return(nil, errors.New("execution reverted: Escrow: not funded"))

	receipt, err := f.gw.AwaitConfirmation(context.Background(), hash.Hex(), 1)
	require.Error(t, err)
	assert.Equal(t, apperrors.KindContractRevert, apperrors.KindOf(err))
	assert.Equal(t, "Escrow: not funded", apperrors.FromError(err).Detail(apperrors.DetailReason))
	require.NotNil(t, receipt)
	assert.False(t, receipt.Succeeded())
}

func TestEthGateway_GetReceipt_NotFound(t *testing.T) {
	f := setupGateway(t, nil)
	hash := common.HexToHash("0xcc")
	f.chain.On("GetTransactionReceipt", mock.Anything, hash).Return(nil, blockchain.ErrTxNotFound)
	f.chain.On("TransactionByHash", mock.Anything, hash).Return(nil, false, blockchain.ErrTxNotFound)

	_, err := f.gw.GetReceipt(context.Background(), hash.Hex())
	assert.ErrorIs(t, err, ErrTxNotFound)
}

func TestEthGateway_ReadState(t *testing.T) {
	f := setupGateway(t, nil)

	milestoneOut, err := f.escrow.ABI().Methods[contract.MethodGetMilestone].Outputs.Pack(big.NewInt(100), true, false, false)
	require.NoError(t, err)
	milestoneCall, _ := f.escrow.PackGetMilestone(7, 0)
	f.chain.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return string(msg.Data) == string(milestoneCall)
	}), mock.Anything).Return(milestoneOut, nil)

	projectOut, err := f.escrow.ABI().Methods[contract.MethodGetProject].Outputs.Pack(f.chain.wallet, common.HexToAddress(testOther), true, big.NewInt(2))
	require.NoError(t, err)
	projectCall, _ := f.escrow.PackGetProject(7)
	f.chain.On("CallContract", mock.Anything, mock.MatchedBy(func(msg ethereum.CallMsg) bool {
		return string(msg.Data) == string(projectCall)
	}), mock.Anything).Return(projectOut, nil)

	ms, err := f.gw.ReadMilestoneState(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.True(t, ms.Amount.Equal(decimal.NewFromInt(100)))
	assert.True(t, ms.Funded)
	assert.False(t, ms.Released)

	ps, err := f.gw.ReadProjectState(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, ps.Disputed)
	assert.Equal(t, f.chain.wallet.Hex(), ps.Client)
	assert.Equal(t, uint64(2), ps.MilestoneCount)
}

func TestEthGateway_BreakerOpens(t *testing.T) {
	f := setupGateway(t, &circuitbreaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	})
	f.chain.On("CallContract", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("connection refused"))

	for i := 0; i < 2; i++ {
		_, err := f.gw.ReadProjectState(context.Background(), 7)
		assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
	}

	_, err := f.gw.ReadProjectState(context.Background(), 7)
	assert.Equal(t, apperrors.KindNetwork, apperrors.KindOf(err))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	f.chain.AssertNumberOfCalls(t, "CallContract", 2)
}

func TestEthGateway_BreakerIgnoresReverts(t *testing.T) {
	f := setupGateway(t, &circuitbreaker.Config{
		FailureThreshold:    1,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	})
	f.chain.On("CallContract", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("execution reverted: Escrow: unknown project"))

	for i := 0; i < 3; i++ {
		_, err := f.gw.ReadProjectState(context.Background(), 99)
		assert.Equal(t, apperrors.KindContractRevert, apperrors.KindOf(err))
	}
	f.chain.AssertNumberOfCalls(t, "CallContract", 3)
}
