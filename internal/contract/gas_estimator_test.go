package contract

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockGasBackend struct {
	mock.Mock
}

func (m *mockGasBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*big.Int), args.Error(1)
}

func (m *mockGasBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	args := m.Called(ctx, msg)
	return args.Get(0).(uint64), args.Error(1)
}

func TestGasEstimator_AppliesBuffer(t *testing.T) {
	backend := new(mockGasBackend)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(10e9), nil).Once()

	e := NewGasEstimator(nil, backend)
	est, err := e.Estimate(context.Background(), &CallRequest{Method: MethodFundMilestone, Value: big.NewInt(100)})
	require.NoError(t, err)
	assert.Equal(t, uint64(120_000), est.GasLimit)
	assert.Equal(t, big.NewInt(11e9), est.GasPrice)
	assert.False(t, est.Fallback)

	// 第二次命中缓存
	_, err = e.Estimate(context.Background(), &CallRequest{Method: MethodFundMilestone})
	require.NoError(t, err)
	backend.AssertNumberOfCalls(t, "SuggestGasPrice", 1)
}

func TestGasEstimator_FallbackToBaseGas(t *testing.T) {
	backend := new(mockGasBackend)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("rpc timeout"))
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(1e9), nil)

	e := NewGasEstimator(&GasEstimatorConfig{GasPriceMultiplier: 1}, backend)

	est, err := e.Estimate(context.Background(), &CallRequest{Method: MethodRaiseDispute})
	require.NoError(t, err)
	assert.True(t, est.Fallback)
	assert.Equal(t, uint64(72_000), est.GasLimit)

	est, err = e.Estimate(context.Background(), &CallRequest{Method: MethodCreateProject, Items: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(240_000), est.GasLimit)
}

func TestGasEstimator_RevertIsNotFallback(t *testing.T) {
	backend := new(mockGasBackend)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(0), errors.New("execution reverted: Escrow: already funded"))

	e := NewGasEstimator(nil, backend)
	_, err := e.Estimate(context.Background(), &CallRequest{Method: MethodFundMilestone})

	var revertErr *RevertError
	require.ErrorAs(t, err, &revertErr)
	assert.Equal(t, "Escrow: already funded", revertErr.Reason)
	backend.AssertNotCalled(t, "SuggestGasPrice", mock.Anything)
}

func TestGasEstimator_Caps(t *testing.T) {
	backend := new(mockGasBackend)
	backend.On("EstimateGas", mock.Anything, mock.Anything).Return(uint64(100_000), nil)
	backend.On("SuggestGasPrice", mock.Anything).Return(big.NewInt(600e9), nil)

	e := NewGasEstimator(nil, backend)
	_, err := e.Estimate(context.Background(), &CallRequest{Method: MethodApproveMilestone})
	assert.ErrorIs(t, err, ErrGasPriceTooHigh)

	e = NewGasEstimator(&GasEstimatorConfig{MaxGasLimit: 50_000}, backend)
	_, err = e.Estimate(context.Background(), &CallRequest{Method: MethodApproveMilestone})
	assert.ErrorIs(t, err, ErrGasLimitTooHigh)
}
