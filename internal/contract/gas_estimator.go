package contract

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
)

// Gas estimation errors
var (
	ErrGasPriceTooHigh = errors.New("gas price exceeds maximum")
	ErrGasLimitTooHigh = errors.New("gas limit exceeds maximum")
)

// DefaultBaseGas is the fallback gas per escrow method when estimation fails.
var DefaultBaseGas = map[string]uint64{
	MethodCreateProject:    150_000,
	MethodFundMilestone:    80_000,
	MethodApproveMilestone: 90_000,
	MethodRaiseDispute:     60_000,
	MethodRefundMilestone:  90_000,
}

// GasEstimatorConfig is the configuration for the gas estimator.
type GasEstimatorConfig struct {
	// MaxGasPrice is the maximum gas price in wei.
	MaxGasPrice *big.Int
	// MaxGasLimit is the maximum gas limit.
	MaxGasLimit uint64
	// GasPriceMultiplier is the multiplier for suggested gas price (1.1 = 10% buffer).
	GasPriceMultiplier float64
	// GasLimitMultiplier is the multiplier for estimated gas (1.2 = 20% buffer).
	GasLimitMultiplier float64
	// CacheTTL is the time-to-live for cached gas prices.
	CacheTTL time.Duration
	// BaseGas is the fallback gas per method.
	BaseGas map[string]uint64
	// GasPerMilestone is added to the createProject fallback per milestone.
	GasPerMilestone uint64
}

// GasEstimate contains the result of gas estimation.
type GasEstimate struct {
	GasLimit      uint64
	GasPrice      *big.Int
	EstimatedCost *big.Int
	// Fallback is true when the base gas table was used.
	Fallback bool
}

// GasBackend is the subset of the chain client used for estimation.
type GasBackend interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// CallRequest describes a contract call to estimate.
type CallRequest struct {
	Method string
	From   common.Address
	To     common.Address
	Data   []byte
	Value  *big.Int
	// Items is the milestone count for createProject.
	Items int
}

// GasEstimator estimates gas for escrow transactions.
type GasEstimator struct {
	cfg     *GasEstimatorConfig
	backend GasBackend

	mu          sync.RWMutex
	cachedPrice *big.Int
	fetchedAt   time.Time
}

// NewGasEstimator creates a new gas estimator.
func NewGasEstimator(cfg *GasEstimatorConfig, backend GasBackend) *GasEstimator {
	if cfg == nil {
		cfg = &GasEstimatorConfig{}
	}

	if cfg.MaxGasPrice == nil {
		cfg.MaxGasPrice = big.NewInt(500e9) // 500 Gwei
	}
	if cfg.MaxGasLimit == 0 {
		cfg.MaxGasLimit = 10_000_000
	}
	if cfg.GasPriceMultiplier == 0 {
		cfg.GasPriceMultiplier = 1.1
	}
	if cfg.GasLimitMultiplier == 0 {
		cfg.GasLimitMultiplier = 1.2
	}
	if cfg.CacheTTL == 0 {
		cfg.CacheTTL = 12 * time.Second // ~1 block on Ethereum
	}
	if cfg.BaseGas == nil {
		cfg.BaseGas = DefaultBaseGas
	}
	if cfg.GasPerMilestone == 0 {
		cfg.GasPerMilestone = 25_000
	}

	return &GasEstimator{
		cfg:     cfg,
		backend: backend,
	}
}

// GetGasPrice returns the buffered gas price, cached for CacheTTL.
func (e *GasEstimator) GetGasPrice(ctx context.Context) (*big.Int, error) {
	e.mu.RLock()
	if e.cachedPrice != nil && time.Since(e.fetchedAt) < e.cfg.CacheTTL {
		cached := e.cachedPrice
		e.mu.RUnlock()
		return cached, nil
	}
	e.mu.RUnlock()

	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	if e.cfg.GasPriceMultiplier > 1 {
		multiplied := new(big.Float).SetInt(gasPrice)
		multiplied.Mul(multiplied, big.NewFloat(e.cfg.GasPriceMultiplier))
		gasPrice, _ = multiplied.Int(nil)
	}

	if gasPrice.Cmp(e.cfg.MaxGasPrice) > 0 {
		return nil, ErrGasPriceTooHigh
	}

	e.mu.Lock()
	e.cachedPrice = gasPrice
	e.fetchedAt = time.Now()
	e.mu.Unlock()

	return gasPrice, nil
}

// Estimate estimates gas for a contract call.
// A revert during estimation is returned as *RevertError; other failures fall back to the base gas table.
func (e *GasEstimator) Estimate(ctx context.Context, req *CallRequest) (*GasEstimate, error) {
	msg := ethereum.CallMsg{
		From:  req.From,
		To:    &req.To,
		Data:  req.Data,
		Value: req.Value,
	}

	fallback := false
	gasLimit, err := e.backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := RevertReasonFromError(err); ok {
			return nil, &RevertError{Reason: reason, Cause: err}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		gasLimit = e.baseGas(req)
		fallback = true
	}

	gasLimit = uint64(float64(gasLimit) * e.cfg.GasLimitMultiplier)
	if gasLimit > e.cfg.MaxGasLimit {
		return nil, ErrGasLimitTooHigh
	}

	gasPrice, err := e.GetGasPrice(ctx)
	if err != nil {
		return nil, err
	}

	return &GasEstimate{
		GasLimit:      gasLimit,
		GasPrice:      gasPrice,
		EstimatedCost: new(big.Int).Mul(gasPrice, new(big.Int).SetUint64(gasLimit)),
		Fallback:      fallback,
	}, nil
}

func (e *GasEstimator) baseGas(req *CallRequest) uint64 {
	base, ok := e.cfg.BaseGas[req.Method]
	if !ok {
		base = 100_000
	}
	if req.Method == MethodCreateProject && req.Items > 0 {
		base += uint64(req.Items) * e.cfg.GasPerMilestone
	}
	return base
}

// InvalidateCache invalidates the cached gas price.
func (e *GasEstimator) InvalidateCache() {
	e.mu.Lock()
	e.cachedPrice = nil
	e.mu.Unlock()
}
