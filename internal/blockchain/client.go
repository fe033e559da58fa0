package blockchain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

var (
	ErrNoHealthyRPC      = errors.New("no healthy RPC endpoint available")
	ErrInsufficientFunds = errors.New("insufficient funds for gas")
	ErrNonceTooLow       = errors.New("nonce too low")
	ErrNonceTooHigh      = errors.New("nonce too high")
	ErrTxNotFound        = errors.New("transaction not found")
	ErrTxFailed          = errors.New("transaction failed")
	ErrSignerNotFound    = errors.New("signer key not configured for wallet")
)

// RPCEndpoint RPC 端点信息
type RPCEndpoint struct {
	URL        string
	IsHealthy  bool
	LatencyMs  int64
	LastBlock  uint64
	ErrorCount int
	LastCheck  time.Time
}

// Client 区块链客户端
//
// 持有运营钱包以及托管的参与方钱包私钥，按 from 地址选择签名密钥。
type Client struct {
	chainID  int64
	operator common.Address
	signers  map[common.Address]*ecdsa.PrivateKey

	endpoints  []*RPCEndpoint
	currentIdx int
	mu         sync.RWMutex

	client *ethclient.Client

	// 配置
	maxRetries      int
	retryInterval   time.Duration
	healthCheckFreq time.Duration
}

// ClientConfig 客户端配置
type ClientConfig struct {
	ChainID int64
	// PrivateKey 运营钱包私钥
	PrivateKey string
	// SignerKeys 其他托管钱包私钥
	SignerKeys      []string
	RPCURLs         []string
	MaxRetries      int
	RetryInterval   time.Duration
	HealthCheckFreq time.Duration
}

// parseKey 解析十六进制私钥，允许 0x 前缀
func parseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	return crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
}

// newKeyring 构建签名密钥表，返回运营钱包地址
func newKeyring(operatorKey string, signerKeys []string) (common.Address, map[common.Address]*ecdsa.PrivateKey, error) {
	signers := make(map[common.Address]*ecdsa.PrivateKey)
	var operator common.Address

	if operatorKey != "" {
		key, err := parseKey(operatorKey)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("invalid operator key: %w", err)
		}
		operator = crypto.PubkeyToAddress(key.PublicKey)
		signers[operator] = key
	}

	for i, hexKey := range signerKeys {
		key, err := parseKey(hexKey)
		if err != nil {
			return common.Address{}, nil, fmt.Errorf("invalid signer key #%d: %w", i, err)
		}
		signers[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return operator, signers, nil
}

// NewClient 创建区块链客户端
func NewClient(cfg *ClientConfig) (*Client, error) {
	if len(cfg.RPCURLs) == 0 {
		return nil, errors.New("at least one RPC URL is required")
	}

	operator, signers, err := newKeyring(cfg.PrivateKey, cfg.SignerKeys)
	if err != nil {
		return nil, err
	}

	endpoints := make([]*RPCEndpoint, len(cfg.RPCURLs))
	for i, url := range cfg.RPCURLs {
		endpoints[i] = &RPCEndpoint{
			URL:       url,
			IsHealthy: true,
		}
	}

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}

	retryInterval := cfg.RetryInterval
	if retryInterval == 0 {
		retryInterval = time.Second
	}

	healthCheckFreq := cfg.HealthCheckFreq
	if healthCheckFreq == 0 {
		healthCheckFreq = 30 * time.Second
	}

	c := &Client{
		chainID:         cfg.ChainID,
		operator:        operator,
		signers:         signers,
		endpoints:       endpoints,
		maxRetries:      maxRetries,
		retryInterval:   retryInterval,
		healthCheckFreq: healthCheckFreq,
	}

	// 连接到第一个可用的 RPC
	if err := c.connect(context.Background()); err != nil {
		return nil, err
	}

	return c, nil
}

// connect 连接到可用的 RPC
func (c *Client) connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.endpoints {
		idx := (c.currentIdx + i) % len(c.endpoints)
		ep := c.endpoints[idx]

		if !ep.IsHealthy && time.Since(ep.LastCheck) < c.healthCheckFreq {
			continue
		}

		start := time.Now()
		client, err := ethclient.DialContext(ctx, ep.URL)
		if err != nil {
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}

		// 检查连接并校验链 ID
		chainID, err := client.ChainID(ctx)
		if err != nil || (c.chainID != 0 && chainID.Int64() != c.chainID) {
			client.Close()
			ep.IsHealthy = false
			ep.ErrorCount++
			ep.LastCheck = time.Now()
			continue
		}

		if c.client != nil {
			c.client.Close()
		}

		c.client = client
		c.currentIdx = idx
		ep.IsHealthy = true
		ep.ErrorCount = 0
		ep.LatencyMs = time.Since(start).Milliseconds()
		ep.LastCheck = time.Now()
		return nil
	}

	return ErrNoHealthyRPC
}

// getClient 获取客户端，如果不可用则尝试重连
func (c *Client) getClient(ctx context.Context) (*ethclient.Client, error) {
	c.mu.RLock()
	client := c.client
	c.mu.RUnlock()

	if client != nil {
		return client, nil
	}

	if err := c.connect(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client, nil
}

// isPermanent 判断错误是否不需要切换节点重试
func isPermanent(err error) bool {
	if errors.Is(err, ErrTxNotFound) || errors.Is(err, ethereum.NotFound) {
		return true
	}
	// 节点返回的执行错误 (revert、nonce、余额) 换节点也不会成功
	var dataErr interface{ ErrorData() interface{} }
	if errors.As(err, &dataErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "execution reverted") ||
		strings.Contains(msg, "nonce too low") ||
		strings.Contains(msg, "insufficient funds") ||
		strings.Contains(msg, "already known")
}

// withRetry 带重试的操作
func (c *Client) withRetry(ctx context.Context, fn func(*ethclient.Client) error) error {
	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		client, err := c.getClient(ctx)
		if err != nil {
			lastErr = err
			if !c.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}

		err = fn(client)
		if err == nil {
			return nil
		}
		lastErr = err
		if isPermanent(err) || ctx.Err() != nil {
			return err
		}

		// 标记当前端点为不健康
		c.mu.Lock()
		if c.currentIdx < len(c.endpoints) {
			c.endpoints[c.currentIdx].IsHealthy = false
			c.endpoints[c.currentIdx].ErrorCount++
			c.endpoints[c.currentIdx].LastCheck = time.Now()
		}
		c.mu.Unlock()

		// 尝试重连
		if i < c.maxRetries-1 {
			_ = c.connect(ctx)
			if !c.sleep(ctx) {
				return ctx.Err()
			}
		}
	}
	return lastErr
}

// sleep 等待重试间隔，ctx 取消时返回 false
func (c *Client) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(c.retryInterval):
		return true
	}
}

// Address 返回运营钱包地址
func (c *Client) Address() common.Address {
	return c.operator
}

// ChainID 返回链 ID
func (c *Client) ChainID() int64 {
	return c.chainID
}

// HasSigner 判断钱包是否配置了签名密钥
func (c *Client) HasSigner(wallet common.Address) bool {
	_, ok := c.signers[wallet]
	return ok
}

// Signers 返回所有可签名钱包
func (c *Client) Signers() []common.Address {
	wallets := make([]common.Address, 0, len(c.signers))
	for addr := range c.signers {
		wallets = append(wallets, addr)
	}
	return wallets
}

// BlockNumber 获取最新区块号
func (c *Client) BlockNumber(ctx context.Context) (uint64, error) {
	var blockNum uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		blockNum, err = client.BlockNumber(ctx)
		return err
	})
	return blockNum, err
}

// HeaderByNumber 获取区块头
func (c *Client) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	var header *types.Header
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		header, err = client.HeaderByNumber(ctx, number)
		return err
	})
	return header, err
}

// GetTransactionReceipt 获取交易回执
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		receipt, err = client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return err
	})
	return receipt, err
}

// TransactionByHash 查询交易 (包含内存池)
func (c *Client) TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error) {
	var (
		tx      *types.Transaction
		pending bool
	)
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		tx, pending, err = client.TransactionByHash(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return ErrTxNotFound
		}
		return err
	})
	return tx, pending, err
}

// PendingNonceAt 获取待处理 Nonce
func (c *Client) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	var nonce uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		nonce, err = client.PendingNonceAt(ctx, account)
		return err
	})
	return nonce, err
}

// SuggestGasPrice 获取建议 Gas 价格
func (c *Client) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	var gasPrice *big.Int
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gasPrice, err = client.SuggestGasPrice(ctx)
		return err
	})
	return gasPrice, err
}

// EstimateGas 估算 Gas
func (c *Client) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	var gas uint64
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		gas, err = client.EstimateGas(ctx, msg)
		return err
	})
	return gas, err
}

// SendTransaction 发送交易
func (c *Client) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	return c.withRetry(ctx, func(client *ethclient.Client) error {
		err := client.SendTransaction(ctx, tx)
		// 换节点重试时前一次可能已经进入内存池
		if err != nil && strings.Contains(err.Error(), "already known") {
			return nil
		}
		return err
	})
}

// CallContract 调用合约
func (c *Client) CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	var result []byte
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		result, err = client.CallContract(ctx, msg, blockNumber)
		return err
	})
	return result, err
}

// FilterLogs 按过滤条件查询事件日志
func (c *Client) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	var logs []types.Log
	err := c.withRetry(ctx, func(client *ethclient.Client) error {
		var err error
		logs, err = client.FilterLogs(ctx, q)
		return err
	})
	return logs, err
}

// SignTransactionAs 使用指定钱包签名交易
func (c *Client) SignTransactionAs(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	key, ok := c.signers[from]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSignerNotFound, from.Hex())
	}
	signer := types.LatestSignerForChainID(big.NewInt(c.chainID))
	return types.SignTx(tx, signer, key)
}

// Close 关闭客户端
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client != nil {
		c.client.Close()
		c.client = nil
	}
}

// HealthCheck 健康检查
func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.BlockNumber(ctx)
	return err
}

// GetHealthyEndpoints 获取健康的端点列表
func (c *Client) GetHealthyEndpoints() []*RPCEndpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var healthy []*RPCEndpoint
	for _, ep := range c.endpoints {
		if ep.IsHealthy {
			healthy = append(healthy, ep)
		}
	}
	return healthy
}
