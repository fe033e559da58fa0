package blockchain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	ErrNonceLockFailed  = errors.New("failed to acquire nonce lock")
	ErrNonceNotAcquired = errors.New("nonce not acquired")
)

// unlockScript 仅持有者可以释放锁
var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// NonceSource 链上 nonce 来源
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager Nonce 管理器
// 使用 Redis 分布式锁管理单个钱包的 Nonce，确保多副本并发安全
type NonceManager struct {
	source      NonceSource
	redis       redis.UniversalClient
	wallet      common.Address
	chainID     int64
	lockTimeout time.Duration
	lockWait    time.Duration

	// 本地缓存
	mu           sync.RWMutex
	lastSyncTime time.Time
	syncInterval time.Duration

	// 已分配但未确认的 nonce
	pendingMu  sync.RWMutex
	pendingTxs map[uint64]string // nonce -> txHash
}

// NonceManagerConfig 配置
type NonceManagerConfig struct {
	Wallet       common.Address
	ChainID      int64
	LockTimeout  time.Duration
	LockWait     time.Duration
	SyncInterval time.Duration
}

// NewNonceManager 创建 Nonce 管理器
func NewNonceManager(source NonceSource, rdb redis.UniversalClient, cfg *NonceManagerConfig) *NonceManager {
	lockTimeout := cfg.LockTimeout
	if lockTimeout == 0 {
		lockTimeout = 30 * time.Second
	}

	lockWait := cfg.LockWait
	if lockWait == 0 {
		lockWait = 5 * time.Second
	}

	syncInterval := cfg.SyncInterval
	if syncInterval == 0 {
		syncInterval = 5 * time.Minute
	}

	return &NonceManager{
		source:       source,
		redis:        rdb,
		wallet:       cfg.Wallet,
		chainID:      cfg.ChainID,
		lockTimeout:  lockTimeout,
		lockWait:     lockWait,
		syncInterval: syncInterval,
		pendingTxs:   make(map[uint64]string),
	}
}

// nonceKey 生成 Redis key
func (m *NonceManager) nonceKey() string {
	return fmt.Sprintf("eidos:escrow:nonce:%s:%d", m.wallet.Hex(), m.chainID)
}

// lockKey 生成锁 key
func (m *NonceManager) lockKey() string {
	return fmt.Sprintf("eidos:escrow:nonce:lock:%s:%d", m.wallet.Hex(), m.chainID)
}

// pendingKey 生成待确认队列 key
func (m *NonceManager) pendingKey() string {
	return fmt.Sprintf("eidos:escrow:nonce:pending:%s:%d", m.wallet.Hex(), m.chainID)
}

// Wallet 返回管理的钱包地址
func (m *NonceManager) Wallet() common.Address {
	return m.wallet
}

// AcquireNonce 获取并锁定一个 Nonce
// 返回的 nonce 必须通过 ConfirmNonce 或 ReleaseNonce 处理
func (m *NonceManager) AcquireNonce(ctx context.Context) (uint64, error) {
	token, err := m.waitLock(ctx)
	if err != nil {
		return 0, err
	}
	defer m.releaseLock(context.WithoutCancel(ctx), token)

	// 检查是否需要从链上同步
	if m.needsSync() {
		if err := m.syncFromChain(ctx); err != nil {
			return 0, err
		}
	}

	nonce, err := m.getCurrentNonce(ctx)
	if err != nil {
		return 0, err
	}

	if err := m.setCurrentNonce(ctx, nonce+1); err != nil {
		return 0, err
	}

	m.pendingMu.Lock()
	m.pendingTxs[nonce] = "" // 尚未关联 txHash
	m.pendingMu.Unlock()

	return nonce, nil
}

// ConfirmNonce 确认 Nonce 已广播
func (m *NonceManager) ConfirmNonce(ctx context.Context, nonce uint64, txHash string) error {
	m.pendingMu.Lock()
	defer m.pendingMu.Unlock()

	if _, exists := m.pendingTxs[nonce]; !exists {
		return nil
	}
	delete(m.pendingTxs, nonce)

	return m.redis.ZAdd(ctx, m.pendingKey(), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: pendingMember(nonce, txHash),
	}).Err()
}

// ReleaseNonce 释放未广播的 Nonce
//
// 若该 nonce 是最后分配的一个则回退计数器，否则标记下次分配前从链上重新同步，
// 避免留下空洞阻塞后续交易。
func (m *NonceManager) ReleaseNonce(ctx context.Context, nonce uint64) error {
	m.pendingMu.Lock()
	if _, exists := m.pendingTxs[nonce]; !exists {
		m.pendingMu.Unlock()
		return ErrNonceNotAcquired
	}
	delete(m.pendingTxs, nonce)
	m.pendingMu.Unlock()

	token, err := m.waitLock(ctx)
	if err != nil {
		m.markSyncRequired()
		return err
	}
	defer m.releaseLock(context.WithoutCancel(ctx), token)

	current, err := m.getCurrentNonce(ctx)
	if err == nil && current == nonce+1 {
		return m.setCurrentNonce(ctx, nonce)
	}
	m.markSyncRequired()
	return err
}

// OnTxConfirmed 交易上链 (成功或回滚) 后移出待确认队列
func (m *NonceManager) OnTxConfirmed(ctx context.Context, nonce uint64, txHash string) error {
	return m.redis.ZRem(ctx, m.pendingKey(), pendingMember(nonce, txHash)).Err()
}

// OnTxDropped 交易丢失后移出待确认队列，nonce 留下空洞，下次分配前从链上重新同步
func (m *NonceManager) OnTxDropped(ctx context.Context, nonce uint64, txHash string) error {
	m.markSyncRequired()
	return m.redis.ZRem(ctx, m.pendingKey(), pendingMember(nonce, txHash)).Err()
}

// PendingTxCount 已广播未结束的交易数
func (m *NonceManager) PendingTxCount(ctx context.Context) (int64, error) {
	return m.redis.ZCard(ctx, m.pendingKey()).Result()
}

func pendingMember(nonce uint64, txHash string) string {
	return fmt.Sprintf("%d:%s", nonce, txHash)
}

// SyncFromChain 从链上同步 Nonce
func (m *NonceManager) SyncFromChain(ctx context.Context) error {
	token, err := m.waitLock(ctx)
	if err != nil {
		return err
	}
	defer m.releaseLock(context.WithoutCancel(ctx), token)

	return m.syncFromChain(ctx)
}

// syncFromChain 内部同步方法 (需要已持有锁)
func (m *NonceManager) syncFromChain(ctx context.Context) error {
	chainNonce, err := m.source.PendingNonceAt(ctx, m.wallet)
	if err != nil {
		return err
	}

	if err := m.setCurrentNonce(ctx, chainNonce); err != nil {
		return err
	}

	m.mu.Lock()
	m.lastSyncTime = time.Now()
	m.mu.Unlock()

	return nil
}

// acquireLock 尝试获取分布式锁，成功时返回持有者令牌
func (m *NonceManager) acquireLock(ctx context.Context) (string, bool, error) {
	token := uuid.NewString()
	ok, err := m.redis.SetNX(ctx, m.lockKey(), token, m.lockTimeout).Result()
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

// waitLock 在 lockWait 内轮询获取锁
func (m *NonceManager) waitLock(ctx context.Context) (string, error) {
	deadline := time.Now().Add(m.lockWait)
	for {
		token, ok, err := m.acquireLock(ctx)
		if err != nil {
			return "", err
		}
		if ok {
			return token, nil
		}
		if time.Now().After(deadline) {
			return "", ErrNonceLockFailed
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
}

// releaseLock 释放分布式锁
func (m *NonceManager) releaseLock(ctx context.Context, token string) error {
	return unlockScript.Run(ctx, m.redis, []string{m.lockKey()}, token).Err()
}

// getCurrentNonce 获取下一个可用 nonce
func (m *NonceManager) getCurrentNonce(ctx context.Context) (uint64, error) {
	val, err := m.redis.Get(ctx, m.nonceKey()).Uint64()
	if errors.Is(err, redis.Nil) {
		// 首次使用，从链上获取
		return m.source.PendingNonceAt(ctx, m.wallet)
	}
	if err != nil {
		return 0, err
	}
	return val, nil
}

// setCurrentNonce 设置下一个可用 nonce
func (m *NonceManager) setCurrentNonce(ctx context.Context, nonce uint64) error {
	return m.redis.Set(ctx, m.nonceKey(), nonce, 0).Err()
}

// needsSync 检查是否需要同步
func (m *NonceManager) needsSync() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Since(m.lastSyncTime) > m.syncInterval
}

func (m *NonceManager) markSyncRequired() {
	m.mu.Lock()
	m.lastSyncTime = time.Time{}
	m.mu.Unlock()
}

// GetPendingCount 获取已分配未广播的 nonce 数量
func (m *NonceManager) GetPendingCount() int {
	m.pendingMu.RLock()
	defer m.pendingMu.RUnlock()
	return len(m.pendingTxs)
}

// GetCurrentNonce 获取当前 nonce (不获取锁，仅用于查询)
func (m *NonceManager) GetCurrentNonce(ctx context.Context) (uint64, error) {
	return m.getCurrentNonce(ctx)
}

// HandleNonceTooLow 处理 nonce too low 错误
func (m *NonceManager) HandleNonceTooLow(ctx context.Context) error {
	return m.SyncFromChain(ctx)
}

// NonceRegistry 按钱包管理 NonceManager
type NonceRegistry struct {
	source  NonceSource
	redis   redis.UniversalClient
	chainID int64
	cfg     NonceManagerConfig

	mu       sync.Mutex
	managers map[common.Address]*NonceManager
}

// NewNonceRegistry 创建 Nonce 管理器注册表
func NewNonceRegistry(source NonceSource, rdb redis.UniversalClient, chainID int64, cfg NonceManagerConfig) *NonceRegistry {
	return &NonceRegistry{
		source:   source,
		redis:    rdb,
		chainID:  chainID,
		cfg:      cfg,
		managers: make(map[common.Address]*NonceManager),
	}
}

// For 获取钱包对应的 NonceManager
func (r *NonceRegistry) For(wallet common.Address) *NonceManager {
	r.mu.Lock()
	defer r.mu.Unlock()

	if m, ok := r.managers[wallet]; ok {
		return m
	}
	cfg := r.cfg
	cfg.Wallet = wallet
	cfg.ChainID = r.chainID
	m := NewNonceManager(r.source, r.redis, &cfg)
	r.managers[wallet] = m
	return m
}
