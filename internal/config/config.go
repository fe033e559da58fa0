package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"
)

// Config 配置
type Config struct {
	Service    ServiceConfig    `yaml:"service" json:"service"`
	Postgres   PostgresConfig   `yaml:"postgres" json:"postgres"`
	Redis      RedisConfig      `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig      `yaml:"kafka" json:"kafka"`
	Blockchain BlockchainConfig `yaml:"blockchain" json:"blockchain"`
	Escrow     EscrowConfig     `yaml:"escrow" json:"escrow"`
	Sweep      SweepConfig      `yaml:"sweep" json:"sweep"`
	Breaker    BreakerConfig    `yaml:"breaker" json:"breaker"`
	Log        LogConfig        `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	GRPCPort int    `yaml:"grpc_port" json:"grpc_port"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// PostgresConfig PostgreSQL 配置
type PostgresConfig struct {
	Host            string `yaml:"host" json:"host"`
	Port            int    `yaml:"port" json:"port"`
	Database        string `yaml:"database" json:"database"`
	User            string `yaml:"user" json:"user"`
	Password        string `yaml:"password" json:"password"`
	MaxConnections  int    `yaml:"max_connections" json:"max_connections"`
	MaxIdleConns    int    `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	AutoMigrate     bool   `yaml:"auto_migrate" json:"auto_migrate"`
}

// DSN 返回 PostgreSQL 连接串
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable TimeZone=UTC",
		c.Host, c.Port, c.User, c.Password, c.Database)
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Addresses []string `yaml:"addresses" json:"addresses"`
	Password  string   `yaml:"password" json:"password"`
	DB        int      `yaml:"db" json:"db"`
	PoolSize  int      `yaml:"pool_size" json:"pool_size"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	Enabled  bool     `yaml:"enabled" json:"enabled"`
	Brokers  []string `yaml:"brokers" json:"brokers"`
	GroupID  string   `yaml:"group_id" json:"group_id"`
	ClientID string   `yaml:"client_id" json:"client_id"`
}

// BlockchainConfig 区块链配置
type BlockchainConfig struct {
	RPCURL          string   `yaml:"rpc_url" json:"rpc_url"`
	BackupRPCURLs   []string `yaml:"backup_rpc_urls" json:"backup_rpc_urls"`
	ChainID         int64    `yaml:"chain_id" json:"chain_id"`
	ContractAddress string   `yaml:"contract_address" json:"contract_address"`
	// DeployBlock 合约部署区块，查询事件日志的起点
	DeployBlock uint64 `yaml:"deploy_block" json:"deploy_block"`
	// PrivateKey 运营 (管理员) 钱包私钥
	PrivateKey string `yaml:"private_key" json:"-"`
	// SignerKeys 额外托管的钱包私钥 (客户、自由职业者)
	SignerKeys      []string `yaml:"signer_keys" json:"-"`
	Confirmations   uint64   `yaml:"confirmations" json:"confirmations"`
	PollIntervalMs  int      `yaml:"poll_interval_ms" json:"poll_interval_ms"`
	MaxGasPriceGwei int64    `yaml:"max_gas_price_gwei" json:"max_gas_price_gwei"`
}

// PollInterval 回执轮询间隔
func (c BlockchainConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// EscrowConfig 托管引擎配置
type EscrowConfig struct {
	AdminWallet      string `yaml:"admin_wallet" json:"admin_wallet"`
	ConfirmTimeoutMs int    `yaml:"confirm_timeout_ms" json:"confirm_timeout_ms"`
	WatchTimeoutMs   int    `yaml:"watch_timeout_ms" json:"watch_timeout_ms"`
	// Async 为 true 时不在请求内等待确认
	Async          bool `yaml:"async" json:"async"`
	WatcherWorkers int  `yaml:"watcher_workers" json:"watcher_workers"`
	QueueSize      int  `yaml:"queue_size" json:"queue_size"`
}

// ConfirmTimeout 请求内等待确认的上限
func (c EscrowConfig) ConfirmTimeout() time.Duration {
	return time.Duration(c.ConfirmTimeoutMs) * time.Millisecond
}

// WatchTimeout 后台确认任务等待上限
func (c EscrowConfig) WatchTimeout() time.Duration {
	return time.Duration(c.WatchTimeoutMs) * time.Millisecond
}

// SweepConfig 对账清扫配置
type SweepConfig struct {
	Enabled        bool   `yaml:"enabled" json:"enabled"`
	Cron           string `yaml:"cron" json:"cron"`
	OlderThanSec   int    `yaml:"older_than_sec" json:"older_than_sec"`
	ExpireAfterSec int    `yaml:"expire_after_sec" json:"expire_after_sec"`
	BatchSize      int    `yaml:"batch_size" json:"batch_size"`
	LockTTLSec     int    `yaml:"lock_ttl_sec" json:"lock_ttl_sec"`
	TimeoutSec     int    `yaml:"timeout_sec" json:"timeout_sec"`
}

// OlderThan 操作多久未确认后进入清扫
func (c SweepConfig) OlderThan() time.Duration {
	return time.Duration(c.OlderThanSec) * time.Second
}

// ExpireAfter 交易多久查不到后判定为过期
func (c SweepConfig) ExpireAfter() time.Duration {
	return time.Duration(c.ExpireAfterSec) * time.Second
}

// LockTTL 分布式锁超时
func (c SweepConfig) LockTTL() time.Duration {
	return time.Duration(c.LockTTLSec) * time.Second
}

// Timeout 单次清扫超时
func (c SweepConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
	TimeoutSec       int `yaml:"timeout_sec" json:"timeout_sec"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// Load 加载配置
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, err
	}

	// 环境变量替换
	content := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
		return nil, err
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	if c.Blockchain.RPCURL == "" {
		return fmt.Errorf("blockchain.rpc_url is required")
	}
	if !common.IsHexAddress(c.Blockchain.ContractAddress) {
		return fmt.Errorf("blockchain.contract_address is invalid: %q", c.Blockchain.ContractAddress)
	}
	if c.Escrow.AdminWallet != "" && !common.IsHexAddress(c.Escrow.AdminWallet) {
		return fmt.Errorf("escrow.admin_wallet is invalid: %q", c.Escrow.AdminWallet)
	}
	if c.Sweep.Enabled {
		parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
		if _, err := parser.Parse(c.Sweep.Cron); err != nil {
			return fmt.Errorf("sweep.cron is invalid: %w", err)
		}
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	return nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "eidos-escrow"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8088
	}
	if cfg.Service.GRPCPort == 0 {
		cfg.Service.GRPCPort = 50058
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Postgres.Port == 0 {
		cfg.Postgres.Port = 5432
	}
	if cfg.Postgres.MaxConnections == 0 {
		cfg.Postgres.MaxConnections = 50
	}
	if cfg.Postgres.MaxIdleConns == 0 {
		cfg.Postgres.MaxIdleConns = 10
	}
	if cfg.Postgres.ConnMaxLifetime == 0 {
		cfg.Postgres.ConnMaxLifetime = 3600
	}

	if cfg.Redis.PoolSize == 0 {
		cfg.Redis.PoolSize = 50
	}

	if cfg.Kafka.ClientID == "" {
		cfg.Kafka.ClientID = cfg.Service.Name
	}
	if cfg.Kafka.GroupID == "" {
		cfg.Kafka.GroupID = cfg.Service.Name + "-confirmations"
	}

	if cfg.Blockchain.ChainID == 0 {
		cfg.Blockchain.ChainID = 31337 // 本地开发
	}
	if cfg.Blockchain.Confirmations == 0 {
		cfg.Blockchain.Confirmations = 1
	}
	if cfg.Blockchain.PollIntervalMs == 0 {
		cfg.Blockchain.PollIntervalMs = 1000
	}
	if cfg.Blockchain.MaxGasPriceGwei == 0 {
		cfg.Blockchain.MaxGasPriceGwei = 500
	}

	if cfg.Escrow.ConfirmTimeoutMs == 0 {
		cfg.Escrow.ConfirmTimeoutMs = 15000
	}
	if cfg.Escrow.WatchTimeoutMs == 0 {
		cfg.Escrow.WatchTimeoutMs = 120000
	}
	if cfg.Escrow.WatcherWorkers == 0 {
		cfg.Escrow.WatcherWorkers = 4
	}
	if cfg.Escrow.QueueSize == 0 {
		cfg.Escrow.QueueSize = 1024
	}

	if cfg.Sweep.Cron == "" {
		cfg.Sweep.Cron = "0 */1 * * * *"
	}
	if cfg.Sweep.OlderThanSec == 0 {
		cfg.Sweep.OlderThanSec = 60
	}
	if cfg.Sweep.ExpireAfterSec == 0 {
		cfg.Sweep.ExpireAfterSec = 3600
	}
	if cfg.Sweep.BatchSize == 0 {
		cfg.Sweep.BatchSize = 100
	}
	if cfg.Sweep.LockTTLSec == 0 {
		cfg.Sweep.LockTTLSec = 300
	}
	if cfg.Sweep.TimeoutSec == 0 {
		cfg.Sweep.TimeoutSec = cfg.Sweep.LockTTLSec
	}

	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.SuccessThreshold == 0 {
		cfg.Breaker.SuccessThreshold = 2
	}
	if cfg.Breaker.TimeoutSec == 0 {
		cfg.Breaker.TimeoutSec = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// GetEnvInt 获取环境变量整数值
func GetEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
