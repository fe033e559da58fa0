package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testContract = "0x5FbDB2315678afecb367f032d93F642f64180aa3"

// TestExpandEnvVars 测试环境变量展开
func TestExpandEnvVars(t *testing.T) {
	t.Run("simple variable", func(t *testing.T) {
		t.Setenv("TEST_VAR", "hello")

		result := expandEnvVars("value is ${TEST_VAR}")
		assert.Equal(t, "value is hello", result)
	})

	t.Run("variable with default", func(t *testing.T) {
		result := expandEnvVars("value is ${NOT_EXISTS:default_value}")
		assert.Equal(t, "value is default_value", result)
	})

	t.Run("variable with default overridden", func(t *testing.T) {
		t.Setenv("MY_VAR", "actual_value")

		result := expandEnvVars("value is ${MY_VAR:default_value}")
		assert.Equal(t, "value is actual_value", result)
	})

	t.Run("multiple variables", func(t *testing.T) {
		t.Setenv("VAR1", "first")
		t.Setenv("VAR2", "second")

		result := expandEnvVars("${VAR1} and ${VAR2}")
		assert.Equal(t, "first and second", result)
	})

	t.Run("default with colon", func(t *testing.T) {
		result := expandEnvVars("url is ${NOT_EXISTS:http://localhost:8545}")
		assert.Equal(t, "url is http://localhost:8545", result)
	})

	t.Run("unterminated", func(t *testing.T) {
		result := expandEnvVars("value is ${BROKEN")
		assert.Equal(t, "value is ${BROKEN", result)
	})
}

// TestSetDefaults 测试默认值设置
func TestSetDefaults(t *testing.T) {
	t.Run("all defaults", func(t *testing.T) {
		cfg := &Config{}
		setDefaults(cfg)

		assert.Equal(t, "eidos-escrow", cfg.Service.Name)
		assert.Equal(t, 8088, cfg.Service.HTTPPort)
		assert.Equal(t, 50058, cfg.Service.GRPCPort)
		assert.Equal(t, "dev", cfg.Service.Env)

		assert.Equal(t, 5432, cfg.Postgres.Port)
		assert.Equal(t, 50, cfg.Postgres.MaxConnections)
		assert.Equal(t, "eidos-escrow-confirmations", cfg.Kafka.GroupID)

		assert.Equal(t, int64(31337), cfg.Blockchain.ChainID)
		assert.Equal(t, uint64(1), cfg.Blockchain.Confirmations)
		assert.Equal(t, 1000, cfg.Blockchain.PollIntervalMs)

		assert.Equal(t, 15000, cfg.Escrow.ConfirmTimeoutMs)
		assert.Equal(t, 4, cfg.Escrow.WatcherWorkers)

		assert.Equal(t, "0 */1 * * * *", cfg.Sweep.Cron)
		assert.Equal(t, 100, cfg.Sweep.BatchSize)
		assert.Equal(t, cfg.Sweep.LockTTL(), cfg.Sweep.Timeout())
		assert.Equal(t, 5, cfg.Breaker.FailureThreshold)

		assert.Equal(t, "info", cfg.Log.Level)
		assert.Equal(t, "json", cfg.Log.Format)
	})

	t.Run("partial config", func(t *testing.T) {
		cfg := &Config{
			Service:    ServiceConfig{Name: "custom-name", GRPCPort: 9999},
			Blockchain: BlockchainConfig{ChainID: 42161, Confirmations: 3},
		}
		setDefaults(cfg)

		// 已设置的值不应该被覆盖
		assert.Equal(t, "custom-name", cfg.Service.Name)
		assert.Equal(t, 9999, cfg.Service.GRPCPort)
		assert.Equal(t, int64(42161), cfg.Blockchain.ChainID)
		assert.Equal(t, uint64(3), cfg.Blockchain.Confirmations)
		assert.Equal(t, "custom-name", cfg.Kafka.ClientID)
	})
}

func validConfig() *Config {
	cfg := &Config{
		Blockchain: BlockchainConfig{RPCURL: "http://localhost:8545", ContractAddress: testContract},
		Sweep:      SweepConfig{Enabled: true},
	}
	setDefaults(cfg)
	return cfg
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing rpc", func(c *Config) { c.Blockchain.RPCURL = "" }, "rpc_url"},
		{"bad contract", func(c *Config) { c.Blockchain.ContractAddress = "0x123" }, "contract_address"},
		{"bad admin", func(c *Config) { c.Escrow.AdminWallet = "admin" }, "admin_wallet"},
		{"bad cron", func(c *Config) { c.Sweep.Cron = "every minute" }, "sweep.cron"},
		{"bad cron disabled", func(c *Config) { c.Sweep.Enabled = false; c.Sweep.Cron = "x" }, ""},
		{"kafka without brokers", func(c *Config) { c.Kafka.Enabled = true }, "kafka.brokers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// TestGetEnvInt 测试获取环境变量整数值
func TestGetEnvInt(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_INVALID_INT", "not-a-number")

	assert.Equal(t, 42, GetEnvInt("TEST_INT", 0))
	assert.Equal(t, 100, GetEnvInt("NOT_EXISTS_INT", 100))
	assert.Equal(t, 50, GetEnvInt("TEST_INVALID_INT", 50))
}

// TestGetEnvString 测试获取环境变量字符串值
func TestGetEnvString(t *testing.T) {
	t.Setenv("TEST_STRING", "hello")

	assert.Equal(t, "hello", GetEnvString("TEST_STRING", "default"))
	assert.Equal(t, "default", GetEnvString("NOT_EXISTS_STRING", "default"))
}

// TestLoad 测试配置加载
func TestLoad(t *testing.T) {
	t.Run("file not exists", func(t *testing.T) {
		_, err := Load("/path/to/nonexistent/config.yaml")
		assert.Error(t, err)
	})

	t.Run("valid config file", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		configContent := `
service:
  name: eidos-escrow-test
  http_port: 18088
  env: test

postgres:
  host: localhost
  database: eidos_escrow_test
  user: postgres
  password: ${ESCROW_DB_PASSWORD:test_password}
  auto_migrate: true

blockchain:
  rpc_url: http://localhost:8545
  contract_address: "` + testContract + `"
  confirmations: 2
  signer_keys:
    - "0x01"

escrow:
  admin_wallet: "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
  confirm_timeout_ms: 500
  async: true

sweep:
  enabled: true
  cron: "*/30 * * * * *"

log:
  level: debug
  format: console
`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		assert.Equal(t, "eidos-escrow-test", cfg.Service.Name)
		assert.Equal(t, 18088, cfg.Service.HTTPPort)
		assert.Equal(t, "test_password", cfg.Postgres.Password)
		assert.True(t, cfg.Postgres.AutoMigrate)
		assert.Equal(t, uint64(2), cfg.Blockchain.Confirmations)
		assert.Len(t, cfg.Blockchain.SignerKeys, 1)
		assert.True(t, cfg.Escrow.Async)
		assert.Equal(t, int64(500), cfg.Escrow.ConfirmTimeout().Milliseconds())
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("env override", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		configContent := `
blockchain:
  rpc_url: ${ESCROW_RPC_URL:http://localhost:8545}
  contract_address: "` + testContract + `"
`
		require.NoError(t, os.WriteFile(configPath, []byte(configContent), 0644))
		t.Setenv("ESCROW_RPC_URL", "https://arb1.arbitrum.io/rpc")

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "https://arb1.arbitrum.io/rpc", cfg.Blockchain.RPCURL)
	})

	t.Run("invalid config rejected", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("service:\n  name: x\n"), 0644))

		_, err := Load(configPath)
		assert.Error(t, err)
	})

	t.Run("invalid yaml", func(t *testing.T) {
		configPath := filepath.Join(t.TempDir(), "invalid.yaml")
		invalidContent := `
service:
  name: [this is not valid
  grpc_port 50054
`
		require.NoError(t, os.WriteFile(configPath, []byte(invalidContent), 0644))

		_, err := Load(configPath)
		assert.Error(t, err)
	})
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{Host: "db", Port: 5432, User: "u", Password: "p", Database: "escrow"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=escrow sslmode=disable TimeZone=UTC", cfg.DSN())
}
