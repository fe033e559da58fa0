// Package app 提供 eidos-escrow 服务的应用生命周期管理
//
// ========================================
// eidos-escrow 服务对接说明
// ========================================
//
// ## 服务职责
// eidos-escrow 是里程碑托管对账服务，负责:
// 1. 托管写操作: 注册项目、注资、审批、争议、退款，签名并提交到托管合约
// 2. 链下镜像: 交易确认后在一个事务内更新项目与里程碑镜像
// 3. 对账: 后台扫描滞留的链上操作并将镜像修复到链上状态
//
// ## HTTP 对接 (参见 internal/router)
// - 端口: service.http_port
// - 写操作在确认超时后返回 202，调用方可轮询 /api/v1/operations/:operationId
//
// ## Kafka 对接 (参见 internal/kafka)
// - kafka.enabled=true 时发布领域事件，确认任务经 escrow-confirmations 分发
// - 关闭时事件丢弃，确认任务使用进程内队列
//
// ## gRPC
// - 端口: service.grpc_port
// - 仅提供 grpc.health.v1
//
// ## 数据库
// - 数据库名: eidos_escrow
// - 迁移文件: migrations/
//
// ========================================
package app

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/config"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/contract"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/gateway"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/handler"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/middleware"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/router"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/scheduler"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/service"
	"github.com/eidos-exchange/eidos/eidos-escrow/migrations"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/circuitbreaker"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/migrate"
)

// App 应用
type App struct {
	cfg *config.Config

	// 基础设施
	db    *gorm.DB
	redis redis.UniversalClient

	// 区块链
	chainClient *blockchain.Client
	nonces      *blockchain.NonceRegistry
	gateway     *gateway.EthGateway

	// 仓储
	ledgerRepo repository.LedgerRepository
	opsRepo    repository.OperationRepository

	// 服务
	engine  *service.EscrowEngine
	watcher *service.ConfirmationWatcher
	sweep   *service.ReconcilerSweep
	queue   *service.MemoryQueue

	// 定时任务
	scheduler *scheduler.Scheduler

	// Kafka
	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	// HTTP / gRPC
	httpServer    *http.Server
	healthHandler *handler.HealthHandler
	grpcServer    *grpc.Server
	healthServer  *health.Server

	// 运行控制
	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	app := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	if err := app.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("failed to init infrastructure: %w", err)
	}

	if err := app.initBlockchain(); err != nil {
		return nil, fmt.Errorf("failed to init blockchain: %w", err)
	}

	app.initServices()

	if err := app.initKafka(); err != nil {
		return nil, fmt.Errorf("failed to init kafka: %w", err)
	}

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to init scheduler: %w", err)
	}

	app.initHTTP()
	app.initGRPC()

	return app, nil
}

// initInfrastructure 初始化基础设施
func (a *App) initInfrastructure() error {
	// PostgreSQL
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	// 自动迁移
	if a.cfg.Postgres.AutoMigrate {
		migrator := migrate.NewMigrator(sqlDB, a.cfg.Service.Name, logger.L())
		if err := migrator.AutoMigrate(migrations.FS, "."); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	// Redis
	addrs := a.cfg.Redis.Addresses
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	a.redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: a.cfg.Redis.Password,
		DB:       a.cfg.Redis.DB,
		PoolSize: a.cfg.Redis.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.redis.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", addrs))

	return nil
}

// initBlockchain 初始化区块链客户端与合约网关
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain
	rpcURLs := append([]string{bc.RPCURL}, bc.BackupRPCURLs...)

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:         bc.ChainID,
		PrivateKey:      bc.PrivateKey,
		SignerKeys:      bc.SignerKeys,
		RPCURLs:         rpcURLs,
		MaxRetries:      3,
		RetryInterval:   time.Second,
		HealthCheckFreq: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create blockchain client: %w", err)
	}
	a.chainClient = client

	// 每个签名钱包独立分配 nonce
	a.nonces = blockchain.NewNonceRegistry(client, a.redis, bc.ChainID, blockchain.NonceManagerConfig{
		LockTimeout:  30 * time.Second,
		SyncInterval: 5 * time.Minute,
	})

	escrow, err := contract.NewEscrowContract(common.HexToAddress(bc.ContractAddress))
	if err != nil {
		return fmt.Errorf("failed to bind escrow contract: %w", err)
	}

	estimator := contract.NewGasEstimator(&contract.GasEstimatorConfig{
		MaxGasPrice: new(big.Int).Mul(big.NewInt(bc.MaxGasPriceGwei), big.NewInt(1e9)),
	}, client)

	breakerCfg := circuitbreaker.DefaultConfig()
	breakerCfg.FailureThreshold = a.cfg.Breaker.FailureThreshold
	breakerCfg.SuccessThreshold = a.cfg.Breaker.SuccessThreshold
	breakerCfg.Timeout = time.Duration(a.cfg.Breaker.TimeoutSec) * time.Second

	a.gateway = gateway.NewEthGateway(client, a.nonces, escrow, estimator, &gateway.Config{
		PollInterval:  bc.PollInterval(),
		LogsFromBlock: bc.DeployBlock,
		Breaker:       breakerCfg,
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("contract", bc.ContractAddress),
		zap.String("operator", client.Address().Hex()),
		zap.Int("signers", len(client.Signers())))
	return nil
}

// initServices 初始化仓储与服务
func (a *App) initServices() {
	a.ledgerRepo = repository.NewLedgerRepository(a.db)
	a.opsRepo = repository.NewOperationRepository(a.db)

	adminWallet := a.cfg.Escrow.AdminWallet
	if adminWallet == "" && a.chainClient.Address() != (common.Address{}) {
		adminWallet = a.chainClient.Address().Hex()
	}

	a.engine = service.NewEscrowEngine(a.ledgerRepo, a.opsRepo, a.gateway, &service.EngineConfig{
		AdminWallet:    adminWallet,
		ConfirmTimeout: a.cfg.Escrow.ConfirmTimeout(),
		Confirmations:  a.cfg.Blockchain.Confirmations,
		Async:          a.cfg.Escrow.Async,
	})
	a.watcher = service.NewConfirmationWatcher(a.engine, a.cfg.Escrow.WatchTimeout())
	a.sweep = service.NewReconcilerSweep(a.engine, &service.SweepConfig{
		OlderThan:   a.cfg.Sweep.OlderThan(),
		ExpireAfter: a.cfg.Sweep.ExpireAfter(),
		BatchSize:   a.cfg.Sweep.BatchSize,
	})

	logger.Info("services initialized",
		zap.String("admin_wallet", adminWallet),
		zap.Bool("async", a.cfg.Escrow.Async))
}

// initKafka 初始化 Kafka，未启用时使用进程内确认队列
func (a *App) initKafka() error {
	if !a.cfg.Kafka.Enabled {
		a.queue = service.NewMemoryQueue(a.cfg.Escrow.QueueSize, a.cfg.Escrow.WatcherWorkers)
		a.engine.SetConfirmationQueue(a.queue)
		logger.Info("kafka disabled, using in-process confirmation queue")
		return nil
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		ClientID: a.cfg.Kafka.ClientID,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka producer: %w", err)
	}
	a.kafkaProducer = producer
	a.engine.SetEventPublisher(kafka.NewKafkaEventPublisher(producer))
	a.engine.SetConfirmationQueue(kafka.NewConfirmationQueue(producer))

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:  a.cfg.Kafka.Brokers,
		GroupID:  a.cfg.Kafka.GroupID,
		ClientID: a.cfg.Kafka.ClientID,
		Handler:  a.watcher.Handle,
	})
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", a.cfg.Kafka.Brokers))
	return nil
}

// initScheduler 初始化对账清扫任务
func (a *App) initScheduler() error {
	a.scheduler = scheduler.NewScheduler(&scheduler.SchedulerConfig{
		MaxConcurrentJobs: 1,
		RedisClient:       a.redis,
	})

	job := scheduler.NewSweepJob(a.sweep, a.cfg.Sweep.Timeout(), a.cfg.Sweep.LockTTL())
	return a.scheduler.RegisterJob(job, scheduler.JobConfig{
		Cron:    a.cfg.Sweep.Cron,
		Enabled: a.cfg.Sweep.Enabled,
	})
}

// initHTTP 初始化 HTTP 服务
func (a *App) initHTTP() {
	if a.cfg.Service.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	sqlDB, _ := a.db.DB()
	a.healthHandler = handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": handler.PingFunc(sqlDB.PingContext),
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
		"rpc": handler.PingFunc(a.chainClient.HealthCheck),
	})

	engine := gin.New()
	r := router.New(engine)
	r.RegisterMiddleware()
	r.RegisterRoutes(
		a.healthHandler,
		handler.NewEscrowHandler(a.engine),
		handler.NewAdminHandler(a.scheduler),
	)

	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// initGRPC 初始化 gRPC 健康检查
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer(
		grpc.ChainUnaryInterceptor(
			middleware.RecoveryUnaryServerInterceptor(),
			middleware.UnaryServerInterceptor(),
		),
	)

	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 确认任务消费
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}
	if a.queue != nil {
		a.queue.Start(a.watcher.Handle)
	}

	a.scheduler.Start()

	// gRPC
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	// HTTP
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	a.healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)
	a.healthHandler.SetReady(true)

	// 等待退出信号
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 关闭应用
// 先停止接收请求，再停止后台任务，最后关闭基础设施
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	a.healthHandler.SetReady(false)
	a.healthServer.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Error("failed to shutdown HTTP server", zap.Error(err))
	}
	a.grpcServer.GracefulStop()

	a.scheduler.Stop()

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop kafka consumer", zap.Error(err))
		}
	}
	if a.queue != nil {
		a.queue.Stop()
	}

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Error("failed to close kafka producer", zap.Error(err))
		}
	}

	if a.chainClient != nil {
		a.chainClient.Close()
	}

	if a.redis != nil {
		a.redis.Close()
	}

	if a.db != nil {
		if sqlDB, _ := a.db.DB(); sqlDB != nil {
			sqlDB.Close()
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}
