// Package metrics 提供 eidos-escrow 服务的 Prometheus 监控指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "eidos_escrow"

// 托管操作指标
var (
	// OperationsTotal 托管操作总数
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "托管操作总数",
		},
		[]string{"kind", "result"}, // kind: register/fund/approve/dispute/refund, result: committed/pending/rejected/reverted/failed
	)

	// OperationDuration 托管操作耗时
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "托管操作端到端耗时(秒)",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"kind"},
	)

	// CASConflictsTotal 镜像 compare-and-set 冲突数
	CASConflictsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cas_conflicts_total",
			Help:      "镜像 compare-and-set 未命中次数",
		},
		[]string{"field"}, // funded, released, disputed, status
	)
)

// 区块链交互指标
var (
	// ChainTxTotal 链上交易总数
	ChainTxTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_tx_total",
			Help:      "链上交易总数",
		},
		[]string{"method", "status"}, // status: submitted/confirmed/reverted/failed
	)

	// ConfirmationWait 交易确认等待时间
	ConfirmationWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_wait_seconds",
			Help:      "交易确认等待时间(秒)",
			Buckets:   []float64{1, 2, 5, 10, 15, 30, 60, 120, 300},
		},
	)

	// RPCErrorsTotal RPC 错误数
	RPCErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_errors_total",
			Help:      "链上 RPC 调用错误数",
		},
		[]string{"method"},
	)

	// CircuitBreakerState 熔断器状态
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "熔断器状态 (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

// 对账指标
var (
	// SweepRunsTotal 对账扫描次数
	SweepRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_runs_total",
			Help:      "对账扫描执行次数",
		},
		[]string{"result"}, // success, failed, skipped
	)

	// SweepRepairsTotal 对账修复数
	SweepRepairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sweep_repairs_total",
			Help:      "对账扫描修复的镜像记录数",
		},
		[]string{"kind"},
	)

	// StaleOperations 滞留操作数
	StaleOperations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_operations",
			Help:      "最近一次扫描发现的滞留链上操作数",
		},
	)
)

// Kafka 指标
var (
	// KafkaMessagesProduced 生产消息数
	KafkaMessagesProduced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_produced_total",
			Help:      "Kafka 生产消息总数",
		},
		[]string{"topic"},
	)

	// KafkaMessagesConsumed 消费消息数
	KafkaMessagesConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "kafka_messages_consumed_total",
			Help:      "Kafka 消费消息总数",
		},
		[]string{"topic"},
	)
)

// HTTP 指标
var (
	// HTTPRequestsTotal HTTP 请求总数
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP 请求总数",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration HTTP 请求耗时
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP 请求耗时(秒)",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

// RecordOperation 记录托管操作结果
func RecordOperation(kind, result string, durationSeconds float64) {
	OperationsTotal.WithLabelValues(kind, result).Inc()
	if durationSeconds > 0 {
		OperationDuration.WithLabelValues(kind).Observe(durationSeconds)
	}
}

// RecordChainTx 记录链上交易
func RecordChainTx(method, status string) {
	ChainTxTotal.WithLabelValues(method, status).Inc()
}

// RecordConfirmationWait 记录确认等待时间
func RecordConfirmationWait(seconds float64) {
	ConfirmationWait.Observe(seconds)
}

// RecordCASConflict 记录 CAS 未命中
func RecordCASConflict(field string) {
	CASConflictsTotal.WithLabelValues(field).Inc()
}

// RecordRPCError 记录 RPC 错误
func RecordRPCError(method string) {
	RPCErrorsTotal.WithLabelValues(method).Inc()
}

// UpdateCircuitBreakerState 更新熔断器状态
func UpdateCircuitBreakerState(name string, state int) {
	CircuitBreakerState.WithLabelValues(name).Set(float64(state))
}

// RecordSweep 记录对账扫描
func RecordSweep(result string, stale int) {
	SweepRunsTotal.WithLabelValues(result).Inc()
	if stale >= 0 {
		StaleOperations.Set(float64(stale))
	}
}

// RecordSweepRepair 记录对账修复
func RecordSweepRepair(kind string) {
	SweepRepairsTotal.WithLabelValues(kind).Inc()
}

// RecordKafkaMessage 记录 Kafka 消息
func RecordKafkaMessage(topic string, produced bool) {
	if produced {
		KafkaMessagesProduced.WithLabelValues(topic).Inc()
	} else {
		KafkaMessagesConsumed.WithLabelValues(topic).Inc()
	}
}

// RecordHTTPRequest 记录 HTTP 请求
func RecordHTTPRequest(method, path, status string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(method, path, status).Inc()
	HTTPRequestDuration.WithLabelValues(method, path).Observe(durationSeconds)
}
