// Package kafka 托管事件与确认任务的 Kafka 生产与消费
//
// ========================================
// Kafka 生产者对接说明
// ========================================
//
// ## 生产者 (Producer) - 本服务发送的 Topic
//
// 1. Topic: escrow-project-registered
//   - 消息内容: model.ProjectRegisteredEvent
//   - 触发时机: createProject 确认并写入镜像后
//
// 2. Topic: escrow-milestone-funded
//   - 消息内容: model.MilestoneFundedEvent
//
// 3. Topic: escrow-milestone-released
//   - 消息内容: model.MilestoneReleasedEvent (releaseKind 区分审批与退款)
//
// 4. Topic: escrow-dispute-raised
//   - 消息内容: model.DisputeRaisedEvent
//
// 5. Topic: escrow-confirmations (内部)
//   - 消息内容: model.ConfirmationJob
//   - 生产者与消费者均为本服务，用于跨实例分发确认任务
//
// 领域事件的 Partition Key 为链上项目 ID，同一项目的事件保持有序。
//
// ========================================
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

const (
	// TopicProjectRegistered 项目注册
	// Partition Key: onchain_project_id
	TopicProjectRegistered = "escrow-project-registered"

	// TopicMilestoneFunded 里程碑注资
	// Partition Key: onchain_project_id
	TopicMilestoneFunded = "escrow-milestone-funded"

	// TopicMilestoneReleased 里程碑释放或退款
	// Partition Key: onchain_project_id
	TopicMilestoneReleased = "escrow-milestone-released"

	// TopicDisputeRaised 发起争议
	// Partition Key: onchain_project_id
	TopicDisputeRaised = "escrow-dispute-raised"

	// TopicConfirmations 确认任务
	// Partition Key: operation_id
	TopicConfirmations = "escrow-confirmations"
)

// ErrProducerClosed 生产者已关闭
var ErrProducerClosed = errors.New("producer is closed")

// Producer Kafka 生产者
type Producer struct {
	producer sarama.SyncProducer
	mu       sync.RWMutex
	closed   bool
}

// ProducerConfig 生产者配置
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	RequiredAcks sarama.RequiredAcks
	MaxRetries   int
	RetryBackoff time.Duration
}

// NewProducer 创建生产者
func NewProducer(cfg *ProducerConfig) (*Producer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Producer.Return.Successes = true
	config.Producer.Return.Errors = true

	requiredAcks := cfg.RequiredAcks
	if requiredAcks == 0 {
		requiredAcks = sarama.WaitForAll
	}
	config.Producer.RequiredAcks = requiredAcks

	maxRetries := cfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	config.Producer.Retry.Max = maxRetries

	retryBackoff := cfg.RetryBackoff
	if retryBackoff == 0 {
		retryBackoff = 100 * time.Millisecond
	}
	config.Producer.Retry.Backoff = retryBackoff

	producer, err := sarama.NewSyncProducer(cfg.Brokers, config)
	if err != nil {
		return nil, err
	}
	return NewProducerFromSync(producer), nil
}

// NewProducerFromSync 包装已有的 SyncProducer
func NewProducerFromSync(producer sarama.SyncProducer) *Producer {
	return &Producer{producer: producer}
}

// Close 关闭生产者
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	return p.producer.Close()
}

// send 发送消息
func (p *Producer) send(topic, key string, value []byte) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic: topic,
		Key:   sarama.StringEncoder(key),
		Value: sarama.ByteEncoder(value),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	if err != nil {
		logger.Error("failed to send kafka message",
			zap.String("topic", topic),
			zap.String("key", key),
			zap.Error(err))
		return err
	}
	metrics.RecordKafkaMessage(topic, true)

	logger.Debug("kafka message sent",
		zap.String("topic", topic),
		zap.String("key", key),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (p *Producer) sendJSON(topic, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return p.send(topic, key, data)
}

func projectKey(onchainProjectID uint64) string {
	return strconv.FormatUint(onchainProjectID, 10)
}

// KafkaEventPublisher 托管领域事件发布器
type KafkaEventPublisher struct {
	producer *Producer
}

// NewKafkaEventPublisher 创建 Kafka 事件发布器
func NewKafkaEventPublisher(producer *Producer) *KafkaEventPublisher {
	return &KafkaEventPublisher{producer: producer}
}

func (p *KafkaEventPublisher) PublishProjectRegistered(_ context.Context, event *model.ProjectRegisteredEvent) error {
	return p.producer.sendJSON(TopicProjectRegistered, projectKey(event.OnchainProjectID), event)
}

func (p *KafkaEventPublisher) PublishMilestoneFunded(_ context.Context, event *model.MilestoneFundedEvent) error {
	return p.producer.sendJSON(TopicMilestoneFunded, projectKey(event.OnchainProjectID), event)
}

func (p *KafkaEventPublisher) PublishMilestoneReleased(_ context.Context, event *model.MilestoneReleasedEvent) error {
	return p.producer.sendJSON(TopicMilestoneReleased, projectKey(event.OnchainProjectID), event)
}

func (p *KafkaEventPublisher) PublishDisputeRaised(_ context.Context, event *model.DisputeRaisedEvent) error {
	return p.producer.sendJSON(TopicDisputeRaised, projectKey(event.OnchainProjectID), event)
}

// ConfirmationQueue 基于 Kafka 的确认任务队列
type ConfirmationQueue struct {
	producer *Producer
}

// NewConfirmationQueue 创建确认任务队列
func NewConfirmationQueue(producer *Producer) *ConfirmationQueue {
	return &ConfirmationQueue{producer: producer}
}

// Enqueue 投递确认任务
func (q *ConfirmationQueue) Enqueue(_ context.Context, job *model.ConfirmationJob) error {
	return q.producer.sendJSON(TopicConfirmations, job.OperationID, job)
}
