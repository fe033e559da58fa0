package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/eidos-exchange/eidos/eidos-escrow/internal/metrics"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/model"
	"github.com/eidos-exchange/eidos/eidos-escrow/internal/service"
	"github.com/eidos-exchange/eidos/eidos-escrow/pkg/logger"
)

// Consumer 确认任务消费者
type Consumer struct {
	client  sarama.ConsumerGroup
	handler service.JobHandler
	topics  []string
	groupID string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// ConsumerConfig 消费者配置
type ConsumerConfig struct {
	Brokers  []string
	GroupID  string
	ClientID string
	Handler  service.JobHandler
}

// NewConsumer 创建消费者
func NewConsumer(cfg *ConsumerConfig) (*Consumer, error) {
	config := sarama.NewConfig()
	config.Version = sarama.V2_8_0_0
	config.ClientID = cfg.ClientID
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRoundRobin()}
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Offsets.AutoCommit.Interval = time.Second

	client, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, config)
	if err != nil {
		return nil, err
	}
	return NewConsumerFromGroup(client, cfg.GroupID, cfg.Handler), nil
}

// NewConsumerFromGroup 包装已有的消费组
func NewConsumerFromGroup(client sarama.ConsumerGroup, groupID string, handler service.JobHandler) *Consumer {
	return &Consumer{
		client:  client,
		handler: handler,
		topics:  []string{TopicConfirmations},
		groupID: groupID,
	}
}

// Start 启动消费者
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return errors.New("consumer already running")
	}
	c.running = true

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	handler := &consumerGroupHandler{handler: c.handler}

	go func() {
		defer close(c.done)
		for {
			if err := c.client.Consume(ctx, c.topics, handler); err != nil {
				if errors.Is(err, sarama.ErrClosedConsumerGroup) {
					return
				}
				logger.Error("kafka consume error", zap.Error(err))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	logger.Info("kafka consumer started",
		zap.Strings("topics", c.topics),
		zap.String("group_id", c.groupID))
	return nil
}

// Stop 停止消费者
func (c *Consumer) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return nil
	}
	c.running = false
	c.cancel()
	<-c.done
	return c.client.Close()
}

// consumerGroupHandler 消费组处理器
type consumerGroupHandler struct {
	handler service.JobHandler
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		metrics.RecordKafkaMessage(msg.Topic, false)

		if msg.Topic != TopicConfirmations {
			logger.Warn("unknown topic", zap.String("topic", msg.Topic))
			session.MarkMessage(msg, "")
			continue
		}

		var job model.ConfirmationJob
		if err := json.Unmarshal(msg.Value, &job); err != nil || job.OperationID == "" {
			// 无法解析的消息直接跳过
			logger.Error("invalid confirmation job",
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			session.MarkMessage(msg, "")
			continue
		}

		if err := h.handler(session.Context(), &job); err != nil {
			// 未提交的操作由对账扫描接手
			logger.Error("failed to handle confirmation job",
				logger.OperationID(job.OperationID),
				zap.Int64("offset", msg.Offset),
				zap.Error(err))
			continue
		}
		session.MarkMessage(msg, "")
	}
	return nil
}
