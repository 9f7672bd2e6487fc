package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retry        retryPolicy
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:  group,
		logger: logger,
		retry:  newRetryPolicy(3, 500*time.Millisecond),
	}, nil
}

// WithDLQ routes messages that cannot be handled to topic instead of blocking the partition.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) WithRetry(maxAttempts int, backoff time.Duration) *Consumer {
	c.retry = newRetryPolicy(maxAttempts, backoff)
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retry:        c.retry,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type retryPolicy struct {
	maxAttempts int
	backoff     time.Duration
}

func newRetryPolicy(maxAttempts int, backoff time.Duration) retryPolicy {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if backoff < 0 {
		backoff = 0
	}
	return retryPolicy{maxAttempts: maxAttempts, backoff: backoff}
}

// delay doubles per attempt starting from the base backoff.
func (p retryPolicy) delay(attempt int) time.Duration {
	d := p.backoff
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retry        retryPolicy
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		if err := h.handle(session.Context(), msg); err != nil {
			return err
		}
		session.MarkMessage(msg, "")
	}
	return nil
}

// handle returns an error only when the message must not be committed.
func (h *consumerGroupHandler) handle(ctx context.Context, msg *sarama.ConsumerMessage) error {
	for attempt := 1; ; attempt++ {
		err := h.handler.HandleMessage(ctx, msg)
		if err == nil {
			return nil
		}

		var dlqErr *DLQError
		permanent := errors.As(err, &dlqErr)
		log := h.logger.With("topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempt, "error", err)

		if !permanent && attempt < h.retry.maxAttempts {
			log.Warn("kafka message handler failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(h.retry.delay(attempt)):
			}
			continue
		}

		if dlqErr == nil {
			dlqErr = &DLQError{Err: err, Reason: "retries_exhausted"}
		}
		if h.dlqPublisher == nil || h.dlqTopic == "" {
			log.Error("kafka message dropped", "reason", dlqErr.Reason)
			return nil
		}
		payload := BuildDLQPayload(msg, dlqErr, attempt)
		if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
			log.Error("kafka dlq publish failed", "dlq_error", pubErr)
			return fmt.Errorf("publish dlq: %w", pubErr)
		}
		log.Error("kafka message sent to dlq", "reason", dlqErr.Reason, "dlq_topic", h.dlqTopic)
		return nil
	}
}
