package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/andt14111999/test-exchange-sub001/libs/kafka"
)

// Consumer feeds Kafka messages carrying an Envelope into the gateway.
type Consumer struct {
	gw        *Gateway
	logger    *slog.Logger
	permanent func(error) bool
}

// NewConsumer builds a consumer. permanent classifies handler errors that
// should go to the dead letter topic instead of being retried. Payload
// errors are always permanent.
func NewConsumer(gw *Gateway, logger *slog.Logger, permanent func(error) bool) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{gw: gw, logger: logger, permanent: permanent}
}

func (c *Consumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		return kafka.DLQ(fmt.Errorf("%w: %v", ErrInvalidPayload, err), "decode")
	}
	if env.EventID == "" {
		return kafka.DLQ(fmt.Errorf("%w: event_id is required", ErrInvalidPayload), "validation")
	}
	if len(env.Payload) == 0 {
		return kafka.DLQ(fmt.Errorf("%w: payload is required", ErrInvalidPayload), "validation")
	}
	topic := env.Topic
	if topic == "" {
		topic = msg.Topic
	}

	outcome, err := c.gw.Ingest(ctx, env.EventID, topic, env.Payload)
	if err == nil {
		return nil
	}
	if c.isPermanent(err) {
		c.logger.Warn("event rejected", "event_id", env.EventID, "outcome", string(outcome), "error", err)
		return kafka.DLQ(err, "rejected")
	}
	return err
}

func (c *Consumer) isPermanent(err error) bool {
	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, ErrUnknownObjectType) {
		return true
	}
	return c.permanent != nil && c.permanent(err)
}
