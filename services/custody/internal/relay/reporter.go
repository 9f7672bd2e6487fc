package relay

import (
	"context"
	"encoding/json"

	"github.com/andt14111999/test-exchange-sub001/libs/kafka"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/gateway"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
)

// Completion is the outcome of a relay job, fed back as an inbound event.
type Completion struct {
	EventID     string
	Ref         storage.OperationRef
	Event       string
	Receipt     string
	Explanation string
}

func (c Completion) Payload() gateway.Payload {
	fields := map[string]string{}
	if c.Receipt != "" {
		fields["receipt"] = c.Receipt
	}
	if c.Explanation != "" {
		fields["explanation"] = c.Explanation
	}
	return gateway.Payload{
		ObjectType:       string(c.Ref.Kind),
		ObjectIdentifier: c.Ref.ID.String(),
		OperationType:    c.Event,
		Fields:           fields,
	}
}

type Reporter interface {
	Report(ctx context.Context, c Completion) error
}

// GatewayReporter applies completions in process.
type GatewayReporter struct {
	gw    *gateway.Gateway
	topic string
}

func NewGatewayReporter(gw *gateway.Gateway, topic string) *GatewayReporter {
	return &GatewayReporter{gw: gw, topic: topic}
}

func (r *GatewayReporter) Report(ctx context.Context, c Completion) error {
	raw, err := json.Marshal(c.Payload())
	if err != nil {
		return err
	}
	_, err = r.gw.Ingest(ctx, c.EventID, r.topic, raw)
	return err
}

// KafkaReporter publishes completions to the completions topic, keyed by
// operation id so events for one operation stay in one partition.
type KafkaReporter struct {
	publisher kafka.Publisher
	topic     string
}

func NewKafkaReporter(publisher kafka.Publisher, topic string) *KafkaReporter {
	return &KafkaReporter{publisher: publisher, topic: topic}
}

func (r *KafkaReporter) Report(ctx context.Context, c Completion) error {
	env, err := gateway.NewEnvelope(c.EventID, r.topic, c.Payload())
	if err != nil {
		return err
	}
	_, _, err = r.publisher.PublishJSON(ctx, r.topic, c.Ref.ID.String(), env)
	return err
}
