package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

var (
	ErrUnknownObjectType = errors.New("unknown object type")

	errDuplicate = errors.New("duplicate event")
)

type Metrics interface {
	ObserveIngest(topic string, outcome string, duration time.Duration)
}

// Gateway applies inbound events exactly once per event id.
type Gateway struct {
	store    storage.Transactor
	logger   *slog.Logger
	metrics  Metrics
	mu       sync.RWMutex
	handlers map[string]Handler
}

func New(store storage.Transactor, logger *slog.Logger, metrics Metrics) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		store:    store,
		logger:   logger,
		metrics:  metrics,
		handlers: make(map[string]Handler),
	}
}

func (g *Gateway) Register(objectType string, h Handler) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.handlers[objectType] = h
}

func (g *Gateway) handler(objectType string) (Handler, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	h, ok := g.handlers[objectType]
	return h, ok
}

// Ingest records the event and applies it in one transaction. A processed
// event id yields OutcomeDuplicate whatever the payload. A failed attempt
// is recorded with its error and may be retried with the same id.
func (g *Gateway) Ingest(ctx context.Context, eventID, topic string, raw []byte) (Outcome, error) {
	ctx, span := otel.Tracer("custody/gateway").Start(ctx, "gateway.Ingest")
	defer span.End()
	span.SetAttributes(attribute.String("event.id", eventID), attribute.String("event.topic", topic))

	start := time.Now()
	outcome, err := g.ingest(ctx, eventID, topic, raw)
	if g.metrics != nil {
		g.metrics.ObserveIngest(topic, string(outcome), time.Since(start))
	}
	span.SetAttributes(attribute.String("event.outcome", string(outcome)))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return outcome, err
}

func (g *Gateway) ingest(ctx context.Context, eventID, topic string, raw []byte) (Outcome, error) {
	if eventID == "" {
		return OutcomeFailed, fmt.Errorf("%w: event_id is required", ErrInvalidPayload)
	}
	log := g.logger.With("event_id", eventID, "topic", topic)

	var payload Payload
	err := g.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ev, err := g.claim(ctx, tx, eventID, topic, raw)
		if err != nil {
			return err
		}

		if err := payload.UnmarshalJSON(raw); err != nil {
			return err
		}
		if err := payload.Validate(); err != nil {
			return err
		}
		h, ok := g.handler(payload.ObjectType)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnknownObjectType, payload.ObjectType)
		}
		if err := h.HandleEvent(ctx, tx, payload); err != nil {
			return err
		}

		now := time.Now().UTC()
		ev.Status = storage.EventProcessed
		ev.Error = ""
		ev.ProcessedAt = &now
		return tx.UpdateInboundEvent(ctx, ev)
	})

	switch {
	case err == nil:
		log.Info("event applied", "object_type", payload.ObjectType, "object_identifier", payload.ObjectIdentifier, "operation_type", payload.OperationType)
		return OutcomeApplied, nil
	case errors.Is(err, errDuplicate):
		log.Info("duplicate event ignored")
		return OutcomeDuplicate, nil
	}

	log.Warn("event failed", "object_type", payload.ObjectType, "operation_type", payload.OperationType, "error", err)
	if recErr := g.recordFailure(ctx, eventID, topic, raw, err); recErr != nil {
		log.Error("record event failure", "error", recErr)
	}
	return OutcomeFailed, err
}

// claim inserts the event row, or locks the existing one when an earlier
// attempt failed. A processed row aborts with errDuplicate.
func (g *Gateway) claim(ctx context.Context, tx storage.Tx, eventID, topic string, raw []byte) (*storage.InboundEvent, error) {
	ev := &storage.InboundEvent{
		EventID:  eventID,
		Topic:    topic,
		Payload:  raw,
		Status:   storage.EventPending,
		Attempts: 1,
	}
	inserted, err := tx.InsertInboundEvent(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("insert inbound event: %w", err)
	}
	if inserted {
		return ev, nil
	}

	existing, err := tx.GetInboundEventForUpdate(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if existing.Status == storage.EventProcessed {
		return nil, errDuplicate
	}
	existing.Attempts++
	return existing, nil
}

func (g *Gateway) recordFailure(ctx context.Context, eventID, topic string, raw []byte, cause error) error {
	return g.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		ev := &storage.InboundEvent{
			EventID:  eventID,
			Topic:    topic,
			Payload:  raw,
			Status:   storage.EventFailed,
			Error:    cause.Error(),
			Attempts: 1,
		}
		inserted, err := tx.InsertInboundEvent(ctx, ev)
		if err != nil || inserted {
			return err
		}
		existing, err := tx.GetInboundEventForUpdate(ctx, eventID)
		if err != nil {
			return err
		}
		if existing.Status == storage.EventProcessed {
			return nil
		}
		existing.Status = storage.EventFailed
		existing.Error = cause.Error()
		existing.Attempts++
		return tx.UpdateInboundEvent(ctx, existing)
	})
}

// Event returns the dedup record for eventID.
func (g *Gateway) Event(ctx context.Context, eventID string) (*storage.InboundEvent, error) {
	var out *storage.InboundEvent
	err := g.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.GetInboundEventForUpdate(ctx, eventID)
		return err
	})
	return out, err
}
