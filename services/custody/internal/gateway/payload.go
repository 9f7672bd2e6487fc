package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/andt14111999/test-exchange-sub001/libs/kafka"
	"github.com/andt14111999/test-exchange-sub001/services/custody/internal/storage"
)

var ErrInvalidPayload = errors.New("invalid payload")

const (
	fieldObjectType       = "object_type"
	fieldObjectIdentifier = "object_identifier"
	fieldOperationType    = "operation_type"
)

// Payload addresses one operation and names the transition to apply. Any
// other top level keys of the JSON object are carried in Fields.
type Payload struct {
	ObjectType       string
	ObjectIdentifier string
	OperationType    string
	Fields           map[string]string
}

func (p Payload) Field(name string) string {
	return p.Fields[name]
}

func (p Payload) Validate() error {
	if p.ObjectType == "" || p.ObjectIdentifier == "" || p.OperationType == "" {
		return fmt.Errorf("%w: object_type, object_identifier and operation_type are required", ErrInvalidPayload)
	}
	return nil
}

func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]string, len(p.Fields)+3)
	for k, v := range p.Fields {
		out[k] = v
	}
	out[fieldObjectType] = p.ObjectType
	out[fieldObjectIdentifier] = p.ObjectIdentifier
	out[fieldOperationType] = p.OperationType
	return json.Marshal(out)
}

func (p *Payload) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	*p = Payload{Fields: make(map[string]string, len(raw))}
	for key, value := range raw {
		text := rawText(value)
		switch key {
		case fieldObjectType:
			p.ObjectType = strings.TrimSpace(text)
		case fieldObjectIdentifier:
			p.ObjectIdentifier = strings.TrimSpace(text)
		case fieldOperationType:
			p.OperationType = strings.TrimSpace(text)
		default:
			p.Fields[key] = text
		}
	}
	return nil
}

// rawText unquotes JSON strings and keeps any other value as its JSON text,
// so numeric amounts survive without float rounding.
func rawText(value json.RawMessage) string {
	var s string
	if err := json.Unmarshal(value, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(value))
}

// Envelope is the wire shape of an event. Payload stays raw so the stored
// copy is byte-identical to what was received. Inbound events only need
// event_id; the other header fields are set on events this service emits.
type Envelope struct {
	kafka.Envelope
	Topic   string          `json:"topic,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope wraps p for publishing. The event type is
// "<object_type>.<operation_type>" and the correlation id is the object
// identifier.
func NewEnvelope(eventID, topic string, p Payload) (Envelope, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return Envelope{}, err
	}
	header, err := kafka.NewEnvelope(eventID, p.ObjectType+"."+p.OperationType, 1, p.ObjectIdentifier)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Envelope: header, Topic: topic, Payload: raw}, nil
}

// Handler applies one event inside the ingest transaction. Returning an
// error rolls back every write the handler made.
type Handler interface {
	HandleEvent(ctx context.Context, tx storage.Tx, p Payload) error
}

type HandlerFunc func(ctx context.Context, tx storage.Tx, p Payload) error

func (f HandlerFunc) HandleEvent(ctx context.Context, tx storage.Tx, p Payload) error {
	return f(ctx, tx, p)
}
