// Package bus carries named JSON events between the payment service and the
// downstream systems.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrClosed is returned when publishing on a closed bus.
var ErrClosed = errors.New("bus closed")

// Message is the envelope every event travels in.
type Message struct {
	ID          string          `json:"id"`
	Event       string          `json:"event"`
	Payload     json.RawMessage `json:"payload"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if len(m.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(m.Payload, v)
}

// Handler processes one inbound message.
type Handler func(ctx context.Context, msg Message) error

// Bus publishes and subscribes to named events.
type Bus interface {
	Publish(ctx context.Context, event string, payload any) error
	Subscribe(ctx context.Context, event string, h Handler) error
	Close() error
}

// NewMessage wraps payload in an envelope with a fresh id.
func NewMessage(event string, payload any) (Message, error) {
	var raw json.RawMessage
	switch p := payload.(type) {
	case nil:
		raw = json.RawMessage("{}")
	case json.RawMessage:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return Message{}, fmt.Errorf("encode %s payload: %w", event, err)
		}
		raw = b
	}
	return Message{
		ID:          uuid.NewString(),
		Event:       event,
		Payload:     raw,
		PublishedAt: time.Now().UTC(),
	}, nil
}

func encode(event string, payload any) ([]byte, error) {
	msg, err := NewMessage(event, payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(msg)
}

func decode(event string, data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return Message{}, err
	}
	if msg.Event == "" {
		msg.Event = event
	}
	return msg, nil
}
