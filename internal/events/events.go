// Package events carries ingest notifications between the miner and the signal service.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	TypeIncremental = "incremental"
	TypeBackfill    = "backfill"

	// AssetAll scopes an event to every instrument.
	AssetAll = "ALL"
)

// Event announces that rows landed in the store.
// Asset is AssetAll, an instrument kind, or a single instrument code.
type Event struct {
	Type  string    `json:"type"`
	Asset string    `json:"asset"`
	Rows  int64     `json:"rows"`
	From  time.Time `json:"from"`
	To    time.Time `json:"to"`
	RunID string    `json:"run_id,omitempty"`
}

// Handler consumes one event. Errors are logged by the transport, never fatal.
type Handler func(ctx context.Context, event Event) error

// Publisher emits events on a topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event Event) error
}

// Subscriber delivers events on topic to handler until ctx is done.
// It returns an error only when the subscription cannot be established or breaks.
type Subscriber interface {
	Subscribe(ctx context.Context, topic string, handler Handler) error
}

// Bus is a full transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Encode serialises an event for the wire.
func Encode(event Event) ([]byte, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return payload, nil
}

// Decode parses a wire payload.
func Decode(payload []byte) (Event, error) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Asset == "" {
		event.Asset = AssetAll
	}
	return event, nil
}

// ErrNoTransport is returned by Subscribe on the nop bus.
var ErrNoTransport = errors.New("events: no transport configured")

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, string, Event) error { return nil }

func (Nop) Subscribe(context.Context, string, Handler) error { return ErrNoTransport }

func (Nop) Close() error { return nil }

var _ Bus = Nop{}
