// Package notify carries disconnect-queue notifications from the write path to
// enforcement workers. Delivery is at-least-once; consumers must be idempotent.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rufaromugabe/spotfi-sub000/internal/models"
)

// Event announces a newly inserted disconnect queue entry.
type Event struct {
	EntryID  uint64                  `json:"entry_id"`
	Username string                  `json:"username"`
	Reason   models.DisconnectReason `json:"reason"`
	At       time.Time               `json:"at"`
}

// Handler processes one event. A returned error asks the transport to redeliver
// when it supports redelivery.
type Handler func(ctx context.Context, ev Event) error

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber delivers events to a handler until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, handler Handler) error
}

// Bus is both ends of a transport.
type Bus interface {
	Publisher
	Subscriber
	Close() error
}

// Discard drops every event.
type Discard struct{}

// Publish implements Publisher.
func (Discard) Publish(context.Context, Event) error { return nil }

func encodeEvent(ev Event) ([]byte, error) {
	return json.Marshal(ev)
}

func decodeEvent(payload []byte) (Event, error) {
	var ev Event
	err := json.Unmarshal(payload, &ev)
	return ev, err
}
