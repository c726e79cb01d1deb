package eventlog

import (
	"context"
	"time"

	"github.com/go-go-golems/podium/pkg/events"
)

// DefaultRetention bounds how long a debate's log is kept before TTL expiry.
const DefaultRetention = 24 * time.Hour

// StoredEvent is an event plus the store-assigned identifier establishing
// total order within one debate's log. Seq is the application-level sequence
// number embedded in the payload by the event bus.
type StoredEvent struct {
	ID    string       `json:"id"`
	Seq   uint64       `json:"seq"`
	Event events.Event `json:"event"`
}

// Store is a durable, replayable, per-debate append-only event log.
//
// Implementations never propagate storage failures into orchestration control
// flow: writes degrade to a logged no-op (Append returns an empty id), reads
// degrade to empty collections. Entries that cannot be decoded are logged and
// skipped individually; one corrupt entry never fails a replay batch.
type Store interface {
	// Append stores one event and returns the store-assigned identifier, or
	// an empty string when the write degraded.
	Append(ctx context.Context, debateID string, e events.Event) (string, error)

	// Events returns the full log in append order.
	Events(ctx context.Context, debateID string) ([]StoredEvent, error)
	// EventsSince returns events strictly after the given identifier.
	EventsSince(ctx context.Context, debateID, id string) ([]StoredEvent, error)
	// EventsAfterTimestamp returns events strictly after ts.
	EventsAfterTimestamp(ctx context.Context, debateID string, ts time.Time) ([]StoredEvent, error)
	// EventsAfterSeq returns up to limit events whose embedded sequence
	// number is strictly greater than seq, for callers tracking the
	// application sequence rather than the store identifier. limit <= 0
	// means no limit.
	EventsAfterSeq(ctx context.Context, debateID string, seq uint64, limit int) ([]StoredEvent, error)
	// LastEvents returns the last n events in chronological order.
	LastEvents(ctx context.Context, debateID string, n int) ([]StoredEvent, error)

	LastEventID(ctx context.Context, debateID string) (string, error)
	Count(ctx context.Context, debateID string) (int64, error)
	HasEvents(ctx context.Context, debateID string) (bool, error)

	// Delete removes the debate's log (debate cleanup ahead of TTL expiry).
	Delete(ctx context.Context, debateID string) error
}
