package bus

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/events"
)

// DebateBus is the fan-out point: every published event is appended to the
// durable event log and pushed to live subscribers. A log write failure never
// blocks live delivery.
//
// The bus stamps each event's timestamp (when unset) and a strictly
// increasing per-debate sequence number before emission. The store-assigned
// log identifier remains the ordering source of truth; the embedded sequence
// exists for consumers that anchor catch-up on payload contents.
type DebateBus struct {
	pub      message.Publisher
	logStore eventlog.Store

	mu   sync.Mutex
	seqs map[string]uint64
}

func NewDebateBus(pub message.Publisher, logStore eventlog.Store) (*DebateBus, error) {
	if pub == nil {
		return nil, errors.New("publisher is nil")
	}
	if logStore == nil {
		return nil, errors.New("event log store is nil")
	}
	return &DebateBus{pub: pub, logStore: logStore, seqs: map[string]uint64{}}, nil
}

// Publish appends the event durably and pushes it to the debate's live
// topic, in that order. The returned error covers live delivery only.
func (b *DebateBus) Publish(ctx context.Context, e events.Event) error {
	if e == nil {
		return errors.New("event is nil")
	}
	meta := e.Metadata()
	if meta.DebateID == "" {
		return errors.Errorf("%s event has no debate id", e.EventType())
	}
	if meta.Timestamp.IsZero() {
		meta.Timestamp = time.Now()
	}
	meta.Seq = b.nextSeq(ctx, meta.DebateID)

	payload, err := events.ToJSON(e)
	if err != nil {
		return err
	}

	if _, err := b.logStore.Append(ctx, meta.DebateID, e); err != nil {
		log.Warn().
			Err(err).
			Str("component", "bus").
			Str("debate_id", meta.DebateID).
			Str("event_type", string(e.EventType())).
			Msg("durable append failed, live delivery proceeds")
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("debate_id", meta.DebateID)
	msg.Metadata.Set("event_type", string(e.EventType()))
	if err := b.pub.Publish(Topic(meta.DebateID), msg); err != nil {
		return errors.Wrapf(err, "publish %s event", e.EventType())
	}
	return nil
}

// nextSeq hands out the per-debate sequence number, seeding from the durable
// log on the first publish after a restart so the sequence never regresses.
func (b *DebateBus) nextSeq(ctx context.Context, debateID string) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	cur, ok := b.seqs[debateID]
	if !ok {
		if last, err := b.logStore.LastEvents(ctx, debateID, 1); err == nil && len(last) == 1 {
			cur = last[0].Seq
		}
	}
	cur++
	b.seqs[debateID] = cur
	return cur
}
