package eventlog

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/go-go-golems/podium/pkg/events"
)

// MemoryStore is the in-process fallback for environments without Redis
// configured. Identifiers use the same ms-seq shape as Redis stream ids and
// are strictly increasing per debate.
type MemoryStore struct {
	mu      sync.Mutex
	debates map[string]*memoryLog
}

type memoryLog struct {
	entries []memoryEntry
	lastMs  int64
	lastSeq int64
}

type memoryEntry struct {
	id    string
	ts    time.Time
	event events.Event
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{debates: map[string]*memoryLog{}}
}

func (s *MemoryStore) Append(_ context.Context, debateID string, e events.Event) (string, error) {
	if debateID == "" {
		return "", errors.New("debate id is empty")
	}
	if e == nil {
		return "", errors.New("event is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.debates[debateID]
	if !ok {
		l = &memoryLog{}
		s.debates[debateID] = l
	}
	ms := time.Now().UnixMilli()
	if ms <= l.lastMs {
		l.lastSeq++
	} else {
		l.lastMs = ms
		l.lastSeq = 0
	}
	id := fmt.Sprintf("%d-%d", l.lastMs, l.lastSeq)
	ts := e.Metadata().Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	l.entries = append(l.entries, memoryEntry{id: id, ts: ts, event: e})
	return id, nil
}

func (s *MemoryStore) snapshot(debateID string) []memoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.debates[debateID]
	if !ok {
		return nil
	}
	return append([]memoryEntry(nil), l.entries...)
}

func (s *MemoryStore) Events(_ context.Context, debateID string) ([]StoredEvent, error) {
	return collect(s.snapshot(debateID), func(memoryEntry) bool { return true }), nil
}

func (s *MemoryStore) EventsSince(_ context.Context, debateID, id string) ([]StoredEvent, error) {
	return collect(s.snapshot(debateID), func(e memoryEntry) bool {
		return streamIDLess(id, e.id)
	}), nil
}

func (s *MemoryStore) EventsAfterTimestamp(_ context.Context, debateID string, ts time.Time) ([]StoredEvent, error) {
	return collect(s.snapshot(debateID), func(e memoryEntry) bool {
		return e.ts.After(ts)
	}), nil
}

func (s *MemoryStore) EventsAfterSeq(_ context.Context, debateID string, seq uint64, limit int) ([]StoredEvent, error) {
	out := collect(s.snapshot(debateID), func(e memoryEntry) bool {
		return e.event.Metadata().Seq > seq
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) LastEvents(_ context.Context, debateID string, n int) ([]StoredEvent, error) {
	entries := s.snapshot(debateID)
	if n <= 0 {
		return nil, nil
	}
	if len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return collect(entries, func(memoryEntry) bool { return true }), nil
}

func (s *MemoryStore) LastEventID(_ context.Context, debateID string) (string, error) {
	entries := s.snapshot(debateID)
	if len(entries) == 0 {
		return "", nil
	}
	return entries[len(entries)-1].id, nil
}

func (s *MemoryStore) Count(_ context.Context, debateID string) (int64, error) {
	return int64(len(s.snapshot(debateID))), nil
}

func (s *MemoryStore) HasEvents(ctx context.Context, debateID string) (bool, error) {
	n, err := s.Count(ctx, debateID)
	return n > 0, err
}

func (s *MemoryStore) Delete(_ context.Context, debateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.debates, debateID)
	return nil
}

func collect(entries []memoryEntry, keep func(memoryEntry) bool) []StoredEvent {
	out := make([]StoredEvent, 0, len(entries))
	for _, e := range entries {
		if !keep(e) {
			continue
		}
		out = append(out, StoredEvent{ID: e.id, Seq: e.event.Metadata().Seq, Event: e.event})
	}
	return out
}
