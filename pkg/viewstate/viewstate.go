package viewstate

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/script"
)

// Entry is one turn's locally rendered state.
type Entry struct {
	TurnID          string
	TurnIndex       int
	Speaker         script.Speaker
	TurnType        script.TurnType
	Content         string
	Streaming       bool
	Completed       bool
	InterruptReason events.InterruptReason
	TokenCount      int
}

// Notice is an out-of-band event surfaced to the viewer (violations,
// interventions, budget warnings, errors).
type Notice struct {
	Type    events.EventType
	Message string
}

// Store is the single shared view-state a stream client mutates per event.
// Applying an event whose sequence number was already observed is a no-op,
// which makes at-least-once delivery (live push overlapping catch-up reads)
// idempotent.
type Store struct {
	mu      sync.Mutex
	order   []string
	entries map[string]*Entry

	status   string
	progress *events.ProgressUpdate
	notices  []Notice
	seen     map[uint64]struct{}
	lastSeq  uint64
}

func NewStore() *Store {
	return &Store{
		entries: map[string]*Entry{},
		seen:    map[uint64]struct{}{},
	}
}

// Apply folds one event into the view state.
func (s *Store) Apply(e events.Event) {
	if e == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// Dedup by exact sequence number, not by high-water mark: a catch-up
	// read after an outage delivers events older than the newest live frame,
	// and those must still apply.
	seq := e.Metadata().Seq
	if seq != 0 {
		if _, dup := s.seen[seq]; dup {
			return
		}
		s.seen[seq] = struct{}{}
		if seq > s.lastSeq {
			s.lastSeq = seq
		}
	}

	switch ev := e.(type) {
	case *events.DebateStarted:
		s.status = "active"
	case *events.TurnStarted:
		entry := s.entryLocked(ev.TurnID)
		entry.TurnIndex = ev.TurnIndex
		entry.Speaker = ev.Speaker
		entry.TurnType = ev.TurnType
		entry.Streaming = true
		entry.InterruptReason = ""
	case *events.TurnStreaming:
		entry := s.entryLocked(ev.TurnID)
		entry.Speaker = ev.Speaker
		entry.Streaming = true
		entry.Content += ev.Chunk
	case *events.TurnCompleted:
		// The authoritative final content replaces whatever chunk
		// concatenation accumulated, guarding against client-side drift.
		entry := s.entryLocked(ev.TurnID)
		entry.Speaker = ev.Speaker
		entry.Content = ev.Content
		entry.TokenCount = ev.TokenCount
		entry.Streaming = false
		entry.Completed = true
		entry.InterruptReason = ""
	case *events.TurnInterrupted:
		entry := s.entryLocked(ev.TurnID)
		entry.Streaming = false
		entry.InterruptReason = ev.Reason
		// The interruption frame carries the full partial including content
		// that never made it into a chunk flush.
		if len(ev.PartialContent) >= len(entry.Content) {
			entry.Content = ev.PartialContent
		}
	case *events.TurnResumed:
		entry := s.entryLocked(ev.TurnID)
		entry.Streaming = true
		entry.InterruptReason = ""
	case *events.TurnError:
		entry := s.entryLocked(ev.TurnID)
		entry.Streaming = false
		s.notices = append(s.notices, Notice{Type: ev.Type, Message: ev.ErrorString})
	case *events.ViolationDetected:
		s.notices = append(s.notices, Notice{Type: ev.Type, Message: ev.Rule + ": " + ev.Detail})
	case *events.Intervention:
		s.notices = append(s.notices, Notice{Type: ev.Type, Message: ev.Message})
	case *events.BudgetWarning:
		s.notices = append(s.notices, Notice{Type: ev.Type, Message: "token budget nearly exhausted"})
	case *events.ProgressUpdate:
		cp := *ev
		s.progress = &cp
	case *events.DebateCompleted:
		s.status = "completed"
	case *events.DebateCancelled:
		s.status = "cancelled"
	case *events.DebateError:
		s.status = "error"
		s.notices = append(s.notices, Notice{Type: ev.Type, Message: ev.ErrorString})
	default:
		log.Debug().
			Str("component", "viewstate").
			Str("event_type", string(e.EventType())).
			Msg("ignoring unhandled event type")
	}
}

func (s *Store) entryLocked(turnID string) *Entry {
	if entry, ok := s.entries[turnID]; ok {
		return entry
	}
	entry := &Entry{TurnID: turnID}
	s.entries[turnID] = entry
	s.order = append(s.order, turnID)
	return entry
}

// Entries returns a copy of all turn entries in arrival order.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Entry, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.entries[id])
	}
	return out
}

// Entry returns one turn's state by id.
func (s *Store) Entry(turnID string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.entries[turnID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// LastSeq is the highest event sequence number observed, the anchor for
// catch-up reads after an outage.
func (s *Store) LastSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSeq
}

// Status is the debate-level status as observed from events.
func (s *Store) Status() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Progress returns the latest progress counters, if any arrived.
func (s *Store) Progress() *events.ProgressUpdate {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.progress == nil {
		return nil
	}
	cp := *s.progress
	return &cp
}

// Notices returns accumulated out-of-band notices.
func (s *Store) Notices() []Notice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Notice(nil), s.notices...)
}
