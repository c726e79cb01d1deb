package sequencer

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/script"
)

// Status is the lifecycle state of one debate's sequencer.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// IsTerminal reports whether no further turn may be recorded.
func (s Status) IsTerminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusError
}

// CompletedTurn is the immutable record of one finished (or cancelled) turn.
type CompletedTurn struct {
	TurnID     string          `json:"turnId"`
	Index      int             `json:"index"`
	Speaker    script.Speaker  `json:"speaker"`
	Type       script.TurnType `json:"type"`
	Provider   string          `json:"provider"`
	Content    string          `json:"content"`
	TokenCount int             `json:"tokenCount"`
	StartedAt  time.Time       `json:"startedAt"`
	EndedAt    time.Time       `json:"endedAt"`
}

// State is the sole unit of crash-recoverable sequencer state. It is
// persisted as a snapshot after every mutation and fed back to FromState to
// resume after a process restart.
type State struct {
	DebateID     string              `json:"debateId"`
	Topic        string              `json:"topic,omitempty"`
	Script       []script.TurnConfig `json:"script"`
	CurrentIndex int                 `json:"currentIndex"`
	Completed    []CompletedTurn     `json:"completed"`
	Status       Status              `json:"status"`
	// PartialContent holds unflushed content from an interrupted turn so a
	// resume continues generation instead of restarting it.
	PartialContent string `json:"partialContent,omitempty"`
	ErrorDetail    string `json:"errorDetail,omitempty"`
}

// Progress summarizes script position. Moderator turns are excluded from the
// debater counters.
type Progress struct {
	CurrentTurn           int     `json:"currentTurn"`
	TotalTurns            int     `json:"totalTurns"`
	PercentComplete       float64 `json:"percentComplete"`
	DebaterTurnsCompleted int     `json:"debaterTurnsCompleted"`
	DebaterTurnsTotal     int     `json:"debaterTurnsTotal"`
}

// Sequencer owns the script of turns, current position, recorded results and
// terminal status for one debate. It is pure bookkeeping: it never calls the
// generation backend itself.
type Sequencer struct {
	mu    sync.Mutex
	state State
}

// New creates a sequencer at the start of the given script.
func New(debateID, topic string, turns []script.TurnConfig) (*Sequencer, error) {
	if debateID == "" {
		return nil, errors.New("debate id is empty")
	}
	if len(turns) == 0 {
		return nil, errors.New("script is empty")
	}
	return &Sequencer{state: State{
		DebateID: debateID,
		Topic:    topic,
		Script:   append([]script.TurnConfig(nil), turns...),
		Status:   StatusPending,
	}}, nil
}

// FromState reconstructs a sequencer from a persisted snapshot. This is the
// only way to resume after a process restart.
func FromState(s State) (*Sequencer, error) {
	if s.DebateID == "" {
		return nil, errors.New("snapshot has no debate id")
	}
	if len(s.Script) == 0 {
		return nil, errors.New("snapshot has no script")
	}
	if s.CurrentIndex < 0 || s.CurrentIndex > len(s.Script) {
		return nil, errors.Errorf("snapshot index %d out of range [0,%d]", s.CurrentIndex, len(s.Script))
	}
	if s.Status == "" {
		s.Status = StatusPending
	}
	return &Sequencer{state: cloneState(s)}, nil
}

// CurrentTurn returns the next turn to execute, or nil when the script is
// exhausted.
func (s *Sequencer) CurrentTurn() *script.TurnConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.CurrentIndex >= len(s.state.Script) {
		return nil
	}
	t := s.state.Script[s.state.CurrentIndex]
	return &t
}

// RecordTurn appends a completed turn and advances the index. It is a logged
// no-op once the status is terminal. Recording the last scripted turn moves
// the status to completed.
func (s *Sequencer) RecordTurn(t CompletedTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.IsTerminal() {
		log.Warn().
			Str("component", "sequencer").
			Str("debate_id", s.state.DebateID).
			Str("status", string(s.state.Status)).
			Str("turn_id", t.TurnID).
			Msg("record turn rejected: status is terminal")
		return
	}
	if s.state.CurrentIndex >= len(s.state.Script) {
		log.Warn().
			Str("component", "sequencer").
			Str("debate_id", s.state.DebateID).
			Str("turn_id", t.TurnID).
			Msg("record turn rejected: script exhausted")
		return
	}
	t.Index = s.state.CurrentIndex
	s.state.Completed = append(s.state.Completed, t)
	s.state.CurrentIndex++
	s.state.PartialContent = ""
	if s.state.CurrentIndex >= len(s.state.Script) {
		s.state.Status = StatusCompleted
	}
}

// Cancel records the interrupted turn with whatever partial content exists
// as its final content and moves the sequencer to the permanently terminal
// cancelled status. No resume is possible afterwards.
func (s *Sequencer) Cancel(t CompletedTurn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.IsTerminal() {
		log.Warn().
			Str("component", "sequencer").
			Str("debate_id", s.state.DebateID).
			Str("status", string(s.state.Status)).
			Msg("cancel rejected: status is terminal")
		return
	}
	if s.state.CurrentIndex < len(s.state.Script) {
		t.Index = s.state.CurrentIndex
		s.state.Completed = append(s.state.Completed, t)
		s.state.CurrentIndex++
	}
	s.state.PartialContent = ""
	s.state.Status = StatusCancelled
}

// SetPartialContent stashes unflushed content for a turn being interrupted.
func (s *Sequencer) SetPartialContent(content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.PartialContent = content
}

// PartialContent returns the stored continuation content for the current turn.
func (s *Sequencer) PartialContent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.PartialContent
}

// SetStatus moves the sequencer to a new status. A terminal status is sticky:
// further transitions are logged no-ops.
func (s *Sequencer) SetStatus(status Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.IsTerminal() && status != s.state.Status {
		log.Warn().
			Str("component", "sequencer").
			Str("debate_id", s.state.DebateID).
			Str("status", string(s.state.Status)).
			Str("requested", string(status)).
			Msg("status transition rejected: status is terminal")
		return
	}
	s.state.Status = status
}

// Fail moves the sequencer to the terminal error status, recording detail for
// external investigation.
func (s *Sequencer) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Status.IsTerminal() {
		return
	}
	s.state.Status = StatusError
	if err != nil {
		s.state.ErrorDetail = err.Error()
	}
}

// Status returns the current lifecycle status.
func (s *Sequencer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Status
}

// IsComplete reports whether the script is exhausted.
func (s *Sequencer) IsComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.CurrentIndex >= len(s.state.Script)
}

// Progress returns script position counters.
func (s *Sequencer) Progress() Progress {
	s.mu.Lock()
	defer s.mu.Unlock()

	p := Progress{
		CurrentTurn: s.state.CurrentIndex,
		TotalTurns:  len(s.state.Script),
	}
	if p.TotalTurns > 0 {
		p.PercentComplete = float64(p.CurrentTurn) / float64(p.TotalTurns) * 100
	}
	for _, t := range s.state.Script {
		if t.Speaker.IsDebater() {
			p.DebaterTurnsTotal++
		}
	}
	for _, t := range s.state.Completed {
		if t.Speaker.IsDebater() {
			p.DebaterTurnsCompleted++
		}
	}
	return p
}

// CompletedTurns returns a copy of the recorded turns in script order.
func (s *Sequencer) CompletedTurns() []CompletedTurn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CompletedTurn(nil), s.state.Completed...)
}

// TotalTokens sums the token counts of all recorded turns.
func (s *Sequencer) TotalTokens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, t := range s.state.Completed {
		total += t.TokenCount
	}
	return total
}

// Snapshot returns a deep copy of the current state for persistence.
func (s *Sequencer) Snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneState(s.state)
}

func cloneState(s State) State {
	out := s
	out.Script = append([]script.TurnConfig(nil), s.Script...)
	out.Completed = append([]CompletedTurn(nil), s.Completed...)
	return out
}
