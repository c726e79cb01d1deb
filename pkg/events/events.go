package events

import (
	"time"

	"github.com/go-go-golems/podium/pkg/script"
)

// EventType discriminates the wire payload of an event frame.
type EventType string

const (
	TypeDebateStarted     EventType = "debate_started"
	TypeTurnStarted       EventType = "turn_started"
	TypeTurnStreaming     EventType = "turn_streaming"
	TypeTurnCompleted     EventType = "turn_completed"
	TypeTurnInterrupted   EventType = "turn_interrupted"
	TypeTurnResumed       EventType = "turn_resumed"
	TypeTurnError         EventType = "turn_error"
	TypeViolationDetected EventType = "violation_detected"
	TypeIntervention      EventType = "intervention"
	TypeProgressUpdate    EventType = "progress_update"
	TypeBudgetWarning     EventType = "budget_warning"
	TypeDebateCompleted   EventType = "debate_completed"
	TypeDebateCancelled   EventType = "debate_cancelled"
	TypeDebateError       EventType = "debate_error"
)

// InterruptReason tags a modeled interruption. Unexpected failures use
// turn_error instead and never carry a reason.
type InterruptReason string

const (
	ReasonPaused    InterruptReason = "paused"
	ReasonCancelled InterruptReason = "cancelled"
)

// Meta carries the fields common to every event frame. Seq is stamped by the
// event bus just before publication and is strictly increasing per debate.
type Meta struct {
	Type      EventType `json:"type"`
	DebateID  string    `json:"debateId"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq,omitempty"`
}

// Event is implemented by every orchestration event. Events are immutable
// once emitted; Metadata returns a pointer only so the bus can stamp
// timestamp and sequence number prior to emission.
type Event interface {
	EventType() EventType
	Metadata() *Meta
}

func (m *Meta) EventType() EventType { return m.Type }
func (m *Meta) Metadata() *Meta      { return m }

func newMeta(t EventType, debateID string) Meta {
	return Meta{Type: t, DebateID: debateID}
}

type DebateStarted struct {
	Meta
	Topic      string `json:"topic,omitempty"`
	TotalTurns int    `json:"totalTurns"`
}

func NewDebateStarted(debateID, topic string, totalTurns int) *DebateStarted {
	return &DebateStarted{Meta: newMeta(TypeDebateStarted, debateID), Topic: topic, TotalTurns: totalTurns}
}

type TurnStarted struct {
	Meta
	TurnID    string          `json:"turnId"`
	TurnIndex int             `json:"turnIndex"`
	Speaker   script.Speaker  `json:"speaker"`
	TurnType  script.TurnType `json:"turnType"`
	Provider  string          `json:"provider,omitempty"`
}

func NewTurnStarted(debateID string, turn script.TurnConfig, turnID string) *TurnStarted {
	return &TurnStarted{
		Meta:      newMeta(TypeTurnStarted, debateID),
		TurnID:    turnID,
		TurnIndex: turn.Index,
		Speaker:   turn.Speaker,
		TurnType:  turn.Type,
		Provider:  turn.Provider,
	}
}

type TurnStreaming struct {
	Meta
	TurnID  string         `json:"turnId"`
	Speaker script.Speaker `json:"speaker"`
	Chunk   string         `json:"chunk"`
	// AccumulatedLength is the total streamed length including this chunk,
	// letting clients detect drift without re-counting.
	AccumulatedLength int `json:"accumulatedLength"`
}

func NewTurnStreaming(debateID, turnID string, speaker script.Speaker, chunk string, accumulated int) *TurnStreaming {
	return &TurnStreaming{
		Meta:              newMeta(TypeTurnStreaming, debateID),
		TurnID:            turnID,
		Speaker:           speaker,
		Chunk:             chunk,
		AccumulatedLength: accumulated,
	}
}

type TurnCompleted struct {
	Meta
	TurnID     string         `json:"turnId"`
	Speaker    script.Speaker `json:"speaker"`
	Content    string         `json:"content"`
	TokenCount int            `json:"tokenCount"`
}

func NewTurnCompleted(debateID, turnID string, speaker script.Speaker, content string, tokenCount int) *TurnCompleted {
	return &TurnCompleted{
		Meta:       newMeta(TypeTurnCompleted, debateID),
		TurnID:     turnID,
		Speaker:    speaker,
		Content:    content,
		TokenCount: tokenCount,
	}
}

type TurnInterrupted struct {
	Meta
	TurnID         string          `json:"turnId"`
	Speaker        script.Speaker  `json:"speaker"`
	PartialContent string          `json:"partialContent"`
	Reason         InterruptReason `json:"reason"`
}

func NewTurnInterrupted(debateID, turnID string, speaker script.Speaker, partial string, reason InterruptReason) *TurnInterrupted {
	return &TurnInterrupted{
		Meta:           newMeta(TypeTurnInterrupted, debateID),
		TurnID:         turnID,
		Speaker:        speaker,
		PartialContent: partial,
		Reason:         reason,
	}
}

type TurnResumed struct {
	Meta
	TurnID  string         `json:"turnId"`
	Speaker script.Speaker `json:"speaker"`
	// PartialLength is the length of the previously streamed content the
	// generation continues from.
	PartialLength int `json:"partialLength"`
}

func NewTurnResumed(debateID, turnID string, speaker script.Speaker, partialLength int) *TurnResumed {
	return &TurnResumed{
		Meta:          newMeta(TypeTurnResumed, debateID),
		TurnID:        turnID,
		Speaker:       speaker,
		PartialLength: partialLength,
	}
}

type TurnError struct {
	Meta
	TurnID      string         `json:"turnId"`
	Speaker     script.Speaker `json:"speaker"`
	ErrorString string         `json:"error"`
}

func NewTurnError(debateID, turnID string, speaker script.Speaker, err error) *TurnError {
	e := &TurnError{Meta: newMeta(TypeTurnError, debateID), TurnID: turnID, Speaker: speaker}
	if err != nil {
		e.ErrorString = err.Error()
	}
	return e
}

type ViolationDetected struct {
	Meta
	TurnID  string         `json:"turnId"`
	Speaker script.Speaker `json:"speaker"`
	Rule    string         `json:"rule"`
	Detail  string         `json:"detail,omitempty"`
}

type Intervention struct {
	Meta
	TurnID  string `json:"turnId,omitempty"`
	Message string `json:"message"`
}

type ProgressUpdate struct {
	Meta
	CurrentTurn           int     `json:"currentTurn"`
	TotalTurns            int     `json:"totalTurns"`
	PercentComplete       float64 `json:"percentComplete"`
	DebaterTurnsCompleted int     `json:"debaterTurnsCompleted"`
	DebaterTurnsTotal     int     `json:"debaterTurnsTotal"`
}

type BudgetWarning struct {
	Meta
	TokensUsed  int `json:"tokensUsed"`
	TokenBudget int `json:"tokenBudget"`
}

type DebateCompleted struct {
	Meta
	TotalTurns  int `json:"totalTurns"`
	TotalTokens int `json:"totalTokens"`
}

type DebateCancelled struct {
	Meta
	Reason string `json:"reason,omitempty"`
}

type DebateError struct {
	Meta
	ErrorString string `json:"error"`
}

func NewDebateError(debateID string, err error) *DebateError {
	e := &DebateError{Meta: newMeta(TypeDebateError, debateID)}
	if err != nil {
		e.ErrorString = err.Error()
	}
	return e
}
