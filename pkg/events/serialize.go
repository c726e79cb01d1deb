package events

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// ToJSON encodes an event as a flat JSON frame with a `type` discriminator.
func ToJSON(e Event) ([]byte, error) {
	if e == nil {
		return nil, errors.New("event is nil")
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal event %s", e.EventType())
	}
	return b, nil
}

// ErrUnknownEventType is wrapped by NewEventFromJSON for frames whose `type`
// field matches no known event.
var ErrUnknownEventType = errors.New("unknown event type")

// NewEventFromJSON decodes a single event frame, dispatching on the `type`
// discriminator. Frames with an unknown type return ErrUnknownEventType so
// callers can log and drop them without terminating a subscription.
func NewEventFromJSON(b []byte) (Event, error) {
	var peek struct {
		Type EventType `json:"type"`
	}
	if err := json.Unmarshal(b, &peek); err != nil {
		return nil, errors.Wrap(err, "peek event type")
	}

	var e Event
	switch peek.Type {
	case TypeDebateStarted:
		e = &DebateStarted{}
	case TypeTurnStarted:
		e = &TurnStarted{}
	case TypeTurnStreaming:
		e = &TurnStreaming{}
	case TypeTurnCompleted:
		e = &TurnCompleted{}
	case TypeTurnInterrupted:
		e = &TurnInterrupted{}
	case TypeTurnResumed:
		e = &TurnResumed{}
	case TypeTurnError:
		e = &TurnError{}
	case TypeViolationDetected:
		e = &ViolationDetected{}
	case TypeIntervention:
		e = &Intervention{}
	case TypeProgressUpdate:
		e = &ProgressUpdate{}
	case TypeBudgetWarning:
		e = &BudgetWarning{}
	case TypeDebateCompleted:
		e = &DebateCompleted{}
	case TypeDebateCancelled:
		e = &DebateCancelled{}
	case TypeDebateError:
		e = &DebateError{}
	default:
		return nil, errors.Wrapf(ErrUnknownEventType, "%q", peek.Type)
	}
	if err := json.Unmarshal(b, e); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s event", peek.Type)
	}
	return e, nil
}
