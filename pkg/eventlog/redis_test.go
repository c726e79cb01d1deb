package eventlog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/script"
)

func frameJSON(t *testing.T) string {
	t.Helper()
	e := events.NewTurnCompleted("d1", "d1:turn:0", script.SpeakerFor, "done", 4)
	e.Metadata().Seq = 11
	b, err := events.ToJSON(e)
	require.NoError(t, err)
	return string(b)
}

func TestDecodeStreamEntryEventField(t *testing.T) {
	se, err := decodeStreamEntry("1-0", map[string]interface{}{"event": frameJSON(t), "seq": "11"})
	require.NoError(t, err)
	require.Equal(t, "1-0", se.ID)
	require.EqualValues(t, 11, se.Seq)
	require.Equal(t, events.TypeTurnCompleted, se.Event.EventType())
}

func TestDecodeStreamEntryAlternateFields(t *testing.T) {
	for _, field := range []string{"payload", "data"} {
		se, err := decodeStreamEntry("2-0", map[string]interface{}{field: frameJSON(t)})
		require.NoError(t, err, "field %q", field)
		require.Equal(t, events.TypeTurnCompleted, se.Event.EventType())
	}

	// Byte slices decode the same as strings.
	se, err := decodeStreamEntry("3-0", map[string]interface{}{"event": []byte(frameJSON(t))})
	require.NoError(t, err)
	require.Equal(t, events.TypeTurnCompleted, se.Event.EventType())
}

func TestDecodeStreamEntryFlattenedFields(t *testing.T) {
	se, err := decodeStreamEntry("4-0", map[string]interface{}{
		"type":     string(events.TypeDebateCancelled),
		"debateId": "d1",
		"reason":   "operator request",
	})
	require.NoError(t, err)
	cancelled, ok := se.Event.(*events.DebateCancelled)
	require.True(t, ok)
	require.Equal(t, "operator request", cancelled.Reason)
}

func TestDecodeStreamEntryRejectsUnknownShapes(t *testing.T) {
	_, err := decodeStreamEntry("5-0", map[string]interface{}{})
	require.Error(t, err)

	_, err = decodeStreamEntry("5-1", map[string]interface{}{"event": 42})
	require.Error(t, err)

	_, err = decodeStreamEntry("5-2", map[string]interface{}{"unrelated": "value"})
	require.Error(t, err)

	_, err = decodeStreamEntry("5-3", map[string]interface{}{"event": `{"type":"turn_telepathy"}`})
	require.Error(t, err)
}
