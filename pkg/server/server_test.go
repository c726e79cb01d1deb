package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/podium/pkg/bus"
	"github.com/go-go-golems/podium/pkg/emitter"
	"github.com/go-go-golems/podium/pkg/engine"
	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/events"
	"github.com/go-go-golems/podium/pkg/script"
	"github.com/go-go-golems/podium/pkg/sequencer"
)

type serverFixture struct {
	server   *Server
	httpSrv  *httptest.Server
	bus      *bus.DebateBus
	logStore *eventlog.MemoryStore
}

func newFixture(t *testing.T, provider engine.Provider) *serverFixture {
	t.Helper()
	backend := bus.NewMemoryBackend()
	t.Cleanup(func() { _ = backend.Close() })
	logStore := eventlog.NewMemoryStore()
	debateBus, err := bus.NewDebateBus(backend.Publisher(), logStore)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	srv, err := New(Config{
		BaseCtx:         ctx,
		Backend:         backend,
		Bus:             debateBus,
		LogStore:        logStore,
		Snapshots:       sequencer.NewMemorySnapshotStore(),
		DefaultProvider: provider,
		Emitter:         emitter.Options{FlushInterval: 10 * time.Millisecond, MaxBatchSize: 64},
	})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return &serverFixture{server: srv, httpSrv: httpSrv, bus: debateBus, logStore: logStore}
}

func (f *serverFixture) post(t *testing.T, path string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(f.httpSrv.URL+path, "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *serverFixture) getJSON(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := http.Get(f.httpSrv.URL + path)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *serverFixture) debateStatus(t *testing.T, debateID string) string {
	t.Helper()
	var state struct {
		Status string `json:"status"`
	}
	if code := f.getJSON(t, "/debate/"+debateID+"/state", &state); code != http.StatusOK {
		return ""
	}
	return state.Status
}

func TestStartRunsDebateToCompletion(t *testing.T) {
	f := newFixture(t, engine.NewScriptedProvider("scripted", 0))

	resp := f.post(t, "/debate/d1/start", map[string]any{
		"topic":        "testing is worth the time",
		"turnsPerSide": 1,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		return f.debateStatus(t, "d1") == string(sequencer.StatusCompleted)
	}, 5*time.Second, 10*time.Millisecond)

	var payload struct {
		Events []struct {
			ID    string          `json:"id"`
			Seq   uint64          `json:"seq"`
			Event json.RawMessage `json:"event"`
		} `json:"events"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/debate/d1/events", &payload))
	require.NotEmpty(t, payload.Events)

	first, err := events.NewEventFromJSON(payload.Events[0].Event)
	require.NoError(t, err)
	require.Equal(t, events.TypeDebateStarted, first.EventType())
	last, err := events.NewEventFromJSON(payload.Events[len(payload.Events)-1].Event)
	require.NoError(t, err)
	require.Equal(t, events.TypeDebateCompleted, last.EventType())
}

func TestStartRejectsBadRequests(t *testing.T) {
	f := newFixture(t, engine.NewScriptedProvider("scripted", 0))

	resp := f.post(t, "/debate/d1/start", map[string]any{"turnsPerSide": 0})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err := http.Post(f.httpSrv.URL+"/debate/d1/start", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPauseResumeAndCancelFlow(t *testing.T) {
	f := newFixture(t, engine.NewScriptedProvider("scripted", 5*time.Millisecond))

	resp := f.post(t, "/debate/d2/start", map[string]any{
		"topic":        "slow and steady",
		"turnsPerSide": 4,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// A second start while running conflicts.
	require.Eventually(t, func() bool {
		return f.server.registry.Running("d2")
	}, 2*time.Second, 5*time.Millisecond)
	resp = f.post(t, "/debate/d2/start", map[string]any{"topic": "x", "turnsPerSide": 1})
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.post(t, "/debate/d2/pause", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return f.debateStatus(t, "d2") == string(sequencer.StatusPaused) &&
			!f.server.registry.Running("d2")
	}, 5*time.Second, 10*time.Millisecond)

	// Pause again: nothing is running anymore.
	resp = f.post(t, "/debate/d2/pause", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = f.post(t, "/debate/d2/resume", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return f.server.registry.Running("d2")
	}, 2*time.Second, 5*time.Millisecond)

	resp = f.post(t, "/debate/d2/cancel", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Eventually(t, func() bool {
		return f.debateStatus(t, "d2") == string(sequencer.StatusCancelled)
	}, 5*time.Second, 10*time.Millisecond)

	// Cancelled is terminal: the snapshot is not resumable.
	resp = f.post(t, "/debate/d2/resume", nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestStateUnknownDebateIs404(t *testing.T) {
	f := newFixture(t, engine.NewScriptedProvider("scripted", 0))
	require.Equal(t, http.StatusNotFound, f.getJSON(t, "/debate/nope/state", nil))

	resp := f.post(t, "/debate/nope/pause", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp = f.post(t, "/debate/nope/resume", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEventsEndpointQueriesAndDelete(t *testing.T) {
	f := newFixture(t, engine.NewScriptedProvider("scripted", 0))
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, f.bus.Publish(ctx, events.NewTurnStreaming("d3", "t0", script.SpeakerFor, fmt.Sprintf("c%d ", i), 0)))
	}

	var payload struct {
		Events []struct {
			Seq uint64 `json:"seq"`
		} `json:"events"`
	}
	require.Equal(t, http.StatusOK, f.getJSON(t, "/debate/d3/events", &payload))
	require.Len(t, payload.Events, 5)

	payload.Events = nil
	require.Equal(t, http.StatusOK, f.getJSON(t, "/debate/d3/events?after_seq=3", &payload))
	require.Len(t, payload.Events, 2)
	require.EqualValues(t, 4, payload.Events[0].Seq)

	payload.Events = nil
	require.Equal(t, http.StatusOK, f.getJSON(t, "/debate/d3/events?last=2", &payload))
	require.Len(t, payload.Events, 2)
	require.EqualValues(t, 5, payload.Events[1].Seq)

	require.Equal(t, http.StatusBadRequest, f.getJSON(t, "/debate/d3/events?after_seq=notanumber", nil))

	req, err := http.NewRequest(http.MethodDelete, f.httpSrv.URL+"/debate/d3/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	payload.Events = nil
	require.Equal(t, http.StatusOK, f.getJSON(t, "/debate/d3/events", &payload))
	require.Empty(t, payload.Events)
}

func TestStreamPushesLiveFrames(t *testing.T) {
	f := newFixture(t, engine.NewScriptedProvider("scripted", 0))

	wsURL := "ws" + strings.TrimPrefix(f.httpSrv.URL, "http") + "/debate/d4/stream"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	require.Eventually(t, func() bool {
		return f.server.Hub().ViewerCount("d4") == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.bus.Publish(context.Background(), events.NewTurnStreaming("d4", "t0", script.SpeakerFor, "live!", 5)))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := conn.ReadMessage()
	require.NoError(t, err)
	decoded, err := events.NewEventFromJSON(frame)
	require.NoError(t, err)
	require.Equal(t, events.TypeTurnStreaming, decoded.EventType())
	require.Equal(t, "live!", decoded.(*events.TurnStreaming).Chunk)
}

func TestHealthz(t *testing.T) {
	f := newFixture(t, engine.NewScriptedProvider("scripted", 0))
	resp, err := http.Get(f.httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
