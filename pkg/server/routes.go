package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/engine"
	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/script"
	"github.com/go-go-golems/podium/pkg/sequencer"
)

// StartDebateRequest is the control-plane payload for kicking off a debate.
type StartDebateRequest struct {
	Topic             string `json:"topic"`
	TurnsPerSide      int    `json:"turnsPerSide"`
	Moderated         bool   `json:"moderated"`
	CrossExamination  bool   `json:"crossExamination"`
	ProviderFor       string `json:"providerFor"`
	ProviderAgainst   string `json:"providerAgainst"`
	ProviderModerator string `json:"providerModerator"`
	TokenBudget       int    `json:"tokenBudget"`
}

// handleEvents serves the deliberate catch-up read over the event log. The
// caller anchors on either the store identifier (after_id), the embedded
// sequence number (after_seq) or asks for the last n events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	debateID := r.PathValue("debateId")
	ctx := r.Context()
	q := r.URL.Query()

	var (
		stored []eventlog.StoredEvent
		err    error
	)
	switch {
	case q.Get("after_id") != "":
		stored, err = s.cfg.LogStore.EventsSince(ctx, debateID, q.Get("after_id"))
	case q.Get("after_seq") != "":
		seq, perr := strconv.ParseUint(q.Get("after_seq"), 10, 64)
		if perr != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(perr, "parse after_seq"))
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		stored, err = s.cfg.LogStore.EventsAfterSeq(ctx, debateID, seq, limit)
	case q.Get("last") != "":
		n, perr := strconv.Atoi(q.Get("last"))
		if perr != nil {
			writeError(w, http.StatusBadRequest, errors.Wrap(perr, "parse last"))
			return
		}
		stored, err = s.cfg.LogStore.LastEvents(ctx, debateID, n)
	default:
		stored, err = s.cfg.LogStore.Events(ctx, debateID)
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if stored == nil {
		stored = []eventlog.StoredEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"debateId": debateID,
		"events":   stored,
	})
}

func (s *Server) handleDeleteEvents(w http.ResponseWriter, r *http.Request) {
	debateID := r.PathValue("debateId")
	if err := s.cfg.LogStore.Delete(r.Context(), debateID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"debateId": debateID, "deleted": true})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	debateID := r.PathValue("debateId")
	snap, err := s.cfg.Snapshots.Load(r.Context(), debateID)
	if err != nil {
		if errors.Is(err, sequencer.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	seq, err := sequencer.FromState(*snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"debateId": debateID,
		"status":   seq.Status(),
		"running":  s.registry.Running(debateID),
		"progress": seq.Progress(),
	})
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	debateID := r.PathValue("debateId")
	var req StartDebateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode start request"))
		return
	}
	if s.registry.Running(debateID) {
		writeError(w, http.StatusConflict, errors.New("debate is already running"))
		return
	}
	turns, err := script.Build(script.Format{
		Topic:             req.Topic,
		TurnsPerSide:      req.TurnsPerSide,
		CrossExamination:  req.CrossExamination,
		Moderated:         req.Moderated,
		ProviderFor:       req.ProviderFor,
		ProviderAgainst:   req.ProviderAgainst,
		ProviderModerator: req.ProviderModerator,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	seq, err := sequencer.New(debateID, req.Topic, turns)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.startLoop(debateID, req.Topic, seq, req.TokenBudget); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"debateId":   debateID,
		"status":     sequencer.StatusActive,
		"totalTurns": len(turns),
	})
}

// handleResume reconstructs a paused debate from its snapshot and re-enters
// the loop at the same turn index; stored partial content continues rather
// than restarts generation.
func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	debateID := r.PathValue("debateId")
	if s.registry.Running(debateID) {
		writeError(w, http.StatusConflict, errors.New("debate is already running"))
		return
	}
	snap, err := s.cfg.Snapshots.Load(r.Context(), debateID)
	if err != nil {
		if errors.Is(err, sequencer.ErrSnapshotNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	// Paused debates resume; an active snapshot means the owning process
	// died mid-turn and is equally recoverable.
	if snap.Status != sequencer.StatusPaused && snap.Status != sequencer.StatusActive {
		writeError(w, http.StatusConflict, errors.Errorf("debate status %s is not resumable", snap.Status))
		return
	}
	seq, err := sequencer.FromState(*snap)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if err := s.startLoop(debateID, snap.Topic, seq, 0); err != nil {
		writeError(w, http.StatusConflict, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"debateId": debateID,
		"status":   sequencer.StatusActive,
		"resumed":  true,
	})
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.signalAbort(w, r, func(ac *engine.AbortController) { ac.Pause() })
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.signalAbort(w, r, func(ac *engine.AbortController) { ac.Cancel() })
}

func (s *Server) signalAbort(w http.ResponseWriter, r *http.Request, signal func(*engine.AbortController)) {
	debateID := r.PathValue("debateId")
	ac, ok := s.registry.Lookup(debateID)
	if !ok {
		writeError(w, http.StatusNotFound, errors.New("no running loop for debate"))
		return
	}
	signal(ac)
	writeJSON(w, http.StatusAccepted, map[string]any{"debateId": debateID, "signalled": true})
}

// startLoop claims the debate and drives it on a background goroutine.
func (s *Server) startLoop(debateID, topic string, seq *sequencer.Sequencer, tokenBudget int) error {
	ac := engine.NewAbortController(s.cfg.BaseCtx)
	if !s.registry.Register(debateID, ac) {
		return errors.New("debate is already running")
	}
	loop, err := engine.NewLoop(engine.Config{
		DebateID:        debateID,
		Topic:           topic,
		Sequencer:       seq,
		Bus:             s.cfg.Bus,
		Snapshots:       s.cfg.Snapshots,
		Abort:           ac,
		Providers:       s.cfg.Providers,
		DefaultProvider: s.cfg.DefaultProvider,
		Emitter:         s.cfg.Emitter,
		TokenBudget:     tokenBudget,
	})
	if err != nil {
		s.registry.Unregister(debateID)
		return err
	}
	go func() {
		defer s.registry.Unregister(debateID)
		if err := loop.Run(s.cfg.BaseCtx); err != nil {
			log.Error().
				Err(err).
				Str("component", "server").
				Str("debate_id", debateID).
				Msg("engine loop exited with error")
		}
	}()
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Str("component", "server").Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]any{"error": err.Error()})
}
