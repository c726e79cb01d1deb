package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pkg/errors"

	"github.com/go-go-golems/podium/pkg/eventlog"
	"github.com/go-go-golems/podium/pkg/events"
)

// CatchupSource reads events missed during an outage. eventlog.Store
// satisfies it directly; remote viewers use HTTPCatchupSource.
type CatchupSource interface {
	EventsAfterSeq(ctx context.Context, debateID string, seq uint64, limit int) ([]eventlog.StoredEvent, error)
}

// Hydrate fills the gap between the locally observed sequence number and the
// durable log. It is the deliberate catch-up step after a reconnect; the live
// push channel never replays. Events the store already observed apply as
// no-ops, so overlap with live frames is harmless.
func (c *StreamClient) Hydrate(ctx context.Context, src CatchupSource) error {
	if src == nil {
		return errors.New("catchup source is nil")
	}
	since := c.cfg.Store.LastSeq()
	stored, err := src.EventsAfterSeq(ctx, c.cfg.DebateID, since, 0)
	if err != nil {
		return errors.Wrap(err, "catch-up read")
	}
	for _, se := range stored {
		if se.Event == nil {
			continue
		}
		c.cfg.Store.Apply(se.Event)
	}
	if len(stored) > 0 {
		c.logger.Info().
			Int("events", len(stored)).
			Uint64("since_seq", since).
			Msg("hydrated missed events")
	}
	return nil
}

// HTTPCatchupSource reads the server's catch-up endpoint
// (GET /debate/{debateId}/events) with a sequence anchor.
type HTTPCatchupSource struct {
	BaseURL string
	Client  *http.Client
}

func (s *HTTPCatchupSource) EventsAfterSeq(ctx context.Context, debateID string, seq uint64, limit int) ([]eventlog.StoredEvent, error) {
	httpClient := s.Client
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	url := fmt.Sprintf("%s/debate/%s/events?after_seq=%d", s.BaseURL, debateID, seq)
	if limit > 0 {
		url = fmt.Sprintf("%s&limit=%d", url, limit)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build catch-up request")
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "catch-up request")
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("catch-up request returned %s", resp.Status)
	}

	var payload struct {
		Events []struct {
			ID    string          `json:"id"`
			Seq   uint64          `json:"seq"`
			Event json.RawMessage `json:"event"`
		} `json:"events"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, errors.Wrap(err, "decode catch-up response")
	}

	out := make([]eventlog.StoredEvent, 0, len(payload.Events))
	for _, raw := range payload.Events {
		e, err := events.NewEventFromJSON(raw.Event)
		if err != nil {
			// One corrupt entry never fails the whole batch.
			continue
		}
		out = append(out, eventlog.StoredEvent{ID: raw.ID, Seq: raw.Seq, Event: e})
	}
	return out, nil
}
