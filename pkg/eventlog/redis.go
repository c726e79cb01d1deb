package eventlog

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/podium/pkg/events"
)

// RedisStore backs the event log with one Redis stream per debate. Store
// failures degrade to logged no-ops: Append returns an empty id, reads return
// empty slices. Orchestration never blocks on the log.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration

	mu         sync.Mutex
	ttlApplied map[string]bool
}

type RedisStoreOptions struct {
	// KeyPrefix defaults to "debate:log:".
	KeyPrefix string
	// Retention defaults to 24 hours; applied lazily the first time a
	// debate's stream is written.
	Retention time.Duration
}

func NewRedisStore(client redis.UniversalClient, opts RedisStoreOptions) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("redis client is nil")
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = "debate:log:"
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &RedisStore{
		client:     client,
		keyPrefix:  opts.KeyPrefix,
		retention:  opts.Retention,
		ttlApplied: map[string]bool{},
	}, nil
}

func (s *RedisStore) key(debateID string) string { return s.keyPrefix + debateID }

func (s *RedisStore) Append(ctx context.Context, debateID string, e events.Event) (string, error) {
	if debateID == "" {
		return "", errors.New("debate id is empty")
	}
	if e == nil {
		return "", errors.New("event is nil")
	}
	payload, err := events.ToJSON(e)
	if err != nil {
		return "", err
	}
	id, err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(debateID),
		Values: map[string]interface{}{
			"event": string(payload),
			"seq":   strconv.FormatUint(e.Metadata().Seq, 10),
		},
	}).Result()
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "eventlog").
			Str("debate_id", debateID).
			Str("event_type", string(e.EventType())).
			Msg("event log append degraded to no-op")
		return "", nil
	}
	s.applyRetention(ctx, debateID)
	return id, nil
}

// applyRetention sets the stream TTL on the first successful write per
// debate in this process.
func (s *RedisStore) applyRetention(ctx context.Context, debateID string) {
	s.mu.Lock()
	applied := s.ttlApplied[debateID]
	if !applied {
		s.ttlApplied[debateID] = true
	}
	s.mu.Unlock()
	if applied {
		return
	}
	if err := s.client.Expire(ctx, s.key(debateID), s.retention).Err(); err != nil {
		log.Warn().
			Err(err).
			Str("component", "eventlog").
			Str("debate_id", debateID).
			Msg("failed to apply event log retention")
	}
}

func (s *RedisStore) rangeEvents(ctx context.Context, debateID, start, stop string) []StoredEvent {
	msgs, err := s.client.XRange(ctx, s.key(debateID), start, stop).Result()
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "eventlog").
			Str("debate_id", debateID).
			Msg("event log read degraded to empty result")
		return nil
	}
	return s.decodeMessages(debateID, msgs)
}

func (s *RedisStore) decodeMessages(debateID string, msgs []redis.XMessage) []StoredEvent {
	out := make([]StoredEvent, 0, len(msgs))
	for _, m := range msgs {
		se, err := decodeStreamEntry(m.ID, m.Values)
		if err != nil {
			log.Warn().
				Err(err).
				Str("component", "eventlog").
				Str("debate_id", debateID).
				Str("entry_id", m.ID).
				Msg("skipping undecodable event log entry")
			continue
		}
		out = append(out, *se)
	}
	return out
}

func (s *RedisStore) Events(ctx context.Context, debateID string) ([]StoredEvent, error) {
	return s.rangeEvents(ctx, debateID, "-", "+"), nil
}

func (s *RedisStore) EventsSince(ctx context.Context, debateID, id string) ([]StoredEvent, error) {
	if id == "" {
		return s.Events(ctx, debateID)
	}
	return s.rangeEvents(ctx, debateID, "("+id, "+"), nil
}

func (s *RedisStore) EventsAfterTimestamp(ctx context.Context, debateID string, ts time.Time) ([]StoredEvent, error) {
	start := fmt.Sprintf("%d-0", ts.UnixMilli()+1)
	return s.rangeEvents(ctx, debateID, start, "+"), nil
}

func (s *RedisStore) EventsAfterSeq(ctx context.Context, debateID string, seq uint64, limit int) ([]StoredEvent, error) {
	all := s.rangeEvents(ctx, debateID, "-", "+")
	out := make([]StoredEvent, 0, len(all))
	for _, se := range all {
		if se.Seq <= seq {
			continue
		}
		out = append(out, se)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) LastEvents(ctx context.Context, debateID string, n int) ([]StoredEvent, error) {
	if n <= 0 {
		return nil, nil
	}
	msgs, err := s.client.XRevRangeN(ctx, s.key(debateID), "+", "-", int64(n)).Result()
	if err != nil {
		log.Warn().
			Err(err).
			Str("component", "eventlog").
			Str("debate_id", debateID).
			Msg("event log read degraded to empty result")
		return nil, nil
	}
	// XRevRange returns newest first; replay consumers expect chronological
	// order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return s.decodeMessages(debateID, msgs), nil
}

func (s *RedisStore) LastEventID(ctx context.Context, debateID string) (string, error) {
	msgs, err := s.client.XRevRangeN(ctx, s.key(debateID), "+", "-", 1).Result()
	if err != nil || len(msgs) == 0 {
		return "", nil
	}
	return msgs[0].ID, nil
}

func (s *RedisStore) Count(ctx context.Context, debateID string) (int64, error) {
	n, err := s.client.XLen(ctx, s.key(debateID)).Result()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

func (s *RedisStore) HasEvents(ctx context.Context, debateID string) (bool, error) {
	n, _ := s.Count(ctx, debateID)
	return n > 0, nil
}

func (s *RedisStore) Delete(ctx context.Context, debateID string) error {
	s.mu.Lock()
	delete(s.ttlApplied, debateID)
	s.mu.Unlock()
	if err := s.client.Del(ctx, s.key(debateID)).Err(); err != nil {
		return errors.Wrap(err, "delete event log")
	}
	return nil
}

// decodeStreamEntry decodes one stored entry, enumerating the known field
// shapes a stream client may hand back:
//
//  1. the payload under an "event" field (what this store writes),
//  2. the payload under a "payload" or "data" field (watermill-marshalled
//     entries share the stream key space in older deployments),
//  3. the event fields flattened directly into the entry values.
//
// Anything else is a typed decode error; the caller logs and skips the entry.
func decodeStreamEntry(id string, values map[string]interface{}) (*StoredEvent, error) {
	if len(values) == 0 {
		return nil, errors.Errorf("entry %s has no fields", id)
	}
	for _, field := range []string{"event", "payload", "data"} {
		raw, ok := values[field]
		if !ok {
			continue
		}
		b, ok := rawBytes(raw)
		if !ok {
			return nil, errors.Errorf("entry %s field %q has unsupported type %T", id, field, raw)
		}
		return storedFromJSON(id, b)
	}
	if _, ok := values["type"]; ok {
		b, err := json.Marshal(values)
		if err != nil {
			return nil, errors.Wrapf(err, "entry %s: re-encode flattened fields", id)
		}
		return storedFromJSON(id, b)
	}
	return nil, errors.Errorf("entry %s matches no known shape", id)
}

func rawBytes(v interface{}) ([]byte, bool) {
	switch t := v.(type) {
	case string:
		return []byte(t), true
	case []byte:
		return t, true
	default:
		return nil, false
	}
}

func storedFromJSON(id string, b []byte) (*StoredEvent, error) {
	e, err := events.NewEventFromJSON(b)
	if err != nil {
		return nil, err
	}
	return &StoredEvent{ID: id, Seq: e.Metadata().Seq, Event: e}, nil
}
