package sequencer

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// SnapshotStore persists sequencer state after every mutation so a crashed or
// cold-started engine loop can reconstruct exact position via FromState.
type SnapshotStore interface {
	Save(ctx context.Context, state State) error
	Load(ctx context.Context, debateID string) (*State, error)
	Delete(ctx context.Context, debateID string) error
}

// ErrSnapshotNotFound is returned by Load when no snapshot exists.
var ErrSnapshotNotFound = errors.New("sequencer snapshot not found")

// MemorySnapshotStore keeps snapshots in process memory. Used when no Redis
// is configured and in tests.
type MemorySnapshotStore struct {
	mu        sync.Mutex
	snapshots map[string]State
}

func NewMemorySnapshotStore() *MemorySnapshotStore {
	return &MemorySnapshotStore{snapshots: map[string]State{}}
}

func (s *MemorySnapshotStore) Save(_ context.Context, state State) error {
	if state.DebateID == "" {
		return errors.New("snapshot has no debate id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[state.DebateID] = cloneState(state)
	return nil
}

func (s *MemorySnapshotStore) Load(_ context.Context, debateID string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.snapshots[debateID]
	if !ok {
		return nil, errors.Wrap(ErrSnapshotNotFound, debateID)
	}
	out := cloneState(st)
	return &out, nil
}

func (s *MemorySnapshotStore) Delete(_ context.Context, debateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, debateID)
	return nil
}

// RedisSnapshotStore persists snapshots as JSON values with a retention TTL,
// sharing the retention window of the debate's event log.
type RedisSnapshotStore struct {
	client    redis.UniversalClient
	keyPrefix string
	retention time.Duration
}

func NewRedisSnapshotStore(client redis.UniversalClient, retention time.Duration) *RedisSnapshotStore {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &RedisSnapshotStore{
		client:    client,
		keyPrefix: "debate:state:",
		retention: retention,
	}
}

func (s *RedisSnapshotStore) key(debateID string) string { return s.keyPrefix + debateID }

func (s *RedisSnapshotStore) Save(ctx context.Context, state State) error {
	if state.DebateID == "" {
		return errors.New("snapshot has no debate id")
	}
	b, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "marshal sequencer snapshot")
	}
	if err := s.client.Set(ctx, s.key(state.DebateID), b, s.retention).Err(); err != nil {
		return errors.Wrap(err, "save sequencer snapshot")
	}
	return nil
}

func (s *RedisSnapshotStore) Load(ctx context.Context, debateID string) (*State, error) {
	b, err := s.client.Get(ctx, s.key(debateID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, errors.Wrap(ErrSnapshotNotFound, debateID)
		}
		return nil, errors.Wrap(err, "load sequencer snapshot")
	}
	var st State
	if err := json.Unmarshal(b, &st); err != nil {
		return nil, errors.Wrap(err, "unmarshal sequencer snapshot")
	}
	return &st, nil
}

func (s *RedisSnapshotStore) Delete(ctx context.Context, debateID string) error {
	return errors.Wrap(s.client.Del(ctx, s.key(debateID)).Err(), "delete sequencer snapshot")
}
