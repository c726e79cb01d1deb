package bus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Topic computes the live push topic for a debate.
func Topic(debateID string) string { return "debate:" + debateID }

// Settings holds Redis Streams transport configuration. When Enabled is
// false the backend falls back to in-process GoChannel fan-out.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func (s Settings) withDefaults() Settings {
	if s.Addr == "" {
		s.Addr = "localhost:6379"
	}
	if s.Group == "" {
		s.Group = "debate-viewers"
	}
	if s.Consumer == "" {
		s.Consumer = "viewer-1"
	}
	return s
}

// StreamBackend wraps transport setup concerns (in-memory or Redis) and
// exposes publisher/subscriber construction for debate streams. The boolean
// returned by BuildSubscriber reports whether the subscriber is owned by the
// caller and must be closed when done.
type StreamBackend interface {
	Publisher() message.Publisher
	BuildSubscriber(ctx context.Context, debateID string) (message.Subscriber, bool, error)
	Close() error
}

// NewStreamBackend selects the transport from settings: Redis Streams when
// enabled, GoChannel otherwise.
func NewStreamBackend(s Settings) (StreamBackend, error) {
	if !s.Enabled {
		return NewMemoryBackend(), nil
	}
	return newRedisBackend(s.withDefaults())
}

type memoryBackend struct {
	ch *gochannel.GoChannel
}

// NewMemoryBackend returns an in-process pub/sub backend for single-worker
// deployments and tests.
func NewMemoryBackend() StreamBackend {
	ch := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		NewWatermillLogger(log.With().Str("component", "bus").Logger()),
	)
	return &memoryBackend{ch: ch}
}

func (b *memoryBackend) Publisher() message.Publisher { return b.ch }

func (b *memoryBackend) BuildSubscriber(_ context.Context, debateID string) (message.Subscriber, bool, error) {
	if debateID == "" {
		return nil, false, errors.New("debate id is empty")
	}
	return b.ch, false, nil
}

func (b *memoryBackend) Close() error { return b.ch.Close() }

type redisBackend struct {
	settings Settings
	client   redis.UniversalClient
	pub      message.Publisher
}

func newRedisBackend(s Settings) (StreamBackend, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	logger := NewWatermillLogger(log.With().Str("component", "bus").Logger())
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "build redis stream publisher")
	}
	return &redisBackend{settings: s, client: client, pub: pub}, nil
}

func (b *redisBackend) Publisher() message.Publisher { return b.pub }

// BuildSubscriber returns a consumer-group subscriber pinned to this debate's
// topic. The group is created at the stream tail so a fresh push subscription
// yields only new events; catch-up goes through the event log instead.
func (b *redisBackend) BuildSubscriber(ctx context.Context, debateID string) (message.Subscriber, bool, error) {
	if debateID == "" {
		return nil, false, errors.New("debate id is empty")
	}
	if err := b.ensureGroupAtTail(ctx, Topic(debateID)); err != nil {
		return nil, false, err
	}
	logger := NewWatermillLogger(log.With().Str("component", "bus").Str("debate_id", debateID).Logger())
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        b.client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.settings.Group,
		Consumer:      b.settings.Consumer + ":" + debateID,
	}, logger)
	if err != nil {
		return nil, false, errors.Wrap(err, "build redis stream subscriber")
	}
	return sub, true, nil
}

// ensureGroupAtTail creates the consumer group at $ so first subscribe does
// not replay history. BUSYGROUP means the group already exists.
func (b *redisBackend) ensureGroupAtTail(ctx context.Context, stream string) error {
	err := b.client.XGroupCreateMkStream(ctx, stream, b.settings.Group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrap(err, "create consumer group")
	}
	log.Info().
		Str("component", "bus").
		Str("stream", stream).
		Str("group", b.settings.Group).
		Msg("created redis consumer group at tail")
	return nil
}

func (b *redisBackend) Close() error {
	if err := b.pub.Close(); err != nil {
		return err
	}
	return b.client.Close()
}
