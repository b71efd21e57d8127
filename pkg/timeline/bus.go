package timeline

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// BusSettings selects the transport timeline updates are fanned out on.
// The in-process channel is used unless Redis is enabled.
type BusSettings struct {
	Redis RedisSettings `yaml:"redis"`
	// Buffer is the per-subscriber buffer of the in-process transport.
	Buffer int64 `yaml:"buffer"`
}

// RedisSettings configures Redis Streams transport, for UIs living in another process.
type RedisSettings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultBusSettings() BusSettings {
	return BusSettings{
		Redis: RedisSettings{
			Addr:     "localhost:6379",
			Group:    "handoff-ui",
			Consumer: "ui-1",
		},
		Buffer: 256,
	}
}

// Bus bundles a publisher and subscriber of the same transport.
type Bus struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber

	redis *redis.Client
}

// NewInMemoryBus returns a bus backed by a watermill go channel.
func NewInMemoryBus(buffer int64) *Bus {
	if buffer <= 0 {
		buffer = 256
	}
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: buffer,
	}, NewWatermillLogger(log.Logger))
	return &Bus{Publisher: ch, Subscriber: ch}
}

// BuildBus constructs the bus described by s.
func BuildBus(s BusSettings) (*Bus, error) {
	if !s.Redis.Enabled {
		return NewInMemoryBus(s.Buffer), nil
	}
	if strings.TrimSpace(s.Redis.Addr) == "" {
		return nil, errors.New("timeline bus: redis addr is empty")
	}

	client := redis.NewClient(&redis.Options{Addr: s.Redis.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "build redis publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Redis.Group,
		Consumer:      s.Redis.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "build redis subscriber")
	}
	return &Bus{Publisher: pub, Subscriber: sub, redis: client}, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at "$" so a fresh UI
// does not replay history of earlier sessions.
func (b *Bus) EnsureGroupAtTail(ctx context.Context, stream, group string) error {
	if b == nil || b.redis == nil {
		return nil
	}
	err := b.redis.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	var firstErr error
	if b.Subscriber != nil {
		if err := b.Subscriber.Close(); err != nil {
			firstErr = err
		}
	}
	// the in-memory bus uses one value for both sides
	if b.Publisher != nil && any(b.Publisher) != any(b.Subscriber) {
		if err := b.Publisher.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// watermillLogger adapts zerolog to watermill.LoggerAdapter.
type watermillLogger struct {
	l zerolog.Logger
}

func NewWatermillLogger(l zerolog.Logger) watermill.LoggerAdapter {
	return watermillLogger{l: l.With().Str("component", "watermill").Logger()}
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	// watermill is chatty at info level
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{l: w.l.With().Fields(map[string]interface{}(fields)).Logger()}
}
