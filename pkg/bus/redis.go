package bus

import (
	"context"
	"strings"

	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisSettings holds Redis Streams transport configuration.
type RedisSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

// NewRedis builds a bus backed by Redis Streams, letting multiple server
// processes share chat topics.
func NewRedis(s RedisSettings) (*Bus, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	logger := NewWatermillLogger(log.Logger)

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		return nil, err
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		return nil, err
	}

	b := New(pub, sub)
	b.prepare = func(ctx context.Context, topic string) error {
		return EnsureGroupAtTail(ctx, client, topic, s.Group)
	}
	return b, nil
}

// EnsureGroupAtTail creates the consumer group for a stream at the tail ($)
// if it doesn't exist, preventing full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// BUSYGROUP means the group already exists
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
