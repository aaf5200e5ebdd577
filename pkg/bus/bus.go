// Package bus is the broadcast fan-out layer: one topic per chat, delivered
// to every live subscriber in publish order. Backed by watermill, either
// in-memory (gochannel) or Redis Streams.
package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/twinforge/twinchat/pkg/protocol"
)

// Topic computes the bus topic for a chat.
func Topic(chatID string) string { return "chat:" + chatID }

// Bus wraps a watermill publisher/subscriber pair with the typed event
// envelope used across the engine.
type Bus struct {
	pub message.Publisher
	sub message.Subscriber

	// prepare, when set, runs before each topic subscription. The redis
	// backend uses it to create the consumer group at the stream tail.
	prepare func(ctx context.Context, topic string) error
}

// NewInMemory builds a process-local bus. Every subscriber of a topic
// receives every message published to it, in publish order: Publish blocks
// until each subscriber's forwarder has acked, so two events on one topic
// can never overtake each other.
func NewInMemory() *Bus {
	logger := NewWatermillLogger(log.Logger)
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            64,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &Bus{pub: ch, sub: ch}
}

// New builds a bus from an explicit publisher/subscriber pair.
func New(pub message.Publisher, sub message.Subscriber) *Bus {
	return &Bus{pub: pub, sub: sub}
}

// Publish marshals the event and publishes it on the chat's topic.
func (b *Bus) Publish(_ context.Context, ev *protocol.Event) error {
	if ev == nil || ev.ChatID == "" {
		return errors.New("bus: event without chat id")
	}
	payload, err := ev.Marshal()
	if err != nil {
		return errors.Wrap(err, "bus: marshal event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pub.Publish(Topic(ev.ChatID), msg); err != nil {
		return errors.Wrap(err, "bus: publish")
	}
	return nil
}

// Subscribe returns a channel of decoded events for one chat topic. The
// channel closes when ctx is cancelled. Undecodable payloads are logged and
// dropped.
func (b *Bus) Subscribe(ctx context.Context, chatID string) (<-chan *protocol.Event, error) {
	if b.prepare != nil {
		if err := b.prepare(ctx, Topic(chatID)); err != nil {
			return nil, errors.Wrap(err, "bus: prepare topic")
		}
	}
	msgs, err := b.sub.Subscribe(ctx, Topic(chatID))
	if err != nil {
		return nil, errors.Wrap(err, "bus: subscribe")
	}
	out := make(chan *protocol.Event, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			ev, err := protocol.ParseEvent(msg.Payload)
			if err != nil {
				log.Warn().Err(err).Str("component", "bus").Str("topic", Topic(chatID)).Msg("failed to decode event payload")
				msg.Ack()
				continue
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				msg.Nack()
				return
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// Close shuts down the underlying transport.
func (b *Bus) Close() error {
	var firstErr error
	if err := b.pub.Close(); err != nil {
		firstErr = err
	}
	if closer, ok := b.sub.(interface{ Close() error }); ok {
		// gochannel shares one Close for both ends; tolerate double close
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
