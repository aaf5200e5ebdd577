// Package orchestrator turns a persisted inbound message into exactly one
// twin reply: typing on, completion (or deterministic greeting), persona
// style transform, persist, broadcast, typing off.
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/twinforge/twinchat/pkg/bus"
	"github.com/twinforge/twinchat/pkg/chatctx"
	"github.com/twinforge/twinchat/pkg/completion"
	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/persona"
	"github.com/twinforge/twinchat/pkg/protocol"
	"github.com/twinforge/twinchat/pkg/store"
)

// Fallback is returned when the completion endpoint fails or times out. The
// user always receives some reply.
const Fallback = "I'm having some technical difficulties. Could you try again?"

const (
	// DefaultTemperature matches the completion defaults of the upstream
	// service.
	DefaultTemperature = 0.7
	// DefaultMaxTokens bounds one twin reply.
	DefaultMaxTokens = 1024
	// DefaultTimeout bounds the completion round trip; on expiry the fallback
	// reply is used instead.
	DefaultTimeout = 45 * time.Second

	greetingDescWords = 10
)

// Orchestrator drives the reply pipeline for one server instance. It is safe
// for concurrent use; each call handles one turn.
type Orchestrator struct {
	store       store.Store
	bus         *bus.Bus
	assembler   *chatctx.Assembler
	completer   completion.Completer
	temperature float64
	maxTokens   int
	timeout     time.Duration
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithTemperature(t float64) Option { return func(o *Orchestrator) { o.temperature = t } }
func WithMaxTokens(n int) Option       { return func(o *Orchestrator) { o.maxTokens = n } }
func WithTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// New wires an Orchestrator over its collaborators.
func New(s store.Store, b *bus.Bus, a *chatctx.Assembler, c completion.Completer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       s,
		bus:         b,
		assembler:   a,
		completer:   c,
		temperature: DefaultTemperature,
		maxTokens:   DefaultMaxTokens,
		timeout:     DefaultTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Respond produces the twin's reply to a just-persisted user message. first
// marks the first message ever recorded for the chat, which short-circuits
// the completion call into a deterministic greeting.
func (o *Orchestrator) Respond(ctx context.Context, chat *models.Chat, first bool) error {
	return o.respond(ctx, chat, func(ctx context.Context) (string, error) {
		if first {
			return Greeting(chat.TwinName, persona.Parse(chat.PersonaData)), nil
		}
		msgs, err := o.assembler.Assemble(ctx, chat)
		if err != nil {
			return "", err
		}
		return o.complete(ctx, chat.ID, msgs)
	})
}

// RespondWithFile produces the twin's reply to a shared file, feeding the
// fetched content into a multimodal completion call.
func (o *Orchestrator) RespondWithFile(ctx context.Context, chat *models.Chat, file chatctx.FileContent) error {
	return o.respond(ctx, chat, func(ctx context.Context) (string, error) {
		msgs, err := o.assembler.AssembleWithFile(ctx, chat, file)
		if err != nil {
			return "", err
		}
		return o.complete(ctx, chat.ID, msgs)
	})
}

func (o *Orchestrator) respond(ctx context.Context, chat *models.Chat, produce func(context.Context) (string, error)) error {
	if err := o.bus.Publish(ctx, protocol.NewTypingEvent(chat.ID, protocol.TwinSenderID, true)); err != nil {
		return errors.Wrap(err, "publishing typing start")
	}
	// typing=false must follow the reply broadcast even on failure paths
	defer func() {
		if err := o.bus.Publish(ctx, protocol.NewTypingEvent(chat.ID, protocol.TwinSenderID, false)); err != nil {
			log.Warn().Err(err).Str("chat_id", chat.ID).Msg("publishing typing stop")
		}
	}()

	text, err := produce(ctx)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chat.ID).Msg("reply generation failed, using fallback")
		text = Fallback
	} else {
		text = persona.ApplyStyle(persona.Parse(chat.PersonaData).Style(), text)
	}

	reply := &models.Message{
		ChatID:      chat.ID,
		IsFromUser:  false,
		Type:        models.MessageTypeText,
		TextContent: text,
		Status:      models.MessageStatusSent,
	}
	if _, err := o.store.CreateMessage(ctx, reply); err != nil {
		return errors.Wrap(err, "persisting twin reply")
	}
	if err := o.store.TouchChat(ctx, chat.ID); err != nil {
		log.Warn().Err(err).Str("chat_id", chat.ID).Msg("updating chat last_active")
	}
	if err := o.bus.Publish(ctx, protocol.NewMessageEvent(reply)); err != nil {
		return errors.Wrap(err, "broadcasting twin reply")
	}

	log.Debug().
		Str("chat_id", chat.ID).
		Str("message_id", reply.ID).
		Int("reply_len", len(text)).
		Msg("twin reply broadcast")
	return nil
}

// complete calls the completion service under the configured timeout. Errors
// bubble to respond, which substitutes the fallback.
func (o *Orchestrator) complete(ctx context.Context, chatID string, msgs []completion.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()

	start := time.Now()
	text, err := o.completer.Complete(ctx, msgs, o.temperature, o.maxTokens)
	if err != nil {
		return "", errors.Wrap(err, "completion call")
	}
	log.Debug().
		Str("chat_id", chatID).
		Dur("elapsed", time.Since(start)).
		Msg("completion returned")
	return text, nil
}

// Greeting is the deterministic first-message reply: the twin introduces
// itself with up to ten words of its persona description.
func Greeting(twinName string, p persona.Data) string {
	name := twinName
	if name == "" {
		name = persona.DefaultTwinName
	}
	greeting := fmt.Sprintf("Hello! I'm %s.", name)
	if short := p.ShortDescription(greetingDescWords); short != "" {
		greeting += " " + short
	}
	return greeting + " How can I help you today?"
}
