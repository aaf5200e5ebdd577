package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/twinforge/twinchat/pkg/bus"
	"github.com/twinforge/twinchat/pkg/chatctx"
	"github.com/twinforge/twinchat/pkg/completion"
	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/persona"
	"github.com/twinforge/twinchat/pkg/protocol"
	"github.com/twinforge/twinchat/pkg/store"
)

type stubCompleter struct {
	reply string
	err   error
	calls int
	last  []completion.Message
}

func (s *stubCompleter) Complete(_ context.Context, msgs []completion.Message, _ float64, _ int) (string, error) {
	s.calls++
	s.last = msgs
	return s.reply, s.err
}

type fixture struct {
	store  *store.MemoryStore
	bus    *bus.Bus
	chat   *models.Chat
	events <-chan *protocol.Event
}

func newFixture(t *testing.T, personaJSON string) *fixture {
	t.Helper()
	s := store.NewMemoryStore()
	b := bus.NewInMemory()
	t.Cleanup(func() { _ = b.Close() })

	chat := &models.Chat{
		ID:            "chat-1",
		UserID:        "user-1",
		TwinID:        "twin-1",
		TwinName:      "Ada",
		PersonaData:   personaJSON,
		UserHasAccess: true,
		TwinIsActive:  true,
	}
	require.NoError(t, s.CreateChat(context.Background(), chat))

	events, err := b.Subscribe(context.Background(), chat.ID)
	require.NoError(t, err)

	return &fixture{store: s, bus: b, chat: chat, events: events}
}

func newOrchestrator(t *testing.T, f *fixture, c completion.Completer, opts ...Option) *Orchestrator {
	t.Helper()
	a, err := chatctx.New(f.store)
	require.NoError(t, err)
	return New(f.store, f.bus, a, c, opts...)
}

func nextEvent(t *testing.T, ch <-chan *protocol.Event) *protocol.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for bus event")
		return nil
	}
}

func (f *fixture) persistUserMessage(t *testing.T, text string) bool {
	t.Helper()
	first, err := f.store.CreateMessage(context.Background(), &models.Message{
		ChatID: f.chat.ID, IsFromUser: true, Type: models.MessageTypeText,
		TextContent: text, Status: models.MessageStatusSent,
	})
	require.NoError(t, err)
	return first
}

func TestRespondEventOrder(t *testing.T) {
	f := newFixture(t, "")
	c := &stubCompleter{reply: "Sure, happy to help."}
	o := newOrchestrator(t, f, c)

	f.persistUserMessage(t, "hello")
	require.NoError(t, o.Respond(context.Background(), f.chat, false))

	ev := nextEvent(t, f.events)
	require.Equal(t, protocol.EventTypingIndicator, ev.Type)
	require.Equal(t, protocol.TwinSenderID, ev.SenderID)
	require.NotNil(t, ev.IsTyping)
	require.True(t, *ev.IsTyping)

	ev = nextEvent(t, f.events)
	require.Equal(t, protocol.EventMessage, ev.Type)
	require.NotNil(t, ev.Message)
	require.False(t, ev.Message.IsFromUser)
	require.Equal(t, "Sure, happy to help.", ev.Message.TextContent)

	ev = nextEvent(t, f.events)
	require.Equal(t, protocol.EventTypingIndicator, ev.Type)
	require.False(t, *ev.IsTyping)
}

func TestRespondPersistsExactlyOneReply(t *testing.T) {
	f := newFixture(t, "")
	c := &stubCompleter{reply: "reply"}
	o := newOrchestrator(t, f, c)

	f.persistUserMessage(t, "hello")
	require.NoError(t, o.Respond(context.Background(), f.chat, false))

	msgs, err := f.store.RecentMessages(context.Background(), f.chat.ID, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.True(t, msgs[0].IsFromUser)
	require.False(t, msgs[1].IsFromUser)
	require.Equal(t, 1, c.calls)
}

func TestRespondFirstMessageGreeting(t *testing.T) {
	f := newFixture(t, `{"persona_description":"A seasoned software architect with decades of experience in distributed systems design"}`)
	c := &stubCompleter{reply: "unused"}
	o := newOrchestrator(t, f, c)

	first := f.persistUserMessage(t, "Hello")
	require.True(t, first)
	require.NoError(t, o.Respond(context.Background(), f.chat, first))

	nextEvent(t, f.events) // typing on
	ev := nextEvent(t, f.events)
	require.Equal(t, protocol.EventMessage, ev.Type)
	require.Equal(t,
		"Hello! I'm Ada. A seasoned software architect with decades of experience in distributed How can I help you today?",
		ev.Message.TextContent)
	require.Zero(t, c.calls, "greeting must not hit the completion service")
}

func TestRespondFallbackOnCompletionError(t *testing.T) {
	f := newFixture(t, "")
	c := &stubCompleter{err: errors.New("upstream 500")}
	o := newOrchestrator(t, f, c)

	f.persistUserMessage(t, "hello")
	require.NoError(t, o.Respond(context.Background(), f.chat, false))

	nextEvent(t, f.events) // typing on
	ev := nextEvent(t, f.events)
	require.Equal(t, Fallback, ev.Message.TextContent)
	ev = nextEvent(t, f.events)
	require.Equal(t, protocol.EventTypingIndicator, ev.Type)
	require.False(t, *ev.IsTyping)
}

func TestRespondAppliesCheerfulStyle(t *testing.T) {
	f := newFixture(t, `{"speaking_style":"cheerful"}`)
	c := &stubCompleter{reply: "That was good."}
	o := newOrchestrator(t, f, c)

	f.persistUserMessage(t, "how was it?")
	require.NoError(t, o.Respond(context.Background(), f.chat, false))

	nextEvent(t, f.events) // typing on
	ev := nextEvent(t, f.events)
	require.Equal(t, "That was great!", ev.Message.TextContent)
}

func TestRespondStyleNotAppliedToFallback(t *testing.T) {
	f := newFixture(t, `{"speaking_style":"formal"}`)
	c := &stubCompleter{err: errors.New("down")}
	o := newOrchestrator(t, f, c)

	f.persistUserMessage(t, "hello")
	require.NoError(t, o.Respond(context.Background(), f.chat, false))

	nextEvent(t, f.events) // typing on
	ev := nextEvent(t, f.events)
	require.Equal(t, Fallback, ev.Message.TextContent)
}

func TestRespondUpdatesLastActive(t *testing.T) {
	f := newFixture(t, "")
	c := &stubCompleter{reply: "ok"}
	o := newOrchestrator(t, f, c)

	f.persistUserMessage(t, "hello")
	require.NoError(t, o.Respond(context.Background(), f.chat, false))

	after, err := f.store.GetChat(context.Background(), f.chat.ID)
	require.NoError(t, err)
	require.False(t, after.LastActive.IsZero())
}

func TestRespondWithFilePassesMultimodalPrompt(t *testing.T) {
	f := newFixture(t, "")
	c := &stubCompleter{reply: "I see a cat."}
	o := newOrchestrator(t, f, c)

	err := o.RespondWithFile(context.Background(), f.chat, chatctx.FileContent{
		Name: "cat.png", MimeType: "image/png", Data: []byte{1, 2, 3},
	})
	require.NoError(t, err)

	require.Equal(t, 1, c.calls)
	last := c.last[len(c.last)-1]
	parts, ok := last.Content.([]completion.Part)
	require.True(t, ok)
	require.Equal(t, "image_url", parts[1].Type)

	nextEvent(t, f.events) // typing on
	ev := nextEvent(t, f.events)
	require.Equal(t, "I see a cat.", ev.Message.TextContent)
}

func TestGreetingWithoutPersona(t *testing.T) {
	require.Equal(t, "Hello! I'm Ada. How can I help you today?", Greeting("Ada", persona.Data{}))
	require.Equal(t, "Hello! I'm AI Assistant. How can I help you today?", Greeting("", persona.Data{}))
}
