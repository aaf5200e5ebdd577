package transcribe

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/twinforge/twinchat/pkg/bus"
	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/protocol"
	"github.com/twinforge/twinchat/pkg/store"
)

type stubSpeech struct {
	uploads    atomic.Int32
	transcript string
	errText    string
}

func (s *stubSpeech) Upload(_ context.Context, _ []byte) (string, error) {
	s.uploads.Add(1)
	return "https://cdn.example/audio", nil
}

func (s *stubSpeech) Submit(_ context.Context, _, _ string) (string, error) {
	return "tr-1", nil
}

func (s *stubSpeech) Poll(_ context.Context, _ string) (Status, error) {
	if s.errText != "" {
		return Status{State: StateError, ErrorText: s.errText}, nil
	}
	return Status{State: StateCompleted, Text: s.transcript}, nil
}

type managerFixture struct {
	store   *store.MemoryStore
	bus     *bus.Bus
	speech  *stubSpeech
	manager *Manager
	events  <-chan *protocol.Event
	job     *models.VoiceJob
}

func newManagerFixture(t *testing.T, audio []byte, speech *stubSpeech) *managerFixture {
	t.Helper()
	ctx := context.Background()

	s := store.NewMemoryStore()
	b := bus.NewInMemory()
	t.Cleanup(func() { _ = b.Close() })

	chat := &models.Chat{ID: "chat-1", UserID: "user-1", TwinID: "twin-1", TwinName: "Ada", UserHasAccess: true, TwinIsActive: true}
	require.NoError(t, s.CreateChat(ctx, chat))

	rec := &models.VoiceRecording{Data: audio, DurationSeconds: 3}
	require.NoError(t, s.CreateVoiceRecording(ctx, rec))

	msg := &models.Message{ChatID: chat.ID, IsFromUser: true, Type: models.MessageTypeVoice, VoiceID: rec.ID, Status: models.MessageStatusSent}
	_, err := s.CreateMessage(ctx, msg)
	require.NoError(t, err)

	job := &models.VoiceJob{ChatID: chat.ID, MessageID: msg.ID, VoiceID: rec.ID}
	require.NoError(t, s.CreateVoiceJob(ctx, job))

	events, err := b.Subscribe(ctx, chat.ID)
	require.NoError(t, err)

	m := NewManager(s, b, speech, WithWorkers(2), WithPolling(time.Millisecond, 5))
	runCtx, cancel := context.WithCancel(ctx)
	m.Start(runCtx)
	t.Cleanup(func() {
		cancel()
		_ = m.Wait()
	})

	return &managerFixture{store: s, bus: b, speech: speech, manager: m, events: events, job: job}
}

func waitEvent(t *testing.T, ch <-chan *protocol.Event) *protocol.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for transcription event")
		return nil
	}
}

func TestManagerCompletesJob(t *testing.T) {
	speech := &stubSpeech{transcript: "hello from voice"}
	f := newManagerFixture(t, paddedAudio([]byte("RIFF")), speech)

	require.NoError(t, f.manager.Submit(context.Background(), f.job.ID))

	ev := waitEvent(t, f.events)
	require.Equal(t, protocol.EventTranscriptionCompleted, ev.Type)
	require.Equal(t, "hello from voice", ev.Transcription)
	require.Equal(t, f.job.ID+":1", ev.NotificationID)

	job, err := f.store.GetVoiceJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Equal(t, models.VoiceJobCompleted, job.Status)

	msg, err := f.store.GetMessage(context.Background(), f.job.MessageID)
	require.NoError(t, err)
	require.Equal(t, "hello from voice", msg.TextContent)
}

func TestManagerPublishesExactlyOncePerJob(t *testing.T) {
	speech := &stubSpeech{transcript: "once"}
	f := newManagerFixture(t, paddedAudio([]byte("RIFF")), speech)

	// duplicate submits race for the same pending job; the CAS claim lets
	// only one through
	require.NoError(t, f.manager.Submit(context.Background(), f.job.ID))
	require.NoError(t, f.manager.Submit(context.Background(), f.job.ID))

	waitEvent(t, f.events)
	select {
	case ev := <-f.events:
		t.Fatalf("unexpected second event: %+v", ev)
	case <-time.After(200 * time.Millisecond):
	}
	require.Equal(t, int32(1), f.speech.uploads.Load())
}

func TestManagerEmptyTranscriptFailsJob(t *testing.T) {
	speech := &stubSpeech{transcript: "   "}
	f := newManagerFixture(t, paddedAudio([]byte("RIFF")), speech)

	require.NoError(t, f.manager.Submit(context.Background(), f.job.ID))

	ev := waitEvent(t, f.events)
	require.Equal(t, NoSpeechDetected, ev.Transcription)
	require.Empty(t, ev.NotificationID, "failures carry no dedupe id and never resume a reply")

	job, err := f.store.GetVoiceJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Equal(t, models.VoiceJobFailed, job.Status)
}

func TestManagerServiceErrorFailsJob(t *testing.T) {
	speech := &stubSpeech{errText: "audio too noisy"}
	f := newManagerFixture(t, paddedAudio([]byte("RIFF")), speech)

	require.NoError(t, f.manager.Submit(context.Background(), f.job.ID))

	ev := waitEvent(t, f.events)
	require.Contains(t, ev.Transcription, "audio too noisy")
	require.Empty(t, ev.NotificationID)

	job, err := f.store.GetVoiceJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Equal(t, models.VoiceJobFailed, job.Status)
	require.Contains(t, job.Transcript, "audio too noisy")
}

func TestManagerValidationFailureSkipsSpeechService(t *testing.T) {
	speech := &stubSpeech{transcript: "unused"}
	f := newManagerFixture(t, []byte("tiny"), speech)

	require.NoError(t, f.manager.Submit(context.Background(), f.job.ID))

	ev := waitEvent(t, f.events)
	require.Empty(t, ev.NotificationID)

	job, err := f.store.GetVoiceJob(context.Background(), f.job.ID)
	require.NoError(t, err)
	require.Equal(t, models.VoiceJobFailed, job.Status)
	require.Zero(t, f.speech.uploads.Load(), "invalid audio must not reach the speech service")
}
