package transcribe

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/twinforge/twinchat/pkg/bus"
	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/protocol"
	"github.com/twinforge/twinchat/pkg/store"
)

// NoSpeechDetected is stored when the service returns an empty transcript.
const NoSpeechDetected = "No speech detected."

const (
	// DefaultWorkers is the background pool size.
	DefaultWorkers = 4
	// DefaultPollInterval is the delay between status queries.
	DefaultPollInterval = 3 * time.Second
	// DefaultPollAttempts bounds one job's polling loop (5 min at 3s).
	DefaultPollAttempts = 100

	queueDepth = 64
)

// ErrQueueFull is returned when the job queue cannot accept more work.
var ErrQueueFull = errors.New("transcription queue is full")

// Manager runs transcription jobs on a fixed worker pool, decoupled from any
// connection. Results reach clients only through the Broadcast Bus.
type Manager struct {
	store    store.Store
	bus      *bus.Bus
	speech   SpeechClient
	language string

	workers      int
	pollInterval time.Duration
	pollAttempts int

	jobs  chan string
	group *errgroup.Group
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

func WithWorkers(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

func WithLanguage(code string) ManagerOption {
	return func(m *Manager) { m.language = code }
}

// WithPolling overrides the poll cadence, for tests.
func WithPolling(interval time.Duration, attempts int) ManagerOption {
	return func(m *Manager) {
		m.pollInterval = interval
		m.pollAttempts = attempts
	}
}

// NewManager wires a Manager over its collaborators. Call Start before
// Submit.
func NewManager(s store.Store, b *bus.Bus, speech SpeechClient, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:        s,
		bus:          b,
		speech:       speech,
		language:     DefaultLanguage,
		workers:      DefaultWorkers,
		pollInterval: DefaultPollInterval,
		pollAttempts: DefaultPollAttempts,
		jobs:         make(chan string, queueDepth),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the worker pool. Workers drain the queue until ctx is
// cancelled; Wait blocks until they exit.
func (m *Manager) Start(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	m.group = g
	for i := 0; i < m.workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case jobID := <-m.jobs:
					m.process(ctx, jobID)
				}
			}
		})
	}
}

// Wait blocks until all workers have stopped.
func (m *Manager) Wait() error {
	if m.group == nil {
		return nil
	}
	err := m.group.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Submit queues a pending job for processing without blocking the caller's
// hot path.
func (m *Manager) Submit(ctx context.Context, jobID string) error {
	select {
	case m.jobs <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return ErrQueueFull
	}
}

func (m *Manager) process(ctx context.Context, jobID string) {
	ok, err := m.store.MarkVoiceJobProcessing(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("claiming voice job")
		return
	}
	if !ok {
		// another worker or a previous run already owns it
		return
	}

	job, err := m.store.GetVoiceJob(ctx, jobID)
	if err != nil {
		log.Error().Err(err).Str("job_id", jobID).Msg("loading voice job")
		return
	}

	transcript, err := m.transcribe(ctx, job)
	if err != nil {
		m.fail(ctx, job, err.Error())
		return
	}
	if transcript == "" {
		m.fail(ctx, job, NoSpeechDetected)
		return
	}
	m.complete(ctx, job, transcript)
}

// transcribe runs validation, upload, submit and the polling loop. The
// returned transcript is trimmed; empty means no speech.
func (m *Manager) transcribe(ctx context.Context, job *models.VoiceJob) (string, error) {
	rec, err := m.store.GetVoiceRecording(ctx, job.VoiceID)
	if err != nil {
		return "", errors.Wrap(err, "loading voice recording")
	}
	if err := ValidateAudio(rec.Data); err != nil {
		return "", err
	}

	handle, err := m.speech.Upload(ctx, rec.Data)
	if err != nil {
		return "", errors.Wrap(err, "uploading audio")
	}
	transcriptID, err := m.speech.Submit(ctx, handle, m.language)
	if err != nil {
		return "", errors.Wrap(err, "submitting transcription")
	}

	log.Debug().
		Str("job_id", job.ID).
		Str("transcript_id", transcriptID).
		Int("audio_bytes", len(rec.Data)).
		Msg("transcription submitted")

	for attempt := 0; attempt < m.pollAttempts; attempt++ {
		st, err := m.speech.Poll(ctx, transcriptID)
		if err != nil {
			return "", errors.Wrap(err, "polling transcription")
		}
		switch st.State {
		case StateCompleted:
			return strings.TrimSpace(st.Text), nil
		case StateError:
			return "", errors.Errorf("transcription error: %s", st.ErrorText)
		}
		if err := sleepCtx(ctx, m.pollInterval); err != nil {
			return "", err
		}
	}
	return "", errors.New("transcription timed out")
}

// complete finishes a job exactly once: the CAS transition gates both the
// transcript write and the notification publish, so a replayed job never
// produces a second event.
func (m *Manager) complete(ctx context.Context, job *models.VoiceJob, transcript string) {
	seq, done, err := m.store.CompleteVoiceJob(ctx, job.ID, transcript)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("completing voice job")
		return
	}
	if !done {
		return
	}
	if err := m.store.SetMessageTranscript(ctx, job.MessageID, transcript); err != nil {
		log.Error().Err(err).Str("message_id", job.MessageID).Msg("storing transcript")
	}

	ev := &protocol.Event{
		Type:           protocol.EventTranscriptionCompleted,
		ChatID:         job.ChatID,
		MessageID:      job.MessageID,
		VoiceID:        job.VoiceID,
		Transcription:  transcript,
		NotificationID: fmt.Sprintf("%s:%d", job.ID, seq),
		Timestamp:      time.Now().UTC(),
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("publishing transcription result")
		return
	}
	log.Info().
		Str("job_id", job.ID).
		Str("chat_id", job.ChatID).
		Int("transcript_len", len(transcript)).
		Msg("transcription completed")
}

// fail marks a job failed and surfaces the failure text as the message
// transcript so the client is not left waiting. Failure events carry no
// notification id; subscribers never resume an AI reply from them.
func (m *Manager) fail(ctx context.Context, job *models.VoiceJob, text string) {
	ok, err := m.store.FailVoiceJob(ctx, job.ID, text)
	if err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("failing voice job")
		return
	}
	if !ok {
		return
	}
	if err := m.store.SetMessageTranscript(ctx, job.MessageID, text); err != nil {
		log.Error().Err(err).Str("message_id", job.MessageID).Msg("storing failure text")
	}

	ev := &protocol.Event{
		Type:          protocol.EventTranscriptionCompleted,
		ChatID:        job.ChatID,
		MessageID:     job.MessageID,
		VoiceID:       job.VoiceID,
		Transcription: text,
		Timestamp:     time.Now().UTC(),
	}
	if err := m.bus.Publish(ctx, ev); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("publishing transcription failure")
	}
	log.Warn().Str("job_id", job.ID).Str("reason", text).Msg("transcription failed")
}
