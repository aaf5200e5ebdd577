// Package store is the persistence adapter for chats, messages and voice
// jobs. All mutations are single-row or bulk-filtered atomic updates; no
// multi-step transaction spans a network call.
package store

import (
	"context"

	"github.com/pkg/errors"

	"github.com/twinforge/twinchat/pkg/models"
)

var (
	ErrChatNotFound      = errors.New("chat not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrRecordingNotFound = errors.New("voice recording not found")
	ErrJobNotFound       = errors.New("voice job not found")
	// ErrCrossChatReply marks a reply_to referencing a message outside the
	// chat. Validation failure, not fatal; nothing is persisted.
	ErrCrossChatReply = errors.New("reply references a message in a different chat")
)

// AccessFlags is the authorization lookup consumed by the gateway.
type AccessFlags struct {
	OwnerID       string
	UserHasAccess bool
	TwinIsActive  bool
}

// Store is the persistence adapter the engine runs against. Implementations
// must assign Message.CreatedAt at persistence time and keep it strictly
// monotonic within a chat.
type Store interface {
	GetChat(ctx context.Context, chatID string) (*models.Chat, error)
	ChatAccess(ctx context.Context, chatID string) (AccessFlags, error)
	// TouchChat is the explicit post-persist hook updating last_active.
	TouchChat(ctx context.Context, chatID string) error

	// CreateMessage persists m, assigning ID (when empty) and CreatedAt.
	// first reports whether m is the first message ever stored for the chat.
	// A ReplyTo referencing another chat fails with ErrCrossChatReply.
	CreateMessage(ctx context.Context, m *models.Message) (first bool, err error)
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	// RecentMessages returns up to limit newest messages in chronological
	// order.
	RecentMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error)
	// MarkMessagesRead is a bulk idempotent status update scoped to one chat.
	MarkMessagesRead(ctx context.Context, chatID string, messageIDs []string) (int, error)
	// SetMessageTranscript fills a voice message's text content once
	// transcription completes.
	SetMessageTranscript(ctx context.Context, messageID, transcript string) error
	Summary(ctx context.Context, chatID string) (models.ChatSummary, error)

	CreateVoiceRecording(ctx context.Context, rec *models.VoiceRecording) error
	GetVoiceRecording(ctx context.Context, id string) (*models.VoiceRecording, error)

	CreateVoiceJob(ctx context.Context, job *models.VoiceJob) error
	GetVoiceJob(ctx context.Context, id string) (*models.VoiceJob, error)
	// MarkVoiceJobProcessing transitions pending -> processing. Returns false
	// when the job is not pending.
	MarkVoiceJobProcessing(ctx context.Context, id string) (bool, error)
	// CompleteVoiceJob transitions processing -> completed exactly once and
	// returns the incremented notify sequence. A job already terminal returns
	// done=false and leaves the row untouched.
	CompleteVoiceJob(ctx context.Context, id, transcript string) (seq int64, done bool, err error)
	// FailVoiceJob transitions processing -> failed, storing the service's
	// error text as the transcript.
	FailVoiceJob(ctx context.Context, id, errorText string) (bool, error)
}
