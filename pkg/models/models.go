package models

import "time"

// MessageType discriminates inbound message payloads.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeVoice MessageType = "voice"
	MessageTypeFile  MessageType = "file"
)

// MessageStatus tracks delivery state of a persisted message.
type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// Chat is the persistent conversation record between one user and one twin.
type Chat struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	TwinID        string    `json:"twin_id"`
	TwinName      string    `json:"twin_name"`
	PersonaData   string    `json:"persona_data"`
	UserHasAccess bool      `json:"user_has_access"`
	TwinIsActive  bool      `json:"twin_is_active"`
	LastActive    time.Time `json:"last_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Message is a single persisted chat message. TextContent of voice messages
// starts empty and is filled once transcription completes.
type Message struct {
	ID              string        `json:"id"`
	ChatID          string        `json:"chat_id"`
	IsFromUser      bool          `json:"is_from_user"`
	Type            MessageType   `json:"message_type"`
	TextContent     string        `json:"text_content"`
	Status          MessageStatus `json:"status"`
	ReplyTo         string        `json:"reply_to,omitempty"`
	VoiceID         string        `json:"voice_id,omitempty"`
	FileID          string        `json:"file_id,omitempty"`
	DurationSeconds int           `json:"duration_seconds,omitempty"`
	CreatedAt       time.Time     `json:"timestamp"`
}

// VoiceRecording holds an uploaded audio blob awaiting transcription.
type VoiceRecording struct {
	ID              string    `json:"id"`
	Data            []byte    `json:"-"`
	DurationSeconds int       `json:"duration_seconds"`
	CreatedAt       time.Time `json:"created_at"`
}

// VoiceJobStatus is the lifecycle state of a transcription job.
type VoiceJobStatus string

const (
	VoiceJobPending    VoiceJobStatus = "pending"
	VoiceJobProcessing VoiceJobStatus = "processing"
	VoiceJobCompleted  VoiceJobStatus = "completed"
	VoiceJobFailed     VoiceJobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s VoiceJobStatus) Terminal() bool {
	return s == VoiceJobCompleted || s == VoiceJobFailed
}

// VoiceJob tracks one out-of-band transcription request. NotifySeq is a
// monotonic per-job counter used to derive deduplicatable notification ids.
type VoiceJob struct {
	ID         string         `json:"id"`
	MessageID  string         `json:"message_id"`
	ChatID     string         `json:"chat_id"`
	VoiceID    string         `json:"voice_id"`
	Status     VoiceJobStatus `json:"status"`
	Transcript string         `json:"transcript,omitempty"`
	NotifySeq  int64          `json:"notify_seq"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ChatSummary is derived conversation metadata used for context assembly and
// the connection_established event.
type ChatSummary struct {
	TwinName      string     `json:"twin_name"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	TotalMessages int        `json:"total_messages"`
	UserMessages  int        `json:"user_messages"`
	TwinMessages  int        `json:"twin_messages"`
}
