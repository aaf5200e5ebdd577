// Package protocol defines the websocket wire frames and the bus event
// envelope shared by the gateway, the orchestrator and the transcription
// job manager.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/twinforge/twinchat/pkg/models"
)

// Inbound frame types.
const (
	FrameTypeText            = "text"
	FrameTypeVoice           = "voice"
	FrameTypeFile            = "file"
	FrameTypeTypingIndicator = "typing_indicator"
	FrameTypeReadReceipt     = "read_receipt"
)

// Outbound event types.
const (
	EventConnectionEstablished  = "connection_established"
	EventMessage                = "message"
	EventTypingIndicator        = "typing_indicator"
	EventReadReceipt            = "read_receipt"
	EventError                  = "error"
	EventTranscriptionCompleted = "transcription_completed"
	EventVoiceMessageReceived   = "voice_message_received"
	EventFileMessageReceived    = "file_message_received"
	EventPDFUploaded            = "pdf_uploaded"
)

// Error codes carried on error events.
const (
	CodeVoiceNoteNotFound = "voice_note_not_found"
	CodeFileNotFound      = "file_not_found"
	CodeInvalidReply      = "invalid_reply"
)

// Frame is one inbound websocket message. Type-specific fields are left zero
// for other types; the router validates per type.
type Frame struct {
	Type       string   `json:"type"`
	Content    string   `json:"content,omitempty"`
	ReplyTo    string   `json:"reply_to,omitempty"`
	IsTyping   bool     `json:"is_typing,omitempty"`
	MessageIDs []string `json:"message_ids,omitempty"`
	VoiceID    string   `json:"voice_id,omitempty"`
	FileID     string   `json:"file_id,omitempty"`
	FileType   string   `json:"file_type,omitempty"`
}

// Event is the envelope published on the Broadcast Bus and forwarded to
// websocket clients. ChatID scopes it to a topic; subscribers re-validate it
// against their own session before rendering.
type Event struct {
	Type           string          `json:"type"`
	ChatID         string          `json:"chat_id,omitempty"`
	Message        *models.Message `json:"message,omitempty"`
	IsTyping       *bool           `json:"is_typing,omitempty"`
	SenderID       string          `json:"user_id,omitempty"`
	MessageIDs     []string        `json:"message_ids,omitempty"`
	MessageID      string          `json:"message_id,omitempty"`
	VoiceID        string          `json:"voice_id,omitempty"`
	FileID         string          `json:"file_id,omitempty"`
	Transcription  string          `json:"transcription,omitempty"`
	NotificationID string          `json:"notification_id,omitempty"`

	// connection_established fields
	TwinName     string              `json:"twin_name,omitempty"`
	TwinID       string              `json:"twin_id,omitempty"`
	MessageCount int                 `json:"message_count,omitempty"`
	Summary      *models.ChatSummary `json:"conversation_summary,omitempty"`

	// error fields
	ErrorMessage string `json:"error,omitempty"`
	Code         string `json:"code,omitempty"`

	Timestamp time.Time `json:"timestamp,omitempty"`
}

// TwinSenderID identifies the twin in typing indicator events.
const TwinSenderID = "twin"

func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

func ParseEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

// NewMessageEvent wraps a persisted message for fan-out.
func NewMessageEvent(m *models.Message) *Event {
	return &Event{Type: EventMessage, ChatID: m.ChatID, Message: m}
}

// NewTypingEvent reports a sender's typing state. Last write wins per sender;
// indicators are never queued.
func NewTypingEvent(chatID, senderID string, typing bool) *Event {
	return &Event{Type: EventTypingIndicator, ChatID: chatID, SenderID: senderID, IsTyping: &typing}
}

// NewReadReceiptEvent republishes a bulk read update.
func NewReadReceiptEvent(chatID, senderID string, messageIDs []string) *Event {
	return &Event{Type: EventReadReceipt, ChatID: chatID, SenderID: senderID, MessageIDs: messageIDs}
}

// NewErrorEvent builds a non-fatal error event. Code is optional.
func NewErrorEvent(msg, code string) *Event {
	return &Event{Type: EventError, ErrorMessage: msg, Code: code, Timestamp: time.Now().UTC()}
}
