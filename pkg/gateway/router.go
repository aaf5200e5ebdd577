package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/twinforge/twinchat/pkg/chatctx"
	"github.com/twinforge/twinchat/pkg/media"
	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/protocol"
	"github.com/twinforge/twinchat/pkg/store"
	"github.com/twinforge/twinchat/pkg/transcribe"
)

// dispatch routes one inbound frame. Protocol problems are answered with an
// error event and the connection stays active.
func (s *session) dispatch(data []byte) {
	if len(strings.TrimSpace(string(data))) == 0 {
		log.Warn().Str("chat_id", s.chat.ID).Msg("ignoring empty frame")
		return
	}
	if isHeartbeat(data) {
		s.send([]byte("pong"))
		return
	}

	var frame protocol.Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		log.Warn().Err(err).Str("chat_id", s.chat.ID).Msg("malformed frame")
		s.sendError("invalid message format", "")
		return
	}

	switch frame.Type {
	case protocol.FrameTypeText, "message", "chat_message":
		s.handleText(&frame)
	case protocol.FrameTypeVoice:
		s.handleVoice(&frame)
	case protocol.FrameTypeFile:
		s.handleFile(&frame)
	case protocol.FrameTypeTypingIndicator:
		s.handleTyping(&frame)
	case protocol.FrameTypeReadReceipt:
		s.handleReadReceipt(&frame)
	case "":
		log.Warn().Str("chat_id", s.chat.ID).Msg("ignoring frame without type")
	default:
		s.sendError(fmt.Sprintf("unknown message type: %s", frame.Type), "")
	}
}

// handleText persists the user message, broadcasts it, and drives one twin
// reply. The reply call suspends this connection only; other connections
// keep running.
func (s *session) handleText(frame *protocol.Frame) {
	content := strings.TrimSpace(frame.Content)
	if content == "" {
		log.Warn().Str("chat_id", s.chat.ID).Msg("ignoring empty text message")
		return
	}

	msg := &models.Message{
		ChatID:      s.chat.ID,
		IsFromUser:  true,
		Type:        models.MessageTypeText,
		TextContent: content,
		Status:      models.MessageStatusSent,
		ReplyTo:     frame.ReplyTo,
	}
	first, err := s.persistAndBroadcast(msg)
	if err != nil {
		return
	}

	// The reply runs on the server context: once the user message is
	// accepted, the sender hanging up must not cancel the completion out
	// from under the other subscribers.
	if err := s.srv.orch.Respond(s.srv.baseCtx, s.chat, first); err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("twin reply failed")
	}
}

// handleVoice stores the reference to an uploaded recording, acknowledges
// it, and hands transcription to the background job manager. Invalid audio
// never creates a job.
func (s *session) handleVoice(frame *protocol.Frame) {
	if frame.VoiceID == "" {
		s.sendError("voice message requires a voice_id", protocol.CodeVoiceNoteNotFound)
		return
	}
	rec, err := s.srv.store.GetVoiceRecording(s.ctx, frame.VoiceID)
	if err != nil {
		if errors.Is(err, store.ErrRecordingNotFound) {
			s.sendError("voice recording not found", protocol.CodeVoiceNoteNotFound)
			return
		}
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("loading voice recording")
		s.sendError("could not process voice message", "")
		return
	}
	if err := transcribe.ValidateAudio(rec.Data); err != nil {
		s.sendError(err.Error(), protocol.CodeVoiceNoteNotFound)
		return
	}

	msg := &models.Message{
		ChatID:          s.chat.ID,
		IsFromUser:      true,
		Type:            models.MessageTypeVoice,
		Status:          models.MessageStatusSent,
		ReplyTo:         frame.ReplyTo,
		VoiceID:         rec.ID,
		DurationSeconds: rec.DurationSeconds,
	}
	if _, err := s.persistAndBroadcast(msg); err != nil {
		return
	}

	s.sendEvent(&protocol.Event{
		Type:      protocol.EventVoiceMessageReceived,
		ChatID:    s.chat.ID,
		MessageID: msg.ID,
		VoiceID:   rec.ID,
		Timestamp: time.Now().UTC(),
	})

	job := &models.VoiceJob{ChatID: s.chat.ID, MessageID: msg.ID, VoiceID: rec.ID}
	if err := s.srv.store.CreateVoiceJob(s.ctx, job); err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("creating voice job")
		return
	}
	if err := s.srv.jobs.Submit(s.ctx, job.ID); err != nil {
		log.Error().Err(err).Str("job_id", job.ID).Msg("queueing voice job")
	}
}

// handleFile fetches the shared file, persists and broadcasts the message,
// acknowledges the upload, and feeds the content into a twin reply.
func (s *session) handleFile(frame *protocol.Frame) {
	if frame.FileID == "" {
		s.sendError("file message requires a file_id", protocol.CodeFileNotFound)
		return
	}
	file, err := s.srv.media.Fetch(s.ctx, frame.FileID)
	if err != nil {
		if errors.Is(err, media.ErrFileNotFound) {
			s.sendError("file not found", protocol.CodeFileNotFound)
			return
		}
		log.Error().Err(err).Str("chat_id", s.chat.ID).Str("file_id", frame.FileID).Msg("fetching file")
		s.sendError("could not process file", "")
		return
	}

	msg := &models.Message{
		ChatID:     s.chat.ID,
		IsFromUser: true,
		Type:       models.MessageTypeFile,
		Status:     models.MessageStatusSent,
		ReplyTo:    frame.ReplyTo,
		FileID:     file.ID,
	}
	if _, err := s.persistAndBroadcast(msg); err != nil {
		return
	}

	ackType := protocol.EventFileMessageReceived
	if file.MimeType == "application/pdf" {
		ackType = protocol.EventPDFUploaded
	}
	s.sendEvent(&protocol.Event{
		Type:      ackType,
		ChatID:    s.chat.ID,
		MessageID: msg.ID,
		FileID:    file.ID,
		Timestamp: time.Now().UTC(),
	})

	content := chatctx.FileContent{Name: file.Name, MimeType: file.MimeType, Data: file.Data}
	if err := s.srv.orch.RespondWithFile(s.srv.baseCtx, s.chat, content); err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("twin file reply failed")
	}
}

// handleTyping republishes the sender's typing state to the topic.
// Last write wins, nothing is persisted.
func (s *session) handleTyping(frame *protocol.Frame) {
	if err := s.srv.bus.Publish(s.ctx, protocol.NewTypingEvent(s.chat.ID, s.user, frame.IsTyping)); err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("publishing typing indicator")
	}
}

// handleReadReceipt bulk-marks messages read and republishes the ids.
// Re-marking already-read messages is a no-op.
func (s *session) handleReadReceipt(frame *protocol.Frame) {
	if len(frame.MessageIDs) == 0 {
		return
	}
	updated, err := s.srv.store.MarkMessagesRead(s.ctx, s.chat.ID, frame.MessageIDs)
	if err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("marking messages read")
		s.sendError("could not update read status", "")
		return
	}
	log.Debug().Str("chat_id", s.chat.ID).Int("updated", updated).Msg("messages marked read")
	if err := s.srv.bus.Publish(s.ctx, protocol.NewReadReceiptEvent(s.chat.ID, s.user, frame.MessageIDs)); err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("publishing read receipt")
	}
}

// persistAndBroadcast writes one user message and fans it out. A reply_to
// pointing outside this chat is rejected with nothing persisted.
func (s *session) persistAndBroadcast(msg *models.Message) (bool, error) {
	first, err := s.srv.store.CreateMessage(s.ctx, msg)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrCrossChatReply):
			s.sendError("reply references a message outside this chat", protocol.CodeInvalidReply)
		case errors.Is(err, store.ErrMessageNotFound):
			s.sendError("replied-to message does not exist", protocol.CodeInvalidReply)
		default:
			log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("persisting message")
			s.sendError("could not save message", "")
		}
		return false, err
	}
	if err := s.srv.bus.Publish(s.ctx, protocol.NewMessageEvent(msg)); err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("broadcasting message")
		return first, err
	}
	return first, nil
}
