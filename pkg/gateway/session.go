package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/twinforge/twinchat/pkg/models"
	"github.com/twinforge/twinchat/pkg/protocol"
)

const outboundDepth = 256

// session is one admitted websocket connection. Reads, dispatch and writes
// for the socket never interleave with themselves: the handler goroutine
// reads and dispatches, a single writer goroutine drains outbound, and the
// forwarder goroutine only enqueues.
type session struct {
	srv  *Server
	conn *websocket.Conn
	chat *models.Chat
	user string

	ctx    context.Context
	cancel context.CancelFunc

	outbound chan []byte
	closed   sync.Once
	done     chan struct{}
}

func newSession(srv *Server, conn *websocket.Conn, chat *models.Chat, userID string) *session {
	ctx, cancel := context.WithCancel(srv.baseCtx)
	return &session{
		srv:      srv,
		conn:     conn,
		chat:     chat,
		user:     userID,
		ctx:      ctx,
		cancel:   cancel,
		outbound: make(chan []byte, outboundDepth),
		done:     make(chan struct{}),
	}
}

// run drives the session until the client disconnects or the server stops.
// Cleanup happens exactly once: the topic subscription ends, last_active is
// persisted, and the socket closes.
func (s *session) run() {
	defer s.close()

	events, err := s.srv.bus.Subscribe(s.ctx, s.chat.ID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("subscribing to chat topic")
		return
	}

	// Admission goes out before the writer goroutine exists, so this direct
	// write can never interleave with the queue drain. Broadcast traffic
	// buffers in the subscription until forward starts.
	if err := s.sendEstablished(); err != nil {
		return
	}

	go s.writeLoop()
	go s.forward(events)

	log.Info().Str("chat_id", s.chat.ID).Str("user_id", s.user).Msg("connection established")
	s.readLoop()
}

func (s *session) close() {
	s.closed.Do(func() {
		s.cancel()
		close(s.done)
		if err := s.srv.store.TouchChat(context.Background(), s.chat.ID); err != nil {
			log.Warn().Err(err).Str("chat_id", s.chat.ID).Msg("persisting last_active on disconnect")
		}
		_ = s.conn.Close()
		log.Info().Str("chat_id", s.chat.ID).Str("user_id", s.user).Msg("connection closed")
	})
}

// readLoop is the connection's single-threaded dispatch loop.
func (s *session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Err(err).Str("chat_id", s.chat.ID).Msg("read failed")
			}
			return
		}
		if s.ctx.Err() != nil {
			return
		}
		s.dispatch(data)
	}
}

// writeLoop is the only goroutine writing to the socket.
func (s *session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.outbound:
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug().Err(err).Str("chat_id", s.chat.ID).Msg("write failed, closing session")
				s.close()
				return
			}
		}
	}
}

// send enqueues one outbound payload. A full queue drops the payload rather
// than blocking the bus forwarder.
func (s *session) send(data []byte) {
	select {
	case <-s.done:
	case s.outbound <- data:
	default:
		log.Warn().Str("chat_id", s.chat.ID).Msg("outbound queue full, dropping event")
	}
}

func (s *session) sendEvent(ev *protocol.Event) {
	data, err := ev.Marshal()
	if err != nil {
		log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("encoding event")
		return
	}
	s.send(data)
}

func (s *session) sendError(msg, code string) {
	s.sendEvent(protocol.NewErrorEvent(msg, code))
}

// sendEstablished writes the admission event directly. It runs before
// writeLoop starts, keeping the socket single-writer.
func (s *session) sendEstablished() error {
	summary, err := s.srv.store.Summary(s.ctx, s.chat.ID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", s.chat.ID).Msg("loading summary for admission")
		summary = models.ChatSummary{TwinName: s.chat.TwinName}
	}
	ev := &protocol.Event{
		Type:         protocol.EventConnectionEstablished,
		ChatID:       s.chat.ID,
		TwinName:     s.chat.TwinName,
		TwinID:       s.chat.TwinID,
		MessageCount: summary.TotalMessages,
		Summary:      &summary,
		Timestamp:    time.Now().UTC(),
	}
	data, err := ev.Marshal()
	if err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// forward drains the topic subscription onto the socket. Every event's chat
// id is re-validated against the session before rendering, guarding against
// stale subscriptions. When the subscription or the server context ends,
// forward tears the whole session down so cleanup also runs on shutdown,
// where readLoop would otherwise stay parked in ReadMessage.
func (s *session) forward(events <-chan *protocol.Event) {
	defer s.close()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.ChatID != s.chat.ID {
				log.Warn().Str("chat_id", s.chat.ID).Str("event_chat_id", ev.ChatID).Msg("dropping event for foreign chat")
				continue
			}
			if ev.Type == protocol.EventTranscriptionCompleted {
				s.srv.resumeFromTranscript(ev)
			}
			data, err := ev.Marshal()
			if err != nil {
				log.Error().Err(err).Str("chat_id", s.chat.ID).Msg("encoding bus event")
				continue
			}
			s.send(data)
		}
	}
}

// isHeartbeat recognizes bare ping frames sent outside JSON framing.
func isHeartbeat(data []byte) bool {
	t := strings.ToLower(strings.TrimSpace(string(data)))
	return t == "ping" || t == "heartbeat"
}
