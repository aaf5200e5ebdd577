// Package gateway owns the websocket surface: connection admission, the
// per-connection frame router, and fan-out from the broadcast bus back onto
// sockets.
package gateway

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/twinforge/twinchat/pkg/auth"
	"github.com/twinforge/twinchat/pkg/bus"
	"github.com/twinforge/twinchat/pkg/media"
	"github.com/twinforge/twinchat/pkg/orchestrator"
	"github.com/twinforge/twinchat/pkg/protocol"
	"github.com/twinforge/twinchat/pkg/store"
	"github.com/twinforge/twinchat/pkg/transcribe"
)

// Server terminates websocket connections and routes frames into the chat
// engine.
type Server struct {
	addr string

	store store.Store
	bus   *bus.Bus
	orch  *orchestrator.Orchestrator
	jobs  *transcribe.Manager
	media media.Fetcher
	auth  auth.Validator

	upgrader websocket.Upgrader
	mux      *http.ServeMux
	server   *http.Server

	// baseCtx outlives individual connections so in-flight replies and
	// transcription resumes survive a disconnect.
	baseCtx context.Context

	// resume dedupe, keyed by notification id; bounded FIFO
	mu        sync.Mutex
	seen      map[string]struct{}
	seenOrder []string
}

// seenLimit caps the dedupe ledger. Replays of a notification arrive close
// to the original, so evicting the oldest ids is safe.
const seenLimit = 4096

// NewServer wires the gateway over its collaborators and mounts the /ws
// endpoint.
func NewServer(addr string, st store.Store, b *bus.Bus, orch *orchestrator.Orchestrator, jobs *transcribe.Manager, mediaFetcher media.Fetcher, validator auth.Validator) *Server {
	s := &Server{
		addr:     addr,
		store:    st,
		bus:      b,
		orch:     orch,
		jobs:     jobs,
		media:    mediaFetcher,
		auth:     validator,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		mux:      http.NewServeMux(),
		baseCtx:  context.Background(),
		seen:     map[string]struct{}{},
	}
	s.mux.HandleFunc("/ws", s.handleWS)
	s.server = &http.Server{Addr: addr, Handler: s.mux}
	return s
}

// Handler exposes the mux, for tests running over httptest.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves until ctx is cancelled or an interrupt arrives, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	eg := errgroup.Group{}
	srvCtx, srvCancel := context.WithCancel(ctx)
	defer srvCancel()
	s.baseCtx = srvCtx

	eg.Go(func() error {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
		select {
		case <-sigChan:
			log.Info().Msg("received interrupt signal, shutting down gracefully...")
		case <-srvCtx.Done():
		}
		srvCancel()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
			return err
		}
		log.Info().Msg("server shutdown complete")
		return nil
	})

	eg.Go(func() error {
		log.Info().Str("addr", s.addr).Msg("starting chat gateway")
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server listen error")
			return err
		}
		return nil
	})

	return eg.Wait()
}

// handleWS admits one connection: authenticate, authorize against the chat,
// subscribe to the topic, then hand off to the session loop. Admission
// failures close the socket without detail.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	chatID := r.URL.Query().Get("chat_id")
	token := r.URL.Query().Get("token")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("websocket upgrade failed")
		return
	}

	ctx := r.Context()
	if chatID == "" {
		log.Warn().Msg("connection rejected: missing chat_id")
		_ = conn.Close()
		return
	}

	userID, err := s.auth.Validate(ctx, token)
	if err != nil {
		log.Warn().Str("chat_id", chatID).Msg("connection rejected: invalid token")
		_ = conn.Close()
		return
	}

	flags, err := s.store.ChatAccess(ctx, chatID)
	if err != nil {
		log.Warn().Err(err).Str("chat_id", chatID).Msg("connection rejected: chat lookup failed")
		_ = conn.Close()
		return
	}
	if flags.OwnerID != userID || !flags.UserHasAccess || !flags.TwinIsActive {
		log.Warn().Str("chat_id", chatID).Str("user_id", userID).Msg("connection rejected: access denied")
		_ = conn.Close()
		return
	}

	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		log.Error().Err(err).Str("chat_id", chatID).Msg("connection rejected: loading chat")
		_ = conn.Close()
		return
	}

	sess := newSession(s, conn, chat, userID)
	sess.run()
}

// firstObservation records a notification id, evicting the oldest entries
// once the ledger is full, and reports whether the id is new.
func (s *Server) firstObservation(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[id]; dup {
		return false
	}
	s.seen[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	for len(s.seenOrder) > seenLimit {
		delete(s.seen, s.seenOrder[0])
		s.seenOrder = s.seenOrder[1:]
	}
	return true
}

// resumeFromTranscript triggers exactly one AI reply per completed
// transcription, no matter how many connections observe the notification.
func (s *Server) resumeFromTranscript(ev *protocol.Event) {
	if ev.NotificationID == "" || ev.Transcription == "" {
		return
	}
	if !s.firstObservation(ev.NotificationID) {
		return
	}

	go func() {
		chat, err := s.store.GetChat(s.baseCtx, ev.ChatID)
		if err != nil {
			log.Error().Err(err).Str("chat_id", ev.ChatID).Msg("loading chat for transcript resume")
			return
		}
		if err := s.orch.Respond(s.baseCtx, chat, false); err != nil {
			log.Error().Err(err).Str("chat_id", ev.ChatID).Msg("replying to transcript")
		}
	}()
}
