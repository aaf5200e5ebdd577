package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/twinforge/twinchat/pkg/models"
)

// MemoryStore is an in-memory Store used by tests and single-process
// development runs. Semantics mirror SQLiteStore.
type MemoryStore struct {
	mu          sync.Mutex
	chats       map[string]*models.Chat
	messages    map[string]*models.Message
	recordings  map[string]*models.VoiceRecording
	jobs        map[string]*models.VoiceJob
	lastCreated map[string]time.Time
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		chats:       map[string]*models.Chat{},
		messages:    map[string]*models.Message{},
		recordings:  map[string]*models.VoiceRecording{},
		jobs:        map[string]*models.VoiceJob{},
		lastCreated: map[string]time.Time{},
	}
}

func (s *MemoryStore) CreateChat(_ context.Context, c *models.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	cp := *c
	s.chats[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetChat(_ context.Context, chatID string) (*models.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, ErrChatNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ChatAccess(_ context.Context, chatID string) (AccessFlags, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return AccessFlags{}, ErrChatNotFound
	}
	return AccessFlags{OwnerID: c.UserID, UserHasAccess: c.UserHasAccess, TwinIsActive: c.TwinIsActive}, nil
}

func (s *MemoryStore) TouchChat(_ context.Context, chatID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return ErrChatNotFound
	}
	c.LastActive = time.Now()
	return nil
}

func (s *MemoryStore) CreateMessage(_ context.Context, m *models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ReplyTo != "" {
		ref, ok := s.messages[m.ReplyTo]
		if !ok {
			return false, ErrMessageNotFound
		}
		if ref.ChatID != m.ChatID {
			return false, ErrCrossChatReply
		}
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Status == "" {
		m.Status = models.MessageStatusSent
	}
	now := time.Now()
	if last, ok := s.lastCreated[m.ChatID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	s.lastCreated[m.ChatID] = now
	m.CreatedAt = now

	first := true
	for _, other := range s.messages {
		if other.ChatID == m.ChatID {
			first = false
			break
		}
	}
	cp := *m
	s.messages[m.ID] = &cp
	return first, nil
}

func (s *MemoryStore) GetMessage(_ context.Context, id string) (*models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *MemoryStore) RecentMessages(_ context.Context, chatID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 15
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	items := []models.Message{}
	for _, m := range s.messages {
		if m.ChatID == chatID {
			items = append(items, *m)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].CreatedAt.Before(items[j].CreatedAt) })
	if len(items) > limit {
		items = items[len(items)-limit:]
	}
	return items, nil
}

func (s *MemoryStore) MarkMessagesRead(_ context.Context, chatID string, messageIDs []string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, id := range messageIDs {
		if m, ok := s.messages[id]; ok && m.ChatID == chatID {
			m.Status = models.MessageStatusRead
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SetMessageTranscript(_ context.Context, messageID, transcript string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return ErrMessageNotFound
	}
	m.TextContent = transcript
	return nil
}

func (s *MemoryStore) Summary(_ context.Context, chatID string) (models.ChatSummary, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return models.ChatSummary{}, ErrChatNotFound
	}
	sum := models.ChatSummary{TwinName: c.TwinName}
	var first time.Time
	for _, m := range s.messages {
		if m.ChatID != chatID {
			continue
		}
		sum.TotalMessages++
		if m.IsFromUser {
			sum.UserMessages++
		} else {
			sum.TwinMessages++
		}
		if first.IsZero() || m.CreatedAt.Before(first) {
			first = m.CreatedAt
		}
	}
	if !first.IsZero() {
		sum.StartedAt = &first
	}
	return sum, nil
}

func (s *MemoryStore) CreateVoiceRecording(_ context.Context, rec *models.VoiceRecording) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	cp := *rec
	s.recordings[rec.ID] = &cp
	return nil
}

func (s *MemoryStore) GetVoiceRecording(_ context.Context, id string) (*models.VoiceRecording, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recordings[id]
	if !ok {
		return nil, ErrRecordingNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *MemoryStore) CreateVoiceJob(_ context.Context, job *models.VoiceJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.VoiceJobPending
	}
	cp := *job
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) GetVoiceJob(_ context.Context, id string) (*models.VoiceJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	cp := *j
	return &cp, nil
}

func (s *MemoryStore) MarkVoiceJobProcessing(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != models.VoiceJobPending {
		return false, nil
	}
	j.Status = models.VoiceJobProcessing
	j.UpdatedAt = time.Now()
	return true, nil
}

func (s *MemoryStore) CompleteVoiceJob(_ context.Context, id, transcript string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return 0, false, ErrJobNotFound
	}
	if j.Status != models.VoiceJobProcessing {
		return 0, false, nil
	}
	j.Status = models.VoiceJobCompleted
	j.Transcript = transcript
	j.NotifySeq++
	j.UpdatedAt = time.Now()
	return j.NotifySeq, true, nil
}

func (s *MemoryStore) FailVoiceJob(_ context.Context, id, errorText string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return false, ErrJobNotFound
	}
	if j.Status != models.VoiceJobProcessing {
		return false, nil
	}
	j.Status = models.VoiceJobFailed
	j.Transcript = errorText
	j.UpdatedAt = time.Now()
	return true, nil
}
