package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/twinforge/twinchat/pkg/models"
)

// SQLiteStore is the reference Store implementation backed by a single
// sqlite database.
type SQLiteStore struct {
	db *sql.DB

	// lastCreated guards per-chat timestamp monotonicity across concurrent
	// writers sharing this store.
	mu          sync.Mutex
	lastCreated map[string]time.Time
}

var _ Store = &SQLiteStore{}

// DSNForFile builds a sqlite DSN with WAL and foreign keys enabled.
func DSNForFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", errors.New("sqlite store: empty path")
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path), nil
}

func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlite store: empty dsn")
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	s := &SQLiteStore{db: db, lastCreated: map[string]time.Time{}}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS chats (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			twin_id TEXT NOT NULL,
			twin_name TEXT NOT NULL,
			persona_data TEXT NOT NULL DEFAULT '',
			user_has_access INTEGER NOT NULL DEFAULT 1,
			twin_is_active INTEGER NOT NULL DEFAULT 1,
			last_active_ns INTEGER NOT NULL DEFAULT 0,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			chat_id TEXT NOT NULL,
			is_from_user INTEGER NOT NULL,
			message_type TEXT NOT NULL,
			text_content TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'sent',
			reply_to TEXT,
			voice_id TEXT,
			file_id TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS messages_by_chat ON messages(chat_id, created_at_ns DESC);`,
		`CREATE TABLE IF NOT EXISTS voice_recordings (
			id TEXT PRIMARY KEY,
			data BLOB NOT NULL,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			created_at_ns INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS voice_jobs (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL,
			chat_id TEXT NOT NULL,
			voice_id TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			transcript TEXT NOT NULL DEFAULT '',
			notify_seq INTEGER NOT NULL DEFAULT 0,
			created_at_ns INTEGER NOT NULL,
			updated_at_ns INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS voice_jobs_by_chat ON voice_jobs(chat_id, created_at_ns DESC);`,
	}
	for _, st := range stmts {
		if _, err := s.db.Exec(st); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLiteStore) GetChat(ctx context.Context, chatID string) (*models.Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, twin_id, twin_name, persona_data, user_has_access, twin_is_active, last_active_ns, created_at_ns
		FROM chats WHERE id = ?
	`, chatID)
	var c models.Chat
	var lastActive, createdAt int64
	err := row.Scan(&c.ID, &c.UserID, &c.TwinID, &c.TwinName, &c.PersonaData, &c.UserHasAccess, &c.TwinIsActive, &lastActive, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: get chat")
	}
	c.LastActive = time.Unix(0, lastActive)
	c.CreatedAt = time.Unix(0, createdAt)
	return &c, nil
}

func (s *SQLiteStore) ChatAccess(ctx context.Context, chatID string) (AccessFlags, error) {
	row := s.db.QueryRowContext(ctx, `SELECT user_id, user_has_access, twin_is_active FROM chats WHERE id = ?`, chatID)
	var f AccessFlags
	err := row.Scan(&f.OwnerID, &f.UserHasAccess, &f.TwinIsActive)
	if err == sql.ErrNoRows {
		return AccessFlags{}, ErrChatNotFound
	}
	if err != nil {
		return AccessFlags{}, errors.Wrap(err, "sqlite store: chat access")
	}
	return f, nil
}

func (s *SQLiteStore) TouchChat(ctx context.Context, chatID string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE chats SET last_active_ns = ? WHERE id = ?`, time.Now().UnixNano(), chatID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: touch chat")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrChatNotFound
	}
	return nil
}

// CreateChat seeds a chat row. Used by provisioning and tests; the live
// engine only reads chats.
func (s *SQLiteStore) CreateChat(ctx context.Context, c *models.Chat) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats(id, user_id, twin_id, twin_name, persona_data, user_has_access, twin_is_active, last_active_ns, created_at_ns)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.UserID, c.TwinID, c.TwinName, c.PersonaData, c.UserHasAccess, c.TwinIsActive, c.LastActive.UnixNano(), c.CreatedAt.UnixNano())
	return errors.Wrap(err, "sqlite store: create chat")
}

// nextCreatedAt assigns the persistence timestamp for a chat, bumping by one
// microsecond when the clock has not advanced past the previous insert.
func (s *SQLiteStore) nextCreatedAt(chatID string) time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	if last, ok := s.lastCreated[chatID]; ok && !now.After(last) {
		now = last.Add(time.Microsecond)
	}
	s.lastCreated[chatID] = now
	return now
}

func (s *SQLiteStore) CreateMessage(ctx context.Context, m *models.Message) (bool, error) {
	if m == nil || strings.TrimSpace(m.ChatID) == "" {
		return false, errors.New("sqlite store: message chat id is empty")
	}
	if m.ReplyTo != "" {
		ref, err := s.GetMessage(ctx, m.ReplyTo)
		if err != nil {
			return false, err
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
	m.CreatedAt = s.nextCreatedAt(m.ChatID)

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM messages WHERE chat_id = ?`, m.ChatID).Scan(&count); err != nil {
		return false, errors.Wrap(err, "sqlite store: count messages")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages(id, chat_id, is_from_user, message_type, text_content, status, reply_to, voice_id, file_id, duration_seconds, created_at_ns)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, m.ID, m.ChatID, m.IsFromUser, string(m.Type), m.TextContent, string(m.Status),
		nullable(m.ReplyTo), nullable(m.VoiceID), nullable(m.FileID), m.DurationSeconds, m.CreatedAt.UnixNano())
	if err != nil {
		return false, errors.Wrap(err, "sqlite store: insert message")
	}
	return count == 0, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *SQLiteStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_id, is_from_user, message_type, text_content, status, reply_to, voice_id, file_id, duration_seconds, created_at_ns
		FROM messages WHERE id = ?
	`, id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: get message")
	}
	return m, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	var m models.Message
	var replyTo, voiceID, fileID sql.NullString
	var createdAt int64
	var mt, st string
	if err := row.Scan(&m.ID, &m.ChatID, &m.IsFromUser, &mt, &m.TextContent, &st, &replyTo, &voiceID, &fileID, &m.DurationSeconds, &createdAt); err != nil {
		return nil, err
	}
	m.Type = models.MessageType(mt)
	m.Status = models.MessageStatus(st)
	m.ReplyTo = replyTo.String
	m.VoiceID = voiceID.String
	m.FileID = fileID.String
	m.CreatedAt = time.Unix(0, createdAt)
	return &m, nil
}

func (s *SQLiteStore) RecentMessages(ctx context.Context, chatID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 15
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, chat_id, is_from_user, message_type, text_content, status, reply_to, voice_id, file_id, duration_seconds, created_at_ns
		FROM messages WHERE chat_id = ?
		ORDER BY created_at_ns DESC
		LIMIT ?
	`, chatID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: recent messages")
	}
	defer func() { _ = rows.Close() }()

	items := []models.Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// newest-first from the query; flip to chronological order
	for i, j := 0, len(items)-1; i < j; i, j = i+1, j-1 {
		items[i], items[j] = items[j], items[i]
	}
	return items, nil
}

func (s *SQLiteStore) MarkMessagesRead(ctx context.Context, chatID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.Repeat("?,", len(messageIDs))
	placeholders = placeholders[:len(placeholders)-1]
	args := []any{string(models.MessageStatusRead), chatID}
	for _, id := range messageIDs {
		args = append(args, id)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE messages SET status = ? WHERE chat_id = ? AND id IN (%s)
	`, placeholders), args...)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: mark read")
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLiteStore) SetMessageTranscript(ctx context.Context, messageID, transcript string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET text_content = ? WHERE id = ?`, transcript, messageID)
	if err != nil {
		return errors.Wrap(err, "sqlite store: set transcript")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrMessageNotFound
	}
	return nil
}

func (s *SQLiteStore) Summary(ctx context.Context, chatID string) (models.ChatSummary, error) {
	chat, err := s.GetChat(ctx, chatID)
	if err != nil {
		return models.ChatSummary{}, err
	}
	sum := models.ChatSummary{TwinName: chat.TwinName}
	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1),
		       COALESCE(SUM(is_from_user), 0),
		       COALESCE(MIN(created_at_ns), 0)
		FROM messages WHERE chat_id = ?
	`, chatID)
	var firstNs int64
	if err := row.Scan(&sum.TotalMessages, &sum.UserMessages, &firstNs); err != nil {
		return models.ChatSummary{}, errors.Wrap(err, "sqlite store: summary")
	}
	sum.TwinMessages = sum.TotalMessages - sum.UserMessages
	if firstNs > 0 {
		t := time.Unix(0, firstNs)
		sum.StartedAt = &t
	}
	return sum, nil
}

func (s *SQLiteStore) CreateVoiceRecording(ctx context.Context, rec *models.VoiceRecording) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_recordings(id, data, duration_seconds, created_at_ns)
		VALUES(?, ?, ?, ?)
	`, rec.ID, rec.Data, rec.DurationSeconds, rec.CreatedAt.UnixNano())
	return errors.Wrap(err, "sqlite store: create voice recording")
}

func (s *SQLiteStore) GetVoiceRecording(ctx context.Context, id string) (*models.VoiceRecording, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, data, duration_seconds, created_at_ns FROM voice_recordings WHERE id = ?`, id)
	var rec models.VoiceRecording
	var createdAt int64
	err := row.Scan(&rec.ID, &rec.Data, &rec.DurationSeconds, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrRecordingNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: get voice recording")
	}
	rec.CreatedAt = time.Unix(0, createdAt)
	return &rec, nil
}

func (s *SQLiteStore) CreateVoiceJob(ctx context.Context, job *models.VoiceJob) error {
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
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_jobs(id, message_id, chat_id, voice_id, status, transcript, notify_seq, created_at_ns, updated_at_ns)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.MessageID, job.ChatID, job.VoiceID, string(job.Status), job.Transcript, job.NotifySeq, job.CreatedAt.UnixNano(), job.UpdatedAt.UnixNano())
	return errors.Wrap(err, "sqlite store: create voice job")
}

func (s *SQLiteStore) GetVoiceJob(ctx context.Context, id string) (*models.VoiceJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, chat_id, voice_id, status, transcript, notify_seq, created_at_ns, updated_at_ns
		FROM voice_jobs WHERE id = ?
	`, id)
	var j models.VoiceJob
	var st string
	var createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.MessageID, &j.ChatID, &j.VoiceID, &st, &j.Transcript, &j.NotifySeq, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: get voice job")
	}
	j.Status = models.VoiceJobStatus(st)
	j.CreatedAt = time.Unix(0, createdAt)
	j.UpdatedAt = time.Unix(0, updatedAt)
	return &j, nil
}

func (s *SQLiteStore) MarkVoiceJobProcessing(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE voice_jobs SET status = ?, updated_at_ns = ? WHERE id = ? AND status = ?
	`, string(models.VoiceJobProcessing), time.Now().UnixNano(), id, string(models.VoiceJobPending))
	if err != nil {
		return false, errors.Wrap(err, "sqlite store: mark processing")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLiteStore) CompleteVoiceJob(ctx context.Context, id, transcript string) (int64, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE voice_jobs
		SET status = ?, transcript = ?, notify_seq = notify_seq + 1, updated_at_ns = ?
		WHERE id = ? AND status = ?
	`, string(models.VoiceJobCompleted), transcript, time.Now().UnixNano(), id, string(models.VoiceJobProcessing))
	if err != nil {
		return 0, false, errors.Wrap(err, "sqlite store: complete voice job")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, false, nil
	}
	var seq int64
	if err := s.db.QueryRowContext(ctx, `SELECT notify_seq FROM voice_jobs WHERE id = ?`, id).Scan(&seq); err != nil {
		return 0, false, errors.Wrap(err, "sqlite store: read notify seq")
	}
	return seq, true, nil
}

func (s *SQLiteStore) FailVoiceJob(ctx context.Context, id, errorText string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE voice_jobs SET status = ?, transcript = ?, updated_at_ns = ? WHERE id = ? AND status = ?
	`, string(models.VoiceJobFailed), errorText, time.Now().UnixNano(), id, string(models.VoiceJobProcessing))
	if err != nil {
		return false, errors.Wrap(err, "sqlite store: fail voice job")
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
