package session

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
)

// FileConfig configures a FileStore.
type FileConfig struct {
	// Dir holds one <id>.jsonl history file and one <id>.meta.json file per
	// session. Defaults to ~/.parley/sessions.
	Dir    string
	Logger zerolog.Logger
}

// FileStore persists sessions on the local filesystem.
type FileStore struct {
	dir        string
	logger     zerolog.Logger
	writeLocks map[string]*idLock
	locksMu    sync.Mutex
}

var _ Store = (*FileStore)(nil)

// historyEntry is one JSONL line.
type historyEntry struct {
	SessionID string  `json:"session_id"`
	Message   Message `json:"message"`
}

// NewFileStore creates the session directory if needed.
func NewFileStore(cfg FileConfig) (*FileStore, error) {
	observability.EnsureRegistered()

	dir := cfg.Dir
	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".parley", "sessions")
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create sessions directory: %w", err)
	}

	fs := &FileStore{
		dir:        dir,
		logger:     cfg.Logger.With().Str("component", "session_store").Logger(),
		writeLocks: make(map[string]*idLock),
	}
	fs.logger.Info().Str("dir", dir).Msg("Session store initialized")
	return fs, nil
}

func (s *FileStore) historyPath(id string) string {
	return filepath.Join(s.dir, id+".jsonl")
}

func (s *FileStore) metaPath(id string) string {
	return filepath.Join(s.dir, id+".meta.json")
}

// idLock serializes writers of one session. refs counts holders and waiters;
// the entry leaves the table when the last of them unlocks.
type idLock struct {
	mu   sync.Mutex
	refs int
}

// lock acquires the per-session lock and returns its release.
func (s *FileStore) lock(id string) func() {
	s.locksMu.Lock()
	l, ok := s.writeLocks[id]
	if !ok {
		l = &idLock{}
		s.writeLocks[id] = l
	}
	l.refs++
	s.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		s.locksMu.Lock()
		defer s.locksMu.Unlock()
		l.refs--
		if l.refs == 0 {
			delete(s.writeLocks, id)
		}
	}
}

func (s *FileStore) span(ctx context.Context, name, id string, attrs ...attribute.KeyValue) (context.Context, trace.Span, zerolog.Logger) {
	ctx = tracing.WithSessionID(ctx, id)
	attrs = append(attrs, attribute.String("session_id", id))
	ctx, span := tracing.StartSpan(ctx, "parley.session", name, attrs...)
	return ctx, span, tracing.LoggerFromContext(ctx, s.logger)
}

// CreateSession creates an empty session owned by tenant and user.
func (s *FileStore) CreateSession(ctx context.Context, tenantID, userID string) (*Session, error) {
	id := uuid.New().String()
	_, span, logger := s.span(ctx, "session.create", id)
	defer span.End()

	now := time.Now().UTC()
	sess := &Session{
		ID:        id,
		TenantID:  tenantID,
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	unlock := s.lock(id)
	defer unlock()

	if err := s.writeMeta(sess); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	logger.Info().Str("tenant_id", tenantID).Str("user_id", userID).Msg("Session created")
	return sess, nil
}

// GetSession loads session metadata.
func (s *FileStore) GetSession(ctx context.Context, id string) (*Session, error) {
	_, span, _ := s.span(ctx, "session.get", id)
	defer span.End()

	if err := ValidateID(id); err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}

	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.readMeta(id)
	if err != nil && !errors.Is(err, ErrNotFound) {
		tracing.RecordError(span, err)
	}
	return sess, err
}

// UpdateTitle sets the session title.
func (s *FileStore) UpdateTitle(ctx context.Context, id, title string) error {
	_, span, _ := s.span(ctx, "session.update_title", id)
	defer span.End()

	return s.mutate(id, func(sess *Session) {
		sess.Title = title
	})
}

// AppendMessage appends msg to the session history.
func (s *FileStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	_, span, logger := s.span(ctx, "session.append_message", id, attribute.String("role", msg.Role))
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		tracing.RecordError(span, err)
		return err
	}
	if err := validateMessage(&msg); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	unlock := s.lock(id)
	defer unlock()

	sess, err := s.readMeta(id)
	if err != nil {
		tracing.RecordError(span, err)
		return err
	}

	file, err := os.OpenFile(s.historyPath(id), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	data, err := json.Marshal(historyEntry{SessionID: id, Message: msg})
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if _, err := file.Write(append(data, '\n')); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to write message: %w", err)
	}
	if err := file.Sync(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to sync file: %w", err)
	}

	sess.MessageCount++
	sess.UpdatedAt = msg.Timestamp
	if err := s.writeMeta(sess); err != nil {
		tracing.RecordError(span, err)
		return err
	}

	logger.Debug().Str("role", msg.Role).Int("messages", sess.MessageCount).Msg("Message appended")
	return nil
}

// RecentMessages returns up to n of the newest messages, oldest first.
// Corrupted lines are skipped.
func (s *FileStore) RecentMessages(ctx context.Context, id string, n int) ([]Message, error) {
	_, span, logger := s.span(ctx, "session.recent_messages", id, attribute.Int("limit", n))
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	file, err := os.Open(s.historyPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return []Message{}, nil
		}
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to open session file: %w", err)
	}
	defer file.Close()

	var messages []Message
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var entry historyEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			logger.Warn().Int("line", lineNum).Err(err).Msg("Failed to parse line, skipping")
			continue
		}
		if entry.Message.Role == "" || entry.Message.Content == "" {
			logger.Warn().Int("line", lineNum).Msg("Invalid entry, skipping")
			continue
		}

		messages = append(messages, entry.Message)
		if n > 0 && len(messages) > 2*n {
			messages = append(messages[:0:0], messages[len(messages)-n:]...)
		}
	}
	if err := scanner.Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	if n > 0 && len(messages) > n {
		messages = messages[len(messages)-n:]
	}
	if messages == nil {
		messages = []Message{}
	}
	return messages, nil
}

// GetPendingAction returns the pending action, or nil.
func (s *FileStore) GetPendingAction(ctx context.Context, id string) (*PendingAction, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.PendingAction, nil
}

// SetPendingAction replaces the pending action.
func (s *FileStore) SetPendingAction(ctx context.Context, id string, action PendingAction) error {
	_, span, _ := s.span(ctx, "session.set_pending_action", id, attribute.String("action", action.ActionType))
	defer span.End()

	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}
	return s.mutate(id, func(sess *Session) {
		sess.PendingAction = &action
	})
}

// ClearPendingAction removes the pending action, if any.
func (s *FileStore) ClearPendingAction(ctx context.Context, id string) error {
	_, span, _ := s.span(ctx, "session.clear_pending_action", id)
	defer span.End()

	return s.mutate(id, func(sess *Session) {
		sess.PendingAction = nil
	})
}

// DeleteSession removes a session and its history.
func (s *FileStore) DeleteSession(ctx context.Context, id string) error {
	_, span, logger := s.span(ctx, "session.delete", id)
	defer span.End()

	if err := ValidateID(id); err != nil {
		return err
	}

	unlock := s.lock(id)
	defer unlock()

	for _, path := range []string{s.historyPath(id), s.metaPath(id)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			tracing.RecordError(span, err)
			return fmt.Errorf("failed to delete session file: %w", err)
		}
	}

	logger.Info().Msg("Session deleted")
	return nil
}

// ListSessions returns the ids of all stored sessions.
func (s *FileStore) ListSessions() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if name := entry.Name(); strings.HasSuffix(name, ".meta.json") {
			ids = append(ids, strings.TrimSuffix(name, ".meta.json"))
		}
	}
	return ids, nil
}

// Close releases resources. The file store holds none.
func (s *FileStore) Close() error {
	return nil
}

func (s *FileStore) mutate(id string, fn func(sess *Session)) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	unlock := s.lock(id)
	defer unlock()

	sess, err := s.readMeta(id)
	if err != nil {
		return err
	}
	fn(sess)
	return s.writeMeta(sess)
}

func (s *FileStore) readMeta(id string) (*Session, error) {
	data, err := os.ReadFile(s.metaPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session metadata: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session metadata: %w", err)
	}
	return &sess, nil
}

// writeMeta replaces the metadata file atomically.
func (s *FileStore) writeMeta(sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	path := s.metaPath(sess.ID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write session metadata: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace session metadata: %w", err)
	}
	return nil
}

// PruneIdle deletes sessions whose last update is older than maxAge and
// returns how many were removed.
func (s *FileStore) PruneIdle(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := s.ListSessions()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	removed := 0
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		sess, err := s.readMeta(id)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to read session during prune")
			continue
		}
		if sess.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.DeleteSession(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to prune session")
			continue
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Dur("max_age", maxAge).Msg("Pruned idle sessions")
	}
	return removed, nil
}
