package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ErrNotFound is returned when a session does not exist.
var ErrNotFound = errors.New("session not found")

// Message represents a single conversation turn.
type Message struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// PendingAction is a proposed mutation awaiting user confirmation.
type PendingAction struct {
	ActionType string         `json:"action_type"`
	Params     map[string]any `json:"params"`
	Preview    map[string]any `json:"preview,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Session is the metadata of a conversation.
type Session struct {
	ID            string         `json:"id"`
	TenantID      string         `json:"tenant_id"`
	UserID        string         `json:"user_id"`
	Title         string         `json:"title,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
	MessageCount  int            `json:"message_count"`
	PendingAction *PendingAction `json:"pending_action,omitempty"`
}

// OwnedBy reports whether the session belongs to tenant and user.
func (s *Session) OwnedBy(tenantID, userID string) bool {
	return s != nil && s.TenantID == tenantID && s.UserID == userID
}

// Store persists sessions.
type Store interface {
	CreateSession(ctx context.Context, tenantID, userID string) (*Session, error)
	// GetSession returns ErrNotFound for unknown ids.
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateTitle(ctx context.Context, id, title string) error
	AppendMessage(ctx context.Context, id string, msg Message) error
	// RecentMessages returns up to n of the newest messages, oldest first.
	RecentMessages(ctx context.Context, id string, n int) ([]Message, error)
	// GetPendingAction returns nil when no action is pending.
	GetPendingAction(ctx context.Context, id string) (*PendingAction, error)
	SetPendingAction(ctx context.Context, id string, action PendingAction) error
	ClearPendingAction(ctx context.Context, id string) error
	Close() error
}

// TitleMaxRunes is the length of an auto-generated title before the ellipsis.
const TitleMaxRunes = 50

// MakeTitle derives a session title from the first user message.
func MakeTitle(content string) string {
	content = strings.TrimSpace(content)
	if utf8.RuneCountInString(content) <= TitleMaxRunes {
		return content
	}
	runes := []rune(content)
	return string(runes[:TitleMaxRunes]) + "..."
}

// ValidateID checks that id is safe to use as a file name or key suffix.
func ValidateID(id string) error {
	if id == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(id, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(id, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(id, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	return nil
}

func validateMessage(msg *Message) error {
	if msg.Role == "" {
		return fmt.Errorf("message role cannot be empty")
	}
	if msg.Content == "" {
		return fmt.Errorf("message content cannot be empty")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	return nil
}
