package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
)

const redisKeyPrefix = "parley:session:"

// RedisConfig configures a RedisStore.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// TTL expires idle sessions. Zero keeps them forever.
	TTL    time.Duration
	Logger zerolog.Logger
}

// RedisStore persists sessions in Redis. Metadata is a JSON string, history a
// list and the pending action a separate JSON string.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
	logger zerolog.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisStoreWithClient(client, cfg.TTL, cfg.Logger), nil
}

// NewRedisStoreWithClient wraps an existing client.
func NewRedisStoreWithClient(client *redis.Client, ttl time.Duration, logger zerolog.Logger) *RedisStore {
	observability.EnsureRegistered()
	return &RedisStore{
		client: client,
		ttl:    ttl,
		logger: logger.With().Str("component", "session_store").Str("backend", "redis").Logger(),
	}
}

func metaKey(id string) string     { return redisKeyPrefix + id }
func messagesKey(id string) string { return redisKeyPrefix + id + ":messages" }
func pendingKey(id string) string  { return redisKeyPrefix + id + ":pending" }

// CreateSession creates an empty session.
func (s *RedisStore) CreateSession(ctx context.Context, tenantID, userID string) (*Session, error) {
	id := uuid.New().String()
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.create", attribute.String("session_id", id))
	defer span.End()

	now := time.Now().UTC()
	sess := &Session{ID: id, TenantID: tenantID, UserID: userID, CreatedAt: now, UpdatedAt: now}

	data, err := json.Marshal(sess)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.client.Set(ctx, metaKey(id), data, s.ttl).Err(); err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	s.logger.Info().Str("session_id", id).Str("tenant_id", tenantID).Str("user_id", userID).Msg("Session created")
	return sess, nil
}

// GetSession loads session metadata, including any pending action.
func (s *RedisStore) GetSession(ctx context.Context, id string) (*Session, error) {
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.get", attribute.String("session_id", id))
	defer span.End()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { observability.RecordSessionLoad(time.Since(start)) }()

	sess, err := s.readMeta(ctx, id)
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			tracing.RecordError(span, err)
		}
		return nil, err
	}

	pending, err := s.readPending(ctx, id)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	sess.PendingAction = pending
	return sess, nil
}

// UpdateTitle sets the session title.
func (s *RedisStore) UpdateTitle(ctx context.Context, id, title string) error {
	return s.mutate(ctx, id, func(sess *Session) {
		sess.Title = title
	})
}

// AppendMessage pushes msg onto the history list and bumps the counters in one
// transaction.
func (s *RedisStore) AppendMessage(ctx context.Context, id string, msg Message) error {
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.append_message",
		attribute.String("session_id", id),
		attribute.String("role", msg.Role),
	)
	defer span.End()

	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	if err := ValidateID(id); err != nil {
		return err
	}
	if err := validateMessage(&msg); err != nil {
		return err
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		sess, err := s.readMetaWith(ctx, tx, id)
		if err != nil {
			return err
		}
		sess.MessageCount++
		sess.UpdatedAt = msg.Timestamp
		meta, err := json.Marshal(sess)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.RPush(ctx, messagesKey(id), data)
			pipe.Set(ctx, metaKey(id), meta, s.ttl)
			if s.ttl > 0 {
				pipe.Expire(ctx, messagesKey(id), s.ttl)
			}
			return nil
		})
		return err
	}, metaKey(id))
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			tracing.RecordError(span, err)
			return fmt.Errorf("failed to append message: %w", err)
		}
		return err
	}
	return nil
}

// RecentMessages returns up to n of the newest messages, oldest first.
func (s *RedisStore) RecentMessages(ctx context.Context, id string, n int) ([]Message, error) {
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.recent_messages", attribute.String("session_id", id))
	defer span.End()

	if err := ValidateID(id); err != nil {
		return nil, err
	}

	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := s.client.LRange(ctx, messagesKey(id), start, -1).Result()
	if err != nil {
		tracing.RecordError(span, err)
		return nil, fmt.Errorf("failed to read messages: %w", err)
	}

	messages := make([]Message, 0, len(raw))
	for i, item := range raw {
		var msg Message
		if err := json.Unmarshal([]byte(item), &msg); err != nil {
			s.logger.Warn().Err(err).Str("session_id", id).Int("index", i).Msg("Failed to parse message, skipping")
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// GetPendingAction returns the pending action, or nil.
func (s *RedisStore) GetPendingAction(ctx context.Context, id string) (*PendingAction, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	return s.readPending(ctx, id)
}

// SetPendingAction replaces the pending action.
func (s *RedisStore) SetPendingAction(ctx context.Context, id string, action PendingAction) error {
	ctx, span := tracing.StartSpan(ctx, "parley.session", "session.set_pending_action",
		attribute.String("session_id", id),
		attribute.String("action", action.ActionType),
	)
	defer span.End()

	if err := ValidateID(id); err != nil {
		return err
	}
	if action.CreatedAt.IsZero() {
		action.CreatedAt = time.Now().UTC()
	}

	exists, err := s.client.Exists(ctx, metaKey(id)).Result()
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to check session: %w", err)
	}
	if exists == 0 {
		return ErrNotFound
	}

	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal pending action: %w", err)
	}
	if err := s.client.Set(ctx, pendingKey(id), data, s.ttl).Err(); err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to store pending action: %w", err)
	}
	return nil
}

// ClearPendingAction removes the pending action, if any.
func (s *RedisStore) ClearPendingAction(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	if err := s.client.Del(ctx, pendingKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to clear pending action: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) mutate(ctx context.Context, id string, fn func(sess *Session)) error {
	if err := ValidateID(id); err != nil {
		return err
	}

	start := time.Now()
	defer func() { observability.RecordSessionSave(time.Since(start)) }()

	return s.client.Watch(ctx, func(tx *redis.Tx) error {
		sess, err := s.readMetaWith(ctx, tx, id)
		if err != nil {
			return err
		}
		fn(sess)
		sess.PendingAction = nil
		data, err := json.Marshal(sess)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, metaKey(id), data, s.ttl)
			return nil
		})
		return err
	}, metaKey(id))
}

func (s *RedisStore) readMeta(ctx context.Context, id string) (*Session, error) {
	return s.readMetaWith(ctx, s.client, id)
}

func (s *RedisStore) readMetaWith(ctx context.Context, c redis.StringCmdable, id string) (*Session, error) {
	data, err := c.Get(ctx, metaKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to read session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("failed to parse session: %w", err)
	}
	return &sess, nil
}

func (s *RedisStore) readPending(ctx context.Context, id string) (*PendingAction, error) {
	data, err := s.client.Get(ctx, pendingKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read pending action: %w", err)
	}

	var action PendingAction
	if err := json.Unmarshal(data, &action); err != nil {
		return nil, fmt.Errorf("failed to parse pending action: %w", err)
	}
	return &action, nil
}
