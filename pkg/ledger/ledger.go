// Package ledger persists token usage and execution logs in SQLite.
//
// A DB serves as the quota store for quota.Tracker and as an execution-log
// sink for observability.Recorder.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/parley/internal/observability"
	"github.com/harun/parley/internal/tracing"
	"github.com/harun/parley/pkg/quota"
)

// Config holds ledger configuration.
type Config struct {
	Path   string
	Logger zerolog.Logger
}

// DB is a SQLite-backed usage ledger.
type DB struct {
	db     *sql.DB
	logger zerolog.Logger
}

var (
	_ quota.Store        = (*DB)(nil)
	_ observability.Sink = (*DB)(nil)
)

// Open opens (or creates) the ledger database at cfg.Path.
func Open(cfg Config) (*DB, error) {
	if cfg.Path == "" {
		return nil, errors.New("database path is required")
	}
	if cfg.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create ledger directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One writer keeps sqlite free of SQLITE_BUSY under concurrent runs.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	l := &DB{db: db, logger: cfg.Logger}
	if err := l.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	l.logger.Info().Str("path", cfg.Path).Msg("Ledger opened")
	return l, nil
}

func (l *DB) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS usage (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL,
			output_tokens INTEGER NOT NULL,
			recorded_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_usage_tenant_time ON usage(tenant_id, recorded_at);

		CREATE TABLE IF NOT EXISTS execution_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			user_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			agent TEXT NOT NULL,
			provider TEXT,
			model TEXT,
			input TEXT NOT NULL,
			output TEXT,
			tool_calls TEXT,
			error TEXT,
			cancelled INTEGER NOT NULL DEFAULT 0,
			tokens_in INTEGER NOT NULL DEFAULT 0,
			tokens_out INTEGER NOT NULL DEFAULT 0,
			started_at INTEGER NOT NULL,
			completed_at INTEGER NOT NULL,
			duration_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_exec_session ON execution_log(session_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_exec_started ON execution_log(started_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// AddUsage appends a usage record.
func (l *DB) AddUsage(ctx context.Context, rec quota.Record) error {
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO usage (tenant_id, user_id, provider, model, input_tokens, output_tokens, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.TenantID, rec.UserID, rec.Provider, rec.Model,
		rec.InputTokens, rec.OutputTokens, rec.RecordedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert usage: %w", err)
	}
	return nil
}

// Usage sums tokens recorded for tenant at or after since.
func (l *DB) Usage(ctx context.Context, tenantID string, since time.Time) (int64, error) {
	var total sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(input_tokens + output_tokens) FROM usage WHERE tenant_id = ? AND recorded_at >= ?`,
		tenantID, since.UnixMilli(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total.Int64, nil
}

// RecordExecution stores one execution log entry.
func (l *DB) RecordExecution(ctx context.Context, entry observability.ExecutionLog) error {
	ctx, span := tracing.StartSpan(ctx, "parley.ledger", "ledger.record_execution",
		attribute.String("request_id", entry.RequestID),
	)
	defer span.End()

	output, err := marshalNullable(entry.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	calls, err := marshalNullable(entry.ToolCalls)
	if err != nil {
		return fmt.Errorf("failed to marshal tool calls: %w", err)
	}

	_, err = l.db.ExecContext(ctx,
		`INSERT INTO execution_log (request_id, tenant_id, user_id, session_id, agent, provider, model,
			input, output, tool_calls, error, cancelled, tokens_in, tokens_out, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.RequestID, entry.TenantID, entry.UserID, entry.SessionID, entry.Agent,
		entry.Provider, entry.Model, entry.Input, output, calls, nullString(entry.Error),
		entry.Cancelled, entry.TokensIn, entry.TokensOut,
		entry.StartedAt.UnixMilli(), entry.CompletedAt.UnixMilli(), entry.DurationMs,
	)
	if err != nil {
		tracing.RecordError(span, err)
		return fmt.Errorf("failed to insert execution log: %w", err)
	}
	return nil
}

// Executions returns the most recent execution entries for a session, newest first.
func (l *DB) Executions(ctx context.Context, sessionID string, limit int) ([]observability.ExecutionLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT request_id, tenant_id, user_id, session_id, agent, provider, model, input, output,
			error, cancelled, tokens_in, tokens_out, started_at, completed_at, duration_ms
		 FROM execution_log WHERE session_id = ? ORDER BY started_at DESC, id DESC LIMIT ?`,
		sessionID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query execution log: %w", err)
	}
	defer rows.Close()

	var out []observability.ExecutionLog
	for rows.Next() {
		var (
			e                  observability.ExecutionLog
			provider, model    sql.NullString
			output, errText    sql.NullString
			started, completed int64
		)
		if err := rows.Scan(&e.RequestID, &e.TenantID, &e.UserID, &e.SessionID, &e.Agent,
			&provider, &model, &e.Input, &output, &errText, &e.Cancelled,
			&e.TokensIn, &e.TokensOut, &started, &completed, &e.DurationMs); err != nil {
			return nil, err
		}
		e.Provider = provider.String
		e.Model = model.String
		e.Error = errText.String
		e.StartedAt = time.UnixMilli(started)
		e.CompletedAt = time.UnixMilli(completed)
		if output.Valid {
			if err := json.Unmarshal([]byte(output.String), &e.Output); err != nil {
				l.logger.Warn().Err(err).Str("request_id", e.RequestID).Msg("Skipping malformed output column")
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes execution log entries older than before. Usage rows are kept
// because quota periods read them.
func (l *DB) Prune(ctx context.Context, before time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM execution_log WHERE started_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to prune execution log: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		l.logger.Info().Int64("deleted", n).Time("before", before).Msg("Pruned execution log")
	}
	return n, nil
}

// Close closes the database.
func (l *DB) Close() error {
	return l.db.Close()
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
