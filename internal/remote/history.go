// Package remote reads the workflow backend's chat history table. It is
// used only to seed an empty local history and never writes.
package remote

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

// HistoryRecord is the most recent remembered message row for a session.
type HistoryRecord struct {
	ID        int64
	SessionID string
	Message   string
}

type History struct {
	db    *sql.DB
	table string
	sql   sq.StatementBuilderType
}

// Open connects to the workflow backend's database. The table holds rows of
// (id, session_id, message) where message may be a plain string or a JSON
// object carrying the text.
func Open(ctx context.Context, driver, dsn, table string) (*History, error) {
	driver = normalizeDriver(driver)
	if dsn == "" {
		return nil, fmt.Errorf("dsn is empty")
	}
	if table == "" {
		table = "n8n_chat_histories"
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping history db: %w", err)
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if driver == "postgres" {
		placeholder = sq.Dollar
	}

	return &History{
		db:    db,
		table: table,
		sql:   sq.StatementBuilder.PlaceholderFormat(placeholder),
	}, nil
}

func normalizeDriver(driver string) string {
	d := strings.ToLower(strings.TrimSpace(driver))
	switch d {
	case "postgres", "pgx":
		return "postgres"
	case "sqlite", "sqlite3":
		return "sqlite"
	default:
		return d
	}
}

func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}

// LastMessage returns the most recent remembered message for a session, or
// ErrNotFound when the backend has nothing for it.
func (h *History) LastMessage(ctx context.Context, sessionID string) (HistoryRecord, error) {
	q := h.sql.Select("id", "session_id", "message").
		From(h.table).
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("id DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("build last message query: %w", err)
	}

	var rec HistoryRecord
	var raw string
	if err := h.db.QueryRowContext(ctx, sqlStr, args...).Scan(&rec.ID, &rec.SessionID, &raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return HistoryRecord{}, ErrNotFound
		}
		return HistoryRecord{}, fmt.Errorf("get last message: %w", err)
	}

	rec.Message = extractText(raw)
	return rec, nil
}

// extractText handles message cells that are either plain strings or JSON
// objects with a text-like field.
func extractText(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if !strings.HasPrefix(trimmed, "{") {
		return trimmed
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return trimmed
	}
	for _, key := range []string{"text", "content", "message", "output"} {
		if v, ok := obj[key].(string); ok && strings.TrimSpace(v) != "" {
			return v
		}
	}
	return trimmed
}
