package kv

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

// SQLBackend keeps every store in one kv_entries table, rows scoped by store
// name. Supports postgres (pgx) and sqlite (modernc).
type SQLBackend struct {
	db            *sql.DB
	driver        string
	dsn           string
	autoMigrate   bool
	migrationsDir string
	sql           sq.StatementBuilderType
}

func NewSQLBackend(driver, dsn string, autoMigrate bool, migrationsDir string) *SQLBackend {
	return &SQLBackend{
		driver:        normalizeDriver(driver),
		dsn:           dsn,
		autoMigrate:   autoMigrate,
		migrationsDir: migrationsDir,
	}
}

func (b *SQLBackend) Init(ctx context.Context) error {
	if b.dsn == "" {
		return fmt.Errorf("%w: dsn is empty", ErrUnavailable)
	}

	db, err := sql.Open(b.driver, b.dsn)
	if err != nil {
		return fmt.Errorf("%w: open db: %v", ErrUnavailable, err)
	}

	if b.driver == "sqlite" {
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("%w: ping db: %v", ErrUnavailable, err)
	}

	if b.autoMigrate {
		switch b.driver {
		case "postgres":
			dir := b.migrationsDir
			if dir == "" {
				dir = "migrations"
			}
			if err := goose.SetDialect("postgres"); err != nil {
				_ = db.Close()
				return fmt.Errorf("set goose dialect: %w", err)
			}
			if err := goose.Up(db, dir); err != nil {
				_ = db.Close()
				return fmt.Errorf("run migrations: %w", err)
			}
		case "sqlite":
			if err := initSQLiteSchema(ctx, db); err != nil {
				_ = db.Close()
				return fmt.Errorf("init sqlite schema: %w", err)
			}
		default:
			_ = db.Close()
			return fmt.Errorf("unsupported driver %q", b.driver)
		}
	}

	var placeholder sq.PlaceholderFormat = sq.Question
	if b.driver == "postgres" {
		placeholder = sq.Dollar
	}

	b.db = db
	b.sql = sq.StatementBuilder.PlaceholderFormat(placeholder)
	return nil
}

func (b *SQLBackend) Store(name string) Store {
	return &sqlStore{backend: b, name: name}
}

func (b *SQLBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
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

func initSQLiteSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS kv_entries (
    store_name TEXT NOT NULL,
    key TEXT NOT NULL,
    value BLOB NOT NULL,
    updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    PRIMARY KEY (store_name, key)
);
`
	_, err := db.ExecContext(ctx, schema)
	return err
}

type sqlStore struct {
	backend *SQLBackend
	name    string
}

func (s *sqlStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	q := s.backend.sql.Select("value").
		From("kv_entries").
		Where(sq.Eq{"store_name": s.name, "key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, false, fmt.Errorf("build get query: %w", err)
	}

	var value []byte
	if err := s.backend.db.QueryRowContext(ctx, sqlStr, args...).Scan(&value); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get entry: %w", err)
	}
	return value, true, nil
}

func (s *sqlStore) Set(ctx context.Context, key string, value []byte) error {
	q := s.backend.sql.Insert("kv_entries").
		Columns("store_name", "key", "value").
		Values(s.name, key, value).
		Suffix("ON CONFLICT(store_name, key) DO UPDATE SET value=excluded.value, updated_at=" + nowExpr(s.backend.driver))

	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build set query: %w", err)
	}
	if _, err := s.backend.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("set entry: %w", err)
	}
	return nil
}

func (s *sqlStore) Delete(ctx context.Context, key string) error {
	q := s.backend.sql.Delete("kv_entries").Where(sq.Eq{"store_name": s.name, "key": key})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build delete query: %w", err)
	}
	if _, err := s.backend.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

func (s *sqlStore) Clear(ctx context.Context) error {
	q := s.backend.sql.Delete("kv_entries").Where(sq.Eq{"store_name": s.name})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build clear query: %w", err)
	}
	if _, err := s.backend.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clear store: %w", err)
	}
	return nil
}

func (s *sqlStore) Keys(ctx context.Context) ([]string, error) {
	q := s.backend.sql.Select("key").
		From("kv_entries").
		Where(sq.Eq{"store_name": s.name}).
		OrderBy("key ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build keys query: %w", err)
	}

	rows, err := s.backend.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	defer rows.Close()

	out := make([]string, 0)
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return out, nil
}

func (s *sqlStore) Iterate(ctx context.Context, fn func(key string, value []byte) error) error {
	q := s.backend.sql.Select("key", "value").
		From("kv_entries").
		Where(sq.Eq{"store_name": s.name}).
		OrderBy("key ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build iterate query: %w", err)
	}

	rows, err := s.backend.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return fmt.Errorf("iterate entries: %w", err)
	}

	// Drain before invoking the callback: callbacks may write through the
	// same store, and sqlite runs on a single connection.
	type entry struct {
		key   string
		value []byte
	}
	entries := make([]entry, 0)
	for rows.Next() {
		var e entry
		if err := rows.Scan(&e.key, &e.value); err != nil {
			rows.Close()
			return fmt.Errorf("scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return fmt.Errorf("iterate rows: %w", err)
	}
	rows.Close()

	for _, e := range entries {
		if err := fn(e.key, e.value); err != nil {
			return err
		}
	}
	return nil
}

func nowExpr(driver string) string {
	if driver == "postgres" {
		return "NOW()"
	}
	return "CURRENT_TIMESTAMP"
}
