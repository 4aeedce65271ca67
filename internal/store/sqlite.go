// Package store persists expertise records and the domain registry in SQLite.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver
)

// timeNow is a variable for testing purposes.
var timeNow = time.Now

var tracer = otel.Tracer("expertd.store")

const schema = `
CREATE TABLE IF NOT EXISTS records (
	id                      TEXT PRIMARY KEY,
	type                    TEXT NOT NULL,
	domain                  TEXT NOT NULL,
	content                 TEXT NOT NULL,
	project                 TEXT NOT NULL DEFAULT '',
	confidence              REAL NOT NULL,
	severity                TEXT NOT NULL DEFAULT '',
	validation_count        INTEGER NOT NULL DEFAULT 1,
	created_at              TEXT NOT NULL,
	last_validated          TEXT NOT NULL,
	is_active               INTEGER NOT NULL DEFAULT 1,
	source_conversation_id  TEXT NOT NULL DEFAULT '',
	source_agent            TEXT NOT NULL DEFAULT '',
	tags                    TEXT NOT NULL DEFAULT '[]',
	name                    TEXT NOT NULL DEFAULT '',
	example                 TEXT NOT NULL DEFAULT '',
	rationale               TEXT NOT NULL DEFAULT '',
	alternatives_considered TEXT NOT NULL DEFAULT '[]',
	resolution              TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_records_domain ON records(domain, is_active);
CREATE INDEX IF NOT EXISTS idx_records_type ON records(type);
CREATE INDEX IF NOT EXISTS idx_records_last_validated ON records(last_validated);

CREATE TABLE IF NOT EXISTS domains (
	name        TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT '',
	created_at  TEXT NOT NULL
);
`

// Store is the SQLite-backed record store.
type Store struct {
	db     *sql.DB
	path   string
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open opens (creating if needed) the record database at path.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening record database: %w", err)
	}
	// Single writer per data directory.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing record schema: %w", err)
	}

	s := &Store{db: db, path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger.Debug("record store opened", zap.String("path", path))
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "Store."+name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "success")
	}
	span.End()
}

// timeLayout is the fixed-width UTC layout timestamps are stored in. Text
// comparison and ORDER BY on these columns follow time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime reads stored timestamps. Values without a zone are taken as UTC.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range []string{"2006-01-02T15:04:05.999999999", "2006-01-02 15:04:05.999999999", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unparseable timestamp %q", s)
}
