package graph

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

var tracer = otel.Tracer("expertd.graph")

const schema = `
CREATE TABLE IF NOT EXISTS edges (
	id            TEXT PRIMARY KEY,
	source_id     TEXT NOT NULL,
	target_id     TEXT NOT NULL,
	edge_type     TEXT NOT NULL,
	metadata      TEXT NOT NULL DEFAULT '{}',
	created_at    TEXT NOT NULL,
	created_by    TEXT NOT NULL DEFAULT '',
	resolution_id TEXT
);
CREATE INDEX IF NOT EXISTS idx_edges_source ON edges(source_id, edge_type);
CREATE INDEX IF NOT EXISTS idx_edges_target ON edges(target_id, edge_type);
CREATE INDEX IF NOT EXISTS idx_edges_type ON edges(edge_type, resolution_id);
`

// timeLayout keeps created_at fixed width so ORDER BY created_at is time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const edgeColumns = `id, source_id, target_id, edge_type, metadata, created_at, created_by, resolution_id`

// Store is the SQLite-backed edge store.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens (creating if needed) the edge database at path.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("graph database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("opening graph database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing graph schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := tracer.Start(ctx, "GraphStore."+name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEdge(ctx context.Context, x execer, e *Edge) error {
	if e == nil {
		return errNilEdge
	}
	if err := e.Validate(); err != nil {
		return err
	}
	meta, err := json.Marshal(metadataOrEmpty(e.Metadata))
	if err != nil {
		return fmt.Errorf("encoding edge metadata: %w", err)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = timeNow().UTC()
	}
	_, err = x.ExecContext(ctx, `INSERT INTO edges (`+edgeColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SourceID, e.TargetID, string(e.Type), string(meta),
		e.CreatedAt.UTC().Format(timeLayout), e.CreatedBy, nullString(e.ResolutionID))
	if err != nil {
		return fmt.Errorf("inserting edge %s: %w", e.ID, err)
	}
	return nil
}

// CreateEdge writes a new edge and returns its id.
func (s *Store) CreateEdge(ctx context.Context, e *Edge) (id string, err error) {
	ctx, span := startSpan(ctx, "CreateEdge")
	defer func() { endSpan(span, err) }()

	if err := insertEdge(ctx, s.db, e); err != nil {
		return "", err
	}
	span.SetAttributes(attribute.String("edge_type", string(e.Type)))
	s.logger.Debug("edge created",
		zap.String("id", e.ID),
		zap.String("type", string(e.Type)),
		zap.String("source", e.SourceID),
		zap.String("target", e.TargetID),
	)
	return e.ID, nil
}

// BulkCreate writes edges in one transaction.
func (s *Store) BulkCreate(ctx context.Context, edges []*Edge) (n int, err error) {
	ctx, span := startSpan(ctx, "BulkCreate", attribute.Int("edge_count", len(edges)))
	defer func() { endSpan(span, err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning transaction: %w", err)
	}
	for _, e := range edges {
		if err := insertEdge(ctx, tx, e); err != nil {
			tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing edges: %w", err)
	}
	return len(edges), nil
}

// GetEdge returns the edge with id, or nil when absent.
func (s *Store) GetEdge(ctx context.Context, id string) (e *Edge, err error) {
	ctx, span := startSpan(ctx, "GetEdge", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM edges WHERE id = ?`, id)
	e, err = scanEdge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading edge %s: %w", id, err)
	}
	return e, nil
}

// UpdateEdge sets resolution_id and/or metadata. Other field names are
// rejected. A missing id returns false.
func (s *Store) UpdateEdge(ctx context.Context, id string, fields map[string]any) (updated bool, err error) {
	ctx, span := startSpan(ctx, "UpdateEdge", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	var (
		sets []string
		args []any
	)
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		value := fields[name]
		switch name {
		case FieldResolutionID:
			rid, ok := value.(string)
			if !ok && value != nil {
				return false, expertise.NewValidationError(name, fmt.Sprintf("expected string, got %T", value))
			}
			sets = append(sets, "resolution_id = ?")
			args = append(args, nullString(rid))
		case FieldMetadata:
			meta, ok := value.(map[string]any)
			if !ok && value != nil {
				return false, expertise.NewValidationError(name, fmt.Sprintf("expected object, got %T", value))
			}
			raw, err := json.Marshal(metadataOrEmpty(meta))
			if err != nil {
				return false, fmt.Errorf("encoding edge metadata: %w", err)
			}
			sets = append(sets, "metadata = ?")
			args = append(args, string(raw))
		default:
			return false, expertise.NewValidationError(name, "edge field is not updatable")
		}
	}
	if len(sets) == 0 {
		return false, nil
	}

	args = append(args, id)
	res, err := s.db.ExecContext(ctx, `UPDATE edges SET `+strings.Join(sets, ", ")+` WHERE id = ?`, args...)
	if err != nil {
		return false, fmt.Errorf("updating edge %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeleteEdge removes an edge. Missing ids are a no-op.
func (s *Store) DeleteEdge(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "DeleteEdge", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting edge %s: %w", id, err)
	}
	return nil
}

// BulkDelete removes edges and returns how many existed.
func (s *Store) BulkDelete(ctx context.Context, ids []string) (n int, err error) {
	ctx, span := startSpan(ctx, "BulkDelete", attribute.Int("id_count", len(ids)))
	defer func() { endSpan(span, err) }()

	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `DELETE FROM edges WHERE id = ?`, id)
		if err != nil {
			return n, fmt.Errorf("deleting edge %s: %w", id, err)
		}
		c, _ := res.RowsAffected()
		n += int(c)
	}
	return n, nil
}

// GetEdgesForRecord returns edges touching id. asSource and asTarget select
// the direction; edgeType "" matches every type.
func (s *Store) GetEdgesForRecord(ctx context.Context, id string, asSource, asTarget bool, edgeType EdgeType) (edges []*Edge, err error) {
	ctx, span := startSpan(ctx, "GetEdgesForRecord", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	var (
		dirs []string
		args []any
	)
	if asSource {
		dirs = append(dirs, "source_id = ?")
		args = append(args, id)
	}
	if asTarget {
		dirs = append(dirs, "target_id = ?")
		args = append(args, id)
	}
	if len(dirs) == 0 {
		return nil, nil
	}

	q := `SELECT ` + edgeColumns + ` FROM edges WHERE (` + strings.Join(dirs, " OR ") + `)`
	if edgeType != "" {
		q += " AND edge_type = ?"
		args = append(args, string(edgeType))
	}
	q += " ORDER BY created_at ASC, id ASC"
	return s.queryEdges(ctx, q, args...)
}

// GetContradictions returns CONTRADICTS edges, optionally only those without
// a resolution.
func (s *Store) GetContradictions(ctx context.Context, unresolvedOnly bool) (edges []*Edge, err error) {
	ctx, span := startSpan(ctx, "GetContradictions", attribute.Bool("unresolved_only", unresolvedOnly))
	defer func() { endSpan(span, err) }()

	q := `SELECT ` + edgeColumns + ` FROM edges WHERE edge_type = ?`
	if unresolvedOnly {
		q += " AND resolution_id IS NULL"
	}
	q += " ORDER BY created_at ASC, id ASC"
	return s.queryEdges(ctx, q, string(EdgeContradicts))
}

// GetEdgesByType returns every edge of one type.
func (s *Store) GetEdgesByType(ctx context.Context, edgeType EdgeType) (edges []*Edge, err error) {
	ctx, span := startSpan(ctx, "GetEdgesByType", attribute.String("edge_type", string(edgeType)))
	defer func() { endSpan(span, err) }()

	return s.queryEdges(ctx, `SELECT `+edgeColumns+` FROM edges WHERE edge_type = ? ORDER BY created_at ASC, id ASC`,
		string(edgeType))
}

// GetRelated returns distinct ids adjacent to id in either direction,
// optionally restricted to types. limit <= 0 means no limit.
func (s *Store) GetRelated(ctx context.Context, id string, types []EdgeType, limit int) (ids []string, err error) {
	ctx, span := startSpan(ctx, "GetRelated", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	edges, err := s.GetEdgesForRecord(ctx, id, true, true, "")
	if err != nil {
		return nil, err
	}
	allowed := make(map[EdgeType]bool, len(types))
	for _, t := range types {
		allowed[t] = true
	}
	seen := make(map[string]bool)
	for _, e := range edges {
		if len(allowed) > 0 && !allowed[e.Type] {
			continue
		}
		other := e.Other(id)
		if other == "" || other == id || seen[other] {
			continue
		}
		seen[other] = true
		ids = append(ids, other)
		if limit > 0 && len(ids) >= limit {
			break
		}
	}
	return ids, nil
}

// FindEdge returns the first edge of edgeType between a and b in either
// direction, or nil.
func (s *Store) FindEdge(ctx context.Context, a, b string, edgeType EdgeType) (*Edge, error) {
	edges, err := s.queryEdges(ctx, `SELECT `+edgeColumns+` FROM edges
		WHERE edge_type = ? AND ((source_id = ? AND target_id = ?) OR (source_id = ? AND target_id = ?))
		ORDER BY created_at ASC LIMIT 1`, string(edgeType), a, b, b, a)
	if err != nil || len(edges) == 0 {
		return nil, err
	}
	return edges[0], nil
}

// Stats counts edges by type and contradiction state.
func (s *Store) Stats(ctx context.Context) (stats *Stats, err error) {
	ctx, span := startSpan(ctx, "Stats")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT edge_type, resolution_id IS NULL, COUNT(*) FROM edges
		GROUP BY edge_type, resolution_id IS NULL`)
	if err != nil {
		return nil, fmt.Errorf("counting edges: %w", err)
	}
	defer rows.Close()

	stats = &Stats{ByType: make(map[EdgeType]int)}
	for rows.Next() {
		var (
			typ        string
			unresolved bool
			count      int
		)
		if err := rows.Scan(&typ, &unresolved, &count); err != nil {
			return nil, fmt.Errorf("scanning edge stats: %w", err)
		}
		stats.TotalEdges += count
		stats.ByType[EdgeType(typ)] += count
		if EdgeType(typ) == EdgeContradicts {
			if unresolved {
				stats.UnresolvedContradictions += count
			} else {
				stats.ResolvedContradictions += count
			}
		}
	}
	return stats, rows.Err()
}

func (s *Store) queryEdges(ctx context.Context, q string, args ...any) ([]*Edge, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying edges: %w", err)
	}
	defer rows.Close()

	var out []*Edge
	for rows.Next() {
		e, err := scanEdge(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning edge: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEdge(row scanner) (*Edge, error) {
	var (
		e          Edge
		typ, meta  string
		created    string
		resolution sql.NullString
	)
	if err := row.Scan(&e.ID, &e.SourceID, &e.TargetID, &typ, &meta, &created, &e.CreatedBy, &resolution); err != nil {
		return nil, err
	}
	e.Type = EdgeType(typ)
	e.ResolutionID = resolution.String
	if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
		return nil, fmt.Errorf("decoding metadata for edge %s: %w", e.ID, err)
	}
	if len(e.Metadata) == 0 {
		e.Metadata = nil
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		t, err = time.ParseInLocation("2006-01-02T15:04:05.999999999", created, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at for edge %s: %w", e.ID, err)
		}
	}
	e.CreatedAt = t.UTC()
	return &e, nil
}

func metadataOrEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
