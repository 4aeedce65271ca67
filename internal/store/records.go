package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

const recordColumns = `id, type, domain, content, project, confidence, severity, validation_count,
	created_at, last_validated, is_active, source_conversation_id, source_agent, tags,
	name, example, rationale, alternatives_considered, resolution`

// Insert stores a new record and registers its domain. It returns the record id.
func (s *Store) Insert(ctx context.Context, r *expertise.Record) (id string, err error) {
	ctx, span := startSpan(ctx, "Insert", attribute.String("domain", r.Domain), attribute.String("type", string(r.Type)))
	defer func() { endSpan(span, err) }()

	if err := r.Validate(); err != nil {
		return "", err
	}

	tags, err := json.Marshal(nonNil(r.Tags))
	if err != nil {
		return "", fmt.Errorf("encoding tags: %w", err)
	}
	alts, err := json.Marshal(nonNil(r.AlternativesConsidered))
	if err != nil {
		return "", fmt.Errorf("encoding alternatives: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO records (`+recordColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, string(r.Type), r.Domain, r.Content, r.Project, r.Confidence, string(r.Severity),
		r.ValidationCount, formatTime(r.CreatedAt), formatTime(r.LastValidated), boolInt(r.IsActive),
		r.SourceConversationID, r.SourceAgent, string(tags), r.Name, r.Example, r.Rationale,
		string(alts), r.Resolution,
	)
	if err != nil {
		return "", fmt.Errorf("inserting record %s: %w", r.ID, err)
	}

	if err := s.ensureDomain(ctx, r.Domain); err != nil {
		return "", err
	}

	s.logger.Debug("record inserted",
		zap.String("id", r.ID),
		zap.String("type", string(r.Type)),
		zap.String("domain", r.Domain),
	)
	return r.ID, nil
}

// Get returns the record with id, or nil when it does not exist.
func (s *Store) Get(ctx context.Context, id string) (rec *expertise.Record, err error) {
	ctx, span := startSpan(ctx, "Get", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	row := s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id)
	rec, err = scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading record %s: %w", id, err)
	}
	return rec, nil
}

// Query returns records matching the filter ordered by creation time.
func (s *Store) Query(ctx context.Context, f expertise.Filter) (recs []*expertise.Record, err error) {
	ctx, span := startSpan(ctx, "Query", attribute.String("domain", f.Domain), attribute.Int("limit", f.Limit))
	defer func() { endSpan(span, err) }()

	if err := f.Validate(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if !f.IncludeInactive {
		where = append(where, "is_active = 1")
	}
	if f.Domain != "" {
		where = append(where, "domain = ?")
		args = append(args, f.Domain)
	}
	if f.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(f.Type))
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, f.MinConfidence)
	}
	for _, tag := range f.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(records.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}
	if f.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(f.Search)) + "%"
		where = append(where, `(lower(content) LIKE ? ESCAPE '\' OR lower(name) LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	q := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			q += " OFFSET ?"
			args = append(args, f.Offset)
		}
	} else if f.Offset > 0 {
		q += " LIMIT -1 OFFSET ?"
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer rows.Close()

	recs, err = scanRecords(rows)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("results_count", len(recs)))
	return recs, nil
}

// Update applies fields to the record. Unknown field names fail with a
// validation error naming the field. A missing id returns false without error.
func (s *Store) Update(ctx context.Context, id string, fields map[string]any) (updated bool, err error) {
	ctx, span := startSpan(ctx, "Update", attribute.String("id", id), attribute.Int("field_count", len(fields)))
	defer func() { endSpan(span, err) }()

	if err := expertise.CheckUpdateFields(fields); err != nil {
		return false, err
	}
	if len(fields) == 0 {
		return false, nil
	}

	rec, err := s.Get(ctx, id)
	if err != nil || rec == nil {
		return false, err
	}
	for name, value := range fields {
		if err := applyField(rec, name, value); err != nil {
			return false, err
		}
	}
	if err := rec.Validate(); err != nil {
		return false, err
	}

	tags, err := json.Marshal(nonNil(rec.Tags))
	if err != nil {
		return false, fmt.Errorf("encoding tags: %w", err)
	}
	alts, err := json.Marshal(nonNil(rec.AlternativesConsidered))
	if err != nil {
		return false, fmt.Errorf("encoding alternatives: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `UPDATE records SET type = ?, domain = ?, content = ?, project = ?,
		confidence = ?, severity = ?, tags = ?, source_agent = ?, name = ?, example = ?, rationale = ?,
		alternatives_considered = ?, resolution = ? WHERE id = ?`,
		string(rec.Type), rec.Domain, rec.Content, rec.Project, rec.Confidence, string(rec.Severity),
		string(tags), rec.SourceAgent, rec.Name, rec.Example, rec.Rationale, string(alts), rec.Resolution, id,
	)
	if err != nil {
		return false, fmt.Errorf("updating record %s: %w", id, err)
	}
	if _, ok := fields[expertise.FieldDomain]; ok {
		if err := s.ensureDomain(ctx, rec.Domain); err != nil {
			return false, err
		}
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SoftDelete marks a record inactive. Unknown ids are a no-op.
func (s *Store) SoftDelete(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "SoftDelete", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	if _, err := s.db.ExecContext(ctx, `UPDATE records SET is_active = 0 WHERE id = ?`, id); err != nil {
		return fmt.Errorf("soft deleting record %s: %w", id, err)
	}
	return nil
}

// BulkSoftDelete deactivates every currently active record in ids and returns
// how many changed.
func (s *Store) BulkSoftDelete(ctx context.Context, ids []string) (count int, err error) {
	ctx, span := startSpan(ctx, "BulkSoftDelete", attribute.Int("id_count", len(ids)))
	defer func() { endSpan(span, err) }()

	for _, id := range ids {
		res, err := s.db.ExecContext(ctx, `UPDATE records SET is_active = 0 WHERE id = ? AND is_active = 1`, id)
		if err != nil {
			return count, fmt.Errorf("soft deleting record %s: %w", id, err)
		}
		n, _ := res.RowsAffected()
		count += int(n)
	}
	return count, nil
}

// ValidateRecord reinforces a record: validation_count+1, last_validated=now.
func (s *Store) ValidateRecord(ctx context.Context, id string) (err error) {
	ctx, span := startSpan(ctx, "ValidateRecord", attribute.String("id", id))
	defer func() { endSpan(span, err) }()

	_, err = s.db.ExecContext(ctx,
		`UPDATE records SET validation_count = validation_count + 1, last_validated = ? WHERE id = ?`,
		formatTime(timeNow()), id)
	if err != nil {
		return fmt.Errorf("validating record %s: %w", id, err)
	}
	return nil
}

// GetStaleRecords returns active records last validated before the cutoff.
func (s *Store) GetStaleRecords(ctx context.Context, before time.Time) (recs []*expertise.Record, err error) {
	ctx, span := startSpan(ctx, "GetStaleRecords")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records
		WHERE is_active = 1 AND last_validated < ? ORDER BY last_validated ASC`, formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("querying stale records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of active records.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE is_active = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting records: %w", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*expertise.Record, error) {
	var (
		r                                 expertise.Record
		typ, severity, created, validated string
		active                            int
		tags, alts                        string
	)
	err := row.Scan(&r.ID, &typ, &r.Domain, &r.Content, &r.Project, &r.Confidence, &severity,
		&r.ValidationCount, &created, &validated, &active, &r.SourceConversationID, &r.SourceAgent,
		&tags, &r.Name, &r.Example, &r.Rationale, &alts, &r.Resolution)
	if err != nil {
		return nil, err
	}
	r.Type = expertise.RecordType(typ)
	r.Severity = expertise.Severity(severity)
	r.IsActive = active == 1
	if r.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if r.LastValidated, err = parseTime(validated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return nil, fmt.Errorf("decoding tags for %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(alts), &r.AlternativesConsidered); err != nil {
		return nil, fmt.Errorf("decoding alternatives for %s: %w", r.ID, err)
	}
	if len(r.Tags) == 0 {
		r.Tags = nil
	}
	if len(r.AlternativesConsidered) == 0 {
		r.AlternativesConsidered = nil
	}
	return &r, nil
}

func scanRecords(rows *sql.Rows) ([]*expertise.Record, error) {
	var out []*expertise.Record
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating records: %w", err)
	}
	return out, nil
}

func applyField(r *expertise.Record, name string, value any) error {
	switch name {
	case expertise.FieldType:
		s, err := asString(name, value)
		if err != nil {
			return err
		}
		t, err := expertise.ParseRecordType(s)
		if err != nil {
			return err
		}
		r.Type = t
	case expertise.FieldSeverity:
		s, err := asString(name, value)
		if err != nil {
			return err
		}
		sev, err := expertise.ParseSeverity(s)
		if err != nil {
			return err
		}
		r.Severity = sev
	case expertise.FieldConfidence:
		f, err := asFloat(name, value)
		if err != nil {
			return err
		}
		r.Confidence = f
	case expertise.FieldTags:
		tags, err := asStrings(name, value)
		if err != nil {
			return err
		}
		r.Tags = tags
	case expertise.FieldAlternativesConsidered:
		alts, err := asStrings(name, value)
		if err != nil {
			return err
		}
		r.AlternativesConsidered = alts
	default:
		s, err := asString(name, value)
		if err != nil {
			return err
		}
		switch name {
		case expertise.FieldDomain:
			r.Domain = strings.TrimSpace(s)
		case expertise.FieldContent:
			r.Content = strings.TrimSpace(s)
		case expertise.FieldProject:
			r.Project = s
		case expertise.FieldSourceAgent:
			r.SourceAgent = s
		case expertise.FieldName:
			r.Name = s
		case expertise.FieldExample:
			r.Example = s
		case expertise.FieldRationale:
			r.Rationale = s
		case expertise.FieldResolution:
			r.Resolution = s
		}
	}
	return nil
}

func asString(field string, v any) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case expertise.RecordType:
		return string(s), nil
	case expertise.Severity:
		return string(s), nil
	case nil:
		return "", nil
	}
	return "", expertise.NewValidationError(field, fmt.Sprintf("expected string, got %T", v))
}

func asFloat(field string, v any) (float64, error) {
	switch f := v.(type) {
	case float64:
		return f, nil
	case float32:
		return float64(f), nil
	case int:
		return float64(f), nil
	case int64:
		return float64(f), nil
	case json.Number:
		return f.Float64()
	}
	return 0, expertise.NewValidationError(field, fmt.Sprintf("expected number, got %T", v))
}

func asStrings(field string, v any) ([]string, error) {
	switch list := v.(type) {
	case []string:
		return append([]string(nil), list...), nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, expertise.NewValidationError(field, fmt.Sprintf("expected string list element, got %T", item))
			}
			out = append(out, s)
		}
		return out, nil
	case nil:
		return nil, nil
	}
	return nil, expertise.NewValidationError(field, fmt.Sprintf("expected string list, got %T", v))
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
