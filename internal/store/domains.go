package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

func (s *Store) ensureDomain(ctx context.Context, name string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO domains (name, description, created_at) VALUES (?, '', ?)`,
		name, formatTime(timeNow()))
	if err != nil {
		return fmt.Errorf("registering domain %s: %w", name, err)
	}
	return nil
}

// CreateDomain registers a domain. An existing domain keeps its row but an
// empty description is filled in.
func (s *Store) CreateDomain(ctx context.Context, name, description string) (err error) {
	ctx, span := startSpan(ctx, "CreateDomain")
	defer func() { endSpan(span, err) }()

	name = strings.TrimSpace(name)
	if name == "" {
		return expertise.NewValidationError("name", "domain name must not be empty")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO domains (name, description, created_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET description = excluded.description
		WHERE domains.description = '' AND excluded.description <> ''`,
		name, description, formatTime(timeNow()))
	if err != nil {
		return fmt.Errorf("creating domain %s: %w", name, err)
	}
	return nil
}

// ListDomains returns every registered or populated domain with aggregates
// over its active records.
func (s *Store) ListDomains(ctx context.Context) (domains []expertise.Domain, err error) {
	ctx, span := startSpan(ctx, "ListDomains")
	defer func() { endSpan(span, err) }()

	rows, err := s.db.QueryContext(ctx, `
		SELECT n.name, COALESCE(d.description, ''), COUNT(r.id), COALESCE(MAX(r.last_validated), '')
		FROM (SELECT name FROM domains UNION SELECT DISTINCT domain FROM records) n
		LEFT JOIN domains d ON d.name = n.name
		LEFT JOIN records r ON r.domain = n.name AND r.is_active = 1
		GROUP BY n.name
		ORDER BY n.name`)
	if err != nil {
		return nil, fmt.Errorf("listing domains: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			d       expertise.Domain
			updated string
		)
		if err := rows.Scan(&d.Name, &d.Description, &d.RecordCount, &updated); err != nil {
			return nil, fmt.Errorf("scanning domain: %w", err)
		}
		if d.LastUpdated, err = parseTime(updated); err != nil {
			return nil, err
		}
		domains = append(domains, d)
	}
	return domains, rows.Err()
}

// GetDomainStats aggregates active records in one domain. It returns nil when
// the domain is neither registered nor populated.
func (s *Store) GetDomainStats(ctx context.Context, name string) (stats *expertise.DomainStats, err error) {
	ctx, span := startSpan(ctx, "GetDomainStats")
	defer func() { endSpan(span, err) }()

	var description string
	err = s.db.QueryRowContext(ctx, `SELECT description FROM domains WHERE name = ?`, name).Scan(&description)
	registered := err == nil
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading domain %s: %w", name, err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*), AVG(confidence), MAX(last_validated)
		FROM records WHERE domain = ? AND is_active = 1 GROUP BY type`, name)
	if err != nil {
		return nil, fmt.Errorf("aggregating domain %s: %w", name, err)
	}
	defer rows.Close()

	stats = &expertise.DomainStats{
		Domain: expertise.Domain{Name: name, Description: description},
		ByType: make(map[expertise.RecordType]int),
	}
	var confSum float64
	for rows.Next() {
		var (
			typ     string
			count   int
			avg     float64
			updated string
		)
		if err := rows.Scan(&typ, &count, &avg, &updated); err != nil {
			return nil, fmt.Errorf("scanning domain stats: %w", err)
		}
		stats.ByType[expertise.RecordType(typ)] = count
		stats.RecordCount += count
		confSum += avg * float64(count)
		t, err := parseTime(updated)
		if err != nil {
			return nil, err
		}
		if t.After(stats.LastUpdated) {
			stats.LastUpdated = t
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if !registered && stats.RecordCount == 0 {
		return nil, nil
	}
	if stats.RecordCount > 0 {
		stats.AvgConfidence = confSum / float64(stats.RecordCount)
	}
	return stats, nil
}
