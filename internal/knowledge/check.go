package knowledge

import (
	"context"
	"fmt"
)

// GateStatus is the outcome of one check gate.
type GateStatus string

const (
	GateOK   GateStatus = "OK"
	GateFail GateStatus = "FAIL"
	GateSkip GateStatus = "SKIP"
)

// Gate names.
const (
	GateContradictions = "contradictions"
	GateStaleness      = "staleness"
)

// CheckConfig holds the gate limits. Zero means none are tolerated.
type CheckConfig struct {
	MaxUnresolvedContradictions int
	MaxStaleRecords             int
}

// GateResult is one evaluated gate.
type GateResult struct {
	Name    string     `json:"name"`
	Status  GateStatus `json:"status"`
	Count   int        `json:"count"`
	Limit   int        `json:"limit"`
	Message string     `json:"message"`
}

// CheckReport is the outcome of every gate.
type CheckReport struct {
	Gates []GateResult `json:"gates"`
}

// Passed reports whether no gate failed.
func (r *CheckReport) Passed() bool {
	for _, g := range r.Gates {
		if g.Status == GateFail {
			return false
		}
	}
	return true
}

// Check evaluates the CI gates.
func (s *Service) Check(ctx context.Context) (*CheckReport, error) {
	report := &CheckReport{}

	contradictions := GateResult{Name: GateContradictions, Limit: s.cfg.Check.MaxUnresolvedContradictions}
	if !s.cfg.ContradictionEnabled {
		contradictions.Status = GateSkip
		contradictions.Message = "contradiction detection is disabled"
	} else {
		edges, err := s.graph.GetContradictions(ctx, true)
		if err != nil {
			return nil, fmt.Errorf("counting contradictions: %w", err)
		}
		contradictions.Count = len(edges)
		contradictions.Status, contradictions.Message = judge(contradictions.Count, contradictions.Limit, "unresolved contradictions")
	}
	report.Gates = append(report.Gates, contradictions)

	stale := GateResult{Name: GateStaleness, Limit: s.cfg.Check.MaxStaleRecords}
	if !s.cfg.StalenessEnabled {
		stale.Status = GateSkip
		stale.Message = "staleness tracking is disabled"
	} else {
		threshold := s.staleness.Threshold()
		n, err := s.staleness.CountStale(ctx, threshold)
		if err != nil {
			return nil, fmt.Errorf("counting stale records: %w", err)
		}
		stale.Count = n
		stale.Status, stale.Message = judge(n, stale.Limit, fmt.Sprintf("records with staleness >= %.2f", threshold))
	}
	report.Gates = append(report.Gates, stale)

	return report, nil
}

func judge(count, limit int, what string) (GateStatus, string) {
	msg := fmt.Sprintf("%d %s (limit %d)", count, what, limit)
	if count > limit {
		return GateFail, msg
	}
	return GateOK, msg
}
