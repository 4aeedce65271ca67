// Package resolution acts on CONTRADICTS edges.
//
// Each strategy marks the contradiction resolved with a fresh resolution id,
// writes at least one outcome edge and may deactivate, rewrite or create
// records. The steps are separate store calls and are not atomic as a whole:
// the edge is marked resolved last, so an interrupted resolution can be
// retried.
package resolution

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// Strategy names a resolution.
type Strategy string

const (
	// StrategySupersede keeps the winner and deactivates the other endpoint.
	StrategySupersede Strategy = "supersede"
	// StrategyScopeBoth keeps both and qualifies each with its scope.
	StrategyScopeBoth Strategy = "scope_both"
	// StrategyMerge replaces both with one new record.
	StrategyMerge Strategy = "merge"
	// StrategyDismiss marks the contradiction a false positive.
	StrategyDismiss Strategy = "dismiss"
	// StrategyKeepBoth acknowledges an intentional disagreement.
	StrategyKeepBoth Strategy = "keep_both"
)

// Strategies lists every strategy.
var Strategies = []Strategy{StrategySupersede, StrategyScopeBoth, StrategyMerge, StrategyDismiss, StrategyKeepBoth}

// ParseStrategy parses a case-insensitive strategy name. Hyphens are
// accepted in place of underscores.
func ParseStrategy(s string) (Strategy, error) {
	st := Strategy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	for _, known := range Strategies {
		if st == known {
			return st, nil
		}
	}
	return "", expertise.NewValidationError("strategy", fmt.Sprintf("unknown strategy %q", s))
}

// Params carries the strategy-specific arguments.
type Params struct {
	// WinnerID is required by supersede and must be an endpoint.
	WinnerID string `json:"winner_id,omitempty"`
	// ScopeA and ScopeB are required by scope_both. ScopeA qualifies the
	// edge source, ScopeB the target.
	ScopeA string `json:"scope_a,omitempty"`
	ScopeB string `json:"scope_b,omitempty"`
	// MergedContent is required by merge.
	MergedContent string `json:"merged_content,omitempty"`
	// Reason is required by dismiss and keep_both.
	Reason string `json:"reason,omitempty"`
}

func (p Params) validate(s Strategy) error {
	required := func(name, value string) error {
		if strings.TrimSpace(value) == "" {
			return expertise.NewValidationError(name, fmt.Sprintf("required for %s", s))
		}
		return nil
	}
	switch s {
	case StrategySupersede:
		return required("winner_id", p.WinnerID)
	case StrategyScopeBoth:
		return errors.Join(required("scope_a", p.ScopeA), required("scope_b", p.ScopeB))
	case StrategyMerge:
		return required("merged_content", p.MergedContent)
	case StrategyDismiss, StrategyKeepBoth:
		return required("reason", p.Reason)
	}
	return expertise.NewValidationError("strategy", fmt.Sprintf("unknown strategy %q", s))
}

// Result describes what a resolution changed.
type Result struct {
	Strategy           Strategy `json:"strategy"`
	EdgeID             string   `json:"edge_id"`
	ResolutionID       string   `json:"resolution_id"`
	Note               string   `json:"note"`
	DeactivatedRecords []string `json:"deactivated_records"`
	CreatedEdges       []string `json:"created_edges"`
	NewRecordID        string   `json:"new_record_id,omitempty"`
}
