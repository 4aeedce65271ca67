package extraction

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
)

// Extractor turns text into candidate records. Candidates are not persisted.
type Extractor interface {
	Extract(ctx context.Context, text, domain, project string) ([]*expertise.Record, error)
}

// Mode selects which extractors a Pipeline runs.
type Mode string

const (
	ModeHeuristicOnly Mode = "heuristic_only"
	ModeLLMOnly       Mode = "llm_only"
	ModeFull          Mode = "full"
)

// ParseMode parses a mode name. Empty input yields ModeHeuristicOnly.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "":
		return ModeHeuristicOnly, nil
	case ModeHeuristicOnly, ModeLLMOnly, ModeFull:
		return m, nil
	default:
		return "", expertise.NewValidationError("mode", fmt.Sprintf("unknown mode %q (heuristic_only, llm_only, full)", s))
	}
}

// Action is the dedup outcome for one candidate.
type Action string

const (
	ActionCreated          Action = "CREATED"
	ActionReinforced       Action = "REINFORCED"
	ActionDuplicateFlagged Action = "DUPLICATE_FLAGGED"
)

// Outcome reports what happened to one candidate.
type Outcome struct {
	Action Action            `json:"action"`
	Record *expertise.Record `json:"record"`
	// ExistingID is the matched record for REINFORCED and DUPLICATE_FLAGGED.
	ExistingID string  `json:"existing_id,omitempty"`
	Similarity float64 `json:"similarity,omitempty"`
}

// Conversation is one ingestion tuple.
type Conversation struct {
	ID        string `json:"conversation_id"`
	ProjectID string `json:"project_id"`
	FullText  string `json:"full_text"`
	// Agent is recorded as the record's source agent when set.
	Agent string `json:"agent,omitempty"`
}

// ItemError is a failure isolated to one conversation of a batch.
type ItemError struct {
	ConversationID string `json:"conversation_id"`
	Error          string `json:"error"`
}

// ExtractionStats aggregates a batch run.
type ExtractionStats struct {
	Processed  int                          `json:"processed"`
	Skipped    int                          `json:"skipped"`
	Created    int                          `json:"created"`
	Reinforced int                          `json:"reinforced"`
	Flagged    int                          `json:"flagged"`
	ByType     map[expertise.RecordType]int `json:"by_type"`
	Flags      []Outcome                    `json:"flags,omitempty"`
	Errors     []ItemError                  `json:"errors,omitempty"`
	Redactions int                          `json:"redactions,omitempty"`
}

func newStats() *ExtractionStats {
	return &ExtractionStats{ByType: make(map[expertise.RecordType]int)}
}

func (s *ExtractionStats) add(outcomes []Outcome) {
	for _, o := range outcomes {
		switch o.Action {
		case ActionCreated:
			s.Created++
		case ActionReinforced:
			s.Reinforced++
		case ActionDuplicateFlagged:
			s.Flagged++
			s.Flags = append(s.Flags, o)
		}
		if o.Record != nil {
			s.ByType[o.Record.Type]++
		}
	}
}
