package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
)

// Lipgloss styles; lipgloss drops colors when the writer is not a terminal.
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("46")).
		Bold(true)

	skipStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	failStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// output prints v as JSON, or calls text when JSON was not requested.
func output(w io.Writer, opts *globalOptions, v any, text func(io.Writer)) error {
	if opts.jsonOut || text == nil {
		return printJSON(w, v)
	}
	text(w)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func recordLine(w io.Writer, r *expertise.Record) {
	state := ""
	if !r.IsActive {
		state = dimStyle.Render(" (inactive)")
	}
	fmt.Fprintf(w, "%s  %-10s %-12s conf=%.2f vc=%d%s\n    %s\n",
		labelStyle.Render(shortID(r.ID)), r.Type, r.Domain, r.Confidence, r.ValidationCount, state, r.Content)
}

func recordDetail(w io.Writer, r *expertise.Record) {
	row := func(label, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-18s", label+":")), value)
		}
	}
	fmt.Fprintln(w, headerStyle.Render(string(r.Type)+" "+r.ID))
	row("domain", r.Domain)
	row("project", r.Project)
	row("content", r.Content)
	row("confidence", fmt.Sprintf("%.2f", r.Confidence))
	row("severity", string(r.Severity))
	row("validation count", fmt.Sprint(r.ValidationCount))
	row("active", fmt.Sprint(r.IsActive))
	row("created", r.CreatedAt.Format("2006-01-02 15:04"))
	row("last validated", r.LastValidated.Format("2006-01-02 15:04"))
	row("tags", strings.Join(r.Tags, ", "))
	row("source", r.SourceConversationID)
	row("agent", r.SourceAgent)
	row("name", r.Name)
	row("example", r.Example)
	row("rationale", r.Rationale)
	row("alternatives", strings.Join(r.AlternativesConsidered, "; "))
	row("resolution", r.Resolution)
}

func gateStyle(s knowledge.GateStatus) lipgloss.Style {
	switch s {
	case knowledge.GateOK:
		return okStyle
	case knowledge.GateSkip:
		return skipStyle
	default:
		return failStyle
	}
}

func checkReport(w io.Writer, report *knowledge.CheckReport) {
	fmt.Fprintln(w, headerStyle.Render("expertise check"))
	for _, g := range report.Gates {
		fmt.Fprintf(w, "  %s %-16s %s\n", gateStyle(g.Status).Render(fmt.Sprintf("%-4s", g.Status)), g.Name, dimStyle.Render(g.Message))
	}
	if report.Passed() {
		fmt.Fprintln(w, okStyle.Render("PASSED"))
	} else {
		fmt.Fprintln(w, failStyle.Render("FAILED"))
	}
}
