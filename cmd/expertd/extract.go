package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/expertd/internal/extraction"
)

type extractOptions struct {
	mode    string
	domain  string
	project string
	text    string
	convID  string
}

func newExtractCmd(opts *globalOptions) *cobra.Command {
	o := &extractOptions{}
	cmd := &cobra.Command{
		Use:   "extract [conversations.json]",
		Short: "Extract expertise records from conversations",
		Long: `Extract reads a JSON array of conversations, each with conversation_id,
project_id and full_text, from the named file or from stdin ("-" or no
argument). With --text a single piece of text is extracted instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.text != "" {
				return withApp(cmd, opts, func(ctx context.Context, a *app) error {
					return extractText(ctx, cmd, opts, a, o)
				})
			}
			convs, err := readConversations(cmd.InOrStdin(), args)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				stats, err := a.svc.ExtractBatch(ctx, convs, extraction.Mode(o.mode), o.domain)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, stats, func(w io.Writer) {
					fmt.Fprintf(w, "%s processed=%d skipped=%d\n", headerStyle.Render("extraction"), stats.Processed, stats.Skipped)
					fmt.Fprintf(w, "  created=%d reinforced=%d flagged=%d redactions=%d\n",
						stats.Created, stats.Reinforced, stats.Flagged, stats.Redactions)
					for t, n := range stats.ByType {
						fmt.Fprintf(w, "  %s %d\n", labelStyle.Render(fmt.Sprintf("%-11s", t)), n)
					}
					for _, e := range stats.Errors {
						fmt.Fprintf(w, "  %s %s: %s\n", failStyle.Render("error"), e.ConversationID, e.Error)
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&o.mode, "mode", "", "heuristic_only, llm_only or full (default: extraction.mode)")
	cmd.Flags().StringVar(&o.domain, "domain", "", "domain for records whose domain cannot be inferred")
	cmd.Flags().StringVar(&o.text, "text", "", "extract from this text instead of a conversations file")
	cmd.Flags().StringVar(&o.project, "project", "", "project for --text")
	cmd.Flags().StringVar(&o.convID, "conversation-id", "", "source conversation for --text")
	return cmd
}

func extractText(ctx context.Context, cmd *cobra.Command, opts *globalOptions, a *app, o *extractOptions) error {
	outcomes, err := a.svc.Extract(ctx, extraction.Request{
		Text:           o.text,
		Domain:         o.domain,
		Project:        o.project,
		ConversationID: o.convID,
		Mode:           extraction.Mode(o.mode),
	})
	if err != nil {
		return err
	}
	return output(cmd.OutOrStdout(), opts, outcomes, func(w io.Writer) {
		if len(outcomes) == 0 {
			fmt.Fprintln(w, dimStyle.Render("no expertise found"))
			return
		}
		for _, out := range outcomes {
			fmt.Fprintf(w, "%s ", okStyle.Render(string(out.Action)))
			recordLine(w, out.Record)
		}
	})
}

// readConversations accepts a bare array or an object with a
// "conversations" key.
func readConversations(stdin io.Reader, args []string) ([]extraction.Conversation, error) {
	var data []byte
	var err error
	if len(args) == 0 || args[0] == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(args[0])
	}
	if err != nil {
		return nil, fmt.Errorf("reading conversations: %w", err)
	}
	data = bytes.TrimSpace(data)

	var convs []extraction.Conversation
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Conversations []extraction.Conversation `json:"conversations"`
		}
		err = json.Unmarshal(data, &wrapped)
		convs = wrapped.Conversations
	} else {
		err = json.Unmarshal(data, &convs)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing conversations: %w", err)
	}
	if len(convs) == 0 {
		return nil, fmt.Errorf("no conversations to extract")
	}
	return convs, nil
}
