package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/resolution"
)

func newGraphCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Inspect relationships, contradictions and provenance",
	}
	cmd.AddCommand(
		newGraphStatsCmd(opts),
		newContradictionsCmd(opts),
		newDetectCmd(opts),
		newResolveCmd(opts),
		newLineageCmd(opts),
	)
	return cmd
}

func newGraphStatsCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count edges by type",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				st, err := a.svc.GraphStats(ctx)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, st, func(w io.Writer) {
					fmt.Fprintf(w, "%s %d edges\n", headerStyle.Render("graph"), st.TotalEdges)
					for t, n := range st.ByType {
						fmt.Fprintf(w, "  %s %d\n", labelStyle.Render(fmt.Sprintf("%-13s", t)), n)
					}
					fmt.Fprintf(w, "  contradictions: %d unresolved, %d resolved\n", st.UnresolvedContradictions, st.ResolvedContradictions)
				})
			})
		},
	}
}

func newContradictionsCmd(opts *globalOptions) *cobra.Command {
	var (
		domain string
		all    bool
	)
	cmd := &cobra.Command{
		Use:   "contradictions",
		Short: "List contradictions between records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				views, err := a.svc.Contradictions(ctx, domain, !all)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, views, func(w io.Writer) {
					for _, v := range views {
						contradictionLine(w, v)
					}
					fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d contradictions", len(views))))
				})
			})
		},
	}
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "restrict to edges touching a domain")
	cmd.Flags().BoolVar(&all, "all", false, "include resolved contradictions")
	return cmd
}

func contradictionLine(w io.Writer, v knowledge.ContradictionView) {
	state := failStyle.Render("open")
	if v.Edge.Resolved() {
		state = okStyle.Render("resolved")
	}
	fmt.Fprintf(w, "%s %s\n", labelStyle.Render(v.Edge.ID), state)
	endpoint := func(r *expertise.Record, deleted bool) {
		switch {
		case r == nil:
			fmt.Fprintln(w, dimStyle.Render("    (missing record)"))
		case deleted:
			fmt.Fprintf(w, "    %s %s\n", dimStyle.Render("(inactive)"), r.Content)
		default:
			fmt.Fprintf(w, "    %s %s\n", shortID(r.ID), r.Content)
		}
	}
	endpoint(v.Source, v.SourceDeleted)
	endpoint(v.Target, v.TargetDeleted)
}

func newDetectCmd(opts *globalOptions) *cobra.Command {
	var req knowledge.DetectRequest
	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Detect contradictions and link new pairs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.Detect(ctx, req)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
					fmt.Fprintf(w, "checked %d records, %d candidates, %d new contradictions, %d already linked\n",
						res.Checked, len(res.Candidates), len(res.CreatedEdges), res.Existing)
					if !res.NLIAvailable {
						fmt.Fprintln(w, dimStyle.Render("nli classifier unavailable; candidates are similarity only"))
					}
					for _, id := range res.CreatedEdges {
						fmt.Fprintf(w, "  %s\n", labelStyle.Render(id))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&req.RecordID, "record", "", "check one record against the rest")
	cmd.Flags().StringVarP(&req.Domain, "domain", "d", "", "check every pair within a domain")
	return cmd
}

func newResolveCmd(opts *globalOptions) *cobra.Command {
	var (
		strategy string
		params   resolution.Params
	)
	cmd := &cobra.Command{
		Use:   "resolve <edge-id>",
		Short: "Resolve a contradiction",
		Long: `Resolve applies a strategy to a CONTRADICTS edge:

  supersede   --winner keeps one record and deactivates the other
  scope_both  --scope-a and --scope-b qualify both records
  merge       --content replaces both records with a merged one
  dismiss     --reason marks the contradiction as not real
  keep_both   --reason accepts both records as they are`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := resolution.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.Resolve(ctx, args[0], s, params)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
					fmt.Fprintf(w, "%s %s with %s\n", okStyle.Render("resolved"), res.EdgeID, res.Strategy)
					if res.Note != "" {
						fmt.Fprintf(w, "  %s\n", res.Note)
					}
					for _, id := range res.DeactivatedRecords {
						fmt.Fprintf(w, "  deactivated %s\n", id)
					}
					if res.NewRecordID != "" {
						fmt.Fprintf(w, "  created %s\n", res.NewRecordID)
					}
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&strategy, "strategy", "s", "", "supersede, scope_both, merge, dismiss or keep_both")
	f.StringVar(&params.WinnerID, "winner", "", "supersede: record that stays active")
	f.StringVar(&params.ScopeA, "scope-a", "", "scope_both: scope of the edge source")
	f.StringVar(&params.ScopeB, "scope-b", "", "scope_both: scope of the edge target")
	f.StringVar(&params.MergedContent, "content", "", "merge: content of the merged record")
	f.StringVar(&params.Reason, "reason", "", "dismiss and keep_both: why")
	_ = cmd.MarkFlagRequired("strategy")
	return cmd
}

func newLineageCmd(opts *globalOptions) *cobra.Command {
	var conversation bool
	cmd := &cobra.Command{
		Use:   "lineage <record-id>",
		Short: "Show the conversations a record was learned from",
		Long: `Lineage lists the source conversations of a record and the other records
learned from them. With --conversation the argument is a conversation ID and
the records derived from it are listed.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if conversation {
					ids, err := a.svc.RecordsFromConversation(ctx, args[0])
					if err != nil {
						return err
					}
					return output(cmd.OutOrStdout(), opts, ids, func(w io.Writer) {
						for _, id := range ids {
							fmt.Fprintln(w, id)
						}
					})
				}
				lin, err := a.svc.Lineage(ctx, args[0])
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, lin, func(w io.Writer) {
					fmt.Fprintln(w, headerStyle.Render(lin.RecordID))
					for _, c := range lin.Conversations {
						fmt.Fprintf(w, "  %s %s\n", labelStyle.Render("conversation"), c)
					}
					for _, r := range lin.DerivedRecords {
						fmt.Fprintf(w, "  %s %s\n", dimStyle.Render("sibling"), r)
					}
				})
			})
		},
	}
	cmd.Flags().BoolVar(&conversation, "conversation", false, "treat the argument as a conversation ID")
	return cmd
}
