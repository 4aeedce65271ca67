package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/expertd/internal/knowledge"
	"github.com/fyrsmithlabs/expertd/internal/prime"
)

func newPrimeCmd(opts *globalOptions) *cobra.Command {
	var (
		req    knowledge.PrimeRequest
		format string
	)
	cmd := &cobra.Command{
		Use:   "prime",
		Short: "Render the highest priority expertise for a session",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if format == "" {
					format = a.cfg.Prime.Format
				}
				req.Format = prime.Format(format)
				resp, err := a.svc.Prime(ctx, req)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, resp, func(w io.Writer) {
					fmt.Fprintln(w, resp.Rendered)
				})
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&req.Domain, "domain", "d", "", "restrict to one domain")
	f.StringVar(&req.Project, "project", "", "restrict to one project")
	f.StringSliceVar(&req.Tags, "tag", nil, "require tag (repeatable)")
	f.IntVar(&req.MaxTokens, "max-tokens", 0, "token budget (default: prime.max_tokens)")
	f.StringVarP(&format, "format", "f", "", "structured, prose or prompt (default: prime.format)")
	f.BoolVar(&req.SkipGraph, "no-graph", false, "skip supersession filtering and contradiction notes")
	return cmd
}

func newStaleCmd(opts *globalOptions) *cobra.Command {
	var (
		threshold float64
		domain    string
	)
	cmd := &cobra.Command{
		Use:   "stale",
		Short: "List records whose staleness reached the threshold",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("threshold") {
					threshold = a.svc.StalenessThreshold()
				}
				scored, err := a.svc.Stale(ctx, threshold, domain)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, scored, func(w io.Writer) {
					for _, s := range scored {
						fmt.Fprintf(w, "%s ", warnScore(s.Score))
						recordLine(w, s.Record)
					}
					fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d stale records", len(scored))))
				})
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "staleness threshold (default: staleness.threshold)")
	cmd.Flags().StringVarP(&domain, "domain", "d", "", "restrict to one domain")
	return cmd
}

func warnScore(score float64) string {
	s := fmt.Sprintf("%.2f", score)
	if score >= 0.9 {
		return failStyle.Render(s)
	}
	return skipStyle.Render(s)
}

func newPruneCmd(opts *globalOptions) *cobra.Command {
	var (
		threshold float64
		dryRun    bool
	)
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Deactivate stale records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("threshold") {
					threshold = a.svc.StalenessThreshold()
				}
				res, err := a.svc.Prune(ctx, threshold, dryRun)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
					verb := "pruned"
					if res.DryRun {
						verb = "would prune"
					}
					for _, e := range res.Pruned {
						fmt.Fprintf(w, "%s %s %-10s %.2f %s\n", verb, labelStyle.Render(shortID(e.RecordID)), e.Type, e.Score, e.Content)
					}
					for _, e := range res.Skipped {
						fmt.Fprintf(w, "%s %s %s\n", dimStyle.Render("kept"), shortID(e.RecordID), dimStyle.Render(e.Reason))
					}
					fmt.Fprintf(w, "%d evaluated, %d %s, %d kept\n", res.TotalEvaluated, len(res.Pruned), verb, len(res.Skipped))
				})
			})
		},
	}
	cmd.Flags().Float64Var(&threshold, "threshold", 0, "staleness threshold (default: staleness.threshold)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report without deactivating")
	return cmd
}

func newReindexCmd(opts *globalOptions) *cobra.Command {
	var batchSize int
	cmd := &cobra.Command{
		Use:   "reindex",
		Short: "Rebuild the embedding index from the active records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				errOut := cmd.ErrOrStderr()
				n, err := a.svc.Reindex(ctx, batchSize, func(done, total int) {
					if !opts.jsonOut {
						fmt.Fprintf(errOut, "\rindexed %d/%d", done, total)
					}
				})
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, map[string]int{"indexed": n}, func(w io.Writer) {
					fmt.Fprintf(errOut, "\n")
					fmt.Fprintf(w, "reindexed %d records\n", n)
				})
			})
		},
	}
	cmd.Flags().IntVar(&batchSize, "batch-size", 64, "records embedded per request")
	return cmd
}
