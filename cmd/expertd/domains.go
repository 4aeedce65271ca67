package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

func newDomainCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "domain",
		Aliases: []string{"domains"},
		Short:   "Manage knowledge domains",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List domains with record counts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				domains, err := a.svc.Domains(ctx)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, domains, func(w io.Writer) {
					for _, d := range domains {
						fmt.Fprintf(w, "%s %5d  %s\n", labelStyle.Render(fmt.Sprintf("%-20s", d.Name)), d.RecordCount, dimStyle.Render(d.Description))
					}
				})
			})
		},
	}

	var description string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.svc.CreateDomain(ctx, args[0], description); err != nil {
					return err
				}
				result := map[string]string{"name": args[0], "description": description}
				return output(cmd.OutOrStdout(), opts, result, func(w io.Writer) {
					fmt.Fprintf(w, "created domain %s\n", args[0])
				})
			})
		},
	}
	create.Flags().StringVar(&description, "description", "", "domain description")

	stats := &cobra.Command{
		Use:   "stats <name>",
		Short: "Break a domain down by record type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				st, err := a.svc.DomainStats(ctx, args[0])
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, st, func(w io.Writer) {
					fmt.Fprintf(w, "%s %d active, avg confidence %.2f\n", headerStyle.Render(st.Name), st.RecordCount, st.AvgConfidence)
					for t, n := range st.ByType {
						fmt.Fprintf(w, "  %s %d\n", labelStyle.Render(fmt.Sprintf("%-11s", t)), n)
					}
				})
			})
		},
	}

	cmd.AddCommand(list, create, stats)
	return cmd
}
