package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/expertd/internal/expertise"
	"github.com/fyrsmithlabs/expertd/internal/knowledge"
)

func newRecordCmd(opts *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "record",
		Aliases: []string{"records"},
		Short:   "Manage expertise records",
	}
	cmd.AddCommand(
		newRecordAddCmd(opts),
		newRecordGetCmd(opts),
		newRecordListCmd(opts),
		newRecordUpdateCmd(opts),
		newRecordDeleteCmd(opts),
		newRecordValidateCmd(opts),
	)
	return cmd
}

func newRecordAddCmd(opts *globalOptions) *cobra.Command {
	var in knowledge.RecordInput
	cmd := &cobra.Command{
		Use:   "add <content>",
		Short: "Add a record by hand",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in.Content = args[0]
			rec, err := in.Build()
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if a.scrubber != nil {
					rec.Content = a.scrubber.Scrub(rec.Content).Text
				}
				if _, err := a.svc.AddRecord(ctx, rec); err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, rec, func(w io.Writer) { recordDetail(w, rec) })
			})
		},
	}
	f := cmd.Flags()
	f.StringVarP(&in.Type, "type", "t", "", "BOUNDARY, FAILURE, CONVENTION, DECISION, PATTERN or INSIGHT")
	f.StringVarP(&in.Domain, "domain", "d", "", "knowledge domain")
	f.StringVar(&in.Project, "project", "", "project the record applies to")
	f.Float64Var(&in.Confidence, "confidence", 0, "confidence from 0 to 1 (default 0.8)")
	f.StringVar(&in.Severity, "severity", "", "CRITICAL, HIGH, MEDIUM or LOW")
	f.StringSliceVar(&in.Tags, "tag", nil, "tag (repeatable)")
	f.StringVar(&in.SourceAgent, "agent", "", "source agent")
	f.StringVar(&in.Name, "name", "", "pattern name")
	f.StringVar(&in.Example, "example", "", "pattern example")
	f.StringVar(&in.Rationale, "rationale", "", "decision rationale")
	f.StringSliceVar(&in.AlternativesConsidered, "alternative", nil, "alternative considered (repeatable)")
	f.StringVar(&in.Resolution, "resolution", "", "failure resolution")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("domain")
	return cmd
}

func newRecordGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rec, err := a.svc.GetRecord(ctx, args[0])
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, rec, func(w io.Writer) { recordDetail(w, rec) })
			})
		},
	}
}

func newRecordListCmd(opts *globalOptions) *cobra.Command {
	var (
		f        expertise.Filter
		typeName string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if typeName != "" {
				t, err := expertise.ParseRecordType(typeName)
				if err != nil {
					return err
				}
				f.Type = t
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				recs, err := a.svc.ListRecords(ctx, f)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, recs, func(w io.Writer) {
					for _, r := range recs {
						recordLine(w, r)
					}
					fmt.Fprintln(w, dimStyle.Render(fmt.Sprintf("%d records", len(recs))))
				})
			})
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.Domain, "domain", "d", "", "filter by domain")
	fl.StringVarP(&typeName, "type", "t", "", "filter by record type")
	fl.StringVar(&f.Project, "project", "", "filter by project")
	fl.StringSliceVar(&f.Tags, "tag", nil, "require tag (repeatable)")
	fl.BoolVar(&f.IncludeInactive, "all", false, "include inactive records")
	fl.Float64Var(&f.MinConfidence, "min-confidence", 0, "minimum confidence")
	fl.StringVar(&f.Search, "search", "", "substring of content or name")
	fl.IntVar(&f.Limit, "limit", 50, "maximum records")
	fl.IntVar(&f.Offset, "offset", 0, "records to skip")
	return cmd
}

func newRecordUpdateCmd(opts *globalOptions) *cobra.Command {
	var (
		sets    []string
		rawJSON string
	)
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update record fields",
		Long: `Update changes fields given as --set field=value, or as a JSON object with
--json-fields. Tags and alternatives_considered take comma separated values.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseUpdateFields(sets, rawJSON)
			if err != nil {
				return err
			}
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rec, err := a.svc.Update(ctx, args[0], fields)
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, rec, func(w io.Writer) { recordDetail(w, rec) })
			})
		},
	}
	cmd.Flags().StringArrayVar(&sets, "set", nil, "field=value (repeatable)")
	cmd.Flags().StringVar(&rawJSON, "json-fields", "", "fields as a JSON object")
	return cmd
}

func parseUpdateFields(sets []string, rawJSON string) (map[string]any, error) {
	fields := map[string]any{}
	if rawJSON != "" {
		dec := json.NewDecoder(strings.NewReader(rawJSON))
		dec.UseNumber()
		if err := dec.Decode(&fields); err != nil {
			return nil, fmt.Errorf("parsing --json-fields: %w", err)
		}
	}
	for _, kv := range sets {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("--set %q: expected field=value", kv)
		}
		switch key {
		case expertise.FieldConfidence:
			f, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("--set confidence: %w", err)
			}
			fields[key] = f
		case expertise.FieldTags, expertise.FieldAlternativesConsidered:
			fields[key] = splitList(value)
		default:
			fields[key] = value
		}
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("nothing to update: pass --set or --json-fields")
	}
	return fields, nil
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func newRecordDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Deactivate a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.svc.Delete(ctx, args[0]); err != nil {
					return err
				}
				result := map[string]any{"id": args[0], "deleted": true}
				return output(cmd.OutOrStdout(), opts, result, func(w io.Writer) {
					fmt.Fprintf(w, "deleted %s\n", args[0])
				})
			})
		},
	}
}

func newRecordValidateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <id>",
		Short: "Reinforce a record that proved correct again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				rec, err := a.svc.Validate(ctx, args[0])
				if err != nil {
					return err
				}
				return output(cmd.OutOrStdout(), opts, rec, func(w io.Writer) {
					fmt.Fprintf(w, "validated %s (count %d)\n", rec.ID, rec.ValidationCount)
				})
			})
		},
	}
}
