// Command expertd manages an expertise knowledge base: records extracted
// from agent conversations, the contradictions between them and their
// staleness. It also serves the knowledge base over HTTP and MCP.
//
// Usage:
//
//	# Extract records from a batch of conversations
//	expertd extract conversations.json
//
//	# Prime an agent session
//	expertd prime --domain golang --max-tokens 1500
//
//	# Fail CI on unresolved contradictions
//	expertd check
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// Version information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

// errCheckFailed makes the process exit 1 after the report was printed.
var errCheckFailed = errors.New("check failed")

type globalOptions struct {
	configPath string
	dataDir    string
	jsonOut    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errCheckFailed) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "expertd",
		Short: "Expertise knowledge base for coding agents",
		Long: `expertd extracts expertise records (boundaries, failures, conventions,
decisions, patterns and insights) from agent conversations, tracks
contradictions and staleness between them, and primes new sessions with the
most relevant records.`,
		Version:       fmt.Sprintf("%s (%s)", version, gitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default ~/.config/expertd/config.yaml)")
	root.PersistentFlags().StringVar(&opts.dataDir, "data-dir", "", "data directory (overrides data.dir)")
	root.PersistentFlags().BoolVar(&opts.jsonOut, "json", false, "print JSON instead of text")

	root.AddCommand(
		newExtractCmd(opts),
		newRecordCmd(opts),
		newDomainCmd(opts),
		newPrimeCmd(opts),
		newStaleCmd(opts),
		newPruneCmd(opts),
		newGraphCmd(opts),
		newCheckCmd(opts),
		newReindexCmd(opts),
		newServeCmd(opts),
		newMCPCmd(opts),
	)
	return root
}

// withApp opens the app for the duration of fn.
func withApp(cmd *cobra.Command, opts *globalOptions, fn func(ctx context.Context, a *app) error) error {
	ctx := cmd.Context()
	a, err := openApp(ctx, opts)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)
	closeErr := a.Close()
	if runErr != nil {
		return runErr
	}
	return closeErr
}
