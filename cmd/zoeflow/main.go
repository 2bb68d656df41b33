// Command zoeflow is the command line front end of the document
// platform: upload and process documents, inspect their status, work
// with vector stores, and run flows.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// rootFlags are shared by every subcommand.
type rootFlags struct {
	configPath string
	contentDir string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}

	cmd := &cobra.Command{
		Use:   "zoeflow",
		Short: "Document ingestion, vector search, and flow execution",
		Long: `zoeflow manages a content root of documents and vector stores.

Documents are uploaded, chunked, optionally enriched, embedded, and
indexed into per-store vector indexes. Flows are JSON graphs executed
against the same stores and an LLM provider.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a zoeflow.yaml config file")
	cmd.PersistentFlags().StringVar(&flags.contentDir, "content-dir", "", "Content root directory (overrides config)")
	cmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "Enable debug logging")

	cmd.AddCommand(
		newUploadCmd(flags),
		newProcessCmd(flags),
		newCancelCmd(flags),
		newReprocessCmd(flags),
		newDocumentsCmd(flags),
		newStatusCmd(flags),
		newRecoverCmd(flags),
		newStoreCmd(flags),
		newFlowCmd(flags),
	)
	return cmd
}

// printJSON writes v as indented JSON, the output format of every
// command.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
