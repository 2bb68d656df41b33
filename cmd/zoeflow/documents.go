package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/ingestion"
	"github.com/zoeflow/zoeflow/schema"
	"github.com/zoeflow/zoeflow/status"
)

func newUploadCmd(flags *rootFlags) *cobra.Command {
	var storeID, sourceURI string

	cmd := &cobra.Command{
		Use:   "upload <file>",
		Short: "Upload a document (markdown, text, or PDF) as a new version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if sourceURI == "" {
				sourceURI = args[0]
			}
			res, err := app.ingest.Upload(cmd.Context(), ingestion.UploadInput{
				StoreID:   storeID,
				SourceURI: sourceURI,
				Data:      data,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&storeID, "store", "", "Target vector store id")
	cmd.Flags().StringVar(&sourceURI, "source", "", "Source URI recorded for the document (defaults to the file path)")
	_ = cmd.MarkFlagRequired("store")
	return cmd
}

func newProcessCmd(flags *rootFlags) *cobra.Command {
	var author, description string
	var tags []string

	cmd := &cobra.Command{
		Use:   "process <docId>",
		Short: "Run the ingestion pipeline on an uploaded document and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			docID := args[0]
			res, err := app.ingest.StartProcessing(cmd.Context(), ingestion.StartInput{
				DocID:       docID,
				Author:      author,
				Description: description,
				Tags:        tags,
			})
			if err != nil {
				return err
			}
			if res.AlreadyProcessing {
				return printJSON(cmd.OutOrStdout(), res)
			}

			// The subscription snapshot carries the current status, so
			// a job that finishes before we attach is still observed.
			events, cancel, err := app.broker.Subscribe(cmd.Context(), []string{docID}, "")
			if err != nil {
				return err
			}
			defer cancel()
			return streamUntilTerminal(cmd.Context(), cmd.OutOrStdout(), events)
		},
	}

	cmd.Flags().StringVar(&author, "author", "", "Document author")
	cmd.Flags().StringVar(&description, "description", "", "Document description")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Document tags")
	return cmd
}

func newCancelCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <docId>",
		Short: "Cancel a running ingestion job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.ingest.CancelProcessing(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newReprocessCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reprocess <docId>",
		Short: "Drop a document's chunks and rerun the pipeline on its latest version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			docID := args[0]
			res, err := app.ingest.Reprocess(cmd.Context(), docID)
			if err != nil {
				return err
			}
			if err := printJSON(cmd.OutOrStdout(), res); err != nil {
				return err
			}

			events, cancel, err := app.broker.Subscribe(cmd.Context(), []string{docID}, "")
			if err != nil {
				return err
			}
			defer cancel()
			return streamUntilTerminal(cmd.Context(), cmd.OutOrStdout(), events)
		},
	}
}

func newDocumentsCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Inspect and manage stored documents",
	}

	var listStore string
	list := &cobra.Command{
		Use:   "list",
		Short: "List document metadata, newest upload first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			docs, err := app.ingest.List(cmd.Context(), listStore)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), docs)
		},
	}
	list.Flags().StringVar(&listStore, "store", "", "Only documents of this store")

	var deleteStore string
	del := &cobra.Command{
		Use:   "delete <docId>",
		Short: "Delete a document, its versions, chunks, and cache entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.ingest.DeleteDocument(cmd.Context(), args[0], deleteStore)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
	del.Flags().StringVar(&deleteStore, "store", "", "Store holding the chunks (defaults to the document's store)")

	cmd.AddCommand(list, del)
	return cmd
}

func newStatusCmd(flags *rootFlags) *cobra.Command {
	var storeID string
	var follow bool

	cmd := &cobra.Command{
		Use:   "status [docId...]",
		Short: "Print document status events",
		Long: `Print the current status of the addressed documents as JSON events.
With --follow the stream stays open and prints every later change
until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && storeID == "" {
				return errs.New(errs.KindValidation, "doc ids or --store is required")
			}
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			// The snapshot addresses doc ids when given, otherwise the
			// store's documents.
			snapshot := len(args)
			if len(args) == 0 {
				docs, err := app.ingest.List(cmd.Context(), storeID)
				if err != nil {
					return err
				}
				snapshot = len(docs)
			}

			events, cancel, err := app.broker.Subscribe(cmd.Context(), args, storeID)
			if err != nil {
				return err
			}
			defer cancel()

			out := cmd.OutOrStdout()
			printed := 0
			for event := range events {
				if err := printJSON(out, event); err != nil {
					return err
				}
				printed++
				if !follow && printed >= snapshot {
					return nil
				}
			}
			return cmd.Context().Err()
		},
	}

	cmd.Flags().StringVar(&storeID, "store", "", "Subscribe to every document of this store")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "Keep streaming status changes")
	return cmd
}

func newRecoverCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Repair documents stranded in processing by a crash",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			repaired, err := app.ingest.Recover(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]int{"repaired": repaired})
		},
	}
}

// streamUntilTerminal prints status events until the document reaches
// a terminal status.
func streamUntilTerminal(ctx context.Context, out io.Writer, events <-chan status.Event) error {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return ctx.Err()
			}
			if err := printJSON(out, event); err != nil {
				return err
			}
			switch event.Status {
			case schema.StatusCompleted, schema.StatusCancelled:
				return nil
			case schema.StatusError:
				return fmt.Errorf("processing failed: %s", event.Error)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
