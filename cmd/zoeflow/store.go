package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/zoeflow/zoeflow/errs"
	"github.com/zoeflow/zoeflow/vectorstore"
)

func newStoreCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "store",
		Short: "Work with vector stores directly",
	}
	cmd.AddCommand(
		newStoreUpsertCmd(flags),
		newStoreQueryCmd(flags),
		newStoreListCmd(flags),
		newStoreDeleteCmd(flags),
		newStoreChunksCmd(flags),
	)
	return cmd
}

func newStoreUpsertCmd(flags *rootFlags) *cobra.Command {
	var file, model string

	cmd := &cobra.Command{
		Use:   "upsert <storeId>",
		Short: "Insert or update items from a JSON file (or stdin with -)",
		Long: `Reads a JSON array of items: [{"id": "...", "text": "...",
"metadata": {...}, "embedding": [...]}]. Items without an embedding are
embedded through the cache; items without an id get a fresh one.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			items, err := readItems(file)
			if err != nil {
				return err
			}
			res, err := app.vectors.Upsert(cmd.Context(), vectorstore.UpsertInput{
				StoreID: args[0],
				Items:   items,
				Model:   model,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().StringVar(&file, "file", "-", "JSON items file, - for stdin")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model override")
	return cmd
}

func newStoreQueryCmd(flags *rootFlags) *cobra.Command {
	var topK int
	var model string

	cmd := &cobra.Command{
		Use:   "query <storeId> <query> [query...]",
		Short: "Search a store; multiple queries are fused by reciprocal rank",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.vectors.QueryMany(cmd.Context(), vectorstore.QueryManyInput{
				StoreID: args[0],
				Queries: args[1:],
				TopK:    topK,
				Model:   model,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}

	cmd.Flags().IntVarP(&topK, "top-k", "k", 0, "Results per query (default 5)")
	cmd.Flags().StringVar(&model, "model", "", "Embedding model override")
	return cmd
}

func newStoreListCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the vector stores under the content root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			stores, err := app.vectors.Stores(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stores)
		},
	}
}

func newStoreDeleteCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <storeId> <id> [id...]",
		Short: "Delete items from a store by id",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			res, err := app.vectors.Delete(cmd.Context(), vectorstore.DeleteInput{
				StoreID: args[0],
				IDs:     args[1:],
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}

func newStoreChunksCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chunks <storeId> <docId>",
		Short: "List a document's chunks in chunk order, without embeddings",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp(flags)
			if err != nil {
				return err
			}
			defer app.Close()

			chunks, err := app.vectors.ChunksOfDocument(cmd.Context(), args[1], args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), chunks)
		},
	}
}

// readItems decodes the upsert payload from a file or stdin.
func readItems(file string) ([]vectorstore.UpsertItem, error) {
	var raw []byte
	var err error
	if file == "-" {
		raw, err = io.ReadAll(os.Stdin)
	} else {
		raw, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, err
	}
	var items []vectorstore.UpsertItem
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, errs.Wrap(errs.KindValidation, "parse items", err)
	}
	return items, nil
}
