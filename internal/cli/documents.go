package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ragdocs/internal/domain"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var exts []string
	cmd := &cobra.Command{
		Use:   "ingest [path...]",
		Short: "Ingest files and wait until they are indexed",
		Long: `Uploads every matching file (glob patterns allowed) and waits for
chunking, embedding and indexing to finish. Exits with an error when any
document fails.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if !cmd.Flags().Changed("ext") {
					exts = a.cfg.Watch.Extensions
				}
				docs, err := a.svc.IngestPaths(ctx, args, exts)
				printDocuments(cmd.OutOrStdout(), docs)
				if err != nil {
					return err
				}
				failed := 0
				for _, d := range docs {
					if d.Status == domain.StatusFailed {
						failed++
					}
				}
				if failed > 0 {
					return fmt.Errorf("%d of %d documents failed", failed, len(docs))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&exts, "ext", nil, "file extensions to ingest (default from watch.extensions)")
	return cmd
}

func newDocsCmd(opts *rootOptions) *cobra.Command {
	docs := &cobra.Command{
		Use:   "docs",
		Short: "Manage ingested documents",
	}
	list := &cobra.Command{
		Use:   "list",
		Short: "List documents with their status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				all, err := a.svc.ListDocuments(ctx)
				if err != nil {
					return err
				}
				if len(all) == 0 {
					cmd.Println("No documents.")
					return nil
				}
				printDocuments(cmd.OutOrStdout(), all)
				return nil
			})
		},
	}
	show := &cobra.Command{
		Use:   "show [doc-id]",
		Short: "Show a document as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				doc, err := a.svc.GetDocument(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, doc)
			})
		},
	}
	remove := &cobra.Command{
		Use:   "delete [doc-id]",
		Short: "Delete a document and its index entries",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if err := a.svc.DeleteDocument(ctx, args[0]); err != nil {
					return err
				}
				cmd.Printf("Deleted %s\n", args[0])
				return nil
			})
		},
	}
	docs.AddCommand(list, show, remove)
	return docs
}

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show previously answered questions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				recs, err := a.svc.History(ctx)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd, recs)
				}
				if len(recs) == 0 {
					cmd.Println("No answers yet.")
					return nil
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tMODEL\tCONFIDENCE\tSOURCES\tQUERY")
				for _, r := range recs {
					fmt.Fprintf(tw, "%d\t%s\t%.2f\t%d\t%s\n", r.ID, r.Model, r.Confidence, r.SourceCount, r.Query)
				}
				return tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "output records as JSON")
	return cmd
}

func printDocuments(w io.Writer, docs []domain.Document) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tFILENAME\tSTATUS\tCHUNKS\tREASON")
	for _, d := range docs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", d.ID, d.Filename, d.Status, d.ChunkCount, d.FailureReason)
	}
	_ = tw.Flush()
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
