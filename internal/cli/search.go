package cli

import (
	"context"
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"ragdocs/internal/domain"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Rank documents by semantic similarity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				results, err := a.svc.Search(ctx, args[0], limit)
				if err != nil {
					return err
				}
				if asJSON {
					return printJSON(cmd, results)
				}
				printResults(cmd, results)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "maximum number of documents (default from config)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output results as JSON")
	return cmd
}

func newAskCmd(opts *rootOptions) *cobra.Command {
	var (
		model  string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "ask [question]",
		Short: "Answer a question from the ingested documents",
		Long: `Retrieves the best matching excerpts and asks a model to answer from
them. Without relevant documents no model is called.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				res, err := a.svc.Answer(ctx, args[0], model)
				if err != nil && !errors.Is(err, domain.ErrSynthesis) {
					return err
				}
				if asJSON {
					if jerr := printJSON(cmd, res); jerr != nil {
						return jerr
					}
					return err
				}
				printAnswer(cmd, res)
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model to answer with (default from llm.default_model)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output the answer as JSON")
	return cmd
}

func printResults(cmd *cobra.Command, results []domain.SearchResult) {
	if len(results) == 0 {
		cmd.Println("No results found.")
		return
	}
	for i, r := range results {
		cmd.Printf("  [%d] %s (%.3f)\n", i+1, r.Document.Filename, r.Similarity)
		cmd.Printf("      %s\n", r.Document.ID)
		if len(r.Chunks) > 0 {
			cmd.Printf("      %s\n", snippet(r.Chunks[0].Chunk.Text, 160))
		}
		cmd.Println()
	}
}

func printAnswer(cmd *cobra.Command, res domain.AnswerResult) {
	switch {
	case res.Answer != nil:
		cmd.Println(*res.Answer)
		cmd.Println()
		cmd.Printf("confidence %.2f, model %s\n", res.Confidence, res.Model)
	case res.SearchResults == 0:
		cmd.Println("No relevant documents found.")
		return
	}
	if len(res.Sources) == 0 {
		return
	}
	cmd.Println()
	cmd.Println("Sources:")
	for i, s := range res.Sources {
		cmd.Printf("  [%d] %s: %s\n", i+1, s.Filename, s.Excerpt)
	}
}

func snippet(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
