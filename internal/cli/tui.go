package cli

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"ragdocs/internal/domain"
	"ragdocs/internal/tui"
)

func newTUICmd(opts *rootOptions) *cobra.Command {
	var model string
	cmd := &cobra.Command{
		Use:   "tui [path...]",
		Short: "Search and ask interactively",
		Long: `Opens the terminal interface. Files given as arguments are ingested
first. Tab switches between search and ask mode.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if len(args) > 0 {
					if _, err := a.svc.IngestPaths(ctx, args, a.cfg.Watch.Extensions); err != nil {
						return err
					}
				}
				docs, err := a.svc.ListDocuments(ctx)
				if err != nil {
					return err
				}
				m := tui.New(a.svc, describe(docs), model)
				_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
				return err
			})
		},
	}
	cmd.Flags().StringVarP(&model, "model", "m", "", "model used in ask mode (default from llm.default_model)")
	return cmd
}

func describe(docs []domain.Document) string {
	ready := 0
	for _, d := range docs {
		if d.Status == domain.StatusReady {
			ready++
		}
	}
	return fmt.Sprintf("%d documents, %d ready", len(docs), ready)
}
