package cli

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"ragdocs/internal/config"
	"ragdocs/internal/httpapi"
	"ragdocs/internal/watcher"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(opts *rootOptions) *cobra.Command {
	var (
		addr     string
		watchDir string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Serves the document, search and answer API. With watching enabled,
files written to the watched folder are ingested and removed files are
deleted from the index.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, opts, func(ctx context.Context, a *app) error {
				if addr != "" {
					a.cfg.Server.Addr = addr
				}
				if watchDir != "" {
					a.cfg.Watch.Enabled = true
					a.cfg.Watch.Dir = watchDir
				}
				return serve(ctx, a)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from server.addr)")
	cmd.Flags().StringVar(&watchDir, "watch", "", "folder to watch for documents")
	return cmd
}

func serve(ctx context.Context, a *app) error {
	srv := httpapi.New(a.svc, a.metrics, a.log, httpapi.Options{
		BodyLimit:    a.cfg.Server.BodyLimit,
		ReadTimeout:  config.Seconds(a.cfg.Server.ReadTimeoutSecs),
		WriteTimeout: config.Seconds(a.cfg.Server.WriteTimeoutSecs),
	})

	var w *watcher.Watcher
	if a.cfg.Watch.Enabled {
		var err error
		w, err = watcher.New(a.svc, watcher.Options{
			Dir:         a.cfg.Watch.Dir,
			Extensions:  a.cfg.Watch.Extensions,
			Debounce:    config.Millis(a.cfg.Watch.DebounceMs),
			InitialScan: true,
		}, a.log)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.metrics.RunUptimeUpdater(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Start(a.cfg.Server.Addr)
	})
	if w != nil {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
		defer cancel()
		a.log.Info().Msg("shutting down")
		return srv.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
