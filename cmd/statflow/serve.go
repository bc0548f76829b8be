package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/statflow/statflow/pkg/lifecycle"
	"github.com/statflow/statflow/pkg/mapping"
	"github.com/statflow/statflow/pkg/query"
	"github.com/statflow/statflow/pkg/server"
	"github.com/statflow/statflow/pkg/watch"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API (and the inbox watcher when enabled)",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	mapper := mapping.NewEngine(a.reg, a.resolver, a.store, a.log)
	manager := lifecycle.NewManager(a.reg, a.resolver, a.store, a.log, a.metrics)
	executor := query.NewExecutor(a.resolver, a.store, a.log, a.metrics)
	srv := server.New(a.cfg.Server, a.reg, mapper, manager, executor, a.log)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return srv.Run(groupCtx)
	})

	if a.cfg.Inbox.Enabled {
		if err := os.MkdirAll(a.cfg.Inbox.Dir, 0o755); err != nil {
			return err
		}
		watcher, err := watch.NewWatcher(a.cfg.Inbox.Dir, a.cfg.Inbox.SettleDelay, a.log)
		if err != nil {
			return err
		}
		defer watcher.Close()

		watcher.OnPair = func(ctx context.Context, p watch.Pair) error {
			versionID, err := createCandidateVersion(ctx, a, "", p.Name)
			if err != nil {
				return err
			}
			return runImport(ctx, a, versionID, p.DataPath, p.MetaPath)
		}
		group.Go(func() error {
			return watcher.Run(groupCtx)
		})
		a.log.WithField("dir", a.cfg.Inbox.Dir).Info("inbox watcher running")
	}

	err = group.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
