package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MimeLyc/strproc/internal/config"
	"github.com/MimeLyc/strproc/internal/httpapi"
	"github.com/MimeLyc/strproc/internal/persistence"
	"github.com/MimeLyc/strproc/internal/processor"
	"github.com/MimeLyc/strproc/pkg/log"
)

func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd, config.WithoutAPI())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := processor.NewHub()
	queueOpts := []processor.QueueOption{processor.WithPublisher(hub)}
	if cfg.Server.DBPath != "" {
		store, err := persistence.NewSQLiteStore(cfg.Server.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()
		queueOpts = append(queueOpts, processor.WithStore(store))
		log.Info("Persisting jobs to %s", cfg.Server.DBPath)
	}
	queue := processor.NewQueue(cfg.Server.Workers, queueOpts...)
	queue.Start(processor.StreamExecutor(hub, cfg.Server.FragmentDelay))
	defer queue.Stop()

	srv := httpapi.NewServer(queue, hub, httpapi.WithNotificationsPath(cfg.Channel.Path))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(cfg.Server.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
