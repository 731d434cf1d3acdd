package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/store"
	"github.com/CZERTAINLY/Tender/internal/worker"
)

const finalFlushTimeout = 10 * time.Second

// Run implements CLI run command. storeURL is the configured store or the
// paired server. Worker stderr and the supervisor's own records go through
// agg, whose batch is shipped to the store. agg is closed on return.
func Run(ctx context.Context, cfg model.Config, storeURL string, agg *log.Aggregator) error {
	client, err := store.New(storeURL, cfg.Store, cfg.Node)
	if err != nil {
		return fmt.Errorf("initializing store client: %w", err)
	}
	if err := client.Authenticate(ctx); err != nil {
		if errors.Is(err, store.ErrUnauthorized) {
			return err
		}
		slog.WarnContext(ctx, "store unreachable, retrying on demand", "error", err)
	}

	spawner, err := worker.NewSpawner(agg.Ingest, model.Get(cfg.Service.Verbose))
	if err != nil {
		return err
	}

	sched, err := model.ParseSchedule(cfg.Service.Flush)
	if err != nil {
		return err
	}
	flusher, err := NewFlusher(ctx, sched, agg, client)
	if err != nil {
		return err
	}

	signals := NewSignals(NewState())
	supervisor, err := NewSupervisor(cfg, storeURL, client, spawner, agg, signals)
	if err != nil {
		return err
	}

	if flusher != nil {
		flusher.Start()
		defer func() {
			if err := flusher.Shutdown(); err != nil {
				slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return signals.Watch(gctx)
	})
	g.Go(func() error {
		defer cancel()
		return supervisor.Run(gctx)
	})
	err = g.Wait()

	// queued records must reach the batch before the last flush
	agg.Close()
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
	defer fcancel()
	if ferr := agg.Flush(fctx, client); ferr != nil {
		slog.WarnContext(ctx, "final log flush", "error", ferr)
	}
	return err
}
