package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/conorfennell/knolsched/internal/cardfeed"
	"github.com/conorfennell/knolsched/internal/config"
	"github.com/conorfennell/knolsched/internal/logging"
	"github.com/conorfennell/knolsched/internal/review"
	"github.com/conorfennell/knolsched/internal/storage"
	"github.com/conorfennell/knolsched/internal/web"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "knolsched:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := config.NewFlagSet("knolsched")
	syncOnly := fs.Bool("sync", false, "reconcile the configured card sources once and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.Load(fs)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()
	log.Info("schedule store opened", zap.String("driver", cfg.Storage.Driver))

	svc, err := review.NewService(store, cfg.Scheduler.Params(), log.Named("review"), review.Options{
		MaxAttempts: cfg.Review.MaxAttempts,
		DuePageSize: cfg.Review.DuePageSize,
	})
	if err != nil {
		return err
	}

	reconciler := cardfeed.NewReconciler(svc, log.Named("cardfeed"), cfg.Feed.ReposDir)
	syncSources := func(ctx context.Context) []cardfeed.Report {
		return reconciler.ReconcileAll(ctx, cfg.Feed.Sources)
	}

	if *syncOnly {
		failed := 0
		for _, rep := range syncSources(ctx) {
			failed += len(rep.Errors)
		}
		if failed > 0 {
			return fmt.Errorf("sync finished with %d errors", failed)
		}
		return nil
	}

	if cfg.Feed.NATS.URL != "" {
		nc, err := cardfeed.Connect(cfg.Feed.NATS.URL, cfg.Feed.NATS.Token, log.Named("nats"))
		if err != nil {
			return err
		}
		// Runs before closeStore, so drained handlers still have a store.
		defer func() {
			if err := nc.Shutdown(cfg.HTTP.ShutdownTimeout); err != nil {
				log.Warn("nats shutdown", zap.Error(err))
			}
		}()

		// Handlers must outlive the signal so buffered events are applied
		// during the drain.
		sub := cardfeed.NewSubscriber(svc, log.Named("cardfeed"))
		if _, err := sub.Subscribe(context.WithoutCancel(ctx), nc.Conn, cfg.Feed.NATS.Subject, cfg.Feed.NATS.Queue); err != nil {
			return err
		}
	}

	var syncFn web.SyncFunc
	if len(cfg.Feed.Sources) > 0 {
		syncFn = syncSources
		go syncSources(ctx)
	}

	srv := &http.Server{
		Addr: cfg.HTTP.Addr,
		Handler: web.NewServer(svc, log.Named("http"), web.Options{
			RateLimit:      cfg.HTTP.RateLimit,
			RequestTimeout: cfg.HTTP.RequestTimeout,
			Sync:           syncFn,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", cfg.HTTP.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg config.Storage) (review.Store, func() error, error) {
	switch cfg.Driver {
	case "postgres":
		db, err := storage.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	default:
		db, err := storage.Open(cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return db, db.Close, nil
	}
}
