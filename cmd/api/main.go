package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mwhitford/duraq/internal/api"
	"github.com/mwhitford/duraq/internal/config"
	"github.com/mwhitford/duraq/internal/logging"
	"github.com/mwhitford/duraq/internal/queue/reaper"
	"github.com/mwhitford/duraq/internal/queue/store"
	pgstore "github.com/mwhitford/duraq/internal/queue/store/postgres"
	sqlitestore "github.com/mwhitford/duraq/internal/queue/store/sqlite"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig()
	if err != nil {
		logging.Logger().Fatalf("load config: %v", err)
	}
	logging.Init(cfg.LogLevel)
	log := logging.Logger()

	var (
		st      store.Store
		cleanup func()
	)
	if cfg.DatabaseURL != "" {
		connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
		defer cancel()

		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("pgxpool.New: %v", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			log.Fatalf("pgx ping: %v", err)
		}

		pg := pgstore.New(pool, pgstore.WithBackoffBase(cfg.BackoffBase))
		if err := pg.Migrate(connectCtx); err != nil {
			log.Fatalf("migrate: %v", err)
		}
		st = pg
		cleanup = pool.Close
		log.Info("using postgres store")
	} else {
		sq, err := sqlitestore.Open(cfg.SQLitePath, sqlitestore.WithBackoffBase(cfg.BackoffBase))
		if err != nil {
			log.Fatalf("open sqlite: %v", err)
		}
		st = sq
		cleanup = func() { _ = sq.Close() }
		log.WithField("path", cfg.SQLitePath).Info("using sqlite store")
	}
	defer cleanup()

	if cfg.ReaperEnabled {
		rp := reaper.New(st, cfg.ReaperInterval, cfg.ClaimTimeout, log)
		go rp.Start(ctx)
	}

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpSrv := api.NewServer(addr, st, cfg.StatsWindow)

	log.WithField("addr", addr).Info("HTTP server listening")
	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	// Exiting through here, not log.Fatalf, so the deferred store cleanup runs.
	select {
	case <-ctx.Done():
		log.Info("shutting down...")
	case err := <-errCh:
		log.WithError(err).Error("http server error")
	}
	_ = httpSrv.Shutdown(context.Background())
}
