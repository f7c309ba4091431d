// Package server wires the engines together: storage backend, block
// store, event bus, HTTP transport and the background deletion
// promoter, with graceful shutdown on SIGINT/SIGTERM.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/parsec-cloud/parsec-server/internal/logging"
	"github.com/parsec-cloud/parsec-server/internal/server/blockstore"
	"github.com/parsec-cloud/parsec-server/internal/server/config"
	"github.com/parsec-cloud/parsec-server/internal/server/events"
	"github.com/parsec-cloud/parsec-server/internal/server/httpapi"
	"github.com/parsec-cloud/parsec-server/internal/server/repositories/repomanager"
	"github.com/parsec-cloud/parsec-server/internal/server/services"
)

const (
	shutdownTimeout = 5 * time.Second
	// deletionScanInterval paces the archiving deletion promoter.
	deletionScanInterval = time.Minute
)

type App struct {
	config *config.Config
	log    logging.Logger
	db     *sql.DB
	bus    *events.Bus
	core   *services.Core
	realms *services.RealmService
	http   *http.Server
}

func NewApp(cfg *config.Config) (*App, error) {
	log := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	var db *sql.DB
	var rm repomanager.RepositoryManager
	switch cfg.DBType {
	case config.DBPostgres:
		var err error
		db, err = sql.Open("pgx", cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		db.SetMaxOpenConns(cfg.DBMaxConn)
		db.SetMaxIdleConns(cfg.DBMinConn)
		rm = repomanager.NewPostgresRepositoryManager()
	case config.DBMocked:
		rm = repomanager.NewMemoryRepositoryManager()
	default:
		return nil, fmt.Errorf("unknown db type: %s", cfg.DBType)
	}
	if err := rm.RunMigrations(context.Background(), db); err != nil {
		return nil, fmt.Errorf("migrations error: %w", err)
	}

	store, err := blockstore.Build(cfg.Blockstore, db)
	if err != nil {
		return nil, fmt.Errorf("block store init error: %w", err)
	}

	bus := events.NewBus(cfg.SSEEventsCacheSize, log)
	core := services.NewCore(db, rm, bus, store, clock.New(), cfg, log)
	api := httpapi.NewServer(cfg, log, bus, core)

	return &App{
		config: cfg,
		log:    log,
		db:     db,
		bus:    bus,
		core:   core,
		realms: services.NewRealmService(core),
		http: &http.Server{
			Addr:    cfg.ServerAddr,
			Handler: api.Router(),
		},
	}, nil
}

// promoteDueDeletions periodically flips realms whose planned deletion
// date has passed into the deleted state.
func (app *App) promoteDueDeletions(ctx context.Context) error {
	ticker := time.NewTicker(deletionScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := app.realms.PromoteDueDeletions(ctx); err != nil {
				app.log.Error(ctx, "deletion promoter failed", "error", err.Error())
			}
		}
	}
}

// Run serves until the context is cancelled or a signal arrives, then
// shuts down gracefully.
func (app *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()

	app.log.Info(ctx, "starting server", "addr", app.config.ServerAddr, "db", app.config.DBType)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return app.promoteDueDeletions(ctx)
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return app.http.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if app.db != nil {
		if closeErr := app.db.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}
	app.log.Info(context.Background(), "server stopped")
	return err
}
