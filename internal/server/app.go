// Package server wires the listenalong store: it opens PostgreSQL, applies
// migrations, and runs the HTTP session API next to the gRPC health endpoint
// until a shutdown signal arrives.
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
	"sync"
	"syscall"
	"time"

	"github.com/dmitrijs2005/listenalong/internal/logging"
	"github.com/dmitrijs2005/listenalong/internal/server/config"
	"github.com/dmitrijs2005/listenalong/internal/server/httpapi"
	"github.com/dmitrijs2005/listenalong/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/listenalong/internal/server/services"
	"github.com/robfig/cron/v3"

	gs "github.com/dmitrijs2005/listenalong/internal/server/grpc"
)

const (
	hubBuffer       = 16
	limiterIdle     = 10 * time.Minute
	pruneSchedule   = "@every 5m"
	shutdownTimeout = 5 * time.Second
)

type App struct {
	config   *config.Config
	logger   *logging.SlogLogger
	db       *sql.DB
	hub      *services.Hub
	sessions *services.SessionService
	updates  *services.UpdateService
	identity *services.IdentityService
}

func NewApp(c *config.Config) (*App, error) {
	logger := logging.New(c.LogLevel, c.LogFormat)

	db, err := sql.Open("pgx", c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rm := repomanager.NewPostgresRepositoryManager()
	if err := rm.RunMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db init error: %w", err)
	}

	hub := services.NewHub(hubBuffer)

	return &App{
		config:   c,
		logger:   logger,
		db:       db,
		hub:      hub,
		sessions: services.NewSessionService(db, rm, c),
		updates:  services.NewUpdateService(db, rm, hub, c),
		identity: services.NewIdentityService(c),
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewGRPCServer(app.config.EndpointAddrGRPC, app.logger)

	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	h := httpapi.NewHandlers(app.sessions, app.updates, app.identity, app.logger)
	srv := &http.Server{
		Addr:              app.config.HTTPAddr,
		Handler:           httpapi.NewRouter(h),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		app.logger.Info(ctx, "Stopping HTTP server...")
		// listener streams end once the hub closes their channels
		app.hub.Close()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			app.logger.Warn(ctx, "HTTP shutdown", "error", err)
		}
	}()

	app.logger.Info(ctx, "Starting HTTP server", "address", app.config.HTTPAddr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// startMaintenance drops rate limiters of sessions that went quiet.
func (app *App) startMaintenance(ctx context.Context) (*cron.Cron, error) {
	cl := cron.PrintfLogger(slog.NewLogLogger(app.logger.Slog().Handler(), slog.LevelDebug))
	c := cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))

	_, err := c.AddFunc(pruneSchedule, func() {
		if n := app.updates.PruneLimiters(limiterIdle); n > 0 {
			app.logger.Debug(ctx, "pruned idle rate limiters", "count", n)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...")

	app.initSignalHandler(cancelFunc)

	c, err := app.startMaintenance(ctx)
	if err != nil {
		app.logger.Error(ctx, "maintenance schedule", "error", err)
		return
	}

	var wg sync.WaitGroup

	wg.Add(2)
	go func() {
		defer wg.Done()
		app.startGRPCServer(ctx, cancelFunc)
	}()
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	wg.Wait()

	<-c.Stop().Done()
	if err := app.db.Close(); err != nil {
		app.logger.Warn(ctx, "db close", "error", err)
	}
	app.logger.Info(ctx, "Stopped")
}
