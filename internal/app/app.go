package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"marketsync/internal/archive"
	"marketsync/internal/config"
	"marketsync/internal/event"
	"marketsync/internal/server"
	"marketsync/internal/service"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openArchive(ctx context.Context) (archive.SampleStore, error) {
	store, err := archive.Open(ctx, a.Config.Archive, a.Logger)
	if err != nil {
		return nil, err
	}
	if a.Config.Archive.Driver == config.ArchiveDriverOff {
		a.Logger.Warn().Msg("archive disabled; samples will not be persisted")
	}
	return store, nil
}

// Run executes the long-running sync service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, err := a.openArchive(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	bus := event.NewBus(a.Logger)

	orch, err := service.New(*a.Config, bus, store, a.Logger, service.Options{})
	if err != nil {
		return err
	}

	var srv *server.Server
	if a.Config.Server.Enabled {
		// Construct before Start so the websocket hub observes the
		// initial load events.
		srv = server.New(a.Config.Server, orch, bus, a.Logger)
	}

	if err := orch.Start(ctx); err != nil {
		return err
	}
	defer orch.Stop()

	a.Logger.Info().Msg("sync service started")

	if srv != nil {
		if err := srv.Run(ctx); err != nil {
			a.Logger.Error().Err(err).Msg("snapshot api terminated with error")
			return err
		}
	} else {
		<-ctx.Done()
	}

	if err := ctx.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.Logger.Info().Msg("sync service stopped")
	return nil
}

// ExportOptions hold parameters for exporting archived samples.
type ExportOptions struct {
	Code      string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Code  string
	Limit int
}
