package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tracearchive/internal/common"
	"github.com/ternarybob/tracearchive/internal/handlers"
	"github.com/ternarybob/tracearchive/internal/interfaces"
	"github.com/ternarybob/tracearchive/internal/services/archive"
	"github.com/ternarybob/tracearchive/internal/services/errortracking"
	"github.com/ternarybob/tracearchive/internal/services/events"
	"github.com/ternarybob/tracearchive/internal/services/features"
	"github.com/ternarybob/tracearchive/internal/services/integrations"
	"github.com/ternarybob/tracearchive/internal/services/jobs"
	"github.com/ternarybob/tracearchive/internal/services/metrics"
	"github.com/ternarybob/tracearchive/internal/services/scheduler"
	"github.com/ternarybob/tracearchive/internal/storage"
	"github.com/ternarybob/tracearchive/internal/trace"
)

// App holds all application components and dependencies
type App struct {
	Config         *common.Config
	Logger         arbor.ILogger
	StorageManager interfaces.StorageManager

	// Event-driven services
	EventService     interfaces.EventService
	SchedulerService *scheduler.Service

	// Archival
	JobService     *jobs.Service
	TraceProvider  *trace.Provider
	ArchiveService *archive.Service
	Dispatcher     *integrations.Dispatcher

	// Observability
	MetricsService *metrics.Service
	ErrorTracker   *errortracking.Tracker
	FeatureService *features.Service

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	JobHandler     *handlers.JobHandler
	ArchiveHandler *handlers.ArchiveHandler
	WSHandler      *handlers.WebSocketHandler
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initDatabase(); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initServices(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := app.initHandlers(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize handlers: %w", err)
	}

	logger.Info().
		Int("max_attempts", cfg.Archive.MaxAttempts).
		Str("cooldown_strategy", cfg.Archive.CooldownStrategy).
		Str("schedule", cfg.Archive.Schedule).
		Bool("archive_on_finish", cfg.Archive.ArchiveOnFinish).
		Msg("Application initialization complete")

	return app, nil
}

// initDatabase initializes the storage layer (Badger)
func (a *App) initDatabase() error {
	storageManager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return fmt.Errorf("failed to create storage manager: %w", err)
	}

	a.StorageManager = storageManager
	a.Logger.Debug().
		Str("storage", "badger").
		Str("path", a.Config.Storage.Badger.Path).
		Msg("Storage layer initialized")

	return nil
}

// initServices initializes all business services in dependency order:
// events -> observability -> jobs -> trace policy -> archive -> scheduler
func (a *App) initServices() error {
	a.EventService = events.NewService(a.Logger)
	if err := events.SubscribeLoggerToAllEvents(a.EventService, a.Logger); err != nil {
		return fmt.Errorf("failed to subscribe event logger: %w", err)
	}

	a.MetricsService = metrics.NewService()
	a.ErrorTracker = errortracking.NewTracker(a.Logger, 0)

	a.FeatureService = features.NewService(a.StorageManager.KeyValueStorage(), a.Logger)
	if err := a.FeatureService.SeedFromConfig(context.Background(), archive.FeatureLogsCollection, a.Config.Integrations); err != nil {
		return fmt.Errorf("failed to seed feature flags: %w", err)
	}

	a.JobService = jobs.NewService(
		a.StorageManager.JobStorage(),
		a.StorageManager.TraceStorage(),
		a.EventService,
		a.Logger,
	)

	a.TraceProvider = trace.NewProvider(a.StorageManager.TraceStorage(), trace.NewPolicy(a.Config.Archive), nil)

	a.Dispatcher = integrations.NewDispatcher(a.StorageManager.TraceStorage(), a.EventService, a.Config.Integrations, a.Logger)
	if err := integrations.NewWebhookSender(a.Config.Integrations, a.Logger).Subscribe(a.EventService); err != nil {
		return fmt.Errorf("failed to subscribe webhook sender: %w", err)
	}

	a.ArchiveService = archive.NewService(
		a.TraceProvider,
		a.JobService,
		a.Dispatcher,
		a.FeatureService,
		archive.Counters{
			Failed:          a.MetricsService.ArchiveFailed(),
			Archived:        a.MetricsService.Archived(),
			CleanedUp:       a.MetricsService.CleanedUp(),
			AlreadyArchived: a.MetricsService.AlreadyArchived(),
		},
		a.ErrorTracker,
		a.Logger,
	)

	a.SchedulerService = scheduler.NewService(
		a.StorageManager.JobStorage(),
		a.ArchiveService,
		a.EventService,
		a.MetricsService,
		a.Config.Archive,
		a.Logger,
	)
	if err := a.SchedulerService.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler service: %w", err)
	}

	a.Logger.Debug().Msg("Services initialized")
	return nil
}

// initHandlers initializes all HTTP handlers
func (a *App) initHandlers() error {
	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.JobService, a.SchedulerService, a.Logger)
	a.ArchiveHandler = handlers.NewArchiveHandler(
		a.SchedulerService,
		a.MetricsService,
		a.ErrorTracker,
		a.FeatureService,
		a.Logger,
	)

	a.WSHandler = handlers.NewWebSocketHandler(a.Logger)
	if a.Config.WebSocket.Enabled {
		subscriber := handlers.NewEventSubscriber(a.WSHandler, a.EventService, a.Logger, &a.Config.WebSocket)
		if err := subscriber.SubscribeAll(); err != nil {
			return fmt.Errorf("failed to subscribe websocket events: %w", err)
		}
	}

	a.Logger.Debug().Bool("websocket_enabled", a.Config.WebSocket.Enabled).Msg("Handlers initialized")
	return nil
}

// Close closes all application resources
func (a *App) Close() error {
	// Stop scheduler first so no sweep touches storage during shutdown
	if a.SchedulerService != nil {
		if err := a.SchedulerService.Stop(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to stop scheduler service")
		}
	}

	if a.EventService != nil {
		if err := a.EventService.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close event service")
		}
	}

	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("failed to close storage: %w", err)
		}
		a.StorageManager = nil
	}

	a.Logger.Info().Msg("Application closed")
	return nil
}
