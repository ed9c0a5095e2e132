// -----------------------------------------------------------------------
// App - component wiring for the orchestration server
// -----------------------------------------------------------------------

package app

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/eosdis/harmony/internal/common"
	"github.com/eosdis/harmony/internal/coordinator"
	"github.com/eosdis/harmony/internal/events"
	"github.com/eosdis/harmony/internal/handlers"
	"github.com/eosdis/harmony/internal/interfaces"
	"github.com/eosdis/harmony/internal/operation"
	"github.com/eosdis/harmony/internal/planner"
	"github.com/eosdis/harmony/internal/policy"
	"github.com/eosdis/harmony/internal/registry"
	"github.com/eosdis/harmony/internal/scheduler"
	"github.com/eosdis/harmony/internal/services/cmr"
	"github.com/eosdis/harmony/internal/services/edl"
	"github.com/eosdis/harmony/internal/services/objectstore"
	"github.com/eosdis/harmony/internal/storage/sqlite"
)

// App holds all application components and dependencies
type App struct {
	Config    *common.Config
	Logger    arbor.ILogger
	ctx       context.Context
	cancelCtx context.CancelFunc

	// Persistence
	DB          *sqlite.SQLiteDB
	Store       interfaces.JobStorage
	ObjectStore interfaces.ObjectStorage

	// Orchestration core
	Registry    *registry.Registry
	Events      interfaces.EventService
	Coordinator *coordinator.Coordinator
	Planner     *planner.Planner
	Scheduler   *scheduler.Scheduler

	// External service clients
	CMRClient *cmr.Client
	EDLClient *edl.Client

	// HTTP handlers
	APIHandler     *handlers.APIHandler
	WorkHandler    *handlers.WorkHandler
	JobHandler     *handlers.JobHandler
	RequestHandler *handlers.RequestHandler
	WSHandler      *handlers.WebSocketHandler
}

// New wires the full application from config
func New(config *common.Config, logger arbor.ILogger) (*App, error) {
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:    config,
		Logger:    logger,
		ctx:       ctx,
		cancelCtx: cancel,
	}

	if err := a.initStorage(); err != nil {
		cancel()
		return nil, err
	}
	if err := a.initCore(); err != nil {
		cancel()
		a.Close()
		return nil, err
	}
	if err := a.initHandlers(); err != nil {
		cancel()
		a.Close()
		return nil, err
	}

	logger.Info().
		Str("environment", config.Environment).
		Int("services", len(a.Registry.Services())).
		Msg("Application initialized")
	return a, nil
}

func (a *App) initStorage() error {
	db, err := sqlite.NewSQLiteDB(a.Logger, &a.Config.Database)
	if err != nil {
		return fmt.Errorf("failed to open job database: %w", err)
	}
	a.DB = db
	a.Store = sqlite.NewJobStorage(db, a.Config.Registry.GranuleCap, a.Logger)

	objects, err := objectstore.NewLocalStore(a.Logger, &a.Config.ObjectStore)
	if err != nil {
		return fmt.Errorf("failed to open object store: %w", err)
	}
	a.ObjectStore = objects
	return nil
}

func (a *App) initCore() error {
	reg, err := registry.Load(a.Config.Registry.ServicesFile, a.Config.Registry.GranuleCap, a.Logger)
	if err != nil {
		return fmt.Errorf("failed to load service registry: %w", err)
	}
	a.Registry = reg

	a.Events = events.NewService(a.Logger)

	failurePolicy := policy.NewFailurePolicy(a.Config.Work.DefaultRetryLimit, a.Logger)
	a.Coordinator = coordinator.NewCoordinator(a.Store, reg, failurePolicy, a.Events,
		a.Config.Work.PageSize, a.Logger)
	a.Planner = planner.NewPlanner(a.Store, a.Config.Work.PageSize,
		a.Config.Work.PreviewThreshold, a.Logger)
	a.Scheduler = scheduler.NewScheduler(a.Store, a.Coordinator, &a.Config.Work, a.Logger)

	a.CMRClient = cmr.NewClient(&a.Config.CMR, a.Config.ClientID, a.Logger)

	if a.Config.EDL.TokenURL != "" {
		edlClient, err := edl.NewClient(&a.Config.EDL, a.Logger)
		if err != nil {
			return fmt.Errorf("failed to create identity client: %w", err)
		}
		a.EDLClient = edlClient
	}
	return nil
}

func (a *App) initHandlers() error {
	// Tokens rest encrypted inside operation documents when a shared
	// secret is configured. Without one, token-bearing requests are
	// rejected at submission.
	var cipher operation.TokenCipher
	if a.Config.Server.CookieSecret != "" {
		c, err := operation.NewAESCipher(a.Config.Server.CookieSecret)
		if err != nil {
			return fmt.Errorf("failed to create token cipher: %w", err)
		}
		cipher = c
	}

	a.APIHandler = handlers.NewAPIHandler(a.Logger)
	a.WorkHandler = handlers.NewWorkHandler(a.Coordinator, a.Config.Server.CookieSecret, a.Logger)
	a.JobHandler = handlers.NewJobHandler(a.Store, a.Events, a.Logger)
	a.RequestHandler = handlers.NewRequestHandler(a.Planner, a.Registry, a.CMRClient, a.EDLClient,
		cipher, a.Config.Work.PageSize, a.Config.ClientID, a.Config.ObjectStore.Bucket, a.Logger)
	a.WSHandler = handlers.NewWebSocketHandler(a.Events, &a.Config.WebSocket, a.Logger)
	return nil
}

// Start begins the background sweeps
func (a *App) Start() error {
	return a.Scheduler.Start()
}

// Close releases all resources in reverse dependency order
func (a *App) Close() {
	a.cancelCtx()

	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if closer, ok := a.ObjectStore.(interface{ Close() error }); ok && closer != nil {
		if err := closer.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close object store")
		}
	}
	if a.Store != nil {
		if err := a.Store.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to close job store")
		}
	}
}
