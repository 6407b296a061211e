package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"fleetcore/internal/auth"
	"fleetcore/internal/config"
	apierrors "fleetcore/internal/errors"
	"fleetcore/internal/fleet"
	"fleetcore/internal/infrastructure"
	"fleetcore/internal/license"
	"fleetcore/internal/metrics"
	customMiddleware "fleetcore/internal/middleware"
	"fleetcore/internal/registry"
	"fleetcore/internal/storage"
	handlers "fleetcore/internal/transport/http"
	"fleetcore/internal/transport/resilient"
	ws "fleetcore/internal/websocket"
	"fleetcore/pkg/contracts"
)

// AppName is reported in startup logs
const AppName = "fleet-server"

const authorityTimeout = 10 * time.Second

// Application represents the main application container
type Application struct {
	Config       *config.Config
	Router       *chi.Mux
	Server       *http.Server
	Logger       *slog.Logger
	DB           *gorm.DB
	Registry     *registry.Registry
	Metrics      *metrics.Metrics
	WebSocketHub *ws.Hub
	FleetHub     *fleet.Hub
	TrustStore   *license.TrustStore
	Tokens       *auth.TokenService
	ErrorHandler *apierrors.ErrorHandler
}

// NewApplication loads configuration from the environment and builds the
// application with the process-wide logger
func NewApplication() (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(cfg, logger)
}

// New wires every component for cfg. The caller owns logger.
func New(cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.Info("Application starting",
		slog.String("name", AppName),
		slog.String("version", contracts.Version),
		slog.String("protocol", contracts.ProtocolVersion))

	a := &Application{
		Config: cfg,
		Logger: logger,
	}

	if err := a.initializeServices(); err != nil {
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	a.setupRouter()
	a.createServer()
	return a, nil
}

// initializeServices builds the stores, hubs and license trust store
func (a *Application) initializeServices() error {
	db, err := storage.NewDatabase(a.Config.Database, a.Logger)
	if err != nil {
		return err
	}
	a.DB = db

	tokens, err := auth.NewTokenService(a.Config.Auth.JWTSecret, a.Config.Auth.Issuer, a.Config.Auth.TokenTTL)
	if err != nil {
		_ = storage.Close(db)
		return fmt.Errorf("failed to create token service: %w", err)
	}
	a.Tokens = tokens

	trust, err := license.NewTrustStore(a.Config.License.TrustedKeysDir, a.Logger)
	if err != nil {
		_ = storage.Close(db)
		return fmt.Errorf("failed to load trusted keys: %w", err)
	}
	a.TrustStore = trust

	a.Metrics = metrics.New()
	if a.Config.License.AuthorityURL != "" {
		a.syncTrustedKeys(context.Background())
	}

	a.Registry = registry.New()
	a.ErrorHandler = apierrors.NewErrorHandler(a.Logger, a.Config.Logging.Level == "debug")

	// The websocket hub is the fleet hub's broadcaster, and the fleet
	// protocol is the websocket hub's handler
	a.WebSocketHub = ws.NewHub(a.Config.WebSocket, a.Logger, ws.WithMetrics(a.Metrics))
	a.FleetHub = fleet.NewHub(
		a.Registry,
		storage.NewDeviceStore(db),
		storage.NewAuditStore(db),
		a.WebSocketHub,
		a.Logger,
		fleet.WithPrivilegedRoles(a.Config.Auth.PrivilegedRoles),
		fleet.WithMetrics(a.Metrics),
	)
	a.WebSocketHub.Handle(fleet.NewProtocol(a.FleetHub, a.Metrics))

	a.Logger.Info("Services initialized",
		slog.String("database", a.Config.Database.DSN),
		slog.Int("trusted_keys", len(trust.Keys())),
		slog.Any("privileged_roles", a.Config.Auth.PrivilegedRoles))
	return nil
}

// syncTrustedKeys adds the upstream authority's keys to the trust store. An
// unreachable authority leaves the local keys in place.
func (a *Application) syncTrustedKeys(ctx context.Context) {
	cfg := a.Config.License
	retry := resilient.NewRetryConfig()
	retry.MaxAttempts = cfg.MaxAttempts
	retry.BaseDelay = cfg.BaseDelay
	retry.MaxDelay = cfg.MaxDelay

	client := license.NewClient(cfg.AuthorityURL, resilient.NewClient(
		authorityTimeout,
		retry,
		resilient.WithLogger(a.Logger),
		resilient.WithObserver(a.Metrics),
	), a.Logger)

	keys, err := client.TrustedKeys(ctx)
	if err != nil {
		a.Logger.WarnContext(ctx, "Failed to sync trusted keys from authority",
			slog.String("authority", cfg.AuthorityURL),
			slog.String("error", err.Error()))
		return
	}

	added := 0
	for _, k := range keys {
		pub, err := license.ParsePublicKeyPEM([]byte(k.PublicKey))
		if err != nil {
			a.Logger.WarnContext(ctx, "Skipping unparseable authority key",
				slog.String("fingerprint", k.Fingerprint),
				slog.String("error", err.Error()))
			continue
		}
		if _, err := a.TrustStore.Add(pub); err != nil {
			continue
		}
		added++
	}
	a.Logger.InfoContext(ctx, "Trusted keys synced from authority",
		slog.String("authority", cfg.AuthorityURL),
		slog.Int("added", added))
}

// setupRouter configures middleware and routes
func (a *Application) setupRouter() {
	r := chi.NewRouter()

	// RequestID → RealIP → Recoverer → Authenticate apply to every route
	r.Use(customMiddleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Recoverer(a.Logger))
	r.Use(customMiddleware.Authenticate(a.Logger, a.Tokens))

	r.NotFound(a.ErrorHandler.NotFound)
	r.MethodNotAllowed(a.ErrorHandler.MethodNotAllowed)

	// The websocket route must not sit behind Timeout or the body validator
	r.Group(func(r chi.Router) {
		r.Use(customMiddleware.StructuredLogger(a.Logger))
		r.Handle("/ws", handlers.NewWebSocketHandler(
			a.WebSocketHub,
			ws.NewUpgrader(a.Config.WebSocket, a.Config.Security.AllowedOrigins),
			a.Logger,
		))
		r.Handle("/metrics", a.Metrics.Handler())
	})

	r.Group(func(r chi.Router) {
		r.Use(apierrors.NewErrorMiddleware(a.ErrorHandler, a.Logger).Handler)
		r.Use(middleware.Timeout(a.Config.Server.RequestTimeout))
		r.Use(customMiddleware.DefaultSecureHeaders().Handler)
		r.Use(customMiddleware.CORS(customMiddleware.CORSConfig{
			AllowedOrigins:   a.Config.Security.AllowedOrigins,
			AllowCredentials: true,
			ExposedHeaders:   []string{"X-Request-ID"},
			Logger:           a.Logger,
		}))

		if a.Config.Security.RateLimit.Enabled {
			r.Use(customMiddleware.NewRateLimiter(
				a.Config.Security.RateLimit.RPS,
				a.Config.Security.RateLimit.Burst,
				a.Logger,
			).Handler)
		}

		a.setupAPIRoutes(r)
	})

	a.Router = r
}

// setupAPIRoutes configures API endpoints
func (a *Application) setupAPIRoutes(r chi.Router) {
	validator := customMiddleware.NewValidationMiddleware(a.Logger, a.ErrorHandler)
	query := customMiddleware.NewQueryParamValidator(a.Logger, a.ErrorHandler)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Use(customMiddleware.ContentTypeValidator("application/json"))
		r.Use(validator.ValidateRequest)

		r.Mount("/health", handlers.NewHealthHandler(map[string]handlers.Check{
			"database": func(context.Context) error { return storage.Ping(a.DB) },
		}, a.Logger).Routes())

		r.Mount("/licenses", handlers.NewLicenseHandler(a.TrustStore, a.Metrics, a.Logger).Routes())

		// Fleet state is visible to privileged operators only
		r.Group(func(r chi.Router) {
			r.Use(customMiddleware.RequireRoles(a.Logger, a.Config.Auth.PrivilegedRoles...))
			r.Mount("/devices", handlers.NewDeviceHandler(
				a.Registry,
				storage.NewDeviceStore(a.DB),
				validator,
				a.ErrorHandler,
				a.Logger,
			).Routes())
			r.Mount("/audit", handlers.NewAuditHandler(storage.NewAuditStore(a.DB), query, a.ErrorHandler).Routes())
		})
	})
}

// createServer creates the HTTP server
func (a *Application) createServer() {
	a.Server = &http.Server{
		Addr:         fmt.Sprintf(":%d", a.Config.Server.Port),
		Handler:      a.Router,
		ReadTimeout:  a.Config.Server.ReadTimeout,
		WriteTimeout: a.Config.Server.WriteTimeout,
		IdleTimeout:  a.Config.Server.IdleTimeout,
	}
}

// Run serves until ctx is cancelled or the listener fails, then shuts down
func (a *Application) Run(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Starting application",
		slog.String("name", AppName),
		slog.Int("port", a.Config.Server.Port),
		slog.String("level", a.Config.Logging.Level))

	a.WebSocketHub.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return a.Stop(context.WithoutCancel(ctx))
	})

	return g.Wait()
}

// Stop gracefully stops the application
func (a *Application) Stop(ctx context.Context) error {
	a.Logger.InfoContext(ctx, "Shutting down application")

	shutdownCtx, cancel := context.WithTimeout(ctx, a.Config.Server.ShutdownTimeout)
	defer cancel()

	var errs []error
	if err := a.Server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown error: %w", err))
	}

	// Hijacked websocket connections are not tracked by the server
	a.WebSocketHub.Stop()
	waitForClients(shutdownCtx, a.WebSocketHub)

	if err := storage.Close(a.DB); err != nil {
		errs = append(errs, fmt.Errorf("database close error: %w", err))
	}

	a.Logger.InfoContext(ctx, "Application shutdown complete")
	return errors.Join(errs...)
}

func waitForClients(ctx context.Context, hub *ws.Hub) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for hub.ClientCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
