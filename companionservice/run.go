package companionservice

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/mycelian/mycelian-memory/companion/internal/api"
	"github.com/mycelian/mycelian-memory/companion/internal/auth"
	"github.com/mycelian/mycelian-memory/companion/internal/config"
	"github.com/mycelian/mycelian-memory/companion/internal/factory"
	"github.com/mycelian/mycelian-memory/companion/internal/health"
	"github.com/mycelian/mycelian-memory/companion/internal/identity"
	"github.com/mycelian/mycelian-memory/companion/internal/linker"
	"github.com/mycelian/mycelian-memory/companion/internal/logger"
	"github.com/mycelian/mycelian-memory/companion/internal/memoryclient"
	"github.com/mycelian/mycelian-memory/companion/internal/metrics"
	"github.com/mycelian/mycelian-memory/companion/internal/plans"
	"github.com/mycelian/mycelian-memory/companion/internal/services"
	"github.com/mycelian/mycelian-memory/companion/internal/store"
	"github.com/mycelian/mycelian-memory/companion/internal/usage"
)

// Overrides are command-line settings applied on top of the environment.
type Overrides struct {
	DBDriver string
}

// Run starts the companion service HTTP server and blocks until shutdown or error.
func Run(ov Overrides) error {
	cfg, err := config.New()
	if err != nil {
		l := logger.New("companion-service")
		l.Error().Err(err).Msg("Failed to load configuration")
		return err
	}
	if ov.DBDriver != "" {
		cfg.DBDriver = ov.DBDriver
		if err := cfg.ResolveDefaults(); err != nil {
			return fmt.Errorf("invalid db-driver override: %w", err)
		}
	}
	log := logger.NewWithWriter("companion-service", os.Stdout, cfg.LogLevel)

	log.Info().
		Str("environment", string(cfg.Environment)).
		Str("db_driver", cfg.DBDriver).
		Int("http_port", cfg.HTTPPort).
		Bool("memory_service_configured", cfg.MemoryServiceConfigured()).
		Msg("Companion service starting")

	// Create cancellable root context bound to SIGINT/SIGTERM
	ctx, stop := newServerContext()
	defer stop()

	deps, err := initDependencies(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer deps.close()

	svcHealth := startHealthCheckers(ctx, cfg, log, deps)
	router := buildRouter(cfg, log, deps, svcHealth)

	// Block startup until dependencies report healthy; fail fast otherwise
	if err := waitUntilHealthy(ctx, cfg, svcHealth); err != nil {
		log.Error().Stack().Err(err).Msg("startup health check failed")
		return err
	}

	server := newHTTPServer(ctx, cfg, router)
	errCh := serveHTTP(server, log, cfg)

	// Graceful shutdown on context cancel or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error().Stack().Err(err).Msg("Server forced to shutdown")
			return err
		}
		log.Info().Msg("Server exited")
		return nil
	case err := <-errCh:
		log.Error().Stack().Err(err).Msg("HTTP server failed")
		return err
	}
}

// dependencies are the long-lived components shared by every request.
type dependencies struct {
	store    store.Store
	client   *memoryclient.Client
	resolver *identity.Resolver
	acct     *usage.Accountant
	links    *linker.Linker
	metrics  *metrics.Metrics
}

func (d *dependencies) close() {
	if d.resolver != nil {
		d.resolver.Close()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
}

// initDependencies constructs required components and enforces fail-fast on missing deps.
// A missing memory service credential is not fatal: memory operations report it per request.
func initDependencies(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*dependencies, error) {
	st, err := factory.NewStore(ctx, cfg, log)
	if err != nil {
		log.Error().Stack().Err(err).Msg("Store adapter unavailable")
		return nil, err
	}
	deps := &dependencies{store: st, metrics: metrics.NewProcess()}

	catalog, err := loadCatalog(cfg)
	if err != nil {
		log.Error().Stack().Err(err).Str("plans_file", cfg.PlansFile).Msg("Plan catalog invalid")
		deps.close()
		return nil, err
	}

	deps.client = memoryclient.NewFromConfig(cfg, deps.metrics, log)
	deps.resolver, err = identity.New(st.Identities(), deps.client, identity.Options{
		ClaimTTL:  cfg.IdentityClaimTTL(),
		CacheSize: cfg.IdentityCacheSize,
		Metrics:   deps.metrics,
	}, log)
	if err != nil {
		deps.close()
		return nil, fmt.Errorf("identity cache: %w", err)
	}

	authorities := []usage.Authority{usage.NewLedgerAuthority(st.Usage())}
	if deps.client.Configured() {
		authorities = append(authorities, usage.NewMemoryServiceAuthority(deps.resolver, deps.client))
	}
	deps.acct = usage.New(st.Usage(), st.Subscriptions(), catalog, deps.metrics, log, authorities...)
	deps.links = linker.New(st.Links(), log)
	return deps, nil
}

func loadCatalog(cfg *config.Config) (*plans.Catalog, error) {
	if cfg.PlansFile != "" {
		return plans.Load(cfg.PlansFile)
	}
	return plans.Default()
}

// buildRouter wires HTTP routes to handlers.
func buildRouter(cfg *config.Config, log zerolog.Logger, deps *dependencies, svcHealth *health.ServiceHealthChecker) *mux.Router {
	memSvc := services.NewMemoryService(deps.client, deps.resolver, deps.links, deps.acct, cfg.OperationTimeout(), deps.metrics, log)
	return api.NewRouter(api.Deps{
		Memories:   memSvc,
		Usage:      services.NewUsageService(deps.acct),
		Authorizer: auth.New(cfg),
		Health:     svcHealth,
		Metrics:    deps.metrics,
		Log:        log,
	})
}

// startHealthCheckers starts component checkers and the service-level aggregator.
// The memory service is only probed when it is configured.
func startHealthCheckers(ctx context.Context, cfg *config.Config, log zerolog.Logger, deps *dependencies) *health.ServiceHealthChecker {
	probeTimeout := time.Duration(cfg.HealthProbeTimeoutSeconds) * time.Second
	interval := time.Duration(cfg.HealthIntervalSeconds) * time.Second

	storeChecker := health.NewPingChecker("store", deps.store, log, probeTimeout)
	go storeChecker.Start(ctx, interval)
	checkers := []health.HealthChecker{storeChecker}

	if deps.client.Configured() {
		memChecker := health.NewPingChecker("memory_service", deps.client, log, probeTimeout)
		go memChecker.Start(ctx, interval)
		checkers = append(checkers, memChecker)
	}

	svcHealth := health.NewServiceHealthChecker(log, checkers...)
	go svcHealth.Start(ctx, interval)
	return svcHealth
}

func newHTTPServer(ctx context.Context, cfg *config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.GetHTTPAddr(),
		Handler:           handler,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.OperationTimeout() + 15*time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
}

func serveHTTP(server *http.Server, log zerolog.Logger, cfg *config.Config) <-chan error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	return errCh
}

// calculateStartupHealthTimeout returns the startup health timeout in seconds,
// calculated as interval*2 with a minimum of 60 seconds.
func calculateStartupHealthTimeout(healthIntervalSeconds int) int {
	timeout := healthIntervalSeconds * 2
	if timeout < 60 {
		return 60
	}
	return timeout
}

// waitUntilHealthy blocks until service health is healthy or the startup window expires.
func waitUntilHealthy(ctx context.Context, cfg *config.Config, svcHealth *health.ServiceHealthChecker) error {
	timeoutSeconds := calculateStartupHealthTimeout(cfg.HealthIntervalSeconds)
	deadline := time.Now().Add(time.Duration(timeoutSeconds) * time.Second)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if svcHealth.IsHealthy() {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("startup aborted: dependencies not healthy within %d seconds", timeoutSeconds)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// newServerContext returns a cancellable context that is cancelled on SIGINT/SIGTERM.
func newServerContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
