package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/agentdiff/agentdiff/internal/api"
	"github.com/agentdiff/agentdiff/internal/differ"
	"github.com/agentdiff/agentdiff/internal/isolation"
	"github.com/agentdiff/agentdiff/internal/lifecycle"
	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/metrics"
	"github.com/agentdiff/agentdiff/internal/run"
	"github.com/agentdiff/agentdiff/internal/services"
	"github.com/agentdiff/agentdiff/internal/services/slack"
	"github.com/agentdiff/agentdiff/internal/store"
	"github.com/agentdiff/agentdiff/internal/template"
	"github.com/agentdiff/agentdiff/internal/token"
	"github.com/agentdiff/agentdiff/internal/tracing"
)

var baseURL string

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the agentdiff server",
	Long: `Start the agentdiff server which serves the platform API, routes
agent traffic into environments, and reaps expired environments.`,
	Run: runServer,
}

func init() {
	serverCmd.Flags().StringVar(&baseURL, "base-url", "http://localhost:8080",
		"External base URL advertised in environment URLs")
}

// migrator applies platform schema migrations once the pool is connected.
type migrator struct {
	pool *store.Pool
}

func (m *migrator) Start(ctx context.Context) error { return store.Migrate(ctx, m.pool) }
func (m *migrator) Stop(ctx context.Context) error  { return nil }
func (m *migrator) Name() string                    { return "Migrator" }

func runServer(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger := logging.GetLogger("server")

	logger.Info("Starting agentdiff v%s", Version)
	logger.Debug("Configuration loaded: APIPort=%d", cfg.APIPort)

	manager := lifecycle.NewManager()

	tracingProvider, err := tracing.NewProvider(tracing.Config{
		Enabled:     cfg.TracingEnabled,
		Endpoint:    cfg.TracingEndpoint,
		TLSCAPath:   cfg.TracingTLSCAPath,
		TLSInsecure: cfg.TracingTLSInsecure,
	})
	if err != nil {
		logger.Warn("Failed to initialize tracing (continuing without tracing): %v", err)
		tracingProvider = nil
	}
	if tracingProvider != nil {
		HandleError(manager.Register(tracingProvider), "Tracing registration error")
	}

	pool := store.NewPool(cfg.DatabaseURL, cfg.MaxConns)
	HandleError(manager.Register(pool), "Pool registration error")

	mig := &migrator{pool: pool}
	HandleError(manager.Register(mig, pool), "Migrator registration error")

	meta := store.NewMetadata(pool)
	reflector, err := store.NewReflector(pool)
	HandleError(err, "Failed to create schema reflector")
	router := store.NewRouter(pool, meta)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	templates := template.NewRegistry(meta, reflector, router)
	engine := isolation.NewEngine(pool, meta, reflector, m,
		time.Duration(cfg.DefaultTTLSeconds)*time.Second,
		time.Duration(cfg.MaxTTLSeconds)*time.Second)
	d := differ.New(pool, reflector, m)
	runs := run.NewService(meta, d, m)
	issuer := token.NewIssuer(cfg.PlatformSecret, cfg.TokenAudience)

	svcRegistry := services.NewRegistry()
	svcRegistry.Register("slack", slack.New())

	reaper := isolation.NewReaper(engine, cfg.ReaperInterval)
	HandleError(manager.Register(reaper, mig), "Reaper registration error")

	deps := api.Deps{
		Templates: templates,
		Isolation: engine,
		Runs:      runs,
		Meta:      meta,
		Sessions:  router,
		Tokens:    issuer,
		Services:  svcRegistry,
		Metrics:   m,
		Registry:  registry,
		BaseURL:   baseURL,
	}
	if tracingProvider != nil {
		deps.Tracing = tracingProvider
	}
	apiServer := api.New(cfg.APIPort, deps)
	HandleError(manager.Register(apiServer, mig), "API server registration error")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		logger.Error("Failed to start components: %v", err)
		HandleError(err, "Startup error")
	}
	logger.Info("Listening for platform and agent requests on port %d", cfg.APIPort)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	logger.Info("Shutdown signal received, gracefully shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error("Error during shutdown: %v", err)
		fmt.Fprintln(os.Stderr, "shutdown did not complete cleanly")
	}
}
