// Package api exposes the platform HTTP surface: environment and run
// lifecycle, template and test management, and the agent-facing service
// dispatcher.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/agentdiff/agentdiff/internal/isolation"
	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/metrics"
	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/run"
	"github.com/agentdiff/agentdiff/internal/services"
	"github.com/agentdiff/agentdiff/internal/store"
	"github.com/agentdiff/agentdiff/internal/token"
)

// TemplateRegistry is the template catalog surface the server needs.
type TemplateRegistry interface {
	Resolve(ctx context.Context, ref, owner string) (*models.Template, error)
	List(ctx context.Context, owner string) ([]*models.Template, error)
	CreateFromEnvironment(ctx context.Context, envID, name, description, visibility, owner string) (*models.Template, error)
}

// IsolationEngine is the environment lifecycle surface the server needs.
type IsolationEngine interface {
	CreateEnvironment(ctx context.Context, tmpl *models.Template, opts isolation.CreateOptions) (*models.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error
}

// RunService drives the run lifecycle.
type RunService interface {
	Start(ctx context.Context, envID, testID string) (*models.Run, error)
	Diff(ctx context.Context, runID string, recompute bool) (*run.DiffResult, error)
	Compare(ctx context.Context, envID, beforeSuffix, afterSuffix string) (*models.Diff, error)
	Evaluate(ctx context.Context, runID string) (*models.Run, error)
	Results(ctx context.Context, runID string) (*models.Run, error)
}

// MetadataStore covers the platform tables the handlers read and write
// directly.
type MetadataStore interface {
	GetEnvironment(ctx context.Context, id string) (*models.Environment, error)
	LookupAPIKey(ctx context.Context, keyHash string) (*models.Principal, error)
	CreateTestSuite(ctx context.Context, s *models.TestSuite) error
	GetTestSuite(ctx context.Context, id string) (*models.TestSuite, error)
	ListTestSuites(ctx context.Context, owner string) ([]*models.TestSuite, error)
	CreateTest(ctx context.Context, t *models.Test, suiteID string) error
	GetTest(ctx context.Context, id string) (*models.Test, error)
	ListSuiteTests(ctx context.Context, suiteID string) ([]*models.Test, error)
}

// SessionRouter binds sessions to environment namespaces.
type SessionRouter interface {
	ForEnvironment(ctx context.Context, envID string) (*store.Session, error)
}

// TokenIssuer issues and verifies environment tokens.
type TokenIssuer interface {
	Issue(env *models.Environment, now time.Time) (string, error)
	Verify(tokenString string) (*token.Claims, error)
}

// Deps bundles the server's collaborators.
type Deps struct {
	Templates TemplateRegistry
	Isolation IsolationEngine
	Runs      RunService
	Meta      MetadataStore
	Sessions  SessionRouter
	Tokens    TokenIssuer
	Services  *services.Registry
	Metrics   *metrics.Metrics
	Registry  prometheus.Gatherer
	Tracing   interface {
		GetTracer(string) trace.Tracer
		IsEnabled() bool
	}
	BaseURL string // external base URL advertised in init_env responses
}

// Server handles platform and agent HTTP requests. It implements
// lifecycle.Component.
type Server struct {
	port   int
	server *http.Server
	router *http.ServeMux
	deps   Deps
	tracer trace.Tracer
	logger *logging.Logger
}

// New creates the API server and registers all routes.
func New(port int, deps Deps) *Server {
	s := &Server{
		port:   port,
		router: http.NewServeMux(),
		deps:   deps,
		logger: logging.GetLogger("api"),
	}

	if deps.Tracing != nil && deps.Tracing.IsEnabled() {
		s.tracer = deps.Tracing.GetTracer("agentdiff.api")
	} else {
		s.tracer = otel.GetTracerProvider().Tracer("agentdiff.api")
	}

	s.registerHandlers()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s
}

func (s *Server) registerHandlers() {
	s.router.HandleFunc("GET /api/platform/health", s.handleHealth)
	if s.deps.Registry != nil {
		s.router.Handle("GET /metrics", promhttp.HandlerFor(s.deps.Registry, promhttp.HandlerOpts{}))
	}

	// platform surface, API-key guarded
	s.router.Handle("POST /api/platform/initEnv", s.withAPIKey(s.handleInitEnv))
	s.router.Handle("DELETE /api/platform/env/{envID}", s.withAPIKey(s.handleDeleteEnv))
	s.router.Handle("GET /api/platform/templates", s.withAPIKey(s.handleListTemplates))
	s.router.Handle("GET /api/platform/templates/{ref}", s.withAPIKey(s.handleGetTemplate))
	s.router.Handle("POST /api/platform/templates/fromEnvironment", s.withAPIKey(s.handleTemplateFromEnv))
	s.router.Handle("GET /api/platform/testSuites", s.withAPIKey(s.handleListTestSuites))
	s.router.Handle("POST /api/platform/testSuites", s.withAPIKey(s.handleCreateTestSuite))
	s.router.Handle("GET /api/platform/testSuites/{suiteID}", s.withAPIKey(s.handleGetTestSuite))
	s.router.Handle("GET /api/platform/testSuites/{suiteID}/tests", s.withAPIKey(s.handleListSuiteTests))
	s.router.Handle("POST /api/platform/tests", s.withAPIKey(s.handleCreateTests))
	s.router.Handle("POST /api/platform/startRun", s.withAPIKey(s.handleStartRun))
	s.router.Handle("POST /api/platform/diffRun", s.withAPIKey(s.handleDiffRun))
	s.router.Handle("POST /api/platform/evaluateRun", s.withAPIKey(s.handleEvaluateRun))
	s.router.Handle("GET /api/platform/results/{runID}", s.withAPIKey(s.handleResults))

	// agent service surface, token guarded
	s.router.HandleFunc("/api/env/{envID}/services/{svc}/{rest...}", s.handleService)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintln(w, `{"status":"ok"}`)
}

// Start begins serving in the background.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("failed to start API server: %w", err)
	case <-time.After(100 * time.Millisecond):
	}
	s.logger.Info("API server listening on port %d", s.port)
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop(ctx context.Context) error {
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop API server: %w", err)
	}
	s.logger.Info("API server stopped")
	return nil
}

// Name implements lifecycle.Component.
func (s *Server) Name() string {
	return "API Server"
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}
