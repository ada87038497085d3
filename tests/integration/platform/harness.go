// Package platform holds integration tests that exercise the full stack
// against a real Postgres started via testcontainers. Run with
// -short to skip them.
package platform

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/agentdiff/agentdiff/internal/api"
	"github.com/agentdiff/agentdiff/internal/differ"
	"github.com/agentdiff/agentdiff/internal/isolation"
	"github.com/agentdiff/agentdiff/internal/metrics"
	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/run"
	"github.com/agentdiff/agentdiff/internal/services"
	"github.com/agentdiff/agentdiff/internal/services/slack"
	"github.com/agentdiff/agentdiff/internal/store"
	"github.com/agentdiff/agentdiff/internal/template"
	"github.com/agentdiff/agentdiff/internal/token"
)

// PlainAPIKey is registered in every harness for platform requests.
const PlainAPIKey = "test-platform-key"

// Harness wires the full component stack against a throwaway Postgres
// container.
type Harness struct {
	Pool      *store.Pool
	Meta      *store.Metadata
	Reflector *store.Reflector
	Router    *store.Router
	Templates *template.Registry
	Engine    *isolation.Engine
	Differ    *differ.Differ
	Runs      *run.Service
	Issuer    *token.Issuer
	API       *api.Server

	container testcontainers.Container
	ctx       context.Context
	t         *testing.T
}

// NewHarness starts a Postgres container, runs migrations, and wires all
// components. The container and pool are cleaned up via t.Cleanup.
func NewHarness(t *testing.T) *Harness {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "agentdiff",
			"POSTGRES_PASSWORD": "agentdiff",
			"POSTGRES_DB":       "agentdiff",
		},
		WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("failed to get container port: %v", err)
	}

	url := fmt.Sprintf("postgres://agentdiff:agentdiff@%s:%d/agentdiff?sslmode=disable", host, port.Int())
	pool := store.NewPool(url, 10)

	// the listening port opens before postgres finishes init, so retry
	deadline := time.Now().Add(60 * time.Second)
	for {
		err = pool.Start(ctx)
		if err == nil || time.Now().After(deadline) {
			break
		}
		time.Sleep(500 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to connect to postgres: %v", err)
	}
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })

	if err := store.Migrate(ctx, pool); err != nil {
		t.Fatalf("failed to run migrations: %v", err)
	}

	meta := store.NewMetadata(pool)
	reflector, err := store.NewReflector(pool)
	if err != nil {
		t.Fatalf("failed to create reflector: %v", err)
	}
	router := store.NewRouter(pool, meta)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	templates := template.NewRegistry(meta, reflector, router)
	engine := isolation.NewEngine(pool, meta, reflector, m, 30*time.Minute, 24*time.Hour)
	d := differ.New(pool, reflector, m)
	runs := run.NewService(meta, d, m)
	issuer := token.NewIssuer("integration-test-secret", "agentdiff")

	svcRegistry := services.NewRegistry()
	svcRegistry.Register("slack", slack.New())

	apiServer := api.New(0, api.Deps{
		Templates: templates,
		Isolation: engine,
		Runs:      runs,
		Meta:      meta,
		Sessions:  router,
		Tokens:    issuer,
		Services:  svcRegistry,
		Metrics:   m,
		Registry:  registry,
		BaseURL:   "http://localhost",
	})

	if err := meta.CreateAPIKey(ctx, "key-1", "integration", api.HashKey(PlainAPIKey)); err != nil {
		t.Fatalf("failed to register api key: %v", err)
	}

	return &Harness{
		Pool:      pool,
		Meta:      meta,
		Reflector: reflector,
		Router:    router,
		Templates: templates,
		Engine:    engine,
		Differ:    d,
		Runs:      runs,
		Issuer:    issuer,
		API:       apiServer,
		container: container,
		ctx:       ctx,
		t:         t,
	}
}

// SlackTemplate registers the standard Slack workspace fixture and returns it.
func (h *Harness) SlackTemplate() *models.Template {
	h.t.Helper()
	tmpl := slackTemplate()
	if err := h.Templates.Create(h.ctx, tmpl); err != nil {
		h.t.Fatalf("failed to register slack template: %v", err)
	}
	return tmpl
}

// CreateEnv stamps a fresh environment from the template.
func (h *Harness) CreateEnv(tmpl *models.Template, opts isolation.CreateOptions) *models.Environment {
	h.t.Helper()
	env, err := h.Engine.CreateEnvironment(h.ctx, tmpl, opts)
	if err != nil {
		h.t.Fatalf("failed to create environment: %v", err)
	}
	h.t.Cleanup(func() { _ = h.Engine.DeleteEnvironment(context.Background(), env.ID) })
	return env
}

// Exec runs a statement inside the environment's namespace.
func (h *Harness) Exec(env *models.Environment, sql string, args ...any) {
	h.t.Helper()
	sess, err := h.Router.ForSchema(h.ctx, env.SchemaName)
	if err != nil {
		h.t.Fatalf("failed to bind session: %v", err)
	}
	defer sess.Release()
	if _, err := sess.Exec(h.ctx, sql, args...); err != nil {
		h.t.Fatalf("exec failed: %v", err)
	}
}

// slackTemplate is a small Slack workspace: channels, users, messages,
// reactions, plus a keyless audit table to exercise synthetic-key diffing.
func slackTemplate() *models.Template {
	return &models.Template{
		Service:    "slack",
		Name:       "workspace-basic",
		Visibility: models.VisibilityPublic,
		Definition: models.StructuralDefinition{
			Tables: []models.TableDef{
				{
					Name: "channels",
					Columns: []models.ColumnDef{
						{Name: "id", Type: "text"},
						{Name: "name", Type: "text"},
					},
					PrimaryKey: []string{"id"},
				},
				{
					Name: "users",
					Columns: []models.ColumnDef{
						{Name: "id", Type: "text"},
						{Name: "name", Type: "text"},
						{Name: "email", Type: "text"},
					},
					PrimaryKey: []string{"id"},
				},
				{
					Name: "messages",
					Columns: []models.ColumnDef{
						{Name: "id", Type: "text"},
						{Name: "channel_id", Type: "text"},
						{Name: "user_id", Type: "text"},
						{Name: "text", Type: "text"},
						{Name: "ts", Type: "text"},
					},
					PrimaryKey: []string{"id"},
					ForeignKeys: []models.ForeignKeyDef{
						{Columns: []string{"channel_id"}, RefTable: "channels", RefColumns: []string{"id"}},
					},
				},
				{
					Name: "reactions",
					Columns: []models.ColumnDef{
						{Name: "id", Type: "text"},
						{Name: "message_id", Type: "text"},
						{Name: "user_id", Type: "text"},
						{Name: "name", Type: "text"},
					},
					PrimaryKey: []string{"id"},
					Uniques:    [][]string{{"message_id", "user_id", "name"}},
					ForeignKeys: []models.ForeignKeyDef{
						{Columns: []string{"message_id"}, RefTable: "messages", RefColumns: []string{"id"}},
					},
				},
				{
					Name: "audit_log",
					Columns: []models.ColumnDef{
						{Name: "action", Type: "text"},
						{Name: "detail", Type: "text"},
					},
				},
			},
		},
		Seed: models.SeedBundle{
			"channels": {
				{"id": "C001", "name": "general"},
				{"id": "C002", "name": "random"},
			},
			"users": {
				{"id": "U001", "name": "ada", "email": "ada@example.com"},
				{"id": "U002", "name": "grace", "email": "grace@example.com"},
			},
		},
	}
}
