// Package template manages the catalog of replica blueprints: immutable
// structural definitions plus seed bundles, resolvable by id or by
// service:name reference.
package template

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/store"
)

// Registry provides template lookup, listing, and creation, including
// freezing a live environment back into a reusable template.
type Registry struct {
	meta      *store.Metadata
	reflector *store.Reflector
	router    *store.Router
	logger    *logging.Logger
}

// NewRegistry creates a template registry.
func NewRegistry(meta *store.Metadata, reflector *store.Reflector, router *store.Router) *Registry {
	return &Registry{
		meta:      meta,
		reflector: reflector,
		router:    router,
		logger:    logging.GetLogger("template"),
	}
}

// Resolve looks a template up by id or by a service:name reference. Private
// templates resolve only for their owner; anyone else gets
// store.ErrNotFound, indistinguishable from a missing template.
func (r *Registry) Resolve(ctx context.Context, ref, owner string) (*models.Template, error) {
	t, err := r.meta.GetTemplate(ctx, ref)
	if errors.Is(err, store.ErrNotFound) {
		if service, name, ok := strings.Cut(ref, ":"); ok {
			t, err = r.meta.GetTemplateByName(ctx, service, name)
		}
	}
	if err != nil {
		return nil, err
	}
	if t.Visibility == models.VisibilityPrivate && t.Owner != owner {
		return nil, store.ErrNotFound
	}
	return t, nil
}

// List returns templates visible to the owner.
func (r *Registry) List(ctx context.Context, owner string) ([]*models.Template, error) {
	return r.meta.ListTemplates(ctx, owner)
}

// Create registers a new template in the catalog.
func (r *Registry) Create(ctx context.Context, t *models.Template) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.Visibility == "" {
		t.Visibility = models.VisibilityPublic
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if len(t.Definition.Tables) == 0 {
		return fmt.Errorf("template %q has no tables", t.Name)
	}
	if err := r.meta.CreateTemplate(ctx, t); err != nil {
		return err
	}
	r.logger.Info("Registered template %s (%s:%s)", t.ID, t.Service, t.Name)
	return nil
}

// CreateFromEnvironment freezes a live environment into a new template: the
// namespace's reflected structure becomes the definition and its current
// rows become the seed bundle.
func (r *Registry) CreateFromEnvironment(ctx context.Context, envID, name, description, visibility, owner string) (*models.Template, error) {
	env, err := r.meta.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env.Status != models.EnvironmentStatusReady {
		return nil, store.ErrGone
	}

	tables, err := r.reflector.Tables(ctx, env.SchemaName)
	if err != nil {
		return nil, err
	}

	seed, err := r.dumpRows(ctx, env.SchemaName, tables)
	if err != nil {
		return nil, err
	}

	t := &models.Template{
		ID:          uuid.NewString(),
		Service:     env.Service,
		Name:        name,
		Description: description,
		Visibility:  visibility,
		Owner:       owner,
		Definition:  models.StructuralDefinition{Tables: tables},
		Seed:        seed,
		CreatedAt:   time.Now().UTC(),
	}
	if t.Visibility == "" {
		t.Visibility = models.VisibilityPrivate
	}
	if err := r.meta.CreateTemplate(ctx, t); err != nil {
		return nil, err
	}
	r.logger.Info("Froze environment %s into template %s (%s:%s)", envID, t.ID, t.Service, t.Name)
	return t, nil
}

func (r *Registry) dumpRows(ctx context.Context, schema string, tables []models.TableDef) (models.SeedBundle, error) {
	sess, err := r.router.ForSchema(ctx, schema)
	if err != nil {
		return nil, err
	}
	defer sess.Release()

	seed := models.SeedBundle{}
	for _, table := range tables {
		rows, err := sess.Query(ctx, selectAll(table))
		if err != nil {
			return nil, fmt.Errorf("failed to dump table %s: %w", table.Name, err)
		}
		decoded, err := decodeRows(rows, table)
		if err != nil {
			return nil, fmt.Errorf("failed to decode table %s: %w", table.Name, err)
		}
		if len(decoded) > 0 {
			seed[table.Name] = decoded
		}
	}
	return seed, nil
}
