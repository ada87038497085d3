package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/models"
)

// Metadata provides access to the platform-schema tables: templates,
// environments, runs, persisted diffs, API keys, and test suites.
type Metadata struct {
	pool   *Pool
	logger *logging.Logger
}

// NewMetadata creates a metadata store over the shared pool.
func NewMetadata(pool *Pool) *Metadata {
	return &Metadata{
		pool:   pool,
		logger: logging.GetLogger("store"),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---- templates ----

// CreateTemplate inserts a template. A duplicate (service, name) pair
// returns ErrConflict.
func (m *Metadata) CreateTemplate(ctx context.Context, t *models.Template) error {
	def, err := json.Marshal(t.Definition)
	if err != nil {
		return fmt.Errorf("failed to encode definition: %w", err)
	}
	seed, err := json.Marshal(t.Seed)
	if err != nil {
		return fmt.Errorf("failed to encode seed: %w", err)
	}
	_, err = m.pool.DB().Exec(ctx,
		`INSERT INTO platform.templates
			(id, service, name, description, version, visibility, owner, definition, seed, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		t.ID, t.Service, t.Name, t.Description, t.Version, t.Visibility, t.Owner, def, seed, t.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetTemplate fetches a template by id.
func (m *Metadata) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	return m.scanTemplate(m.pool.DB().QueryRow(ctx,
		`SELECT id, service, name, description, version, visibility, owner, definition, seed, created_at
		 FROM platform.templates WHERE id = $1`, id))
}

// GetTemplateByName fetches a template by its (service, name) pair.
func (m *Metadata) GetTemplateByName(ctx context.Context, service, name string) (*models.Template, error) {
	return m.scanTemplate(m.pool.DB().QueryRow(ctx,
		`SELECT id, service, name, description, version, visibility, owner, definition, seed, created_at
		 FROM platform.templates WHERE service = $1 AND name = $2`, service, name))
}

// ListTemplates returns templates visible to the given owner: all public
// templates plus the owner's private ones.
func (m *Metadata) ListTemplates(ctx context.Context, owner string) ([]*models.Template, error) {
	rows, err := m.pool.DB().Query(ctx,
		`SELECT id, service, name, description, version, visibility, owner, definition, seed, created_at
		 FROM platform.templates
		 WHERE visibility = 'public' OR owner = $1
		 ORDER BY service, name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Template
	for rows.Next() {
		t, err := m.scanTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (m *Metadata) scanTemplate(row pgx.Row) (*models.Template, error) {
	var t models.Template
	var def, seed []byte
	err := row.Scan(&t.ID, &t.Service, &t.Name, &t.Description, &t.Version,
		&t.Visibility, &t.Owner, &def, &seed, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(def, &t.Definition); err != nil {
		return nil, fmt.Errorf("failed to decode definition: %w", err)
	}
	if len(seed) > 0 {
		if err := json.Unmarshal(seed, &t.Seed); err != nil {
			return nil, fmt.Errorf("failed to decode seed: %w", err)
		}
	}
	return &t, nil
}

// ---- environments ----

const environmentColumns = `id, schema_name, template_id, service, owner,
	impersonate_user_id, impersonate_email, status, created_at, expires_at, last_used_at`

// InsertEnvironment records a new environment row. Callers run it inside the
// provisioning transaction so the row and the namespace commit together.
func (m *Metadata) InsertEnvironment(ctx context.Context, tx pgx.Tx, env *models.Environment) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO platform.environments
			(id, schema_name, template_id, service, owner, impersonate_user_id,
			 impersonate_email, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		env.ID, env.SchemaName, env.TemplateID, env.Service, env.Owner,
		env.ImpersonateUserID, env.ImpersonateEmail, env.Status, env.CreatedAt, env.ExpiresAt)
	return err
}

// GetEnvironment fetches an environment by id.
func (m *Metadata) GetEnvironment(ctx context.Context, id string) (*models.Environment, error) {
	return scanEnvironment(m.pool.DB().QueryRow(ctx,
		`SELECT `+environmentColumns+` FROM platform.environments WHERE id = $1`, id))
}

func scanEnvironment(row pgx.Row) (*models.Environment, error) {
	var env models.Environment
	err := row.Scan(&env.ID, &env.SchemaName, &env.TemplateID, &env.Service, &env.Owner,
		&env.ImpersonateUserID, &env.ImpersonateEmail, &env.Status,
		&env.CreatedAt, &env.ExpiresAt, &env.LastUsedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &env, nil
}

// MarkEnvironmentStatus transitions an environment's status. Returns
// ErrNotFound if no environment row matched.
func (m *Metadata) MarkEnvironmentStatus(ctx context.Context, id, status string) error {
	tag, err := m.pool.DB().Exec(ctx,
		`UPDATE platform.environments SET status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchEnvironment records agent activity on the environment.
func (m *Metadata) TouchEnvironment(ctx context.Context, id string, at time.Time) error {
	_, err := m.pool.DB().Exec(ctx,
		`UPDATE platform.environments SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// ListExpiredEnvironments returns ready environments past their TTL.
func (m *Metadata) ListExpiredEnvironments(ctx context.Context, now time.Time) ([]*models.Environment, error) {
	rows, err := m.pool.DB().Query(ctx,
		`SELECT `+environmentColumns+`
		 FROM platform.environments
		 WHERE status = 'ready' AND expires_at < $1
		 ORDER BY expires_at`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Environment
	for rows.Next() {
		env, err := scanEnvironment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

// ---- runs ----

// CreateRun records a new run. A second running run on the same environment
// hits the partial unique index and returns ErrConflict.
func (m *Metadata) CreateRun(ctx context.Context, run *models.Run) error {
	_, err := m.pool.DB().Exec(ctx,
		`INSERT INTO platform.runs
			(id, environment_id, test_id, before_suffix, after_suffix, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.EnvironmentID, run.TestID, run.BeforeSuffix, run.AfterSuffix,
		run.Status, run.CreatedAt, run.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetRun fetches a run by id.
func (m *Metadata) GetRun(ctx context.Context, id string) (*models.Run, error) {
	var run models.Run
	var score, failures []byte
	err := m.pool.DB().QueryRow(ctx,
		`SELECT id, environment_id, test_id, before_suffix, after_suffix, status,
			passed, score, failures, created_at, updated_at
		 FROM platform.runs WHERE id = $1`, id).
		Scan(&run.ID, &run.EnvironmentID, &run.TestID, &run.BeforeSuffix, &run.AfterSuffix,
			&run.Status, &run.Passed, &score, &failures, &run.CreatedAt, &run.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(score) > 0 {
		run.Score = &models.Score{}
		if err := json.Unmarshal(score, run.Score); err != nil {
			return nil, fmt.Errorf("failed to decode score: %w", err)
		}
	}
	if len(failures) > 0 {
		if err := json.Unmarshal(failures, &run.Failures); err != nil {
			return nil, fmt.Errorf("failed to decode failures: %w", err)
		}
	}
	return &run, nil
}

// DeleteRun removes a run record, used to roll back a claimed run whose
// before snapshot failed.
func (m *Metadata) DeleteRun(ctx context.Context, id string) error {
	_, err := m.pool.DB().Exec(ctx, `DELETE FROM platform.runs WHERE id = $1`, id)
	return err
}

// SetRunAfterSuffix records the after-snapshot suffix once the diff step has
// snapshotted the post-agent state.
func (m *Metadata) SetRunAfterSuffix(ctx context.Context, id, suffix string) error {
	tag, err := m.pool.DB().Exec(ctx,
		`UPDATE platform.runs SET after_suffix = $2, updated_at = now() WHERE id = $1`, id, suffix)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetRunEvaluated records the evaluation outcome and closes the run.
func (m *Metadata) SetRunEvaluated(ctx context.Context, id string, result *models.EvaluationResult) error {
	score, err := json.Marshal(result.Score)
	if err != nil {
		return fmt.Errorf("failed to encode score: %w", err)
	}
	failures, err := json.Marshal(result.Failures)
	if err != nil {
		return fmt.Errorf("failed to encode failures: %w", err)
	}
	tag, err := m.pool.DB().Exec(ctx,
		`UPDATE platform.runs
		 SET status = $2, passed = $3, score = $4, failures = $5, updated_at = now()
		 WHERE id = $1`,
		id, models.RunStatusEvaluated, result.Passed, score, failures)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveDiff persists the computed diff for a run. Re-diffing a run replaces
// the stored value.
func (m *Metadata) SaveDiff(ctx context.Context, runID string, diff *models.Diff) error {
	data, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("failed to encode diff: %w", err)
	}
	_, err = m.pool.DB().Exec(ctx,
		`INSERT INTO platform.diffs (run_id, diff) VALUES ($1, $2)
		 ON CONFLICT (run_id) DO UPDATE SET diff = EXCLUDED.diff, created_at = now()`,
		runID, data)
	return err
}

// GetDiff loads the persisted diff for a run.
func (m *Metadata) GetDiff(ctx context.Context, runID string) (*models.Diff, error) {
	var data []byte
	err := m.pool.DB().QueryRow(ctx,
		`SELECT diff FROM platform.diffs WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var diff models.Diff
	if err := json.Unmarshal(data, &diff); err != nil {
		return nil, fmt.Errorf("failed to decode diff: %w", err)
	}
	return &diff, nil
}

// ---- api keys ----

// LookupAPIKey resolves a hashed platform key to its principal and records
// the use. Unknown hashes return ErrNotFound.
func (m *Metadata) LookupAPIKey(ctx context.Context, keyHash string) (*models.Principal, error) {
	var p models.Principal
	err := m.pool.DB().QueryRow(ctx,
		`UPDATE platform.api_keys SET last_used_at = now()
		 WHERE key_hash = $1
		 RETURNING id, name`, keyHash).Scan(&p.ID, &p.KeyName)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateAPIKey registers a hashed platform key.
func (m *Metadata) CreateAPIKey(ctx context.Context, id, name, keyHash string) error {
	_, err := m.pool.DB().Exec(ctx,
		`INSERT INTO platform.api_keys (id, name, key_hash) VALUES ($1, $2, $3)`,
		id, name, keyHash)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// ---- test suites ----

// CreateTestSuite inserts a suite.
func (m *Metadata) CreateTestSuite(ctx context.Context, s *models.TestSuite) error {
	_, err := m.pool.DB().Exec(ctx,
		`INSERT INTO platform.test_suites (id, name, description, visibility, owner, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		s.ID, s.Name, s.Description, s.Visibility, s.Owner, s.CreatedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	return err
}

// GetTestSuite fetches a suite by id.
func (m *Metadata) GetTestSuite(ctx context.Context, id string) (*models.TestSuite, error) {
	var s models.TestSuite
	err := m.pool.DB().QueryRow(ctx,
		`SELECT id, name, description, visibility, owner, created_at
		 FROM platform.test_suites WHERE id = $1`, id).
		Scan(&s.ID, &s.Name, &s.Description, &s.Visibility, &s.Owner, &s.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ListTestSuites returns suites visible to the owner.
func (m *Metadata) ListTestSuites(ctx context.Context, owner string) ([]*models.TestSuite, error) {
	rows, err := m.pool.DB().Query(ctx,
		`SELECT id, name, description, visibility, owner, created_at
		 FROM platform.test_suites
		 WHERE visibility = 'public' OR owner = $1
		 ORDER BY name`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.TestSuite
	for rows.Next() {
		var s models.TestSuite
		if err := rows.Scan(&s.ID, &s.Name, &s.Description, &s.Visibility, &s.Owner, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &s)
	}
	return out, rows.Err()
}

// CreateTest inserts a test and optionally attaches it to a suite.
func (m *Metadata) CreateTest(ctx context.Context, t *models.Test, suiteID string) error {
	tx, err := m.pool.DB().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO platform.tests (id, name, prompt, type, template_id, spec, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.Name, t.Prompt, t.Type, t.TemplateID, t.Spec, t.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return err
	}

	if suiteID != "" {
		_, err = tx.Exec(ctx,
			`INSERT INTO platform.test_memberships (suite_id, test_id, position)
			 VALUES ($1, $2,
				(SELECT COALESCE(MAX(position), 0) + 1 FROM platform.test_memberships WHERE suite_id = $1))`,
			suiteID, t.ID)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23503" {
				return ErrNotFound
			}
			return err
		}
	}

	return tx.Commit(ctx)
}

// GetTest fetches a test by id.
func (m *Metadata) GetTest(ctx context.Context, id string) (*models.Test, error) {
	var t models.Test
	err := m.pool.DB().QueryRow(ctx,
		`SELECT id, name, prompt, type, template_id, spec, created_at
		 FROM platform.tests WHERE id = $1`, id).
		Scan(&t.ID, &t.Name, &t.Prompt, &t.Type, &t.TemplateID, &t.Spec, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListSuiteTests returns a suite's tests in membership order.
func (m *Metadata) ListSuiteTests(ctx context.Context, suiteID string) ([]*models.Test, error) {
	rows, err := m.pool.DB().Query(ctx,
		`SELECT t.id, t.name, t.prompt, t.type, t.template_id, t.spec, t.created_at
		 FROM platform.tests t
		 JOIN platform.test_memberships tm ON tm.test_id = t.id
		 WHERE tm.suite_id = $1
		 ORDER BY tm.position`, suiteID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Test
	for rows.Next() {
		var t models.Test
		if err := rows.Scan(&t.ID, &t.Name, &t.Prompt, &t.Type, &t.TemplateID, &t.Spec, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &t)
	}
	return out, rows.Err()
}
