// Package run orchestrates the start -> diff -> evaluate cycle: claiming the
// single running slot per environment, naming snapshot suffixes, and
// persisting evaluation outcomes.
package run

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentdiff/agentdiff/internal/assertion"
	"github.com/agentdiff/agentdiff/internal/differ"
	"github.com/agentdiff/agentdiff/internal/dsl"
	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/metrics"
	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/store"
)

// Errors surfaced to the API layer.
var (
	// ErrRunActive means the environment already has a running run.
	ErrRunActive = errors.New("a run is already active for this environment")
	// ErrAlreadyEvaluated means evaluate was called twice on a run.
	ErrAlreadyEvaluated = errors.New("run is already evaluated")
	// ErrNoSpec means the run's test carries no assertion spec.
	ErrNoSpec = errors.New("run has no assertion spec")
)

// Service drives run lifecycle over the differ and metadata store.
type Service struct {
	meta    *store.Metadata
	differ  *differ.Differ
	metrics *metrics.Metrics
	logger  *logging.Logger
}

// NewService creates a run service.
func NewService(meta *store.Metadata, d *differ.Differ, m *metrics.Metrics) *Service {
	return &Service{
		meta:    meta,
		differ:  d,
		metrics: m,
		logger:  logging.GetLogger("run"),
	}
}

// Start claims the environment's running slot and takes the before snapshot.
// The run row is inserted first so two concurrent starts race on the
// database constraint, not on the snapshot.
func (s *Service) Start(ctx context.Context, envID, testID string) (*models.Run, error) {
	env, err := s.meta.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env.Status != models.EnvironmentStatusReady || env.Expired(time.Now()) {
		return nil, store.ErrGone
	}

	id := newID()
	now := time.Now().UTC()
	run := &models.Run{
		ID:            id,
		EnvironmentID: env.ID,
		TestID:        testID,
		BeforeSuffix:  "before_" + id[:8],
		Status:        models.RunStatusRunning,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.meta.CreateRun(ctx, run); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrRunActive
		}
		return nil, err
	}

	if err := s.differ.Snapshot(ctx, env.SchemaName, run.BeforeSuffix); err != nil {
		if derr := s.meta.DeleteRun(ctx, run.ID); derr != nil {
			s.logger.Error("Failed to roll back run %s after snapshot failure: %v", run.ID, derr)
		}
		return nil, err
	}

	s.logger.Info("Started run %s on environment %s", run.ID, env.ID)
	return run, nil
}

// DiffResult is the outcome of a diff computation.
type DiffResult struct {
	BeforeSuffix string
	AfterSuffix  string
	Diff         *models.Diff
}

// Diff takes the after snapshot (reusing an existing one unless recompute is
// set) and computes the run's diff. The diff is persisted so results can be
// served after the environment is gone.
func (s *Service) Diff(ctx context.Context, runID string, recompute bool) (*DiffResult, error) {
	run, err := s.meta.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	env, err := s.meta.GetEnvironment(ctx, run.EnvironmentID)
	if err != nil {
		return nil, err
	}
	if env.Status != models.EnvironmentStatusReady {
		return nil, store.ErrGone
	}

	after := run.AfterSuffix
	switch {
	case after == "":
		after = "after_" + run.ID[:8]
		if err := s.differ.Snapshot(ctx, env.SchemaName, after); err != nil {
			return nil, err
		}
		if err := s.meta.SetRunAfterSuffix(ctx, run.ID, after); err != nil {
			return nil, err
		}
	case recompute:
		if err := s.differ.DropSnapshots(ctx, env.SchemaName, after); err != nil {
			return nil, err
		}
		if err := s.differ.Snapshot(ctx, env.SchemaName, after); err != nil {
			return nil, err
		}
	}

	diff, err := s.differ.Diff(ctx, env.SchemaName, run.BeforeSuffix, after, nil)
	if err != nil {
		return nil, err
	}
	if err := s.meta.SaveDiff(ctx, run.ID, diff); err != nil {
		return nil, err
	}
	return &DiffResult{BeforeSuffix: run.BeforeSuffix, AfterSuffix: after, Diff: diff}, nil
}

// Compare diffs two arbitrary snapshot suffixes of an environment without a
// run record. Nothing is persisted.
func (s *Service) Compare(ctx context.Context, envID, beforeSuffix, afterSuffix string) (*models.Diff, error) {
	env, err := s.meta.GetEnvironment(ctx, envID)
	if err != nil {
		return nil, err
	}
	if env.Status != models.EnvironmentStatusReady {
		return nil, store.ErrGone
	}
	return s.differ.Diff(ctx, env.SchemaName, beforeSuffix, afterSuffix, nil)
}

// Evaluate compiles the run's test spec, evaluates it against the run's
// diff (computing the diff first if needed), and closes the run.
func (s *Service) Evaluate(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.meta.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == models.RunStatusEvaluated {
		return nil, ErrAlreadyEvaluated
	}
	if run.TestID == "" {
		return nil, ErrNoSpec
	}
	test, err := s.meta.GetTest(ctx, run.TestID)
	if err != nil {
		return nil, err
	}
	if len(test.Spec) == 0 {
		return nil, ErrNoSpec
	}

	spec, err := dsl.Compile(test.Spec)
	if err != nil {
		return nil, fmt.Errorf("invalid assertion spec: %w", err)
	}

	diff, err := s.meta.GetDiff(ctx, run.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
		result, derr := s.Diff(ctx, run.ID, false)
		if derr != nil {
			return nil, derr
		}
		diff = result.Diff
	}

	outcome := assertion.Evaluate(spec, diff)
	if err := s.meta.SetRunEvaluated(ctx, run.ID, outcome); err != nil {
		return nil, err
	}

	label := "failed"
	if outcome.Passed {
		label = "passed"
	}
	s.metrics.Evaluations.WithLabelValues(label).Inc()
	s.logger.Info("Run %s evaluated: %s (%d/%d assertions)",
		run.ID, label, outcome.Score.Passed, outcome.Score.Total)

	return s.meta.GetRun(ctx, run.ID)
}

// Results returns a run with its persisted diff attached, if any.
func (s *Service) Results(ctx context.Context, runID string) (*models.Run, error) {
	run, err := s.meta.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	diff, err := s.meta.GetDiff(ctx, runID)
	if err == nil {
		run.Diff = diff
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	return run, nil
}

func newID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
