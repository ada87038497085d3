// Package models defines the shared domain types for the agentdiff platform:
// templates, environments, runs, and the row-level diff value computed
// between two snapshots of an environment's namespace.
package models

import (
	"time"
)

// EntityKey is the label attached to every diff row naming its origin table.
const EntityKey = "__entity__"

// Environment status values.
const (
	EnvironmentStatusReady    = "ready"
	EnvironmentStatusDeleting = "deleting"
	EnvironmentStatusDeleted  = "deleted"
)

// Run status values.
const (
	RunStatusRunning   = "running"
	RunStatusEvaluated = "evaluated"
)

// Template visibility values.
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

// ColumnDef describes a single column of a template table.
type ColumnDef struct {
	Name string `json:"name" yaml:"name"`
	Type string `json:"type" yaml:"type"`
}

// ForeignKeyDef describes a foreign-key constraint between template tables.
type ForeignKeyDef struct {
	Columns    []string `json:"columns" yaml:"columns"`
	RefTable   string   `json:"refTable" yaml:"refTable"`
	RefColumns []string `json:"refColumns" yaml:"refColumns"`
}

// TableDef describes one table of a template's structural definition.
type TableDef struct {
	Name        string          `json:"name" yaml:"name"`
	Columns     []ColumnDef     `json:"columns" yaml:"columns"`
	PrimaryKey  []string        `json:"primaryKey,omitempty" yaml:"primaryKey,omitempty"`
	Uniques     [][]string      `json:"uniques,omitempty" yaml:"uniques,omitempty"`
	ForeignKeys []ForeignKeyDef `json:"foreignKeys,omitempty" yaml:"foreignKeys,omitempty"`
}

// StructuralDefinition is the ordered set of tables that must exist in any
// namespace cloned from a template. Order matters for foreign-key-safe
// creation and seeding.
type StructuralDefinition struct {
	Tables []TableDef `json:"tables" yaml:"tables"`
}

// SeedBundle maps table names to ordered row literals inserted at clone time.
type SeedBundle map[string][]map[string]any

// Template is an immutable catalog entry: a frozen namespace structure plus
// a seed data bundle used to stamp new environments.
type Template struct {
	ID          string               `json:"id"`
	Service     string               `json:"service"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Version     string               `json:"version,omitempty"`
	Visibility  string               `json:"visibility"`
	Owner       string               `json:"owner,omitempty"`
	Definition  StructuralDefinition `json:"definition"`
	Seed        SeedBundle           `json:"seed,omitempty"`
	CreatedAt   time.Time            `json:"createdAt"`
}

// Environment is the mutable record of a live replica.
type Environment struct {
	ID                string     `json:"environmentId"`
	SchemaName        string     `json:"schemaName"`
	TemplateID        string     `json:"templateId"`
	Service           string     `json:"service"`
	Owner             string     `json:"owner,omitempty"`
	ImpersonateUserID string     `json:"impersonateUserId,omitempty"`
	ImpersonateEmail  string     `json:"impersonateEmail,omitempty"`
	Status            string     `json:"status"`
	CreatedAt         time.Time  `json:"createdAt"`
	ExpiresAt         time.Time  `json:"expiresAt"`
	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
}

// Expired reports whether the environment is past its TTL at the given time.
func (e *Environment) Expired(now time.Time) bool {
	return now.After(e.ExpiresAt)
}

// Run is a single start -> mutate -> diff -> evaluate cycle anchored to an
// environment. Snapshot suffixes name the side-tables the run owns within
// the environment's namespace.
type Run struct {
	ID            string           `json:"runId"`
	EnvironmentID string           `json:"environmentId"`
	TestID        string           `json:"testId,omitempty"`
	BeforeSuffix  string           `json:"beforeSnapshot"`
	AfterSuffix   string           `json:"afterSnapshot,omitempty"`
	Status        string           `json:"status"`
	Passed        *bool            `json:"passed,omitempty"`
	Score         *Score           `json:"score,omitempty"`
	Failures      []Failure        `json:"failures,omitempty"`
	Diff          *Diff            `json:"diff,omitempty"`
	CreatedAt     time.Time        `json:"createdAt"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// Row is a decoded table row. Diff rows carry the EntityKey label naming
// their origin table.
type Row map[string]any

// Entity returns the origin table label of a diff row, or "".
func (r Row) Entity() string {
	s, _ := r[EntityKey].(string)
	return s
}

// RowUpdate describes one updated row between two snapshots: the primary-key
// tuple, the full before and after projections, and the set of columns whose
// values differ.
type RowUpdate struct {
	Entity        string         `json:"__entity__"`
	PrimaryKey    map[string]any `json:"pk"`
	Before        Row            `json:"before"`
	After         Row            `json:"after"`
	ChangedFields []string       `json:"changed_fields"`
}

// Diff is the pure value computed between two snapshots of a namespace.
type Diff struct {
	Inserts []Row       `json:"inserts"`
	Updates []RowUpdate `json:"updates"`
	Deletes []Row       `json:"deletes"`
}

// Empty reports whether the diff contains no row changes.
func (d *Diff) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Score summarizes an evaluation: how many assertions passed out of the
// total, as an absolute count and a percentage.
type Score struct {
	Passed  int     `json:"passed"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// Failure describes a single failed assertion.
type Failure struct {
	AssertionIndex int    `json:"assertion_index"`
	Reason         string `json:"reason"`
	Observed       any    `json:"observed,omitempty"`
}

// EvaluationResult is the outcome of evaluating a compiled assertion spec
// against a diff.
type EvaluationResult struct {
	Passed   bool      `json:"passed"`
	Failures []Failure `json:"failures"`
	Score    Score     `json:"score"`
}

// TestSuite groups tests for listing and access control.
type TestSuite struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Visibility  string    `json:"visibility"`
	Owner       string    `json:"owner,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Test pairs an agent-facing prompt with a template reference and the
// assertion spec (raw DSL JSON) evaluated against the run's diff.
type Test struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Prompt     string    `json:"prompt,omitempty"`
	Type       string    `json:"type,omitempty"`
	TemplateID string    `json:"templateId,omitempty"`
	Spec       []byte    `json:"spec,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Principal identifies the owner of a platform API key.
type Principal struct {
	ID      string
	KeyName string
}
