// Package differ snapshots environment namespaces and computes row-level
// diffs between two snapshots as a pure value: inserts, updates with changed
// fields, and deletes, all in deterministic order.
package differ

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/sync/errgroup"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/metrics"
	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/store"
)

// ErrSnapshotExists is returned when a snapshot suffix is reused within a
// namespace.
var ErrSnapshotExists = errors.New("snapshot already exists")

// diffConcurrency bounds the per-table fan-out of a diff computation.
const diffConcurrency = 4

// Differ computes snapshots and diffs over environment namespaces.
type Differ struct {
	pool      *store.Pool
	reflector *store.Reflector
	metrics   *metrics.Metrics
	logger    *logging.Logger
}

// New creates a differ.
func New(pool *store.Pool, reflector *store.Reflector, m *metrics.Metrics) *Differ {
	return &Differ{
		pool:      pool,
		reflector: reflector,
		metrics:   m,
		logger:    logging.GetLogger("differ"),
	}
}

// Snapshot freezes every table of the namespace into snapshot side-tables
// named {table}_snapshot_{suffix}. All tables freeze in one transaction, so
// the snapshot is a consistent cut. Reusing a suffix returns
// ErrSnapshotExists.
func (d *Differ) Snapshot(ctx context.Context, schema, suffix string) error {
	start := time.Now()

	tables, err := d.reflector.Tables(ctx, schema)
	if err != nil {
		return err
	}

	tx, err := d.pool.DB().Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	for _, table := range tables {
		if _, err := tx.Exec(ctx, snapshotSQL(schema, table.Name, suffix)); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "42P07" { // duplicate_table
				return ErrSnapshotExists
			}
			return fmt.Errorf("failed to snapshot table %s: %w", table.Name, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}

	d.metrics.SnapshotsTotal.Inc()
	d.metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	d.logger.Debug("Snapshot %s of %s covered %d tables", suffix, schema, len(tables))
	return nil
}

// tableDiff is the per-entity slice of a diff, merged in entity order.
type tableDiff struct {
	inserts []models.Row
	updates []models.RowUpdate
	deletes []models.Row
}

// Diff computes the row-level difference between two snapshots of a
// namespace. Entities are processed in name order and each entity's rows in
// primary-key order, so the same state pair always yields the same diff.
// Columns named in ignoreColumns do not count toward update detection.
func (d *Differ) Diff(ctx context.Context, schema, beforeSuffix, afterSuffix string, ignoreColumns []string) (*models.Diff, error) {
	start := time.Now()

	before, err := d.snapshotTables(ctx, schema, beforeSuffix)
	if err != nil {
		return nil, err
	}
	after, err := d.snapshotTables(ctx, schema, afterSuffix)
	if err != nil {
		return nil, err
	}
	if len(before) == 0 {
		return nil, fmt.Errorf("no snapshot found for suffix %q in %s", beforeSuffix, schema)
	}
	if len(after) == 0 {
		return nil, fmt.Errorf("no snapshot found for suffix %q in %s", afterSuffix, schema)
	}

	live, err := d.reflector.Tables(ctx, schema)
	if err != nil {
		return nil, err
	}
	liveByName := make(map[string]models.TableDef, len(live))
	for _, t := range live {
		liveByName[t.Name] = t
	}

	ignore := make(map[string]bool, len(ignoreColumns))
	for _, c := range ignoreColumns {
		ignore[c] = true
	}

	entities := unionSorted(before, after)
	results := make([]tableDiff, len(entities))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(diffConcurrency)
	for i, entity := range entities {
		g.Go(func() error {
			td, err := d.diffEntity(gctx, schema, entity, liveByName, before, after, beforeSuffix, afterSuffix, ignore)
			if err != nil {
				return fmt.Errorf("failed to diff %s: %w", entity, err)
			}
			results[i] = td
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	diff := &models.Diff{
		Inserts: []models.Row{},
		Updates: []models.RowUpdate{},
		Deletes: []models.Row{},
	}
	for _, td := range results {
		diff.Inserts = append(diff.Inserts, td.inserts...)
		diff.Updates = append(diff.Updates, td.updates...)
		diff.Deletes = append(diff.Deletes, td.deletes...)
	}

	d.metrics.DiffDuration.Observe(time.Since(start).Seconds())
	d.logger.Debug("Diff %s..%s of %s: %d inserts, %d updates, %d deletes",
		beforeSuffix, afterSuffix, schema, len(diff.Inserts), len(diff.Updates), len(diff.Deletes))
	return diff, nil
}

func (d *Differ) diffEntity(ctx context.Context, schema, entity string, live map[string]models.TableDef,
	before, after map[string][]models.ColumnDef, beforeSuffix, afterSuffix string, ignore map[string]bool) (tableDiff, error) {

	beforeCols, inBefore := before[entity]
	afterCols, inAfter := after[entity]

	// a table present in only one snapshot is all deletes or all inserts
	if !inAfter {
		rows, err := d.queryRows(ctx, entity,
			fullTableSQL(schema, entity, beforeCols, beforeSuffix, live[entity].PrimaryKey), beforeCols)
		return tableDiff{deletes: rows}, err
	}
	if !inBefore {
		rows, err := d.queryRows(ctx, entity,
			fullTableSQL(schema, entity, afterCols, afterSuffix, live[entity].PrimaryKey), afterCols)
		return tableDiff{inserts: rows}, err
	}

	def, ok := live[entity]
	if !ok || len(def.PrimaryKey) == 0 {
		// without row identity only membership changes are observable
		inserts, err := d.queryRows(ctx, entity,
			keylessInsertedSQL(schema, entity, afterCols, beforeSuffix, afterSuffix, ignore), afterCols)
		if err != nil {
			return tableDiff{}, err
		}
		deletes, err := d.queryRows(ctx, entity,
			keylessDeletedSQL(schema, entity, beforeCols, beforeSuffix, afterSuffix, ignore), beforeCols)
		return tableDiff{inserts: inserts, deletes: deletes}, err
	}

	inserts, err := d.queryRows(ctx, entity, insertedRowsSQL(schema, def, beforeSuffix, afterSuffix), def.Columns)
	if err != nil {
		return tableDiff{}, err
	}
	deletes, err := d.queryRows(ctx, entity, deletedRowsSQL(schema, def, beforeSuffix, afterSuffix), def.Columns)
	if err != nil {
		return tableDiff{}, err
	}

	td := tableDiff{inserts: inserts, deletes: deletes}
	if hasComparableColumns(def, ignore) {
		td.updates, err = d.queryUpdates(ctx, schema, def, beforeSuffix, afterSuffix, ignore)
		if err != nil {
			return tableDiff{}, err
		}
	}
	return td, nil
}

// hasComparableColumns reports whether any column is left to compare once
// the key and the ignore set are removed.
func hasComparableColumns(def models.TableDef, ignore map[string]bool) bool {
	key := map[string]bool{}
	for _, pk := range def.PrimaryKey {
		key[pk] = true
	}
	for _, c := range def.Columns {
		if !key[c.Name] && !ignore[c.Name] {
			return true
		}
	}
	return false
}

func (d *Differ) queryRows(ctx context.Context, entity, sql string, cols []models.ColumnDef) ([]models.Row, error) {
	rows, err := d.pool.DB().Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Row
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(models.Row, len(cols)+1)
		row[models.EntityKey] = entity
		for i, c := range cols {
			row[c.Name] = store.NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// queryUpdates decodes the before/after/flags projection of updatedRowsSQL.
func (d *Differ) queryUpdates(ctx context.Context, schema string, table models.TableDef, beforeSuffix, afterSuffix string, ignore map[string]bool) ([]models.RowUpdate, error) {
	rows, err := d.pool.DB().Query(ctx, updatedRowsSQL(schema, table, beforeSuffix, afterSuffix, ignore))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	n := len(table.Columns)
	var out []models.RowUpdate
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		if len(values) != 3*n {
			return nil, fmt.Errorf("unexpected projection width %d for %s", len(values), table.Name)
		}

		upd := models.RowUpdate{
			Entity:        table.Name,
			PrimaryKey:    make(map[string]any, len(table.PrimaryKey)),
			Before:        make(models.Row, n),
			After:         make(models.Row, n),
			ChangedFields: []string{},
		}
		for i, c := range table.Columns {
			upd.Before[c.Name] = store.NormalizeValue(values[i])
			upd.After[c.Name] = store.NormalizeValue(values[n+i])
			if changed, _ := values[2*n+i].(bool); changed {
				upd.ChangedFields = append(upd.ChangedFields, c.Name)
			}
		}
		for _, pk := range table.PrimaryKey {
			upd.PrimaryKey[pk] = upd.Before[pk]
		}
		out = append(out, upd)
	}
	return out, rows.Err()
}

// snapshotTables returns the base-table column sets captured under a suffix.
func (d *Differ) snapshotTables(ctx context.Context, schema, suffix string) (map[string][]models.ColumnDef, error) {
	// LIKE treats underscores as wildcards, so match the suffix in Go
	marker := "_snapshot_" + suffix
	rows, err := d.pool.DB().Query(ctx,
		`SELECT table_name, column_name, data_type
		 FROM information_schema.columns
		 WHERE table_schema = $1
		 ORDER BY table_name, ordinal_position`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string][]models.ColumnDef{}
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, err
		}
		if !strings.HasSuffix(table, marker) {
			continue
		}
		base := strings.TrimSuffix(table, marker)
		out[base] = append(out[base], models.ColumnDef{Name: column, Type: dataType})
	}
	return out, rows.Err()
}

// DropSnapshots removes the side-tables of a suffix, used when a run is
// abandoned. Missing tables are ignored.
func (d *Differ) DropSnapshots(ctx context.Context, schema, suffix string) error {
	captured, err := d.snapshotTables(ctx, schema, suffix)
	if err != nil {
		return err
	}
	for base := range captured {
		drop := "DROP TABLE IF EXISTS " + pgx.Identifier{schema, snapshotTableName(base, suffix)}.Sanitize()
		if _, err := d.pool.DB().Exec(ctx, drop); err != nil {
			return err
		}
	}
	return nil
}

func unionSorted(a, b map[string][]models.ColumnDef) []string {
	seen := map[string]bool{}
	for k := range a {
		seen[k] = true
	}
	for k := range b {
		seen[k] = true
	}
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
