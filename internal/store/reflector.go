package store

import (
	"context"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/models"
)

// snapshotMarker tags the side-tables the differ creates inside a namespace.
// The reflector never reports them as part of the environment's structure.
const snapshotMarker = "_snapshot_"

// reflectorCacheSize bounds the per-namespace structure cache. Namespaces
// are immutable in structure after provisioning, so entries stay valid until
// explicitly invalidated (snapshot side-tables are filtered, not cached).
const reflectorCacheSize = 256

// Reflector discovers the live structure of a namespace from the Postgres
// catalog: table names, column order, and primary-key tuples. Results are
// cached per namespace.
type Reflector struct {
	pool   *Pool
	cache  *lru.Cache[string, []models.TableDef]
	logger *logging.Logger
}

// NewReflector creates a reflector over the shared pool.
func NewReflector(pool *Pool) (*Reflector, error) {
	cache, err := lru.New[string, []models.TableDef](reflectorCacheSize)
	if err != nil {
		return nil, err
	}
	return &Reflector{
		pool:   pool,
		cache:  cache,
		logger: logging.GetLogger("store"),
	}, nil
}

// Tables returns the table definitions of a namespace, excluding snapshot
// side-tables, ordered by table name with columns in ordinal position.
func (r *Reflector) Tables(ctx context.Context, schema string) ([]models.TableDef, error) {
	if cached, ok := r.cache.Get(schema); ok {
		return cached, nil
	}

	tables, err := r.reflect(ctx, schema)
	if err != nil {
		return nil, err
	}
	r.cache.Add(schema, tables)
	return tables, nil
}

// Invalidate drops the cached structure for a namespace. Called when a
// namespace is dropped or its tables change.
func (r *Reflector) Invalidate(schema string) {
	r.cache.Remove(schema)
}

func (r *Reflector) reflect(ctx context.Context, schema string) ([]models.TableDef, error) {
	rows, err := r.pool.DB().Query(ctx,
		`SELECT table_name, column_name, data_type
		 FROM information_schema.columns
		 WHERE table_schema = $1
		 ORDER BY table_name, ordinal_position`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect columns: %w", err)
	}
	defer rows.Close()

	var tables []models.TableDef
	byName := map[string]int{}
	for rows.Next() {
		var table, column, dataType string
		if err := rows.Scan(&table, &column, &dataType); err != nil {
			return nil, err
		}
		if strings.Contains(table, snapshotMarker) {
			continue
		}
		idx, ok := byName[table]
		if !ok {
			idx = len(tables)
			byName[table] = idx
			tables = append(tables, models.TableDef{Name: table})
		}
		tables[idx].Columns = append(tables[idx].Columns, models.ColumnDef{Name: column, Type: dataType})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	pkRows, err := r.pool.DB().Query(ctx,
		`SELECT tc.table_name, kcu.column_name
		 FROM information_schema.table_constraints tc
		 JOIN information_schema.key_column_usage kcu
		   ON tc.constraint_name = kcu.constraint_name
		  AND tc.table_schema = kcu.table_schema
		 WHERE tc.table_schema = $1 AND tc.constraint_type = 'PRIMARY KEY'
		 ORDER BY tc.table_name, kcu.ordinal_position`, schema)
	if err != nil {
		return nil, fmt.Errorf("failed to reflect primary keys: %w", err)
	}
	defer pkRows.Close()

	for pkRows.Next() {
		var table, column string
		if err := pkRows.Scan(&table, &column); err != nil {
			return nil, err
		}
		if idx, ok := byName[table]; ok {
			tables[idx].PrimaryKey = append(tables[idx].PrimaryKey, column)
		}
	}
	if err := pkRows.Err(); err != nil {
		return nil, err
	}

	r.logger.Debug("Reflected %d tables in namespace %s", len(tables), schema)
	return tables, nil
}
