package differ

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/agentdiff/agentdiff/internal/models"
)

// snapshotTableName names the side-table holding a table's frozen state for
// one snapshot suffix.
func snapshotTableName(base, suffix string) string {
	return base + "_snapshot_" + suffix
}

func qualified(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}

func columnList(alias string, cols []models.ColumnDef) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = alias + "." + pgx.Identifier{c.Name}.Sanitize()
	}
	return strings.Join(out, ", ")
}

// pkJoin builds the equi-join condition over the primary-key tuple.
func pkJoin(leftAlias, rightAlias string, pk []string) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		id := pgx.Identifier{col}.Sanitize()
		parts[i] = fmt.Sprintf("%s.%s = %s.%s", leftAlias, id, rightAlias, id)
	}
	return strings.Join(parts, " AND ")
}

func pkOrder(alias string, pk []string) string {
	parts := make([]string, len(pk))
	for i, col := range pk {
		parts[i] = alias + "." + pgx.Identifier{col}.Sanitize()
	}
	return strings.Join(parts, ", ")
}

// insertedRowsSQL selects rows present in the after snapshot but absent from
// the before snapshot, matched on the primary-key tuple.
func insertedRowsSQL(schema string, table models.TableDef, beforeSuffix, afterSuffix string) string {
	firstPK := pgx.Identifier{table.PrimaryKey[0]}.Sanitize()
	return fmt.Sprintf(
		"SELECT %s FROM %s b LEFT JOIN %s a ON %s WHERE a.%s IS NULL ORDER BY %s",
		columnList("b", table.Columns),
		qualified(schema, snapshotTableName(table.Name, afterSuffix)),
		qualified(schema, snapshotTableName(table.Name, beforeSuffix)),
		pkJoin("a", "b", table.PrimaryKey),
		firstPK,
		pkOrder("b", table.PrimaryKey))
}

// deletedRowsSQL is the mirror of insertedRowsSQL: rows present before and
// gone after.
func deletedRowsSQL(schema string, table models.TableDef, beforeSuffix, afterSuffix string) string {
	firstPK := pgx.Identifier{table.PrimaryKey[0]}.Sanitize()
	return fmt.Sprintf(
		"SELECT %s FROM %s a LEFT JOIN %s b ON %s WHERE b.%s IS NULL ORDER BY %s",
		columnList("a", table.Columns),
		qualified(schema, snapshotTableName(table.Name, beforeSuffix)),
		qualified(schema, snapshotTableName(table.Name, afterSuffix)),
		pkJoin("a", "b", table.PrimaryKey),
		firstPK,
		pkOrder("a", table.PrimaryKey))
}

// updatedRowsSQL selects rows present in both snapshots with at least one
// differing column outside the ignore set and the key. The projection is the
// full before row, the full after row, then one boolean per column flagging
// whether it changed, so changed_fields is decided by Postgres comparison
// semantics rather than Go equality. Ignored columns and the key are left
// out of the selection condition but still report their change flag.
func updatedRowsSQL(schema string, table models.TableDef, beforeSuffix, afterSuffix string, ignore map[string]bool) string {
	key := map[string]bool{}
	for _, pk := range table.PrimaryKey {
		key[pk] = true
	}
	var flags, distinct []string
	for _, c := range table.Columns {
		id := pgx.Identifier{c.Name}.Sanitize()
		cmp := fmt.Sprintf("a.%s IS DISTINCT FROM b.%s", id, id)
		flags = append(flags, cmp)
		if !key[c.Name] && !ignore[c.Name] {
			distinct = append(distinct, cmp)
		}
	}
	return fmt.Sprintf(
		"SELECT %s, %s, %s FROM %s a JOIN %s b ON %s WHERE %s ORDER BY %s",
		columnList("a", table.Columns),
		columnList("b", table.Columns),
		strings.Join(flags, ", "),
		qualified(schema, snapshotTableName(table.Name, beforeSuffix)),
		qualified(schema, snapshotTableName(table.Name, afterSuffix)),
		pkJoin("a", "b", table.PrimaryKey),
		strings.Join(distinct, " OR "),
		pkOrder("a", table.PrimaryKey))
}

// rowHash builds a synthetic key for tables without a primary key: a hash
// over the non-ignored columns of the row.
func rowHash(alias string, cols []models.ColumnDef, ignore map[string]bool) string {
	var parts []string
	for _, c := range cols {
		if ignore[c.Name] {
			continue
		}
		parts = append(parts, alias+"."+pgx.Identifier{c.Name}.Sanitize())
	}
	return "md5(ROW(" + strings.Join(parts, ", ") + ")::text)"
}

// keylessInsertedSQL and keylessDeletedSQL handle tables without a primary
// key: rows are matched by the synthetic row hash. Updates cannot be
// distinguished from a delete plus an insert without identity, so keyless
// tables never produce updates.
func keylessInsertedSQL(schema, tableName string, cols []models.ColumnDef, beforeSuffix, afterSuffix string, ignore map[string]bool) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s b WHERE NOT EXISTS (SELECT 1 FROM %s a WHERE %s = %s) ORDER BY %s",
		columnList("b", cols),
		qualified(schema, snapshotTableName(tableName, afterSuffix)),
		qualified(schema, snapshotTableName(tableName, beforeSuffix)),
		rowHash("a", cols, ignore), rowHash("b", cols, ignore),
		rowHash("b", cols, ignore))
}

func keylessDeletedSQL(schema, tableName string, cols []models.ColumnDef, beforeSuffix, afterSuffix string, ignore map[string]bool) string {
	return fmt.Sprintf(
		"SELECT %s FROM %s a WHERE NOT EXISTS (SELECT 1 FROM %s b WHERE %s = %s) ORDER BY %s",
		columnList("a", cols),
		qualified(schema, snapshotTableName(tableName, beforeSuffix)),
		qualified(schema, snapshotTableName(tableName, afterSuffix)),
		rowHash("a", cols, ignore), rowHash("b", cols, ignore),
		rowHash("a", cols, ignore))
}

// fullTableSQL dumps an entire snapshot table, used when a table exists in
// only one of the two snapshots.
func fullTableSQL(schema, tableName string, cols []models.ColumnDef, suffix string, pk []string) string {
	order := "md5(t::text)"
	if len(pk) > 0 {
		order = pkOrder("t", pk)
	}
	return fmt.Sprintf("SELECT %s FROM %s t ORDER BY %s",
		columnList("t", cols),
		qualified(schema, snapshotTableName(tableName, suffix)),
		order)
}

// snapshotSQL freezes a table's current rows into a snapshot side-table.
func snapshotSQL(schema, tableName, suffix string) string {
	return fmt.Sprintf("CREATE TABLE %s AS TABLE %s",
		qualified(schema, snapshotTableName(tableName, suffix)),
		qualified(schema, tableName))
}
