package template

import (
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/store"
)

// selectAll builds a full-table select ordered by primary key (or by all
// columns when the table has none) so seed dumps are deterministic.
func selectAll(table models.TableDef) string {
	cols := make([]string, len(table.Columns))
	for i, c := range table.Columns {
		cols[i] = pgx.Identifier{c.Name}.Sanitize()
	}

	order := table.PrimaryKey
	if len(order) == 0 {
		order = make([]string, len(table.Columns))
		for i, c := range table.Columns {
			order[i] = c.Name
		}
	}
	orderCols := make([]string, len(order))
	for i, c := range order {
		orderCols[i] = pgx.Identifier{c}.Sanitize()
	}

	var b strings.Builder
	b.WriteString("SELECT ")
	b.WriteString(strings.Join(cols, ", "))
	b.WriteString(" FROM ")
	b.WriteString(pgx.Identifier{table.Name}.Sanitize())
	b.WriteString(" ORDER BY ")
	b.WriteString(strings.Join(orderCols, ", "))
	return b.String()
}

// decodeRows drains a result set into seed-bundle row literals, normalizing
// database values into JSON-safe forms.
func decodeRows(rows pgx.Rows, table models.TableDef) ([]map[string]any, error) {
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, err
		}
		row := make(map[string]any, len(table.Columns))
		for i, c := range table.Columns {
			row[c.Name] = store.NormalizeValue(values[i])
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
