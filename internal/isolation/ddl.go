package isolation

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/agentdiff/agentdiff/internal/models"
)

// columnTypePattern allowlists the SQL type expressions a template may use.
// Identifiers are sanitized separately; types cannot be bound as parameters
// in DDL, so they are validated instead.
var columnTypePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_ ]*(\([0-9, ]+\))?(\[\])?$`)

// createTableSQL renders the CREATE TABLE statement for one template table,
// schema-qualified because provisioning runs without a bound search_path.
func createTableSQL(schema string, table models.TableDef) (string, error) {
	if len(table.Columns) == 0 {
		return "", fmt.Errorf("table %q has no columns", table.Name)
	}

	var parts []string
	for _, c := range table.Columns {
		if !columnTypePattern.MatchString(c.Type) {
			return "", fmt.Errorf("table %q column %q has invalid type %q", table.Name, c.Name, c.Type)
		}
		parts = append(parts, pgx.Identifier{c.Name}.Sanitize()+" "+c.Type)
	}

	if len(table.PrimaryKey) > 0 {
		parts = append(parts, "PRIMARY KEY ("+identifierList(table.PrimaryKey)+")")
	}
	for _, unique := range table.Uniques {
		parts = append(parts, "UNIQUE ("+identifierList(unique)+")")
	}
	for _, fk := range table.ForeignKeys {
		parts = append(parts, fmt.Sprintf("FOREIGN KEY (%s) REFERENCES %s (%s)",
			identifierList(fk.Columns),
			pgx.Identifier{schema, fk.RefTable}.Sanitize(),
			identifierList(fk.RefColumns)))
	}

	return fmt.Sprintf("CREATE TABLE %s (%s)",
		pgx.Identifier{schema, table.Name}.Sanitize(),
		strings.Join(parts, ", ")), nil
}

// insertSQL renders a parameterized insert for one seed row. Only columns
// declared by the table definition may appear in the row.
func insertSQL(schema string, table models.TableDef, row map[string]any) (string, []any, error) {
	declared := make(map[string]bool, len(table.Columns))
	for _, c := range table.Columns {
		declared[c.Name] = true
	}
	for col := range row {
		if !declared[col] {
			return "", nil, fmt.Errorf("seed row for %q references unknown column %q", table.Name, col)
		}
	}

	var cols, placeholders []string
	var args []any
	for _, c := range table.Columns {
		v, ok := row[c.Name]
		if !ok {
			continue
		}
		cols = append(cols, pgx.Identifier{c.Name}.Sanitize())
		placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)+1))
		args = append(args, v)
	}
	if len(cols) == 0 {
		return "", nil, fmt.Errorf("seed row for %q is empty", table.Name)
	}

	sql := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		pgx.Identifier{schema, table.Name}.Sanitize(),
		strings.Join(cols, ", "),
		strings.Join(placeholders, ", "))
	return sql, args, nil
}

func identifierList(names []string) string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = pgx.Identifier{n}.Sanitize()
	}
	return strings.Join(out, ", ")
}
