package differ

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentdiff/agentdiff/internal/models"
)

var usersTable = models.TableDef{
	Name: "users",
	Columns: []models.ColumnDef{
		{Name: "id", Type: "text"},
		{Name: "name", Type: "text"},
		{Name: "email", Type: "text"},
	},
	PrimaryKey: []string{"id"},
}

var membershipsTable = models.TableDef{
	Name: "memberships",
	Columns: []models.ColumnDef{
		{Name: "user_id", Type: "text"},
		{Name: "channel_id", Type: "text"},
		{Name: "role", Type: "text"},
	},
	PrimaryKey: []string{"user_id", "channel_id"},
}

func TestSnapshotSQL(t *testing.T) {
	sql := snapshotSQL("state_ab", "users", "before_12345678")
	assert.Equal(t,
		`CREATE TABLE "state_ab"."users_snapshot_before_12345678" AS TABLE "state_ab"."users"`,
		sql)
}

func TestInsertedRowsSQL(t *testing.T) {
	sql := insertedRowsSQL("s", usersTable, "before_x", "after_x")

	assert.Contains(t, sql, `FROM "s"."users_snapshot_after_x" b`)
	assert.Contains(t, sql, `LEFT JOIN "s"."users_snapshot_before_x" a`)
	assert.Contains(t, sql, `ON a."id" = b."id"`)
	assert.Contains(t, sql, `WHERE a."id" IS NULL`)
	assert.Contains(t, sql, `ORDER BY b."id"`)
	// projection comes from the after side
	assert.Contains(t, sql, `SELECT b."id", b."name", b."email"`)
}

func TestDeletedRowsSQL(t *testing.T) {
	sql := deletedRowsSQL("s", usersTable, "before_x", "after_x")

	assert.Contains(t, sql, `FROM "s"."users_snapshot_before_x" a`)
	assert.Contains(t, sql, `LEFT JOIN "s"."users_snapshot_after_x" b`)
	assert.Contains(t, sql, `WHERE b."id" IS NULL`)
	assert.Contains(t, sql, `ORDER BY a."id"`)
}

func TestUpdatedRowsSQL(t *testing.T) {
	sql := updatedRowsSQL("s", usersTable, "before_x", "after_x", nil)

	// full before row, full after row, then one change flag per column
	assert.Contains(t, sql, `SELECT a."id", a."name", a."email", b."id", b."name", b."email", `+
		`a."id" IS DISTINCT FROM b."id", a."name" IS DISTINCT FROM b."name", a."email" IS DISTINCT FROM b."email"`)
	// the key column is excluded from the selection condition
	assert.Contains(t, sql, `WHERE a."name" IS DISTINCT FROM b."name" OR a."email" IS DISTINCT FROM b."email"`)
	assert.Contains(t, sql, `ORDER BY a."id"`)
}

func TestUpdatedRowsSQLIgnoredColumns(t *testing.T) {
	sql := updatedRowsSQL("s", usersTable, "b1", "a1", map[string]bool{"email": true})

	// ignored columns keep their change flag but do not select rows
	assert.Contains(t, sql, `a."email" IS DISTINCT FROM b."email" FROM`)
	assert.Contains(t, sql, `WHERE a."name" IS DISTINCT FROM b."name" ORDER BY`)
}

func TestCompositeKeyJoinAndOrder(t *testing.T) {
	sql := updatedRowsSQL("s", membershipsTable, "b1", "a1", nil)

	assert.Contains(t, sql, `ON a."user_id" = b."user_id" AND a."channel_id" = b."channel_id"`)
	assert.Contains(t, sql, `ORDER BY a."user_id", a."channel_id"`)
}

func TestKeylessSQLUsesRowHash(t *testing.T) {
	cols := []models.ColumnDef{{Name: "k", Type: "text"}, {Name: "v", Type: "text"}}

	ins := keylessInsertedSQL("s", "settings", cols, "b1", "a1", nil)
	assert.Contains(t, ins, `FROM "s"."settings_snapshot_a1" b`)
	assert.Contains(t, ins, `NOT EXISTS (SELECT 1 FROM "s"."settings_snapshot_b1" a WHERE md5(ROW(a."k", a."v")::text) = md5(ROW(b."k", b."v")::text))`)
	assert.True(t, strings.HasSuffix(ins, `ORDER BY md5(ROW(b."k", b."v")::text)`))

	del := keylessDeletedSQL("s", "settings", cols, "b1", "a1", nil)
	assert.Contains(t, del, `FROM "s"."settings_snapshot_b1" a`)
	assert.True(t, strings.HasSuffix(del, `ORDER BY md5(ROW(a."k", a."v")::text)`))
}

func TestKeylessRowHashSkipsIgnoredColumns(t *testing.T) {
	cols := []models.ColumnDef{{Name: "k", Type: "text"}, {Name: "noise", Type: "text"}}
	ins := keylessInsertedSQL("s", "settings", cols, "b1", "a1", map[string]bool{"noise": true})
	assert.Contains(t, ins, `md5(ROW(b."k")::text)`)
	assert.NotContains(t, ins, `ROW(b."k", b."noise")`)
}

func TestFullTableSQL(t *testing.T) {
	sql := fullTableSQL("s", "users", usersTable.Columns, "b1", usersTable.PrimaryKey)
	assert.Equal(t,
		`SELECT t."id", t."name", t."email" FROM "s"."users_snapshot_b1" t ORDER BY t."id"`,
		sql)

	keyless := fullTableSQL("s", "settings", []models.ColumnDef{{Name: "k", Type: "text"}}, "b1", nil)
	assert.Contains(t, keyless, "ORDER BY md5(t::text)")
}
