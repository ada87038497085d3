package platform

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdiff/agentdiff/internal/differ"
	"github.com/agentdiff/agentdiff/internal/isolation"
)

func TestDiffInsertUpdateDelete(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "before_t1"))

	h.Exec(env, `INSERT INTO messages (id, channel_id, user_id, text, ts) VALUES ('M1', 'C001', 'U001', 'hello', '1.000001')`)
	h.Exec(env, `UPDATE channels SET name = 'announcements' WHERE id = 'C001'`)
	h.Exec(env, `DELETE FROM users WHERE id = 'U002'`)

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "after_t1"))
	diff, err := h.Differ.Diff(ctx, env.SchemaName, "before_t1", "after_t1", nil)
	require.NoError(t, err)

	require.Len(t, diff.Inserts, 1)
	assert.Equal(t, "messages", diff.Inserts[0].Entity())
	assert.Equal(t, "hello", diff.Inserts[0]["text"])

	require.Len(t, diff.Updates, 1)
	up := diff.Updates[0]
	assert.Equal(t, "channels", up.Entity)
	assert.Equal(t, []string{"name"}, up.ChangedFields)
	assert.Equal(t, "general", up.Before["name"])
	assert.Equal(t, "announcements", up.After["name"])
	assert.Equal(t, map[string]any{"id": "C001"}, up.PrimaryKey)

	require.Len(t, diff.Deletes, 1)
	assert.Equal(t, "users", diff.Deletes[0].Entity())
	assert.Equal(t, "U002", diff.Deletes[0]["id"])
}

func TestDiffEmptyWhenNothingChanged(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "before_t2"))
	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "after_t2"))

	diff, err := h.Differ.Diff(ctx, env.SchemaName, "before_t2", "after_t2", nil)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
	assert.NotNil(t, diff.Inserts)
	assert.NotNil(t, diff.Updates)
	assert.NotNil(t, diff.Deletes)
}

func TestDiffSameSnapshotTwice(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "s1"))

	// a snapshot suffix can only be claimed once per namespace
	err := h.Differ.Snapshot(ctx, env.SchemaName, "s1")
	assert.ErrorIs(t, err, differ.ErrSnapshotExists)

	// diffing a snapshot against itself is empty
	diff, err := h.Differ.Diff(ctx, env.SchemaName, "s1", "s1", nil)
	require.NoError(t, err)
	assert.True(t, diff.Empty())
}

func TestDiffNullTransitions(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "before_t3"))
	h.Exec(env, `UPDATE users SET email = NULL WHERE id = 'U001'`)
	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "after_t3"))

	diff, err := h.Differ.Diff(ctx, env.SchemaName, "before_t3", "after_t3", nil)
	require.NoError(t, err)

	require.Len(t, diff.Updates, 1)
	up := diff.Updates[0]
	assert.Equal(t, []string{"email"}, up.ChangedFields)
	assert.Equal(t, "ada@example.com", up.Before["email"])
	assert.Nil(t, up.After["email"])
}

func TestDiffIgnoreColumns(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "before_t4"))
	h.Exec(env, `UPDATE users SET email = 'new@example.com' WHERE id = 'U001'`)
	h.Exec(env, `UPDATE users SET email = 'other@example.com', name = 'grace hopper' WHERE id = 'U002'`)
	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "after_t4"))

	diff, err := h.Differ.Diff(ctx, env.SchemaName, "before_t4", "after_t4", []string{"email"})
	require.NoError(t, err)

	// U001 changed only the ignored column and is not reported; U002 is
	// selected on the name change but still flags email as changed
	require.Len(t, diff.Updates, 1)
	up := diff.Updates[0]
	assert.Equal(t, map[string]any{"id": "U002"}, up.PrimaryKey)
	assert.Equal(t, []string{"name", "email"}, up.ChangedFields, "changed fields follow column order")
}

func TestDiffCompositeKey(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	h.Exec(env, `CREATE TABLE memberships (channel_id text, user_id text, role text, PRIMARY KEY (channel_id, user_id))`)
	h.Exec(env, `INSERT INTO memberships VALUES ('C001', 'U001', 'member'), ('C001', 'U002', 'member')`)
	h.Reflector.Invalidate(env.SchemaName)

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "before_t5"))
	h.Exec(env, `UPDATE memberships SET role = 'admin' WHERE channel_id = 'C001' AND user_id = 'U001'`)
	h.Exec(env, `INSERT INTO memberships VALUES ('C002', 'U001', 'member')`)
	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "after_t5"))

	diff, err := h.Differ.Diff(ctx, env.SchemaName, "before_t5", "after_t5", nil)
	require.NoError(t, err)

	require.Len(t, diff.Inserts, 1)
	assert.Equal(t, "C002", diff.Inserts[0]["channel_id"])

	require.Len(t, diff.Updates, 1)
	up := diff.Updates[0]
	assert.Equal(t, map[string]any{"channel_id": "C001", "user_id": "U001"}, up.PrimaryKey)
	assert.Equal(t, []string{"role"}, up.ChangedFields)
	assert.Empty(t, diff.Deletes)
}

func TestDiffKeylessTable(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	h.Exec(env, `INSERT INTO audit_log VALUES ('login', 'U001')`)
	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "before_t6"))
	h.Exec(env, `INSERT INTO audit_log VALUES ('post', 'U001')`)
	h.Exec(env, `DELETE FROM audit_log WHERE action = 'login'`)
	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "after_t6"))

	diff, err := h.Differ.Diff(ctx, env.SchemaName, "before_t6", "after_t6", nil)
	require.NoError(t, err)

	// keyless tables report membership changes only, never updates
	require.Len(t, diff.Inserts, 1)
	assert.Equal(t, "post", diff.Inserts[0]["action"])
	require.Len(t, diff.Deletes, 1)
	assert.Equal(t, "login", diff.Deletes[0]["action"])
	assert.Empty(t, diff.Updates)
}

func TestDiffTableOnlyInAfterSnapshot(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "before_t7"))

	h.Exec(env, `CREATE TABLE tags (id text PRIMARY KEY, label text)`)
	h.Exec(env, `INSERT INTO tags VALUES ('T1', 'urgent'), ('T2', 'triage')`)
	h.Reflector.Invalidate(env.SchemaName)

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "after_t7"))
	diff, err := h.Differ.Diff(ctx, env.SchemaName, "before_t7", "after_t7", nil)
	require.NoError(t, err)

	// every row of a table that exists only after counts as inserted
	var tagInserts int
	for _, row := range diff.Inserts {
		if row.Entity() == "tags" {
			tagInserts++
		}
	}
	assert.Equal(t, 2, tagInserts)
}

func TestDropSnapshots(t *testing.T) {
	h := NewHarness(t)
	env := h.CreateEnv(h.SlackTemplate(), isolation.CreateOptions{Owner: "o"})
	ctx := context.Background()

	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "s2"))
	require.NoError(t, h.Differ.DropSnapshots(ctx, env.SchemaName, "s2"))

	// suffix is reusable after dropping
	require.NoError(t, h.Differ.Snapshot(ctx, env.SchemaName, "s2"))
}
