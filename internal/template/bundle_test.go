package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentdiff/agentdiff/internal/models"
)

const slackBundle = `
service: slack
name: workspace-basic
description: Minimal Slack workspace
version: "1"
visibility: public
definition:
  tables:
    - name: users
      columns:
        - {name: id, type: text}
        - {name: name, type: text}
        - {name: email, type: text}
      primaryKey: [id]
    - name: messages
      columns:
        - {name: id, type: text}
        - {name: channel_id, type: text}
        - {name: user_id, type: text}
        - {name: text, type: text}
      primaryKey: [id]
      foreignKeys:
        - {columns: [user_id], refTable: users, refColumns: [id]}
seed:
  users:
    - {id: U1, name: alice, email: alice@example.com}
    - {id: U2, name: bob, email: bob@example.com}
`

func writeBundle(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeBundle(t, t.TempDir(), "slack.yaml", slackBundle)

	tmpl, err := LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, "slack", tmpl.Service)
	assert.Equal(t, "workspace-basic", tmpl.Name)
	assert.Equal(t, models.VisibilityPublic, tmpl.Visibility)
	require.Len(t, tmpl.Definition.Tables, 2)
	assert.Equal(t, []string{"id"}, tmpl.Definition.Tables[0].PrimaryKey)
	assert.Len(t, tmpl.Seed["users"], 2)
	require.Len(t, tmpl.Definition.Tables[1].ForeignKeys, 1)
	assert.Equal(t, "users", tmpl.Definition.Tables[1].ForeignKeys[0].RefTable)
}

func TestLoadFileRejectsInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"missing name", "service: slack\ndefinition:\n  tables:\n    - name: t\n      columns: [{name: id, type: text}]\n"},
		{"no tables", "service: slack\nname: empty\ndefinition:\n  tables: []\n"},
		{"seed for unknown table", `
service: slack
name: bad-seed
definition:
  tables:
    - name: users
      columns: [{name: id, type: text}]
seed:
  channels:
    - {id: C1}
`},
		{"not yaml", "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeBundle(t, t.TempDir(), "bundle.yaml", tt.content)
			_, err := LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadDirSortedAndFiltered(t *testing.T) {
	dir := t.TempDir()
	writeBundle(t, dir, "b-second.yaml", slackBundle)
	second := `
service: shopify
name: store-basic
definition:
  tables:
    - name: products
      columns: [{name: id, type: text}]
      primaryKey: [id]
`
	writeBundle(t, dir, "a-first.yml", second)
	writeBundle(t, dir, "notes.txt", "ignored")

	templates, err := LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, templates, 2)
	assert.Equal(t, "shopify", templates[0].Service)
	assert.Equal(t, "slack", templates[1].Service)
}
