package fileloader

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ahrav/harvester/internal/config"
)

func TestFileLoader_API(t *testing.T) {
	t.Setenv("HARVEST_TEST_DSN", "postgres://u:p@db:5432/harvest")

	cfg, err := NewFileLoader(filepath.Join("testdata", "api.yaml")).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "confirmed_flush", cfg.Run.AdvancePolicy)
	assert.Equal(t, 45*time.Second, cfg.Run.ShutdownTimeout.Duration)
	assert.Equal(t, []string{"浙江", "江苏"}, cfg.Grid.Dim1)
	assert.Equal(t, 500*time.Millisecond, cfg.Acquisition.BaseDelay.Duration)
	assert.Equal(t, 20*time.Second, cfg.Acquisition.Timeout.Duration)
	assert.Equal(t, "Mozilla/5.0", cfg.Acquisition.Headers["User-Agent"])
	assert.Equal(t, config.CredentialsTypeStatic, cfg.Credentials.Type)
	require.NotNil(t, cfg.Source.API)
	assert.Len(t, cfg.Source.API.Fields, 2)
	require.NotNil(t, cfg.Store.Postgres)
	assert.Equal(t, "postgres://u:p@db:5432/harvest", cfg.Store.Postgres.DSN)
	assert.Equal(t, config.CheckpointTypePostgres, cfg.Checkpoint.Type)

	fields, primary, enriched := cfg.SchemaFields()
	assert.Equal(t, []string{"company", "contact", "phone"}, fields)
	assert.Equal(t, "company", primary)
	assert.Equal(t, []string{"phone", "company"}, enriched)
}

func TestFileLoader_Render(t *testing.T) {
	t.Parallel()

	cfg, err := NewFileLoader(filepath.Join("testdata", "render.yaml")).Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, config.DefaultLogLevel, cfg.Log.Level)
	assert.Equal(t, config.CheckpointTypeFile, cfg.Checkpoint.Type)
	assert.Equal(t, config.DefaultCheckpointPath, cfg.Checkpoint.Path)
	assert.Equal(t, config.CredentialsTypeNone, cfg.Credentials.Type)
	assert.Equal(t, "optimal", cfg.Source.Render.Matching)
	assert.Equal(t, "harvest.db", cfg.Store.SQLite.Path)
	require.NotNil(t, cfg.Archive)
	assert.True(t, cfg.Archive.Compress)

	fields, primary, enriched := cfg.SchemaFields()
	assert.Equal(t, []string{"username", "comment", "posted_at", "location"}, fields)
	assert.Equal(t, "username", primary)
	assert.Equal(t, []string{"location"}, enriched)
}

func TestFileLoader_Errors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "empty file", content: "", wantErr: "run.name"},
		{name: "unknown key", content: "run:\n  nme: x\n", wantErr: "nme"},
		{
			name: "missing source block",
			content: `run: {name: a, collection: b}
grid: {dim1: [A], dim2: [x]}
source: {type: api}
store: {type: memory}
`,
			wantErr: "source.api",
		},
		{
			name: "bad enum",
			content: `run: {name: a, collection: b, advance_policy: sometimes}
grid: {dim1: [A], dim2: [x]}
source: {type: render, render: {endpoint: "http://r", query: q, primary: {role: u, field: u}}}
store: {type: memory}
`,
			wantErr: "run.advance_policy",
		},
		{
			name: "bad duration",
			content: `run: {name: a, collection: b, shutdown_timeout: soon}
`,
			wantErr: "invalid duration",
		},
		{
			name: "enrichment without link role",
			content: `run: {name: a, collection: b}
grid: {dim1: [A], dim2: [x]}
source: {type: render, render: {endpoint: "http://r", query: q, primary: {role: u, field: u}}}
enrichment: {type: html, html: {selectors: [{field: f, css: .f}]}}
store: {type: memory}
`,
			wantErr: "link_role",
		},
		{
			name: "empty grid label",
			content: `run: {name: a, collection: b}
grid: {dim1: [A, ""], dim2: [x]}
source: {type: render, render: {endpoint: "http://r", query: q, primary: {role: u, field: u}}}
store: {type: memory}
`,
			wantErr: "grid.dim1[1]",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "harvest.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := NewFileLoader(path).Load(context.Background())
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestFileLoader_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := NewFileLoader(filepath.Join(t.TempDir(), "nope.yaml")).Load(context.Background())
	require.ErrorContains(t, err, "failed to read config file")
}
