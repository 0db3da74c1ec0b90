package main

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/david/grant-sync/internal/db"
	"github.com/david/grant-sync/internal/ingest"
)

func TestSelectSources(t *testing.T) {
	all := []ingest.SourceConfig{
		{ID: "a", Enabled: true},
		{ID: "b", Enabled: false},
	}

	got, err := selectSources(all, nil)
	require.NoError(t, err)
	assert.Equal(t, all, got)

	got, err = selectSources(all, []string{"b"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "b", got[0].ID)
	assert.True(t, got[0].Enabled)

	_, err = selectSources(all, []string{"missing"})
	require.Error(t, err)
}

func TestIngestOnce_WordPressSource(t *testing.T) {
	wp := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("page") != "1" {
			_, _ = w.Write([]byte(`[]`))
			return
		}
		_, _ = w.Write([]byte(`[{"id":7,"link":"https://example.org/call","status":"publish",
			"title":{"rendered":"Community Garden Call"},
			"content":{"rendered":"<p>Awards of up to $50,000 for neighborhood gardens.</p>"}}]`))
	}))
	defer wp.Close()

	dir := t.TempDir()
	registry := filepath.Join(dir, "sources.yaml")
	require.NoError(t, os.WriteFile(registry, []byte(fmt.Sprintf(`sources:
  - id: wp
    strategy: wordpress_rest
    base_url: %s
    enabled: false
`, wp.URL)), 0o644))
	dbPath := filepath.Join(dir, "grants.db")

	t.Setenv("GRANTSYNC_SOURCES", registry)
	t.Setenv("GRANTSYNC_SQLITE_PATH", dbPath)
	t.Setenv("GRANTSYNC_ALLOW_PRIVATE_NETWORKS", "true")
	t.Setenv("GRANTSYNC_SOURCE_DELAY", "0s")
	t.Setenv("LOG_LEVEL", "error")

	cmd := newCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--source", "wp"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "wp")

	repo, err := db.OpenSQLite(context.Background(), dbPath, zap.NewNop())
	require.NoError(t, err)
	defer repo.Close()
	page, err := repo.Search(context.Background(), db.Filter{})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "Community Garden Call", page.Grants[0].Title)

	runs, err := repo.RecentUpdates(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Success)
}
