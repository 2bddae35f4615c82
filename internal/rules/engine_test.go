package rules

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRulesFormats(t *testing.T) {
	list := `
# comment
domain:google.com
full:exact.test @cn
ads.example
0.0.0.0 tracker.test
127.0.0.1 localhost
keyword:ignored
regexp:^ignored$
10.0.0.1
`
	rs, err := ParseRules("mixed", strings.NewReader(list))
	require.NoError(t, err)

	assert.True(t, rs.Match("mail.google.com"))
	assert.True(t, rs.Match("exact.test"))
	assert.False(t, rs.Match("www.exact.test"))
	assert.True(t, rs.Match("x.ads.example"))
	assert.True(t, rs.Match("tracker.test"))
	assert.False(t, rs.Match("localhost"))
	assert.False(t, rs.Match("ignored"))
	assert.Equal(t, 4, rs.Len())
}

func TestFetcherFallsBackToCache(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "down", http.StatusInternalServerError)
			return
		}
		w.Write([]byte("domain:cached.test\n"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	f := NewFetcher(srv.Client(), dir)
	src := Source{Name: "geo", URL: srv.URL + "/geo.txt"}

	data, stale, err := f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Contains(t, string(data), "cached.test")

	fail.Store(true)
	data, stale, err = f.Fetch(context.Background(), src)
	require.NoError(t, err)
	assert.True(t, stale)
	assert.Contains(t, string(data), "cached.test")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasSuffix(e.Name(), ".tmp"), "temp file left behind: %s", e.Name())
	}
}

func TestFetcherKeepsDownloadWhenCacheUnwritable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("domain:fresh.test\n"))
	}))
	defer srv.Close()

	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	f := NewFetcher(srv.Client(), filepath.Join(blocker, "cache"))
	data, stale, err := f.Fetch(context.Background(), Source{Name: "geo", URL: srv.URL})
	require.NoError(t, err)
	assert.False(t, stale)
	assert.Contains(t, string(data), "fresh.test")
}

func TestFetcherFailsWithoutCache(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewFetcher(srv.Client(), t.TempDir())
	_, _, err := f.Fetch(context.Background(), Source{Name: "ads", URL: srv.URL})
	assert.Error(t, err)
}

func TestEngineRefreshIsolatesFailingSource(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "custom.txt")
	require.NoError(t, os.WriteFile(good, []byte("full:blocked.test\n"), 0644))

	engine, err := NewEngine(NewFetcher(nil, dir), []Source{
		{Name: "custom", URL: good},
		{Name: "broken", URL: filepath.Join(dir, "missing.txt")},
		{Name: "inline", Inline: []string{"domain:inline.test"}},
	}, 0)
	require.NoError(t, err)

	err = engine.Refresh(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broken")

	assert.True(t, engine.Match("custom", "blocked.test"))
	assert.True(t, engine.Match("inline", "a.inline.test"))
	assert.False(t, engine.Match("broken", "blocked.test"))
	assert.False(t, engine.Match("unknown", "blocked.test"))

	status := engine.Status()
	require.Len(t, status, 3)
	assert.Equal(t, "broken", status[0].Name)
	assert.NotEmpty(t, status[0].LastError)
	assert.Equal(t, 1, status[1].Rules)
}

func TestEngineRefreshSwapsWholeSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "list.txt")
	require.NoError(t, os.WriteFile(path, []byte("old.test\n"), 0644))

	engine, err := NewEngine(NewFetcher(nil, dir), []Source{{Name: "list", URL: path}}, 0)
	require.NoError(t, err)
	require.NoError(t, engine.Refresh(context.Background()))
	assert.True(t, engine.Match("list", "old.test"))

	require.NoError(t, os.WriteFile(path, []byte("new.test\n"), 0644))
	require.NoError(t, engine.Refresh(context.Background()))
	assert.False(t, engine.Match("list", "old.test"))
	assert.True(t, engine.Match("list", "new.test"))

	// A failed refresh keeps the previous set.
	require.NoError(t, os.Remove(path))
	assert.Error(t, engine.Refresh(context.Background()))
	assert.True(t, engine.Match("list", "new.test"))
}

func TestNewEngineRejectsDuplicateNames(t *testing.T) {
	_, err := NewEngine(NewFetcher(nil, ""), []Source{{Name: "a", Inline: []string{"x"}}, {Name: "a", Inline: []string{"y"}}}, 0)
	assert.Error(t, err)
}
