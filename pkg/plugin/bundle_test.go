package plugin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPSource_Fetch(t *testing.T) {
	var gotPath, gotQuery, gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotAuth = r.Header.Get("Authentication")

		if r.URL.Path == "/plugins/missing/bundle" {
			http.Error(w, "no such plugin", http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"manifest": map[string]any{"name": "weather", "version": "1.2.0", "runtime": "lua", "entry": "main.lua"},
			"code":     `definePlugin(function(api) return {} end)`,
		})
	}))
	defer srv.Close()

	base, err := url.Parse(srv.URL)
	require.NoError(t, err)

	src, err := NewHTTPSource(HTTPSourceOptions{
		BaseURL: base,
		Token:   func() string { return "tok-1" },
		Logger:  zerolog.Nop(),
	})
	require.NoError(t, err)

	t.Run("ok", func(t *testing.T) {
		b, err := src.Fetch(context.Background(), "weather", "1.2.0", LoadTypeModule)
		require.NoError(t, err)
		assert.Equal(t, "/plugins/weather/bundle", gotPath)
		assert.Equal(t, "load_type=module&v=1.2.0", gotQuery)
		assert.Equal(t, "tok-1", gotAuth)
		assert.Equal(t, "weather", b.Manifest.Name)
		assert.Equal(t, 1, b.Manifest.APIVersion)
		assert.Contains(t, string(b.Code), "definePlugin")
	})

	t.Run("http error", func(t *testing.T) {
		_, err := src.Fetch(context.Background(), "missing", "", LoadTypeLegacy)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "404")
		assert.Contains(t, err.Error(), "no such plugin")
	})
}

func TestNewHTTPSourceRequiresBaseURL(t *testing.T) {
	_, err := NewHTTPSource(HTTPSourceOptions{})
	assert.Error(t, err)
}

func writePlugin(t *testing.T, dir, name, manifest string, files map[string]string) {
	t.Helper()
	root := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(root, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "plugin.json"), []byte(manifest), 0o644))
	for file, body := range files {
		require.NoError(t, os.WriteFile(filepath.Join(root, file), []byte(body), 0o644))
	}
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	writePlugin(t, dir, "notes",
		`{"name":"notes","version":"0.3.0","runtime":"lua","entry":"main.lua"}`,
		map[string]string{"main.lua": "return {}"})
	writePlugin(t, dir, "native",
		`{"name":"native","version":"1.0.0","runtime":"native","entry":"native"}`, nil)
	writePlugin(t, dir, "escape",
		`{"name":"escape","version":"1.0.0","runtime":"lua","entry":"../notes/main.lua"}`, nil)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "empty"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "clock"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clock", "plugin.yaml"),
		[]byte("name: clock\nversion: \"1.0.0\"\nruntime: lua\nentry: clock.lua\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "clock", "clock.lua"), []byte("return {}"), 0o644))

	src := NewDirSource(dir, zerolog.Nop())
	ctx := context.Background()

	b, err := src.Fetch(ctx, "notes", "", LoadTypeModule)
	require.NoError(t, err)
	assert.Equal(t, "return {}", string(b.Code))
	assert.Equal(t, filepath.Join(dir, "notes"), b.Origin)

	b, err = src.Fetch(ctx, "clock", "", LoadTypeModule)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", b.Manifest.Version)

	_, err = src.Fetch(ctx, "empty", "", LoadTypeModule)
	assert.Error(t, err)

	b, err = src.Fetch(ctx, "native", "", LoadTypeLegacy)
	require.NoError(t, err)
	assert.Nil(t, b.Code)

	_, err = src.Fetch(ctx, "escape", "", LoadTypeLegacy)
	assert.Error(t, err, "entry paths stay inside the plugin directory")

	for _, name := range []string{"", "..", "a/b"} {
		_, err = src.Fetch(ctx, name, "", LoadTypeLegacy)
		assert.Error(t, err, name)
	}

	names, err := src.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"notes", "native", "escape", "clock"}, names)
}
