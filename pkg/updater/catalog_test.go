package updater

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCatalogEntryNewest(t *testing.T) {
	e := CatalogEntry{Name: "x", Versions: []VersionRecord{
		{Name: "1.0.0", Hash: "a"},
		{Name: "1.10.0", Hash: "c"},
		{Name: "1.9.0", Hash: "b"},
	}}
	v, ok := e.Newest()
	require.True(t, ok)
	assert.Equal(t, VersionRecord{Name: "1.10.0", Hash: "c"}, v)

	_, ok = CatalogEntry{Name: "empty"}.Newest()
	assert.False(t, ok)
}

func TestDiff(t *testing.T) {
	catalog := []CatalogEntry{
		{Name: "weather", Versions: []VersionRecord{{Name: "1.1.9"}, {Name: "1.2.0", Hash: "h1"}}},
		{Name: "clock", Versions: []VersionRecord{{Name: "2.0.0"}}},
		{Name: "notes", Versions: []VersionRecord{{Name: "3.0.0"}}},
		{Name: "uninstalled", Versions: []VersionRecord{{Name: "9.9.9"}}},
		{Name: "older", Versions: []VersionRecord{{Name: "0.9.0"}}},
	}
	installed := map[string]string{
		"weather": "1.1.9",
		"clock":   "2.0.0",
		"notes":   "1.0.0",
		"older":   "1.0.0",
	}

	updates := Diff(catalog, installed, []string{"notes"})
	assert.Equal(t, map[string]VersionRecord{
		"weather": {Name: "1.2.0", Hash: "h1"},
	}, updates)
}

func TestHTTPCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/plugins" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"name":"weather","versions":[{"name":"1.2.0","hash":"abc"}]}]`))
	}))
	defer srv.Close()

	entries, err := NewHTTPCatalog(srv.URL+"/plugins", nil, zerolog.Nop()).Fetch(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "weather", entries[0].Name)
	assert.Equal(t, []VersionRecord{{Name: "1.2.0", Hash: "abc"}}, entries[0].Versions)

	_, err = NewHTTPCatalog(srv.URL+"/missing", nil, zerolog.Nop()).Fetch(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
