package updater

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// VersionRecord is one published version of a plugin.
type VersionRecord struct {
	Name string `json:"name"`
	Hash string `json:"hash"`
}

// CatalogEntry lists every published version of a plugin.
type CatalogEntry struct {
	Name     string          `json:"name"`
	Versions []VersionRecord `json:"versions"`
}

// Newest returns the highest version in the entry.
func (e CatalogEntry) Newest() (VersionRecord, bool) {
	if len(e.Versions) == 0 {
		return VersionRecord{}, false
	}
	best := e.Versions[0]
	for _, v := range e.Versions[1:] {
		if CompareVersions(v.Name, best.Name) > 0 {
			best = v
		}
	}
	return best, true
}

// Catalog fetches the plugin store listing.
type Catalog interface {
	Fetch(ctx context.Context) ([]CatalogEntry, error)
}

// HTTPCatalog reads the listing as a JSON array from a URL.
type HTTPCatalog struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

var _ Catalog = (*HTTPCatalog)(nil)

// NewHTTPCatalog creates a catalog for url. client may be nil.
func NewHTTPCatalog(url string, client *http.Client, logger zerolog.Logger) *HTTPCatalog {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPCatalog{
		url:    url,
		client: client,
		logger: logger.With().Str("component", "catalog").Logger(),
	}
}

func (c *HTTPCatalog) Fetch(ctx context.Context) ([]CatalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("catalog request failed: %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	var entries []CatalogEntry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("failed to decode catalog: %w", err)
	}

	c.logger.Debug().Int("plugins", len(entries)).Msg("Catalog fetched")
	return entries, nil
}

// Diff returns, for every installed plugin not in frozen, the newest catalog
// version when it is strictly newer than the installed one.
func Diff(catalog []CatalogEntry, installed map[string]string, frozen []string) map[string]VersionRecord {
	skip := make(map[string]bool, len(frozen))
	for _, name := range frozen {
		skip[name] = true
	}

	updates := make(map[string]VersionRecord)
	for _, entry := range catalog {
		current, ok := installed[entry.Name]
		if !ok || skip[entry.Name] {
			continue
		}
		newest, ok := entry.Newest()
		if !ok {
			continue
		}
		if IsNewer(newest.Name, current) {
			updates[entry.Name] = newest
		}
	}
	return updates
}
