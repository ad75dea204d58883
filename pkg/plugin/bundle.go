package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Bundle is a fetched plugin: its manifest and entry code.
type Bundle struct {
	Manifest *Manifest
	Code     []byte
	Origin   string
}

// BundleSource fetches plugin bundles.
type BundleSource interface {
	Fetch(ctx context.Context, name, version string, loadType LoadType) (*Bundle, error)
}

// HTTPSourceOptions configures an HTTPSource.
type HTTPSourceOptions struct {
	// BaseURL is the backend origin.
	BaseURL *url.URL
	// Path is the bundle endpoint prefix, "/plugins" by default.
	Path string
	// Token returns the current bearer token.
	Token  func() string
	Client *http.Client
	Logger zerolog.Logger
}

// HTTPSource fetches bundles from the backend's bundle endpoint:
// GET {base}{path}/{name}/bundle?v=<version>&load_type=<type>.
type HTTPSource struct {
	opts      HTTPSourceOptions
	manifests *ManifestLoader
	logger    zerolog.Logger
}

var _ BundleSource = (*HTTPSource)(nil)

// NewHTTPSource creates a bundle source for the backend endpoint.
func NewHTTPSource(opts HTTPSourceOptions) (*HTTPSource, error) {
	if opts.BaseURL == nil {
		return nil, errors.New("bundle base url is required")
	}
	if opts.Path == "" {
		opts.Path = "/plugins"
	}
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Token == nil {
		opts.Token = func() string { return "" }
	}

	return &HTTPSource{
		opts:      opts,
		manifests: NewManifestLoader(opts.Logger),
		logger:    opts.Logger.With().Str("component", "bundle-http").Logger(),
	}, nil
}

type bundleResponse struct {
	Manifest json.RawMessage `json:"manifest"`
	Code     string          `json:"code"`
}

func (s *HTTPSource) bundleURL(name, version string, loadType LoadType) string {
	u := s.opts.BaseURL.JoinPath(s.opts.Path, name, "bundle")
	q := url.Values{}
	q.Set("v", version)
	q.Set("load_type", string(loadType))
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *HTTPSource) Fetch(ctx context.Context, name, version string, loadType LoadType) (*Bundle, error) {
	target := s.bundleURL(name, version, loadType)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	if token := s.opts.Token(); token != "" {
		req.Header.Set("Authentication", token)
	}

	resp, err := s.opts.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch bundle for %s: %w", name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("bundle request for %s failed: %s: %s", name, resp.Status, strings.TrimSpace(string(body)))
	}

	var payload bundleResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode bundle for %s: %w", name, err)
	}

	manifest, err := s.manifests.Parse(payload.Manifest)
	if err != nil {
		return nil, err
	}

	s.logger.Debug().
		Str("plugin", name).
		Str("version", version).
		Int("bytes", len(payload.Code)).
		Msg("Bundle fetched")

	return &Bundle{Manifest: manifest, Code: []byte(payload.Code), Origin: target}, nil
}

// DirSource reads bundles from <dir>/<name>/plugin.json (or plugin.yaml) and
// the manifest's entry file. Used for plugin development.
type DirSource struct {
	dir       string
	manifests *ManifestLoader
}

var _ BundleSource = (*DirSource)(nil)

// NewDirSource creates a bundle source rooted at dir.
func NewDirSource(dir string, logger zerolog.Logger) *DirSource {
	return &DirSource{dir: dir, manifests: NewManifestLoader(logger)}
}

// Dir returns the root directory.
func (s *DirSource) Dir() string { return s.dir }

func (s *DirSource) Fetch(_ context.Context, name, _ string, _ LoadType) (*Bundle, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return nil, fmt.Errorf("invalid plugin name %q", name)
	}
	root := filepath.Join(s.dir, name)

	path, ok := FindManifest(root)
	if !ok {
		return nil, fmt.Errorf("no manifest in %s", root)
	}
	manifest, err := s.manifests.LoadManifest(path)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{Manifest: manifest, Origin: root}
	if manifest.Runtime == RuntimeNative {
		return bundle, nil
	}

	entry := filepath.Join(root, filepath.Clean("/"+manifest.Entry))
	code, err := os.ReadFile(entry)
	if err != nil {
		return nil, fmt.Errorf("failed to read entry file: %w", err)
	}
	bundle.Code = code
	return bundle, nil
}

// List returns the plugin directories under the root.
func (s *DirSource) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, ok := FindManifest(filepath.Join(s.dir, e.Name())); ok {
			out = append(out, e.Name())
		}
	}
	return out, nil
}
