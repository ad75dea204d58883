package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/plughost/internal/config"
	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/pkg/host"
	"github.com/harun/plughost/pkg/notify"
	"github.com/harun/plughost/pkg/plugin"
	"github.com/harun/plughost/pkg/settings"
	"github.com/harun/plughost/pkg/transport"
	"github.com/harun/plughost/pkg/updater"
	"github.com/rs/zerolog"
)

// Backend events the loader subscribes to.
const (
	EventImportPlugin = "loader/import_plugin"
	EventUnloadPlugin = "loader/unload_plugin"
	EventPluginEvent  = plugin.PluginEventRoute
	EventReinject     = "frontend/reinject"
)

// Options wires a Service.
type Options struct {
	Config *config.Config
	Host   host.Adapter
	// Settings overrides the store selected by Config.Settings.
	Settings settings.Store
	// Native supplies Go entry points for native bundles.
	Native *plugin.NativeRuntime
	// Catalog overrides the HTTP catalog built from Config.Updates.
	Catalog updater.Catalog
	// OnReinject is called on its own goroutine when the host frontend was
	// re-injected. Without it the service reloads every plugin in place.
	OnReinject func(s *Service)
	Logger     zerolog.Logger
}

type subscription struct {
	event string
	id    transport.ListenerID
}

// Service is the loader: one router, one plugin manager, one update
// coordinator. It is constructed explicitly and replaced wholesale by Reinit.
type Service struct {
	opts   Options
	cfg    *config.Config
	logger zerolog.Logger

	router   *transport.Router
	manager  *plugin.Manager
	updater  *updater.Coordinator
	notifier *notify.Center
	settings settings.Store
	dev      *plugin.DevWatcher
	source   plugin.BundleSource

	ownedSettings *settings.SQLiteStore
	subs          []subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	booted chan struct{}

	mu      sync.Mutex
	started bool
	closed  bool
}

// New builds the loader and its collaborators. Nothing touches the network
// until Start.
func New(opts Options) (*Service, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	if opts.Host == nil {
		return nil, errors.New("host adapter is required")
	}
	if opts.Native == nil {
		opts.Native = plugin.NewNativeRuntime()
	}
	cfg := opts.Config

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		opts:   opts,
		cfg:    cfg,
		logger: opts.Logger.With().Str("component", "loader").Logger(),
		ctx:    ctx,
		cancel: cancel,
		booted: make(chan struct{}),
	}

	if err := s.build(); err != nil {
		cancel()
		s.closeOwned()
		return nil, err
	}
	return s, nil
}

func (s *Service) build() error {
	cfg := s.cfg
	observability.EnsureRegistered()

	router, err := transport.NewRouter(transport.Options{
		BaseURL:                   cfg.Backend.URL,
		TokenPath:                 cfg.Backend.TokenPath,
		ReconnectDelay:            cfg.Backend.ReconnectDelay(),
		RejectPendingOnDisconnect: cfg.Backend.RejectPendingOnDisconnect,
		Logger:                    s.opts.Logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create router: %w", err)
	}
	s.router = router

	s.settings = s.opts.Settings
	if s.settings == nil {
		switch cfg.Settings.Store {
		case "remote":
			s.settings = settings.NewRemoteStore(router)
		default:
			store, err := settings.OpenSQLite(cfg.Settings.DBPath, s.opts.Logger)
			if err != nil {
				return fmt.Errorf("failed to open settings: %w", err)
			}
			s.ownedSettings = store
			s.settings = store
		}
	}

	if cfg.Plugins.DevDir != "" {
		s.source = plugin.NewDirSource(cfg.Plugins.DevDir, s.opts.Logger)
	} else {
		src, err := plugin.NewHTTPSource(plugin.HTTPSourceOptions{
			BaseURL: router.BaseURL(),
			Path:    cfg.Plugins.BundlePath,
			Token:   router.Token,
			Logger:  s.opts.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create bundle source: %w", err)
		}
		s.source = src
	}

	s.notifier = notify.New(s.opts.Host, s.opts.Logger)

	manager, err := plugin.NewManager(plugin.ManagerOptions{
		Caller: router,
		Source: s.source,
		Runtimes: map[string]plugin.Instantiator{
			plugin.RuntimeLua:    plugin.NewLuaRuntime(30*time.Second, s.opts.Logger),
			plugin.RuntimeNative: s.opts.Native,
		},
		Host:      s.opts.Host,
		Notifier:  s.notifier,
		Settings:  s.settings,
		Logger:    s.opts.Logger,
		WarnAfter: 2 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create plugin manager: %w", err)
	}
	s.manager = manager

	if cfg.Updates.Enabled {
		catalog := s.opts.Catalog
		if catalog == nil && cfg.Updates.CatalogURL != "" {
			catalog = updater.NewHTTPCatalog(cfg.Updates.CatalogURL, nil, s.opts.Logger)
		}
		coord, err := updater.New(updater.Options{
			Caller:      router,
			Notifier:    s.notifier,
			Settings:    s.settings,
			Catalog:     catalog,
			Installed:   manager.Installed,
			Schedule:    cfg.Updates.Schedule,
			SettleDelay: cfg.Updates.SettleDelay(),
			Logger:      s.opts.Logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create updater: %w", err)
		}
		s.updater = coord
	}

	if cfg.Plugins.DevDir != "" && cfg.Plugins.DevWatch {
		dev, err := plugin.NewDevWatcher(cfg.Plugins.DevDir, cfg.Plugins.Debounce(), s.reimport, s.opts.Logger)
		if err != nil {
			return fmt.Errorf("failed to create dev watcher: %w", err)
		}
		s.dev = dev
	}
	return nil
}

// Start subscribes to backend events, opens the channel and, once the host
// is ready, imports every installed plugin and starts update checks. A
// failed first connect is retried in the background.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return errors.New("loader is closed")
	}
	if s.started {
		s.mu.Unlock()
		return errors.New("loader already started")
	}
	s.started = true
	s.mu.Unlock()

	s.subscribe(EventImportPlugin, s.onImportPlugin)
	s.subscribe(EventUnloadPlugin, s.onUnloadPlugin)
	s.subscribe(EventPluginEvent, s.manager.Events().HandleFrame)
	s.subscribe(EventReinject, s.onReinject)

	if err := s.router.Connect(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("Backend not reachable yet, retrying in background")
	}

	if s.dev != nil {
		if err := s.dev.Start(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to start dev watcher")
		}
	}

	s.wg.Add(1)
	go s.boot()

	s.logger.Info().
		Str("backend", s.cfg.Backend.URL).
		Bool("dev", s.cfg.Plugins.DevDir != "").
		Msg("Loader started")
	return nil
}

func (s *Service) boot() {
	defer s.wg.Done()
	defer close(s.booted)

	select {
	case <-s.opts.Host.Ready():
	case <-s.ctx.Done():
		return
	}
	select {
	case <-s.router.Ready():
	case <-s.ctx.Done():
		return
	}

	if err := s.loadAll(s.ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("Failed to import installed plugins")
	}

	if s.updater != nil && s.ctx.Err() == nil {
		if err := s.updater.Start(); err != nil {
			s.logger.Error().Err(err).Msg("Failed to start update checks")
		}
	}
}

// loadAll imports from the backend list, or from the dev directory when one
// is configured.
func (s *Service) loadAll(ctx context.Context) error {
	dir, ok := s.source.(*plugin.DirSource)
	if !ok {
		_, err := s.manager.LoadAll(ctx)
		return err
	}

	names, err := dir.List()
	if err != nil {
		return fmt.Errorf("failed to list dev plugins: %w", err)
	}
	for _, name := range names {
		if _, err := s.manager.ImportPlugin(ctx, plugin.ImportRequest{Name: name, LoadType: plugin.LoadTypeModule}, true); err != nil {
			return err
		}
	}
	return nil
}

// Booted is closed once the startup import pass has finished or was
// abandoned by Close.
func (s *Service) Booted() <-chan struct{} { return s.booted }

func (s *Service) subscribe(event string, fn transport.Listener) {
	id := s.router.AddEventListener(event, fn)
	s.subs = append(s.subs, subscription{event: event, id: id})
}

func (s *Service) onImportPlugin(args json.RawMessage) error {
	req, err := decodeImport(args)
	if err != nil {
		return err
	}

	res, err := s.manager.ImportPlugin(s.ctx, req, true)
	if err != nil {
		return fmt.Errorf("failed to import %s: %w", req.Name, err)
	}
	if res.Descriptor != nil && res.Descriptor.State == plugin.StateErrored {
		s.logger.Warn().Str("plugin", req.Name).Msg("Import finished with errors")
	}
	return nil
}

func decodeImport(args json.RawMessage) (plugin.ImportRequest, error) {
	var raw []*string
	if err := json.Unmarshal(args, &raw); err != nil || len(raw) == 0 || raw[0] == nil || *raw[0] == "" {
		return plugin.ImportRequest{}, fmt.Errorf("malformed import request: %s", string(args))
	}

	req := plugin.ImportRequest{Name: *raw[0]}
	if len(raw) > 1 && raw[1] != nil {
		req.Version = *raw[1]
	}
	if len(raw) > 2 && raw[2] != nil {
		lt, err := plugin.ParseLoadType(*raw[2])
		if err != nil {
			return plugin.ImportRequest{}, err
		}
		req.LoadType = lt
	}
	return req, nil
}

func (s *Service) onUnloadPlugin(args json.RawMessage) error {
	var raw []string
	if err := json.Unmarshal(args, &raw); err != nil || len(raw) == 0 || raw[0] == "" {
		return fmt.Errorf("malformed unload request: %s", string(args))
	}

	err := s.manager.UnloadPlugin(s.ctx, raw[0], false)
	if errors.Is(err, plugin.ErrNotLoaded) {
		s.logger.Debug().Str("plugin", raw[0]).Msg("Unload requested for plugin that is not loaded")
		return nil
	}
	return err
}

func (s *Service) onReinject(json.RawMessage) error {
	s.logger.Info().Msg("Frontend re-injected")
	if s.opts.OnReinject != nil {
		// Runs off the event goroutine: replacing the loader closes this router.
		go s.opts.OnReinject(s)
		return nil
	}

	if err := s.manager.DismountAll(s.ctx); err != nil {
		return err
	}
	return s.loadAll(s.ctx)
}

// reimport reloads a dev plugin after its sources changed, keeping its load
// type.
func (s *Service) reimport(name string) {
	req := plugin.ImportRequest{Name: name, LoadType: plugin.LoadTypeModule}
	if d, ok := s.manager.Get(name); ok {
		req.LoadType = d.LoadType
	}
	if _, err := s.manager.ImportPlugin(s.ctx, req, true); err != nil {
		s.logger.Warn().Err(err).Str("plugin", name).Msg("Dev reload failed")
	}
}

// Close dismounts every plugin and releases the channel. Safe to call twice.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if !s.started {
		close(s.booted)
	}
	s.mu.Unlock()

	var errs []error

	for _, sub := range s.subs {
		s.router.RemoveEventListener(sub.event, sub.id)
	}
	s.subs = nil

	s.cancel()
	s.wg.Wait()

	if s.dev != nil {
		if err := s.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("dev watcher: %w", err))
		}
	}
	if s.updater != nil {
		s.updater.Stop()
	}

	dismountCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.manager.DismountAll(dismountCtx); err != nil {
		errs = append(errs, fmt.Errorf("dismount: %w", err))
	}
	cancel()

	if err := s.manager.Close(); err != nil {
		errs = append(errs, fmt.Errorf("plugin manager: %w", err))
	}
	if err := s.router.Close(); err != nil {
		errs = append(errs, fmt.Errorf("router: %w", err))
	}
	s.closeOwned()

	s.logger.Info().Msg("Loader closed")
	return errors.Join(errs...)
}

func (s *Service) closeOwned() {
	if s.ownedSettings != nil {
		if err := s.ownedSettings.Close(); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to close settings store")
		}
		s.ownedSettings = nil
	}
}

// Reinit tears this instance down and starts a fresh one with the same
// options. The old instance must not be used afterwards.
func (s *Service) Reinit(ctx context.Context) (*Service, error) {
	s.logger.Info().Msg("Reinitializing loader")
	if err := s.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("Loader teardown reported errors")
	}

	next, err := New(s.opts)
	if err != nil {
		return nil, err
	}
	if err := next.Start(ctx); err != nil {
		_ = next.Close()
		return nil, err
	}
	return next, nil
}

// Manager returns the plugin manager.
func (s *Service) Manager() *plugin.Manager { return s.manager }

// Router returns the backend channel.
func (s *Service) Router() *transport.Router { return s.router }

// Updater returns the update coordinator, nil when updates are disabled.
func (s *Service) Updater() *updater.Coordinator { return s.updater }

// Notifications returns the notification center.
func (s *Service) Notifications() *notify.Center { return s.notifier }

// Settings returns the settings store in use.
func (s *Service) Settings() settings.Store { return s.settings }

// Status summarizes the loader for status output.
type Status struct {
	Connection      transport.State    `json:"connection"`
	PendingCalls    int                `json:"pending_calls"`
	Plugins         []PluginStatus     `json:"plugins"`
	Backlog         int                `json:"backlog"`
	Reloads         plugin.ReloadStats `json:"reloads"`
	UpdateAvailable bool               `json:"update_available"`
	PluginUpdates   map[string]string  `json:"plugin_updates,omitempty"`
}

// PluginStatus is one row of Status.Plugins.
type PluginStatus struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	State    string `json:"state"`
	LoadType string `json:"load_type"`
	Error    string `json:"error,omitempty"`
}

// Status reports the current connection, plugin and update state.
func (s *Service) Status(ctx context.Context) Status {
	st := Status{
		Connection:   s.router.State(),
		PendingCalls: s.router.Pending(),
		Backlog:      s.manager.Queue().Len(),
		Reloads:      s.manager.ReloadStats(),
	}
	for _, d := range s.manager.Visible(ctx) {
		ps := PluginStatus{
			Name:     d.Name,
			Version:  d.Version,
			State:    string(d.State),
			LoadType: string(d.LoadType),
		}
		if d.Err != nil {
			ps.Error = d.Err.Error()
		}
		st.Plugins = append(st.Plugins, ps)
	}
	if s.updater != nil {
		st.UpdateAvailable = s.updater.UpdateAvailable()
		if updates := s.updater.PluginUpdates(); len(updates) > 0 {
			st.PluginUpdates = make(map[string]string, len(updates))
			for name, v := range updates {
				st.PluginUpdates[name] = v.Name
			}
		}
	}
	return st
}
