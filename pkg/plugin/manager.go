package plugin

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/internal/tracing"
	"github.com/harun/plughost/pkg/commandqueue"
	"github.com/harun/plughost/pkg/host"
	"github.com/harun/plughost/pkg/notify"
	"github.com/harun/plughost/pkg/settings"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// GetPluginsRoute lists the installed plugins.
const GetPluginsRoute = "loader/get_plugins"

// ManagerOptions wires a Manager to its collaborators.
type ManagerOptions struct {
	Caller   Caller
	Source   BundleSource
	Runtimes map[string]Instantiator
	Host     host.Adapter
	Notifier *notify.Center
	// Settings supplies pluginOrder and hiddenPlugins. Optional.
	Settings settings.Store
	Logger   zerolog.Logger
	// WarnAfter logs backlog entries that waited longer than this.
	WarnAfter time.Duration
}

// Manager loads, unloads and reloads plugins. Every load and unload runs
// under one global reload lock; imports arriving while it is held wait in a
// FIFO backlog.
type Manager struct {
	opts     ManagerOptions
	logger   zerolog.Logger
	registry *Registry
	events   *EventDispatcher
	queue    *commandqueue.Queue[ImportRequest]

	statsMu sync.Mutex
	stats   ReloadStats
}

// ReloadStats counts work that went through the reload lock.
type ReloadStats struct {
	Queued    int `json:"queued"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// NewManager creates a manager with an empty registry.
func NewManager(opts ManagerOptions) (*Manager, error) {
	switch {
	case opts.Caller == nil:
		return nil, errors.New("caller is required")
	case opts.Source == nil:
		return nil, errors.New("bundle source is required")
	case opts.Host == nil:
		return nil, errors.New("host adapter is required")
	case opts.Notifier == nil:
		return nil, errors.New("notifier is required")
	case len(opts.Runtimes) == 0:
		return nil, errors.New("at least one runtime is required")
	}
	if opts.Settings == nil {
		opts.Settings = settings.NewMemoryStore()
	}

	m := &Manager{
		opts:     opts,
		logger:   opts.Logger.With().Str("component", "plugin-manager").Logger(),
		registry: NewRegistry(),
		events:   NewEventDispatcher(opts.Logger),
	}
	m.queue = commandqueue.New[ImportRequest]("plugin-reload", m.runQueued, commandqueue.Options{WarnAfter: opts.WarnAfter})
	m.queue.On("enqueued", m.onQueueEvent)
	m.queue.On("completed", m.onQueueEvent)
	return m, nil
}

func (m *Manager) onQueueEvent(e commandqueue.Event) {
	m.statsMu.Lock()
	switch e.Type {
	case "enqueued":
		m.stats.Queued++
	case "completed":
		m.stats.Completed++
		if ok, _ := e.Data["success"].(bool); !ok {
			m.stats.Failed++
		}
	}
	m.statsMu.Unlock()

	if e.Type == "enqueued" {
		observability.RecordPluginAudit(context.Background(), "import_queued", "", "pending",
			map[string]any{"task_id": e.TaskID, "backlog": e.Data["queueSize"]})
	}
}

// ReloadStats returns the counters of the reload lock.
func (m *Manager) ReloadStats() ReloadStats {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.stats
}

func (m *Manager) runQueued(ctx context.Context, req ImportRequest) error {
	m.load(ctx, req)
	return nil
}

// ImportPlugin (re)loads a plugin. With useQueue set and the reload lock held
// by another import, the request joins the backlog and Queued is returned
// immediately. Without useQueue the call waits for the lock. Load failures
// never surface here: they publish an errored descriptor instead.
func (m *Manager) ImportPlugin(ctx context.Context, req ImportRequest, useQueue bool) (ImportResult, error) {
	if req.Name == "" {
		return ImportResult{}, errors.New("plugin name cannot be empty")
	}
	if req.LoadType == "" {
		req.LoadType = LoadTypeLegacy
	}

	var d *Descriptor
	task := func(ctx context.Context) error {
		d = m.load(ctx, req)
		return nil
	}

	if useQueue {
		queued, err := m.queue.TryRun(ctx, req, task)
		if err != nil {
			return ImportResult{}, err
		}
		if queued {
			m.logger.Info().Str("plugin", req.Name).Str("version", req.Version).Msg("Reload in progress, import queued")
			observability.RecordPluginLoad("queued", 0)
			return ImportResult{Queued: true}, nil
		}
		return ImportResult{Descriptor: d}, nil
	}

	if err := m.queue.Run(ctx, task); err != nil {
		return ImportResult{}, err
	}
	return ImportResult{Descriptor: d}, nil
}

// load must run under the reload lock.
func (m *Manager) load(ctx context.Context, req ImportRequest) *Descriptor {
	ctx = tracing.NewOperationContext(ctx, req.Name)
	ctx, span := tracing.StartSpan(ctx, "plughost.plugin", "plugin.import",
		attribute.String("plugin", req.Name),
		attribute.String("version", req.Version),
		attribute.String("load_type", string(req.LoadType)),
	)
	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	m.unloadLocked(ctx, req.Name, true)

	d, err := m.instantiate(ctx, req)
	duration := time.Since(start)
	if err != nil {
		d = m.errored(req, err)
		logger.Error().Err(err).Dur("duration", duration).Msg("Plugin failed to load")
		observability.RecordPluginLoad("errored", duration)
		observability.RecordPluginAudit(ctx, "import", req.Name, "error", map[string]any{
			"version": req.Version,
			"error":   err.Error(),
		})
	} else {
		m.opts.Notifier.Dismiss(notify.PluginErrorKind(req.Name))
		logger.Info().
			Str("version", d.Version).
			Int("apiVersion", d.APIVersion).
			Dur("duration", duration).
			Msg("Plugin loaded")
		observability.RecordPluginLoad("loaded", duration)
		observability.RecordPluginAudit(ctx, "import", req.Name, "success", map[string]any{
			"version":   d.Version,
			"load_type": string(d.LoadType),
		})
	}

	m.registry.Put(d)
	m.registry.Publish()
	tracing.EndSpan(span, err)
	return d
}

func (m *Manager) instantiate(ctx context.Context, req ImportRequest) (*Descriptor, error) {
	bundle, err := m.opts.Source.Fetch(ctx, req.Name, req.Version, req.LoadType)
	if err != nil {
		return nil, &InstantiationError{Plugin: req.Name, Stage: "fetch", Err: err}
	}

	rt, ok := m.opts.Runtimes[bundle.Manifest.Runtime]
	if !ok {
		return nil, &InstantiationError{
			Plugin: req.Name,
			Stage:  "runtime",
			Err:    fmt.Errorf("unsupported runtime %q", bundle.Manifest.Runtime),
		}
	}

	version := req.Version
	if version == "" {
		version = bundle.Manifest.Version
	}

	capability := newCapability(req.Name, version, bundle.Manifest.APIVersion, m.opts.Caller, m.opts.Logger)
	m.events.register(capability)
	detach := func() {
		m.events.unregister(req.Name)
		capability.close()
	}

	inst, err := safeInstantiate(ctx, rt, bundle, req.LoadType, capability)
	if err != nil {
		detach()
		return nil, &InstantiationError{Plugin: req.Name, Stage: "instantiate", Err: err}
	}

	title := inst.Title
	if title == "" {
		title = req.Name
	}
	slot, err := m.opts.Host.RegisterSlot(host.SlotDescriptor{
		Plugin:  req.Name,
		Title:   title,
		Content: inst.Content,
		Icon:    inst.Icon,
	})
	if err != nil {
		m.runCleanupFunc(req.Name, inst.Cleanup)
		detach()
		return nil, &InstantiationError{Plugin: req.Name, Stage: "mount", Err: err}
	}

	return &Descriptor{
		Name:       req.Name,
		Version:    version,
		LoadType:   req.LoadType,
		State:      StateLoaded,
		Content:    inst.Content,
		Icon:       inst.Icon,
		APIVersion: capability.APIVersion(),
		LoadedAt:   time.Now(),
		Cleanup:    inst.Cleanup,
		slot:       slot,
	}, nil
}

func safeInstantiate(ctx context.Context, rt Instantiator, bundle *Bundle, loadType LoadType, api *Capability) (inst *Instance, err error) {
	defer func() {
		if r := recover(); r != nil {
			inst = nil
			err = fmt.Errorf("entry point panicked: %v", r)
		}
	}()
	inst, err = rt.Instantiate(ctx, bundle, loadType, api)
	if err == nil && inst == nil {
		inst = &Instance{}
	}
	return inst, err
}

// errored builds the placeholder descriptor for a failed import and raises the
// plugin's error notification.
func (m *Manager) errored(req ImportRequest, err error) *Descriptor {
	content := ErrorContent{Plugin: req.Name, Message: err.Error()}
	d := &Descriptor{
		Name:     req.Name,
		Version:  req.Version,
		LoadType: req.LoadType,
		State:    StateErrored,
		Content:  content,
		Err:      err,
		LoadedAt: time.Now(),
	}

	slot, serr := m.opts.Host.RegisterSlot(host.SlotDescriptor{
		Plugin:  req.Name,
		Title:   req.Name,
		Content: content,
		Errored: true,
	})
	if serr != nil {
		m.logger.Warn().Err(serr).Str("plugin", req.Name).Msg("Failed to mount error placeholder")
	} else {
		d.slot = slot
	}

	m.opts.Notifier.Show(notify.PluginErrorKind(req.Name), notify.Notification{
		Title: req.Name + " failed to load",
		Body:  err.Error(),
		Level: "error",
	})
	return d
}

// UnloadPlugin unloads a plugin under the reload lock.
func (m *Manager) UnloadPlugin(ctx context.Context, name string, skipPublish bool) error {
	var removed bool
	err := m.queue.Run(ctx, func(ctx context.Context) error {
		removed = m.unloadLocked(ctx, name, skipPublish)
		return nil
	})
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w: %s", ErrNotLoaded, name)
	}
	return nil
}

// unloadLocked must run under the reload lock. Unloading an absent plugin is
// a no-op.
func (m *Manager) unloadLocked(ctx context.Context, name string, skipPublish bool) bool {
	d, ok := m.registry.Get(name)
	if !ok {
		if c := m.events.unregister(name); c != nil {
			c.close()
		}
		return false
	}

	m.runCleanup(d)
	if d.slot != "" {
		if err := m.opts.Host.UnregisterSlot(d.slot); err != nil {
			m.logger.Warn().Err(err).Str("plugin", name).Msg("Failed to unregister slot")
		}
	}
	if c := m.events.unregister(name); c != nil {
		c.close()
	}
	m.registry.Remove(name)
	if !skipPublish {
		m.registry.Publish()
	}

	observability.RecordPluginUnload()
	observability.RecordPluginAudit(ctx, "unload", name, "success", map[string]any{
		"version": d.Version,
		"state":   string(d.State),
	})
	m.logger.Info().Str("plugin", name).Str("state", string(d.State)).Msg("Plugin unloaded")
	return true
}

// runCleanup runs d's cleanup at most once, containing panics.
func (m *Manager) runCleanup(d *Descriptor) {
	if d.Cleanup == nil {
		return
	}
	d.cleanupOnce.Do(func() {
		m.runCleanupFunc(d.Name, d.Cleanup)
	})
}

func (m *Manager) runCleanupFunc(name string, fn func()) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().Str("plugin", name).Interface("panic", r).Msg("Plugin cleanup panicked")
		}
	}()
	fn()
}

// DismountAll unloads every plugin. Used when the loader itself is replaced.
func (m *Manager) DismountAll(ctx context.Context) error {
	return m.queue.Run(ctx, func(ctx context.Context) error {
		snap := m.registry.Snapshot()
		for _, d := range snap {
			m.unloadLocked(ctx, d.Name, true)
		}
		m.registry.Publish()
		m.logger.Info().Int("plugins", len(snap)).Msg("All plugins dismounted")
		return nil
	})
}

type installedPlugin struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	LoadType string `json:"load_type"`
}

// LoadAll imports every plugin the backend reports as installed, through the
// queue. Returns how many imports were issued.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	var installed []installedPlugin
	if err := m.opts.Caller.CallInto(ctx, &installed, GetPluginsRoute); err != nil {
		return 0, fmt.Errorf("failed to list plugins: %w", err)
	}

	for i, p := range installed {
		lt, err := ParseLoadType(p.LoadType)
		if err != nil {
			m.logger.Warn().Err(err).Str("plugin", p.Name).Msg("Falling back to legacy load type")
			lt = LoadTypeLegacy
		}
		req := ImportRequest{Name: p.Name, Version: p.Version, LoadType: lt}
		if _, err := m.ImportPlugin(ctx, req, true); err != nil {
			return i, err
		}
	}

	m.logger.Info().Int("plugins", len(installed)).Msg("Installed plugins imported")
	return len(installed), nil
}

// Plugins returns the published descriptors in load order.
func (m *Manager) Plugins() []*Descriptor {
	return m.registry.Snapshot()
}

// Get returns the published descriptor for name.
func (m *Manager) Get(name string) (*Descriptor, bool) {
	for _, d := range m.registry.Snapshot() {
		if d.Name == name {
			return d, true
		}
	}
	return nil, false
}

// Installed maps loaded plugin names to their versions.
func (m *Manager) Installed() map[string]string {
	out := make(map[string]string)
	for _, d := range m.registry.Snapshot() {
		if d.State == StateLoaded {
			out[d.Name] = d.Version
		}
	}
	return out
}

// Visible returns the published descriptors ordered by the pluginOrder
// setting with hiddenPlugins filtered out.
func (m *Manager) Visible(ctx context.Context) []*Descriptor {
	order, err := settings.GetStrings(ctx, m.opts.Settings, settings.KeyPluginOrder)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read plugin order")
	}
	hidden, err := settings.GetStrings(ctx, m.opts.Settings, settings.KeyHiddenPlugins)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Failed to read hidden plugins")
	}
	return Arrange(m.registry.Snapshot(), order, hidden)
}

// Registry exposes the registry for subscriptions.
func (m *Manager) Registry() *Registry { return m.registry }

// Events is the dispatcher for loader/plugin_event.
func (m *Manager) Events() *EventDispatcher { return m.events }

// Queue exposes the reload lock for observers.
func (m *Manager) Queue() *commandqueue.Queue[ImportRequest] { return m.queue }

// WaitIdle waits until no import is running and the backlog is empty.
func (m *Manager) WaitIdle(ctx context.Context) error {
	return m.queue.WaitIdle(ctx)
}

// Close drops the backlog and waits for a running drain to finish.
func (m *Manager) Close() error {
	return m.queue.Close()
}
