package updater

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/harun/plughost/internal/observability"
	"github.com/harun/plughost/pkg/notify"
	"github.com/harun/plughost/pkg/settings"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// VersionInfoRoute reports the running loader version and the latest release.
const VersionInfoRoute = "updater/get_version_info"

const (
	loaderUpdatesSetting = settings.KeyNotificationSettings + ".loaderUpdates"
	pluginUpdatesSetting = settings.KeyNotificationSettings + ".pluginUpdates"
)

// Caller performs backend calls.
type Caller interface {
	CallInto(ctx context.Context, out any, route string, args ...any) error
}

// VersionInfo is the reply of VersionInfoRoute.
type VersionInfo struct {
	Current string `json:"current"`
	Remote  struct {
		TagName string `json:"tag_name"`
		Name    string `json:"name,omitempty"`
		URL     string `json:"html_url,omitempty"`
	} `json:"remote"`
}

// Options wires a Coordinator.
type Options struct {
	Caller   Caller
	Notifier *notify.Center
	Settings settings.Store
	// Catalog is optional; without it only the loader is checked.
	Catalog Catalog
	// Installed returns installed plugin name -> version.
	Installed func() map[string]string
	// Schedule is a cron spec for catalog checks, "@every 6h" by default.
	Schedule string
	// SettleDelay is the wait before the second loader check.
	SettleDelay time.Duration
	Logger      zerolog.Logger
}

// Coordinator checks for loader and plugin updates.
type Coordinator struct {
	opts   Options
	logger zerolog.Logger
	cron   *cron.Cron

	mu              sync.RWMutex
	versionInfo     *VersionInfo
	updateAvailable bool
	notifiedTag     string
	pluginUpdates   map[string]VersionRecord
	subscribers     map[int]func(map[string]VersionRecord)
	nextSub         int

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a coordinator. The schedule is validated here.
func New(opts Options) (*Coordinator, error) {
	if opts.Caller == nil {
		return nil, errors.New("caller is required")
	}
	if opts.Notifier == nil {
		return nil, errors.New("notifier is required")
	}
	if opts.Settings == nil {
		opts.Settings = settings.NewMemoryStore()
	}
	if opts.Installed == nil {
		opts.Installed = func() map[string]string { return nil }
	}
	if opts.Schedule == "" {
		opts.Schedule = "@every 6h"
	}
	if _, err := cron.ParseStandard(opts.Schedule); err != nil {
		return nil, fmt.Errorf("invalid update schedule %q: %w", opts.Schedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		opts:          opts,
		logger:        opts.Logger.With().Str("component", "updater").Logger(),
		cron:          cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		pluginUpdates: map[string]VersionRecord{},
		subscribers:   map[int]func(map[string]VersionRecord){},
		ctx:           ctx,
		cancel:        cancel,
	}, nil
}

// Start runs the startup checks in the background, arms the settle-delay
// loader check and starts the catalog schedule.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("updater already started")
	}
	c.started = true
	c.mu.Unlock()

	if c.opts.Catalog != nil {
		if _, err := c.cron.AddFunc(c.opts.Schedule, func() {
			c.runPluginCheck()
		}); err != nil {
			return fmt.Errorf("failed to schedule catalog check: %w", err)
		}
		c.cron.Start()
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.runLoaderCheck()
		if c.opts.Catalog != nil {
			c.runPluginCheck()
		}

		settle := time.NewTimer(c.opts.SettleDelay)
		defer settle.Stop()
		select {
		case <-settle.C:
			c.runLoaderCheck()
		case <-c.ctx.Done():
		}
	}()

	c.logger.Info().
		Str("schedule", c.opts.Schedule).
		Dur("settleDelay", c.opts.SettleDelay).
		Bool("catalog", c.opts.Catalog != nil).
		Msg("Update checks started")
	return nil
}

// Stop cancels in-flight checks and the schedule.
func (c *Coordinator) Stop() {
	c.cancel()
	<-c.cron.Stop().Done()
	c.wg.Wait()
}

func (c *Coordinator) runLoaderCheck() {
	if c.ctx.Err() != nil {
		return
	}
	if _, err := c.CheckLoader(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("Loader update check failed")
	}
}

func (c *Coordinator) runPluginCheck() {
	if c.ctx.Err() != nil {
		return
	}
	if _, err := c.CheckPlugins(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn().Err(err).Msg("Plugin update check failed")
	}
}

// CheckLoader asks the backend for version info and reports whether the
// latest release tag differs from the running version.
func (c *Coordinator) CheckLoader(ctx context.Context) (bool, error) {
	var info VersionInfo
	if err := c.opts.Caller.CallInto(ctx, &info, VersionInfoRoute); err != nil {
		return false, fmt.Errorf("failed to get version info: %w", err)
	}

	tag := info.Remote.TagName
	available := tag != "" && tag != info.Current

	c.mu.Lock()
	c.versionInfo = &info
	c.updateAvailable = available
	alreadyNotified := available && c.notifiedTag == tag
	c.mu.Unlock()

	if available {
		observability.SetUpdatesAvailable("loader", 1)
	} else {
		observability.SetUpdatesAvailable("loader", 0)
	}

	if !available {
		c.opts.Notifier.Dismiss(notify.KindLoaderUpdate)
		c.logger.Debug().Str("current", info.Current).Msg("Loader is up to date")
		return false, nil
	}

	c.logger.Info().Str("current", info.Current).Str("latest", tag).Msg("Loader update available")

	enabled, err := settings.GetBool(ctx, c.opts.Settings, loaderUpdatesSetting, true)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read loader update preference")
	}
	if !enabled || alreadyNotified {
		return true, nil
	}

	c.opts.Notifier.Show(notify.KindLoaderUpdate, notify.Notification{
		Title: "Loader update available",
		Body:  fmt.Sprintf("Version %s is available (running %s).", tag, info.Current),
		Level: "info",
	})
	c.mu.Lock()
	c.notifiedTag = tag
	c.mu.Unlock()
	return true, nil
}

// CheckPlugins compares the catalog against the installed plugins, skipping
// frozen ones, and publishes the result.
func (c *Coordinator) CheckPlugins(ctx context.Context) (map[string]VersionRecord, error) {
	if c.opts.Catalog == nil {
		return map[string]VersionRecord{}, nil
	}

	catalog, err := c.opts.Catalog.Fetch(ctx)
	if err != nil {
		return nil, err
	}

	frozen, err := settings.GetStrings(ctx, c.opts.Settings, settings.KeyFrozenPlugins)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read frozen plugins")
	}

	updates := Diff(catalog, c.opts.Installed(), frozen)
	c.publish(updates)
	observability.SetUpdatesAvailable("plugins", len(updates))

	if len(updates) == 0 {
		c.opts.Notifier.Dismiss(notify.KindPluginUpdates)
		c.logger.Debug().Msg("Plugins are up to date")
		return updates, nil
	}

	c.logger.Info().Int("updates", len(updates)).Msg("Plugin updates available")

	enabled, err := settings.GetBool(ctx, c.opts.Settings, pluginUpdatesSetting, true)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Failed to read plugin update preference")
	}
	if enabled {
		c.opts.Notifier.Show(notify.KindPluginUpdates, notify.Notification{
			Title: "Plugin updates available",
			Body:  fmt.Sprintf("%d plugin(s) can be updated.", len(updates)),
			Level: "info",
		})
	}
	return updates, nil
}

func (c *Coordinator) publish(updates map[string]VersionRecord) {
	c.mu.Lock()
	c.pluginUpdates = updates
	subs := make([]func(map[string]VersionRecord), 0, len(c.subscribers))
	for _, fn := range c.subscribers {
		subs = append(subs, fn)
	}
	c.mu.Unlock()

	for _, fn := range subs {
		fn(maps.Clone(updates))
	}
}

// Subscribe registers fn for every published plugin update map. The returned
// func unsubscribes.
func (c *Coordinator) Subscribe(fn func(map[string]VersionRecord)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSub
	c.nextSub++
	c.subscribers[id] = fn
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.subscribers, id)
	}
}

// UpdateAvailable reports the result of the last loader check.
func (c *Coordinator) UpdateAvailable() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updateAvailable
}

// VersionInfo returns the last loader check reply, nil before the first one.
func (c *Coordinator) VersionInfo() *VersionInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.versionInfo == nil {
		return nil
	}
	info := *c.versionInfo
	return &info
}

// PluginUpdates returns the last published update map.
func (c *Coordinator) PluginUpdates() map[string]VersionRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return maps.Clone(c.pluginUpdates)
}
