package updater

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/harun/plughost/pkg/host"
	"github.com/harun/plughost/pkg/notify"
	"github.com/harun/plughost/pkg/settings"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCaller struct {
	mu    sync.Mutex
	info  map[string]any
	err   error
	calls int
}

func (f *fakeCaller) setTag(current, tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.info = map[string]any{"current": current, "remote": map[string]any{"tag_name": tag}}
}

func (f *fakeCaller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeCaller) Call(_ context.Context, route string, _ ...any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if route != VersionInfoRoute {
		return nil, errors.New("unexpected route " + route)
	}
	if f.err != nil {
		return nil, f.err
	}
	return json.Marshal(f.info)
}

func (f *fakeCaller) CallInto(ctx context.Context, out any, route string, args ...any) error {
	raw, err := f.Call(ctx, route, args...)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

type staticCatalog struct {
	entries []CatalogEntry
	err     error
}

func (s *staticCatalog) Fetch(context.Context) ([]CatalogEntry, error) {
	return s.entries, s.err
}

type fixture struct {
	coord    *Coordinator
	caller   *fakeCaller
	toasts   *host.SlotTable
	notifier *notify.Center
	settings *settings.MemoryStore
}

func newFixture(t *testing.T, mutate ...func(*Options)) *fixture {
	t.Helper()
	f := &fixture{
		caller:   &fakeCaller{},
		toasts:   host.NewSlotTable(zerolog.Nop()),
		settings: settings.NewMemoryStore(),
	}
	f.caller.setTag("1.0.0", "1.0.0")
	f.notifier = notify.New(f.toasts, zerolog.Nop())

	opts := Options{
		Caller:      f.caller,
		Notifier:    f.notifier,
		Settings:    f.settings,
		SettleDelay: time.Hour,
		Logger:      zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&opts)
	}

	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Stop)
	f.coord = c
	return f
}

func activeKinds(c *notify.Center) []string {
	var kinds []string
	for _, a := range c.Active() {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)

	_, err = New(Options{Caller: &fakeCaller{}, Notifier: notify.New(host.NewSlotTable(zerolog.Nop()), zerolog.Nop()), Schedule: "every now and then"})
	assert.Error(t, err)
}

func TestCheckLoader(t *testing.T) {
	ctx := context.Background()

	t.Run("newer tag notifies once", func(t *testing.T) {
		f := newFixture(t)
		f.caller.setTag("1.1.9", "1.2.0")

		available, err := f.coord.CheckLoader(ctx)
		require.NoError(t, err)
		assert.True(t, available)
		assert.True(t, f.coord.UpdateAvailable())
		assert.Equal(t, "1.2.0", f.coord.VersionInfo().Remote.TagName)
		assert.Equal(t, []string{notify.KindLoaderUpdate}, activeKinds(f.notifier))

		_, err = f.coord.CheckLoader(ctx)
		require.NoError(t, err)
		assert.Len(t, f.notifier.Active(), 1)
		assert.Len(t, f.toasts.Toasts(), 1)
	})

	t.Run("equal versions", func(t *testing.T) {
		f := newFixture(t)
		f.caller.setTag("1.2.0", "1.2.0")

		available, err := f.coord.CheckLoader(ctx)
		require.NoError(t, err)
		assert.False(t, available)
		assert.Empty(t, f.notifier.Active())
	})

	t.Run("tags compare by inequality", func(t *testing.T) {
		f := newFixture(t)
		f.caller.setTag("1.3.0", "1.2.0")

		available, err := f.coord.CheckLoader(ctx)
		require.NoError(t, err)
		assert.True(t, available)
	})

	t.Run("preference disables the notification", func(t *testing.T) {
		f := newFixture(t)
		f.caller.setTag("1.0.0", "2.0.0")
		require.NoError(t, f.settings.Set(ctx, settings.KeyNotificationSettings, map[string]any{"loaderUpdates": false}))

		available, err := f.coord.CheckLoader(ctx)
		require.NoError(t, err)
		assert.True(t, available)
		assert.Empty(t, f.notifier.Active())
	})

	t.Run("update resolved dismisses the notification", func(t *testing.T) {
		f := newFixture(t)
		f.caller.setTag("1.0.0", "2.0.0")
		_, err := f.coord.CheckLoader(ctx)
		require.NoError(t, err)

		f.caller.setTag("2.0.0", "2.0.0")
		_, err = f.coord.CheckLoader(ctx)
		require.NoError(t, err)
		assert.Empty(t, f.notifier.Active())
		assert.Empty(t, f.toasts.Toasts())
	})

	t.Run("backend error", func(t *testing.T) {
		f := newFixture(t)
		f.caller.err = errors.New("channel down")
		_, err := f.coord.CheckLoader(ctx)
		assert.Error(t, err)
		assert.Nil(t, f.coord.VersionInfo())
	})
}

func TestCheckPlugins(t *testing.T) {
	ctx := context.Background()
	catalog := &staticCatalog{entries: []CatalogEntry{
		{Name: "weather", Versions: []VersionRecord{{Name: "1.2.0", Hash: "h"}}},
		{Name: "clock", Versions: []VersionRecord{{Name: "1.0.0"}}},
		{Name: "notes", Versions: []VersionRecord{{Name: "5.0.0"}}},
	}}
	installed := map[string]string{"weather": "1.1.9", "clock": "1.0.0", "notes": "1.0.0"}

	f := newFixture(t, func(o *Options) {
		o.Catalog = catalog
		o.Installed = func() map[string]string { return installed }
	})
	require.NoError(t, f.settings.Set(ctx, settings.KeyFrozenPlugins, []string{"notes"}))

	var published []map[string]VersionRecord
	unsubscribe := f.coord.Subscribe(func(m map[string]VersionRecord) {
		published = append(published, m)
	})

	updates, err := f.coord.CheckPlugins(ctx)
	require.NoError(t, err)
	want := map[string]VersionRecord{"weather": {Name: "1.2.0", Hash: "h"}}
	assert.Equal(t, want, updates)
	assert.Equal(t, want, f.coord.PluginUpdates())
	require.Len(t, published, 1)
	assert.Equal(t, want, published[0])
	assert.Equal(t, []string{notify.KindPluginUpdates}, activeKinds(f.notifier))

	t.Run("repeat check keeps one notification", func(t *testing.T) {
		_, err := f.coord.CheckPlugins(ctx)
		require.NoError(t, err)
		assert.Len(t, f.notifier.Active(), 1)
		assert.Len(t, f.toasts.Toasts(), 1)
	})

	t.Run("no updates clears the notification", func(t *testing.T) {
		installed["weather"] = "1.2.0"
		updates, err := f.coord.CheckPlugins(ctx)
		require.NoError(t, err)
		assert.Empty(t, updates)
		assert.Empty(t, f.notifier.Active())
	})

	t.Run("unsubscribe", func(t *testing.T) {
		unsubscribe()
		n := len(published)
		_, err := f.coord.CheckPlugins(ctx)
		require.NoError(t, err)
		assert.Len(t, published, n)
	})

	t.Run("catalog error", func(t *testing.T) {
		catalog.err = errors.New("store offline")
		_, err := f.coord.CheckPlugins(ctx)
		assert.Error(t, err)
		catalog.err = nil
	})
}

func TestStartRunsStartupAndSettleChecks(t *testing.T) {
	f := newFixture(t, func(o *Options) {
		o.SettleDelay = 50 * time.Millisecond
		o.Catalog = &staticCatalog{}
	})
	f.caller.setTag("1.0.0", "1.1.0")

	require.NoError(t, f.coord.Start())
	assert.Error(t, f.coord.Start())

	require.Eventually(t, func() bool { return f.caller.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
	assert.True(t, f.coord.UpdateAvailable())
	assert.Len(t, f.notifier.Active(), 1)

	f.coord.Stop()
	n := f.caller.count()
	time.Sleep(80 * time.Millisecond)
	assert.Equal(t, n, f.caller.count())
}

func TestStopBeforeSettleDelay(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.coord.Start())
	require.Eventually(t, func() bool { return f.caller.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	done := make(chan struct{})
	go func() {
		f.coord.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on the settle delay")
	}
	assert.Equal(t, 1, f.caller.count())
}
