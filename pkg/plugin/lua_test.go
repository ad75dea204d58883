package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func luaBundle(name, code string) *Bundle {
	return &Bundle{
		Manifest: &Manifest{Name: name, Version: "1.0.0", Runtime: RuntimeLua, Entry: "main.lua", APIVersion: 2},
		Code:     []byte(code),
	}
}

func instantiateLua(t *testing.T, caller *fakeCaller, bundle *Bundle, loadType LoadType) (*Instance, *Capability, error) {
	t.Helper()
	rt := NewLuaRuntime(time.Second, zerolog.Nop())
	api := newCapability(bundle.Manifest.Name, bundle.Manifest.Version, bundle.Manifest.APIVersion, caller, zerolog.Nop())
	inst, err := rt.Instantiate(context.Background(), bundle, loadType, api)
	if inst != nil && inst.Cleanup != nil {
		t.Cleanup(inst.Cleanup)
	}
	return inst, api, err
}

func TestLuaRuntime_Legacy(t *testing.T) {
	caller := &fakeCaller{results: map[string]any{"weather/forecast": map[string]any{"temp": 21}}}
	bundle := luaBundle("weather", `
definePlugin(function(api)
  local r = api.call("forecast", "berlin")
  return {
    title = "Weather " .. api.name,
    content = { temp = r.temp, days = { "mon", "tue" } },
    icon = "sun",
    on_dismount = function() api.call("dismounted") end,
  }
end)
`)

	inst, _, err := instantiateLua(t, caller, bundle, LoadTypeLegacy)
	require.NoError(t, err)
	assert.Equal(t, "Weather weather", inst.Title)
	assert.Equal(t, map[string]any{"temp": float64(21), "days": []any{"mon", "tue"}}, inst.Content)
	assert.Equal(t, "sun", inst.Icon)
	assert.Equal(t, []string{"weather/forecast"}, caller.routes())

	inst.Cleanup()
	inst.Cleanup()
	assert.Equal(t, []string{"weather/forecast", "weather/dismounted"}, caller.routes())
}

func TestLuaRuntime_Module(t *testing.T) {
	caller := &fakeCaller{results: map[string]any{}}
	bundle := luaBundle("clock", `
local M = {}
function M.entry(api)
  api.add_event_listener("tick", function(n, label)
    api.call("seen", n, label)
  end)
  return { title = "Clock", content = api.api_version }
end
return M
`)

	inst, api, err := instantiateLua(t, caller, bundle, LoadTypeModule)
	require.NoError(t, err)
	assert.Equal(t, "Clock", inst.Title)
	assert.Equal(t, float64(2), inst.Content)

	errs := api.dispatch("tick", json.RawMessage(`[3,"x"]`))
	assert.Empty(t, errs)

	caller.mu.Lock()
	defer caller.mu.Unlock()
	require.Len(t, caller.calls, 1)
	assert.Equal(t, "clock/seen", caller.calls[0].Route)
	assert.Equal(t, []any{float64(3), "x"}, caller.calls[0].Args)
}

func TestLuaRuntime_ListenerAfterCleanupIsIgnored(t *testing.T) {
	caller := &fakeCaller{results: map[string]any{}}
	bundle := luaBundle("clock", `
definePlugin(function(api)
  api.add_event_listener("tick", function() api.call("seen") end)
  return {}
end)
`)

	inst, api, err := instantiateLua(t, caller, bundle, LoadTypeLegacy)
	require.NoError(t, err)
	inst.Cleanup()

	assert.Empty(t, api.dispatch("tick", json.RawMessage(`[]`)))
	assert.Empty(t, caller.routes())
}

func TestLuaRuntime_Sandbox(t *testing.T) {
	bundle := luaBundle("sneaky", `
definePlugin(function(api)
  return { title = tostring(os) .. tostring(io) .. tostring(loadstring) .. tostring(dofile) }
end)
`)

	inst, _, err := instantiateLua(t, &fakeCaller{}, bundle, LoadTypeLegacy)
	require.NoError(t, err)
	assert.Equal(t, "nilnilnilnil", inst.Title)
}

func TestLuaRuntime_Failures(t *testing.T) {
	tests := []struct {
		name     string
		code     string
		loadType LoadType
		msg      string
	}{
		{name: "syntax error", code: `definePlugin(`, loadType: LoadTypeLegacy},
		{name: "legacy without definePlugin", code: `local x = 1`, loadType: LoadTypeLegacy, msg: "definePlugin"},
		{name: "module returns non-table", code: `return 42`, loadType: LoadTypeModule, msg: "want table"},
		{name: "module without entry", code: `return {}`, loadType: LoadTypeModule, msg: "entry"},
		{name: "entry raises", code: `definePlugin(function(api) error("boom") end)`, loadType: LoadTypeLegacy, msg: "boom"},
		{name: "blocked library", code: `definePlugin(function(api) os.exit(1) end)`, loadType: LoadTypeLegacy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := instantiateLua(t, &fakeCaller{}, luaBundle("bad", tt.code), tt.loadType)
			require.Error(t, err)
			if tt.msg != "" {
				assert.Contains(t, err.Error(), tt.msg)
			}
		})
	}
}

func TestLuaRuntime_CallErrorRaises(t *testing.T) {
	caller := &fakeCaller{err: errors.New("backend unavailable")}
	bundle := luaBundle("weather", `
definePlugin(function(api)
  local ok, err = pcall(api.call, "forecast")
  return { title = tostring(ok), content = err }
end)
`)

	inst, _, err := instantiateLua(t, caller, bundle, LoadTypeLegacy)
	require.NoError(t, err)
	assert.Equal(t, "false", inst.Title)
	assert.Contains(t, inst.Content, "backend unavailable")
}
