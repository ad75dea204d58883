package plugin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/harun/plughost/pkg/transport"
	"github.com/rs/zerolog"
	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
)

const maxLuaDepth = 32

type luaLibrary struct {
	name string
	fn   lua.LGFunction
}

// Safe: base, table, string, math. Blocked: os, io, debug, package.
var luaLibraries = []luaLibrary{
	{lua.BaseLibName, lua.OpenBase},
	{lua.TabLibName, lua.OpenTable},
	{lua.StringLibName, lua.OpenString},
	{lua.MathLibName, lua.OpenMath},
}

// Base functions that reach the filesystem or compile arbitrary code.
var luaBlockedGlobals = []string{"dofile", "loadfile", "loadstring", "load"}

// LuaRuntime instantiates Lua bundles. Each plugin gets its own sandboxed
// state that lives until the plugin is unloaded.
//
// A legacy bundle registers itself:
//
//	definePlugin(function(api) return { title = "...", content = ... } end)
//
// A module bundle returns its module:
//
//	return { entry = function(api) return { ... } end }
type LuaRuntime struct {
	callTimeout time.Duration
	logger      zerolog.Logger
}

var _ Instantiator = (*LuaRuntime)(nil)

// NewLuaRuntime creates a Lua runtime. callTimeout bounds each api.call made
// from Lua.
func NewLuaRuntime(callTimeout time.Duration, logger zerolog.Logger) *LuaRuntime {
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &LuaRuntime{
		callTimeout: callTimeout,
		logger:      logger.With().Str("component", "lua-runtime").Logger(),
	}
}

func newSandboxState() (*lua.LState, error) {
	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	for _, lib := range luaLibraries {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.fn),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			L.Close()
			return nil, fmt.Errorf("failed to open library %s: %w", lib.name, err)
		}
	}
	for _, name := range luaBlockedGlobals {
		L.SetGlobal(name, lua.LNil)
	}
	return L, nil
}

// luaPlugin serializes every entry into one plugin's state.
type luaPlugin struct {
	mu         sync.Mutex
	L          *lua.LState
	api        *Capability
	logger     zerolog.Logger
	timeout    time.Duration
	onDismount *lua.LFunction
	closed     bool
}

func (r *LuaRuntime) Instantiate(ctx context.Context, bundle *Bundle, loadType LoadType, api *Capability) (*Instance, error) {
	name := bundle.Manifest.Name
	errb := oops.In("lua").With("plugin", name).With("load_type", string(loadType))

	L, err := newSandboxState()
	if err != nil {
		return nil, errb.With("operation", "state").Wrap(err)
	}

	p := &luaPlugin{
		L:       L,
		api:     api,
		logger:  r.logger.With().Str("plugin", name).Logger(),
		timeout: r.callTimeout,
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	L.SetContext(ctx)
	defer L.RemoveContext()

	L.SetGlobal("print", L.NewFunction(p.luaPrint))
	apiTable := p.apiTable()

	var entry lua.LValue
	switch loadType {
	case LoadTypeModule:
		entry, err = p.moduleEntry(bundle.Code)
	default:
		entry, err = p.legacyEntry(bundle.Code)
	}
	if err != nil {
		L.Close()
		return nil, errb.With("operation", "evaluate").Hint("bundle did not evaluate").Wrap(err)
	}

	if err := L.CallByParam(lua.P{Fn: entry, NRet: 1, Protect: true}, apiTable); err != nil {
		L.Close()
		return nil, errb.With("operation", "entry").Wrap(err)
	}
	ret := L.Get(-1)
	L.Pop(1)

	inst := &Instance{Cleanup: p.cleanup}
	if tbl, ok := ret.(*lua.LTable); ok {
		inst.Title = lua.LVAsString(tbl.RawGetString("title"))
		inst.Content = fromLua(tbl.RawGetString("content"), 0)
		inst.Icon = fromLua(tbl.RawGetString("icon"), 0)
		if fn, ok := tbl.RawGetString("on_dismount").(*lua.LFunction); ok {
			p.onDismount = fn
		}
	}
	return inst, nil
}

func (p *luaPlugin) legacyEntry(code []byte) (lua.LValue, error) {
	var defined lua.LValue = lua.LNil
	p.L.SetGlobal("definePlugin", p.L.NewFunction(func(L *lua.LState) int {
		defined = L.CheckFunction(1)
		return 0
	}))

	if err := p.L.DoString(string(code)); err != nil {
		return nil, err
	}
	if defined == lua.LNil {
		return nil, fmt.Errorf("bundle never called definePlugin")
	}
	return defined, nil
}

func (p *luaPlugin) moduleEntry(code []byte) (lua.LValue, error) {
	chunk, err := p.L.LoadString(string(code))
	if err != nil {
		return nil, err
	}
	if err := p.L.CallByParam(lua.P{Fn: chunk, NRet: 1, Protect: true}); err != nil {
		return nil, err
	}
	mod := p.L.Get(-1)
	p.L.Pop(1)

	tbl, ok := mod.(*lua.LTable)
	if !ok {
		return nil, fmt.Errorf("module bundle returned %s, want table", mod.Type())
	}
	entry, ok := tbl.RawGetString("entry").(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("module bundle has no entry function")
	}
	return entry, nil
}

func (p *luaPlugin) apiTable() *lua.LTable {
	L := p.L
	tbl := L.NewTable()
	L.SetField(tbl, "name", lua.LString(p.api.Name()))
	L.SetField(tbl, "version", lua.LString(p.api.Version()))
	L.SetField(tbl, "api_version", lua.LNumber(p.api.APIVersion()))
	L.SetFuncs(tbl, map[string]lua.LGFunction{
		"call":                  p.luaCall,
		"add_event_listener":    p.luaAddEventListener,
		"remove_event_listener": p.luaRemoveEventListener,
		"log":                   p.luaLog,
	})
	return tbl
}

// api.call(route, ...) returns the decoded result or raises the error.
func (p *luaPlugin) luaCall(L *lua.LState) int {
	route := L.CheckString(1)
	args := make([]any, 0, L.GetTop()-1)
	for i := 2; i <= L.GetTop(); i++ {
		args = append(args, fromLua(L.Get(i), 0))
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	result, err := p.api.Call(ctx, route, args...)
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}

	var v any
	if err := json.Unmarshal(result, &v); err != nil {
		L.RaiseError("failed to decode result of %s: %s", route, err.Error())
		return 0
	}
	L.Push(toLua(L, v))
	return 1
}

// api.add_event_listener(event, fn) returns a listener id.
func (p *luaPlugin) luaAddEventListener(L *lua.LState) int {
	event := L.CheckString(1)
	fn := L.CheckFunction(2)

	id, err := p.api.AddEventListener(event, func(args json.RawMessage) error {
		return p.invoke(fn, args)
	})
	if err != nil {
		L.RaiseError("%s", err.Error())
		return 0
	}
	L.Push(lua.LNumber(id))
	return 1
}

func (p *luaPlugin) luaRemoveEventListener(L *lua.LState) int {
	event := L.CheckString(1)
	id := L.CheckInt64(2)
	L.Push(lua.LBool(p.api.RemoveEventListener(event, transport.ListenerID(id))))
	return 1
}

func (p *luaPlugin) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	p.logger.Info().Msg(strings.Join(parts, " "))
	return 0
}

func (p *luaPlugin) luaPrint(L *lua.LState) int {
	return p.luaLog(L)
}

// invoke runs a Lua listener with the event args spread as parameters.
func (p *luaPlugin) invoke(fn *lua.LFunction, args json.RawMessage) error {
	var decoded []any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("failed to decode event args: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}

	luaArgs := make([]lua.LValue, len(decoded))
	for i, a := range decoded {
		luaArgs[i] = toLua(p.L, a)
	}
	return p.L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, luaArgs...)
}

func (p *luaPlugin) cleanup() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true

	if p.onDismount != nil {
		if err := p.L.CallByParam(lua.P{Fn: p.onDismount, NRet: 0, Protect: true}); err != nil {
			p.logger.Error().Err(err).Msg("on_dismount failed")
		}
	}
	p.L.Close()
}

func fromLua(v lua.LValue, depth int) any {
	if depth > maxLuaDepth {
		return nil
	}
	switch val := v.(type) {
	case lua.LBool:
		return bool(val)
	case lua.LNumber:
		return float64(val)
	case lua.LString:
		return string(val)
	case *lua.LTable:
		n := val.MaxN()
		count := 0
		val.ForEach(func(lua.LValue, lua.LValue) { count++ })
		if n > 0 && n == count {
			list := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				list = append(list, fromLua(val.RawGetInt(i), depth+1))
			}
			return list
		}
		obj := make(map[string]any, count)
		val.ForEach(func(k, item lua.LValue) {
			obj[k.String()] = fromLua(item, depth+1)
		})
		return obj
	default:
		return nil
	}
}

func toLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case float64:
		return lua.LNumber(val)
	case int:
		return lua.LNumber(val)
	case string:
		return lua.LString(val)
	case []any:
		tbl := L.NewTable()
		for i, item := range val {
			tbl.RawSetInt(i+1, toLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.NewTable()
		for k, item := range val {
			tbl.RawSetString(k, toLua(L, item))
		}
		return tbl
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
