// Package script runs job bundles written in Lua.
//
// A bundle runs in a sandbox: only the base, table, string, math and
// coroutine libraries are available and require resolves nothing but the
// bundle's own modules. The host injects a small set of functions:
//
//	log(...)                          write a log record
//	get_acct()                        store account with get, bulk_docs and update
//	should_quit()                     true once the worker is asked to exit
//	register_quit_notification(fn)    fn runs when the worker is asked to exit
//	remove_quit_notification(fn)
//	sleep(seconds)                    returns true early when asked to exit
//
// Quit notifications run on the script goroutine, at the next call of any of
// the injected functions.
package script

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	lua "github.com/yuin/gopher-lua"
)

var ErrNoMain = errors.New("module main defines no main function")

// Engine executes one bundle. It is not safe for concurrent use except for
// NotifyQuit and Quitting.
type Engine struct {
	L       *lua.LState
	bundle  model.Bundle
	account Account
	logger  *slog.Logger

	quitting  atomic.Bool
	pending   atomic.Bool
	quitOnce  sync.Once
	quitCh    chan struct{}
	notifiers []*lua.LFunction
}

type Option func(*Engine)

// WithAccount provides the store account returned by get_acct.
func WithAccount(a Account) Option {
	return func(e *Engine) { e.account = a }
}

// WithLogger sets the logger behind log(...).
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New prepares a sandboxed state with the bundle modules preloaded.
func New(bundle model.Bundle, opts ...Option) (*Engine, error) {
	e := &Engine{
		bundle: bundle,
		logger: slog.Default(),
		quitCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}

	L := lua.NewState(lua.Options{SkipOpenLibs: true})
	e.L = L
	if err := e.openLibs(); err != nil {
		L.Close()
		return nil, err
	}
	e.preload()
	e.inject()
	return e, nil
}

func (e *Engine) openLibs() error {
	libs := []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
		{lua.CoroutineLibName, lua.OpenCoroutine},
	}
	for _, lib := range libs {
		err := e.L.CallByParam(lua.P{
			Fn:      e.L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name))
		if err != nil {
			return fmt.Errorf("opening lua library %s: %w", lib.name, err)
		}
	}

	for _, name := range []string{"dofile", "loadfile"} {
		e.L.SetGlobal(name, lua.LNil)
	}
	// the process stdout is not a log
	e.L.SetGlobal("print", e.L.NewFunction(e.luaPrint))

	// keep only the preload searcher
	pkg, ok := e.L.GetGlobal("package").(*lua.LTable)
	if !ok {
		return errors.New("lua package library missing")
	}
	pkg.RawSetString("path", lua.LString(""))
	pkg.RawSetString("cpath", lua.LString(""))
	// require reads the same table through the registry, so trim it in place
	if loaders, ok := pkg.RawGetString("loaders").(*lua.LTable); ok {
		for loaders.Len() > 1 {
			loaders.Remove(loaders.Len())
		}
	}
	return nil
}

func (e *Engine) preload() {
	for _, name := range slices.Sorted(maps.Keys(e.bundle.Modules)) {
		src := e.bundle.Modules[name]
		e.L.PreloadModule(name, func(L *lua.LState) int {
			fn, err := L.Load(strings.NewReader(src), name)
			if err != nil {
				L.RaiseError("loading module %s: %s", name, err.Error())
				return 0
			}
			L.Push(fn)
			L.Call(0, 1)
			return 1
		})
	}
}

func (e *Engine) inject() {
	funcs := map[string]lua.LGFunction{
		"log":                        e.luaLog,
		"get_acct":                   e.luaGetAcct,
		"should_quit":                e.luaShouldQuit,
		"register_quit_notification": e.luaRegisterQuit,
		"remove_quit_notification":   e.luaRemoveQuit,
		"sleep":                      e.luaSleep,
	}
	for name, f := range funcs {
		e.L.SetGlobal(name, e.L.NewFunction(e.capability(f)))
	}
}

// capability runs pending quit notifications before f.
func (e *Engine) capability(f lua.LGFunction) lua.LGFunction {
	return func(L *lua.LState) int {
		e.runNotifications(L)
		return f(L)
	}
}

func (e *Engine) runNotifications(L *lua.LState) {
	if !e.pending.CompareAndSwap(true, false) {
		return
	}
	for _, fn := range slices.Clone(e.notifiers) {
		if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
			e.logger.Warn("quit notification failed", "error", err)
		}
	}
}

// NotifyQuit asks the script to finish. It may be called from any goroutine.
func (e *Engine) NotifyQuit() {
	e.quitOnce.Do(func() {
		e.quitting.Store(true)
		e.pending.Store(true)
		close(e.quitCh)
	})
}

func (e *Engine) Quitting() bool {
	return e.quitting.Load()
}

// Run executes the main function of module main. The returned value is the
// converted return value of main.
func (e *Engine) Run(ctx context.Context) (any, error) {
	e.L.SetContext(ctx)
	defer e.L.RemoveContext()

	if !e.bundle.Actionable() {
		return nil, fmt.Errorf("bundle %s: %w", e.bundle.Name, ErrNoMain)
	}
	err := e.L.CallByParam(lua.P{
		Fn:      e.L.GetGlobal("require"),
		NRet:    1,
		Protect: true,
	}, lua.LString(model.MainModule))
	if err != nil {
		return nil, err
	}
	mod := e.L.Get(-1)
	e.L.Pop(1)

	var entry lua.LValue = lua.LNil
	if t, ok := mod.(*lua.LTable); ok {
		entry = t.RawGetString("main")
	}
	if _, ok := entry.(*lua.LFunction); !ok {
		entry = e.L.GetGlobal("main")
	}
	fn, ok := entry.(*lua.LFunction)
	if !ok {
		return nil, fmt.Errorf("bundle %s: %w", e.bundle.Name, ErrNoMain)
	}

	if err := e.L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}); err != nil {
		return nil, err
	}
	ret := e.L.Get(-1)
	e.L.Pop(1)
	return FromLua(ret), nil
}

func (e *Engine) Close() {
	e.L.Close()
}

// Trace returns the Lua stack trace carried by err, if any.
func Trace(err error) string {
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		return apiErr.StackTrace
	}
	return ""
}

func (e *Engine) luaLog(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	e.logger.Info(strings.Join(parts, " "))
	return 0
}

func (e *Engine) luaPrint(L *lua.LState) int {
	parts := make([]string, 0, L.GetTop())
	for i := 1; i <= L.GetTop(); i++ {
		parts = append(parts, L.ToStringMeta(L.Get(i)).String())
	}
	e.logger.Info(strings.Join(parts, "\t"), "source", "print")
	return 0
}

func (e *Engine) luaShouldQuit(L *lua.LState) int {
	L.Push(lua.LBool(e.Quitting()))
	return 1
}

func (e *Engine) luaRegisterQuit(L *lua.LState) int {
	fn := L.CheckFunction(1)
	if !slices.Contains(e.notifiers, fn) {
		e.notifiers = append(e.notifiers, fn)
	}
	return 0
}

func (e *Engine) luaRemoveQuit(L *lua.LState) int {
	fn := L.CheckFunction(1)
	e.notifiers = slices.DeleteFunc(e.notifiers, func(f *lua.LFunction) bool { return f == fn })
	return 0
}

func (e *Engine) luaSleep(L *lua.LState) int {
	secs := float64(L.CheckNumber(1))
	if secs < 0 {
		secs = 0
	}
	timer := time.NewTimer(time.Duration(secs * float64(time.Second)))
	defer timer.Stop()

	ctx := L.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	quit := false
	select {
	case <-timer.C:
	case <-e.quitCh:
		quit = true
	case <-ctx.Done():
		quit = true
	}
	if quit {
		e.runNotifications(L)
	}
	L.Push(lua.LBool(quit))
	return 1
}
