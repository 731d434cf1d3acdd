package script_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/url"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/script"
	"github.com/CZERTAINLY/Tender/internal/store"
	"github.com/stretchr/testify/require"
	lua "github.com/yuin/gopher-lua"
)

func bundle(modules map[string]string) model.Bundle {
	return model.Bundle{ID: "j1", Name: "blink", Modules: modules}
}

func run(t *testing.T, b model.Bundle, opts ...script.Option) (any, error) {
	t.Helper()
	e, err := script.New(b, opts...)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e.Run(t.Context())
}

func TestRun_Modules(t *testing.T) {
	t.Parallel()
	b := bundle(map[string]string{
		"main": `
			local util = require("util")
			local M = {}
			function M.main()
				return {answer = util.double(21), list = {1, 2, "three"}}
			end
			return M`,
		"util": `return {double = function(x) return x * 2 end}`,
	})
	got, err := run(t, b)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"answer": int64(42),
		"list":   []any{int64(1), int64(2), "three"},
	}, got)
}

func TestRun_GlobalMain(t *testing.T) {
	t.Parallel()
	got, err := run(t, bundle(map[string]string{"main": `function main() return "done" end`}))
	require.NoError(t, err)
	require.Equal(t, "done", got)
}

func TestRun_NoMain(t *testing.T) {
	t.Parallel()
	_, err := run(t, bundle(map[string]string{"main": `local x = 1`}))
	require.ErrorIs(t, err, script.ErrNoMain)

	_, err = run(t, bundle(map[string]string{"util": `return {}`}))
	require.ErrorIs(t, err, script.ErrNoMain)
}

func TestRun_Sandbox(t *testing.T) {
	t.Parallel()
	got, err := run(t, bundle(map[string]string{"main": `
		function main()
			local ok = pcall(require, "os")
			return {
				io = io == nil,
				os = os == nil,
				debug = debug == nil,
				dofile = dofile == nil,
				loadfile = loadfile == nil,
				require_os = not ok,
			}
		end`}))
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"io": true, "os": true, "debug": true,
		"dofile": true, "loadfile": true, "require_os": true,
	}, got)
}

func TestRun_Error(t *testing.T) {
	t.Parallel()
	_, err := run(t, bundle(map[string]string{"main": `
		function main()
			error("sensor missing")
		end`}))
	require.ErrorContains(t, err, "sensor missing")
	require.Empty(t, script.Trace(context.Canceled))

	_, err = run(t, bundle(map[string]string{"main": `this is not lua`}))
	require.Error(t, err)
}

func TestRun_Log(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	_, err := run(t, bundle(map[string]string{"main": `function main() log("temp", 21.5, true) end`}),
		script.WithLogger(logger))
	require.NoError(t, err)
	require.Contains(t, buf.String(), `msg="temp 21.5 true"`)
}

func TestRun_Print(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	_, err := run(t, bundle(map[string]string{"main": `function main() print("a", 1) end`}),
		script.WithLogger(logger))
	require.NoError(t, err)
	require.Contains(t, buf.String(), `"msg":"a\t1"`)
	require.Contains(t, buf.String(), `"source":"print"`)
}

func TestRun_Quit(t *testing.T) {
	t.Parallel()
	e, err := script.New(bundle(map[string]string{"main": `
		function main()
			local notified = 0
			local function on_quit() notified = notified + 1 end
			local function other() notified = notified + 100 end
			register_quit_notification(on_quit)
			register_quit_notification(other)
			remove_quit_notification(other)
			local early = sleep(30)
			return {early = early, quit = should_quit(), notified = notified}
		end`}))
	require.NoError(t, err)
	defer e.Close()

	go func() {
		time.Sleep(50 * time.Millisecond)
		e.NotifyQuit()
	}()
	start := time.Now()
	got, err := e.Run(t.Context())
	require.NoError(t, err)
	require.Less(t, time.Since(start), 10*time.Second)
	require.Equal(t, map[string]any{"early": true, "quit": true, "notified": int64(1)}, got)
}

func TestRun_ContextCancel(t *testing.T) {
	t.Parallel()
	e, err := script.New(bundle(map[string]string{"main": `function main() while true do end end`}))
	require.NoError(t, err)
	defer e.Close()

	ctx, cancel := context.WithTimeout(t.Context(), 100*time.Millisecond)
	defer cancel()
	_, err = e.Run(ctx)
	require.Error(t, err)
}

type fakeAccount struct {
	docs    map[string]model.Doc
	bulk    []model.Doc
	updates []string
}

func (a *fakeAccount) Get(_ context.Context, id string) (model.Doc, error) {
	d, ok := a.docs[id]
	if !ok {
		return nil, model.ErrNotFound
	}
	return d, nil
}

func (a *fakeAccount) BulkDocs(_ context.Context, docs []model.Doc) ([]store.BulkResult, error) {
	a.bulk = append(a.bulk, docs...)
	res := make([]store.BulkResult, 0, len(docs))
	for _, d := range docs {
		res = append(res, store.BulkResult{ID: d.ID(), Rev: "2-x", OK: true})
	}
	return res, nil
}

func (a *fakeAccount) Update(_ context.Context, fn, docID string, query url.Values, _ any) error {
	a.updates = append(a.updates, fn+" "+docID+" "+query.Encode())
	return nil
}

func TestRun_Account(t *testing.T) {
	t.Parallel()
	acct := &fakeAccount{docs: map[string]model.Doc{
		"settings": {"_id": "settings", "interval": 5.0},
	}}
	got, err := run(t, bundle(map[string]string{"main": `
		function main()
			local acct = get_acct()
			local doc = acct.get("settings")
			local missing, err = acct:get("nope")
			local res = acct.bulk_docs({{_id = "reading", value = doc.interval * 2}})
			acct.update("tender/insert_with_timestamp", "reading", {value = 1}, {remove_since = 10})
			return {interval = doc.interval, missing = missing == nil, err = err, rev = res[1].rev}
		end`}), script.WithAccount(acct))
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"interval": int64(5),
		"missing":  true,
		"err":      model.ErrNotFound.Error(),
		"rev":      "2-x",
	}, got)
	require.Equal(t, []model.Doc{{"_id": "reading", "value": int64(10)}}, acct.bulk)
	require.Equal(t, []string{"tender/insert_with_timestamp reading remove_since=10"}, acct.updates)
}

func TestConvert(t *testing.T) {
	t.Parallel()
	L := lua.NewState()
	defer L.Close()

	in := map[string]any{"a": []any{"x", 1.5}, "b": map[string]any{}, "c": nil}
	out := script.FromLua(script.ToLua(L, in))
	require.Equal(t, map[string]any{"a": []any{"x", 1.5}, "b": map[string]any{}}, out)
}
