package worker_test

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/rpc"
	"github.com/CZERTAINLY/Tender/internal/worker"
	"github.com/stretchr/testify/require"
)

type lines struct {
	mx  sync.Mutex
	got []string
}

func (l *lines) add(process string, line []byte) {
	l.mx.Lock()
	defer l.mx.Unlock()
	l.got = append(l.got, process+": "+string(line))
}

func shSpawner(t *testing.T, script string, l *lines) *worker.Spawner {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	s := &worker.Spawner{Path: sh, Args: []string{"-c", script}}
	if l != nil {
		s.Output = l.add
	}
	return s
}

func payload(name string) worker.Payload {
	return worker.Payload{Bundle: model.Bundle{ID: name + "-id", Name: name, Modules: map[string]string{"main": "function main() end"}}}
}

func wait(t *testing.T, h *worker.Handle) worker.Result {
	t.Helper()
	select {
	case res := <-h.Result():
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("worker result timed out")
		return worker.Result{}
	}
}

func TestSpawn(t *testing.T) {
	t.Parallel()
	type then struct {
		value    any
		err      string
		trace    string
		exitCode int
	}
	cases := []struct {
		scenario string
		script   string
		then     then
	}{
		{
			"success",
			`cat >/dev/null; echo '{"level":"INFO","msg":"hello"}' >&2; echo 'noise'; echo '{"ok":true,"value":42}' >&3`,
			then{value: float64(42)},
		},
		{
			"script failure",
			`cat >/dev/null; echo '{"ok":false,"error":"sensor missing","trace":"main:3"}' >&3; exit 1`,
			then{err: "sensor missing", trace: "main:3", exitCode: 1},
		},
		{
			"result on stdout is not a result",
			`cat >/dev/null; echo '{"ok":true,"value":42}'`,
			then{err: "worker exited without result: exit status 0", trace: `{"ok":true,"value":42}`},
		},
		{
			"oversized result",
			`cat >/dev/null; head -c 2000000 /dev/zero | tr '\0' x >&3`,
			then{err: "worker exited without result: exit status 0"},
		},
		{
			"died without result",
			`cat >/dev/null; echo boom >&2; exit 3`,
			then{err: "worker exited without result: exit status 3", trace: "boom", exitCode: 3},
		},
	}
	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			var l lines
			h, err := shSpawner(t, tc.script, &l).Spawn(t.Context(), payload("blink"))
			require.NoError(t, err)
			require.Equal(t, "blink-id", h.ID)
			require.NotZero(t, h.Pid())

			res := wait(t, h)
			require.Equal(t, "blink-id", res.ID)
			require.Equal(t, tc.then.exitCode, res.ExitCode)
			if tc.then.err == "" {
				require.NoError(t, res.Err)
				require.Equal(t, tc.then.value, res.Value)
			} else {
				require.EqualError(t, res.Err, tc.then.err)
				require.Equal(t, tc.then.trace, res.Trace)
			}
			// the channel delivers exactly once
			_, ok := <-h.Result()
			require.False(t, ok)
		})
	}
}

func TestSpawn_Output(t *testing.T) {
	t.Parallel()
	var l lines
	h, err := shSpawner(t, `cat >/dev/null; echo one >&2; echo two; echo '{"ok":true}' >&3`, &l).Spawn(t.Context(), payload("blink"))
	require.NoError(t, err)
	res := wait(t, h)
	require.NoError(t, res.Err)
	l.mx.Lock()
	defer l.mx.Unlock()
	require.Equal(t, []string{"blink: one", "blink: two"}, l.got)
}

func TestSpawn_ChattyStdout(t *testing.T) {
	t.Parallel()
	var count int
	var mx sync.Mutex
	s := shSpawner(t, `cat >/dev/null; yes line | head -n 200000; echo '{"ok":true,"value":"done"}' >&3`, nil)
	s.Output = func(_ string, line []byte) {
		mx.Lock()
		defer mx.Unlock()
		if string(line) == "line" {
			count++
		}
	}
	h, err := s.Spawn(t.Context(), payload("chatty"))
	require.NoError(t, err)
	res := wait(t, h)
	require.NoError(t, res.Err)
	require.Equal(t, "done", res.Value)
	mx.Lock()
	defer mx.Unlock()
	require.Equal(t, 200000, count)
}

func TestSpawn_Payload(t *testing.T) {
	t.Parallel()
	// echo the payload back as the value
	h, err := shSpawner(t, `printf '{"ok":true,"value":%s}\n' "$(cat)" >&3`, nil).Spawn(t.Context(), payload("temp"))
	require.NoError(t, err)
	res := wait(t, h)
	require.NoError(t, res.Err)
	v := res.Value.(map[string]any)
	require.Equal(t, "temp", v["bundle"].(map[string]any)["name"])
}

func TestKill(t *testing.T) {
	t.Parallel()
	h, err := shSpawner(t, `sleep 30 & wait`, nil).Spawn(t.Context(), payload("stuck"))
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, h.Kill())

	res := wait(t, h)
	require.ErrorContains(t, res.Err, "worker exited without result")
	require.ErrorContains(t, res.Err, "killed")
	require.NoError(t, h.Kill())
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	key, err := rpc.NewAuthKey()
	require.NoError(t, err)
	srv, err := rpc.Listen(t.Context(), "127.0.0.1:0", key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	p := worker.Payload{
		Bundle: model.Bundle{ID: "j1", Name: "waiter", Modules: map[string]string{
			"main": `
				local util = require("util")
				function main()
					while not should_quit() do sleep(0.05) end
					return util.bye
				end`,
			"util": `return {bye = "bye"}`,
		}},
		RPCAddress: srv.Addr(),
		AuthKey:    key,
	}
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var result bytes.Buffer
	done := make(chan error, 1)
	go func() {
		done <- worker.Bootstrap(t.Context(), bytes.NewReader(raw), &result)
	}()

	require.NoError(t, srv.Accept(t.Context(), 1))
	require.Equal(t, "waiter", srv.Peers()[0].Name)
	_, err = srv.Broadcast(t.Context(), rpc.MethodExit, nil, nil)
	require.NoError(t, err)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("worker did not exit")
	}
	require.JSONEq(t, `{"ok":true,"value":"bye"}`, strings.TrimSpace(result.String()))
}

func TestBootstrap_BadPayload(t *testing.T) {
	t.Parallel()
	var result bytes.Buffer
	err := worker.Bootstrap(context.Background(), strings.NewReader("not json"), &result)
	require.Error(t, err)
	require.Contains(t, result.String(), `"ok":false`)
}

func TestBootstrap_WrongKey(t *testing.T) {
	t.Parallel()
	key, err := rpc.NewAuthKey()
	require.NoError(t, err)
	srv, err := rpc.Listen(t.Context(), "127.0.0.1:0", key)
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	go func() { _ = srv.Accept(ctx, 1) }()

	p := payload("intruder")
	p.RPCAddress = srv.Addr()
	p.AuthKey = "wrong"
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var result bytes.Buffer
	err = worker.Bootstrap(t.Context(), bytes.NewReader(raw), &result)
	require.ErrorIs(t, err, rpc.ErrAuthentication)
	require.Contains(t, result.String(), rpc.ErrAuthentication.Error())
}

func TestResultFile(t *testing.T) {
	t.Setenv(worker.EnvResultFD, "")
	require.Same(t, os.Stdout, worker.ResultFile(os.Stdout))

	t.Setenv(worker.EnvResultFD, "7")
	require.Same(t, os.Stdout, worker.ResultFile(os.Stdout), "only the spawner's descriptor is accepted")
}
