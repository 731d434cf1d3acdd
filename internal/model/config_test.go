package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	yml := `
version: 0
node:
  id: "202481596405281"
  password: 5f0c3c1a
store:
  url: http://couch.local:5984
  heartbeat_ms: 2000
rpc:
  grace: 5s
service:
  log: stderr
  flush:
    duration: PT5M
`
	cfg, err := model.LoadConfig(strings.NewReader(yml))
	require.NoError(t, err)
	require.NotNil(t, cfg)

	require.Equal(t, "202481596405281", cfg.Node.ID)
	require.Equal(t, "5f0c3c1a", cfg.Node.Password)
	require.Nil(t, cfg.Node.Address)

	require.Equal(t, "http://couch.local:5984", cfg.Store.URL)
	require.Equal(t, 2000, cfg.Store.HeartbeatMs)
	// defaults
	require.Equal(t, "fleet/nodes", cfg.Store.Database)
	require.Equal(t, "tender/insert_with_timestamp", cfg.Store.HeartbeatUpdate)
	require.Equal(t, 50000, cfg.Store.LogRemoveSince)
	require.Equal(t, "127.0.0.1:17000", cfg.RPC.Address)
	require.Equal(t, 53000, cfg.Discovery.Port)

	grace, err := cfg.RPC.GraceWindow()
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, grace)

	require.NotNil(t, cfg.Service.Log)
	require.Equal(t, model.LogStderr, *cfg.Service.Log)
	require.NotNil(t, cfg.Service.Flush)
	require.Equal(t, "PT5M", cfg.Service.Flush.Duration)
}

func TestLoadConfig_Fail(t *testing.T) {
	t.Run("missing node id", func(t *testing.T) {
		yml := `
version: 0
node:
  password: secret
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
		require.Contains(t, err.Error(), "node.id")
		require.NotEmpty(t, model.CueErrDetails(err))
	})

	t.Run("unknown field", func(t *testing.T) {
		yml := `
version: 0
node:
  id: abc
  password: secret
daemon: true
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
	})

	t.Run("bad port", func(t *testing.T) {
		yml := `
version: 0
node:
  id: abc
  password: secret
discovery:
  port: 70000
`
		_, err := model.LoadConfig(strings.NewReader(yml))
		require.Error(t, err)
	})
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()
	cfg := model.DefaultConfig(t.Context())
	require.NotEmpty(t, cfg.Node.ID)
	grace, err := cfg.RPC.GraceWindow()
	require.NoError(t, err)
	require.Equal(t, 20*time.Second, grace)
	timeout, err := cfg.Discovery.ReplyTimeout()
	require.NoError(t, err)
	require.Equal(t, 10*time.Second, timeout)
}
