package service_test

import (
	"testing"

	"github.com/CZERTAINLY/Tender/internal/service"
	"github.com/CZERTAINLY/Tender/internal/worker"

	"github.com/stretchr/testify/require"
)

func TestParseWorkerEnv(t *testing.T) {
	// can't be parallel as touches the environment
	t.Setenv(worker.EnvName, "blink")
	t.Setenv(worker.EnvVerbose, "true")

	env, err := service.ParseWorkerEnv()
	require.NoError(t, err)
	require.Equal(t, service.WorkerEnv{Name: "blink", Verbose: true}, env)

	t.Run("defaults", func(t *testing.T) {
		t.Setenv(worker.EnvName, "")
		t.Setenv(worker.EnvVerbose, "")
		env, err := service.ParseWorkerEnv()
		require.NoError(t, err)
		require.False(t, env.Verbose)
	})
}
