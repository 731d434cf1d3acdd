package service

import (
	"github.com/spf13/viper"
)

// WorkerEnv is what a worker process learns from its environment, the rest
// comes with the payload on stdin.
type WorkerEnv struct {
	Name    string `mapstructure:"worker_name"`
	Verbose bool   `mapstructure:"worker_verbose"`
}

// ParseWorkerEnv reads TENDER_WORKER_NAME and TENDER_WORKER_VERBOSE.
func ParseWorkerEnv() (WorkerEnv, error) {
	v := viper.New()
	v.SetEnvPrefix("tender")
	v.AutomaticEnv()
	for _, key := range []string{"worker_name", "worker_verbose"} {
		if err := v.BindEnv(key); err != nil {
			return WorkerEnv{}, err
		}
	}
	v.SetDefault("worker_name", "worker")

	var env WorkerEnv
	err := v.Unmarshal(&env)
	return env, err
}
