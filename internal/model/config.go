package model

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/encoding/yaml"

	_ "embed"
)

const (
	LogStderr  = "stderr"
	LogStdout  = "stdout"
	LogDiscard = "discard"
)

//go:embed config.cue
var cueSource []byte

var (
	cueCtx *cue.Context
	schema cue.Value
)

func init() {
	if len(cueSource) == 0 {
		panic("variable cueSource is empty")
	}
	cueCtx = cuecontext.New()
	compiled := cueCtx.CompileBytes(cueSource)
	if compiled.Err() != nil {
		panic(compiled.Err())
	}

	if err := compiled.Validate(); err != nil {
		panic(err)
	}

	schema = compiled.LookupPath(cue.ParsePath("#Config"))
	if schema.Err() != nil {
		panic(schema.Err())
	}
	if err := schema.Validate(); err != nil {
		panic(err)
	}
}

type Config struct {
	Version   int       `json:"version" yaml:"version"` // fixed 0 for now
	Node      Node      `json:"node" yaml:"node"`
	Store     Store     `json:"store" yaml:"store"`
	RPC       RPC       `json:"rpc" yaml:"rpc"`
	Discovery Discovery `json:"discovery" yaml:"discovery"`
	Service   Service   `json:"service" yaml:"service"`
}

// Node identifies this device towards the store and the pairing protocol.
// Credentials are provisioned externally.
type Node struct {
	ID       string  `json:"id" yaml:"id"`
	Password string  `json:"password" yaml:"password"`
	Address  *string `json:"address,omitempty" yaml:"address,omitempty"` // reported in heartbeats, detected when nil
}

// Store describes the document store layout. Design document functions are
// written as "<design>/<name>".
type Store struct {
	URL             string `json:"url" yaml:"url"` // empty => use the paired server
	Database        string `json:"database" yaml:"database"`
	JobView         string `json:"job_view" yaml:"job_view"`
	ChangesFilter   string `json:"changes_filter" yaml:"changes_filter"`
	HeartbeatUpdate string `json:"heartbeat_update" yaml:"heartbeat_update"`
	LogUpdate       string `json:"log_update" yaml:"log_update"`
	LogRemoveSince  int    `json:"log_remove_since" yaml:"log_remove_since"`
	HeartbeatMs     int    `json:"heartbeat_ms" yaml:"heartbeat_ms"`
}

type RPC struct {
	Address string `json:"address" yaml:"address"`
	Grace   string `json:"grace" yaml:"grace"` // time.ParseDuration format
}

type Discovery struct {
	Port             int     `json:"port" yaml:"port"`
	BroadcastAddress string  `json:"broadcast_address" yaml:"broadcast_address"`
	Timeout          string  `json:"timeout" yaml:"timeout"`
	LED              *string `json:"led,omitempty" yaml:"led,omitempty"` // sysfs led blinking while waiting for pairing
}

type Service struct {
	Verbose   *bool   `json:"verbose,omitempty" yaml:"verbose,omitempty"`
	Log       *string `json:"log,omitempty" yaml:"log,omitempty"` // "stderr"|"stdout"|"discard"|path
	Pidfile   *string `json:"pidfile,omitempty" yaml:"pidfile,omitempty"`
	PairingDB *string `json:"pairing_db,omitempty" yaml:"pairing_db,omitempty"`
	Flush     *Flush  `json:"flush,omitempty" yaml:"flush,omitempty"`
}

// Flush schedules periodic shipping of the log batch. Cron wins over Duration.
type Flush struct {
	Cron     string `json:"cron,omitempty" yaml:"cron,omitempty"`
	Duration string `json:"duration,omitempty" yaml:"duration,omitempty"` // ISO8601, e.g. PT5M
}

// GraceWindow returns the time workers get to exit after the exit broadcast.
func (r RPC) GraceWindow() (time.Duration, error) {
	d, err := time.ParseDuration(r.Grace)
	if err != nil {
		return 0, fmt.Errorf("parsing rpc.grace: %w", err)
	}
	return d, nil
}

// ReplyTimeout returns how long the broadcaster collects replies.
func (d Discovery) ReplyTimeout() (time.Duration, error) {
	t, err := time.ParseDuration(d.Timeout)
	if err != nil {
		return 0, fmt.Errorf("parsing discovery.timeout: %w", err)
	}
	return t, nil
}

// LoadConfig validates YAML from r against CUE schema and decodes to Config.
func LoadConfig(r io.Reader) (*Config, error) {
	yamlFile, err := yaml.Extract("config.yaml", r)
	if err != nil {
		return nil, err
	}
	yamlValue := cueCtx.BuildFile(yamlFile)

	unified := schema.Unify(yamlValue)
	if err := unified.Validate(
		cue.All(),          // all constraints
		cue.Concrete(true), // no incomplete values
	); err != nil {
		return nil, err
	}

	var out Config
	if err := unified.Decode(&out); err != nil {
		return nil, err
	}

	return &out, nil
}

// DefaultConfig returns a configuration with all defaults of the schema.
// The node id defaults to the host name, the password stays empty.
func DefaultConfig(_ context.Context) Config {
	id, err := os.Hostname()
	if err != nil || id == "" {
		id = "localhost"
	}
	return Config{
		Version: 0,
		Node: Node{
			ID: id,
		},
		Store: Store{
			Database:        "fleet/nodes",
			JobView:         "document_type/document_type",
			ChangesFilter:   "tender/doc_type",
			HeartbeatUpdate: "tender/insert_with_timestamp",
			LogUpdate:       "tender/update_log",
			LogRemoveSince:  50000,
			HeartbeatMs:     5000,
		},
		RPC: RPC{
			Address: "127.0.0.1:17000",
			Grace:   "20s",
		},
		Discovery: Discovery{
			Port:             53000,
			BroadcastAddress: "255.255.255.255",
			Timeout:          "10s",
		},
	}
}

// Get dereferences an optional config value.
func Get[T any](pt *T) T {
	var zero T
	if pt == nil {
		return zero
	}
	return *pt
}
