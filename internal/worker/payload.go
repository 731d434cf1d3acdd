// Package worker runs one job bundle in its own process.
//
// The supervisor side (Spawner) re-executes the tender binary with the
// hidden _worker command, hands it a Payload on stdin and turns the process
// lifetime into exactly one Result. The worker side (Bootstrap) registers
// with the supervisor's control endpoint, runs the bundle and writes one
// result line to the result descriptor. Stdout and stderr of a worker are
// log output only.
package worker

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/rpc"
)

// Environment variables set on a worker process.
const (
	EnvName     = "TENDER_WORKER_NAME"
	EnvVerbose  = "TENDER_WORKER_VERBOSE"
	EnvResultFD = "TENDER_WORKER_RESULT_FD"
)

// ResultFD is the first descriptor after stdio, where the spawner passes the
// result pipe.
const ResultFD = 3

// ResultFile returns the result pipe handed over by the spawner, or fallback
// when the process was not started by a Spawner.
func ResultFile(fallback *os.File) *os.File {
	fd, err := strconv.Atoi(os.Getenv(EnvResultFD))
	if err != nil || fd != ResultFD {
		return fallback
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0); err != nil {
		return fallback
	}
	unix.CloseOnExec(fd)
	return os.NewFile(uintptr(fd), "result")
}

// Payload is everything a worker needs, written as JSON to its stdin.
type Payload struct {
	Bundle     model.Bundle `json:"bundle"`
	RPCAddress string       `json:"rpc_address"`
	AuthKey    rpc.AuthKey  `json:"auth_key"`
	StoreURL   string       `json:"store_url,omitempty"`
	Store      model.Store  `json:"store"`
	Node       model.Node   `json:"node"`
}

// resultLine is the terminal line a worker writes to its result pipe.
type resultLine struct {
	OK    bool   `json:"ok"`
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
	Trace string `json:"trace,omitempty"`
}

// WriteResult writes the terminal result line.
func WriteResult(w io.Writer, value any, err error, trace string) error {
	line := resultLine{OK: err == nil, Value: value}
	if err != nil {
		line.Value = nil
		line.Error = err.Error()
		line.Trace = trace
	}
	raw, merr := json.Marshal(line)
	if merr != nil {
		raw, _ = json.Marshal(resultLine{Error: fmt.Sprintf("encoding result: %v", merr)})
	}
	raw = append(raw, '\n')
	_, werr := w.Write(raw)
	return werr
}
