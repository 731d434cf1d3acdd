// Package rpc is the control plane between the supervisor and its workers.
//
// The supervisor listens on a fixed local TCP port. Every worker dials it,
// proves knowledge of the per run secret and registers under its job name.
// From then on the supervisor calls methods on the workers, the most
// important one being "exit". Frames are CBOR items, see package codec.
package rpc

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("rpc authentication failed")
	ErrUnknownMethod  = errors.New("unknown method")
	ErrBroadcast      = errors.New("broadcast failed")
	ErrClosed         = errors.New("rpc connection closed")
)

// Built-in methods every worker answers.
const (
	MethodExit   = "exit"
	MethodStatus = "status"
)

// Call is a method invocation sent by the supervisor.
type Call struct {
	ID     string         `cbor:"id"`
	Method string         `cbor:"method"`
	Args   []any          `cbor:"args,omitempty"`
	Kwargs map[string]any `cbor:"kwargs,omitempty"`
}

// Reply answers the Call with the same ID.
type Reply struct {
	ID    string `cbor:"id"`
	OK    bool   `cbor:"ok"`
	Value any    `cbor:"value,omitempty"`
	Error string `cbor:"error,omitempty"`
}

// Identity is what a worker registers as.
type Identity struct {
	Name string `json:"name"`
	Pid  int    `json:"pid"`
}

// Result is the outcome of a call on one peer.
type Result struct {
	Value any
	Err   error
}

// Func handles one method on the worker side.
type Func func(ctx context.Context, args []any, kwargs map[string]any) (any, error)

// RemoteError is an error reported by the peer.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Method, e.Message)
}
