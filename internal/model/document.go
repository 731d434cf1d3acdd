package model

import (
	"errors"
	"fmt"
)

// CommandSuffix marks command documents addressed to a node: their type is
// the node id followed by the suffix.
const CommandSuffix = "_cmd"

var ErrNoCommand = errors.New("document has no command")

// CommandType returns the document type of commands addressed to node.
func CommandType(node string) string {
	return node + CommandSuffix
}

// Doc is a raw store document. Unknown fields survive a read-modify-write
// cycle, so command results are written back onto the document as received.
type Doc map[string]any

func (d Doc) ID() string   { return d.str("_id") }
func (d Doc) Rev() string  { return d.str("_rev") }
func (d Doc) Type() string { return d.str("type") }

func (d Doc) str(key string) string {
	s, _ := d[key].(string)
	return s
}

// HasResult reports whether a command document was already processed.
func (d Doc) HasResult() bool {
	_, ok := d["ret"]
	return ok
}

// Command returns the argv of a command document.
func (d Doc) Command() ([]string, error) {
	raw, ok := d["cmd"]
	if !ok || raw == nil {
		return nil, ErrNoCommand
	}
	switch v := raw.(type) {
	case []string:
		if len(v) == 0 {
			return nil, ErrNoCommand
		}
		return v, nil
	case []any:
		if len(v) == 0 {
			return nil, ErrNoCommand
		}
		argv := make([]string, 0, len(v))
		for i, a := range v {
			s, ok := a.(string)
			if !ok {
				return nil, fmt.Errorf("cmd[%d]: expected string, got %T", i, a)
			}
			argv = append(argv, s)
		}
		return argv, nil
	case string:
		if v == "" {
			return nil, ErrNoCommand
		}
		return []string{v}, nil
	default:
		return nil, fmt.Errorf("cmd: expected list of strings, got %T", raw)
	}
}

// SetResult stores the outcome of a command as ret=[stdout, stderr]. A failed
// execution is stored as ret=[null, error].
func (d Doc) SetResult(stdout, stderr string, err error) {
	if err != nil {
		d["ret"] = []any{nil, err.Error()}
		return
	}
	d["ret"] = []any{stdout, stderr}
}

// Heartbeat is the payload of the node liveness record.
type Heartbeat struct {
	Type    string            `json:"type"`
	IDs     []string          `json:"ids"`
	IP      string            `json:"ip,omitempty"`
	Digests map[string]string `json:"digests,omitempty"`
}

// NewHeartbeat returns a heartbeat listing the running worker ids.
func NewHeartbeat(ids []string, ip string, digests map[string]string) Heartbeat {
	if ids == nil {
		ids = []string{}
	}
	return Heartbeat{
		Type:    "heartbeat",
		IDs:     ids,
		IP:      ip,
		Digests: digests,
	}
}

// HeartbeatDocID is the id of the heartbeat record of node.
func HeartbeatDocID(node string) string {
	return node + "_heartbeat"
}

// LogDocID is the id of the log record of node.
func LogDocID(node string) string {
	return node + "_log"
}
