package store

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/CZERTAINLY/Tender/internal/model"
)

const maxChangeLine = 16 << 20

// Event is one line of the continuous changes feed. Empty lines sent by the
// server to keep the connection alive surface as Heartbeat events.
type Event struct {
	Heartbeat bool            `json:"-"`
	Seq       json.RawMessage `json:"seq,omitempty"`
	ID        string          `json:"id"`
	Deleted   bool            `json:"deleted,omitempty"`
	Doc       model.Doc       `json:"doc,omitempty"`
}

// Feed iterates a continuous changes response.
type Feed struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

// Changes subscribes to changes of the node's documents starting now.
func (c *Client) Changes(ctx context.Context) (*Feed, error) {
	q := url.Values{
		"feed":           {"continuous"},
		"heartbeat":      {strconv.Itoa(c.cfg.HeartbeatMs)},
		"since":          {"now"},
		"include_docs":   {"true"},
		"filter":         {c.cfg.ChangesFilter},
		"type":           {c.node.ID},
		"cmd_type":       {model.CommandType(c.node.ID)},
		"handle_deleted": {"true"},
	}

	resp, err := c.do(ctx, http.MethodGet, c.dbEndpoint(q, "_changes"), nil)
	if err != nil {
		return nil, fmt.Errorf("subscribing to changes: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer func() {
			_ = resp.Body.Close()
		}()
		return nil, fmt.Errorf("subscribing to changes: %w", decodeError(resp))
	}

	return NewFeed(resp.Body), nil
}

// NewFeed reads a continuous changes response from body.
func NewFeed(body io.ReadCloser) *Feed {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64<<10), maxChangeLine)
	return &Feed{body: body, scanner: sc}
}

// Next blocks until the next event. It returns io.EOF when the server ends
// the feed.
func (f *Feed) Next() (Event, error) {
	if !f.scanner.Scan() {
		if err := f.scanner.Err(); err != nil {
			return Event{}, err
		}
		return Event{}, io.EOF
	}
	line := bytes.TrimSpace(f.scanner.Bytes())
	if len(line) == 0 {
		return Event{Heartbeat: true}, nil
	}

	var raw struct {
		Event
		LastSeq json.RawMessage `json:"last_seq"`
	}
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, fmt.Errorf("decoding change: %w", err)
	}
	if len(raw.LastSeq) > 0 {
		return Event{}, io.EOF
	}
	return raw.Event, nil
}

// Close releases the connection. A blocked Next returns with an error.
func (f *Feed) Close() error {
	return f.body.Close()
}
