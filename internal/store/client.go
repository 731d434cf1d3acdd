// Package store is a small client for the CouchDB compatible document store
// holding job documents, command documents, heartbeats and node logs.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/CZERTAINLY/Tender/internal/model"
)

const sessionCookie = "AuthSession"

var ErrUnauthorized = errors.New("store credentials rejected")

// StatusError is returned for unexpected HTTP responses.
type StatusError struct {
	Code   int
	Reason string
}

func (e *StatusError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("store: status code %d", e.Code)
	}
	return fmt.Sprintf("store: status code %d: %s", e.Code, e.Reason)
}

// Client talks to one database of the store on behalf of a node. The session
// cookie is renewed transparently when the server rejects it.
type Client struct {
	base   *url.URL
	cfg    model.Store
	node   model.Node
	client *http.Client

	mx     sync.Mutex
	cookie *http.Cookie
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client. A client with a Timeout
// cannot follow the change feed.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.client = hc }
}

func New(serverURL string, cfg model.Store, node model.Node, opts ...Option) (*Client, error) {
	parsedURL, err := url.Parse(serverURL)
	if err != nil {
		return nil, err
	}
	parsedURL.Path = strings.TrimRight(parsedURL.Path, "/")
	parsedURL.RawQuery = ""
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, errors.New("please define the store url with a scheme, e.g. `http://couch.local:5984`")
	}
	if cfg.Database == "" {
		return nil, errors.New("store database is empty")
	}

	c := &Client{
		base:   parsedURL,
		cfg:    cfg,
		node:   node,
		client: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Authenticate opens a cookie session with the node credentials.
func (c *Client) Authenticate(ctx context.Context) error {
	form := url.Values{"name": {c.node.ID}, "password": {c.node.Password}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(nil, "_session"), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("authenticating %s: %w", c.node.ID, ErrUnauthorized)
	default:
		return decodeError(resp)
	}
	for _, ck := range resp.Cookies() {
		if ck.Name == sessionCookie {
			c.mx.Lock()
			c.cookie = ck
			c.mx.Unlock()
			return nil
		}
	}
	return errors.New("authenticating: no session cookie in response")
}

type viewRow struct {
	ID  string          `json:"id"`
	Doc json.RawMessage `json:"doc"`
}

// JobDocs queries the job view for every document keyed by this node.
func (c *Client) JobDocs(ctx context.Context) ([]model.JobDoc, error) {
	ddoc, view, err := splitFunc(c.cfg.JobView)
	if err != nil {
		return nil, err
	}
	startKey, _ := json.Marshal([]any{c.node.ID})
	endKey, _ := json.Marshal([]any{c.node.ID, map[string]any{}})
	q := url.Values{
		"startkey":     {string(startKey)},
		"endkey":       {string(endKey)},
		"include_docs": {"true"},
		"reduce":       {"false"},
	}

	var res struct {
		Rows []viewRow `json:"rows"`
	}
	if err := c.doJSON(ctx, http.MethodGet, c.dbEndpoint(q, "_design", ddoc, "_view", view), nil, &res); err != nil {
		return nil, fmt.Errorf("querying %s: %w", c.cfg.JobView, err)
	}

	docs := make([]model.JobDoc, 0, len(res.Rows))
	for _, row := range res.Rows {
		if len(row.Doc) == 0 || string(row.Doc) == "null" {
			continue
		}
		var d model.JobDoc
		if err := json.Unmarshal(row.Doc, &d); err != nil {
			return nil, fmt.Errorf("decoding job document %s: %w", row.ID, err)
		}
		if d.ID == "" {
			d.ID = row.ID
		}
		docs = append(docs, d)
	}
	return docs, nil
}

// Get reads one document. A missing document yields model.ErrNotFound.
func (c *Client) Get(ctx context.Context, id string) (model.Doc, error) {
	var doc model.Doc
	if err := c.doJSON(ctx, http.MethodGet, c.dbEndpoint(nil, id), nil, &doc); err != nil {
		return nil, fmt.Errorf("getting %s: %w", id, err)
	}
	return doc, nil
}

// BulkResult is the per document outcome of BulkDocs.
type BulkResult struct {
	ID     string `json:"id"`
	Rev    string `json:"rev,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// BulkDocs writes docs in one request. Conflicts are reported per document.
func (c *Client) BulkDocs(ctx context.Context, docs []model.Doc) ([]BulkResult, error) {
	body := map[string]any{"docs": docs}
	var res []BulkResult
	if err := c.doJSON(ctx, http.MethodPost, c.dbEndpoint(nil, "_bulk_docs"), body, &res); err != nil {
		return nil, fmt.Errorf("bulk write of %d documents: %w", len(docs), err)
	}
	return res, nil
}

// Update calls the update function fn ("<design>/<name>") on docID with a JSON
// body.
func (c *Client) Update(ctx context.Context, fn, docID string, query url.Values, body any) error {
	ddoc, name, err := splitFunc(fn)
	if err != nil {
		return err
	}
	if err := c.doJSON(ctx, http.MethodPut, c.dbEndpoint(query, "_design", ddoc, "_update", name, docID), body, nil); err != nil {
		return fmt.Errorf("update %s on %s: %w", fn, docID, err)
	}
	return nil
}

// Heartbeat writes the liveness record of the node.
func (c *Client) Heartbeat(ctx context.Context, hb model.Heartbeat) error {
	return c.Update(ctx, c.cfg.HeartbeatUpdate, model.HeartbeatDocID(c.node.ID), nil, hb)
}

// FlushLog appends lines to the node log record, letting the server trim it.
func (c *Client) FlushLog(ctx context.Context, lines []string) error {
	q := url.Values{"remove_since": {strconv.Itoa(c.cfg.LogRemoveSince)}}
	return c.Update(ctx, c.cfg.LogUpdate, model.LogDocID(c.node.ID), q, map[string]any{"log": lines})
}

func (c *Client) doJSON(ctx context.Context, method, endpoint string, body, out any) error {
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
	}

	resp, err := c.do(ctx, method, endpoint, raw)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding json response failed: %w", err)
	}
	return nil
}

// do sends a request carrying the session cookie. A 401 triggers one
// re-authentication and a retry.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) (*http.Response, error) {
	send := func() (*http.Response, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		c.mx.Lock()
		if c.cookie != nil {
			req.AddCookie(c.cookie)
		}
		c.mx.Unlock()
		return c.client.Do(req)
	}

	resp, err := send()
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}
	_ = resp.Body.Close()

	slog.DebugContext(ctx, "store session expired, authenticating", "node", c.node.ID)
	if err := c.Authenticate(ctx); err != nil {
		return nil, err
	}
	return send()
}

func decodeError(resp *http.Response) error {
	var body struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	reason := body.Reason
	if body.Error != "" && body.Reason != "" {
		reason = body.Error + ": " + body.Reason
	} else if body.Error != "" {
		reason = body.Error
	}
	serr := &StatusError{Code: resp.StatusCode, Reason: reason}
	switch resp.StatusCode {
	case http.StatusNotFound:
		return fmt.Errorf("%w: %w", model.ErrNotFound, serr)
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrUnauthorized, serr)
	}
	return serr
}

func (c *Client) endpoint(q url.Values, segments ...string) string {
	var sb strings.Builder
	sb.WriteString(strings.TrimRight(c.base.String(), "/"))
	for _, s := range segments {
		sb.WriteString("/")
		sb.WriteString(url.PathEscape(s))
	}
	if len(q) > 0 {
		sb.WriteString("?")
		sb.WriteString(q.Encode())
	}
	return sb.String()
}

func (c *Client) dbEndpoint(q url.Values, segments ...string) string {
	return c.endpoint(q, append([]string{c.cfg.Database}, segments...)...)
}

func splitFunc(fn string) (string, string, error) {
	ddoc, name, ok := strings.Cut(fn, "/")
	if !ok || ddoc == "" || name == "" {
		return "", "", fmt.Errorf("design function %q: expected <design>/<name>", fn)
	}
	return ddoc, name, nil
}
