package store_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/store"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const designDocs = `[
{
	"_id": "_design/document_type",
	"views": {
		"document_type": {"map": "function(doc) { if (doc.type) { emit([doc.type, doc._id], null); } }"}
	}
},
{
	"_id": "_design/tender",
	"updates": {
		"insert_with_timestamp": "function(doc, req) { var body = JSON.parse(req.body); if (!doc) { doc = {_id: req.id}; } for (var k in body) { doc[k] = body[k]; } doc.timestamp = new Date().toISOString(); return [doc, 'ok']; }",
		"update_log": "function(doc, req) { var body = JSON.parse(req.body); if (!doc) { doc = {_id: req.id, type: 'log', log: []}; } doc.log = doc.log.concat(body.log); var n = parseInt(req.query.remove_since || '0', 10); if (n > 0 && doc.log.length > n) { doc.log = doc.log.slice(doc.log.length - n); } return [doc, 'ok']; }"
	},
	"filters": {
		"doc_type": "function(doc, req) { if (doc._deleted) { return req.query.handle_deleted == 'true'; } return doc.type == req.query.type || doc.type == req.query.cmd_type; }"
	}
},
{"_id": "job1", "type": "admin", "name": "blink", "code": "function main() end"},
{"_id": "lib", "type": "admin", "global_modules": {"util": "return {}"}},
{"_id": "foreign", "type": "someone-else", "code": "function main() end"}
]`

// startCouch runs a CouchDB container with the node's database and design
// documents. The node is the server admin.
func startCouch(t *testing.T, node model.Node, database string) string {
	t.Helper()
	if testing.Short() {
		t.Skip("container tests with -short are ignored")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)

	ctx := t.Context()
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "couchdb:3.4",
			ExposedPorts: []string{"5984/tcp"},
			Env: map[string]string{
				"COUCHDB_USER":     node.ID,
				"COUCHDB_PASSWORD": node.Password,
			},
			WaitingFor: wait.ForHTTP("/_up").WithPort("5984/tcp").WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	endpoint, err := ctr.PortEndpoint(ctx, "5984/tcp", "http")
	require.NoError(t, err)

	admin := func(method, path string, body []byte) {
		t.Helper()
		req, err := http.NewRequestWithContext(ctx, method, endpoint+path, bytes.NewReader(body))
		require.NoError(t, err)
		req.SetBasicAuth(node.ID, node.Password)
		req.Header.Set("Content-Type", "application/json")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
		require.Less(t, resp.StatusCode, 300, "%s %s", method, path)
	}
	db := "/" + url.PathEscape(database)
	admin(http.MethodPut, db, nil)

	var docs []json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(designDocs), &docs))
	raw, err := json.Marshal(map[string]any{"docs": docs})
	require.NoError(t, err)
	admin(http.MethodPost, db+"/_bulk_docs", raw)
	return endpoint
}

func TestCouchDB(t *testing.T) {
	t.Parallel()
	admin := model.Node{ID: "admin", Password: "secret"}
	cfg := storeCfg
	cfg.HeartbeatMs = 200
	cfg.LogRemoveSince = 3
	endpoint := startCouch(t, admin, cfg.Database)

	c, err := store.New(endpoint, cfg, admin)
	require.NoError(t, err)
	ctx := t.Context()

	docs, err := c.JobDocs(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	bundles := model.Bundles(docs)
	require.Len(t, bundles, 1)
	require.Equal(t, "blink", bundles[0].Name)
	require.Contains(t, bundles[0].Modules, "util")

	t.Run("heartbeat", func(t *testing.T) {
		require.NoError(t, c.Heartbeat(ctx, model.NewHeartbeat([]string{"job1"}, "10.0.0.2", nil)))
		doc, err := c.Get(ctx, model.HeartbeatDocID(admin.ID))
		require.NoError(t, err)
		require.Equal(t, "heartbeat", doc.Type())
		require.Equal(t, []any{"job1"}, doc["ids"])
		require.NotEmpty(t, doc["timestamp"])
	})

	t.Run("log", func(t *testing.T) {
		require.NoError(t, c.FlushLog(ctx, []string{"a", "b"}))
		require.NoError(t, c.FlushLog(ctx, []string{"c", "d"}))
		doc, err := c.Get(ctx, model.LogDocID(admin.ID))
		require.NoError(t, err)
		require.Equal(t, []any{"b", "c", "d"}, doc["log"])
	})

	t.Run("changes", func(t *testing.T) {
		fctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		feed, err := c.Changes(fctx)
		require.NoError(t, err)
		defer func() {
			_ = feed.Close()
		}()

		next := func(match func(store.Event) bool) store.Event {
			t.Helper()
			for {
				ev, err := feed.Next()
				require.NoError(t, err)
				if match(ev) {
					return ev
				}
			}
		}
		next(func(ev store.Event) bool { return ev.Heartbeat })

		res, err := c.BulkDocs(ctx, []model.Doc{
			{"_id": "skip", "type": "someone-else_cmd", "cmd": []string{"true"}},
			{"_id": "c1", "type": model.CommandType(admin.ID), "cmd": []string{"echo", "hi"}},
		})
		require.NoError(t, err)
		require.Len(t, res, 2)
		ev := next(func(ev store.Event) bool { return !ev.Heartbeat })
		require.Equal(t, "c1", ev.ID)
		argv, err := ev.Doc.Command()
		require.NoError(t, err)
		require.Equal(t, []string{"echo", "hi"}, argv)

		job, err := c.Get(ctx, "job1")
		require.NoError(t, err)
		_, err = c.BulkDocs(ctx, []model.Doc{{"_id": "job1", "_rev": job.Rev(), "_deleted": true}})
		require.NoError(t, err)
		ev = next(func(ev store.Event) bool { return !ev.Heartbeat })
		require.Equal(t, "job1", ev.ID)
		require.True(t, ev.Deleted)
	})
}
