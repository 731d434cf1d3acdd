package log_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mx  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mx.Lock()
	defer b.mx.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Lines() []string {
	b.mx.Lock()
	defer b.mx.Unlock()
	s := strings.TrimSpace(b.buf.String())
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}

type sinkFunc func(ctx context.Context, lines []string) error

func (f sinkFunc) FlushLog(ctx context.Context, lines []string) error {
	return f(ctx, lines)
}

func newAggregator(t *testing.T) (*log.Aggregator, *syncBuffer) {
	t.Helper()
	var out syncBuffer
	dest := slog.NewJSONHandler(&out, &slog.HandlerOptions{Level: slog.LevelDebug})
	agg := log.NewAggregator(dest, log.WithPoll(5*time.Millisecond), log.WithLevel(slog.LevelDebug))
	return agg, &out
}

func TestAggregator_ArrivalOrder(t *testing.T) {
	t.Parallel()
	agg, out := newAggregator(t)

	logger := slog.New(agg.Handler()).With("run", 1).WithGroup("job")
	logger.Info("first", "id", "a")
	agg.Ingest("blinker", []byte(`{"time":"2026-01-02T03:04:05Z","level":"WARN","msg":"second","process":"x","port":3}`+"\n"))
	agg.Ingest("blinker", []byte("plain text\n"))
	agg.Ingest("blinker", []byte("\n"))
	agg.Close()

	lines := out.Lines()
	require.Len(t, lines, 3)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "first", rec["msg"])
	require.Equal(t, float64(1), rec["run"])
	require.Equal(t, map[string]any{"id": "a"}, rec["job"])
	require.Equal(t, "supervisor", rec["process"])

	require.NoError(t, json.Unmarshal([]byte(lines[1]), &rec))
	require.Equal(t, "second", rec["msg"])
	require.Equal(t, "WARN", rec["level"])
	require.Equal(t, "blinker", rec["process"])

	batch := agg.Drain()
	require.Len(t, batch, 3)
	require.Contains(t, batch[0], "[supervisor] INFO first run=1 job.id=a")
	require.Equal(t, "2026-01-02 03:04:05.000 [blinker] WARN second port=3", batch[1])
	require.Contains(t, batch[2], "[blinker] INFO plain text stream=output")
	require.Empty(t, agg.Drain())
}

func TestAggregator_AfterClose(t *testing.T) {
	t.Parallel()
	agg, out := newAggregator(t)
	agg.Close()
	agg.Close()

	slog.New(agg.Handler()).Error("late")
	require.Len(t, out.Lines(), 1)
	require.Equal(t, 1, agg.Len())
}

func TestAggregator_LevelFilter(t *testing.T) {
	t.Parallel()
	var out syncBuffer
	agg := log.NewAggregator(slog.NewJSONHandler(&out, nil), log.WithPoll(5*time.Millisecond))
	logger := slog.New(agg.Handler())
	logger.Debug("hidden")
	logger.Info("shown")
	agg.Close()
	require.Len(t, out.Lines(), 1)
}

func TestAggregator_Flush(t *testing.T) {
	t.Parallel()
	agg, _ := newAggregator(t)
	defer agg.Close()

	calls := 0
	ok := sinkFunc(func(_ context.Context, lines []string) error {
		calls++
		return nil
	})
	require.NoError(t, agg.Flush(t.Context(), ok))
	require.Zero(t, calls)

	slog.New(agg.Handler()).Info("one")
	require.Eventually(t, func() bool { return agg.Len() == 1 }, time.Second, 5*time.Millisecond)

	boom := errors.New("store down")
	failing := sinkFunc(func(_ context.Context, lines []string) error {
		return boom
	})
	require.ErrorIs(t, agg.Flush(t.Context(), failing), boom)
	require.Equal(t, 1, agg.Len())

	var got []string
	require.NoError(t, agg.Flush(t.Context(), sinkFunc(func(_ context.Context, lines []string) error {
		got = lines
		return nil
	})))
	require.Len(t, got, 1)
	require.Zero(t, agg.Len())
}

func TestContextHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	logger := slog.New(log.NewContextHandler(slog.NewJSONHandler(&buf, nil))).With("a", 1)
	ctx := log.ContextAttrs(t.Context(), slog.String("cmd", "run"))
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	require.Equal(t, "run", rec["cmd"])
	require.Equal(t, float64(1), rec["a"])
}
