package log

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultQueueSize = 1024
	defaultPoll      = 100 * time.Millisecond
	// maxBatch bounds the unflushed batch while the store is unreachable.
	maxBatch = 50000
)

// Sink receives flushed log batches.
type Sink interface {
	FlushLog(ctx context.Context, lines []string) error
}

// Entry is one queued record together with the process that produced it.
type Entry struct {
	Record  slog.Record
	Process string
}

// Aggregator collects records of the supervisor and of its workers. A single
// receiver goroutine replays them into the destination handler in arrival
// order and keeps a formatted copy in a batch for the store.
type Aggregator struct {
	dest    slog.Handler
	level   slog.Leveler
	process string
	poll    time.Duration

	queue chan Entry
	done  chan struct{}

	// stopMx orders enqueues against Close.
	stopMx   sync.RWMutex
	stopping atomic.Bool

	emitMx sync.Mutex

	batchMx sync.Mutex
	batch   []string
}

type AggregatorOption func(*Aggregator)

// WithLevel sets the minimal level accepted by Handler.
func WithLevel(level slog.Leveler) AggregatorOption {
	return func(a *Aggregator) { a.level = level }
}

// WithPoll sets the timed receive used by the receiver to notice Close.
func WithPoll(d time.Duration) AggregatorOption {
	return func(a *Aggregator) { a.poll = d }
}

// NewAggregator starts the receiver goroutine. Callers must Close it.
func NewAggregator(dest slog.Handler, opts ...AggregatorOption) *Aggregator {
	a := &Aggregator{
		dest:    dest,
		level:   slog.LevelInfo,
		process: "supervisor",
		poll:    defaultPoll,
		queue:   make(chan Entry, defaultQueueSize),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.receive()
	return a
}

// Handler returns a slog.Handler which enqueues records to the aggregator.
func (a *Aggregator) Handler() slog.Handler {
	return &queueHandler{agg: a}
}

// Send enqueues e. Once the aggregator is closed e is emitted synchronously.
func (a *Aggregator) Send(e Entry) {
	a.stopMx.RLock()
	if a.stopping.Load() {
		a.stopMx.RUnlock()
		a.emit(e)
		return
	}
	a.queue <- e
	a.stopMx.RUnlock()
}

// Ingest parses one stderr line of a worker. JSON records keep their time,
// level, message and attributes; any other output is logged verbatim.
func (a *Aggregator) Ingest(process string, line []byte) {
	line = []byte(strings.TrimRight(string(line), "\r\n"))
	if len(line) == 0 {
		return
	}
	a.Send(Entry{Record: parseLine(line), Process: process})
}

// Drain swaps the batch out and returns it.
func (a *Aggregator) Drain() []string {
	a.batchMx.Lock()
	defer a.batchMx.Unlock()
	out := a.batch
	a.batch = nil
	return out
}

// Len returns the number of batched lines.
func (a *Aggregator) Len() int {
	a.batchMx.Lock()
	defer a.batchMx.Unlock()
	return len(a.batch)
}

// Flush sends the batch to sink. An empty batch is not sent. On failure the
// lines are put back in front of whatever arrived meanwhile.
func (a *Aggregator) Flush(ctx context.Context, sink Sink) error {
	lines := a.Drain()
	if len(lines) == 0 {
		return nil
	}
	if err := sink.FlushLog(ctx, lines); err != nil {
		a.batchMx.Lock()
		a.batch = capBatch(append(lines, a.batch...))
		a.batchMx.Unlock()
		return fmt.Errorf("flushing %d log lines: %w", len(lines), err)
	}
	return nil
}

// Close stops the receiver after it has drained the queue. It is safe to
// call Close more than once.
func (a *Aggregator) Close() {
	a.stopMx.Lock()
	a.stopping.Store(true)
	a.stopMx.Unlock()
	<-a.done
}

func (a *Aggregator) receive() {
	defer close(a.done)
	timer := time.NewTimer(a.poll)
	defer timer.Stop()
	for {
		select {
		case e := <-a.queue:
			a.emit(e)
		case <-timer.C:
			if a.stopping.Load() {
				for {
					select {
					case e := <-a.queue:
						a.emit(e)
					default:
						return
					}
				}
			}
			timer.Reset(a.poll)
		}
	}
}

func (a *Aggregator) emit(e Entry) {
	a.emitMx.Lock()
	defer a.emitMx.Unlock()

	r := e.Record.Clone()
	if e.Process != "" {
		r.AddAttrs(slog.String("process", e.Process))
	}
	ctx := context.Background()
	if a.dest.Enabled(ctx, r.Level) {
		_ = a.dest.Handle(ctx, r)
	}

	line := Format(e)
	a.batchMx.Lock()
	a.batch = capBatch(append(a.batch, line))
	a.batchMx.Unlock()
}

func capBatch(b []string) []string {
	if len(b) <= maxBatch {
		return b
	}
	return slices.Clone(b[len(b)-maxBatch:])
}

// Format renders an entry as one human readable line for the store.
func Format(e Entry) string {
	var sb strings.Builder
	sb.WriteString(e.Record.Time.Format("2006-01-02 15:04:05.000"))
	sb.WriteString(" [")
	if e.Process != "" {
		sb.WriteString(e.Process)
	} else {
		sb.WriteString("-")
	}
	sb.WriteString("] ")
	sb.WriteString(e.Record.Level.String())
	sb.WriteString(" ")
	sb.WriteString(e.Record.Message)
	e.Record.Attrs(func(attr slog.Attr) bool {
		appendAttr(&sb, "", attr)
		return true
	})
	return sb.String()
}

func appendAttr(sb *strings.Builder, prefix string, attr slog.Attr) {
	attr.Value = attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	key := attr.Key
	if prefix != "" {
		key = prefix + "." + key
	}
	if attr.Value.Kind() == slog.KindGroup {
		for _, g := range attr.Value.Group() {
			appendAttr(sb, key, g)
		}
		return
	}
	sb.WriteString(" ")
	sb.WriteString(key)
	sb.WriteString("=")
	v := attr.Value.String()
	if strings.ContainsAny(v, " \t\n\"=") {
		v = fmt.Sprintf("%q", v)
	}
	sb.WriteString(v)
}

func parseLine(line []byte) slog.Record {
	var m map[string]any
	if err := json.Unmarshal(line, &m); err != nil {
		r := slog.NewRecord(time.Now(), slog.LevelInfo, string(line), 0)
		r.AddAttrs(slog.String("stream", "output"))
		return r
	}

	t := time.Now()
	if s, ok := m[slog.TimeKey].(string); ok {
		if parsed, err := time.Parse(time.RFC3339Nano, s); err == nil {
			t = parsed
		}
	}
	level := slog.LevelInfo
	if s, ok := m[slog.LevelKey].(string); ok {
		_ = level.UnmarshalText([]byte(s))
	}
	msg, _ := m[slog.MessageKey].(string)
	delete(m, slog.TimeKey)
	delete(m, slog.LevelKey)
	delete(m, slog.MessageKey)
	// the aggregator attaches its own process attribute
	delete(m, "process")

	r := slog.NewRecord(t, level, msg, 0)
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.AddAttrs(slog.Any(k, m[k]))
	}
	return r
}

type groupOrAttrs struct {
	group string
	attrs []slog.Attr
}

type queueHandler struct {
	agg  *Aggregator
	goas []groupOrAttrs
}

func (h *queueHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.agg.level.Level()
}

func (h *queueHandler) Handle(_ context.Context, r slog.Record) error {
	var cur []slog.Attr
	r.Attrs(func(a slog.Attr) bool {
		cur = append(cur, a)
		return true
	})
	for i := len(h.goas) - 1; i >= 0; i-- {
		g := h.goas[i]
		if g.group != "" {
			if len(cur) > 0 {
				cur = []slog.Attr{{Key: g.group, Value: slog.GroupValue(cur...)}}
			}
			continue
		}
		cur = append(slices.Clone(g.attrs), cur...)
	}
	nr := slog.NewRecord(r.Time, r.Level, r.Message, r.PC)
	nr.AddAttrs(cur...)
	h.agg.Send(Entry{Record: nr, Process: h.agg.process})
	return nil
}

func (h *queueHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	return h.with(groupOrAttrs{attrs: attrs})
}

func (h *queueHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return h.with(groupOrAttrs{group: name})
}

func (h *queueHandler) with(g groupOrAttrs) *queueHandler {
	goas := make([]groupOrAttrs, len(h.goas), len(h.goas)+1)
	copy(goas, h.goas)
	return &queueHandler{agg: h.agg, goas: append(goas, g)}
}
