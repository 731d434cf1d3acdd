package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/CZERTAINLY/Tender/internal/command"
	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/registry"
	"github.com/CZERTAINLY/Tender/internal/store"
)

const DefaultBackoff = 5 * time.Second

// Store is the part of the document store the supervisor needs.
type Store interface {
	JobDocs(ctx context.Context) ([]model.JobDoc, error)
	Changes(ctx context.Context) (*store.Feed, error)
	Heartbeat(ctx context.Context, hb model.Heartbeat) error
	FlushLog(ctx context.Context, lines []string) error
	BulkDocs(ctx context.Context, docs []model.Doc) ([]store.BulkResult, error)
}

// Batch is the pending log batch shipped on heartbeats.
type Batch interface {
	Len() int
	Flush(ctx context.Context, sink log.Sink) error
}

// Outcome tells the listener loop what to do after an event.
type Outcome int

const (
	Continue Outcome = iota
	Reload
	ShouldExit
)

func (o Outcome) String() string {
	switch o {
	case Continue:
		return "continue"
	case Reload:
		return "reload"
	case ShouldExit:
		return "should_exit"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Listener follows the node's change feed for one worker set.
type Listener struct {
	store   Store
	state   *State
	ids     *registry.IDCache
	batch   Batch
	node    model.Node
	digests map[string]string

	Backoff        time.Duration
	CommandTimeout time.Duration
}

func NewListener(st Store, state *State, ids *registry.IDCache, batch Batch, node model.Node, digests map[string]string) *Listener {
	return &Listener{
		store:          st,
		state:          state,
		ids:            ids,
		batch:          batch,
		node:           node,
		digests:        digests,
		Backoff:        DefaultBackoff,
		CommandTimeout: command.DefaultTimeout,
	}
}

// Run follows the feed until an event asks for a reload or the supervisor is
// quitting. Feed errors are retried after Backoff unless quitting.
func (l *Listener) Run(ctx context.Context) {
	for {
		err := l.follow(ctx)
		if err == nil || ctx.Err() != nil || l.state.Quitting() {
			return
		}
		slog.ErrorContext(ctx, "change feed failed", "error", err, "backoff", l.Backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.Backoff):
		}
	}
}

func (l *Listener) follow(ctx context.Context) error {
	feed, err := l.store.Changes(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = feed.Close()
	}()
	slog.DebugContext(ctx, "following change feed")

	for {
		ev, err := feed.Next()
		if errors.Is(err, io.EOF) {
			return errors.New("change feed ended")
		}
		if err != nil {
			return err
		}
		switch l.Handle(ctx, ev) {
		case Continue:
		case Reload:
			l.state.RequestReload()
			return nil
		case ShouldExit:
			return nil
		}
	}
}

// Handle reacts to a single feed event.
func (l *Listener) Handle(ctx context.Context, ev store.Event) Outcome {
	switch {
	case ev.Heartbeat:
		if l.state.Quitting() {
			return ShouldExit
		}
		l.heartbeat(ctx)
		return Continue
	case ev.Deleted:
		if l.ids.IsExpected(ev.ID) {
			slog.InfoContext(ctx, "job deleted", "id", ev.ID)
			return Reload
		}
		return Continue
	case ev.Doc.Type() == model.CommandType(l.node.ID):
		if ev.Doc.HasResult() {
			return Continue
		}
		l.execute(ctx, ev.Doc)
		return Continue
	default:
		slog.InfoContext(ctx, "job changed", "id", ev.ID)
		return Reload
	}
}

func (l *Listener) heartbeat(ctx context.Context) {
	hb := model.NewHeartbeat(l.ids.Alive(), l.address(), l.digests)
	if err := l.store.Heartbeat(ctx, hb); err != nil {
		slog.WarnContext(ctx, "sending heartbeat", "error", err)
	}
	if l.batch == nil || l.batch.Len() == 0 {
		return
	}
	if err := l.batch.Flush(ctx, l.store); err != nil {
		slog.WarnContext(ctx, "flushing log", "error", err)
	}
}

func (l *Listener) execute(ctx context.Context, doc model.Doc) {
	slog.InfoContext(ctx, "executing command", "id", doc.ID())
	command.Execute(ctx, doc, l.CommandTimeout)
	res, err := l.store.BulkDocs(ctx, []model.Doc{doc})
	if err != nil {
		slog.ErrorContext(ctx, "storing command result", "id", doc.ID(), "error", err)
		return
	}
	for _, r := range res {
		if r.Error != "" {
			slog.ErrorContext(ctx, "storing command result", "id", r.ID, "error", r.Error, "reason", r.Reason)
		}
	}
}

func (l *Listener) address() string {
	if l.node.Address != nil {
		return *l.node.Address
	}
	return outboundIP()
}

// outboundIP returns the local address used for the default route. No
// packet is sent.
func outboundIP() string {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return ""
	}
	defer func() {
		_ = conn.Close()
	}()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return ""
	}
	return addr.IP.String()
}
