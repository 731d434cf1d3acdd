package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/registry"
	"github.com/CZERTAINLY/Tender/internal/rpc"
	"github.com/CZERTAINLY/Tender/internal/worker"
)

// ErrForceRestart is returned when a reload had to kill workers which
// ignored the exit request. The process is expected to re-execute itself.
var ErrForceRestart = errors.New("workers did not exit in time, restart required")

const (
	DefaultPoll  = 200 * time.Millisecond
	DefaultGrace = 20 * time.Second
)

type Spawner interface {
	Spawn(ctx context.Context, p worker.Payload) (*worker.Handle, error)
}

type Supervisor struct {
	store    Store
	spawner  Spawner
	batch    Batch
	state    *State
	signals  *Signals
	ids      *registry.IDCache
	cfg      model.Config
	storeURL string
	key      rpc.AuthKey

	Grace   time.Duration
	Poll    time.Duration
	Backoff time.Duration
}

// NewSupervisor prepares a supervisor for the node described by cfg. The
// control endpoint secret is generated here and lives as long as the
// process.
func NewSupervisor(cfg model.Config, storeURL string, st Store, spawner Spawner, batch Batch, signals *Signals) (*Supervisor, error) {
	grace := DefaultGrace
	if cfg.RPC.Grace != "" {
		var err error
		grace, err = cfg.RPC.GraceWindow()
		if err != nil {
			return nil, err
		}
	}
	key, err := rpc.NewAuthKey()
	if err != nil {
		return nil, fmt.Errorf("generating control secret: %w", err)
	}
	return &Supervisor{
		store:    st,
		spawner:  spawner,
		batch:    batch,
		state:    signals.state,
		signals:  signals,
		ids:      registry.New(),
		cfg:      cfg,
		storeURL: storeURL,
		key:      key,
		Grace:    grace,
		Poll:     DefaultPoll,
		Backoff:  DefaultBackoff,
	}, nil
}

func (s *Supervisor) IDs() *registry.IDCache {
	return s.ids
}

// Run spawns one worker per actionable job bundle and restarts the whole
// set whenever a reload is requested. It returns nil after a quit, or
// ErrForceRestart when a reload had to kill workers. Cancelling ctx is a
// quit request.
func (s *Supervisor) Run(ctx context.Context) error {
	slog.DebugContext(ctx, "starting a supervisor")
	stop := context.AfterFunc(ctx, s.state.RequestQuit)
	defer stop()

	for {
		err := s.iteration(ctx)
		switch {
		case err == nil:
		case errors.Is(err, ErrForceRestart):
			if s.state.Reloading() && !s.state.Quitting() {
				return err
			}
			slog.ErrorContext(ctx, "workers killed while quitting", "error", err)
		default:
			slog.ErrorContext(ctx, "supervisor iteration failed", "error", err, "backoff", s.Backoff)
			select {
			case <-s.state.Requested():
			case <-time.After(s.Backoff):
			}
		}

		if s.state.Quitting() {
			slog.InfoContext(ctx, "supervisor stopped")
			return nil
		}
		if s.state.Reloading() {
			slog.InfoContext(ctx, "reloading jobs")
			s.state.ClearReload()
		}
	}
}

func (s *Supervisor) iteration(ctx context.Context) error {
	docs, err := s.store.JobDocs(ctx)
	if err != nil {
		return fmt.Errorf("loading jobs: %w", err)
	}
	bundles := model.Bundles(docs)
	slog.InfoContext(ctx, "jobs loaded", "documents", len(docs), "bundles", len(bundles))

	srv, err := rpc.Listen(ctx, s.cfg.RPC.Address, s.key)
	if err != nil {
		return err
	}
	defer func() {
		_ = srv.Close()
	}()

	ictx, cancel := context.WithCancel(ctx)
	defer cancel()
	rpc.WatchDiagnostics(ictx, srv.Pids)

	handles, digests := s.spawn(ctx, bundles, srv.Addr())

	var wg sync.WaitGroup
	wg.Go(func() {
		if err := srv.Accept(ictx, len(handles)); err != nil && ictx.Err() == nil {
			slog.ErrorContext(ctx, "accepting workers", "error", err)
		}
	})

	listener := NewListener(s.store, s.state, s.ids, s.batch, s.cfg.Node, digests)
	listener.Backoff = s.Backoff
	listenerDone := make(chan struct{})
	go func() {
		defer close(listenerDone)
		listener.Run(ictx)
	}()

	forced := s.reap(ctx, srv, handles)

	select {
	case <-listenerDone:
	case <-s.state.Requested():
	}
	cancel()
	<-listenerDone
	wg.Wait()

	if forced {
		return ErrForceRestart
	}
	return nil
}

// spawn starts the worker set with quit and reload signals held.
func (s *Supervisor) spawn(ctx context.Context, bundles []model.Bundle, addr string) ([]*worker.Handle, map[string]string) {
	s.signals.Hold()
	defer s.signals.Release()

	handles := make([]*worker.Handle, 0, len(bundles))
	ids := make([]string, 0, len(bundles))
	digests := make(map[string]string, len(bundles))
	for _, b := range bundles {
		h, err := s.spawner.Spawn(ctx, worker.Payload{
			Bundle:     b,
			RPCAddress: addr,
			AuthKey:    s.key,
			StoreURL:   s.storeURL,
			Store:      s.cfg.Store,
			Node:       s.cfg.Node,
		})
		if err != nil {
			slog.ErrorContext(ctx, "spawning worker", "name", b.Name, "error", err)
			continue
		}
		handles = append(handles, h)
		ids = append(ids, h.ID)
		digests[h.ID] = b.Digest()
	}
	s.ids.SetExpected(ids)
	return handles, digests
}

// reap collects worker results until all workers are gone. It reports
// whether workers had to be killed.
func (s *Supervisor) reap(ctx context.Context, srv *rpc.Server, handles []*worker.Handle) bool {
	results := make(chan worker.Result, len(handles))
	pending := make(map[string]*worker.Handle, len(handles))
	for _, h := range handles {
		pending[h.ID] = h
		go func() {
			results <- <-h.Result()
		}()
	}

	var exitSent, forced bool
	var deadline <-chan time.Time
	for len(pending) > 0 {
		if !exitSent && (s.state.Quitting() || s.state.Reloading()) {
			exitSent = true
			s.broadcastExit(ctx, srv)
			deadline = time.After(s.Grace)
		}

		select {
		case r := <-results:
			delete(pending, r.ID)
			s.ids.MarkExited(r.ID)
			logResult(ctx, r)
		case <-deadline:
			deadline = nil
			forced = true
			for _, h := range pending {
				slog.WarnContext(ctx, "killing worker", "name", h.Name, "pid", h.Pid(), "grace", s.Grace)
				if err := h.Kill(); err != nil {
					slog.ErrorContext(ctx, "killing worker", "name", h.Name, "error", err)
				}
			}
		case <-time.After(s.Poll):
		}
	}
	return forced
}

func (s *Supervisor) broadcastExit(ctx context.Context, srv *rpc.Server) {
	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Grace)
	defer cancel()
	slog.InfoContext(ctx, "asking workers to exit", "workers", len(srv.Peers()))
	if _, err := srv.Broadcast(bctx, rpc.MethodExit, nil, nil); err != nil {
		slog.WarnContext(ctx, "exit broadcast", "error", err)
	}
}

func logResult(ctx context.Context, r worker.Result) {
	if r.Err != nil {
		slog.ErrorContext(ctx, "worker failed",
			"name", r.Name,
			"id", r.ID,
			"pid", r.Pid,
			"exit_code", r.ExitCode,
			"error", r.Err,
			"trace", r.Trace)
		return
	}
	slog.InfoContext(ctx, "worker finished",
		"name", r.Name,
		"id", r.ID,
		"value", r.Value,
		"elapsed", r.Stopped.Sub(r.Started))
}
