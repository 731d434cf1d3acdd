package service

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
)

// State holds the supervisor's quit and reload requests. The flags are only
// set by signal translation and the change-feed listener, and cleared by the
// supervisor loop.
type State struct {
	mx        sync.Mutex
	quitting  bool
	reloading bool
	requested chan struct{}
}

func NewState() *State {
	return &State{requested: make(chan struct{})}
}

func (s *State) Quitting() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.quitting
}

func (s *State) Reloading() bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.reloading
}

func (s *State) RequestQuit() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.quitting = true
	s.notify()
}

func (s *State) RequestReload() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.reloading = true
	s.notify()
}

// ClearReload resets the reload flag before the next supervisor iteration.
func (s *State) ClearReload() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.reloading = false
	if !s.quitting {
		select {
		case <-s.requested:
			s.requested = make(chan struct{})
		default:
		}
	}
}

// Requested is closed once quit or reload has been requested.
func (s *State) Requested() <-chan struct{} {
	s.mx.Lock()
	defer s.mx.Unlock()
	return s.requested
}

func (s *State) notify() {
	select {
	case <-s.requested:
	default:
		close(s.requested)
	}
}

// Signals translates process signals into State requests. While held,
// signals are queued and applied on Release, so a worker set is never left
// half spawned.
type Signals struct {
	state *State

	mx      sync.Mutex
	held    bool
	pending []os.Signal
}

func NewSignals(state *State) *Signals {
	return &Signals{state: state}
}

// Watch translates SIGINT, SIGTERM and SIGHUP until ctx is done.
func (s *Signals) Watch(ctx context.Context) error {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(ch)
	for {
		select {
		case <-ctx.Done():
			return nil
		case sig := <-ch:
			slog.InfoContext(ctx, "received signal", "signal", sig.String())
			s.Deliver(sig)
		}
	}
}

// Deliver applies sig, or queues it while held.
func (s *Signals) Deliver(sig os.Signal) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if s.held {
		s.pending = append(s.pending, sig)
		return
	}
	s.apply(sig)
}

func (s *Signals) Hold() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.held = true
}

// Release applies queued signals in arrival order.
func (s *Signals) Release() {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.held = false
	for _, sig := range s.pending {
		s.apply(sig)
	}
	s.pending = nil
}

func (s *Signals) apply(sig os.Signal) {
	switch sig {
	case syscall.SIGINT, syscall.SIGTERM:
		s.state.RequestQuit()
	case syscall.SIGHUP:
		s.state.RequestReload()
	}
}
