package rpc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Tender/internal/codec"
	"github.com/CZERTAINLY/Tender/internal/parallel"
	"github.com/google/uuid"
	"golang.org/x/sys/unix"
)

// Peer is a registered worker connection.
type Peer struct {
	Identity

	mx   sync.Mutex
	conn net.Conn
	enc  *codec.Encoder
	dec  *codec.Decoder
}

// Call invokes method on the peer and waits for its reply. Calls on one peer
// are serialized.
func (p *Peer) Call(ctx context.Context, method string, args []any, kwargs map[string]any) (any, error) {
	p.mx.Lock()
	defer p.mx.Unlock()

	stop := deadline(ctx, p.conn, 0)
	defer stop()

	call := Call{ID: uuid.NewString(), Method: method, Args: args, Kwargs: kwargs}
	if err := p.enc.Encode(call); err != nil {
		return nil, fmt.Errorf("sending %s: %w", method, err)
	}
	var reply Reply
	if err := p.dec.Decode(&reply); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("reading reply to %s: %w", method, err)
	}
	if reply.ID != call.ID {
		return nil, fmt.Errorf("reply to %s: unexpected id %q", method, reply.ID)
	}
	if !reply.OK {
		return nil, &RemoteError{Method: method, Message: reply.Error}
	}
	return reply.Value, nil
}

func (p *Peer) Close() error {
	return p.conn.Close()
}

// Server accepts worker registrations for one supervisor run.
type Server struct {
	ln  *net.TCPListener
	key AuthKey

	mx    sync.Mutex
	peers []*Peer
}

// Listen binds addr. The address is reused on every reload, so the socket
// is opened with SO_REUSEADDR.
func Listen(ctx context.Context, addr string, key AuthKey) (*Server, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", addr, err)
	}
	return &Server{ln: ln.(*net.TCPListener), key: key}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Accept registers exactly n authenticated workers. Connections failing the
// handshake are logged and do not count. It returns early with the context
// error.
func (s *Server) Accept(ctx context.Context, n int) error {
	stop := context.AfterFunc(ctx, func() {
		_ = s.ln.SetDeadline(time.Now())
	})
	defer func() {
		stop()
		_ = s.ln.SetDeadline(time.Time{})
	}()

	for registered := 0; registered < n; {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accepting control connection: %w", err)
		}
		p, err := s.register(ctx, conn)
		if err != nil {
			slog.WarnContext(ctx, "rejected control connection",
				"remote", conn.RemoteAddr().String(),
				"error", err)
			_ = conn.Close()
			continue
		}
		slog.DebugContext(ctx, "worker registered", "name", p.Name, "pid", p.Pid)
		registered++
	}
	return nil
}

func (s *Server) register(ctx context.Context, conn net.Conn) (*Peer, error) {
	enc := codec.NewEncoder(conn)
	dec := codec.NewDecoder(conn)
	ident, err := serverHandshake(ctx, conn, s.key, enc, dec)
	if err != nil {
		return nil, err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if slices.ContainsFunc(s.peers, func(p *Peer) bool { return p.Name == ident.Name }) {
		return nil, fmt.Errorf("worker %q already registered", ident.Name)
	}
	p := &Peer{Identity: ident, conn: conn, enc: enc, dec: dec}
	s.peers = append(s.peers, p)
	return p, nil
}

// Peers returns the identities registered so far.
func (s *Server) Peers() []Identity {
	s.mx.Lock()
	defer s.mx.Unlock()
	ret := make([]Identity, 0, len(s.peers))
	for _, p := range s.peers {
		ret = append(ret, p.Identity)
	}
	return ret
}

// Pids returns process ids of the registered workers.
func (s *Server) Pids() []int {
	peers := s.Peers()
	pids := make([]int, 0, len(peers))
	for _, p := range peers {
		pids = append(pids, p.Pid)
	}
	return pids
}

type named struct {
	name  string
	value any
}

// Broadcast calls method on every registered peer concurrently. The result
// holds one entry per peer keyed by its name. If any call failed the error
// wraps ErrBroadcast and every per peer error.
func (s *Server) Broadcast(ctx context.Context, method string, args []any, kwargs map[string]any) (map[string]Result, error) {
	s.mx.Lock()
	peers := slices.Clone(s.peers)
	s.mx.Unlock()

	call := func(ctx context.Context, p *Peer) (named, error) {
		v, err := p.Call(ctx, method, args, kwargs)
		return named{name: p.Name, value: v}, err
	}

	results := make(map[string]Result, len(peers))
	for r, err := range parallel.NewMap(ctx, len(peers), call).Iter(parallel.All(peers)) {
		results[r.name] = Result{Value: r.value, Err: err}
	}

	var errs []error
	for _, p := range peers {
		r, ok := results[p.Name]
		if !ok {
			r.Err = ctx.Err()
			if r.Err == nil {
				r.Err = ErrClosed
			}
			results[p.Name] = r
		}
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.Name, r.Err))
		}
	}
	if len(errs) > 0 {
		return results, fmt.Errorf("%w: %w", ErrBroadcast, errors.Join(errs...))
	}
	return results, nil
}

// Close stops listening and drops every peer connection.
func (s *Server) Close() error {
	err := s.ln.Close()
	s.mx.Lock()
	defer s.mx.Unlock()
	for _, p := range s.peers {
		_ = p.Close()
	}
	s.peers = nil
	return err
}
