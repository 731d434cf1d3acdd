package rpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/CZERTAINLY/Tender/internal/codec"
)

// Client is the worker end of the control plane. It answers calls of the
// supervisor and tracks whether the worker has been asked to exit.
type Client struct {
	ident Identity
	conn  net.Conn
	enc   *codec.Encoder
	dec   *codec.Decoder

	mx        sync.Mutex
	handlers  map[string]Func
	notifiers map[int]func()
	nextID    int

	exiting  atomic.Bool
	exitOnce sync.Once
	exitCh   chan struct{}
}

// Dial connects to the supervisor at addr and registers under name.
func Dial(ctx context.Context, addr string, key AuthKey, name string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing control endpoint %s: %w", addr, err)
	}
	c := &Client{
		ident:     Identity{Name: name, Pid: os.Getpid()},
		conn:      conn,
		enc:       codec.NewEncoder(conn),
		dec:       codec.NewDecoder(conn),
		handlers:  make(map[string]Func),
		notifiers: make(map[int]func()),
		exitCh:    make(chan struct{}),
	}
	if err := clientHandshake(ctx, conn, key, c.ident, c.enc, c.dec); err != nil {
		_ = conn.Close()
		return nil, err
	}

	c.handlers[MethodExit] = func(context.Context, []any, map[string]any) (any, error) {
		c.ExitNow()
		return true, nil
	}
	c.handlers[MethodStatus] = func(context.Context, []any, map[string]any) (any, error) {
		return map[string]any{
			"name":    c.ident.Name,
			"pid":     c.ident.Pid,
			"exiting": c.ShouldExit(),
		}, nil
	}
	return c, nil
}

// Identity returns what the client registered as.
func (c *Client) Identity() Identity {
	return c.ident
}

// Register adds or replaces the handler of method.
func (c *Client) Register(method string, f Func) {
	c.mx.Lock()
	defer c.mx.Unlock()
	c.handlers[method] = f
}

// Listen answers calls until the connection closes or ctx ends. A lost
// supervisor is treated as an exit request.
func (c *Client) Listen(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.Close()
	})
	defer stop()

	for {
		var call Call
		if err := c.dec.Decode(&call); err != nil {
			c.ExitNow()
			if ctx.Err() != nil || errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading call: %w", err)
		}
		reply := c.dispatch(ctx, call)
		if err := c.enc.Encode(reply); err != nil {
			c.ExitNow()
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("sending reply to %s: %w", call.Method, err)
		}
	}
}

func (c *Client) dispatch(ctx context.Context, call Call) Reply {
	c.mx.Lock()
	f, ok := c.handlers[call.Method]
	c.mx.Unlock()
	if !ok {
		return Reply{ID: call.ID, Error: fmt.Sprintf("%s: %s", ErrUnknownMethod, call.Method)}
	}

	v, err := safeCall(ctx, f, call)
	if err != nil {
		slog.DebugContext(ctx, "call failed", "method", call.Method, "error", err)
		return Reply{ID: call.ID, Error: err.Error()}
	}
	return Reply{ID: call.ID, OK: true, Value: v}
}

func safeCall(ctx context.Context, f Func, call Call) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in %s: %v", call.Method, r)
		}
	}()
	return f(ctx, call.Args, call.Kwargs)
}

// ExitNow requests the worker to exit. Signal handlers and the exit method
// share this path. Exit notifiers run once, on the first request.
func (c *Client) ExitNow() {
	c.exitOnce.Do(func() {
		c.mx.Lock()
		c.exiting.Store(true)
		notifiers := make([]func(), 0, len(c.notifiers))
		for _, n := range c.notifiers {
			notifiers = append(notifiers, n)
		}
		c.mx.Unlock()

		close(c.exitCh)
		for _, n := range notifiers {
			n()
		}
	})
}

// ShouldExit reports whether exit was requested.
func (c *Client) ShouldExit() bool {
	return c.exiting.Load()
}

// Exiting is closed once exit was requested.
func (c *Client) Exiting() <-chan struct{} {
	return c.exitCh
}

// AddExitNotifier registers f to run on exit request. If exit was already
// requested f runs immediately.
func (c *Client) AddExitNotifier(f func()) int {
	c.mx.Lock()
	c.nextID++
	id := c.nextID
	if c.exiting.Load() {
		c.mx.Unlock()
		f()
		return id
	}
	c.notifiers[id] = f
	c.mx.Unlock()
	return id
}

func (c *Client) RemoveExitNotifier(id int) {
	c.mx.Lock()
	defer c.mx.Unlock()
	delete(c.notifiers, id)
}

func (c *Client) Close() error {
	return c.conn.Close()
}
