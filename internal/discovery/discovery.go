// Package discovery pairs nodes with a store server over UDP broadcast.
//
// A server announces itself with {"server": "<url>"}. A waiting node answers
// with its credentials {"MacID": "<id>", "password": "<password>"} and keeps
// the announced server. A broadcast carrying matching credentials and a
// "cmd" runs the command on the node, the result comes back as "ret".
package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Tender/internal/model"
	"golang.org/x/sys/unix"
)

const (
	DefaultPort    = 53000
	MaxPacket      = 65000
	DefaultTimeout = 10 * time.Second
)

var (
	ErrPacketTooBig = fmt.Errorf("%w: packet exceeds %d bytes", model.ErrTooBig, MaxPacket)
	ErrTimeout      = errors.New("no server announced in time")
	ErrStopped      = errors.New("waiting for server stopped")
)

// ServerPayload is the announcement of a store server.
func ServerPayload(server string) map[string]any {
	return map[string]any{"server": server}
}

// CommandPayload asks the node with the given credentials to run argv.
func CommandPayload(node model.Node, argv []string) map[string]any {
	return map[string]any{"MacID": node.ID, "password": node.Password, "cmd": argv}
}

type BroadcastOptions struct {
	// Address is the destination, 255.255.255.255 when empty.
	Address string
	Port    int
	Timeout time.Duration
}

// Broadcast sends payload and collects the replies until the timeout. The
// result maps the sender address to its decoded reply.
func Broadcast(ctx context.Context, payload any, opts BroadcastOptions) (map[string]any, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}
	if len(raw) > MaxPacket {
		return nil, fmt.Errorf("%w: %d bytes", ErrPacketTooBig, len(raw))
	}
	if opts.Address == "" {
		opts.Address = "255.255.255.255"
	}
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}

	conn, err := listenUDP(ctx, ":0")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = conn.Close()
	}()

	dst, err := net.ResolveUDPAddr("udp4", net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port)))
	if err != nil {
		return nil, err
	}
	slog.InfoContext(ctx, "broadcasting", "to", dst.String(), "payload", string(raw))
	if _, err := conn.WriteTo(raw, dst); err != nil {
		return nil, fmt.Errorf("sending broadcast: %w", err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()
	_ = conn.SetReadDeadline(time.Now().Add(opts.Timeout))

	replies := make(map[string]any)
	buf := make([]byte, MaxPacket)
	for {
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				break
			}
			return replies, fmt.Errorf("reading replies: %w", err)
		}
		var reply any
		if err := json.Unmarshal(buf[:n], &reply); err != nil {
			slog.WarnContext(ctx, "ignoring malformed reply", "from", addr.String(), "error", err)
			continue
		}
		replies[addr.String()] = reply
	}
	if ctx.Err() != nil {
		return replies, ctx.Err()
	}
	return replies, nil
}

// listenUDP opens an IPv4 UDP socket allowed to send broadcasts. The address
// is reusable so a restarted node can bind the discovery port right away.
func listenUDP(ctx context.Context, addr string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			var serr error
			err := c.Control(func(fd uintptr) {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); serr != nil {
					return
				}
				serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
			})
			if err != nil {
				return err
			}
			return serr
		},
	}
	conn, err := lc.ListenPacket(ctx, "udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}
	return conn, nil
}
