package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Tender/internal/command"
	"github.com/CZERTAINLY/Tender/internal/model"
)

// Indicator shows that a node is waiting to be paired.
type Indicator interface {
	Start()
	Stop()
}

type ListenOptions struct {
	// Address to bind, all interfaces when empty.
	Address string
	Port    int
	// Ticks is the total budget in ticks, zero or less waits forever.
	Ticks int
	// Tick is one second unless set.
	Tick      time.Duration
	Node      model.Node
	Indicator Indicator
}

type message struct {
	Server   *string         `json:"server,omitempty"`
	MacID    string          `json:"MacID,omitempty"`
	Password string          `json:"password,omitempty"`
	Cmd      json.RawMessage `json:"cmd,omitempty"`
}

// Listen waits for a server announcement, answers it with the node
// credentials and returns the announced server. Commands addressed to the
// node are executed and answered while waiting. SIGTERM ends the wait for
// its duration. It returns ErrTimeout when the budget runs out and
// ErrStopped on SIGTERM.
func Listen(ctx context.Context, opts ListenOptions) (string, error) {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Indicator == nil {
		opts.Indicator = LogIndicator{}
	}

	conn, err := listenUDP(ctx, net.JoinHostPort(opts.Address, strconv.Itoa(opts.Port)))
	if err != nil {
		return "", err
	}
	defer func() {
		_ = conn.Close()
	}()

	opts.Indicator.Start()
	defer opts.Indicator.Stop()

	term := make(chan os.Signal, 1)
	signal.Notify(term, syscall.SIGTERM)
	defer signal.Stop(term)

	slog.InfoContext(ctx, "waiting for broadcast", "port", opts.Port)
	buf := make([]byte, MaxPacket)
	remaining := opts.Ticks
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-term:
			slog.InfoContext(ctx, "stopped waiting for broadcast")
			return "", ErrStopped
		default:
		}

		_ = conn.SetReadDeadline(time.Now().Add(opts.Tick))
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			var nerr net.Error
			if !errors.As(err, &nerr) || !nerr.Timeout() {
				slog.ErrorContext(ctx, "waiting for broadcast", "error", err)
				return "", err
			}
			if opts.Ticks <= 0 {
				continue
			}
			remaining--
			if remaining > 0 {
				continue
			}
			slog.InfoContext(ctx, "timed out waiting for broadcast")
			return "", ErrTimeout
		}

		var msg message
		if err := json.Unmarshal(buf[:n], &msg); err != nil {
			slog.WarnContext(ctx, "ignoring malformed broadcast", "from", addr.String(), "error", err)
			continue
		}
		if msg.Server != nil {
			reply, _ := json.Marshal(map[string]string{"MacID": opts.Node.ID, "password": opts.Node.Password})
			if _, err := conn.WriteTo(reply, addr); err != nil {
				slog.WarnContext(ctx, "answering broadcast", "to", addr.String(), "error", err)
			}
			slog.InfoContext(ctx, "received server", "server", *msg.Server, "from", addr.String())
			return *msg.Server, nil
		}
		if msg.MacID == opts.Node.ID && msg.Password == opts.Node.Password && len(msg.Cmd) > 0 {
			runCommand(ctx, conn, addr, buf[:n])
		}
	}
}

func runCommand(ctx context.Context, conn net.PacketConn, addr net.Addr, raw []byte) {
	var doc model.Doc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return
	}
	slog.InfoContext(ctx, "executing broadcast command", "from", addr.String())
	command.Execute(ctx, doc, command.DefaultTimeout)
	reply, err := json.Marshal(doc)
	if err != nil {
		slog.WarnContext(ctx, "encoding command result", "error", err)
		return
	}
	if len(reply) > MaxPacket {
		doc.SetResult("", "", ErrPacketTooBig)
		reply, _ = json.Marshal(doc)
	}
	if _, err := conn.WriteTo(reply, addr); err != nil {
		slog.WarnContext(ctx, "answering command", "to", addr.String(), "error", err)
	}
}
