package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/CZERTAINLY/Tender/internal/rpc"
	"github.com/CZERTAINLY/Tender/internal/script"
	"github.com/CZERTAINLY/Tender/internal/store"
)

const accountTimeout = 30 * time.Second

// Bootstrap is the body of a worker process. It reads the payload from
// stdin, registers with the supervisor and runs the bundle. Exactly one
// result line is written to result, also when setup fails.
func Bootstrap(ctx context.Context, stdin io.Reader, result io.Writer) error {
	var p Payload
	if err := json.NewDecoder(stdin).Decode(&p); err != nil {
		err = fmt.Errorf("reading payload: %w", err)
		_ = WriteResult(result, nil, err, "")
		return err
	}

	value, err := run(ctx, p)
	if werr := WriteResult(result, value, err, script.Trace(err)); werr != nil {
		return fmt.Errorf("writing result: %w", werr)
	}
	return err
}

func run(ctx context.Context, p Payload) (any, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := slog.Default().With("job", p.Bundle.ID, "digest", p.Bundle.Digest())

	client, err := rpc.Dial(ctx, p.RPCAddress, p.AuthKey, p.Bundle.Name)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = client.Close()
	}()

	// SIGINT and SIGTERM take the same path as the exit call
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		select {
		case <-ctx.Done():
		case sig := <-sigs:
			logger.InfoContext(ctx, "signal received, exiting", "signal", sig.String())
			client.ExitNow()
		}
	}()
	rpc.WatchDiagnostics(ctx, nil)

	opts := []script.Option{script.WithLogger(logger)}
	if p.StoreURL != "" {
		acct, err := store.New(p.StoreURL, p.Store, p.Node,
			store.WithHTTPClient(&http.Client{Timeout: accountTimeout}))
		if err != nil {
			logger.WarnContext(ctx, "store account unavailable", "error", err)
		} else {
			opts = append(opts, script.WithAccount(acct))
		}
	}
	engine, err := script.New(p.Bundle, opts...)
	if err != nil {
		return nil, err
	}
	defer engine.Close()
	notifier := client.AddExitNotifier(engine.NotifyQuit)
	defer client.RemoveExitNotifier(notifier)

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- client.Listen(ctx)
	}()

	logger.InfoContext(ctx, "starting")
	value, err := engine.Run(ctx)
	if err != nil {
		logger.ErrorContext(ctx, "finished with error", "error", err)
	} else {
		logger.InfoContext(ctx, "finished")
	}

	cancel()
	if lerr := <-listenErr; lerr != nil {
		logger.DebugContext(ctx, "control connection", "error", lerr)
	}
	return value, err
}
