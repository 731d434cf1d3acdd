package rpc

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"runtime"

	"golang.org/x/sys/unix"
)

// Stacks returns the stack traces of all goroutines.
func Stacks() string {
	buf := make([]byte, 1<<16)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return string(buf[:n])
		}
		buf = make([]byte, 2*len(buf))
	}
}

// WatchDiagnostics logs a goroutine dump on every SIGUSR1 until ctx ends.
// When forward is not nil the signal is passed on to the pids it returns,
// so one signal to the supervisor dumps every worker too.
func WatchDiagnostics(ctx context.Context, forward func() []int) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	go func() {
		defer signal.Stop(ch)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				slog.InfoContext(ctx, "goroutine dump", "pid", os.Getpid(), "stacks", Stacks())
				if forward == nil {
					continue
				}
				for _, pid := range forward() {
					if err := unix.Kill(pid, unix.SIGUSR1); err != nil && !errors.Is(err, unix.ESRCH) {
						slog.WarnContext(ctx, "forwarding SIGUSR1", "pid", pid, "error", err)
					}
				}
			}
		}
	}()
}
