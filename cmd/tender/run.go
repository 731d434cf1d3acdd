package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/CZERTAINLY/Tender/internal/log"
	"github.com/CZERTAINLY/Tender/internal/model"
	"github.com/CZERTAINLY/Tender/internal/pairing"
	"github.com/CZERTAINLY/Tender/internal/service"

	"github.com/spf13/cobra"
)

func doRun(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	attrs := slog.Group("tender",
		slog.String("cmd", "run"),
		slog.Int("pid", os.Getpid()),
	)
	ctx = log.ContextAttrs(ctx, attrs)

	storeURL, err := resolveStoreURL(ctx)
	if err != nil {
		return err
	}

	pidfile := pidfilePath()
	if err := writePidfile(pidfile); err != nil {
		return err
	}

	out, err := log.Open(model.Get(config.Service.Log))
	if err != nil {
		_ = os.Remove(pidfile)
		return err
	}
	verbose := model.Get(config.Service.Verbose)
	dest := slog.NewJSONHandler(out, &slog.HandlerOptions{Level: log.Level(verbose)})
	agg := log.NewAggregator(dest, log.WithLevel(log.Level(verbose)))
	slog.SetDefault(slog.New(log.NewContextHandler(agg.Handler())))

	slog.InfoContext(ctx, "tender started", "store", storeURL, "node", config.Node.ID, "pidfile", pidfile)
	err = service.Run(ctx, config, storeURL, agg)

	// back to synchronous logging before the queue goes away
	slog.SetDefault(log.New(os.Stderr, verbose))
	agg.Close()
	_ = out.Close()
	_ = os.Remove(pidfile)

	if errors.Is(err, service.ErrForceRestart) {
		slog.WarnContext(ctx, "restarting tender", "error", err)
		return restart()
	}
	return err
}

// resolveStoreURL returns store.url, or the paired server when it is empty.
func resolveStoreURL(ctx context.Context) (string, error) {
	if config.Store.URL != "" {
		return config.Store.URL, nil
	}
	db, err := pairing.Open(ctx, pairingDBPath())
	if err != nil {
		return "", fmt.Errorf("opening pairing database: %w", err)
	}
	defer func() {
		_ = db.Close()
	}()
	rec, err := db.Current(ctx)
	if errors.Is(err, model.ErrNotFound) {
		return "", errors.New("store.url is empty and the node is not paired, run `tender pair` first")
	}
	if err != nil {
		return "", err
	}
	slog.DebugContext(ctx, "using paired server", "server", rec.Server, "paired_at", rec.PairedAt)
	return rec.Server, nil
}

// restart replaces the process with a fresh copy of itself.
func restart() error {
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locating executable: %w", err)
	}
	return syscall.Exec(exe, os.Args, os.Environ())
}

func pidfilePath() string {
	if p := model.Get(config.Service.Pidfile); p != "" {
		return p
	}
	return filepath.Join(userConfigPath, "tender.pid")
}

func pairingDBPath() string {
	if p := model.Get(config.Service.PairingDB); p != "" {
		return p
	}
	return filepath.Join(userConfigPath, "pairing.db")
}

// writePidfile refuses to start next to a running daemon.
func writePidfile(path string) error {
	if pid, err := readPidfile(path); err == nil && alive(pid) && pid != os.Getpid() {
		return fmt.Errorf("tender already running with pid %d", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0644); err != nil {
		return fmt.Errorf("writing pidfile: %w", err)
	}
	return nil
}

func readPidfile(path string) (int, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pidfile %s", path)
	}
	return pid, nil
}
