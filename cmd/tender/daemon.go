package main

import (
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/spf13/cobra"
)

const defaultStopTimeout = time.Minute

var flagStopTimeout time.Duration

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "reload asks the running daemon to restart its jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pid, err := daemonPid()
		if err != nil {
			return err
		}
		if err := unix.Kill(pid, unix.SIGHUP); err != nil {
			return fmt.Errorf("signalling pid %d: %w", pid, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "reload requested (pid %d)\n", pid)
		return nil
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "stop terminates the running daemon and waits until it is gone",
	RunE: func(cmd *cobra.Command, _ []string) error {
		pid, err := daemonPid()
		if err != nil {
			return err
		}
		if err := unix.Kill(pid, unix.SIGTERM); err != nil {
			if errors.Is(err, unix.ESRCH) {
				return nil
			}
			return fmt.Errorf("signalling pid %d: %w", pid, err)
		}
		// the daemon removes its pidfile right before exiting, which is the
		// only sign left when it is an unreaped child of the caller
		deadline := time.Now().Add(flagStopTimeout)
		for alive(pid) && exists(pidfilePath()) {
			if time.Now().After(deadline) {
				return fmt.Errorf("pid %d still running after %s", pid, flagStopTimeout)
			}
			time.Sleep(100 * time.Millisecond)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "stopped (pid %d)\n", pid)
		return nil
	},
}

func daemonPid() (int, error) {
	path := pidfilePath()
	pid, err := readPidfile(path)
	if err != nil {
		return 0, fmt.Errorf("tender does not seem to run, reading %s: %w", path, err)
	}
	return pid, nil
}

func alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
