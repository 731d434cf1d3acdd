package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	tailLines = 20
	// maxResult bounds the result a worker may hand back.
	maxResult = 1 << 20
)

// LineFunc receives every output line of a worker, stdout and stderr alike.
type LineFunc func(process string, line []byte)

// Result is the outcome of one worker process. Err is nil on success.
type Result struct {
	ID       string
	Name     string
	Pid      int
	Value    any
	Err      error
	Trace    string
	ExitCode int
	Started  time.Time
	Stopped  time.Time
}

// Spawner starts worker processes.
type Spawner struct {
	Path    string
	Args    []string
	Env     []string
	Verbose bool
	Output  LineFunc
}

// NewSpawner re-executes the running binary with the _worker command.
func NewSpawner(output LineFunc, verbose bool) (*Spawner, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating executable: %w", err)
	}
	return &Spawner{
		Path:    exe,
		Args:    []string{"_worker"},
		Env:     os.Environ(),
		Verbose: verbose,
		Output:  output,
	}, nil
}

// Handle is a running worker. Its result channel delivers exactly one
// Result.
type Handle struct {
	ID   string
	Name string

	cmd    *exec.Cmd
	result chan Result
}

// Spawn starts a worker for p.Bundle in its own process group.
func (s *Spawner) Spawn(ctx context.Context, p Payload) (*Handle, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	cmd := exec.Command(s.Path, s.Args...)
	cmd.Env = append(append([]string(nil), s.Env...),
		EnvName+"="+p.Bundle.Name,
		fmt.Sprintf("%s=%t", EnvVerbose, s.Verbose),
		fmt.Sprintf("%s=%d", EnvResultFD, ResultFD),
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Stdin = bytes.NewReader(raw)

	outR, outW, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	resR, resW, err := os.Pipe()
	if err != nil {
		_ = outR.Close()
		_ = outW.Close()
		return nil, err
	}
	cmd.Stdout = outW
	cmd.Stderr = outW
	cmd.ExtraFiles = []*os.File{resW}

	started := time.Now().UTC()
	err = cmd.Start()
	// the child holds its own copies now
	_ = outW.Close()
	_ = resW.Close()
	if err != nil {
		_ = outR.Close()
		_ = resR.Close()
		return nil, fmt.Errorf("starting worker %s: %w", p.Bundle.Name, err)
	}
	h := &Handle{
		ID:     p.Bundle.ID,
		Name:   p.Bundle.Name,
		cmd:    cmd,
		result: make(chan Result, 1),
	}
	slog.DebugContext(ctx, "worker started",
		"name", h.Name,
		"pid", cmd.Process.Pid,
		"digest", p.Bundle.Digest())

	go h.wait(outR, resR, s.Output, started)
	return h, nil
}

// readResult keeps at most maxResult bytes and discards the rest.
func readResult(r io.ReadCloser) []byte {
	defer func() {
		_ = r.Close()
	}()
	raw, _ := io.ReadAll(io.LimitReader(r, maxResult))
	_, _ = io.Copy(io.Discard, r)
	return raw
}

func (h *Handle) wait(output, result io.ReadCloser, lineFunc LineFunc, started time.Time) {
	resultCh := make(chan []byte, 1)
	go func() {
		resultCh <- readResult(result)
	}()

	tail := make([]string, 0, tailLines)
	scanner := bufio.NewScanner(output)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if lineFunc != nil {
			lineFunc(h.Name, bytes.Clone(line))
		}
		if len(tail) == tailLines {
			tail = tail[1:]
		}
		tail = append(tail, scanner.Text())
	}
	// drain whatever the scanner refused so the child never blocks on a full pipe
	_, _ = io.Copy(io.Discard, output)
	_ = output.Close()

	waitErr := h.cmd.Wait()
	raw := <-resultCh
	res := Result{
		ID:      h.ID,
		Name:    h.Name,
		Pid:     h.cmd.Process.Pid,
		Started: started,
		Stopped: time.Now().UTC(),
	}
	if h.cmd.ProcessState != nil {
		res.ExitCode = h.cmd.ProcessState.ExitCode()
	}

	line, ok := lastLine(string(raw))
	switch {
	case ok && line.OK:
		res.Value = line.Value
	case ok:
		res.Err = errors.New(line.Error)
		res.Trace = line.Trace
	default:
		if waitErr == nil {
			waitErr = errors.New("exit status 0")
		}
		res.Err = fmt.Errorf("worker exited without result: %w", waitErr)
		res.Trace = strings.Join(tail, "\n")
	}
	h.result <- res
	close(h.result)
}

func lastLine(raw string) (resultLine, bool) {
	lines := strings.Split(strings.TrimSpace(raw), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		var rl resultLine
		if err := json.Unmarshal([]byte(lines[i]), &rl); err == nil && (rl.OK || rl.Error != "") {
			return rl, true
		}
	}
	return resultLine{}, false
}

func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Result delivers the single result of the worker.
func (h *Handle) Result() <-chan Result {
	return h.result
}

// Signal sends sig to the whole process group of the worker.
func (h *Handle) Signal(sig unix.Signal) error {
	pid := h.cmd.Process.Pid
	pgid, err := unix.Getpgid(pid)
	if err != nil || pgid <= 0 {
		err = h.cmd.Process.Signal(sig)
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}
	err = unix.Kill(-pgid, sig)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// Kill terminates the process group of the worker immediately.
func (h *Handle) Kill() error {
	return h.Signal(unix.SIGKILL)
}
