// Package supervisor starts, stops, and health-checks the two processes
// that make up a running dora runtime: the coordinator and the daemon.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/l1veIn/dora-manager/internal/config"
	"github.com/l1veIn/dora-manager/internal/events"
	"github.com/l1veIn/dora-manager/internal/execx"
	"github.com/l1veIn/dora-manager/internal/logger"
	"github.com/l1veIn/dora-manager/internal/metrics"
	"github.com/l1veIn/dora-manager/internal/registry"
)

// Process names used in pid files, log files, and error reports.
const (
	ProcCoordinator = "coordinator"
	ProcDaemon      = "daemon"
)

var (
	// ErrAlreadyRunning means both runtime processes are already alive.
	ErrAlreadyRunning = errors.New("dora runtime is already running")
	// ErrNotRunning means neither runtime process is alive.
	ErrNotRunning = errors.New("dora runtime is not running")
)

// SpawnError reports which of the two processes failed to start or stop.
// The two are never silently merged.
type SpawnError struct {
	Process string
	Err     error
}

func (e *SpawnError) Error() string { return "failed to start " + e.Process + ": " + e.Err.Error() }
func (e *SpawnError) Unwrap() error { return e.Err }

// ProcessState is the observed liveness of one supervised process.
type ProcessState string

const (
	StateRunning ProcessState = "running"
	StateStopped ProcessState = "stopped"
	StateUnknown ProcessState = "unknown"
)

// Status is the liveness snapshot of the runtime. Recomputed on every
// query: the processes are external and can die independently of dm.
type Status struct {
	Coordinator ProcessState `json:"coordinator"`
	Daemon      ProcessState `json:"daemon"`
	PIDs        map[string]int `json:"pids,omitempty"`
}

// Running reports whether both processes are alive.
func (s Status) Running() bool {
	return s.Coordinator == StateRunning && s.Daemon == StateRunning
}

// Supervisor owns the process handles it spawned in this dm process
// lifetime. Prior invocations' processes are only observed through pid
// files, which are advisory.
type Supervisor struct {
	// ReadyTimeout bounds the wait for the coordinator to accept
	// connections before the daemon is spawned.
	ReadyTimeout time.Duration
	// StopGrace bounds the wait for a graceful exit before SIGKILL.
	StopGrace time.Duration
}

func New() *Supervisor {
	return &Supervisor{ReadyTimeout: 10 * time.Second, StopGrace: 5 * time.Second}
}

// Up starts the coordinator, waits for it to accept connections on its
// control port, then starts the daemon pointed at it. If the daemon fails
// to start, the coordinator is torn down before returning so no orphan is
// left behind.
func (s *Supervisor) Up(ctx context.Context, home string) (Status, error) {
	op := events.NewOperation(home, events.SourceCore, "runtime.up")
	op.Start()
	st, err := s.up(ctx, home)
	op.Done(err)
	return st, err
}

func (s *Supervisor) up(ctx context.Context, home string) (Status, error) {
	bin, err := registry.ActiveBinary(home)
	if err != nil {
		return s.observe(home), err
	}
	cfg, err := config.Load(home)
	if err != nil {
		return s.observe(home), err
	}

	cur := s.observe(home)
	if cur.Running() {
		return cur, ErrAlreadyRunning
	}

	coordAddr := net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.CoordinatorPortOr()))

	startedCoordinator := false
	if cur.Coordinator != StateRunning {
		if err := s.spawn(ctx, home, ProcCoordinator, bin, []string{"coordinator"}, coordAddr); err != nil {
			return s.observe(home), err
		}
		startedCoordinator = true
		metrics.IncRuntimeStart(ProcCoordinator)
	}

	if err := s.spawn(ctx, home, ProcDaemon, bin, []string{"daemon", "--coordinator-addr", coordAddr}, ""); err != nil {
		// Do not leak the coordinator this call started. One that was
		// already running before is not ours to stop.
		if startedCoordinator {
			s.stopProcess(home, ProcCoordinator, s.StopGrace)
		}
		return s.observe(home), err
	}
	metrics.IncRuntimeStart(ProcDaemon)

	return s.observe(home), nil
}

// spawn starts one process detached from dm's terminal, with log files and
// a pid file. The log files are passed to the child as real descriptors:
// the child must keep writing, and living, after this dm process exits, so
// its stdio can never route through an in-process pipe. When readyAddr is
// non-empty, spawn blocks until a TCP dial to it succeeds or ReadyTimeout
// expires.
func (s *Supervisor) spawn(ctx context.Context, home, name, bin string, args []string, readyAddr string) error {
	outF, errF, err := logger.ProcessConfig{Dir: config.LogsDir(home)}.ChildFiles(name)
	if err != nil {
		return &SpawnError{Process: name, Err: err}
	}

	cmd := exec.Command(bin, args...)
	cmd.Dir = home
	cmd.Stdout = outF
	cmd.Stderr = errF
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	// Anything the child writes before failing lands past this offset.
	errOff, _ := errF.Seek(0, io.SeekEnd)

	if err := cmd.Start(); err != nil {
		_ = outF.Close()
		_ = errF.Close()
		return &SpawnError{Process: name, Err: err}
	}
	pid := cmd.Process.Pid

	// Reap the child if it exits while this dm process is still alive.
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		_ = outF.Close()
		_ = errF.Close()
		close(done)
	}()

	if err := writePIDFile(home, name, pid); err != nil {
		// Without a pid file the process would be invisible to status and
		// down, so it must not survive this failure.
		_ = syscall.Kill(-pid, syscall.SIGKILL)
		<-done
		return &SpawnError{Process: name, Err: err}
	}

	if readyAddr == "" {
		// Give the process one scheduling beat to fail on bad arguments.
		select {
		case <-done:
			removePIDFile(home, name)
			return &SpawnError{Process: name, Err: exitError(name, stderrTail(home, name, errOff))}
		case <-time.After(200 * time.Millisecond):
			return nil
		}
	}

	deadline := time.Now().Add(s.ReadyTimeout)
	for {
		select {
		case <-done:
			removePIDFile(home, name)
			return &SpawnError{Process: name, Err: exitError(name, stderrTail(home, name, errOff))}
		case <-ctx.Done():
			s.stopProcess(home, name, s.StopGrace)
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
		conn, err := net.DialTimeout("tcp", readyAddr, 200*time.Millisecond)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		if time.Now().After(deadline) {
			s.stopProcess(home, name, s.StopGrace)
			return &SpawnError{Process: name, Err: fmt.Errorf("timed out waiting for %s to listen on %s", name, readyAddr)}
		}
	}
}

func exitError(name, tail string) error {
	if tail == "" {
		return fmt.Errorf("%s exited during startup", name)
	}
	return fmt.Errorf("%s exited during startup: %s", name, tail)
}

// stderrTail reads what the named process wrote to its stderr log after
// the given offset, bounded, for failure reports.
func stderrTail(home, name string, from int64) string {
	f, err := os.Open(filepath.Join(config.LogsDir(home), name+".stderr.log"))
	if err != nil {
		return ""
	}
	defer func() { _ = f.Close() }()
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return ""
	}
	b, err := io.ReadAll(io.LimitReader(f, 4096))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// Down stops the daemon then the coordinator, reverse of startup order.
// Each gets StopGrace to exit after SIGTERM before being force-killed.
func (s *Supervisor) Down(ctx context.Context, home string) (Status, error) {
	op := events.NewOperation(home, events.SourceCore, "runtime.down")
	op.Start()
	st, err := s.down(home)
	op.Done(err)
	return st, err
}

func (s *Supervisor) down(home string) (Status, error) {
	cur := s.observe(home)
	if cur.Coordinator == StateStopped && cur.Daemon == StateStopped {
		return cur, ErrNotRunning
	}
	grace := s.StopGrace
	if cfg, err := config.Load(home); err == nil {
		grace = cfg.StopGraceOr(grace)
	}

	var firstErr error
	for _, name := range []string{ProcDaemon, ProcCoordinator} {
		if err := s.stopProcess(home, name, grace); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to stop %s: %w", name, err)
		}
	}
	return s.observe(home), firstErr
}

// stopProcess signals the process group behind name's pid file with
// SIGTERM, polls for exit within grace, then escalates to SIGKILL.
func (s *Supervisor) stopProcess(home, name string, grace time.Duration) error {
	pid, state := processState(home, name)
	if state == StateStopped {
		removePIDFile(home, name)
		return nil
	}
	// Negative pid addresses the whole process group created at spawn.
	_ = syscall.Kill(-pid, syscall.SIGTERM)

	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if !pidAlive(pid) {
			removePIDFile(home, name)
			metrics.IncRuntimeStop(name)
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	_ = syscall.Kill(-pid, syscall.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	removePIDFile(home, name)
	metrics.IncRuntimeStop(name)
	if pidAlive(pid) {
		return fmt.Errorf("process %d did not exit after SIGKILL", pid)
	}
	return nil
}

// StatusOf is the non-destructive liveness check for both processes.
// Absence of a process is a normal Stopped result, never an error.
func (s *Supervisor) StatusOf(home string) Status {
	return s.observe(home)
}

func (s *Supervisor) observe(home string) Status {
	st := Status{Coordinator: StateStopped, Daemon: StateStopped, PIDs: map[string]int{}}
	for _, name := range []string{ProcCoordinator, ProcDaemon} {
		pid, state := processState(home, name)
		if state != StateStopped {
			st.PIDs[name] = pid
		}
		if name == ProcCoordinator {
			st.Coordinator = state
		} else {
			st.Daemon = state
		}
		metrics.SetProcessUp(name, state == StateRunning)
	}
	return st
}

// Passthrough executes the active dora binary with the caller's arguments
// and inherited stdio, returning the child's exit code unchanged.
func (s *Supervisor) Passthrough(ctx context.Context, home string, args []string) (int, error) {
	op := events.NewOperation(home, events.SourceCore, "passthrough").
		Attr("args", fmt.Sprintf("%v", args))
	op.Start()
	code, err := s.passthrough(ctx, home, args)
	op.Done(err)
	return code, err
}

func (s *Supervisor) passthrough(ctx context.Context, home string, args []string) (int, error) {
	bin, err := registry.ActiveBinary(home)
	if err != nil {
		return -1, err
	}
	code, err := execx.RunInteractive(ctx, execx.Cmd{Name: bin, Args: args, Dir: home})
	if err != nil {
		return -1, &SpawnError{Process: "dora", Err: err}
	}
	return code, nil
}

// WritableHome reports whether dm can create files under home.
func WritableHome(home string) error {
	if err := os.MkdirAll(home, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(home, ".write-check-*")
	if err != nil {
		return err
	}
	name := f.Name()
	_ = f.Close()
	return os.Remove(name)
}
