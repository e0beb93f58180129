// Package execx is the shared primitive for launching external programs.
// It wraps os/exec with bounded output capture, optional line streaming,
// and a classified outcome so callers can branch on what happened instead
// of parsing error strings.
package execx

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
)

// Outcome classifies how a command run ended.
type Outcome int

const (
	// OutcomeDone means the command ran and exited zero.
	OutcomeDone Outcome = iota
	// OutcomeExit means the command ran but exited non-zero.
	OutcomeExit
	// OutcomeSpawnFailed means the command never started.
	OutcomeSpawnFailed
	// OutcomeTimeout means the context expired and the command was killed.
	OutcomeTimeout
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeExit:
		return "exit"
	case OutcomeSpawnFailed:
		return "spawn-failed"
	case OutcomeTimeout:
		return "timeout"
	}
	return "unknown"
}

// tailLimit bounds how much combined output Result retains. Build logs can
// run to megabytes; errors only need the end of them.
const tailLimit = 16 * 1024

// Cmd describes a single external program invocation.
type Cmd struct {
	Name string
	Args []string
	Dir  string
	Env  []string // appended to os.Environ when non-empty

	// OnLine, when set, receives each combined stdout/stderr line as it is
	// produced. Used to stream build output into install progress.
	OnLine func(line string)
}

// Result carries the classified outcome of a completed Run.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Stdout   []byte // bounded tail
	Stderr   []byte // bounded tail
}

// Tail returns the retained stderr tail, falling back to stdout, trimmed.
func (r Result) Tail() string {
	if t := strings.TrimSpace(string(r.Stderr)); t != "" {
		return t
	}
	return strings.TrimSpace(string(r.Stdout))
}

// Run executes cmd and blocks until it exits or ctx is done. The returned
// error is non-nil for every outcome other than OutcomeDone, wrapping the
// underlying exec error.
func Run(ctx context.Context, c Cmd) (Result, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var outBuf, errBuf tailBuffer
	if c.OnLine != nil {
		pr, pw := io.Pipe()
		cmd.Stdout = io.MultiWriter(&outBuf, pw)
		cmd.Stderr = io.MultiWriter(&errBuf, pw)
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			sc := bufio.NewScanner(pr)
			sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
			for sc.Scan() {
				c.OnLine(sc.Text())
			}
		}()
		defer func() {
			_ = pw.Close()
			wg.Wait()
		}()
	} else {
		cmd.Stdout = &outBuf
		cmd.Stderr = &errBuf
	}

	if err := cmd.Start(); err != nil {
		return Result{Outcome: OutcomeSpawnFailed, ExitCode: -1}, err
	}
	err := cmd.Wait()
	res := Result{Stdout: outBuf.Bytes(), Stderr: errBuf.Bytes()}
	if err == nil {
		res.Outcome = OutcomeDone
		return res, nil
	}
	if ctx.Err() != nil {
		res.Outcome = OutcomeTimeout
		res.ExitCode = -1
		return res, ctx.Err()
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		res.Outcome = OutcomeExit
		res.ExitCode = ee.ExitCode()
		return res, err
	}
	res.Outcome = OutcomeSpawnFailed
	res.ExitCode = -1
	return res, err
}

// RunInteractive executes the program with the caller's stdin/stdout/stderr
// inherited verbatim and returns the child's exit code unchanged. Used for
// passthrough commands where dm must not interpret the output.
func RunInteractive(ctx context.Context, c Cmd) (int, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	if c.Dir != "" {
		cmd.Dir = c.Dir
	}
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		return ee.ExitCode(), nil
	}
	return -1, err
}

// LookPath reports the absolute path of name if it is on PATH.
func LookPath(name string) (string, bool) {
	p, err := exec.LookPath(name)
	if err != nil {
		return "", false
	}
	return p, true
}

// CommandVersion runs name with args (typically --version) and returns the
// first non-empty trimmed output, preferring stdout over stderr.
func CommandVersion(ctx context.Context, name string, args ...string) string {
	res, err := Run(ctx, Cmd{Name: name, Args: args})
	if err != nil && res.Outcome == OutcomeSpawnFailed {
		return ""
	}
	if out := strings.TrimSpace(string(res.Stdout)); out != "" {
		return firstLine(out)
	}
	return firstLine(strings.TrimSpace(string(res.Stderr)))
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// tailBuffer keeps only the last tailLimit bytes written.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Write(p)
	if b.buf.Len() > tailLimit {
		data := b.buf.Bytes()
		trimmed := make([]byte, tailLimit)
		copy(trimmed, data[len(data)-tailLimit:])
		b.buf.Reset()
		b.buf.Write(trimmed)
	}
	return len(p), nil
}

func (b *tailBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]byte, b.buf.Len())
	copy(out, b.buf.Bytes())
	return out
}
