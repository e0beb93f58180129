package install

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/l1veIn/dora-manager/internal/execx"
	"github.com/l1veIn/dora-manager/internal/registry"
)

const doraRepoURL = "https://github.com/dora-rs/dora.git"

var (
	// ErrRustMissing means the source-build fallback cannot run because
	// cargo is not on PATH. User-actionable, reported by doctor too.
	ErrRustMissing = errors.New("no binary release for this platform and Rust is not installed; install Rust first: https://rustup.rs")
	// ErrBuildFailed means the upstream toolchain exited non-zero.
	ErrBuildFailed = errors.New("cargo build failed for dora-cli")
)

// buildFromSource clones the dora repository at gitTag and builds the CLI
// with cargo inside stageDir, leaving the binary at <stageDir>/dora.
// Toolchain output lines are streamed through sink as building progress.
func buildFromSource(ctx context.Context, gitTag, stageDir string, sink Sink) error {
	if _, ok := execx.LookPath("cargo"); !ok {
		return ErrRustMissing
	}
	if _, ok := execx.LookPath("git"); !ok {
		return errors.New("git is not installed; required to build dora from source")
	}

	buildDir := filepath.Join(stageDir, "_build")
	stream := func(line string) {
		sink.send(Progress{Stage: StageBuilding, Message: line})
	}

	res, err := execx.Run(ctx, execx.Cmd{
		Name:   "git",
		Args:   []string{"clone", "--depth=1", "--branch", gitTag, doraRepoURL, buildDir},
		OnLine: stream,
	})
	if err != nil {
		return fmt.Errorf("failed to clone dora repository at tag %s: %s", gitTag, res.Tail())
	}

	res, err = execx.Run(ctx, execx.Cmd{
		Name:   "cargo",
		Args:   []string{"build", "--release", "-p", "dora-cli"},
		Dir:    buildDir,
		OnLine: stream,
	})
	if err != nil {
		if res.Outcome == execx.OutcomeTimeout {
			return err
		}
		return fmt.Errorf("%w: %s", ErrBuildFailed, res.Tail())
	}

	built := filepath.Join(buildDir, "target", "release", registry.BinaryName)
	target := filepath.Join(stageDir, registry.BinaryName)
	if err := copyFile(built, target, 0o755); err != nil {
		return fmt.Errorf("built binary not found: %w", err)
	}
	// The clone is large; drop it before the stage dir is committed.
	_ = os.RemoveAll(buildDir)
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
