package registry

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/l1veIn/dora-manager/internal/config"
)

// installFake places a runnable dora script for version under home.
func installFake(t *testing.T, home, version string) {
	t.Helper()
	dir := VersionDir(home, version)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		t.Fatal(err)
	}
	script := "#!/bin/sh\necho \"dora-cli " + version + "\"\n"
	if err := os.WriteFile(filepath.Join(dir, BinaryName), []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
}

func TestListSkipsStagingAndMarksActive(t *testing.T) {
	home := t.TempDir()
	installFake(t, home, "0.4.0")
	installFake(t, home, "0.4.1")
	if err := os.MkdirAll(filepath.Join(config.VersionsDir(home), ".staging-v0.4.2-x"), 0o750); err != nil {
		t.Fatal(err)
	}
	if err := config.Save(home, config.Config{ActiveVersion: "0.4.1"}); err != nil {
		t.Fatal(err)
	}

	got, err := List(home)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("list = %d entries, want 2", len(got))
	}
	if got[0].Version != "0.4.0" || got[0].Active {
		t.Errorf("entry 0 = %+v", got[0])
	}
	if got[1].Version != "0.4.1" || !got[1].Active {
		t.Errorf("entry 1 = %+v", got[1])
	}
}

func TestListEmptyHome(t *testing.T) {
	got, err := List(t.TempDir())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("list = %v, want empty", got)
	}
}

func TestUse(t *testing.T) {
	home := t.TempDir()
	installFake(t, home, "0.4.0")
	installFake(t, home, "0.4.1")

	if _, err := Use(context.Background(), home, "9.9.9"); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("use missing err = %v, want ErrNotInstalled", err)
	}

	reported, err := Use(context.Background(), home, "0.4.0")
	if err != nil {
		t.Fatalf("use: %v", err)
	}
	if reported != "0.4.0" {
		t.Errorf("binary reported %q", reported)
	}
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ActiveVersion != "0.4.0" {
		t.Errorf("active = %q", cfg.ActiveVersion)
	}

	// Exactly one version is active at a time.
	if _, err := Use(context.Background(), home, "0.4.1"); err != nil {
		t.Fatalf("use second: %v", err)
	}
	list, err := List(home)
	if err != nil {
		t.Fatal(err)
	}
	var active int
	for _, iv := range list {
		if iv.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("%d active versions, want 1", active)
	}
}

func TestUninstall(t *testing.T) {
	home := t.TempDir()
	installFake(t, home, "0.4.0")
	installFake(t, home, "0.4.1")
	if err := config.Save(home, config.Config{ActiveVersion: "0.4.1"}); err != nil {
		t.Fatal(err)
	}

	if err := Uninstall(context.Background(), home, "9.9.9", false); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("missing err = %v, want ErrNotInstalled", err)
	}
	if err := Uninstall(context.Background(), home, "0.4.1", false); !errors.Is(err, ErrInUse) {
		t.Errorf("active err = %v, want ErrInUse", err)
	}
	if IsInstalled(home, "0.4.1") == false {
		t.Fatal("refused uninstall must not remove files")
	}

	if err := Uninstall(context.Background(), home, "0.4.0", false); err != nil {
		t.Fatalf("uninstall inactive: %v", err)
	}
	if IsInstalled(home, "0.4.0") {
		t.Error("0.4.0 still installed")
	}

	// Forcing the active version clears the pointer.
	if err := Uninstall(context.Background(), home, "0.4.1", true); err != nil {
		t.Fatalf("force uninstall: %v", err)
	}
	cfg, err := config.Load(home)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.ActiveVersion != "" {
		t.Errorf("active = %q, want cleared", cfg.ActiveVersion)
	}
}

func TestActiveBinary(t *testing.T) {
	home := t.TempDir()
	if _, err := ActiveBinary(home); !errors.Is(err, ErrNoActiveVersion) {
		t.Errorf("err = %v, want ErrNoActiveVersion", err)
	}

	installFake(t, home, "0.4.1")
	if err := config.Save(home, config.Config{ActiveVersion: "0.4.1"}); err != nil {
		t.Fatal(err)
	}
	bin, err := ActiveBinary(home)
	if err != nil {
		t.Fatalf("active binary: %v", err)
	}
	if bin != BinaryPath(home, "0.4.1") {
		t.Errorf("bin = %q", bin)
	}

	// A dangling pointer reports not-installed, not a panic.
	if err := os.RemoveAll(VersionDir(home, "0.4.1")); err != nil {
		t.Fatal(err)
	}
	if _, err := ActiveBinary(home); !errors.Is(err, ErrNotInstalled) {
		t.Errorf("dangling err = %v, want ErrNotInstalled", err)
	}
}

func TestBinaryVersionParsesLastField(t *testing.T) {
	home := t.TempDir()
	installFake(t, home, "0.4.1")
	got := BinaryVersion(context.Background(), BinaryPath(home, "0.4.1"))
	if got != "0.4.1" {
		t.Errorf("version = %q", got)
	}
	if got := BinaryVersion(context.Background(), "/no/such/dora"); got != "" {
		t.Errorf("missing binary = %q, want empty", got)
	}
}
