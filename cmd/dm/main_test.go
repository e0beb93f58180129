package main

import (
	"errors"
	"testing"

	dm "github.com/l1veIn/dora-manager"
	"github.com/l1veIn/dora-manager/internal/registry"
	"github.com/l1veIn/dora-manager/internal/release"
)

func TestBuildRootHasAllCommands(t *testing.T) {
	root := buildRoot(dm.New())
	want := []string{
		"install", "use", "uninstall", "versions",
		"up", "down", "status", "doctor", "events", "exec", "serve",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing command %q", name)
		}
	}
}

func TestStatusCommandOnEmptyHome(t *testing.T) {
	root := buildRoot(dm.New())
	root.SetArgs([]string{"status", "--home", t.TempDir()})
	if err := root.Execute(); err != nil {
		t.Fatalf("status: %v", err)
	}
}

func TestUseCommandUnknownVersion(t *testing.T) {
	root := buildRoot(dm.New())
	root.SetArgs([]string{"use", "9.9.9", "--home", t.TempDir()})
	err := root.Execute()
	var ee *exitError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want exitError", err)
	}
	if ee.code != 1 {
		t.Errorf("code = %d, want 1 for a user error", ee.code)
	}
}

func TestWrapErrExitCodes(t *testing.T) {
	c := command{gf: &GlobalFlags{}}
	tests := []struct {
		err  error
		code int
	}{
		{release.ErrNotFound, 1},
		{registry.ErrInUse, 1},
		{registry.ErrNoActiveVersion, 2},
		{&release.NetworkError{Err: errors.New("refused")}, 3},
		{errors.New("internal"), 4},
	}
	for _, tt := range tests {
		var ee *exitError
		if !errors.As(c.wrapErr(tt.err), &ee) {
			t.Fatalf("wrapErr(%v) did not return exitError", tt.err)
		}
		if ee.code != tt.code {
			t.Errorf("wrapErr(%v) code = %d, want %d", tt.err, ee.code, tt.code)
		}
	}
	if c.wrapErr(nil) != nil {
		t.Error("wrapErr(nil) should be nil")
	}
}

func TestTrimV(t *testing.T) {
	if trimV("v0.4.1") != "0.4.1" || trimV("0.4.1") != "0.4.1" || trimV("") != "" {
		t.Error("trimV misbehaves")
	}
}
