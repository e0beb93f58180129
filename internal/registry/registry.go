// Package registry is the persisted record of installed dora versions and
// the active-version pointer.
package registry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/l1veIn/dora-manager/internal/config"
	"github.com/l1veIn/dora-manager/internal/execx"
)

// BinaryName is the executable each version directory must contain.
const BinaryName = "dora"

var (
	// ErrNotInstalled means the referenced version has no usable directory.
	ErrNotInstalled = errors.New("version is not installed")
	// ErrInUse means the version is active and uninstall was not forced.
	ErrInUse = errors.New("version is active")
	// ErrNoActiveVersion means no version has been activated yet.
	ErrNoActiveVersion = errors.New("no active dora version")
)

// InstalledVersion is one entry of the on-disk version store.
type InstalledVersion struct {
	Version     string    `json:"version"`
	Path        string    `json:"path"`
	BinaryPath  string    `json:"binary_path"`
	InstalledAt time.Time `json:"installed_at"`
	Active      bool      `json:"active"`
}

// VersionDir returns the directory a given version lives in.
func VersionDir(home, version string) string {
	return filepath.Join(config.VersionsDir(home), version)
}

// BinaryPath returns the expected binary location for a version.
func BinaryPath(home, version string) string {
	return filepath.Join(VersionDir(home, version), BinaryName)
}

// IsInstalled reports whether version has a binary in the store.
func IsInstalled(home, version string) bool {
	info, err := os.Stat(BinaryPath(home, version))
	return err == nil && info.Mode().IsRegular()
}

// List scans the version store and returns installed versions sorted by
// version string, with the active one marked. Dotted entries (staging
// directories, lock files) are not versions and are skipped.
func List(home string) ([]InstalledVersion, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	dir := config.VersionsDir(home)
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []InstalledVersion
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		v := e.Name()
		iv := InstalledVersion{
			Version:    v,
			Path:       filepath.Join(dir, v),
			BinaryPath: BinaryPath(home, v),
			Active:     v == cfg.ActiveVersion,
		}
		if info, err := e.Info(); err == nil {
			iv.InstalledAt = info.ModTime()
		}
		out = append(out, iv)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Version < out[j].Version })
	return out, nil
}

// Use switches the active-version pointer to version. The target must be
// installed; the pointer rewrite is atomic (temp file + rename inside
// config.Save). Returns the binary's self-reported version when obtainable.
func Use(ctx context.Context, home, version string) (string, error) {
	if !IsInstalled(home, version) {
		return "", fmt.Errorf("%w: %s, run `dm install %s` first", ErrNotInstalled, version, version)
	}
	cfg, err := config.Load(home)
	if err != nil {
		return "", err
	}
	cfg.ActiveVersion = version
	if err := config.Save(home, cfg); err != nil {
		return "", err
	}
	return BinaryVersion(ctx, BinaryPath(home, version)), nil
}

// Uninstall removes an installed version under the same per-version lock
// that installs take, so a removal never races a concurrent install of the
// same version. The active version is rejected with ErrInUse unless force
// is set; forcing also clears the pointer since it would otherwise dangle.
func Uninstall(ctx context.Context, home, version string, force bool) error {
	dir := VersionDir(home, version)
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, version)
	}
	lock, err := AcquireVersionLock(ctx, home, version, nil)
	if err != nil {
		return err
	}
	defer lock.Release()
	// The holder we waited for may have removed the version already.
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %s", ErrNotInstalled, version)
	}
	cfg, err := config.Load(home)
	if err != nil {
		return err
	}
	if cfg.ActiveVersion == version {
		if !force {
			return fmt.Errorf("%w: %s, run `dm use <other>` first or pass --force", ErrInUse, version)
		}
		cfg.ActiveVersion = ""
		if err := config.Save(home, cfg); err != nil {
			return err
		}
	}
	return os.RemoveAll(dir)
}

// ActiveBinary resolves the path of the active version's binary.
func ActiveBinary(home string) (string, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return "", err
	}
	if cfg.ActiveVersion == "" {
		return "", fmt.Errorf("%w, run `dm install` first", ErrNoActiveVersion)
	}
	bin := BinaryPath(home, cfg.ActiveVersion)
	if _, err := os.Stat(bin); err != nil {
		return "", fmt.Errorf("dora binary missing at %s, run `dm install %s` to repair: %w",
			bin, cfg.ActiveVersion, ErrNotInstalled)
	}
	return bin, nil
}

// BinaryVersion asks a dora binary for its version. The output's first line
// is "dora-cli X.Y.Z"; the last field is the version. Empty on any failure.
func BinaryVersion(ctx context.Context, bin string) string {
	out := execx.CommandVersion(ctx, bin, "--version")
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return ""
	}
	return fields[len(fields)-1]
}
