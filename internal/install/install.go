// Package install drives version acquisition: release lookup, asset
// download, archive extraction, the source-build fallback, and atomic
// placement into the version store.
package install

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/l1veIn/dora-manager/internal/archive"
	"github.com/l1veIn/dora-manager/internal/config"
	"github.com/l1veIn/dora-manager/internal/events"
	"github.com/l1veIn/dora-manager/internal/metrics"
	"github.com/l1veIn/dora-manager/internal/platform"
	"github.com/l1veIn/dora-manager/internal/registry"
	"github.com/l1veIn/dora-manager/internal/release"
)

// ErrEmptySpec means the caller passed an empty version spec.
var ErrEmptySpec = errors.New("version spec must not be empty")

// Method records how a version was acquired.
type Method string

const (
	MethodBinary Method = "binary"
	MethodSource Method = "source"
)

// Result describes a completed install.
type Result struct {
	Version          string                    `json:"version"`
	Method           Method                    `json:"method"`
	AlreadyInstalled bool                      `json:"already_installed"`
	SetActive        bool                      `json:"set_active"`
	Installed        registry.InstalledVersion `json:"installed"`
}

// Orchestrator composes the release client, platform resolver, archive
// handler and source builder into the install operation.
type Orchestrator struct {
	Client *release.Client
}

func New() *Orchestrator { return &Orchestrator{Client: release.NewClient()} }

// Install resolves spec ("latest", an exact tag, or a v-prefixed tag),
// acquires a working binary, and commits it into the version store.
// Progress stages are pushed to sink in order; ctx cancels the download and
// build sub-stages. Re-installing a present version short-circuits after
// resolution with a single done event and no transfer.
func (o *Orchestrator) Install(ctx context.Context, home, spec string, sink Sink) (*Result, error) {
	if strings.TrimSpace(spec) == "" {
		return nil, ErrEmptySpec
	}

	op := events.NewOperation(home, events.SourceCore, "version.install").Attr("spec", spec)
	op.Start()
	start := time.Now()
	res, err := o.install(ctx, home, spec, sink)
	op.Done(err)
	if err == nil {
		metrics.IncInstall(string(res.Method), "ok")
		metrics.ObserveInstall(string(res.Method), time.Since(start))
	} else {
		metrics.IncInstall("", "error")
	}
	return res, err
}

func (o *Orchestrator) install(ctx context.Context, home, spec string, sink Sink) (*Result, error) {
	sink.send(Progress{Stage: StageResolving, Message: "Fetching release info..."})

	tag, rel, resolveErr := o.resolve(ctx, spec)
	if resolveErr != nil {
		return nil, resolveErr
	}

	if registry.IsInstalled(home, tag) {
		return o.finish(home, tag, MethodBinary, true, sink)
	}

	lock, err := registry.AcquireVersionLock(ctx, home, tag, func() {
		sink.send(Progress{Stage: StageResolving, Message: "Waiting for concurrent install of " + tag + "..."})
	})
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	// A concurrent install may have won while we waited for the lock.
	if registry.IsInstalled(home, tag) {
		return o.finish(home, tag, MethodBinary, true, sink)
	}

	versionsDir := config.VersionsDir(home)
	stage, err := os.MkdirTemp(versionsDir, ".staging-"+tag+"-")
	if err != nil {
		return nil, fmt.Errorf("cannot write to version store: %w", err)
	}
	committed := false
	defer func() {
		// A failed or cancelled install never leaves a partial version dir.
		if !committed {
			_ = os.RemoveAll(stage)
		}
	}()

	method := MethodSource
	if rel != nil {
		if asset, ok := selectAsset(rel); ok {
			if err := o.installFromAsset(ctx, asset, stage, sink); err != nil {
				return nil, err
			}
			method = MethodBinary
		}
	}
	if method == MethodSource {
		sink.send(Progress{Stage: StageBuilding, Message: "No binary release for this platform. Building from source..."})
		if err := buildFromSource(ctx, "v"+tag, stage, sink); err != nil {
			return nil, err
		}
	}

	bin := filepath.Join(stage, registry.BinaryName)
	if err := archive.ValidateBinary(bin); err != nil {
		return nil, fmt.Errorf("installed binary failed validation: %w", err)
	}

	sink.send(Progress{Stage: StageInstalling, Message: "Installing dora " + tag + "..."})
	target := registry.VersionDir(home, tag)
	if err := os.Rename(stage, target); err != nil {
		if registry.IsInstalled(home, tag) {
			return o.finish(home, tag, method, true, sink)
		}
		return nil, fmt.Errorf("commit version directory: %w", err)
	}
	committed = true

	return o.finish(home, tag, method, false, sink)
}

// resolve turns spec into a concrete tag, deciding whether the source
// fallback is worth attempting when the catalog is unreachable: a concrete
// tag can still be cloned and built, "latest" cannot be resolved offline.
func (o *Orchestrator) resolve(ctx context.Context, spec string) (string, *release.Release, error) {
	rel, err := o.Client.FetchRelease(ctx, spec)
	if err == nil {
		return rel.Version(), rel, nil
	}
	if errors.Is(err, release.ErrNotFound) {
		return "", nil, fmt.Errorf("version %q does not exist: %w", spec, err)
	}
	if spec == "" || spec == "latest" {
		return "", nil, err
	}
	return strings.TrimPrefix(spec, "v"), nil, nil
}

func (o *Orchestrator) installFromAsset(ctx context.Context, asset release.Asset, stage string, sink Sink) error {
	sink.send(Progress{
		Stage:      StageDownloading,
		Message:    fmt.Sprintf("Downloading %s (%s)", asset.Name, humanSize(asset.Size)),
		BytesTotal: asset.Size,
	})

	artifact := filepath.Join(stage, asset.Name)
	f, err := os.Create(artifact)
	if err != nil {
		return err
	}
	err = o.Client.Download(ctx, asset, f, func(done, total int64) {
		sink.send(Progress{
			Stage:      StageDownloading,
			Message:    fmt.Sprintf("Downloading: %s/%s", humanSize(done), humanSize(total)),
			BytesDone:  done,
			BytesTotal: total,
		})
	})
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	sink.send(Progress{Stage: StageExtracting, Message: "Extracting " + asset.Name + "..."})
	if err := archive.Extract(ctx, artifact, stage); err != nil {
		return err
	}
	_ = os.Remove(artifact)

	found, err := archive.FindBinary(stage, registry.BinaryName)
	if err != nil {
		return err
	}
	want := filepath.Join(stage, registry.BinaryName)
	if found != want {
		if err := os.Rename(found, want); err != nil {
			return err
		}
	}
	return os.Chmod(want, 0o755)
}

// finish records the install outcome. The first install ever performed
// also becomes the active version so `dm up` works without an explicit use.
func (o *Orchestrator) finish(home, tag string, method Method, already bool, sink Sink) (*Result, error) {
	cfg, err := config.Load(home)
	if err != nil {
		return nil, err
	}
	setActive := false
	if cfg.ActiveVersion == "" && !already {
		cfg.ActiveVersion = tag
		if err := config.Save(home, cfg); err != nil {
			return nil, err
		}
		setActive = true
	}

	iv := registry.InstalledVersion{
		Version:    tag,
		Path:       registry.VersionDir(home, tag),
		BinaryPath: registry.BinaryPath(home, tag),
		Active:     cfg.ActiveVersion == tag,
	}
	if info, err := os.Stat(iv.Path); err == nil {
		iv.InstalledAt = info.ModTime()
	}

	msg := "dora " + tag + " installed successfully."
	if already {
		msg = "dora " + tag + " is already installed."
	}
	sink.send(Progress{Stage: StageDone, Message: msg})

	return &Result{
		Version:          tag,
		Method:           method,
		AlreadyInstalled: already,
		SetActive:        setActive,
		Installed:        iv,
	}, nil
}

// selectAsset picks the release asset for this host: a dora-cli archive
// whose name carries the platform target in a supported container format.
func selectAsset(rel *release.Release) (release.Asset, bool) {
	target, err := platform.Resolve()
	if err != nil {
		return release.Asset{}, false
	}
	for _, a := range rel.Assets {
		if !strings.Contains(a.Name, string(target)) || !strings.Contains(a.Name, "dora-cli") {
			continue
		}
		if strings.HasSuffix(a.Name, ".tar.gz") || strings.HasSuffix(a.Name, ".tar.xz") || strings.HasSuffix(a.Name, ".zip") {
			return a, true
		}
	}
	return release.Asset{}, false
}

func humanSize(bytes int64) string {
	switch {
	case bytes <= 0:
		return "unknown size"
	case bytes < 1024:
		return fmt.Sprintf("%d B", bytes)
	case bytes < 1024*1024:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/1024)
	default:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/(1024*1024))
	}
}
