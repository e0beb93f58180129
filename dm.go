// Package dm manages the lifecycle of the dora runtime on a developer's
// machine: installing versioned binaries, switching the active version,
// and supervising the coordinator and daemon processes.
package dm

import (
	"context"
	"errors"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l1veIn/dora-manager/internal/archive"
	"github.com/l1veIn/dora-manager/internal/config"
	"github.com/l1veIn/dora-manager/internal/events"
	"github.com/l1veIn/dora-manager/internal/install"
	"github.com/l1veIn/dora-manager/internal/metrics"
	"github.com/l1veIn/dora-manager/internal/registry"
	"github.com/l1veIn/dora-manager/internal/release"
	iapi "github.com/l1veIn/dora-manager/internal/server"
	"github.com/l1veIn/dora-manager/internal/supervisor"
)

// Re-export core types for external consumers. These are aliases so
// conversions are zero-cost.

type (
	Config           = config.Config
	InstalledVersion = registry.InstalledVersion
	InstallResult    = install.Result
	InstallProgress  = install.Progress
	ProgressSink     = install.Sink
	RuntimeStatus    = supervisor.Status
	DoctorReport     = supervisor.DoctorReport
	Event            = events.Event
	EventFilter      = events.Filter
	EventSource      = events.Source
)

// Engine is the public entry point composing the install orchestrator and
// the runtime supervisor. All operations take the home directory so one
// Engine can serve multiple homes (tests do).
type Engine struct {
	installer *install.Orchestrator
	sup       *supervisor.Supervisor
}

func New() *Engine {
	return &Engine{installer: install.New(), sup: supervisor.New()}
}

// ResolveHome determines the dm home directory from flag, DM_HOME, or ~/.dm.
func ResolveHome(flag string) (string, error) { return config.ResolveHome(flag) }

func (e *Engine) Install(ctx context.Context, home, spec string, sink ProgressSink) (*InstallResult, error) {
	return e.installer.Install(ctx, home, spec, sink)
}

func (e *Engine) Versions(home string) ([]InstalledVersion, error) { return registry.List(home) }

// Available lists recently published release tags from the catalog.
func (e *Engine) Available(ctx context.Context) ([]string, error) {
	return e.installer.Client.ListRecent(ctx)
}

func (e *Engine) Use(ctx context.Context, home, version string) (string, error) {
	op := events.NewOperation(home, events.SourceCore, "version.switch").Attr("version", version)
	op.Start()
	actual, err := registry.Use(ctx, home, version)
	op.Done(err)
	return actual, err
}

func (e *Engine) Uninstall(ctx context.Context, home, version string, force bool) error {
	op := events.NewOperation(home, events.SourceCore, "version.uninstall").Attr("version", version)
	op.Start()
	err := registry.Uninstall(ctx, home, version, force)
	op.Done(err)
	return err
}

func (e *Engine) Up(ctx context.Context, home string) (RuntimeStatus, error) {
	return e.sup.Up(ctx, home)
}

func (e *Engine) Down(ctx context.Context, home string) (RuntimeStatus, error) {
	return e.sup.Down(ctx, home)
}

func (e *Engine) Status(home string) RuntimeStatus { return e.sup.StatusOf(home) }

func (e *Engine) Doctor(ctx context.Context, home string) DoctorReport {
	return supervisor.Doctor(ctx, home)
}

func (e *Engine) Passthrough(ctx context.Context, home string, args []string) (int, error) {
	return e.sup.Passthrough(ctx, home, args)
}

// Events queries the audit sink.
func (e *Engine) Events(ctx context.Context, home string, f EventFilter) ([]Event, error) {
	store, err := events.Open(home)
	if err != nil {
		return nil, err
	}
	defer func() { _ = store.Close() }()
	return store.Query(ctx, f)
}

// NewHTTPServer returns an HTTP server exposing the engine's operations as
// a JSON API on addr.
func NewHTTPServer(addr, home string, e *Engine) *http.Server {
	return iapi.NewServer(addr, home, iapi.Engine(e))
}

// Metrics helpers (public facade).

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// Kind buckets every engine error for front ends: CLI exit codes and HTTP
// statuses branch on Kind, never on message text.
type Kind int

const (
	// KindInternal covers invariant violations and unexpected failures.
	KindInternal Kind = iota
	// KindUser covers bad specs and references to unknown versions.
	KindUser
	// KindTransient covers network failures worth retrying.
	KindTransient
	// KindEnvironment covers missing tools and unwritable directories.
	KindEnvironment
	// KindConflict covers already-running / not-running / in-use states.
	KindConflict
)

// Classify maps an engine error to its Kind.
func Classify(err error) Kind {
	var netErr *release.NetworkError
	var rateErr *release.RateLimitError
	switch {
	case errors.Is(err, release.ErrNotFound),
		errors.Is(err, registry.ErrNotInstalled),
		errors.Is(err, install.ErrEmptySpec):
		return KindUser
	case errors.As(err, &netErr), errors.As(err, &rateErr):
		return KindTransient
	case errors.Is(err, install.ErrRustMissing),
		errors.Is(err, registry.ErrNoActiveVersion):
		return KindEnvironment
	case errors.Is(err, registry.ErrInUse),
		errors.Is(err, supervisor.ErrAlreadyRunning),
		errors.Is(err, supervisor.ErrNotRunning):
		return KindConflict
	case errors.Is(err, archive.ErrNoBinary), errors.Is(err, archive.ErrAmbiguous):
		return KindInternal
	}
	return KindInternal
}
