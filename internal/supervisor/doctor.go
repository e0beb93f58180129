package supervisor

import (
	"context"
	"os"

	"github.com/l1veIn/dora-manager/internal/config"
	"github.com/l1veIn/dora-manager/internal/events"
	"github.com/l1veIn/dora-manager/internal/execx"
	"github.com/l1veIn/dora-manager/internal/registry"
)

// Check is one independent prerequisite inspection. A failing check never
// short-circuits the others.
type Check struct {
	Name       string `json:"name"`
	OK         bool   `json:"ok"`
	Path       string `json:"path,omitempty"`
	Version    string `json:"version,omitempty"`
	Detail     string `json:"detail,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

// DoctorReport is a diagnostic snapshot of the local environment's fitness
// to run the managed runtime. Recomputed on demand, never cached.
type DoctorReport struct {
	Checks        []Check `json:"checks"`
	ActiveVersion string  `json:"active_version,omitempty"`
	AllOK         bool    `json:"all_ok"`
}

// python interpreters tried in order; dora node APIs need 3.11+.
var pythonCandidates = []string{"python3.11", "python3", "python"}

// Doctor runs every prerequisite check and aggregates the results.
// It never fails: broken environments are the report's payload, not an
// error condition.
func Doctor(ctx context.Context, home string) DoctorReport {
	op := events.NewOperation(home, events.SourceCore, "doctor")
	op.Start()

	cfg, _ := config.Load(home)
	report := DoctorReport{ActiveVersion: cfg.ActiveVersion}

	report.Checks = append(report.Checks,
		checkTool(ctx, "python", pythonCandidates, "Install Python 3.11+: https://www.python.org/downloads/"),
		checkTool(ctx, "uv", []string{"uv"}, "Install uv: pip install uv"),
		checkTool(ctx, "rust", []string{"cargo"}, "Optional, needed for source builds. Install: https://rustup.rs"),
		checkActiveBinary(home, cfg.ActiveVersion),
		checkHomeWritable(home),
	)

	report.AllOK = true
	for _, c := range report.Checks {
		// Rust is optional: only needed when no prebuilt asset exists.
		if !c.OK && c.Name != "rust" {
			report.AllOK = false
		}
	}
	op.Done(nil)
	return report
}

func checkTool(ctx context.Context, name string, candidates []string, suggestion string) Check {
	for _, cand := range candidates {
		if path, ok := execx.LookPath(cand); ok {
			return Check{
				Name:    name,
				OK:      true,
				Path:    path,
				Version: execx.CommandVersion(ctx, cand, "--version"),
			}
		}
	}
	return Check{Name: name, Detail: "not found on PATH", Suggestion: suggestion}
}

func checkActiveBinary(home, active string) Check {
	c := Check{Name: "active-binary"}
	if active == "" {
		c.Detail = "no active version"
		c.Suggestion = "Run `dm install` to install dora."
		return c
	}
	bin := registry.BinaryPath(home, active)
	info, err := os.Stat(bin)
	switch {
	case err != nil:
		c.Detail = "binary missing at " + bin
		c.Suggestion = "Run `dm install " + active + "` to repair."
	case info.Mode().Perm()&0o111 == 0:
		c.Detail = bin + " is not executable"
		c.Suggestion = "Run `dm install " + active + "` to repair."
	default:
		c.OK = true
		c.Path = bin
	}
	return c
}

func checkHomeWritable(home string) Check {
	c := Check{Name: "home-writable", Path: home}
	if err := WritableHome(home); err != nil {
		c.Detail = err.Error()
		c.Suggestion = "Fix permissions on " + home + " or set DM_HOME elsewhere."
		return c
	}
	c.OK = true
	return c
}
