package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterIsIdempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	if err := Register(reg); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := Register(reg); err != nil {
		t.Fatalf("second register: %v", err)
	}
}

func TestHelpersRecord(t *testing.T) {
	IncInstall("binary", "ok")
	IncRuntimeStart("coordinator")
	IncRuntimeStop("coordinator")

	SetProcessUp("daemon", true)
	if got := testutil.ToFloat64(processUp.WithLabelValues("daemon")); got != 1 {
		t.Errorf("process_up = %v, want 1", got)
	}
	SetProcessUp("daemon", false)
	if got := testutil.ToFloat64(processUp.WithLabelValues("daemon")); got != 0 {
		t.Errorf("process_up = %v, want 0", got)
	}
}
