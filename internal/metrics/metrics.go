// Package metrics holds the Prometheus collectors for install and runtime
// lifecycle operations. Registered once via Register; served by the HTTP
// front end at /metrics.
package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	regOK atomic.Bool

	installs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "install",
			Name:      "total",
			Help:      "Number of install attempts by method and outcome.",
		}, []string{"method", "outcome"},
	)
	installDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dm",
			Subsystem: "install",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of install attempts.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}, []string{"method"},
	)
	runtimeStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "runtime",
			Name:      "starts_total",
			Help:      "Number of successful runtime starts.",
		}, []string{"process"},
	)
	runtimeStops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dm",
			Subsystem: "runtime",
			Name:      "stops_total",
			Help:      "Number of runtime stops (graceful or kill).",
		}, []string{"process"},
	)
	processUp = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dm",
			Subsystem: "runtime",
			Name:      "process_up",
			Help:      "Last observed liveness per supervised process (1 running, 0 stopped).",
		}, []string{"process"},
	)
)

// Register registers all collectors with r. Safe to call multiple times;
// calls after a success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	collectors := []prometheus.Collector{
		installs, installDuration, runtimeStarts, runtimeStops, processUp,
	}
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns the /metrics HTTP handler for the default registry.
func Handler() http.Handler { return promhttp.Handler() }

func IncInstall(method, outcome string) { installs.WithLabelValues(method, outcome).Inc() }

func ObserveInstall(method string, d time.Duration) {
	installDuration.WithLabelValues(method).Observe(d.Seconds())
}

func IncRuntimeStart(process string) { runtimeStarts.WithLabelValues(process).Inc() }
func IncRuntimeStop(process string)  { runtimeStops.WithLabelValues(process).Inc() }

func SetProcessUp(process string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	processUp.WithLabelValues(process).Set(v)
}
