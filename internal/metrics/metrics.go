// Package metrics exposes recordvault counters in Prometheus format.
//
// Nothing is pushed anywhere; the registry is only read through Handler,
// which `recordvault serve` mounts at /metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forest6511/recordvault/pkg/crypto"
)

const namespace = "recordvault"

// Metrics holds the process metrics. It implements session.Observer.
type Metrics struct {
	registry *prometheus.Registry

	unlockAttempts *prometheus.CounterVec
	lockouts       prometheus.Counter
	sessionActive  prometheus.Gauge
	kdfDuration    *prometheus.HistogramVec
	backups        *prometheus.CounterVec
}

// New creates and registers every metric on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		unlockAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unlock_attempts_total",
			Help:      "Unlock attempts by result (success, failure, locked_out, error)",
		}, []string{"result"}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lockouts_total",
			Help:      "Times the unlock rate limiter entered a cooldown",
		}),
		sessionActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "1 while the vault is unlocked",
		}),
		kdfDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "kdf_duration_seconds",
			Help:      "Time spent deriving password keys",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}, []string{"algorithm"}),
		backups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "backups_total",
			Help:      "Backup operations by operation and result",
		}, []string{"op", "result"}),
	}

	m.registry.MustRegister(
		m.unlockAttempts,
		m.lockouts,
		m.sessionActive,
		m.kdfDuration,
		m.backups,
	)
	return m
}

// UnlockAttempt implements session.Observer.
func (m *Metrics) UnlockAttempt(result string) {
	m.unlockAttempts.WithLabelValues(result).Inc()
}

// SessionActive implements session.Observer.
func (m *Metrics) SessionActive(active bool) {
	if active {
		m.sessionActive.Set(1)
	} else {
		m.sessionActive.Set(0)
	}
}

// Lockout counts a rate limiter cooldown. Its signature matches
// ratelimit.WithLockoutHook.
func (m *Metrics) Lockout(int, time.Duration) {
	m.lockouts.Inc()
}

// KDF records one key derivation. Its signature matches
// vault.WithKDFObserver.
func (m *Metrics) KDF(alg crypto.Algorithm, d time.Duration) {
	m.kdfDuration.WithLabelValues(string(alg)).Observe(d.Seconds())
}

// Backup records a backup operation. Its signature matches
// backup.WithObserver.
func (m *Metrics) Backup(op, result string) {
	m.backups.WithLabelValues(op, result).Inc()
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
