// Package metrics exposes the auth core's counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements the metrics hooks of the gateway, the identity
// provider adapter and the session manager.
type Collector struct {
	refresh      *prometheus.CounterVec
	retry        *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	forcedLogout *prometheus.CounterVec
}

// NewCollector creates a Collector and registers it with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		refresh: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_auth_refresh_total",
			Help: "Token refreshes by login method and result.",
		}, []string{"method", "result"}),
		retry: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_auth_retry_total",
			Help: "Outcomes of retrying a request after an authorization failure.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_auth_transitions_total",
			Help: "Session state transitions by target state.",
		}, []string{"to"}),
		forcedLogout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "attendance_auth_forced_logout_total",
			Help: "Forced logouts by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(c.refresh, c.retry, c.transitions, c.forcedLogout)
	return c
}

func (c *Collector) ObserveRefresh(method, result string) {
	c.refresh.WithLabelValues(method, result).Inc()
}

func (c *Collector) ObserveRetry(outcome string) {
	c.retry.WithLabelValues(outcome).Inc()
}

func (c *Collector) ObserveTransition(to string) {
	c.transitions.WithLabelValues(to).Inc()
}

func (c *Collector) ObserveForcedLogout(reason string) {
	c.forcedLogout.WithLabelValues(reason).Inc()
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Nop discards every observation.
type Nop struct{}

func (Nop) ObserveRefresh(string, string) {}
func (Nop) ObserveRetry(string)           {}
func (Nop) ObserveTransition(string)      {}
func (Nop) ObserveForcedLogout(string)    {}
