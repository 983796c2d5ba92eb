// Package metrics exposes Prometheus collectors for the dispatch engine and
// the HTTP layer.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Dispatch records alert lifecycle metrics.
type Dispatch struct {
	created   prometheus.Counter
	accepts   *prometheus.CounterVec
	completed prometheus.Counter
	cancelled prometheus.Counter
	failures  *prometheus.CounterVec
	eligible  prometheus.Histogram
	charges   prometheus.Histogram
}

// NewDispatch registers dispatch metrics on reg. A nil registerer defaults to
// the global Prometheus registerer.
func NewDispatch(reg prometheus.Registerer) (*Dispatch, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	d := &Dispatch{
		created: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_alerts_created_total",
			Help: "Alerts persisted by CreateAlert",
		}),
		accepts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_accept_total",
			Help: "Accept attempts by outcome (won, conflict, error)",
		}, []string{"outcome"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_alerts_completed_total",
			Help: "Alerts moved to completed",
		}),
		cancelled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "dispatch_alerts_cancelled_total",
			Help: "Alerts moved to cancelled",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatch_downstream_failures_total",
			Help: "Failed best-effort collaborator calls",
		}, []string{"collaborator"}),
		eligible: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_eligible_mechanics",
			Help:    "Eligible mechanics per matched alert",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		}),
		charges: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatch_charges",
			Help:    "Charges of completed alerts",
			Buckets: []float64{20, 50, 100, 200, 500, 1000},
		}),
	}

	var err error
	if d.created, err = register(reg, d.created); err != nil {
		return nil, err
	}
	if d.accepts, err = register(reg, d.accepts); err != nil {
		return nil, err
	}
	if d.completed, err = register(reg, d.completed); err != nil {
		return nil, err
	}
	if d.cancelled, err = register(reg, d.cancelled); err != nil {
		return nil, err
	}
	if d.failures, err = register(reg, d.failures); err != nil {
		return nil, err
	}
	if d.eligible, err = register(reg, d.eligible); err != nil {
		return nil, err
	}
	if d.charges, err = register(reg, d.charges); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Dispatch) AlertCreated()                  { d.created.Inc() }
func (d *Dispatch) AcceptOutcome(outcome string)   { d.accepts.WithLabelValues(outcome).Inc() }
func (d *Dispatch) AlertCancelled()                { d.cancelled.Inc() }
func (d *Dispatch) EligibleMechanics(n int)        { d.eligible.Observe(float64(n)) }
func (d *Dispatch) DownstreamFailure(name string)  { d.failures.WithLabelValues(name).Inc() }
func (d *Dispatch) AlertCompleted(charges float64) {
	d.completed.Inc()
	d.charges.Observe(charges)
}

// HTTP records request counts and latency per route.
type HTTP struct {
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

func NewHTTP(reg prometheus.Registerer) (*HTTP, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	h := &HTTP{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	var err error
	if h.requests, err = register(reg, h.requests); err != nil {
		return nil, err
	}
	if h.latency, err = register(reg, h.latency); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *HTTP) Observe(method, route string, status int, elapsed time.Duration) {
	h.requests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	h.latency.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

// register adds c to reg, reusing the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}
