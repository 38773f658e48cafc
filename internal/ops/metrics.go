package ops

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"timerbot/internal/eventbus"
)

// Metrics turns event bus traffic into Prometheus series. It uses its own
// registry so several instances can coexist in tests.
type Metrics struct {
	reg *prometheus.Registry

	deliveries      *prometheus.CounterVec
	warnings        *prometheus.CounterVec
	accountErrors   *prometheus.CounterVec
	deregistrations prometheus.Counter
	pollDuration    *prometheus.HistogramVec
	pollAccounts    *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timerbot_deliveries_total",
			Help: "Alert and warning deliveries by result",
		}, []string{"result"}),
		warnings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timerbot_warnings_total",
			Help: "Background warnings that passed the cool-down, by delivery success",
		}, []string{"sent"}),
		accountErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "timerbot_account_errors_total",
			Help: "Upstream failures while polling an account",
		}, []string{"poller", "class"}),
		deregistrations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "timerbot_deregistrations_total",
			Help: "Accounts deleted after exceeding the failure threshold",
		}),
		pollDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "timerbot_poll_duration_seconds",
			Help:    "Duration of one poller tick",
			Buckets: prometheus.DefBuckets,
		}, []string{"poller"}),
		pollAccounts: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "timerbot_poll_accounts",
			Help: "Accounts processed by the last tick",
		}, []string{"poller"}),
	}
	m.reg.MustRegister(
		m.deliveries,
		m.warnings,
		m.accountErrors,
		m.deregistrations,
		m.pollDuration,
		m.pollAccounts,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for the HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Observe records one bus event.
func (m *Metrics) Observe(e eventbus.Event) {
	switch p := e.Payload.(type) {
	case eventbus.Delivered:
		m.deliveries.WithLabelValues("sent").Inc()
	case eventbus.DeliveryFailed:
		m.deliveries.WithLabelValues("failed").Inc()
	case eventbus.Warning:
		m.warnings.WithLabelValues(strconv.FormatBool(p.Sent)).Inc()
	case eventbus.AccountError:
		m.accountErrors.WithLabelValues(p.Poller, p.Class).Inc()
	case eventbus.Deregistered:
		m.deregistrations.Inc()
	case eventbus.PollFinished:
		m.pollDuration.WithLabelValues(p.Poller).Observe(p.Seconds)
		m.pollAccounts.WithLabelValues(p.Poller).Set(float64(p.Accounts))
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) error {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-ch:
			if !ok {
				return nil
			}
			m.Observe(e)
		}
	}
}
