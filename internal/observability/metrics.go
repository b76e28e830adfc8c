// Package observability exports process state over HTTP: Prometheus
// metrics fed from the event bus, a JSON health report and, optionally,
// pprof.
package observability

import (
	"context"

	"alertwatch/internal/dispatch"
	"alertwatch/internal/eventbus"
	"alertwatch/internal/monitor"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics owns a private registry so tests and multiple instances do not
// collide on the global one.
type Metrics struct {
	Registry *prometheus.Registry

	cycles        *prometheus.CounterVec
	cycleDuration *prometheus.HistogramVec
	consecutive   prometheus.Gauge
	state         *prometheus.GaugeVec
	deliveries    *prometheus.CounterVec
	alerts        *prometheus.CounterVec
	advances      *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertwatch_cycles_total",
			Help: "Detection cycles by loop and outcome class.",
		}, []string{"loop", "class"}),
		cycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "alertwatch_cycle_duration_seconds",
			Help:    "Duration of detection cycles.",
			Buckets: prometheus.DefBuckets,
		}, []string{"loop"}),
		consecutive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "alertwatch_consecutive_errors",
			Help: "Current value of the consecutive error budget counter.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "alertwatch_monitor_state",
			Help: "1 for the current monitor state.",
		}, []string{"state"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertwatch_deliveries_total",
			Help: "Channel outcomes per batch.",
		}, []string{"channel", "outcome"}),
		alerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertwatch_alerts_delivered_total",
			Help: "Alerts in batches delivered over at least one channel.",
		}, []string{"kind", "channel"}),
		advances: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "alertwatch_cursor_advances_total",
			Help: "Cursor advances by kind.",
		}, []string{"kind"}),
	}
	m.Registry.MustRegister(
		m.cycles, m.cycleDuration, m.consecutive, m.state,
		m.deliveries, m.alerts, m.advances,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Observe updates the metrics from one bus event. Unknown types are ignored.
func (m *Metrics) Observe(ev eventbus.Event) {
	switch ev.Type {
	case monitor.EventCycle:
		c, ok := ev.Data.(monitor.CycleEvent)
		if !ok {
			return
		}
		m.cycles.WithLabelValues(c.Loop, c.Class).Inc()
		m.cycleDuration.WithLabelValues(c.Loop).Observe(c.Duration.Seconds())
		m.consecutive.Set(float64(c.Consecutive))
	case monitor.EventState:
		s, ok := ev.Data.(monitor.StateEvent)
		if !ok {
			return
		}
		for _, name := range []string{monitor.StateIdle.String(), monitor.StateRunning.String(), monitor.StateStopped.String()} {
			v := 0.0
			if name == s.State {
				v = 1
			}
			m.state.WithLabelValues(name).Set(v)
		}
	case monitor.EventAdvance:
		if a, ok := ev.Data.(monitor.AdvanceEvent); ok {
			m.advances.WithLabelValues(a.Kind).Inc()
		}
	case dispatch.EventSent, dispatch.EventFailed, dispatch.EventSkipped:
		d, ok := ev.Data.(dispatch.Event)
		if !ok {
			return
		}
		ch := string(d.Channel)
		if ch == "" {
			ch = "none"
		}
		outcome := ev.Type[len("dispatch."):]
		m.deliveries.WithLabelValues(ch, outcome).Inc()
		if ev.Type == dispatch.EventSent {
			m.alerts.WithLabelValues(d.Kind, ch).Add(float64(d.Count))
		}
	}
}

// Run consumes bus events until ctx is done.
func (m *Metrics) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsub := bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.Observe(ev)
		}
	}
}
