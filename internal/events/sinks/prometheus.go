package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/streamwatch/streamwatch/internal/events"
)

// PrometheusSink exports event-derived metrics via Prometheus. It owns the
// collectors for event counts, session losses, and per-credential uptime.
type PrometheusSink struct {
	eventsTotal   *prometheus.CounterVec
	sessionsLost  *prometheus.CounterVec
	sessionUptime *prometheus.GaugeVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwatch_events_total",
			Help: "Total emitted events partitioned by kind.",
		}, []string{"kind"}),
		sessionsLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "streamwatch_sessions_lost_total",
			Help: "Stream sessions lost partitioned by credential.",
		}, []string{"credential"}),
		sessionUptime: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "streamwatch_session_uptime_seconds",
			Help: "Uptime of each live stream session at the last status report.",
		}, []string{"credential"}),
	}
	for _, collector := range []prometheus.Collector{
		s.eventsTotal,
		s.sessionsLost,
		s.sessionUptime,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register event collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []events.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt events.Event) {
	s.eventsTotal.WithLabelValues(string(evt.Kind)).Inc()
	switch evt.Kind {
	case events.KindSessionDown:
		s.sessionsLost.WithLabelValues(evt.Credential).Inc()
		s.sessionUptime.WithLabelValues(evt.Credential).Set(0)
	case events.KindSessionStatus:
		s.sessionUptime.WithLabelValues(evt.Credential).Set(evt.Uptime.Seconds())
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
