package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lendpool/core/events"
)

type eventMetrics struct {
	emitted *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking emitted lending events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			emitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of lending events segmented by type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.emitted)
	})
	return eventRegistry
}

// Emit implements events.Emitter by counting the event type.
func (m *eventMetrics) Emit(evt events.Event) {
	if m == nil || evt == nil {
		return
	}
	typ := strings.TrimSpace(evt.EventType())
	if typ == "" {
		typ = "unknown"
	}
	m.emitted.WithLabelValues(typ).Inc()
}
