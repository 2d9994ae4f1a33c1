package obs

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "calsync"

// Metrics collects connection lifecycle and notification counters.
// All methods are safe on a nil receiver.
type Metrics struct {
	connectionState    prometheus.Gauge
	connectAttempts    prometheus.Counter
	closures           *prometheus.CounterVec
	reconnectScheduled prometheus.Counter
	reconnectDelay     prometheus.Histogram
	reconnectExhausted prometheus.Counter
	livenessTimeouts   prometheus.Counter
	registrations      *prometheus.CounterVec
	confirmed          prometheus.Gauge
	framesReceived     prometheus.Counter
	framesDropped      *prometheus.CounterVec
	updatesCoalesced   prometheus.Counter
	dispatches         prometheus.Counter
	reachable          prometheus.Gauge
}

// NewMetrics builds the collectors and registers them with reg.
// A nil reg leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		connectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state (0=idle 1=connecting 2=open 3=closing 4=closed).",
		}),
		connectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts started.",
		}),
		closures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "closures_total",
			Help:      "Connection closures by close code.",
		}, []string{"code"}),
		reconnectScheduled: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_scheduled_total",
			Help:      "Reconnection timers armed.",
		}),
		reconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Delay of armed reconnection timers.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32},
		}),
		reconnectExhausted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_exhausted_total",
			Help:      "Times the reconnection policy gave up.",
		}),
		livenessTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "liveness_timeouts_total",
			Help:      "Connections closed because a heartbeat went unacknowledged.",
		}),
		registrations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "registration_calls_total",
			Help:      "Register and unregister calls by result.",
		}, []string{"op", "result"}),
		confirmed: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "confirmed_subscriptions",
			Help:      "Resources confirmed on the wire.",
		}),
		framesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound data frames.",
		}),
		framesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_dropped_total",
			Help:      "Inbound frames or keys dropped without dispatch.",
		}, []string{"reason"}),
		updatesCoalesced: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "updates_coalesced_total",
			Help:      "Resource updates folded into an already pending entry.",
		}),
		dispatches: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Refresh instructions handed to the dispatch boundary.",
		}),
		reachable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "network_reachable",
			Help:      "1 when the backend is considered reachable.",
		}),
	}
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) IncConnectAttempt() {
	if m == nil {
		return
	}
	m.connectAttempts.Inc()
}

func (m *Metrics) IncClosure(code string) {
	if m == nil {
		return
	}
	m.closures.WithLabelValues(code).Inc()
}

// ObserveReconnect records an armed reconnection timer.
func (m *Metrics) ObserveReconnect(delay time.Duration) {
	if m == nil {
		return
	}
	m.reconnectScheduled.Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}

func (m *Metrics) IncReconnectExhausted() {
	if m == nil {
		return
	}
	m.reconnectExhausted.Inc()
}

func (m *Metrics) IncLivenessTimeout() {
	if m == nil {
		return
	}
	m.livenessTimeouts.Inc()
}

// ObserveRegistration records a register or unregister call outcome.
func (m *Metrics) ObserveRegistration(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.registrations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) SetConfirmed(n int) {
	if m == nil {
		return
	}
	m.confirmed.Set(float64(n))
}

func (m *Metrics) IncFrameReceived() {
	if m == nil {
		return
	}
	m.framesReceived.Inc()
}

func (m *Metrics) IncFrameDropped(reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncCoalesced() {
	if m == nil {
		return
	}
	m.updatesCoalesced.Inc()
}

func (m *Metrics) IncDispatch() {
	if m == nil {
		return
	}
	m.dispatches.Inc()
}

func (m *Metrics) SetReachable(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.reachable.Set(1)
		return
	}
	m.reachable.Set(0)
}
