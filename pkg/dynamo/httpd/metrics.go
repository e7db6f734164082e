package httpd

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the daemon's collectors. A nil *metrics is valid and
// records nothing, so the hot paths never branch on configuration.
type metrics struct {
	connsAccepted prometheus.Counter
	connsRejected *prometheus.CounterVec
	connsActive   prometheus.Gauge
	responses     *prometheus.CounterVec
	terminations  *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		connsAccepted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "dynamo",
			Subsystem: "daemon",
			Name:      "connections_accepted_total",
			Help:      "Total number of accepted connections",
		}),
		connsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynamo",
			Subsystem: "daemon",
			Name:      "connections_rejected_total",
			Help:      "Connections dropped at accept time",
		}, []string{"reason"}),
		connsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "dynamo",
			Subsystem: "daemon",
			Name:      "connections_active",
			Help:      "Currently open connections",
		}),
		responses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynamo",
			Subsystem: "daemon",
			Name:      "responses_total",
			Help:      "Responses sent, by status class",
		}, []string{"class"}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dynamo",
			Subsystem: "daemon",
			Name:      "terminations_total",
			Help:      "Connection terminations, by code",
		}, []string{"code"}),
	}
}

func (m *metrics) connAccepted() {
	if m == nil {
		return
	}
	m.connsAccepted.Inc()
	m.connsActive.Inc()
}

func (m *metrics) connRejected(reason string) {
	if m == nil {
		return
	}
	m.connsRejected.WithLabelValues(reason).Inc()
}

func (m *metrics) connClosed(code TerminationCode) {
	if m == nil {
		return
	}
	m.connsActive.Dec()
	m.terminations.WithLabelValues(code.String()).Inc()
}

func (m *metrics) responseSent(status int) {
	if m == nil {
		return
	}
	m.responses.WithLabelValues(statusClass(status)).Inc()
}

func statusClass(status int) string {
	if status < 100 || status > 599 {
		return "other"
	}
	return strconv.Itoa(status/100) + "xx"
}
