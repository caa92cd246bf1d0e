package daemon

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/vocdoni/gofirma/eimzo/internal/model"
)

const (
	resultOK       = "ok"
	resultError    = "error"
	resultRejected = "rejected"
)

type metrics struct {
	requests *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "eimzo",
			Subsystem: "daemon",
			Name:      "requests_total",
			Help:      "Number of cryptapi requests handled, by plugin, operation and result.",
		}, []string{"plugin", "name", "result"}),
	}
	reg.MustRegister(m.requests)
	return m
}

func (m *metrics) observe(req model.Request, result string) {
	m.requests.WithLabelValues(req.Plugin, req.Name, result).Inc()
}
