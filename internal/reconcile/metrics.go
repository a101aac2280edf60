package reconcile

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce sync.Once
	tickTotal   *prometheus.CounterVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		tickTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dockhand",
			Subsystem: "reconcile",
			Name:      "ticks_total",
			Help:      "Reconcile tick outcomes",
		}, []string{"result"})
		if err := prometheus.Register(tickTotal); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
					tickTotal = existing
				}
			}
		}
	})
}

func observeTick(result string) {
	initMetrics()
	tickTotal.With(prometheus.Labels{"result": result}).Inc()
}
