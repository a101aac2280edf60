package ptymux

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counter tracks live PTY sessions. While it is above zero the
// reconciler skips its ticks.
type Counter struct {
	n atomic.Int64
}

// NewCounter creates a zeroed counter.
func NewCounter() *Counter {
	return &Counter{}
}

// Add registers a new session.
func (c *Counter) Add() {
	c.n.Add(1)
	activeTerminalsGauge().Inc()
}

// Done unregisters a session. The count never goes negative.
func (c *Counter) Done() {
	for {
		current := c.n.Load()
		if current <= 0 {
			return
		}
		if c.n.CompareAndSwap(current, current-1) {
			activeTerminalsGauge().Dec()
			return
		}
	}
}

// Active returns the current session count.
func (c *Counter) Active() int {
	return int(c.n.Load())
}

var (
	gaugeOnce sync.Once
	gauge     prometheus.Gauge
)

func activeTerminalsGauge() prometheus.Gauge {
	gaugeOnce.Do(func() {
		gauge = prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "dockhand",
			Subsystem: "pty",
			Name:      "active_sessions",
			Help:      "Number of live PTY sessions",
		})
		if err := prometheus.Register(gauge); err != nil {
			if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
				if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
					gauge = existing
				}
			}
		}
	})
	return gauge
}
