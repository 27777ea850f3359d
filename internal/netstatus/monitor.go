// Package netstatus tracks whether the server is reachable.
package netstatus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Prober checks reachability of the server
type Prober interface {
	Healthz(ctx context.Context) error
}

type Monitor struct {
	prober   Prober
	interval time.Duration
	timeout  time.Duration
	log      *zap.Logger

	online atomic.Bool
	probed atomic.Bool

	mu        sync.Mutex
	listeners []func(bool)
}

func NewMonitor(prober Prober, interval, timeout time.Duration, log *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Monitor{
		prober:   prober,
		interval: interval,
		timeout:  timeout,
		log:      log,
	}
}

// Online returns the result of the last probe. It is false before the first probe.
func (m *Monitor) Online() bool {
	return m.online.Load()
}

// OnChange registers fn to be called with the new state on every transition.
// The first probe counts as a transition only when it finds the server online.
func (m *Monitor) OnChange(fn func(bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Probe checks the server once and returns whether it answered
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Healthz(pctx)
	cancel()

	up := err == nil
	prev := m.online.Swap(up)
	first := !m.probed.Swap(true)
	if prev == up && !(first && up) {
		return up
	}

	if up {
		m.log.Info("Server reachable")
	} else {
		m.log.Warn("Server unreachable", zap.Error(err))
	}

	m.mu.Lock()
	listeners := make([]func(bool), len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(up)
	}
	return up
}

// Run probes immediately and then on every interval until ctx is done
func (m *Monitor) Run(ctx context.Context) {
	m.Probe(ctx)
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Probe(ctx)
		}
	}
}
