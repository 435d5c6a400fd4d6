// Package health implements the health monitor (spec C7): it periodically
// asks the subscription manager to filter newly-failed monitored items and
// retries the transient ones.
package health

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
)

// Filterer is the subset of subscription.Manager the health monitor needs.
type Filterer interface {
	FilterUnhealthy(ctx context.Context) ([]subscription.Item, error)
	CreateItems(ctx context.Context, items []subscription.Item) error
}

// Monitor runs the periodic sweep.
type Monitor struct {
	sub      Filterer
	interval time.Duration
	logger   *slog.Logger

	started atomic.Bool
	stopCh  chan struct{}
}

// New builds a health Monitor. Default interval is 10s per spec.md §4.7.
func New(sub Filterer, interval time.Duration, logger *slog.Logger) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{sub: sub, interval: interval, logger: logger, stopCh: make(chan struct{})}
}

// Start launches the sweep loop. Idempotent.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run(ctx)
}

// Stop terminates the sweep loop.
func (m *Monitor) Stop() {
	if m.started.Load() {
		close(m.stopCh)
	}
}

func (m *Monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick(ctx)
		}
	}
}

// Tick runs a single sweep: filter unhealthy items, then retry the ones
// classified as transient-other by recreating their monitored items.
func (m *Monitor) Tick(ctx context.Context) {
	retry, err := m.sub.FilterUnhealthy(ctx)
	if err != nil {
		m.logger.Warn("health: filter sweep failed", "error", err)
		return
	}
	if len(retry) == 0 {
		return
	}
	if err := m.sub.CreateItems(ctx, retry); err != nil {
		m.logger.Warn("health: retry of transient items failed", "error", err, "count", len(retry))
	}
}
