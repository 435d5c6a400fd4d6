// Package coordinator implements the client source coordinator (spec C13):
// the top-level component that wires the session, subscription, polling and
// write pipeline together, runs the health/reconnection loop, and owns
// strict-order teardown.
package coordinator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"golang.org/x/sync/semaphore"

	"github.com/andonworks/opcua-runtime/internal/opcua/health"
	"github.com/andonworks/opcua-runtime/internal/opcua/loader"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/polling"
	"github.com/andonworks/opcua-runtime/internal/opcua/session"
	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
	"github.com/andonworks/opcua-runtime/internal/opcua/writepipeline"
	"github.com/andonworks/opcua-runtime/internal/opcua/writequeue"
)

// Metrics is the snapshot exposed to the host (§6).
type Metrics struct {
	SessionConnected     bool
	Reconnecting         bool
	SubscriptionCount    int
	PollingItemCount     int
	WriteQueueDepth      int
	WriteQueueDropped    uint64
	PollingBreakerState  string
}

// ReconnectWatcher fans a reconnection-completed event out to every
// subscriber, rather than a single consumed channel (§6, SPEC_FULL
// supplemented feature). Signals coalesce: a subscriber receives at most one
// pending signal however many completions happen before it reads.
type ReconnectWatcher struct {
	mu   sync.Mutex
	subs []chan struct{}
}

// NewReconnectWatcher builds an empty watcher.
func NewReconnectWatcher() *ReconnectWatcher { return &ReconnectWatcher{} }

// Subscribe registers a new observer; the returned channel receives one
// signal per completed reconnection and is never closed.
func (w *ReconnectWatcher) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Broadcast signals every subscriber without blocking: each channel has a
// one-slot buffer, and a subscriber whose slot already holds an unread
// signal gets no second one.
func (w *ReconnectWatcher) Broadcast() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, ch := range w.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Config configures the coordinator's health/reconnection loop.
type Config struct {
	HealthCheckInterval time.Duration
	StallThreshold      int32
	Session             session.Config
}

// FullResync is the periodic-resync fallback (§4.10) run after a
// reconnection to reconcile structural changes missed during the outage.
type FullResync func(ctx context.Context) error

// Coordinator is the top-level client runtime.
type Coordinator struct {
	cfg Config

	sessionMgr *session.Manager
	subs       *subscription.Manager
	poll       *polling.Manager
	pipeline   *writepipeline.Pipeline
	healthMon  *health.Monitor
	ldr        *loader.Loader
	queue      *writequeue.Queue
	installer  *Installer

	root       model.Subject
	fullResync FullResync

	reconnectWatcher *ReconnectWatcher
	logger           *slog.Logger

	stopCh      chan struct{}
	disposeOnce sync.Once
}

// PipelineConfig bundles what's needed to build the write pipeline once the
// session manager exists (the pipeline's SessionSource *is* the session
// manager, so it cannot be constructed before it).
type PipelineConfig struct {
	FlushGate        *semaphore.Weighted
	MaxNodesPerWrite int
	ReadAfterWrite   writepipeline.ReadAfterWriteHook
}

// New builds a Coordinator and its internal session manager and write
// pipeline. reconnector and dialFn are the transport-specific collaborators
// the session manager needs.
func New(
	cfg Config,
	root model.Subject,
	subs *subscription.Manager,
	poll *polling.Manager,
	pollHolder *session.Holder,
	queue *writequeue.Queue,
	pipelineCfg PipelineConfig,
	healthMon *health.Monitor,
	ldr *loader.Loader,
	installer *Installer,
	fullResync FullResync,
	reconnector session.Reconnector,
	dialFn func(ctx context.Context, cfg session.Config) (*opcua.Client, error),
	logger *slog.Logger,
) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Coordinator{
		cfg:              cfg,
		subs:             subs,
		poll:             poll,
		healthMon:        healthMon,
		ldr:              ldr,
		queue:            queue,
		installer:        installer,
		root:             root,
		fullResync:       fullResync,
		reconnectWatcher: NewReconnectWatcher(),
		logger:           logger,
		stopCh:           make(chan struct{}),
	}
	c.sessionMgr = session.New(cfg.Session, reconnector, subs, c.onReconnectComplete, dialFn, logger)
	pollHolder.Set(c.sessionMgr)
	c.pipeline = writepipeline.New(queue, c.sessionMgr, pipelineCfg.FlushGate, pipelineCfg.MaxNodesPerWrite, pipelineCfg.ReadAfterWrite, logger)
	return c
}

// Start creates the session, discovers and loads the root subject, starts
// polling, and launches the health/reconnection loop (§4.13).
func (c *Coordinator) Start(ctx context.Context) error {
	if err := c.sessionMgr.CreateSession(ctx); err != nil {
		return err
	}
	if c.ldr != nil && c.root != nil {
		if err := c.ldr.LoadChildren(ctx, c.root); err != nil {
			c.logger.Warn("coordinator: initial discovery/load failed", "error", err)
		}
	}
	c.poll.Start(ctx)
	c.healthMon.Start(ctx)
	go c.healthLoop(ctx)
	return nil
}

// ReconnectWatcher exposes the reconnection-completed observer registry.
func (c *Coordinator) ReconnectWatcher() *ReconnectWatcher { return c.reconnectWatcher }

// onReconnectComplete runs after the session manager successfully hands off
// to a new session: flush queued writes, then reconcile any structural
// drift missed during the outage.
func (c *Coordinator) onReconnectComplete(ctx context.Context) {
	if err := c.pipeline.Flush(ctx); err != nil {
		c.logger.Warn("coordinator: post-reconnect write flush failed", "error", err)
	}
	if c.fullResync != nil {
		if err := c.fullResync(ctx); err != nil {
			c.logger.Warn("coordinator: post-reconnect resync failed", "error", err)
		}
	}
	c.reconnectWatcher.Broadcast()
}

func (c *Coordinator) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.healthTick(ctx)
		}
	}
}

func (c *Coordinator) healthTick(ctx context.Context) {
	c.healthMon.Tick(ctx)

	sess := c.sessionMgr.CurrentSession()
	reconnecting := c.sessionMgr.IsReconnecting()

	switch {
	case sess == nil && !reconnecting:
		c.logger.Warn("coordinator: session is dead and no reconnect in flight, recreating stack")
		c.recreateStack(ctx)
		c.sessionMgr.ResetStallTick()
	case reconnecting:
		ticks := c.sessionMgr.IncrementStallTick()
		if ticks > c.cfg.StallThreshold {
			if c.sessionMgr.TryForceResetIfStalled() {
				c.logger.Warn("coordinator: reconnect handler stalled, forcing stack recreation", "ticks", ticks)
				c.recreateStack(ctx)
			}
		}
	default:
		c.sessionMgr.ResetStallTick()
	}
}

func (c *Coordinator) recreateStack(ctx context.Context) {
	if err := c.sessionMgr.CreateSession(ctx); err != nil {
		c.logger.Error("coordinator: manual session recreation failed", "error", err)
		return
	}
	if c.installer != nil {
		if items := c.installer.Items(); len(items) > 0 {
			if err := c.subs.CreateItems(ctx, items); err != nil {
				c.logger.Error("coordinator: re-subscribing items after stack recreation failed", "error", err, "item_count", len(items))
			}
		}
	}
	c.poll.Start(ctx) // idempotent; resumes polling against the fresh session
	c.onReconnectComplete(ctx)
}

// Dispose tears the stack down in the strict order §4.13 requires: stop the
// health loop, then dispose the health monitor, subscription manager and
// polling manager before closing the session (so their disposers never
// touch an already-closed session), then close the session.
func (c *Coordinator) Dispose(ctx context.Context) error {
	var err error
	c.disposeOnce.Do(func() {
		close(c.stopCh)
		c.healthMon.Stop()
		c.subs.Shutdown()
		c.poll.Stop()
		err = c.sessionMgr.Dispose(ctx)
	})
	return err
}

// Snapshot returns the metrics exposed to the host (§6).
func (c *Coordinator) Snapshot() Metrics {
	return Metrics{
		SessionConnected:    c.sessionMgr.CurrentSession() != nil,
		Reconnecting:        c.sessionMgr.IsReconnecting(),
		SubscriptionCount:   c.subs.Count(),
		PollingItemCount:    c.poll.ItemCount(),
		WriteQueueDepth:     c.queue.Len(),
		WriteQueueDropped:   c.queue.DroppedCount(),
		PollingBreakerState: c.poll.BreakerState(),
	}
}
