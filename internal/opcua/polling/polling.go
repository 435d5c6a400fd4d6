// Package polling implements the fallback read-loop for nodes whose
// monitored-item creation failed, or that the subscription manager
// transferred on first failure (spec C5).
package polling

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua/ua"

	"github.com/andonworks/opcua-runtime/internal/opcua/breaker"
	"github.com/andonworks/opcua-runtime/internal/opcua/convert"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
)

// NodeReader is the transport surface polling needs: a batched read call.
// Satisfied by *opcua.Client.
type NodeReader interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
}

// SessionRef is a point-in-time view of the session polling should use.
// Generation changes whenever the underlying session is replaced, which is
// the freshness boundary that forces every cached value back to "unknown".
type SessionRef struct {
	Reader     NodeReader
	Connected  bool
	Generation uint64
}

// SessionSource supplies the manager's current session snapshot.
type SessionSource interface {
	CurrentSession() (SessionRef, bool)
}

// Updater delivers a changed value to the owning property, the same way
// the subscription fast path does.
type Updater func(prop model.Property, newValue any, observedAt time.Time)

// Item is a node/property pair to poll.
type Item struct {
	NodeID   model.NodeId
	Property model.Property
}

type pollEntry struct {
	item      Item
	lastValue atomic.Pointer[any]
}

// Metrics mirrors spec.md §4.5's per-manager counters.
type Metrics struct {
	TotalReads   uint64
	FailedReads  uint64
	ValueChanges uint64
	SlowPolls    uint64
	Trips        uint64
}

// Manager is the polling fallback loop.
type Manager struct {
	sessionSource SessionSource
	updater       Updater
	logger        *slog.Logger

	interval     time.Duration
	batchSize    int
	breakerName  string
	breakerThreshold uint32
	breakerCooldown  time.Duration

	items sync.Map // string(NodeId) -> *pollEntry

	started  atomic.Bool
	disposed atomic.Bool
	stopCh   chan struct{}

	// br is only ever touched from the single tick goroutine (§4.5 "launches
	// a single timer-driven task"), so it needs no synchronization of its own.
	br             *breaker.Breaker
	lastSessionGen uint64

	totalReads   atomic.Uint64
	failedReads  atomic.Uint64
	valueChanges atomic.Uint64
	slowPolls    atomic.Uint64
	trips        atomic.Uint64
}

// Config configures a new Manager.
type Config struct {
	Interval          time.Duration
	BatchSize         int
	BreakerThreshold  uint32
	BreakerCooldown   time.Duration
}

// New builds a polling Manager. It does not start ticking until Start is
// called.
func New(cfg Config, sessionSource SessionSource, updater Updater, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		sessionSource:    sessionSource,
		updater:          updater,
		logger:           logger,
		interval:         cfg.Interval,
		batchSize:        cfg.BatchSize,
		breakerName:      "polling",
		breakerThreshold: cfg.BreakerThreshold,
		breakerCooldown:  cfg.BreakerCooldown,
		stopCh:           make(chan struct{}),
	}
	m.br = breaker.New(m.breakerName, m.breakerThreshold, m.breakerCooldown)
	return m
}

// Add registers a node/property pair for polling. Idempotent.
func (m *Manager) Add(item Item) {
	key := item.NodeID.String()
	entry := &pollEntry{item: item}
	m.items.LoadOrStore(key, entry)
}

// Remove unregisters a node from polling. Idempotent.
func (m *Manager) Remove(nodeID model.NodeId) {
	m.items.Delete(nodeID.String())
}

// Start launches the single polling goroutine. Idempotent.
func (m *Manager) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run(ctx)
}

// Stop terminates the polling loop.
func (m *Manager) Stop() {
	m.disposed.Store(true)
	if m.started.Load() {
		close(m.stopCh)
	}
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Manager) tick(ctx context.Context) {
	start := time.Now()

	if m.disposed.Load() {
		return
	}

	permit, allowed := m.br.ShouldAttempt()
	if !allowed {
		return
	}

	session, ok := m.sessionSource.CurrentSession()
	if !ok || !session.Connected {
		m.lastSessionGen = 0
		permit.Success()
		return
	}

	if session.Generation != m.lastSessionGen {
		m.resetForNewSession(session.Generation)
	}

	type snapshot struct {
		key   string
		entry *pollEntry
	}
	var items []snapshot
	m.items.Range(func(key, value any) bool {
		items = append(items, snapshot{key: key.(string), entry: value.(*pollEntry)})
		return true
	})

	tickFailed := false
	for i := 0; i < len(items); i += m.batchSize {
		end := i + m.batchSize
		if end > len(items) {
			end = len(items)
		}
		batch := items[i:end]

		req := &ua.ReadRequest{NodesToRead: make([]*ua.ReadValueID, len(batch))}
		for j, s := range batch {
			id, err := ua.ParseNodeID(s.entry.item.NodeID.String())
			if err != nil {
				tickFailed = true
				continue
			}
			req.NodesToRead[j] = &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue}
		}

		m.totalReads.Add(uint64(len(batch)))
		resp, err := session.Reader.Read(ctx, req)
		if err != nil {
			tickFailed = true
			m.failedReads.Add(uint64(len(batch)))
			m.logger.Warn("polling: batch read failed", "error", err, "batch_size", len(batch))
			continue
		}

		for j, s := range batch {
			if j >= len(resp.Results) || resp.Results[j] == nil || resp.Results[j].Status != ua.StatusOK {
				m.failedReads.Add(1)
				continue
			}
			newValue, err := convert.FromWire(resp.Results[j])
			if err != nil {
				m.failedReads.Add(1)
				continue
			}
			m.applyIfChanged(s.key, s.entry, newValue)
		}
	}

	elapsed := time.Since(start)
	if elapsed > m.interval {
		m.slowPolls.Add(1)
		m.logger.Warn("polling: tick exceeded interval", "elapsed", elapsed, "interval", m.interval)
	}

	if tickFailed {
		if permit.Failure() {
			m.trips.Add(1)
		}
	} else {
		permit.Success()
	}
}

// applyIfChanged compares newValue against the entry's cached value and, on
// change, stores it only if the entry is still the one currently registered
// under its key -- concurrent Remove (which drops the map entry but leaves
// this captured pointer orphaned) cannot resurrect a notification.
func (m *Manager) applyIfChanged(key string, entry *pollEntry, newValue any) {
	if cur, ok := m.items.Load(key); !ok || cur.(*pollEntry) != entry {
		return
	}

	old := entry.lastValue.Load()
	var oldValue any
	known := old != nil
	if known {
		oldValue = *old
	}
	if known && convert.Equal(oldValue, newValue) {
		return
	}

	v := newValue
	entry.lastValue.Store(&v)
	m.valueChanges.Add(1)
	if cur, ok := m.items.Load(key); ok && cur.(*pollEntry) == entry {
		m.updater(entry.item.Property, newValue, time.Now())
	}
}

func (m *Manager) resetForNewSession(generation uint64) {
	m.lastSessionGen = generation
	m.items.Range(func(_, value any) bool {
		value.(*pollEntry).lastValue.Store(nil)
		return true
	})
	m.br = breaker.New(m.breakerName, m.breakerThreshold, m.breakerCooldown)
}

// ItemCount returns the number of node/property pairs currently polled.
func (m *Manager) ItemCount() int {
	count := 0
	m.items.Range(func(_, _ any) bool {
		count++
		return true
	})
	return count
}

// BreakerState reports the polling breaker's current state, for metrics.
func (m *Manager) BreakerState() string { return m.br.State() }

// Snapshot returns a copy of the manager's counters.
func (m *Manager) Snapshot() Metrics {
	return Metrics{
		TotalReads:   m.totalReads.Load(),
		FailedReads:  m.failedReads.Load(),
		ValueChanges: m.valueChanges.Load(),
		SlowPolls:    m.slowPolls.Load(),
		Trips:        m.trips.Load(),
	}
}
