// Package subscription implements the subscription manager (spec C6): it
// owns the set of OPC UA subscriptions, batches monitored items across
// them, delivers fast-path data changes, and filters failed items out to
// the polling manager (C5) or the health monitor (C7) as appropriate.
package subscription

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"
	"golang.org/x/sync/semaphore"

	"github.com/andonworks/opcua-runtime/internal/opcua/convert"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/monitoritem"
	"github.com/andonworks/opcua-runtime/internal/opcua/polling"
)

// Item is a node/property pair to subscribe.
type Item struct {
	NodeID   model.NodeId
	Property model.Property
}

// Update is a single converted data-change delivered to the updater as part
// of a batch (§4.6 fast path).
type Update struct {
	Property        model.Property
	Value           any
	SourceTimestamp time.Time
}

// Updater applies a batch of updates onto the subject graph. Implementations
// must tolerate and recover from a panic while applying any one update
// without losing the rest of the batch (§4.6 step 4).
type Updater func(updates []Update)

// Config mirrors the subscription-related options of spec.md §6.
type Config struct {
	MaxItemsPerSubscription int
	PublishInterval         time.Duration
	KeepAliveCount          uint32
	LifetimeCount           uint32
	Priority                byte
	MaxNotificationsPerPublish uint32
}

type monitoredEntry struct {
	clientHandle uint32
	nodeID       model.NodeId
	property     model.Property
	lastStatus   atomic.Uint32 // ua.StatusCode
}

type subscriptionWrapper struct {
	sub        *opcua.Subscription
	notifyCh   chan *opcua.PublishNotificationData
	mu         sync.Mutex // guards items
	items      map[uint32]*monitoredEntry
}

// Manager owns the subscription collection.
type Manager struct {
	client  *opcua.Client
	factory *monitoritem.Factory
	polling *polling.Manager
	updater Updater
	cfg     Config
	logger  *slog.Logger

	// applyGate serialises ApplyChanges-equivalent calls (Monitor/Unmonitor)
	// across this manager and the health monitor (§5 "apply-changes gate").
	applyGate *semaphore.Weighted

	mu            sync.RWMutex // protects the subscriptions slice (temporal separation)
	subscriptions []*subscriptionWrapper

	handleIndex sync.Map // uint32 clientHandle -> *monitoredEntry, global across subscriptions

	handleSeed   atomic.Uint32
	shuttingDown atomic.Bool

	bufferPool sync.Pool
}

// New builds a subscription Manager. applyGate is shared with the health
// monitor so only one apply-changes-equivalent call runs at a time.
func New(client *opcua.Client, factory *monitoritem.Factory, pollingMgr *polling.Manager, updater Updater, cfg Config, applyGate *semaphore.Weighted, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		client:    client,
		factory:   factory,
		polling:   pollingMgr,
		updater:   updater,
		cfg:       cfg,
		applyGate: applyGate,
		logger:    logger,
		bufferPool: sync.Pool{
			New: func() any { return make([]Update, 0, 64) },
		},
	}
}

// CreateItems batches items into new subscriptions (ceil(N/max)), fully
// initialises each one, runs apply-changes (Monitor), filters failed items,
// and only then publishes the subscription into the collection — the
// temporal-separation invariant of §4.6.
func (m *Manager) CreateItems(ctx context.Context, items []Item) error {
	maxPerSub := m.cfg.MaxItemsPerSubscription
	if maxPerSub <= 0 {
		maxPerSub = len(items)
	}
	for i := 0; i < len(items); i += maxPerSub {
		end := i + maxPerSub
		if end > len(items) {
			end = len(items)
		}
		if err := m.createOneSubscription(ctx, items[i:end]); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) createOneSubscription(ctx context.Context, batch []Item) error {
	notifyCh := make(chan *opcua.PublishNotificationData, 64)
	sub, err := m.client.Subscribe(ctx, &opcua.SubscriptionParameters{
		Interval:                   m.cfg.PublishInterval,
		KeepAliveCount:             m.cfg.KeepAliveCount,
		LifetimeCount:              m.cfg.LifetimeCount,
		Priority:                   m.cfg.Priority,
		MaxNotificationsPerPublish: m.cfg.MaxNotificationsPerPublish,
	}, notifyCh)
	if err != nil {
		return err
	}

	wrapper := &subscriptionWrapper{sub: sub, notifyCh: notifyCh, items: make(map[uint32]*monitoredEntry, len(batch))}

	requests := make([]*ua.MonitoredItemCreateRequest, 0, len(batch))
	entries := make([]*monitoredEntry, 0, len(batch))
	for _, item := range batch {
		handle := m.handleSeed.Add(1)
		req, err := m.factory.Build(item.NodeID, item.Property, handle)
		if err != nil {
			m.logger.Warn("subscription: skipping item, could not build monitored-item request", "node_id", item.NodeID.String(), "error", err)
			continue
		}
		requests = append(requests, req)
		entries = append(entries, &monitoredEntry{clientHandle: handle, nodeID: item.NodeID, property: item.Property})
	}
	if len(requests) == 0 {
		return nil
	}

	if err := m.applyGate.Acquire(ctx, 1); err != nil {
		return err
	}
	res, err := sub.Monitor(ctx, ua.TimestampsToReturnBoth, requests...)
	m.applyGate.Release(1)
	if err != nil {
		return err
	}

	var pollingEligible []polling.Item
	for i, result := range res.Results {
		entry := entries[i]
		entry.lastStatus.Store(uint32(result.StatusCode))
		switch classify(result.StatusCode) {
		case outcomeGood, outcomeResourceExhaustion:
			wrapper.items[entry.clientHandle] = entry
			m.handleIndex.Store(entry.clientHandle, entry)
		case outcomePollingEligible:
			pollingEligible = append(pollingEligible, polling.Item{NodeID: entry.nodeID, Property: entry.property})
		case outcomePermanent:
			m.logger.Warn("subscription: permanent failure creating monitored item, dropping", "node_id", entry.nodeID.String(), "status", result.StatusCode)
		case outcomeTransientOther:
			// Kept so the next FilterUnhealthy sweep removes it and hands it
			// back to the health monitor for retry.
			wrapper.items[entry.clientHandle] = entry
			m.logger.Info("subscription: transient failure creating monitored item, will retry via health monitor", "node_id", entry.nodeID.String(), "status", result.StatusCode)
		}
	}

	// Temporal separation: the subscription becomes visible to the health
	// monitor and the fast-change path only after it is fully populated.
	m.mu.Lock()
	m.subscriptions = append(m.subscriptions, wrapper)
	m.mu.Unlock()

	go m.pump(wrapper)

	if m.polling != nil {
		for _, item := range pollingEligible {
			m.polling.Add(item)
		}
	}
	return nil
}

// pump reads notifications for a single subscription sequentially (the
// transport guarantees in-order delivery per subscription); distinct
// subscriptions pump concurrently on their own goroutines.
func (m *Manager) pump(w *subscriptionWrapper) {
	for notif := range w.notifyCh {
		if notif == nil {
			continue
		}
		if notif.Error != nil {
			m.logger.Warn("subscription: notification error", "error", notif.Error)
			continue
		}
		m.handleDataChange(notif)
	}
}

// handleDataChange is the fast data-change path (§4.6).
func (m *Manager) handleDataChange(notif *opcua.PublishNotificationData) {
	if m.shuttingDown.Load() {
		return
	}

	dcn, ok := notif.Value.(*ua.DataChangeNotification)
	if !ok || dcn == nil {
		return
	}

	buf := m.bufferPool.Get().([]Update)
	buf = buf[:0]

	for _, item := range dcn.MonitoredItems {
		if item == nil || item.Value == nil {
			continue
		}
		val, ok := m.handleIndex.Load(item.ClientHandle)
		if !ok {
			continue
		}
		entry := val.(*monitoredEntry)
		converted, err := convert.FromWire(item.Value)
		if err != nil {
			m.logger.Warn("subscription: value conversion failed", "node_id", entry.nodeID.String(), "error", err)
			continue
		}
		ts := item.Value.SourceTimestamp
		buf = append(buf, Update{Property: entry.property, Value: converted, SourceTimestamp: ts})
	}

	if len(buf) == 0 {
		m.bufferPool.Put(buf[:0])
		return
	}

	m.applyUpdatesSafely(buf)
	m.bufferPool.Put(buf[:0])
}

func (m *Manager) applyUpdatesSafely(buf []Update) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("subscription: panic applying update batch, buffer still released", "recovered", r)
		}
	}()
	m.updater(buf)
}

// outcome classifies a monitored item's terminal status after an
// apply-changes call.
type outcome int

const (
	outcomeGood outcome = iota
	outcomePollingEligible
	outcomePermanent
	outcomeResourceExhaustion
	outcomeTransientOther
)

func classify(status ua.StatusCode) outcome {
	switch status {
	case ua.StatusOK:
		return outcomeGood
	case ua.StatusBadNotSupported, ua.StatusBadMonitoredItemFilterUnsupported:
		return outcomePollingEligible
	case ua.StatusBadNodeIDUnknown, ua.StatusBadAttributeIDInvalid, ua.StatusBadIndexRangeInvalid:
		return outcomePermanent
	case ua.StatusBadTooManyMonitoredItems, ua.StatusBadOutOfService:
		return outcomeResourceExhaustion
	default:
		return outcomeTransientOther
	}
}

// FilterUnhealthy walks the current subscriptions, removing items that are
// unhealthy per classify(): polling-eligible items transfer to C5, permanent
// ones are dropped, and transient-other ones are returned for the health
// monitor to retry (spec C7). Resource-exhaustion items are intentionally
// left in place.
func (m *Manager) FilterUnhealthy(ctx context.Context) ([]Item, error) {
	m.mu.RLock()
	subs := append([]*subscriptionWrapper(nil), m.subscriptions...)
	m.mu.RUnlock()

	var retry []Item
	for _, w := range subs {
		w.mu.Lock()
		var toRemove []uint32
		var pollingEligible []polling.Item
		for handle, entry := range w.items {
			status := ua.StatusCode(entry.lastStatus.Load())
			switch classify(status) {
			case outcomeGood, outcomeResourceExhaustion:
				continue
			case outcomePollingEligible:
				toRemove = append(toRemove, handle)
				pollingEligible = append(pollingEligible, polling.Item{NodeID: entry.nodeID, Property: entry.property})
			case outcomePermanent:
				toRemove = append(toRemove, handle)
				m.logger.Warn("subscription: permanent failure detected by health sweep, dropping", "node_id", entry.nodeID.String())
			case outcomeTransientOther:
				toRemove = append(toRemove, handle)
				retry = append(retry, Item{NodeID: entry.nodeID, Property: entry.property})
			}
		}
		for _, h := range toRemove {
			delete(w.items, h)
			m.handleIndex.Delete(h)
		}
		w.mu.Unlock()

		if len(toRemove) == 0 {
			continue
		}
		if err := m.applyGate.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		_, err := w.sub.Unmonitor(ctx, toRemove...)
		m.applyGate.Release(1)
		if err != nil {
			m.logger.Warn("subscription: unmonitor after filtering failed", "error", err)
		}

		if m.polling != nil {
			for _, item := range pollingEligible {
				m.polling.Add(item)
			}
		}
	}
	return retry, nil
}

// Transfer makes newClient the client that later CreateItems calls subscribe
// on; the session manager calls it after creating a session and after a
// reconnect. Existing subscriptions and their pump goroutines are left as
// they are: nothing is moved, re-created or re-bound.
func (m *Manager) Transfer(ctx context.Context, newClient *opcua.Client) {
	m.mu.Lock()
	m.client = newClient
	m.mu.Unlock()
}

// Shutdown marks the manager as shutting down; subsequent fast-change
// notifications are discarded.
func (m *Manager) Shutdown() {
	m.shuttingDown.Store(true)
}

// Count returns the number of live subscriptions, for metrics.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscriptions)
}
