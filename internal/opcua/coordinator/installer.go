package coordinator

import (
	"context"
	"sync"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
)

// Installer satisfies loader.MonitoredItemInstaller: every scalar property
// the loader discovers is subscribed immediately and also recorded, so a
// later full stack recreation (§4.13) can replay the complete item set onto
// a fresh session instead of starting the subscription set from nothing.
type Installer struct {
	subs *subscription.Manager

	mu    sync.Mutex
	items []subscription.Item
}

// NewInstaller builds an Installer bound to subs.
func NewInstaller(subs *subscription.Manager) *Installer {
	return &Installer{subs: subs}
}

// Install satisfies loader.MonitoredItemInstaller.
func (i *Installer) Install(ctx context.Context, nodeID model.NodeId, prop model.Property) error {
	item := subscription.Item{NodeID: nodeID, Property: prop}
	i.mu.Lock()
	i.items = append(i.items, item)
	i.mu.Unlock()
	return i.subs.CreateItems(ctx, []subscription.Item{item})
}

// Items returns a snapshot, in installation order, of every item installed
// so far -- the replay set for a freshly recreated session.
func (i *Installer) Items() []subscription.Item {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]subscription.Item(nil), i.items...)
}
