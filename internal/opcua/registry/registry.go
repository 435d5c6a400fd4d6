// Package registry implements the client-view subject registry (spec C9):
// a bidirectional NodeId<->Subject map with reference counting, plus a
// recently-deleted table that shields periodic resync from re-materialising
// a subject the local side just removed.
package registry

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
)

// recentlyDeletedTTL matches spec.md §3's 30s expiry.
const recentlyDeletedTTL = 30 * time.Second

// Registry tracks the bijection between server NodeIds and local Subjects.
// Both directions, plus reference counts, are mutated under a single lock
// so inserts/removes/renames are atomic across the whole structure (§3).
type Registry struct {
	mu            sync.RWMutex
	nodeToSubject map[string]model.Subject
	subjectToNode map[string]model.NodeId
	refCounts     map[string]int

	recentlyDeleted *expirable.LRU[string, struct{}]

	// onLastUntrack is invoked (outside the lock) when a subject's
	// reference count drops to zero, so callers can tear down monitored
	// items without risking a self-deadlock on the registry lock.
	onLastUntrack func(model.Subject)
}

// New builds a Registry. recentlyDeletedCapacity bounds the LRU backing the
// recently-deleted set under pathological churn; onLastUntrack may be nil.
func New(recentlyDeletedCapacity int, onLastUntrack func(model.Subject)) *Registry {
	return &Registry{
		nodeToSubject:   make(map[string]model.Subject),
		subjectToNode:   make(map[string]model.NodeId),
		refCounts:       make(map[string]int),
		recentlyDeleted: expirable.NewLRU[string, struct{}](recentlyDeletedCapacity, nil, recentlyDeletedTTL),
		onLastUntrack:   onLastUntrack,
	}
}

// Track associates subject with nodeID and increments its reference count.
// Reports true iff this is the first tracking of subject (i.e. the
// bijection entry was just created).
func (r *Registry) Track(subject model.Subject, nodeID model.NodeId) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	first := r.refCounts[subject.ID()] == 0
	r.refCounts[subject.ID()]++
	if first {
		r.nodeToSubject[nodeID.String()] = subject
		r.subjectToNode[subject.ID()] = nodeID
	}
	return first
}

// Untrack decrements subject's reference count; on reaching zero it removes
// both directions of the bijection and fires onLastUntrack.
func (r *Registry) Untrack(subject model.Subject) {
	r.mu.Lock()
	count, ok := r.refCounts[subject.ID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	count--
	var last bool
	if count <= 0 {
		last = true
		delete(r.refCounts, subject.ID())
		if nodeID, ok := r.subjectToNode[subject.ID()]; ok {
			delete(r.nodeToSubject, nodeID.String())
		}
		delete(r.subjectToNode, subject.ID())
	} else {
		r.refCounts[subject.ID()] = count
	}
	r.mu.Unlock()

	if last && r.onLastUntrack != nil {
		r.onLastUntrack(subject)
	}
}

// UpdateExternalID atomically renames subject's registered NodeId, used by
// collection reindexing to rewrite `[k]` -> `[k-1]` for surviving siblings.
func (r *Registry) UpdateExternalID(subject model.Subject, newNodeID model.NodeId) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if oldNodeID, ok := r.subjectToNode[subject.ID()]; ok {
		delete(r.nodeToSubject, oldNodeID.String())
	}
	r.nodeToSubject[newNodeID.String()] = subject
	r.subjectToNode[subject.ID()] = newNodeID
}

// MarkRecentlyDeleted records nodeID as deleted for the recently-deleted
// window, guarding against a resync re-adding it.
func (r *Registry) MarkRecentlyDeleted(nodeID model.NodeId) {
	r.recentlyDeleted.Add(nodeID.String(), struct{}{})
}

// WasRecentlyDeleted reports whether nodeID was marked deleted within the
// last 30s.
func (r *Registry) WasRecentlyDeleted(nodeID model.NodeId) bool {
	_, ok := r.recentlyDeleted.Get(nodeID.String())
	return ok
}

// GetSubject looks up the subject currently bound to nodeID.
func (r *Registry) GetSubject(nodeID model.NodeId) (model.Subject, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.nodeToSubject[nodeID.String()]
	return s, ok
}

// GetExternalID looks up the NodeId currently bound to subject.
func (r *Registry) GetExternalID(subject model.Subject) (model.NodeId, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.subjectToNode[subject.ID()]
	return id, ok
}

// TrackedCount returns the number of subjects currently tracked; a metrics
// convenience, not part of the spec's core API.
func (r *Registry) TrackedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subjectToNode)
}
