// Package graphchange implements the graph change receiver (spec C10): it
// reconciles the local subject graph against remote ModelChangeEvents or a
// periodic full resync, for reference, collection and dictionary
// properties, including index reconciliation and multi-parent deletion.
//
// Only the more complete receiver design from the source is implemented
// here (spec.md §9 open question #1); there is no parallel legacy
// processor.
package graphchange

import (
	"context"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/registry"
)

// ChildRef is a single browsed child reference.
type ChildRef struct {
	NodeID     model.NodeId
	BrowseName string
}

// Browser resolves structural information from the remote address space.
type Browser interface {
	// BrowseChildren returns the direct children of containerID.
	BrowseChildren(ctx context.Context, containerID model.NodeId) ([]ChildRef, error)
	// ParentOf resolves nodeID's immediate server-side parent, returning the
	// parent's node id together with nodeID's own browse name under that
	// parent -- the name the node-added dispatch matches against the
	// tracked ancestor's properties once the walk reaches one.
	ParentOf(ctx context.Context, nodeID model.NodeId) (ChildRef, error)
}

// SubjectFactory creates a new local subject for a remote node. It is
// factory-guarded by the caller: the container/kind is validated before
// this is invoked, so it never needs to reject on structural grounds.
type SubjectFactory func(ctx context.Context, nodeID model.NodeId, browseName string, parent model.Subject) (model.Subject, error)

// Materializer performs the subject-loader pass (§4.11) over a freshly
// created subject: claiming ownership, installing monitored items, and
// recursing into its own children.
type Materializer interface {
	LoadChildren(ctx context.Context, subject model.Subject) error
}

// Verb is a ModelChangeEvent kind.
type Verb int

const (
	VerbNodeAdded Verb = iota
	VerbNodeDeleted
	VerbReferenceAdded
	VerbReferenceDeleted
)

// ModelChangeEvent is a single remote structural change notification.
type ModelChangeEvent struct {
	Verb     Verb
	NodeID   model.NodeId
	ParentID model.NodeId
}

const maxAncestorWalkDepth = 32

// Receiver reconciles the local graph with remote structural changes.
type Receiver struct {
	registry     *registry.Registry
	browser      Browser
	factory      SubjectFactory
	materializer Materializer
	logger       *slog.Logger

	// publishingEnabled mirrors enable_graph_change_publishing: when set,
	// additions are filtered against the recently-deleted guard.
	publishingEnabled bool

	// processingRemote is set for the duration of a server-originated
	// change; monitored items are not installed while it is set, because
	// the subscription's initial-value notification would race the
	// explicit read (§4.10).
	processingRemote atomic.Bool
}

// New builds a Receiver.
func New(reg *registry.Registry, browser Browser, factory SubjectFactory, materializer Materializer, publishingEnabled bool, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{registry: reg, browser: browser, factory: factory, materializer: materializer, publishingEnabled: publishingEnabled, logger: logger}
}

// IsProcessingRemoteChange reports whether a remote-change window is
// currently open; property installers must consult this before installing
// monitored items (§8 property 7).
func (r *Receiver) IsProcessingRemoteChange() bool { return r.processingRemote.Load() }

func (r *Receiver) enterRemoteChange() func() {
	r.processingRemote.Store(true)
	return func() { r.processingRemote.Store(false) }
}

// HandleModelChangeEvent dispatches a single remote change.
func (r *Receiver) HandleModelChangeEvent(ctx context.Context, ev ModelChangeEvent) error {
	defer r.enterRemoteChange()()

	switch ev.Verb {
	case VerbNodeAdded:
		return r.handleNodeAdded(ctx, ev.NodeID)
	case VerbNodeDeleted:
		return r.handleNodeDeleted(ev.NodeID)
	case VerbReferenceAdded, VerbReferenceDeleted:
		// Re-resolution happens through the owning property's reconciler,
		// invoked by the caller with the concrete parent/property; this
		// entry point only exists to keep the event taxonomy complete.
		return nil
	default:
		return nil
	}
}

// ReconcileReferenceProperty applies the four-way reference reconciliation
// of §4.10: create / replace / clear / no-op.
func (r *Receiver) ReconcileReferenceProperty(ctx context.Context, parent model.Subject, prop model.Property, remote *ChildRef) error {
	localChild, hasLocalValue := prop.Value().(model.Subject)
	var localNodeID model.NodeId
	hasLocal := hasLocalValue && localChild != nil
	if hasLocal {
		localNodeID, hasLocal = r.registry.GetExternalID(localChild)
	}

	switch {
	case remote != nil && !hasLocal:
		return r.createReferenceChild(ctx, parent, prop, *remote)
	case remote != nil && hasLocal && !localNodeID.Equal(remote.NodeID):
		r.unregisterReferenceChild(parent, prop, localChild, localNodeID)
		return r.createReferenceChild(ctx, parent, prop, *remote)
	case remote == nil && hasLocal:
		r.unregisterReferenceChild(parent, prop, localChild, localNodeID)
		return nil
	default:
		return nil // remote absent, local absent: no-op
	}
}

func (r *Receiver) createReferenceChild(ctx context.Context, parent model.Subject, prop model.Property, remote ChildRef) error {
	subj, err := r.factory(ctx, remote.NodeID, remote.BrowseName, parent)
	if err != nil {
		r.logger.Warn("graphchange: factory failed for reference child", "node_id", remote.NodeID.String(), "error", err)
		return err
	}
	subj.AddParent(parent)
	r.registry.Track(subj, remote.NodeID)
	prop.SetValueFromSource(r, time.Now(), time.Now(), subj)

	if !r.processingRemote.Load() {
		return r.materializer.LoadChildren(ctx, subj)
	}
	return nil
}

func (r *Receiver) unregisterReferenceChild(parent model.Subject, prop model.Property, child model.Subject, nodeID model.NodeId) {
	for _, p := range child.Parents() {
		child.RemoveParent(p)
	}
	r.registry.Untrack(child)
	if r.publishingEnabled {
		r.registry.MarkRecentlyDeleted(nodeID)
	}
	prop.SetValueFromSource(r, time.Now(), time.Now(), nil)
}

// CollectionMember is a live element of a collection property, carrying its
// registered node id (the source of truth for its index, not list
// position).
type CollectionMember struct {
	Subject model.Subject
	NodeID  model.NodeId
}

// ReconcileCollectionProperty applies §4.10's collection reconciliation:
// additions ascending, removals descending with index rewriting.
func (r *Receiver) ReconcileCollectionProperty(ctx context.Context, parent model.Subject, prop model.Property, containerID model.NodeId, local []CollectionMember) ([]CollectionMember, error) {
	remoteRefs, err := r.browser.BrowseChildren(ctx, containerID)
	if err != nil {
		return local, err
	}

	remoteByIndex := make(map[int]ChildRef, len(remoteRefs))
	for _, ref := range remoteRefs {
		if idx, ok := ref.NodeID.CollectionIndex(); ok {
			remoteByIndex[idx] = ref
		}
	}
	localByIndex := make(map[int]CollectionMember, len(local))
	for _, m := range local {
		if idx, ok := m.NodeID.CollectionIndex(); ok {
			localByIndex[idx] = m
		}
	}

	var toAdd []int
	for idx := range remoteByIndex {
		if _, ok := localByIndex[idx]; !ok {
			toAdd = append(toAdd, idx)
		}
	}
	sort.Ints(toAdd)

	var toRemove []int
	for idx := range localByIndex {
		if _, ok := remoteByIndex[idx]; !ok {
			toRemove = append(toRemove, idx)
		}
	}
	sort.Sort(sort.Reverse(sort.IntSlice(toRemove)))

	result := append([]CollectionMember(nil), local...)

	for _, removedIdx := range toRemove {
		member := localByIndex[removedIdx]
		r.registry.Untrack(member.Subject)
		if r.publishingEnabled {
			r.registry.MarkRecentlyDeleted(member.NodeID)
		}
		result = removeMember(result, member.Subject)

		// Rewrite surviving children with index > removed: [k] -> [k-1].
		for i, m := range result {
			idx, ok := m.NodeID.CollectionIndex()
			if !ok || idx <= removedIdx {
				continue
			}
			newID := m.NodeID.WithCollectionIndex(idx - 1)
			r.registry.UpdateExternalID(m.Subject, newID)
			result[i].NodeID = newID
		}
	}

	for _, addedIdx := range toAdd {
		ref := remoteByIndex[addedIdx]
		if r.publishingEnabled && r.registry.WasRecentlyDeleted(ref.NodeID) {
			continue
		}
		subj, err := r.factory(ctx, ref.NodeID, ref.BrowseName, parent)
		if err != nil {
			r.logger.Warn("graphchange: factory failed for collection member", "node_id", ref.NodeID.String(), "error", err)
			continue
		}
		subj.AddParent(parent)
		r.registry.Track(subj, ref.NodeID)
		result = append(result, CollectionMember{Subject: subj, NodeID: ref.NodeID})

		if !r.processingRemote.Load() {
			if err := r.materializer.LoadChildren(ctx, subj); err != nil {
				r.logger.Warn("graphchange: loading collection member failed", "node_id", ref.NodeID.String(), "error", err)
			}
		}
	}

	return result, nil
}

func removeMember(members []CollectionMember, subj model.Subject) []CollectionMember {
	out := members[:0]
	for _, m := range members {
		if m.Subject != subj {
			out = append(out, m)
		}
	}
	return out
}

// DictionaryMember is a live, browse-name-keyed element of a dictionary
// property.
type DictionaryMember struct {
	Subject model.Subject
	NodeID  model.NodeId
	Key     string
}

// ReconcileDictionaryProperty is symmetric to the collection reconciler but
// keyed by browse name; there is no reindexing.
func (r *Receiver) ReconcileDictionaryProperty(ctx context.Context, parent model.Subject, containerID model.NodeId, local []DictionaryMember) ([]DictionaryMember, error) {
	remoteRefs, err := r.browser.BrowseChildren(ctx, containerID)
	if err != nil {
		return local, err
	}

	remoteByKey := make(map[string]ChildRef, len(remoteRefs))
	for _, ref := range remoteRefs {
		remoteByKey[ref.BrowseName] = ref
	}
	localByKey := make(map[string]DictionaryMember, len(local))
	for _, m := range local {
		localByKey[m.Key] = m
	}

	result := append([]DictionaryMember(nil), local...)

	for key, member := range localByKey {
		if _, ok := remoteByKey[key]; !ok {
			r.registry.Untrack(member.Subject)
			if r.publishingEnabled {
				r.registry.MarkRecentlyDeleted(member.NodeID)
			}
			result = removeDictMember(result, member.Subject)
		}
	}

	for key, ref := range remoteByKey {
		if _, ok := localByKey[key]; ok {
			continue
		}
		if r.publishingEnabled && r.registry.WasRecentlyDeleted(ref.NodeID) {
			continue
		}
		subj, err := r.factory(ctx, ref.NodeID, ref.BrowseName, parent)
		if err != nil {
			r.logger.Warn("graphchange: factory failed for dictionary member", "node_id", ref.NodeID.String(), "error", err)
			continue
		}
		subj.AddParent(parent)
		r.registry.Track(subj, ref.NodeID)
		result = append(result, DictionaryMember{Subject: subj, NodeID: ref.NodeID, Key: key})

		if !r.processingRemote.Load() {
			if err := r.materializer.LoadChildren(ctx, subj); err != nil {
				r.logger.Warn("graphchange: loading dictionary member failed", "node_id", ref.NodeID.String(), "error", err)
			}
		}
	}

	return result, nil
}

func removeDictMember(members []DictionaryMember, subj model.Subject) []DictionaryMember {
	out := members[:0]
	for _, m := range members {
		if m.Subject != subj {
			out = append(out, m)
		}
	}
	return out
}

// handleNodeAdded routes a bare NodeAdded event to the right property
// reconciler by walking up to the first tracked ancestor (§4.10).
func (r *Receiver) handleNodeAdded(ctx context.Context, nodeID model.NodeId) error {
	if _, tracked := r.registry.GetSubject(nodeID); tracked {
		return nil // shields against the server's initial event replay burst
	}

	current := nodeID
	for depth := 0; depth < maxAncestorWalkDepth; depth++ {
		parentRef, err := r.browser.ParentOf(ctx, current)
		if err != nil {
			return err
		}
		if ancestor, ok := r.registry.GetSubject(parentRef.NodeID); ok {
			r.logger.Info("graphchange: node-added dispatch reached tracked ancestor", "node_id", nodeID.String(), "ancestor_id", parentRef.NodeID.String())
			return r.dispatchNodeAddedToAncestor(ctx, ancestor, ChildRef{NodeID: current, BrowseName: parentRef.BrowseName})
		}
		current = parentRef.NodeID
	}
	r.logger.Warn("graphchange: node-added dispatch exceeded max ancestor depth", "node_id", nodeID.String())
	return nil
}

// dispatchNodeAddedToAncestor matches the newly discovered child against the
// tracked ancestor's properties and routes it to the reconciler for its kind
// (§4.10 node-added dispatch step 3). Scalar properties are left alone: they
// flow through the fast-change/polling value path, not structural
// reconciliation.
func (r *Receiver) dispatchNodeAddedToAncestor(ctx context.Context, ancestor model.Subject, child ChildRef) error {
	prop, ok := ancestor.Property(child.BrowseName)
	if !ok {
		r.logger.Info("graphchange: node-added dispatch found no matching property on tracked ancestor", "ancestor_id", ancestor.ID(), "browse_name", child.BrowseName)
		return nil
	}

	switch prop.Kind() {
	case model.PropertyReference:
		return r.ReconcileReferenceProperty(ctx, ancestor, prop, &child)
	case model.PropertyCollection:
		containerID, ok := r.registry.GetExternalID(ancestor)
		if !ok {
			return nil
		}
		members, err := r.ReconcileCollectionProperty(ctx, ancestor, prop, containerID, collectionMembersOf(prop, r.registry))
		if err != nil {
			return err
		}
		subjects := make([]model.Subject, len(members))
		for i, m := range members {
			subjects[i] = m.Subject
		}
		prop.SetValueFromSource(r, time.Now(), time.Now(), subjects)
		return nil
	case model.PropertyDictionary:
		containerID, ok := r.registry.GetExternalID(ancestor)
		if !ok {
			return nil
		}
		members, err := r.ReconcileDictionaryProperty(ctx, ancestor, containerID, dictionaryMembersOf(prop, r.registry))
		if err != nil {
			return err
		}
		result := make(map[string]model.Subject, len(members))
		for _, m := range members {
			result[m.Key] = m.Subject
		}
		prop.SetValueFromSource(r, time.Now(), time.Now(), result)
		return nil
	default:
		return nil
	}
}

// collectionMembersOf reconstructs a property's current collection members,
// including their registered node ids, from its stored []model.Subject value.
func collectionMembersOf(prop model.Property, reg *registry.Registry) []CollectionMember {
	subjects, _ := prop.Value().([]model.Subject)
	members := make([]CollectionMember, 0, len(subjects))
	for _, s := range subjects {
		if nodeID, ok := reg.GetExternalID(s); ok {
			members = append(members, CollectionMember{Subject: s, NodeID: nodeID})
		}
	}
	return members
}

// dictionaryMembersOf is collectionMembersOf's dictionary-keyed counterpart.
func dictionaryMembersOf(prop model.Property, reg *registry.Registry) []DictionaryMember {
	dict, _ := prop.Value().(map[string]model.Subject)
	members := make([]DictionaryMember, 0, len(dict))
	for key, s := range dict {
		if nodeID, ok := reg.GetExternalID(s); ok {
			members = append(members, DictionaryMember{Subject: s, NodeID: nodeID, Key: key})
		}
	}
	return members
}

// handleNodeDeleted unregisters subj and detaches it from every parent it
// was attached through (multi-parent deletion, §4.10).
func (r *Receiver) handleNodeDeleted(nodeID model.NodeId) error {
	subj, ok := r.registry.GetSubject(nodeID)
	if !ok {
		return nil
	}
	for _, p := range subj.Parents() {
		subj.RemoveParent(p)
	}
	r.registry.Untrack(subj)
	if r.publishingEnabled {
		r.registry.MarkRecentlyDeleted(nodeID)
	}
	return nil
}
