// Package loader implements the subject loader (spec C11): the one-pass
// traversal that materialises a subject's children, claims ownership of
// properties, installs monitored items, and wires dynamically-discovered
// properties.
package loader

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/andonworks/opcua-runtime/internal/opcua/graphchange"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/registry"
)

// PropertyResolver maps a browsed child to a known local property, via
// whatever out-of-scope attribute-mapping DSL / path provider / fluent
// config the host wires up (spec.md §1 "out of scope").
type PropertyResolver interface {
	Resolve(parent model.Subject, browseName string) (model.Property, bool)
}

// FlatLayoutChecker reports whether baseName is a flat-layout collection on
// parent -- one whose indexed members (`Base[i]`) live directly under the
// parent rather than under a dedicated container node.
type FlatLayoutChecker interface {
	IsFlatLayoutCollection(parent model.Subject, baseName string) bool
}

// DynamicPropertyPolicy decides whether an unmatched child should become a
// dynamic property (the should_add_dynamic_property policy, §6).
type DynamicPropertyPolicy interface {
	ShouldAddDynamicProperty(parent model.Subject, browseName string, nodeID model.NodeId) bool
}

// TypeResolver infers the CLR-equivalent Go type for a dynamically
// discovered node. Returning an error means inference failed and the node
// is skipped.
type TypeResolver interface {
	InferType(ctx context.Context, nodeID model.NodeId) (any, error)
}

// DynamicPropertyFactory builds a property backed by a closure-stored value
// slot for a dynamically discovered node.
type DynamicPropertyFactory func(name string, nodeID model.NodeId, inferredType any) model.Property

// MonitoredItemInstaller installs a monitored item for a value property.
type MonitoredItemInstaller interface {
	Install(ctx context.Context, nodeID model.NodeId, prop model.Property) error
}

// Loader performs the materialisation pass.
type Loader struct {
	registry       *registry.Registry
	browser        graphchange.Browser
	factory        graphchange.SubjectFactory
	resolver       PropertyResolver
	flat           FlatLayoutChecker
	dynamicPolicy  DynamicPropertyPolicy
	typeResolver   TypeResolver
	dynamicFactory DynamicPropertyFactory
	installer      MonitoredItemInstaller
	remoteChange   func() bool // reports whether a graphchange window is open; nil means "never"
	logger         *slog.Logger

	loaded sync.Map // subject.ID() -> struct{}, guards re-entrant cycles
}

// New builds a Loader.
func New(reg *registry.Registry, browser graphchange.Browser, factory graphchange.SubjectFactory, resolver PropertyResolver, flat FlatLayoutChecker, dynamicPolicy DynamicPropertyPolicy, typeResolver TypeResolver, dynamicFactory DynamicPropertyFactory, installer MonitoredItemInstaller, remoteChange func() bool, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		registry: reg, browser: browser, factory: factory, resolver: resolver,
		flat: flat, dynamicPolicy: dynamicPolicy, typeResolver: typeResolver,
		dynamicFactory: dynamicFactory, installer: installer, remoteChange: remoteChange, logger: logger,
	}
}

type indexedChild struct {
	ref graphchange.ChildRef
	idx int
}

// LoadChildren materialises subject's children in one pass (§4.11). It also
// satisfies graphchange.Materializer, so the graph change receiver can
// reuse it to load a newly added subject's own subtree.
func (l *Loader) LoadChildren(ctx context.Context, subject model.Subject) error {
	if _, already := l.loaded.LoadOrStore(subject.ID(), struct{}{}); already {
		return nil // cycle guard
	}

	nodeID, ok := l.registry.GetExternalID(subject)
	if !ok {
		return fmt.Errorf("loader: subject %s has no registered node id", subject.ID())
	}

	children, err := l.browser.BrowseChildren(ctx, nodeID)
	if err != nil {
		return err
	}

	matched := make(map[string]bool)
	collectionBuckets := make(map[string][]indexedChild)
	dictionaryBuckets := make(map[string]map[string]graphchange.ChildRef)
	type flatBucket struct {
		baseName string
		members  []indexedChild
	}
	flatBuckets := make(map[string]*flatBucket)

	for _, child := range children {
		prop, ok := l.resolver.Resolve(subject, child.BrowseName)
		if ok {
			matched[prop.Name()] = true
			switch prop.Kind() {
			case model.PropertyReference:
				l.claim(prop)
				refChild, err := l.materialize(ctx, subject, child)
				if err != nil {
					l.logger.Warn("loader: materialising reference child failed", "node_id", child.NodeID.String(), "error", err)
					continue
				}
				prop.SetValueFromSource(l, time.Now(), time.Now(), refChild)
				continue
			case model.PropertyCollection:
				l.claim(prop)
				idx, _ := child.NodeID.CollectionIndex()
				collectionBuckets[prop.Name()] = append(collectionBuckets[prop.Name()], indexedChild{ref: child, idx: idx})
				continue
			case model.PropertyDictionary:
				l.claim(prop)
				bucket := dictionaryBuckets[prop.Name()]
				if bucket == nil {
					bucket = make(map[string]graphchange.ChildRef)
					dictionaryBuckets[prop.Name()] = bucket
				}
				bucket[child.BrowseName] = child
				continue
			default: // scalar
				prop.ClaimOwnership(l)
				if err := l.installer.Install(ctx, child.NodeID, prop); err != nil {
					l.logger.Warn("loader: installing monitored item failed", "node_id", child.NodeID.String(), "error", err)
				}
				continue
			}
		}

		if base, idx, ok := parseFlatIndex(child.BrowseName); ok && l.flat.IsFlatLayoutCollection(subject, base) {
			b := flatBuckets[base]
			if b == nil {
				b = &flatBucket{baseName: base}
				flatBuckets[base] = b
			}
			b.members = append(b.members, indexedChild{ref: child, idx: idx})
			continue
		}

		if l.dynamicPolicy.ShouldAddDynamicProperty(subject, child.BrowseName, child.NodeID) {
			inferred, err := l.typeResolver.InferType(ctx, child.NodeID)
			if err != nil {
				l.logger.Info("loader: dynamic type inference failed, skipping node", "node_id", child.NodeID.String(), "error", err)
				continue
			}
			dynProp := l.dynamicFactory(child.BrowseName, child.NodeID, inferred)
			dynProp.Data().Set(model.DataKeyNodeID, child.NodeID)
			dynProp.Data().Set(model.DataKeyDynamic, true)
			dynProp.ClaimOwnership(l)
			subject.AddProperty(dynProp)
			if err := l.installer.Install(ctx, child.NodeID, dynProp); err != nil {
				l.logger.Warn("loader: installing dynamic monitored item failed", "node_id", child.NodeID.String(), "error", err)
			}
		}
	}

	for propName, members := range collectionBuckets {
		prop, _ := subject.Property(propName)
		l.drainCollection(ctx, subject, prop, members)
	}
	for _, bucket := range flatBuckets {
		prop, ok := subject.Property(bucket.baseName)
		if !ok {
			continue
		}
		l.drainCollection(ctx, subject, prop, bucket.members)
	}
	for propName, members := range dictionaryBuckets {
		prop, _ := subject.Property(propName)
		l.drainDictionary(ctx, subject, prop, members)
	}

	// Claim ownership of every structural property not matched to a server
	// node, so local->server propagation works for new nodes (§4.11 final step).
	for _, prop := range subject.Properties() {
		if matched[prop.Name()] {
			continue
		}
		switch prop.Kind() {
		case model.PropertyReference, model.PropertyCollection, model.PropertyDictionary:
			l.claim(prop)
		}
	}

	return nil
}

func (l *Loader) claim(prop model.Property) {
	if !prop.ClaimOwnership(l) {
		l.logger.Info("loader: ownership already claimed, skipping", "property", prop.Name())
	}
}

func (l *Loader) materialize(ctx context.Context, parent model.Subject, ref graphchange.ChildRef) (model.Subject, error) {
	subj, err := l.factory(ctx, ref.NodeID, ref.BrowseName, parent)
	if err != nil {
		return nil, err
	}
	subj.AddParent(parent)
	l.registry.Track(subj, ref.NodeID)
	if err := l.LoadChildren(ctx, subj); err != nil {
		l.logger.Warn("loader: recursing into child failed", "node_id", ref.NodeID.String(), "error", err)
	}
	return subj, nil
}

func (l *Loader) drainCollection(ctx context.Context, subject model.Subject, prop model.Property, members []indexedChild) {
	if prop == nil {
		return
	}
	sort.Slice(members, func(i, j int) bool { return members[i].idx < members[j].idx })

	subjects := make([]model.Subject, 0, len(members))
	for _, m := range members {
		child, err := l.materialize(ctx, subject, m.ref)
		if err != nil {
			l.logger.Warn("loader: materialising collection member failed", "node_id", m.ref.NodeID.String(), "error", err)
			continue
		}
		subjects = append(subjects, child)
	}
	prop.SetValueFromSource(l, time.Now(), time.Now(), subjects)
}

func (l *Loader) drainDictionary(ctx context.Context, subject model.Subject, prop model.Property, members map[string]graphchange.ChildRef) {
	if prop == nil {
		return
	}
	result := make(map[string]model.Subject, len(members))
	for key, ref := range members {
		child, err := l.materialize(ctx, subject, ref)
		if err != nil {
			l.logger.Warn("loader: materialising dictionary member failed", "node_id", ref.NodeID.String(), "error", err)
			continue
		}
		result[key] = child
	}
	prop.SetValueFromSource(l, time.Now(), time.Now(), result)
}

// parseFlatIndex splits a browse name of the form "Base[i]" into its base
// name and integer index.
func parseFlatIndex(browseName string) (base string, idx int, ok bool) {
	open := -1
	for i, r := range browseName {
		if r == '[' {
			open = i
		}
	}
	if open < 0 || browseName[len(browseName)-1] != ']' {
		return "", 0, false
	}
	base = browseName[:open]
	numPart := browseName[open+1 : len(browseName)-1]
	n := 0
	for _, r := range numPart {
		if r < '0' || r > '9' {
			return "", 0, false
		}
		n = n*10 + int(r-'0')
	}
	return base, n, true
}
