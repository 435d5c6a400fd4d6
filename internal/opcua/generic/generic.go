// Package generic is the default, pre-mapped-property-free subject model a
// host can wire in when it has no domain-specific attribute-mapping DSL of
// its own (spec.md §1 marks that mapping layer out of scope): every node
// the loader browses becomes a dynamic property instead of matching a known
// local slot, so the demo binary can walk and monitor a real server's
// address space with zero configuration beyond an endpoint URL.
package generic

import (
	"context"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/andonworks/opcua-runtime/internal/opcua/convert"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
)

// Subject is an in-memory, dynamically-grown node in the local object
// graph: its property set starts empty and is populated entirely by the
// loader's dynamic-property path.
type Subject struct {
	id string

	mu      sync.RWMutex
	props   map[string]model.Property
	parents []model.Subject
}

var _ model.Subject = (*Subject)(nil)

// NewSubject builds an empty Subject identified by id (its node id string).
func NewSubject(id string) *Subject {
	return &Subject{id: id, props: make(map[string]model.Property)}
}

func (s *Subject) ID() string { return s.id }

func (s *Subject) Properties() []model.Property {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Property, 0, len(s.props))
	for _, p := range s.props {
		out = append(out, p)
	}
	return out
}

func (s *Subject) Property(name string) (model.Property, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.props[name]
	return p, ok
}

// AddProperty installs a dynamically discovered property, satisfying
// model.Subject; the loader calls this for every property its
// DynamicPropertyFactory builds so it becomes visible via Property/Properties.
func (s *Subject) AddProperty(p model.Property) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.props[p.Name()] = p
}

func (s *Subject) Parents() []model.Subject {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]model.Subject(nil), s.parents...)
}

func (s *Subject) AddParent(p model.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.parents = append(s.parents, p)
}

func (s *Subject) RemoveParent(p model.Subject) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.parents[:0]
	for _, existing := range s.parents {
		if existing != p {
			out = append(out, existing)
		}
	}
	s.parents = out
}

// property is the dynamic-property implementation: a single value slot with
// last-writer-wins ownership, the same shape spec.md §3 gives every scalar.
type property struct {
	name string
	data *dataBag

	mu       sync.RWMutex
	value    any
	owner    any
	hasOwner bool
}

var _ model.Property = (*property)(nil)

func (p *property) Name() string            { return p.name }
func (p *property) Kind() model.PropertyKind { return model.PropertyScalar }
func (p *property) Data() model.PropertyData { return p.data }

func (p *property) Value() any {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.value
}

// Setter is absent: the demo's dynamic properties are discovered, not
// locally authored, so there is nothing for the write pipeline to stage.
func (p *property) Setter() (model.Setter, bool) { return nil, false }

func (p *property) SetValueFromSource(_ any, _, _ time.Time, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = value
}

func (p *property) ClaimOwnership(source any) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasOwner {
		return false
	}
	p.owner, p.hasOwner = source, true
	return true
}

func (p *property) ReleaseOwnership(source any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hasOwner && p.owner == source {
		p.hasOwner = false
		p.owner = nil
	}
}

func (p *property) Owner() (any, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.owner, p.hasOwner
}

type dataBag struct {
	mu   sync.RWMutex
	data map[string]any
}

func newDataBag() *dataBag { return &dataBag{data: make(map[string]any)} }

func (d *dataBag) Get(key string) (any, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	v, ok := d.data[key]
	return v, ok
}

func (d *dataBag) Set(key string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.data[key] = value
}

func (d *dataBag) Delete(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.data, key)
}

// SubjectFactory builds a generic Subject for every node the loader
// materialises, satisfying graphchange.SubjectFactory.
func SubjectFactory(_ context.Context, nodeID model.NodeId, _ string, _ model.Subject) (model.Subject, error) {
	return NewSubject(nodeID.String()), nil
}

// PropertyResolver never matches: in generic mode there is no pre-mapped
// property, everything flows through dynamic discovery instead.
type PropertyResolver struct{}

func (PropertyResolver) Resolve(model.Subject, string) (model.Property, bool) { return nil, false }

// FlatLayoutChecker reports no flat-layout collections in generic mode;
// collections the server exposes are still discovered, just each member as
// its own dynamic property rather than a reconciled Collection slot.
type FlatLayoutChecker struct{}

func (FlatLayoutChecker) IsFlatLayoutCollection(model.Subject, string) bool { return false }

// DynamicPropertyPolicy always allows a dynamic property, so generic mode
// discovers the server's entire exposed address space.
type DynamicPropertyPolicy struct{}

func (DynamicPropertyPolicy) ShouldAddDynamicProperty(model.Subject, string, model.NodeId) bool {
	return true
}

// TypeResolver infers a node's type by reading its current Value attribute
// once; the inferred "type" here is really just the value itself, which
// DynamicPropertyFactory stores as the property's initial reading.
type TypeResolver struct {
	Client ClientSource
}

// ClientSource exposes the current transport client, mirroring
// transport.ClientSource so this package doesn't import transport (and
// thereby avoid a dependency cycle neither package needs).
type ClientSource interface {
	CurrentClient() (*opcua.Client, bool)
}

func (r TypeResolver) InferType(ctx context.Context, nodeID model.NodeId) (any, error) {
	client, ok := r.Client.CurrentClient()
	if !ok {
		return nil, context.Canceled
	}
	id, err := ua.ParseNodeID(nodeID.String())
	if err != nil {
		return nil, err
	}
	resp, err := client.Read(ctx, &ua.ReadRequest{
		NodesToRead: []*ua.ReadValueID{{NodeID: id, AttributeID: ua.AttributeIDValue}},
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return nil, nil
	}
	return convert.FromWire(resp.Results[0])
}

// DynamicPropertyFactory builds a property pre-seeded with inferredType (the
// value TypeResolver already read), satisfying
// loader.DynamicPropertyFactory.
func DynamicPropertyFactory(name string, nodeID model.NodeId, inferredType any) model.Property {
	p := &property{name: name, data: newDataBag(), value: inferredType}
	p.data.Set(model.DataKeyNodeID, nodeID)
	p.data.Set(model.DataKeyDynamic, true)
	return p
}
