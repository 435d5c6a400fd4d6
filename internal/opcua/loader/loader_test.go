package loader_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/graphchange"
	"github.com/andonworks/opcua-runtime/internal/opcua/loader"
	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/registry"
)

type fakeData struct{ m map[string]any }

func (d *fakeData) Get(key string) (any, bool) { v, ok := d.m[key]; return v, ok }
func (d *fakeData) Set(key string, value any)  { d.m[key] = value }
func (d *fakeData) Delete(key string)          { delete(d.m, key) }

type fakeProperty struct {
	name  string
	kind  model.PropertyKind
	value any
	data  *fakeData
	owner any
}

func newFakeProperty(name string, kind model.PropertyKind) *fakeProperty {
	return &fakeProperty{name: name, kind: kind, data: &fakeData{m: map[string]any{}}}
}

func (p *fakeProperty) Name() string                { return p.name }
func (p *fakeProperty) Kind() model.PropertyKind     { return p.kind }
func (p *fakeProperty) Value() any                   { return p.value }
func (p *fakeProperty) Setter() (model.Setter, bool) { return nil, false }
func (p *fakeProperty) Data() model.PropertyData     { return p.data }
func (p *fakeProperty) SetValueFromSource(_ any, _, _ time.Time, value any) {
	p.value = value
}
func (p *fakeProperty) ClaimOwnership(source any) bool {
	if p.owner != nil && p.owner != source {
		return false
	}
	p.owner = source
	return true
}
func (p *fakeProperty) ReleaseOwnership(source any) {
	if p.owner == source {
		p.owner = nil
	}
}
func (p *fakeProperty) Owner() (any, bool) { return p.owner, p.owner != nil }

type fakeSubject struct {
	id    string
	props map[string]*fakeProperty
	pars  []model.Subject
}

func newFakeSubject(id string, props ...*fakeProperty) *fakeSubject {
	m := make(map[string]*fakeProperty, len(props))
	for _, p := range props {
		m[p.name] = p
	}
	return &fakeSubject{id: id, props: m}
}

func (s *fakeSubject) ID() string { return s.id }
func (s *fakeSubject) Properties() []model.Property {
	out := make([]model.Property, 0, len(s.props))
	for _, p := range s.props {
		out = append(out, p)
	}
	return out
}
func (s *fakeSubject) Property(name string) (model.Property, bool) {
	p, ok := s.props[name]
	return p, ok
}
func (s *fakeSubject) AddProperty(p model.Property) {
	if s.props == nil {
		s.props = make(map[string]*fakeProperty)
	}
	s.props[p.Name()] = p.(*fakeProperty)
}
func (s *fakeSubject) Parents() []model.Subject { return s.pars }
func (s *fakeSubject) AddParent(p model.Subject) { s.pars = append(s.pars, p) }
func (s *fakeSubject) RemoveParent(p model.Subject) {
	out := s.pars[:0]
	for _, existing := range s.pars {
		if existing != p {
			out = append(out, existing)
		}
	}
	s.pars = out
}

type fakeBrowser struct {
	children map[string][]graphchange.ChildRef
}

func (b *fakeBrowser) BrowseChildren(_ context.Context, containerID model.NodeId) ([]graphchange.ChildRef, error) {
	return b.children[containerID.String()], nil
}
func (b *fakeBrowser) ParentOf(context.Context, model.NodeId) (graphchange.ChildRef, error) {
	return graphchange.ChildRef{}, nil
}

type fakeResolver struct {
	byBrowseName map[string]string // browseName -> property name
}

func (r *fakeResolver) Resolve(subject model.Subject, browseName string) (model.Property, bool) {
	propName, ok := r.byBrowseName[browseName]
	if !ok {
		return nil, false
	}
	return subject.Property(propName)
}

type fakeFlat struct{ names map[string]bool }

func (f *fakeFlat) IsFlatLayoutCollection(_ model.Subject, baseName string) bool {
	return f.names[baseName]
}

type fakeDynamicPolicy struct{ allow map[string]bool }

func (p *fakeDynamicPolicy) ShouldAddDynamicProperty(_ model.Subject, browseName string, _ model.NodeId) bool {
	return p.allow[browseName]
}

type fakeTypeResolver struct{}

func (fakeTypeResolver) InferType(context.Context, model.NodeId) (any, error) { return "string", nil }

type fakeInstaller struct{ installed []model.NodeId }

func (i *fakeInstaller) Install(_ context.Context, nodeID model.NodeId, _ model.Property) error {
	i.installed = append(i.installed, nodeID)
	return nil
}

func newFactory() graphchange.SubjectFactory {
	return func(_ context.Context, nodeID model.NodeId, browseName string, _ model.Subject) (model.Subject, error) {
		return newFakeSubject(nodeID.String() + ":" + browseName), nil
	}
}

func TestLoadChildrenMatchesScalarReferenceAndCollection(t *testing.T) {
	reg := registry.New(16, nil)
	root := newFakeSubject("root",
		newFakeProperty("Child", model.PropertyReference),
		newFakeProperty("Items", model.PropertyCollection),
		newFakeProperty("Temp", model.PropertyScalar),
	)
	rootNode := model.ParseNodeId("ns=2;s=Root")
	reg.Track(root, rootNode)

	childRef := model.ParseNodeId("ns=2;s=Child1")
	item0 := model.ParseNodeId("ns=2;s=Items[0]")
	item1 := model.ParseNodeId("ns=2;s=Items[1]")
	tempRef := model.ParseNodeId("ns=2;s=Temp")

	browser := &fakeBrowser{children: map[string][]graphchange.ChildRef{
		rootNode.String(): {
			{NodeID: childRef, BrowseName: "Child"},
			{NodeID: item0, BrowseName: "Items"},
			{NodeID: item1, BrowseName: "Items"},
			{NodeID: tempRef, BrowseName: "Temp"},
		},
	}}

	resolver := &fakeResolver{byBrowseName: map[string]string{"Child": "Child", "Items": "Items", "Temp": "Temp"}}
	installer := &fakeInstaller{}

	ld := loader.New(reg, browser, newFactory(), resolver, &fakeFlat{}, &fakeDynamicPolicy{}, fakeTypeResolver{}, nil, installer, nil, nil)

	require.NoError(t, ld.LoadChildren(context.Background(), root))

	childProp, _ := root.Property("Child")
	require.NotNil(t, childProp.Value())

	itemsProp, _ := root.Property("Items")
	members, ok := itemsProp.Value().([]model.Subject)
	require.True(t, ok)
	require.Len(t, members, 2)

	require.Contains(t, installer.installed, tempRef)
}

func TestLoadChildrenAddsDynamicPropertyWhenPolicyAllows(t *testing.T) {
	reg := registry.New(16, nil)
	root := newFakeSubject("root")
	rootNode := model.ParseNodeId("ns=2;s=Root")
	reg.Track(root, rootNode)

	dynNode := model.ParseNodeId("ns=2;s=Unknown1")
	browser := &fakeBrowser{children: map[string][]graphchange.ChildRef{
		rootNode.String(): {{NodeID: dynNode, BrowseName: "Unknown1"}},
	}}

	installer := &fakeInstaller{}
	var builtName string
	var builtProp *fakeProperty
	dynFactory := func(name string, nodeID model.NodeId, inferredType any) model.Property {
		builtName = name
		builtProp = newFakeProperty(name, model.PropertyScalar)
		return builtProp
	}

	ld := loader.New(reg, browser, newFactory(), &fakeResolver{byBrowseName: map[string]string{}}, &fakeFlat{},
		&fakeDynamicPolicy{allow: map[string]bool{"Unknown1": true}}, fakeTypeResolver{}, dynFactory, installer, nil, nil)

	require.NoError(t, ld.LoadChildren(context.Background(), root))

	require.Equal(t, "Unknown1", builtName)
	require.Contains(t, installer.installed, dynNode)
	dynamic, ok := builtProp.Data().Get(model.DataKeyDynamic)
	require.True(t, ok)
	require.Equal(t, true, dynamic)
}

func TestLoadChildrenDrainsFlatLayoutCollection(t *testing.T) {
	reg := registry.New(16, nil)
	root := newFakeSubject("root", newFakeProperty("Flat", model.PropertyCollection))
	rootNode := model.ParseNodeId("ns=2;s=Root")
	reg.Track(root, rootNode)

	flat0 := model.ParseNodeId("ns=2;s=Flat[0]")
	flat1 := model.ParseNodeId("ns=2;s=Flat[1]")
	browser := &fakeBrowser{children: map[string][]graphchange.ChildRef{
		rootNode.String(): {
			{NodeID: flat0, BrowseName: "Flat[0]"},
			{NodeID: flat1, BrowseName: "Flat[1]"},
		},
	}}

	ld := loader.New(reg, browser, newFactory(), &fakeResolver{byBrowseName: map[string]string{}},
		&fakeFlat{names: map[string]bool{"Flat": true}}, &fakeDynamicPolicy{}, fakeTypeResolver{}, nil, &fakeInstaller{}, nil, nil)

	require.NoError(t, ld.LoadChildren(context.Background(), root))

	prop, _ := root.Property("Flat")
	members, ok := prop.Value().([]model.Subject)
	require.True(t, ok)
	require.Len(t, members, 2)
}

func TestLoadChildrenGuardsAgainstReentrantCycles(t *testing.T) {
	reg := registry.New(16, nil)
	root := newFakeSubject("root")
	rootNode := model.ParseNodeId("ns=2;s=Root")
	reg.Track(root, rootNode)

	browser := &fakeBrowser{}
	ld := loader.New(reg, browser, newFactory(), &fakeResolver{byBrowseName: map[string]string{}}, &fakeFlat{},
		&fakeDynamicPolicy{}, fakeTypeResolver{}, nil, &fakeInstaller{}, nil, nil)

	require.NoError(t, ld.LoadChildren(context.Background(), root))
	require.NoError(t, ld.LoadChildren(context.Background(), root)) // second pass is a no-op, not an error
}
