package polling_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/polling"
)

type fakeProperty struct {
	mu   sync.Mutex
	name string
	vals []any
}

func (p *fakeProperty) Name() string                { return p.name }
func (p *fakeProperty) Kind() model.PropertyKind     { return model.PropertyScalar }
func (p *fakeProperty) Value() any                   { return nil }
func (p *fakeProperty) Setter() (model.Setter, bool) { return nil, false }
func (p *fakeProperty) Data() model.PropertyData     { return nil }
func (p *fakeProperty) SetValueFromSource(_ any, _, _ time.Time, value any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vals = append(p.vals, value)
}
func (p *fakeProperty) ClaimOwnership(any) bool { return true }
func (p *fakeProperty) ReleaseOwnership(any)    {}
func (p *fakeProperty) Owner() (any, bool)      { return nil, false }
func (p *fakeProperty) snapshot() []any {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]any(nil), p.vals...)
}

type fakeReader struct {
	mu      sync.Mutex
	value   int32
	callErr error
}

func (r *fakeReader) Read(_ context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.callErr != nil {
		return nil, r.callErr
	}
	variant, err := ua.NewVariant(r.value)
	if err != nil {
		return nil, err
	}
	results := make([]*ua.DataValue, len(req.NodesToRead))
	for i := range req.NodesToRead {
		results[i] = &ua.DataValue{
			EncodingMask: ua.DataValueValue,
			Value:        variant,
			Status:       ua.StatusOK,
		}
	}
	return &ua.ReadResponse{Results: results}, nil
}

type fakeSessionSource struct {
	mu      sync.Mutex
	reader  *fakeReader
	present bool
	gen     uint64
}

func (s *fakeSessionSource) CurrentSession() (polling.SessionRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.present {
		return polling.SessionRef{}, false
	}
	return polling.SessionRef{Reader: s.reader, Connected: true, Generation: s.gen}, true
}

func TestManagerDeliversChangedValues(t *testing.T) {
	reader := &fakeReader{value: 7}
	src := &fakeSessionSource{reader: reader, present: true, gen: 1}

	prop := &fakeProperty{name: "Temp"}
	node := model.ParseNodeId("ns=2;i=1")

	m := polling.New(polling.Config{Interval: 5 * time.Millisecond, BatchSize: 10}, src, func(p model.Property, newValue any, _ time.Time) {
		p.SetValueFromSource(nil, time.Now(), time.Now(), newValue)
	}, nil)
	m.Add(polling.Item{NodeID: node, Property: prop})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		return len(prop.snapshot()) > 0
	}, time.Second, 5*time.Millisecond)

	snap := m.Snapshot()
	require.Greater(t, snap.TotalReads, uint64(0))
	require.Equal(t, 1, m.ItemCount())
}

func TestManagerItemCountDropsAfterRemove(t *testing.T) {
	reader := &fakeReader{value: 1}
	src := &fakeSessionSource{reader: reader, present: true, gen: 1}

	var mu sync.Mutex
	count := 0
	m := polling.New(polling.Config{Interval: 5 * time.Millisecond, BatchSize: 10}, src, func(model.Property, any, time.Time) {
		mu.Lock()
		count++
		mu.Unlock()
	}, nil)

	node := model.ParseNodeId("ns=2;i=2")
	prop := &fakeProperty{name: "X"}
	m.Add(polling.Item{NodeID: node, Property: prop})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count > 0
	}, time.Second, 5*time.Millisecond)

	m.Remove(node)
	require.Equal(t, 0, m.ItemCount())
}
