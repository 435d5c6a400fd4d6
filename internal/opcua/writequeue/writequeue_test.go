package writequeue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/writequeue"
)

type fakeProperty struct{ name string }

func (p *fakeProperty) Name() string                 { return p.name }
func (p *fakeProperty) Kind() model.PropertyKind      { return model.PropertyScalar }
func (p *fakeProperty) Value() any                    { return nil }
func (p *fakeProperty) Setter() (model.Setter, bool)  { return nil, false }
func (p *fakeProperty) Data() model.PropertyData      { return nil }
func (p *fakeProperty) SetValueFromSource(any, time.Time, time.Time, any) {}
func (p *fakeProperty) ClaimOwnership(any) bool       { return true }
func (p *fakeProperty) ReleaseOwnership(any)          {}
func (p *fakeProperty) Owner() (any, bool)            { return nil, false }

func change(name string) model.WriteChange {
	return model.WriteChange{Property: &fakeProperty{name: name}, Value: 1, ChangedAt: time.Now()}
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	q := writequeue.New(2)
	q.Enqueue(change("a"))
	q.Enqueue(change("b"))
	q.Enqueue(change("c"))

	require.Equal(t, uint64(1), q.DroppedCount())
	entries := q.DequeueAll()
	require.Len(t, entries, 2)
	require.Equal(t, "b", entries[0].Property.Name())
	require.Equal(t, "c", entries[1].Property.Name())
}

func TestQueueZeroCapacityDropsEverything(t *testing.T) {
	q := writequeue.New(0)
	q.Enqueue(change("a"))
	require.Equal(t, uint64(1), q.DroppedCount())
	require.True(t, q.IsEmpty())
}

func TestDequeueAllDrains(t *testing.T) {
	q := writequeue.New(10)
	q.EnqueueBatch([]model.WriteChange{change("a"), change("b")})
	require.False(t, q.IsEmpty())
	entries := q.DequeueAll()
	require.Len(t, entries, 2)
	require.True(t, q.IsEmpty())
	require.Nil(t, q.DequeueAll())
}
