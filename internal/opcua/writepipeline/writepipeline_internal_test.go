package writepipeline

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
)

type stubProperty struct{ name string }

func (p *stubProperty) Name() string                                      { return p.name }
func (p *stubProperty) Kind() model.PropertyKind                          { return model.PropertyScalar }
func (p *stubProperty) Value() any                                         { return nil }
func (p *stubProperty) Setter() (model.Setter, bool)                       { return nil, false }
func (p *stubProperty) Data() model.PropertyData                           { return nil }
func (p *stubProperty) SetValueFromSource(any, time.Time, time.Time, any) {}
func (p *stubProperty) ClaimOwnership(any) bool                            { return true }
func (p *stubProperty) ReleaseOwnership(any)                               {}
func (p *stubProperty) Owner() (any, bool)                                 { return nil, false }

func TestDedupeTrailingKeepsLastPerProperty(t *testing.T) {
	p1 := &stubProperty{name: "p1"}
	p2 := &stubProperty{name: "p2"}

	changes := []model.WriteChange{
		{Property: p1, Value: 1},
		{Property: p2, Value: "a"},
		{Property: p1, Value: 2},
		{Property: p1, Value: 3},
	}

	deduped := dedupeTrailing(changes)
	require.Len(t, deduped, 2)
	require.Equal(t, "p1", deduped[0].Property.Name())
	require.Equal(t, 3, deduped[0].Value)
	require.Equal(t, "p2", deduped[1].Property.Name())
}

func TestClassifyWriteStatus(t *testing.T) {
	require.Equal(t, outcomeGood, classifyWriteStatus(0)) // ua.StatusOK == 0
}
