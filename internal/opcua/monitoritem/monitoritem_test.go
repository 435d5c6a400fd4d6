package monitoritem_test

import (
	"testing"
	"time"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/monitoritem"
)

func float64Ptr(v float64) *float64 { return &v }
func uint32Ptr(v uint32) *uint32    { return &v }
func boolPtr(v bool) *bool          { return &v }

func modelNodeID(t *testing.T, raw string) model.NodeId {
	t.Helper()
	return model.ParseNodeId(raw)
}

type stubProperty struct{ name string }

func (p stubProperty) Name() string                                       { return p.name }
func (p stubProperty) Kind() model.PropertyKind                           { return model.PropertyScalar }
func (p stubProperty) Value() any                                         { return nil }
func (p stubProperty) Setter() (model.Setter, bool)                       { return nil, false }
func (p stubProperty) Data() model.PropertyData                           { return nil }
func (p stubProperty) SetValueFromSource(any, time.Time, time.Time, any) {}
func (p stubProperty) ClaimOwnership(any) bool                            { return true }
func (p stubProperty) ReleaseOwnership(any)                               {}
func (p stubProperty) Owner() (any, bool)                                 { return nil, false }

func TestBuildFallsBackThroughTiers(t *testing.T) {
	globalDefaults := monitoritem.Tier{
		SamplingIntervalMs: float64Ptr(250),
	}
	factory := monitoritem.NewFactory(globalDefaults, nil)

	req, err := factory.Build(modelNodeID(t, "ns=2;i=10"), stubProperty{name: "Temperature"}, 42)
	require.NoError(t, err)
	require.Equal(t, uint32(42), req.RequestedParameters.ClientHandle)
	require.Equal(t, 250.0, req.RequestedParameters.SamplingInterval)
	// QueueSize/DiscardOldest fall through to the library-default tier.
	require.Equal(t, uint32(10), req.RequestedParameters.QueueSize)
	require.True(t, req.RequestedParameters.DiscardOldest)
	require.Nil(t, req.RequestedParameters.Filter)
}

func TestBuildPerPropertyOverridesGlobal(t *testing.T) {
	globalDefaults := monitoritem.Tier{SamplingIntervalMs: float64Ptr(250), QueueSize: uint32Ptr(5)}
	perProperty := func(name string) (monitoritem.Tier, bool) {
		if name == "Pressure" {
			return monitoritem.Tier{SamplingIntervalMs: float64Ptr(50), DiscardOldest: boolPtr(false)}, true
		}
		return monitoritem.Tier{}, false
	}
	factory := monitoritem.NewFactory(globalDefaults, perProperty)

	req, err := factory.Build(modelNodeID(t, "ns=2;i=11"), stubProperty{name: "Pressure"}, 1)
	require.NoError(t, err)
	require.Equal(t, 50.0, req.RequestedParameters.SamplingInterval)
	require.Equal(t, uint32(5), req.RequestedParameters.QueueSize) // global, per-property left it unset
	require.False(t, req.RequestedParameters.DiscardOldest)
}

func TestBuildAttachesFilterOnlyWhenConfigured(t *testing.T) {
	trigger := ua.DataChangeTriggerStatusValueTimestamp
	globalDefaults := monitoritem.Tier{SamplingIntervalMs: float64Ptr(100), DataChangeTrigger: &trigger}
	factory := monitoritem.NewFactory(globalDefaults, nil)

	req, err := factory.Build(modelNodeID(t, "ns=2;i=12"), stubProperty{name: "X"}, 1)
	require.NoError(t, err)
	require.NotNil(t, req.RequestedParameters.Filter)
}
