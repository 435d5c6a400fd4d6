package coordinator

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/model"
	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
)

func TestInstallerItemsReturnsASnapshotCopy(t *testing.T) {
	i := &Installer{items: []subscription.Item{
		{NodeID: model.ParseNodeId("ns=2;i=1")},
		{NodeID: model.ParseNodeId("ns=2;i=2")},
	}}

	got := i.Items()
	require.Len(t, got, 2)
	require.Equal(t, "ns=2;i=1", got[0].NodeID.String())

	got[0] = subscription.Item{}
	require.Equal(t, "ns=2;i=1", i.Items()[0].NodeID.String())
}

func TestInstallerItemsEmptyWhenNothingInstalled(t *testing.T) {
	i := NewInstaller(nil)
	require.Empty(t, i.Items())
}
