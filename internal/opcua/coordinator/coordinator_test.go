package coordinator_test

import (
	"context"
	"testing"
	"time"

	"github.com/gopcua/opcua"
	"golang.org/x/sync/semaphore"

	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/coordinator"
	"github.com/andonworks/opcua-runtime/internal/opcua/health"
	"github.com/andonworks/opcua-runtime/internal/opcua/monitoritem"
	"github.com/andonworks/opcua-runtime/internal/opcua/polling"
	"github.com/andonworks/opcua-runtime/internal/opcua/session"
	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
	"github.com/andonworks/opcua-runtime/internal/opcua/writequeue"
)

type fakeReconnector struct{ state session.HandlerState }

func (f *fakeReconnector) State() session.HandlerState { return f.state }
func (f *fakeReconnector) BeginReconnect(ctx context.Context, onDone func(newClient *opcua.Client, err error)) {
	onDone(new(opcua.Client), nil)
}

type fakePollingSource struct{}

func (fakePollingSource) CurrentSession() (polling.SessionRef, bool) {
	return polling.SessionRef{}, false
}

type fakeFilterer struct{}

func (fakeFilterer) FilterUnhealthy(ctx context.Context) ([]subscription.Item, error) { return nil, nil }
func (fakeFilterer) CreateItems(ctx context.Context, items []subscription.Item) error { return nil }

func newTestCoordinator(t *testing.T) *coordinator.Coordinator {
	t.Helper()

	factory := monitoritem.NewFactory(monitoritem.Tier{}, nil)
	pollMgr := polling.New(polling.Config{Interval: time.Hour}, fakePollingSource{}, nil, nil)
	subs := subscription.New(new(opcua.Client), factory, pollMgr, func([]subscription.Update) {}, subscription.Config{}, semaphore.NewWeighted(1), nil)
	queue := writequeue.New(16)
	pollHolder := session.NewHolder()
	healthMon := health.New(fakeFilterer{}, time.Hour, nil)

	cfg := coordinator.Config{
		HealthCheckInterval: time.Hour,
		StallThreshold:      10,
		Session:             session.Config{},
	}
	pipelineCfg := coordinator.PipelineConfig{FlushGate: semaphore.NewWeighted(1), MaxNodesPerWrite: 10}

	return coordinator.New(
		cfg,
		nil, // root
		subs,
		pollMgr,
		pollHolder,
		queue,
		pipelineCfg,
		healthMon,
		nil, // loader
		nil, // installer
		nil, // fullResync
		&fakeReconnector{state: session.HandlerReady},
		func(ctx context.Context, cfg session.Config) (*opcua.Client, error) {
			return new(opcua.Client), nil
		},
		nil,
	)
}

func TestStartReportsConnectedSessionInSnapshot(t *testing.T) {
	c := newTestCoordinator(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, c.Start(ctx))

	snap := c.Snapshot()
	require.True(t, snap.SessionConnected)
	require.False(t, snap.Reconnecting)
	require.Equal(t, 0, snap.SubscriptionCount)
	require.Equal(t, 0, snap.WriteQueueDepth)
}

func TestReconnectWatcherSubscribeDoesNotBlock(t *testing.T) {
	c := newTestCoordinator(t)
	ch := c.ReconnectWatcher().Subscribe()

	select {
	case <-ch:
		t.Fatal("watcher should not have fired without a reconnect")
	default:
	}
}

func TestDisposeBeforeStartIsIdempotentAndSafe(t *testing.T) {
	c := newTestCoordinator(t)

	require.NoError(t, c.Dispose(context.Background()))
	require.NoError(t, c.Dispose(context.Background()))
}
