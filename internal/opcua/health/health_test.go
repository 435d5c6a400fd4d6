package health_test

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/andonworks/opcua-runtime/internal/opcua/health"
	"github.com/andonworks/opcua-runtime/internal/opcua/subscription"
)

type fakeFilterer struct {
	retryItems  []subscription.Item
	filterCalls atomic.Int32
	createCalls atomic.Int32
	lastCreated []subscription.Item
}

func (f *fakeFilterer) FilterUnhealthy(ctx context.Context) ([]subscription.Item, error) {
	f.filterCalls.Add(1)
	return f.retryItems, nil
}

func (f *fakeFilterer) CreateItems(ctx context.Context, items []subscription.Item) error {
	f.createCalls.Add(1)
	f.lastCreated = items
	return nil
}

func TestTickRetriesTransientItems(t *testing.T) {
	f := &fakeFilterer{retryItems: []subscription.Item{{}}}
	m := health.New(f, 0, nil)

	m.Tick(context.Background())

	require.EqualValues(t, 1, f.filterCalls.Load())
	require.EqualValues(t, 1, f.createCalls.Load())
	require.Len(t, f.lastCreated, 1)
}

func TestTickSkipsCreateWhenNothingToRetry(t *testing.T) {
	f := &fakeFilterer{}
	m := health.New(f, 0, nil)

	m.Tick(context.Background())

	require.EqualValues(t, 1, f.filterCalls.Load())
	require.EqualValues(t, 0, f.createCalls.Load())
}
