package resource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/remote"
)

func TestChangeEventsCoalesceIntoOneRefetch(t *testing.T) {
	svc, mem := newFixture(t)
	store := newBillStore(t, svc, WithDebounce(50*time.Millisecond))
	require.NoError(t, store.Activate(context.Background()))
	require.Equal(t, 1, svc.Queries())

	for i := range 5 {
		seedBills(t, mem, remote.Row{"type": BillTypeWater, "amount": i, "status": StatusPending})
	}
	assert.True(t, store.Snapshot().Stale)

	require.Eventually(t, func() bool { return store.Snapshot().Len() == 5 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 2, svc.Queries())
	assert.False(t, store.Snapshot().Stale)
}

func TestDroppedSubscriptionReconnectsAndReconciles(t *testing.T) {
	svc, mem := newFixture(t)
	store := newBillStore(t, svc, WithReconnectBackoff(10*time.Millisecond, 40*time.Millisecond))
	require.NoError(t, store.Activate(context.Background()))
	require.Equal(t, 1, svc.Subscribes())

	svc.DropAll(errors.New("socket closed"))
	// Written while disconnected; only the reconcile fetch can pick it up.
	seedBills(t, mem, remote.Row{"type": BillTypeWater, "amount": 7, "status": StatusPending})

	require.Eventually(t, func() bool { return svc.Subscribes() == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return store.Snapshot().Len() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, svc.ActiveSubscriptions())

	seedBills(t, mem, remote.Row{"type": BillTypeWater, "amount": 8, "status": StatusPending})
	require.Eventually(t, func() bool { return store.Snapshot().Len() == 2 }, time.Second, 5*time.Millisecond)
}

func TestInitialSubscribeFailureRetries(t *testing.T) {
	svc, _ := newFixture(t)
	svc.FailNext("subscribe", Bills.Table, remote.NewTransportError("subscribe", Bills.Table, errors.New("refused")))

	store := newBillStore(t, svc, WithReconnectBackoff(10*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, store.Activate(context.Background()))
	assert.Equal(t, PhaseReady, store.Snapshot().Phase)

	require.Eventually(t, func() bool { return svc.Subscribes() == 1 }, time.Second, 5*time.Millisecond)
}

func TestDeactivateStopsReconnects(t *testing.T) {
	svc, _ := newFixture(t)
	store := newBillStore(t, svc, WithReconnectBackoff(20*time.Millisecond, 20*time.Millisecond))
	require.NoError(t, store.Activate(context.Background()))

	svc.DropAll(errors.New("socket closed"))
	require.NoError(t, store.Deactivate())
	time.Sleep(60 * time.Millisecond)

	assert.Equal(t, 1, svc.Subscribes())
	assert.Zero(t, svc.ActiveSubscriptions())
}
