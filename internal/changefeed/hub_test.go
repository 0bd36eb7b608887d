package changefeed

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/remote"
)

func testLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func TestHubDeliversPerTable(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	var bills, staff int
	_, err := hub.Subscribe(ctx, "bills", func(remote.Event) { bills++ })
	require.NoError(t, err)
	_, err = hub.Subscribe(ctx, "staff", func(remote.Event) { staff++ })
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, remote.Event{Kind: remote.EventInsert, Table: "bills"}))
	require.NoError(t, hub.Publish(ctx, remote.Event{Kind: remote.EventUpdate, Table: "bills"}))

	assert.Equal(t, 2, bills)
	assert.Equal(t, 0, staff)
}

func TestHubUnsubscribe(t *testing.T) {
	hub := NewHub(testLogger())
	ctx := context.Background()

	var n int
	sub, err := hub.Subscribe(ctx, "bills", func(remote.Event) { n++ })
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Len("bills"))

	require.NoError(t, sub.Unsubscribe())
	require.NoError(t, sub.Unsubscribe(), "unsubscribe is idempotent")
	assert.Equal(t, 0, hub.Len("bills"))
	assert.NoError(t, sub.Err())

	select {
	case <-sub.Done():
	default:
		t.Fatal("done not closed after unsubscribe")
	}

	require.NoError(t, hub.Publish(ctx, remote.Event{Kind: remote.EventInsert, Table: "bills"}))
	assert.Zero(t, n)
}

func TestHubDrop(t *testing.T) {
	hub := NewHub(testLogger())
	sub, err := hub.Subscribe(context.Background(), "repairs", func(remote.Event) {})
	require.NoError(t, err)

	cause := errors.New("listener connection reset")
	hub.Drop(cause)

	<-sub.Done()
	assert.ErrorIs(t, sub.Err(), remote.ErrSubscriptionDropped)
	assert.Contains(t, sub.Err().Error(), "listener connection reset")
	assert.Equal(t, 0, hub.Len("repairs"))

	// The hub stays usable after a drop.
	_, err = hub.Subscribe(context.Background(), "repairs", func(remote.Event) {})
	assert.NoError(t, err)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(testLogger())
	sub, err := hub.Subscribe(context.Background(), "bills", func(remote.Event) {})
	require.NoError(t, err)

	require.NoError(t, hub.Close())
	require.NoError(t, hub.Close())

	assert.ErrorIs(t, sub.Err(), remote.ErrSubscriptionDropped)
	assert.ErrorIs(t, hub.Publish(context.Background(), remote.Event{Table: "bills"}), remote.ErrClosed)
	_, err = hub.Subscribe(context.Background(), "bills", func(remote.Event) {})
	assert.ErrorIs(t, err, remote.ErrClosed)
}

func TestHandleDeliverAfterClose(t *testing.T) {
	var n, closed int
	h := NewHandle(func(remote.Event) { n++ }, func() { closed++ })

	assert.True(t, h.Deliver(remote.Event{}))
	h.Drop(errors.New("gone"))
	h.Drop(errors.New("again"))

	assert.False(t, h.Deliver(remote.Event{}))
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, closed)
	assert.True(t, h.Closed())
}
