package resource

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/remote"
	"github.com/estatedesk/estatesync/internal/remote/memory"
	"github.com/estatedesk/estatesync/internal/remote/remotetest"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

// newFixture returns a controllable service and the in-memory backend it
// wraps, for seeding rows without going through a store.
func newFixture(t *testing.T) (*remotetest.Service, *memory.Service) {
	t.Helper()
	mem := memory.New(quietLogger())
	t.Cleanup(func() { _ = mem.Close() })
	return remotetest.Wrap(mem), mem
}

func newBillStore(t *testing.T, svc remote.Service, opts ...Option) *Store[Bill] {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithDebounce(10 * time.Millisecond)}, opts...)
	s := New[Bill](svc, Bills, opts...)
	t.Cleanup(func() { _ = s.Deactivate() })
	return s
}

func seedBills(t *testing.T, mem *memory.Service, rows ...remote.Row) []remote.Row {
	t.Helper()
	out := make([]remote.Row, 0, len(rows))
	for _, r := range rows {
		inserted, err := mem.Insert(context.Background(), Bills.Table, r)
		require.NoError(t, err)
		out = append(out, inserted)
	}
	return out
}

func billAmounts(bills []Bill) []float64 {
	out := make([]float64, 0, len(bills))
	for _, b := range bills {
		out = append(out, b.Amount)
	}
	return out
}

func TestActivateFetchesNewestFirst(t *testing.T) {
	svc, mem := newFixture(t)
	seedBills(t, mem,
		remote.Row{"type": BillTypeWater, "amount": 100, "status": StatusPending},
		remote.Row{"type": BillTypeWater, "amount": 50, "status": StatusPending},
		remote.Row{"type": BillTypeWater, "amount": 75, "status": StatusPending},
	)

	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))

	st := store.Snapshot()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.True(t, st.Active)
	assert.False(t, st.Loading)
	assert.Equal(t, []float64{75, 50, 100}, billAmounts(st.Items))
	assert.False(t, st.UpdatedAt.IsZero())
	for i := 1; i < len(st.Items); i++ {
		assert.Greater(t, st.Items[i-1].CreatedAt, st.Items[i].CreatedAt)
	}
}

func TestActivateTwiceIsNoop(t *testing.T) {
	svc, _ := newFixture(t)
	store := newBillStore(t, svc)

	require.NoError(t, store.Activate(context.Background()))
	require.NoError(t, store.Activate(context.Background()))
	assert.Equal(t, 1, svc.Queries())
	assert.Equal(t, 1, svc.Subscribes())
}

func TestFetchAppliesFilter(t *testing.T) {
	svc, mem := newFixture(t)
	seedBills(t, mem,
		remote.Row{"type": BillTypeWater, "amount": 10, "status": StatusPending},
		remote.Row{"type": BillTypeElectricity, "amount": 20, "status": StatusPaid},
		remote.Row{"type": BillTypeWater, "amount": 30, "status": StatusPaid},
	)

	store := newBillStore(t, svc, WithFilter(remote.Filter{"status": StatusPaid}))
	require.NoError(t, store.Fetch(context.Background()))
	st := store.Snapshot()
	assert.Equal(t, []float64{30, 20}, billAmounts(st.Items))
	for _, b := range st.Items {
		assert.Equal(t, StatusPaid, b.Status)
	}

	require.NoError(t, store.FetchFiltered(context.Background(), remote.Filter{"type": BillTypeWater}))
	st = store.Snapshot()
	assert.Equal(t, remote.Filter{"type": BillTypeWater}, st.Filter)
	assert.Equal(t, []float64{30, 10}, billAmounts(st.Items))
	assert.Equal(t, "bills?type=water", store.Status().Key)
}

func TestCreateRefetches(t *testing.T) {
	svc, _ := newFixture(t)
	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))

	bill, err := store.Create(context.Background(), remote.Row{"type": BillTypeWater, "amount": 42, "status": StatusPending})
	require.NoError(t, err)
	assert.NotEmpty(t, bill.ID)
	assert.NotEmpty(t, bill.CreatedAt)

	st := store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, bill.ID, st.Items[0].ID)
}

func TestCreateRejectsInvalidRow(t *testing.T) {
	svc, _ := newFixture(t)
	store := newBillStore(t, svc)

	_, err := store.Create(context.Background(), remote.Row{"amount": []int{1}})
	var ve *remote.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.ErrorAs(t, store.Snapshot().MutationErr, &ve)
	assert.Zero(t, svc.Queries())
}

func TestDeleteRefetches(t *testing.T) {
	svc, mem := newFixture(t)
	rows := seedBills(t, mem,
		remote.Row{"type": BillTypeWater, "amount": 1, "status": StatusPending},
		remote.Row{"type": BillTypeWater, "amount": 2, "status": StatusPending},
	)
	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))
	require.Len(t, store.Snapshot().Items, 2)

	require.NoError(t, store.Delete(context.Background(), rows[0].ID()))
	st := store.Snapshot()
	require.Len(t, st.Items, 1)
	assert.Equal(t, rows[1].ID(), st.Items[0].ID)
}

func TestDeleteMissingRecordsMutationError(t *testing.T) {
	svc, _ := newFixture(t)
	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))

	err := store.Delete(context.Background(), "no-such-bill")
	require.ErrorIs(t, err, remote.ErrNotFound)

	st := store.Snapshot()
	assert.ErrorIs(t, st.MutationErr, remote.ErrNotFound)
	assert.NoError(t, st.Err)
	assert.Equal(t, PhaseReady, st.Phase)
}

func TestFailedFetchKeepsLastGoodItems(t *testing.T) {
	svc, mem := newFixture(t)
	seedBills(t, mem,
		remote.Row{"type": BillTypeWater, "amount": 1, "status": StatusPending},
		remote.Row{"type": BillTypeWater, "amount": 2, "status": StatusPending},
	)
	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))

	svc.FailNext("query", Bills.Table, remote.NewTransportError("query", Bills.Table, errors.New("connection refused")))
	err := store.Fetch(context.Background())
	require.Error(t, err)
	assert.True(t, remote.IsTransport(err))

	st := store.Snapshot()
	assert.Equal(t, PhaseFailed, st.Phase)
	assert.False(t, st.Loading)
	assert.Len(t, st.Items, 2)
	assert.Contains(t, st.ErrMessage(), "connection refused")
	assert.Contains(t, store.Status().Error, "connection refused")

	require.NoError(t, store.Fetch(context.Background()))
	st = store.Snapshot()
	assert.Equal(t, PhaseReady, st.Phase)
	assert.NoError(t, st.Err)
}

func TestLatestFetchWins(t *testing.T) {
	svc, mem := newFixture(t)
	seedBills(t, mem,
		remote.Row{"type": BillTypeWater, "amount": 1, "status": StatusPending},
		remote.Row{"type": BillTypeWater, "amount": 2, "status": StatusPaid},
	)

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	svc.SetQueryHook(func(ctx context.Context, _ remote.Query) error {
		if calls.Add(1) == 1 {
			close(entered)
			<-release
		}
		return nil
	})

	store := newBillStore(t, svc)
	slow := make(chan error, 1)
	go func() {
		slow <- store.FetchFiltered(context.Background(), remote.Filter{"status": StatusPending})
	}()
	<-entered

	require.NoError(t, store.FetchFiltered(context.Background(), remote.Filter{"status": StatusPaid}))
	close(release)
	require.NoError(t, <-slow)

	st := store.Snapshot()
	assert.Equal(t, remote.Filter{"status": StatusPaid}, st.Filter)
	require.Len(t, st.Items, 1)
	assert.Equal(t, StatusPaid, st.Items[0].Status)
	assert.False(t, st.Loading)
}

func TestFetchUsesFilterSetByPendingFetch(t *testing.T) {
	svc, mem := newFixture(t)
	seedBills(t, mem,
		remote.Row{"type": BillTypeWater, "amount": 1, "status": StatusPending},
		remote.Row{"type": BillTypeWater, "amount": 2, "status": StatusPaid},
	)

	var calls atomic.Int32
	entered := make(chan struct{})
	release := make(chan struct{})
	seen := make(chan remote.Filter, 1)
	svc.SetQueryHook(func(ctx context.Context, q remote.Query) error {
		switch calls.Add(1) {
		case 1:
			close(entered)
			<-release
		case 2:
			seen <- q.Filter.Clone()
		}
		return nil
	})

	store := newBillStore(t, svc)
	filtered := make(chan error, 1)
	go func() {
		filtered <- store.FetchFiltered(context.Background(), remote.Filter{"status": StatusPaid})
	}()
	<-entered

	require.NoError(t, store.Fetch(context.Background()))
	assert.Equal(t, remote.Filter{"status": StatusPaid}, <-seen)
	close(release)
	require.NoError(t, <-filtered)

	st := store.Snapshot()
	assert.Equal(t, remote.Filter{"status": StatusPaid}, st.Filter)
	require.Len(t, st.Items, 1)
	assert.Equal(t, 2.0, st.Items[0].Amount)
}

func TestDeactivateSuppressesInFlightFetch(t *testing.T) {
	svc, mem := newFixture(t)
	seedBills(t, mem, remote.Row{"type": BillTypeWater, "amount": 1, "status": StatusPending})

	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))

	// Every query blocks, including any refetch triggered by the seed below.
	var once sync.Once
	entered := make(chan struct{})
	release := make(chan struct{})
	svc.SetQueryHook(func(ctx context.Context, _ remote.Query) error {
		once.Do(func() { close(entered) })
		<-release
		return nil
	})
	seedBills(t, mem, remote.Row{"type": BillTypeWater, "amount": 2, "status": StatusPending})

	done := make(chan error, 1)
	go func() { done <- store.Fetch(context.Background()) }()
	<-entered

	require.NoError(t, store.Deactivate())
	close(release)
	<-done

	st := store.Snapshot()
	assert.Len(t, st.Items, 1, "in-flight result must not land after deactivate")
	assert.False(t, st.Active)
	assert.False(t, st.Loading)
	assert.Equal(t, PhaseIdle, st.Phase)
}

func TestDeactivateIgnoresLateEvents(t *testing.T) {
	svc, _ := newFixture(t)
	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))
	require.Equal(t, 1, svc.ActiveSubscriptions())

	require.NoError(t, store.Deactivate())
	require.NoError(t, store.Deactivate())
	assert.Zero(t, svc.ActiveSubscriptions())

	svc.EmitLate(remote.Event{Kind: remote.EventInsert, Table: Bills.Table})
	time.Sleep(50 * time.Millisecond)

	assert.False(t, store.Snapshot().Stale)
	assert.Equal(t, 1, svc.Queries())
	assert.ErrorIs(t, store.Activate(context.Background()), ErrDeactivated)
	assert.ErrorIs(t, store.Fetch(context.Background()), ErrDeactivated)
}

func TestWaitFor(t *testing.T) {
	svc, mem := newFixture(t)
	store := newBillStore(t, svc)
	require.NoError(t, store.Activate(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go func() {
		_, _ = mem.Insert(context.Background(), Bills.Table, remote.Row{"type": BillTypeWater, "amount": 5, "status": StatusPending})
	}()

	st, err := store.WaitFor(ctx, func(st State[Bill]) bool { return st.Len() == 1 })
	require.NoError(t, err)
	assert.Equal(t, 5.0, st.Items[0].Amount)
}

type recorderFunc func(ctx context.Context, key string, t time.Time) error

func (f recorderFunc) SetLastUpdated(ctx context.Context, key string, t time.Time) error {
	return f(ctx, key, t)
}

func TestFetchRecordsCheckpoint(t *testing.T) {
	svc, _ := newFixture(t)
	at := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	var gotKey string
	var gotAt time.Time
	rec := recorderFunc(func(_ context.Context, key string, t time.Time) error {
		gotKey, gotAt = key, t
		return nil
	})

	store := newBillStore(t, svc,
		WithFilter(remote.Filter{"status": StatusPending}),
		WithRecorder(rec),
		WithClock(func() time.Time { return at }),
	)
	require.NoError(t, store.Fetch(context.Background()))
	assert.Equal(t, "bills?status=pending", gotKey)
	assert.Equal(t, at, gotAt)
	assert.Equal(t, at, store.Status().UpdatedAt)
}
