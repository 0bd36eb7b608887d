package memory

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/remote"
)

func newTestService(opts ...Option) *Service {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return New(logrus.NewEntry(l), opts...)
}

func TestInsertAssignsServerFields(t *testing.T) {
	frozen := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	svc := newTestService(WithClock(func() time.Time { return frozen }))
	ctx := context.Background()

	a, err := svc.Insert(ctx, "bills", remote.Row{"type": "water", "amount": 100})
	require.NoError(t, err)
	b, err := svc.Insert(ctx, "bills", remote.Row{"type": "water", "amount": 50})
	require.NoError(t, err)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID())
	assert.Equal(t, 100.0, a["amount"])
	// created_at stays strictly increasing with a frozen clock.
	assert.Less(t, a[remote.FieldCreatedAt].(string), b[remote.FieldCreatedAt].(string))
}

func TestInsertRejectsNestedValues(t *testing.T) {
	svc := newTestService()
	_, err := svc.Insert(context.Background(), "properties", remote.Row{"meta": map[string]any{}})
	var ve *remote.ValidationError
	assert.ErrorAs(t, err, &ve)
}

func TestQueryFilterOrderAndColumns(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	for _, row := range []remote.Row{
		{"type": "water", "amount": 100},
		{"type": "electricity", "amount": 40},
		{"type": "water", "amount": 50},
	} {
		_, err := svc.Insert(ctx, "bills", row)
		require.NoError(t, err)
	}

	rows, err := svc.Query(ctx, remote.Query{Table: "bills", Filter: remote.Filter{"type": "water"}, Order: remote.NewestFirst})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 50.0, rows[0]["amount"])
	assert.Equal(t, 100.0, rows[1]["amount"])

	rows, err = svc.Query(ctx, remote.Query{Table: "bills", Columns: []string{"type"}, Order: remote.Order{Field: "amount", Ascending: true}})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.NotContains(t, rows[0], "amount")
	assert.Contains(t, rows[0], remote.FieldID)
	assert.Equal(t, "electricity", rows[0]["type"])
}

func TestQuerySortsOnColumnsOutsideProjection(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	for _, row := range []remote.Row{
		{"name": "b", "units": 3},
		{"name": "c", "units": 1},
		{"name": "a", "units": 2},
	} {
		_, err := svc.Insert(ctx, "properties", row)
		require.NoError(t, err)
	}

	rows, err := svc.Query(ctx, remote.Query{Table: "properties", Columns: []string{"name"}, Order: remote.Order{Field: "units"}})
	require.NoError(t, err)
	var names []any
	for _, r := range rows {
		assert.NotContains(t, r, "units")
		names = append(names, r["name"])
	}
	assert.Equal(t, []any{"b", "a", "c"}, names)
}

func TestUpdateAndDelete(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	row, err := svc.Insert(ctx, "repairs", remote.Row{"title": "Leak", "status": "pending"})
	require.NoError(t, err)

	out, err := svc.Update(ctx, "repairs", row.ID(), remote.Row{"status": "completed", remote.FieldID: "other"})
	require.NoError(t, err)
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, "Leak", out["title"])
	assert.Equal(t, row.ID(), out.ID(), "id is immutable")

	_, err = svc.Update(ctx, "repairs", "missing", remote.Row{"status": "x"})
	assert.ErrorIs(t, err, remote.ErrNotFound)

	require.NoError(t, svc.Delete(ctx, "repairs", row.ID()))
	assert.ErrorIs(t, svc.Delete(ctx, "repairs", row.ID()), remote.ErrNotFound)

	n, err := svc.Count(ctx, "repairs", nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCount(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	for _, status := range []string{"pending", "paid", "pending"} {
		_, err := svc.Insert(ctx, "bills", remote.Row{"status": status})
		require.NoError(t, err)
	}
	n, err := svc.Count(ctx, "bills", remote.Filter{"status": "pending"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSubscribeReceivesTableEvents(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var got []remote.Event
	sub, err := svc.Subscribe(ctx, "bills", func(ev remote.Event) { got = append(got, ev) })
	require.NoError(t, err)

	row, err := svc.Insert(ctx, "bills", remote.Row{"status": "pending"})
	require.NoError(t, err)
	_, err = svc.Insert(ctx, "staff", remote.Row{"name": "Ana"})
	require.NoError(t, err)
	_, err = svc.Update(ctx, "bills", row.ID(), remote.Row{"status": "paid"})
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, "bills", row.ID()))

	require.Len(t, got, 3)
	assert.Equal(t, remote.EventInsert, got[0].Kind)
	assert.Equal(t, remote.EventUpdate, got[1].Kind)
	assert.Equal(t, remote.EventDelete, got[2].Kind)

	require.NoError(t, sub.Unsubscribe())
	_, err = svc.Insert(ctx, "bills", remote.Row{"status": "pending"})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestClosedServiceRejectsCalls(t *testing.T) {
	svc := newTestService()
	require.NoError(t, svc.Close())

	_, err := svc.Query(context.Background(), remote.Query{Table: "bills"})
	assert.ErrorIs(t, err, remote.ErrClosed)
	_, err = svc.Insert(context.Background(), "bills", remote.Row{})
	assert.ErrorIs(t, err, remote.ErrClosed)
}
