package app

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/config"
	"github.com/estatedesk/estatesync/internal/remote"
	"github.com/estatedesk/estatesync/internal/resource"
	"github.com/estatedesk/estatesync/internal/server"
)

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func memoryConfig(t *testing.T, yaml string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	cfg.Sync.DebounceMillis = 5
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, st := range a.Stores() {
			_ = st.Deactivate()
		}
		a.closeBackend()
	})
	return a
}

func findStatus(rep StatusReport, resourceName string) (resource.Status, bool) {
	for _, st := range rep.Stores {
		if st.Resource == resourceName {
			return st, true
		}
	}
	return resource.Status{}, false
}

func TestAppSyncsMemoryBackend(t *testing.T) {
	ctx := context.Background()
	a := newTestApp(t, memoryConfig(t, ""))
	require.Len(t, a.Stores(), 4)

	a.Activate(ctx)
	for _, st := range a.Status().Stores {
		assert.Equal(t, resource.PhaseReady, st.Phase, st.Resource)
		assert.True(t, st.Active, st.Resource)
	}

	row, err := a.backend.Service.Insert(ctx, resource.Bills.Table, remote.Row{
		"type": resource.BillTypeWater, "amount": 80, "status": resource.StatusPending,
	})
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		st, _ := findStatus(a.Status(), "bill")
		return st.Count == 1 && !st.Stale
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, a.Stats().Refresh(ctx))
	snap, ok := a.Stats().Snapshot()
	require.True(t, ok)
	assert.Equal(t, 1, snap.PendingBills)

	bill, err := a.Dispatcher().MarkBillPaid(ctx, row.ID())
	require.NoError(t, err)
	assert.Equal(t, resource.StatusPaid, bill.Status)

	require.NoError(t, a.Stats().Refresh(ctx))
	snap, _ = a.Stats().Snapshot()
	assert.Equal(t, 0, snap.PendingBills)

	rep := a.Status()
	require.NotNil(t, rep.Stats)
	assert.Contains(t, rep.Checkpoints, "bills")
	assert.Contains(t, rep.Checkpoints, "staff")
	billStatus, ok := findStatus(rep, "bill")
	require.True(t, ok)
	assert.False(t, billStatus.LastSynced.IsZero())
	assert.False(t, billStatus.LastSynced.After(rep.Checkpoints[billStatus.Key]))

	require.NoError(t, a.Resync(ctx))
}

func TestDuplicateStoresAreSkipped(t *testing.T) {
	a := newTestApp(t, memoryConfig(t, `
stores:
  - resource: bill
  - resource: bills
  - resource: bill
    filter:
      type: water
`))
	require.Len(t, a.Stores(), 2)
	assert.Equal(t, "bills?type=water", a.Stores()[1].Status().Key)
}

func TestUnknownResourceFails(t *testing.T) {
	cfg := memoryConfig(t, "")
	cfg.Stores = []config.StoreConfig{{Resource: "invoice"}}
	_, err := New(context.Background(), cfg, quietLogger())
	assert.ErrorContains(t, err, "unknown resource")
}

func TestWebhookRefreshesStores(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := memoryConfig(t, "server:\n  webhook:\n    enabled: true\n    secret_token: hook-token\n")
	a := newTestApp(t, cfg)
	a.Activate(ctx)
	a.queue.Start(ctx)
	before, ok := findStatus(a.Status(), "staff")
	require.True(t, ok)

	req := httptest.NewRequest(http.MethodPost, server.WebhookPath, strings.NewReader(`{"kind":"update","table":"staff"}`))
	req.Header.Set(server.TokenHeader, "hook-token")
	rec := httptest.NewRecorder()
	a.server.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Eventually(t, func() bool {
		st, _ := findStatus(a.Status(), "staff")
		return st.UpdatedAt.After(before.UpdatedAt) && !st.Stale
	}, time.Second, 5*time.Millisecond)
}

func TestRunFailsOnBadListenAddress(t *testing.T) {
	cfg := memoryConfig(t, "")
	cfg.Server.ListenAddress = "not-an-address"
	a, err := New(context.Background(), cfg, quietLogger())
	require.NoError(t, err)

	err = a.Run(context.Background())
	require.ErrorContains(t, err, "starting server")
	for _, st := range a.Status().Stores {
		assert.False(t, st.Active, st.Resource)
	}
}

func TestStoreFilter(t *testing.T) {
	assert.Nil(t, storeFilter(config.StoreConfig{Resource: "bill"}))
	assert.Equal(t, remote.Filter{"status": "pending"},
		storeFilter(config.StoreConfig{Resource: "bill", Filter: map[string]string{"status": "pending"}}))
}
