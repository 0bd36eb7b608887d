package collector

import (
	"io"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/estatedesk/estatesync/internal/resource"
)

type staticSource resource.Status

func (s staticSource) Status() resource.Status { return resource.Status(s) }

func TestRegistryCollect(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)
	r := NewRegistry(logrus.NewEntry(l))

	r.Register(staticSource{
		Resource:  "bill",
		Key:       "bills?type=water",
		Phase:     resource.PhaseReady,
		Count:     3,
		UpdatedAt: time.Unix(1700000000, 0),
	})
	r.Register(staticSource{Resource: "staff", Key: "staff", Phase: resource.PhaseFailed, Stale: true})
	assert.Equal(t, 2, r.Len())

	expected := `
# HELP estatesync_store_items Number of items currently held by the store.
# TYPE estatesync_store_items gauge
estatesync_store_items{key="bills?type=water",resource="bill"} 3
estatesync_store_items{key="staff",resource="staff"} 0
# HELP estatesync_store_stale Whether a change arrived after the last applied fetch.
# TYPE estatesync_store_stale gauge
estatesync_store_stale{key="bills?type=water",resource="bill"} 0
estatesync_store_stale{key="staff",resource="staff"} 1
# HELP estatesync_store_last_updated_timestamp_seconds Unix time of the last applied fetch.
# TYPE estatesync_store_last_updated_timestamp_seconds gauge
estatesync_store_last_updated_timestamp_seconds{key="bills?type=water",resource="bill"} 1.7e+09
`
	require.NoError(t, testutil.CollectAndCompare(r, strings.NewReader(expected),
		"estatesync_store_items", "estatesync_store_stale", "estatesync_store_last_updated_timestamp_seconds"))

	// Two stores times four phases.
	assert.Equal(t, 8, testutil.CollectAndCount(r, "estatesync_store_phase"))
}
