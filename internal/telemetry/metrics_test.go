package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCounters(t *testing.T) {
	m := New()

	m.EventReceived("order:new")
	m.EventReceived("order:new")
	m.EventApplied("order:new")
	m.EventDropped("order:update", ReasonTransition)
	m.Refetch("reconnect")
	m.FetchFailed()
	m.Reconnected()
	m.StatusChanged("ready")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsReceived.WithLabelValues("order:new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsApplied.WithLabelValues("order:new")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsDropped.WithLabelValues("order:update", ReasonTransition)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.refetches.WithLabelValues("reconnect")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetchFailures))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.statusChanges.WithLabelValues("ready")))
}

func TestMetricsGauges(t *testing.T) {
	m := New()

	m.ConnectionState(2)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.connectionState))

	m.RoomMembers("r1", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.roomMembers.WithLabelValues("r1")))

	m.RoomMembers("r1", 0)
	assert.Equal(t, 0, testutil.CollectAndCount(m.roomMembers))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.EventReceived("order:new")
		m.EventDropped("order:new", ReasonMalformed)
		m.ConnectionState(1)
		m.RoomMembers("r1", 1)
		m.Refetch("manual")
	})
	assert.Nil(t, m.Registry())
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New()
	m.Refetch("connect")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `orderdesk_refetches_total{trigger="connect"} 1`)
}
