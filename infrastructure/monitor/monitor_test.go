package monitor

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordTick("BRN", 82.5)
	m.RecordTick("BRN", 83.0)
	m.RecordPublished("TICK")
	m.RecordCoalesced("TICK")
	m.RecordCoalesced("TICK")
	m.RecordReconnect()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.ticksGenerated.WithLabelValues("BRN")))
	assert.Equal(t, 83.0, testutil.ToFloat64(m.lastPrice.WithLabelValues("BRN")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.eventsPublished.WithLabelValues("TICK")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.eventsCoalesced.WithLabelValues("TICK")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconnects))
}

func TestNilMonitorIsSafe(t *testing.T) {
	var m *Monitor
	m.RecordTick("BRN", 1)
	m.RecordShock()
	m.UpdateReplay(2, 4)
	m.RecordDelivered("FILL")
	m.AddActiveStreams(1)
}

func TestMonitorHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordShock()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), "sim_market_shocks_applied_total 1"))
}
