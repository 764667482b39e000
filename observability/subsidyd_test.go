package observability

import (
	"database/sql"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestSubsidydMetricsRecord(t *testing.T) {
	m := Subsidyd()
	require.Same(t, m, Subsidyd())

	before := testutil.ToFloat64(m.divergences.WithLabelValues("report_progress"))
	m.RecordDivergence("report_progress")
	require.Equal(t, before+1, testutil.ToFloat64(m.divergences.WithLabelValues("report_progress")))

	opsBefore := testutil.ToFloat64(m.operations.WithLabelValues("confirm_payout", "ok"))
	m.ObserveOperation("confirm_payout", "", 10*time.Millisecond)
	require.Equal(t, opsBefore+1, testutil.ToFloat64(m.operations.WithLabelValues("confirm_payout", "ok")))

	m.RecordPoolStats(sql.DBStats{InUse: 3, WaitCount: 9})
	require.Equal(t, float64(3), testutil.ToFloat64(m.dbInUse))
	require.Equal(t, float64(9), testutil.ToFloat64(m.dbWaitCount))

	m.SetOffline(true)
	require.Equal(t, float64(1), testutil.ToFloat64(m.offline))
	m.SetOffline(false)
	require.Equal(t, float64(0), testutil.ToFloat64(m.offline))
}

func TestNilSubsidydMetricsIsSafe(t *testing.T) {
	var m *SubsidydMetrics
	m.ObserveOperation("x", "ok", time.Second)
	m.ObserveLedgerTx("addVendor", "confirmed", time.Second)
	m.RecordDivergence("x")
	m.AddPendingRegistrations(1)
	m.RecordAnomaly("x")
	m.SetOffline(true)
}

func TestHTTPMetricsObserve(t *testing.T) {
	m := HTTP()
	require.Same(t, m, HTTP())

	before := testutil.ToFloat64(m.errors.WithLabelValues("/add-vendor", "POST", "409"))
	m.Observe("/add-vendor", "POST", 409, 5*time.Millisecond)
	require.Equal(t, before+1, testutil.ToFloat64(m.errors.WithLabelValues("/add-vendor", "POST", "409")))

	okBefore := testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "GET", "success"))
	m.Observe("", "GET", 200, time.Millisecond)
	require.Equal(t, okBefore+1, testutil.ToFloat64(m.requests.WithLabelValues("unmatched", "GET", "success")))

	throttled := testutil.ToFloat64(m.throttles.WithLabelValues("ledger", "rate_limit"))
	m.RecordThrottle("ledger", "rate_limit")
	require.Equal(t, throttled+1, testutil.ToFloat64(m.throttles.WithLabelValues("ledger", "rate_limit")))

	var nilMetrics *HTTPMetrics
	nilMetrics.Observe("/x", "GET", 500, time.Second)
	nilMetrics.RecordThrottle("x", "")
}
