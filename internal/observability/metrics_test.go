package observability

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_IndependentRegistries(t *testing.T) {
	a := NewMetrics("test")
	b := NewMetrics("test")

	a.RecordAuthFailure("totp", true)
	a.RecordAuthFailure("totp", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.AuthFailures.WithLabelValues("totp")))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.AuthLockouts.WithLabelValues("totp")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.AuthFailures.WithLabelValues("totp")))
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordTradeTerminal("CONFIRMED", "", time.Second)
		m.RecordStateConflict()
		m.RecordWithdrawal("CONFIRMED", "")
		m.RecordAuthFailure("question", false)
		m.RecordExport()
		m.RecordLock("trade", false)
		m.RecordTick("dca", time.Now())
		m.RecordTrigger("limit", "STOP_LOSS")
		m.RecordSchedulerError("dca")
		m.RecordRPCLatency("getBalance", time.Millisecond)
		m.RecordHTTPLatency("jupiter", "quote", time.Millisecond)
	})
}

func TestMetrics_Handler(t *testing.T) {
	m := NewMetrics("test")
	m.RecordLock("trade", true)
	m.RecordLock("trade", false)
	m.RecordTradeTerminal("FAILED", "NO_ROUTE_FOUND", 2*time.Second)

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_lock_busy_total{action="trade"} 1`)
	assert.Contains(t, string(body), `test_trade_terminal_total{code="NO_ROUTE_FOUND",state="FAILED"} 1`)
}
