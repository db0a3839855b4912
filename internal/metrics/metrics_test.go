package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	m := New()
	m.Duplicate()
	m.Duplicate()
	m.Send("whatsapp", "ok")
	m.Send("whatsapp", "TOKEN_EXPIRED")
	m.Intent("costos")
	m.Handoff("timeout")
	m.LLMCall(300*time.Millisecond, true)

	require.Equal(t, 2.0, testutil.ToFloat64(m.duplicates))
	require.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("whatsapp", "TOKEN_EXPIRED")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.intents.WithLabelValues("costos")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.llmFailures))

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	require.Contains(t, rec.Body.String(), "duplicate_events_total 2")
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Duplicate()
	m.Send("telegram", "ok")
	m.LLMCall(time.Second, false)
	m.Handoff("reply")
	require.Nil(t, m.Registry())
}
