package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkUpdatesCountersAndExposesThem(t *testing.T) {
	m := New()
	m.Mark("10.0.0.1:11434", true, 50*time.Millisecond)
	m.Mark("10.0.0.1:11434", false, 20*time.Millisecond)

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "gw_requests_total 2")
	assert.Contains(t, text, "gw_failures_total 1")
	assert.Contains(t, text, `gw_phone_hits_total{phone="10.0.0.1:11434"} 2`, "phone hits count every marked call to that phone, not just successes")
	assert.Contains(t, text, "gw_latency_seconds_avg 0.05", "latency average must only include the successful call's latency")
}
