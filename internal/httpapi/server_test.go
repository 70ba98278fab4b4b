package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riverton-labs/llm-gateway/internal/clock"
	"github.com/riverton-labs/llm-gateway/internal/config"
	"github.com/riverton-labs/llm-gateway/internal/dispatcher"
	"github.com/riverton-labs/llm-gateway/internal/fleet"
	"github.com/riverton-labs/llm-gateway/internal/jobqueue"
	"github.com/riverton-labs/llm-gateway/internal/metrics"
	"github.com/riverton-labs/llm-gateway/internal/model"
	"github.com/riverton-labs/llm-gateway/internal/registry"
	"github.com/riverton-labs/llm-gateway/internal/selector"
)

func newTestServer(t *testing.T, backend http.HandlerFunc, cfg config.Config) (*Server, *fleet.Fleet) {
	t.Helper()
	srv := httptest.NewServer(backend)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	deviceCfg := model.DeviceConfig{Host: host, Port: port, Weight: 1, MaxConcurrency: 4, DefaultModel: "llama3"}
	f := fleet.New([]model.DeviceConfig{deviceCfg})
	f.All()[0].Runtime.RecordSuccess(time.Now())

	sel := selector.New(f)
	dir := t.TempDir()
	regPath := dir + "/phones.json"
	require.NoError(t, os.WriteFile(regPath, []byte(`[]`), 0o644))
	reg, err := registry.Load(regPath, zap.NewNop())
	require.NoError(t, err)

	met := metrics.New()
	clk := clock.Real{}
	d := dispatcher.New(f, sel, reg, nil, met, srv.Client(), clk, zap.NewNop(),
		config.BreakerConfig{FailThreshold: 3, OpenFor: time.Second},
		config.DispatchConfig{MaxAttempts: 2, BaseBackoff: time.Millisecond, RequestTimeout: 5 * time.Second},
	)
	q := jobqueue.New(d, clk, zap.NewNop(), 1)

	return New(f, d, q, met, clk, zap.NewNop(), cfg), f
}

func TestHandlePing(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"models":[]}`))
	}, config.Default())

	req := httptest.NewRequest("GET", "/ping", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)
}

func TestHandleDevices(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, config.Default())

	req := httptest.NewRequest("GET", "/devices", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"healthy":true`)
}

func TestHandleAsk(t *testing.T) {
	cfg := config.Default()
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"content":"hi"}}`))
	}, cfg)

	body := strings.NewReader(`{"prompt":"hello"}`)
	req := httptest.NewRequest("POST", "/ask", body)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "hi")
}

func TestAuthGateRejectsMissingKey(t *testing.T) {
	cfg := config.Default()
	cfg.APIKey = "secret"
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}, cfg)

	body := strings.NewReader(`{"prompt":"hello"}`)
	req := httptest.NewRequest("POST", "/ask", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestJobsCreateAndStatus(t *testing.T) {
	cfg := config.Default()
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"content":"hi"}}`))
	}, cfg)

	body := strings.NewReader(`{"prompt":"hello","priority":5}`)
	req := httptest.NewRequest("POST", "/jobs", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_id"`)
	assert.Contains(t, rec.Body.String(), `"queued":true`)

	var created struct {
		JobID string `json:"job_id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))

	// the test server never starts the queue's workers, so the job stays queued
	statusReq := httptest.NewRequest("GET", "/jobs/"+created.JobID, nil)
	statusRec := httptest.NewRecorder()
	s.Handler().ServeHTTP(statusRec, statusReq)
	assert.Equal(t, http.StatusOK, statusRec.Code)
	assert.Contains(t, statusRec.Body.String(), `"status":"queued"`)
}

func TestHandleHealthReturnsPhonesArray(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {}, config.Default())

	req := httptest.NewRequest("GET", "/health", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"phones"`)
	assert.Contains(t, rec.Body.String(), `"healthy":true`)
}

func TestHandleWarmupFiresEveryDevice(t *testing.T) {
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"content":"ok"}}`))
	}, config.Default())

	req := httptest.NewRequest("POST", "/warmup", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"warmed":1`)
	assert.Contains(t, rec.Body.String(), `"total":1`)
}

func TestHandleAskBatchPreservesOrderAndShape(t *testing.T) {
	// the backend echoes the prompt back so each result can be matched to its input
	s, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		var payload model.ChatPayload
		_ = json.NewDecoder(r.Body).Decode(&payload)
		content := ""
		if n := len(payload.Messages); n > 0 {
			content = payload.Messages[n-1].Content
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"message": map[string]string{"content": content}})
	}, config.Default())

	body := strings.NewReader(`[{"prompt":"a"},{"prompt":"b"}]`)
	req := httptest.NewRequest("POST", "/ask_batch", body)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"ok":true`)

	var resp struct {
		Results []struct {
			OK   bool `json:"ok"`
			Data struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"data"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 2)
	assert.True(t, resp.Results[0].OK)
	assert.Equal(t, "a", resp.Results[0].Data.Message.Content)
	assert.True(t, resp.Results[1].OK)
	assert.Equal(t, "b", resp.Results[1].Data.Message.Content)
}
