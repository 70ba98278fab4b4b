package dispatcher

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/riverton-labs/llm-gateway/internal/cache"
	"github.com/riverton-labs/llm-gateway/internal/clock"
	"github.com/riverton-labs/llm-gateway/internal/config"
	"github.com/riverton-labs/llm-gateway/internal/fleet"
	"github.com/riverton-labs/llm-gateway/internal/metrics"
	"github.com/riverton-labs/llm-gateway/internal/model"
	"github.com/riverton-labs/llm-gateway/internal/registry"
	"github.com/riverton-labs/llm-gateway/internal/selector"
)

func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return host, port
}

func newTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	path := dir + "/phones.json"
	require.NoError(t, os.WriteFile(path, []byte(`[]`), 0o644))
	reg, err := registry.Load(path, zap.NewNop())
	require.NoError(t, err)
	return reg
}

func TestDispatcherAskRetriesThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"content":"hello"}}`))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	cfg := model.DeviceConfig{Host: host, Port: port, Weight: 1, MaxConcurrency: 4, DefaultModel: "llama3"}
	f := fleet.New([]model.DeviceConfig{cfg})
	f.All()[0].Runtime.RecordSuccess(time.Now())

	sel := selector.New(f)
	reg := newTestRegistry(t)
	met := metrics.New()
	clk := clock.Real{}

	d := New(f, sel, reg, nil, met, srv.Client(), clk, zap.NewNop(),
		config.BreakerConfig{FailThreshold: 3, OpenFor: time.Second},
		config.DispatchConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, RequestTimeout: 5 * time.Second},
	)

	result, err := d.Ask(context.Background(), model.AskRequest{Prompt: "hi"})
	require.NoError(t, err)
	assert.Contains(t, string(result.Body), "hello")
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestDispatcherAskUsesCacheOnSecondCall(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&attempts, 1)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"message":{"content":"hello"}}`))
	}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	cfg := model.DeviceConfig{Host: host, Port: port, Weight: 1, MaxConcurrency: 4, DefaultModel: "llama3"}
	f := fleet.New([]model.DeviceConfig{cfg})
	f.All()[0].Runtime.RecordSuccess(time.Now())

	sel := selector.New(f)
	reg := newTestRegistry(t)
	met := metrics.New()
	clk := clock.Real{}
	respCache, err := cache.New(8)
	require.NoError(t, err)

	d := New(f, sel, reg, respCache, met, srv.Client(), clk, zap.NewNop(),
		config.BreakerConfig{FailThreshold: 3, OpenFor: time.Second},
		config.DispatchConfig{MaxAttempts: 3, BaseBackoff: time.Millisecond, RequestTimeout: 5 * time.Second},
	)

	req := model.AskRequest{Prompt: "hi"}
	_, err = d.Ask(context.Background(), req)
	require.NoError(t, err)

	result2, err := d.Ask(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result2.Cached)
	assert.Equal(t, int32(1), atomic.LoadInt32(&attempts), "second identical request should hit the cache, not the backend")
}

func TestDispatcherAskFailsWhenNoDeviceEligible(t *testing.T) {
	f := fleet.New(nil)
	sel := selector.New(f)
	reg := newTestRegistry(t)
	met := metrics.New()

	d := New(f, sel, reg, nil, met, http.DefaultClient, clock.Real{}, zap.NewNop(),
		config.BreakerConfig{FailThreshold: 3, OpenFor: time.Second},
		config.DispatchConfig{MaxAttempts: 1, BaseBackoff: time.Millisecond, RequestTimeout: time.Second},
	)

	_, err := d.Ask(context.Background(), model.AskRequest{Prompt: "hi"})
	assert.Error(t, err)
}
