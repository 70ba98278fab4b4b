// Package dispatcher forwards a chat request to a selected backend
// device and implements the gateway's resilience policy: up to
// max_attempts tries with exponential backoff for non-streaming calls,
// and retry-until-headers-received for streaming calls, after which
// the response body is passed through verbatim with no further retry
// (spec §4.4, §4.7).
//
// Grounded on the teacher's pkg/client/resilience.go RetryManager
// (attempt loop, exponential backoff, retryable-error classification)
// generalized from a generic HTTP client concern to per-device LLM
// backend dispatch, plus pkg/client/sse/parser.go's streaming body
// handling for the NDJSON passthrough.
package dispatcher

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/riverton-labs/llm-gateway/internal/cache"
	"github.com/riverton-labs/llm-gateway/internal/clock"
	"github.com/riverton-labs/llm-gateway/internal/config"
	"github.com/riverton-labs/llm-gateway/internal/fleet"
	"github.com/riverton-labs/llm-gateway/internal/gwerrors"
	"github.com/riverton-labs/llm-gateway/internal/metrics"
	"github.com/riverton-labs/llm-gateway/internal/model"
	"github.com/riverton-labs/llm-gateway/internal/registry"
	"github.com/riverton-labs/llm-gateway/internal/selector"
)

// Dispatcher forwards requests to backends, applying retry, caching,
// and metrics around the selector's picks.
type Dispatcher struct {
	fleet    *fleet.Fleet
	selector *selector.Selector
	registry *registry.Registry
	cache    *cache.ResponseCache // nil when caching is disabled
	metrics  *metrics.Metrics
	client   *http.Client
	clock    clock.Clock
	log      *zap.Logger

	breaker config.BreakerConfig
	dispatch config.DispatchConfig
}

// New builds a Dispatcher. cache may be nil to disable response caching.
func New(f *fleet.Fleet, sel *selector.Selector, reg *registry.Registry, c *cache.ResponseCache, m *metrics.Metrics, client *http.Client, clk clock.Clock, log *zap.Logger, breaker config.BreakerConfig, dispatch config.DispatchConfig) *Dispatcher {
	return &Dispatcher{
		fleet: f, selector: sel, registry: reg, cache: c, metrics: m,
		client: client, clock: clk, log: log, breaker: breaker, dispatch: dispatch,
	}
}

// Result is a completed non-streaming dispatch.
type Result struct {
	Device model.JobDevice
	Body   json.RawMessage
	Cached bool
}

// Ask performs a full non-streaming dispatch: cache lookup, device
// selection, retrying POST, cache store, metrics (spec §4.4, §4.5).
func (d *Dispatcher) Ask(ctx context.Context, req model.AskRequest) (Result, error) {
	tentative, ok := d.tentativeEntry(ctx)
	var key cache.Key
	if ok && d.cache != nil {
		key = cache.Fingerprint(req.Prompt, req.System, req.EffectiveModel(tentative.Config.DefaultModel), req.Options)
		if entry, hit := d.cache.Get(key); hit {
			return Result{Body: entry.Body, Cached: true}, nil
		}
	}

	var lastErr error
	attempts := d.dispatch.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		entry, sem, ok := d.selector.Pick(ctx, d.clock.Now())
		if !ok {
			return Result{}, gwerrors.NewOpError("Ask", "dispatcher", gwerrors.ErrNoEligibleDevice)
		}

		body, err := d.attemptNonStream(ctx, entry, req)
		sem.Release()

		if err == nil {
			if d.cache != nil && ok {
				if key == "" {
					key = cache.Fingerprint(req.Prompt, req.System, req.EffectiveModel(entry.Config.DefaultModel), req.Options)
				}
				d.cache.Set(key, body)
			}
			return Result{
				Device: model.JobDevice{Host: entry.Config.Host, Port: entry.Config.Port, Serial: entry.Config.Serial},
				Body:   body,
			}, nil
		}

		lastErr = err
		d.log.Warn("dispatch attempt failed",
			zap.String("device", entry.Config.Key()),
			zap.Int("attempt", attempt+1),
			zap.Error(err))

		if attempt < attempts-1 {
			backoff := d.dispatch.BaseBackoff * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
		}
	}

	if lastErr == nil {
		return Result{}, gwerrors.NewOpError("Ask", "dispatcher", gwerrors.ErrNoEligibleDevice)
	}
	return Result{}, gwerrors.NewOpError("Ask", "dispatcher", fmt.Errorf("%w: %v", gwerrors.ErrNoEligibleDevice, lastErr))
}

// AskDevice dispatches a non-streaming request directly at one device,
// bypassing selection and caching entirely. Used for warmup (spec §6),
// where every device gets its own completion regardless of rotation
// or circuit state. It does not take the device's concurrency
// semaphore.
func (d *Dispatcher) AskDevice(ctx context.Context, entry *fleet.Entry, req model.AskRequest) (Result, error) {
	body, err := d.attemptNonStream(ctx, entry, req)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Device: model.JobDevice{Host: entry.Config.Host, Port: entry.Config.Port, Serial: entry.Config.Serial},
		Body:   body,
	}, nil
}

// tentativeEntry picks a device for cache-key purposes only, per spec
// §4.5's note that the fingerprint's effective_model is resolved from
// a tentatively selected device before the real retry loop runs, so a
// cache hit can short-circuit device selection entirely.
func (d *Dispatcher) tentativeEntry(ctx context.Context) (*fleet.Entry, bool) {
	entry, sem, ok := d.selector.Pick(ctx, d.clock.Now())
	if !ok {
		return nil, false
	}
	sem.Release()
	return entry, true
}

func (d *Dispatcher) attemptNonStream(ctx context.Context, entry *fleet.Entry, req model.AskRequest) (json.RawMessage, error) {
	entry.Runtime.AcquireSlot()
	defer entry.Runtime.ReleaseSlot()

	start := d.clock.Now()
	payload := model.BuildChatPayload(req, entry.Config.DefaultModel, false)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: marshal payload: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/api/chat", entry.Config.Host, entry.Config.Port)
	reqCtx, cancel := context.WithTimeout(ctx, d.dispatch.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		d.recordOutcome(entry, false, d.clock.Now().Sub(start))
		return nil, d.onFailure(entry, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		d.recordOutcome(entry, false, d.clock.Now().Sub(start))
		return nil, d.onFailure(entry, fmt.Sprintf("status %d", resp.StatusCode))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		d.recordOutcome(entry, false, d.clock.Now().Sub(start))
		return nil, d.onFailure(entry, err.Error())
	}

	entry.Runtime.RecordSuccess(d.clock.Now())
	d.registry.UpdateDynamic(entry.Config.Key(), map[string]any{
		"healthy":    true,
		"last_ok_at": d.clock.Now().Format(time.RFC3339),
	})
	d.recordOutcome(entry, true, d.clock.Now().Sub(start))
	return json.RawMessage(body), nil
}

func (d *Dispatcher) onFailure(entry *fleet.Entry, reason string) error {
	now := d.clock.Now()
	opened := entry.Runtime.RecordFailure(now, reason, d.breaker.FailThreshold, d.breaker.OpenFor, false)
	fields := map[string]any{
		"reason":        reason,
		"last_error_at": now.Format(time.RFC3339),
	}
	if opened {
		fields["healthy"] = false
		fields["open_until"] = entry.Runtime.OpenUntil().Format(time.RFC3339)
	}
	d.registry.UpdateDynamic(entry.Config.Key(), fields)
	return gwerrors.NewOpError("attemptNonStream", "dispatcher", fmt.Errorf("%s: %s", entry.Config.Key(), reason))
}

func (d *Dispatcher) recordOutcome(entry *fleet.Entry, ok bool, latency time.Duration) {
	d.metrics.Mark(entry.Config.Key(), ok, latency)
}

// StreamChunkFunc receives one line of raw NDJSON backend output.
type StreamChunkFunc func(line []byte)

// StreamDoneFunc is called exactly once when streaming ends, with a
// non-nil error only if the connection dropped after headers were
// already received (at which point no retry happens — see AskStream).
type StreamDoneFunc func(err error)

// AskStream dispatches a streaming request. It retries device
// selection and the initial POST until response headers are received
// (same attempt/backoff policy as Ask); once headers arrive, the body
// is read and forwarded line by line with no further retry, since
// partial output may already have reached the caller (spec §4.4).
// AskStream returns as soon as headers are received; the body is
// streamed to onChunk/onDone from a background goroutine.
func (d *Dispatcher) AskStream(ctx context.Context, req model.AskRequest, onChunk StreamChunkFunc, onDone StreamDoneFunc) (model.JobDevice, error) {
	attempts := d.dispatch.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		entry, sem, ok := d.selector.Pick(ctx, d.clock.Now())
		if !ok {
			return model.JobDevice{}, gwerrors.NewOpError("AskStream", "dispatcher", gwerrors.ErrNoEligibleDevice)
		}

		device, committed, err := d.attemptStream(ctx, entry, sem, req, onChunk, onDone)
		if !committed {
			sem.Release()
		}
		if err == nil {
			return device, nil
		}

		lastErr = err
		if attempt < attempts-1 {
			backoff := d.dispatch.BaseBackoff * time.Duration(1<<uint(attempt))
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return model.JobDevice{}, ctx.Err()
			}
		}
	}
	return model.JobDevice{}, gwerrors.NewOpError("AskStream", "dispatcher", fmt.Errorf("%w: %v", gwerrors.ErrNoEligibleDevice, lastErr))
}

// attemptStream returns committed=true once response headers have been
// received; from that point the semaphore slot and inflight count are
// owned by the background streaming goroutine, not this call, and
// errors encountered mid-stream are delivered to onDone instead of
// triggering a retry here (spec §4.4).
func (d *Dispatcher) attemptStream(ctx context.Context, entry *fleet.Entry, sem *selector.Semaphore, req model.AskRequest, onChunk StreamChunkFunc, onDone StreamDoneFunc) (model.JobDevice, bool, error) {
	entry.Runtime.AcquireSlot()

	payload := model.BuildChatPayload(req, entry.Config.DefaultModel, true)
	data, err := json.Marshal(payload)
	if err != nil {
		entry.Runtime.ReleaseSlot()
		return model.JobDevice{}, false, fmt.Errorf("dispatcher: marshal payload: %w", err)
	}

	url := fmt.Sprintf("http://%s:%d/api/chat", entry.Config.Host, entry.Config.Port)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		entry.Runtime.ReleaseSlot()
		return model.JobDevice{}, false, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(httpReq)
	if err != nil {
		entry.Runtime.ReleaseSlot()
		return model.JobDevice{}, false, d.onFailure(entry, err.Error())
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		entry.Runtime.ReleaseSlot()
		return model.JobDevice{}, false, d.onFailure(entry, fmt.Sprintf("status %d", resp.StatusCode))
	}

	// Headers received: this attempt is committed. Stream the body and
	// do not retry regardless of what happens next.
	device := model.JobDevice{Host: entry.Config.Host, Port: entry.Config.Port, Serial: entry.Config.Serial}
	go func() {
		defer resp.Body.Close()
		defer sem.Release()
		defer entry.Runtime.ReleaseSlot()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			onChunk(line)
		}
		streamErr := scanner.Err()
		if streamErr != nil {
			d.log.Warn("stream read error after headers", zap.String("device", entry.Config.Key()), zap.Error(streamErr))
		}
		entry.Runtime.RecordSuccess(d.clock.Now())
		onDone(streamErr)
	}()
	return device, true, nil
}
