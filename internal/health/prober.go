// Package health implements the HealthProber (spec §4.2): a periodic,
// concurrent sweep of every configured device's /api/tags endpoint,
// feeding circuit-breaker state and discovered-model lists back into
// the fleet and, once per pass, flushing the registry file.
//
// Grounded on the teacher's concurrent-fan-out style (golang.org/x/sync
// errgroup used throughout pkg/client for parallel transport calls) and
// the original_source/core/store.py health-sweep cadence.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/riverton-labs/llm-gateway/internal/clock"
	"github.com/riverton-labs/llm-gateway/internal/config"
	"github.com/riverton-labs/llm-gateway/internal/fleet"
	"github.com/riverton-labs/llm-gateway/internal/registry"
)

// tagsResponse is the subset of Ollama's /api/tags response this
// prober cares about.
type tagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// Prober periodically probes every device in the fleet.
type Prober struct {
	fleet    *fleet.Fleet
	registry *registry.Registry
	client   *http.Client
	clock    clock.Clock
	log      *zap.Logger

	health  config.HealthConfig
	breaker config.BreakerConfig
}

// New builds a Prober. client should be a dedicated *http.Client so the
// short probe timeout never interferes with the Dispatcher's transport.
func New(f *fleet.Fleet, reg *registry.Registry, client *http.Client, clk clock.Clock, log *zap.Logger, health config.HealthConfig, breaker config.BreakerConfig) *Prober {
	return &Prober{fleet: f, registry: reg, client: client, clock: clk, log: log, health: health, breaker: breaker}
}

// Run blocks, probing every health.Interval until ctx is cancelled. It
// probes once immediately on entry so the fleet isn't all-unhealthy for
// a full interval after startup.
func (p *Prober) Run(ctx context.Context) {
	p.ProbeAll(ctx)

	ticker := time.NewTicker(p.health.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.ProbeAll(ctx)
		}
	}
}

// ProbeAll runs one concurrent sweep over every device, then flushes
// the registry if any device's dynamic fields changed.
func (p *Prober) ProbeAll(ctx context.Context) {
	entries := p.fleet.All()

	g, gctx := errgroup.WithContext(ctx)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			p.probeOne(gctx, e)
			return nil
		})
	}
	_ = g.Wait() // probeOne never returns an error; it records failures on the entry instead

	if err := p.registry.FlushIfDirty(); err != nil {
		p.log.Error("health: registry flush failed", zap.Error(err))
	}
}

func (p *Prober) probeOne(ctx context.Context, e *fleet.Entry) {
	now := p.clock.Now()
	key := e.Config.Key()

	if !e.Runtime.OpenUntil().IsZero() && now.Before(e.Runtime.OpenUntil()) {
		e.Runtime.MarkCircuitOpen()
		p.registry.UpdateDynamic(key, map[string]any{
			"healthy": false,
			"reason":  "circuit_open",
		})
		return
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.health.Timeout)
	defer cancel()

	url := fmt.Sprintf("http://%s:%d/api/tags", e.Config.Host, e.Config.Port)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, nil)
	if err != nil {
		p.recordFailure(e, now, err.Error())
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.recordFailure(e, now, err.Error())
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.recordFailure(e, now, fmt.Sprintf("status %d", resp.StatusCode))
		return
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		p.recordFailure(e, now, err.Error())
		return
	}

	var tags tagsResponse
	models := []string{}
	if err := json.Unmarshal(body, &tags); err == nil {
		seen := make(map[string]struct{}, len(tags.Models))
		for _, m := range tags.Models {
			if m.Name == "" {
				continue
			}
			if _, dup := seen[m.Name]; dup {
				continue
			}
			seen[m.Name] = struct{}{}
			models = append(models, m.Name)
		}
		sort.Strings(models)
	}

	e.Runtime.SetDiscoveredModels(models)
	e.Runtime.RecordSuccess(now)
	p.registry.UpdateDynamic(key, map[string]any{
		"healthy":    true,
		"reason":     "",
		"models":     models,
		"last_ok_at": now.Format(time.RFC3339),
	})
}

func (p *Prober) recordFailure(e *fleet.Entry, now time.Time, reason string) {
	opened := e.Runtime.RecordFailure(now, reason, p.breaker.FailThreshold, p.breaker.OpenFor, true)
	fields := map[string]any{
		"healthy":       false,
		"reason":        reason,
		"last_error_at": now.Format(time.RFC3339),
	}
	if opened {
		fields["open_until"] = e.Runtime.OpenUntil().Format(time.RFC3339)
	}
	p.registry.UpdateDynamic(e.Config.Key(), fields)
}
