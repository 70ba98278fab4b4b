// Package model holds the data types shared across the gateway: device
// configuration and runtime state, requests and backend payloads, and jobs.
package model

import (
	"fmt"
	"sync"
	"time"
)

// DeviceConfig is the immutable, on-disk-configured identity and
// transport coordinates of a backend. It never changes after load.
type DeviceConfig struct {
	Serial         string `yaml:"serial,omitempty" json:"serial,omitempty"`
	Host           string `yaml:"host" json:"host"`
	Port           int    `yaml:"port" json:"port"`
	DefaultModel   string `yaml:"model,omitempty" json:"model,omitempty"`
	Weight         int    `yaml:"weight,omitempty" json:"weight,omitempty"`
	MaxConcurrency int    `yaml:"max_concurrency,omitempty" json:"max_concurrency,omitempty"`

	// Extra is not filled by the registry loader; unknown keys from the
	// registry file survive a flush because the registry rewrites its raw
	// records, not DeviceConfig values.
	Extra map[string]any `yaml:"-" json:"-"`
}

// Key is the stable device identity: serial if present, else host:port.
func (c DeviceConfig) Key() string {
	if c.Serial != "" {
		return c.Serial
	}
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DeviceRuntime is the mutable, process-local health and load state for
// one device. All access must go through the methods below, which hold
// a per-device mutex — see §5 of the spec for the shared-resource policy.
type DeviceRuntime struct {
	mu sync.Mutex

	healthy             bool
	reason              string
	inflight            int
	consecutiveFailures int
	openUntil           time.Time
	discoveredModels    []string
	lastOKAt            *time.Time
	lastErrorAt         *time.Time
}

// Snapshot is a consistent, read-only copy of a DeviceRuntime.
type Snapshot struct {
	Healthy             bool
	Reason              string
	Inflight            int
	ConsecutiveFailures int
	OpenUntil           time.Time
	DiscoveredModels    []string
	LastOKAt            *time.Time
	LastErrorAt         *time.Time
}

// Eligible reports whether the device may currently be selected:
// healthy and not inside its circuit-open cool-down window.
func (s Snapshot) Eligible(now time.Time) bool {
	return s.Healthy && !now.Before(s.OpenUntil)
}

// Snapshot returns a consistent copy of the runtime state.
func (r *DeviceRuntime) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	models := make([]string, len(r.discoveredModels))
	copy(models, r.discoveredModels)
	return Snapshot{
		Healthy:             r.healthy,
		Reason:              r.reason,
		Inflight:            r.inflight,
		ConsecutiveFailures: r.consecutiveFailures,
		OpenUntil:           r.openUntil,
		DiscoveredModels:    models,
		LastOKAt:            r.lastOKAt,
		LastErrorAt:         r.lastErrorAt,
	}
}

// Eligible reports whether the device is currently selectable.
func (r *DeviceRuntime) Eligible(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.healthy && !now.Before(r.openUntil)
}

// AcquireSlot increments inflight unconditionally. Calls made through
// selector.Pick hold the device's semaphore, which keeps inflight within
// max_concurrency; Dispatcher.AskDevice (warmup) holds no semaphore, so
// warmup calls are not bounded by max_concurrency.
func (r *DeviceRuntime) AcquireSlot() {
	r.mu.Lock()
	r.inflight++
	r.mu.Unlock()
}

// ReleaseSlot decrements inflight. Called from every exit path of a
// forwarded call.
func (r *DeviceRuntime) ReleaseSlot() {
	r.mu.Lock()
	if r.inflight > 0 {
		r.inflight--
	}
	r.mu.Unlock()
}

// Inflight returns the current inflight count.
func (r *DeviceRuntime) Inflight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.inflight
}

// RecordSuccess resets the failure streak, closes the circuit, and marks
// the device healthy. Used by both the health prober and the dispatcher
// (spec §4.4).
func (r *DeviceRuntime) RecordSuccess(now time.Time) {
	r.mu.Lock()
	r.healthy = true
	r.reason = ""
	r.consecutiveFailures = 0
	r.openUntil = time.Time{}
	t := now
	r.lastOKAt = &t
	r.mu.Unlock()
}

// RecordFailure increments the failure streak, opening the circuit when
// it reaches failThreshold, and returns whether the circuit was
// (re)opened by this call.
//
// forceUnhealthy distinguishes the two callers' contracts: the health
// prober marks a device unhealthy on any probe failure (spec §4.2),
// while a dispatcher-originated forwarded-call failure only flips
// healthy when the circuit actually opens, leaving an otherwise-healthy
// device selectable for the dispatch loop's remaining attempts.
func (r *DeviceRuntime) RecordFailure(now time.Time, reason string, failThreshold int, openFor time.Duration, forceUnhealthy bool) (opened bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reason = reason
	r.consecutiveFailures++
	t := now
	r.lastErrorAt = &t
	if r.consecutiveFailures >= failThreshold {
		r.openUntil = now.Add(openFor)
		opened = true
	}
	if forceUnhealthy || opened {
		r.healthy = false
	}
	return opened
}

// MarkCircuitOpen is called by the prober when it skips the network call
// because the circuit is already open (spec §4.2 step 1).
func (r *DeviceRuntime) MarkCircuitOpen() {
	r.mu.Lock()
	r.healthy = false
	r.reason = "circuit_open"
	r.mu.Unlock()
}

// SetDiscoveredModels records the sorted, deduplicated model names seen
// by the most recent successful probe.
func (r *DeviceRuntime) SetDiscoveredModels(models []string) {
	r.mu.Lock()
	r.discoveredModels = models
	r.mu.Unlock()
}

// OpenUntil returns the current circuit-open deadline (zero value if closed).
func (r *DeviceRuntime) OpenUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openUntil
}
