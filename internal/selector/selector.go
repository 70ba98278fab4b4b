// Package selector implements weighted round-robin backend selection
// over the fleet (spec §4.3): each eligible device appears in the
// rotation `weight` times (minimum 1), a single cursor walks the list,
// and a device whose concurrency semaphore is full is skipped in favor
// of the next distinct device rather than blocking the picker.
//
// Grounded on the teacher's rate_limiter.go token-bucket-per-key shape
// for the semaphore pool, generalized to LLM backend dispatch.
package selector

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/riverton-labs/llm-gateway/internal/fleet"
)

// Semaphore bounds concurrent in-flight requests to one device.
type Semaphore struct {
	slots chan struct{}
}

// NewSemaphore returns a semaphore with the given capacity (minimum 1).
func NewSemaphore(capacity int) *Semaphore {
	if capacity < 1 {
		capacity = 1
	}
	return &Semaphore{slots: make(chan struct{}, capacity)}
}

// TryAcquire attempts a non-blocking acquire, returning false if full.
func (s *Semaphore) TryAcquire() bool {
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees one slot.
func (s *Semaphore) Release() {
	<-s.slots
}

// Acquire blocks until a slot is free or ctx is done.
func (s *Semaphore) Acquire(ctx context.Context) error {
	select {
	case s.slots <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Selector picks an eligible device using weighted round-robin with a
// single shared cursor, and owns the per-device concurrency semaphores.
type Selector struct {
	fleet *fleet.Fleet

	mu      sync.Mutex
	cursor  int
	rotation []string // flattened, weight-expanded list of keys; rebuilt on demand

	semMu sync.Mutex
	sems  map[string]*Semaphore
}

// New builds a Selector over f. Semaphores are created lazily per
// device key the first time it is seen, sized from its configured
// max_concurrency.
func New(f *fleet.Fleet) *Selector {
	return &Selector{fleet: f, sems: make(map[string]*Semaphore)}
}

func (s *Selector) semaphoreFor(e *fleet.Entry) *Semaphore {
	s.semMu.Lock()
	defer s.semMu.Unlock()
	key := e.Config.Key()
	if sem, ok := s.sems[key]; ok {
		return sem
	}
	sem := NewSemaphore(e.Config.MaxConcurrency)
	s.sems[key] = sem
	return sem
}

// buildRotation flattens the currently eligible entries into a
// weight-expanded key list, e.g. weight 3 repeats a device 3 times so
// it is picked roughly 3x as often as a weight-1 peer.
func buildRotation(entries []*fleet.Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		w := e.Config.Weight
		if w < 1 {
			w = 1
		}
		for i := 0; i < w; i++ {
			out = append(out, e.Config.Key())
		}
	}
	return out
}

// Pick selects one eligible, non-full device. It walks at most one
// full cycle of the weighted rotation starting from the shared cursor;
// if every rotation slot is either ineligible or momentarily full, it
// falls back to a uniformly random choice among eligible-but-full
// devices so callers still get a device key to queue behind, per spec
// §4.3's "never returns empty while any device is eligible" invariant.
//
// Returns the selected entry and its acquired semaphore hold, or
// (nil, nil, false) if no device is eligible at all. ctx bounds the
// blocking acquire used in the saturated-rotation fallback.
func (s *Selector) Pick(ctx context.Context, now time.Time) (*fleet.Entry, *Semaphore, bool) {
	entries := s.fleet.Eligible(now)
	if len(entries) == 0 {
		return nil, nil, false
	}

	byKey := make(map[string]*fleet.Entry, len(entries))
	for _, e := range entries {
		byKey[e.Config.Key()] = e
	}

	s.mu.Lock()
	rotation := buildRotation(entries)
	if len(rotation) == 0 {
		s.mu.Unlock()
		return nil, nil, false
	}
	start := s.cursor % len(rotation)
	s.mu.Unlock()

	for i := 0; i < len(rotation); i++ {
		idx := (start + i) % len(rotation)
		key := rotation[idx]
		e, ok := byKey[key]
		if !ok {
			continue
		}
		sem := s.semaphoreFor(e)
		if sem.TryAcquire() {
			s.mu.Lock()
			s.cursor = idx + 1
			s.mu.Unlock()
			return e, sem, true
		}
	}

	// Every rotation slot is momentarily saturated: fall back to a
	// random eligible device and block for its semaphore rather than
	// report false eligibility.
	e := entries[rand.Intn(len(entries))]
	sem := s.semaphoreFor(e)
	if err := sem.Acquire(ctx); err != nil {
		return nil, nil, false
	}
	s.mu.Lock()
	s.cursor = start + 1
	s.mu.Unlock()
	return e, sem, true
}
