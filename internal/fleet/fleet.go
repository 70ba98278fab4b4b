// Package fleet holds the in-memory device table: each configured
// backend's static DeviceConfig paired with its mutable DeviceRuntime,
// built once from the registry snapshot at startup. HealthProber,
// Selector, and Dispatcher all share this table instead of each
// keeping their own copy of device state.
package fleet

import (
	"sort"
	"time"

	"github.com/riverton-labs/llm-gateway/internal/model"
)

// Entry pairs one device's immutable config with its mutable runtime.
type Entry struct {
	Config  model.DeviceConfig
	Runtime *model.DeviceRuntime
}

// Fleet is the process-local table of known devices, keyed by
// model.DeviceConfig.Key(). Built once at startup; the set of keys
// never changes afterward (spec §4.1: registry never grows new
// records at runtime), only each entry's Runtime mutates.
type Fleet struct {
	entries map[string]*Entry
	order   []string
}

// New builds a Fleet from a registry snapshot, starting every device
// as unhealthy until the first health probe succeeds (spec §4.2).
func New(configs []model.DeviceConfig) *Fleet {
	f := &Fleet{
		entries: make(map[string]*Entry, len(configs)),
		order:   make([]string, 0, len(configs)),
	}
	for _, cfg := range configs {
		k := cfg.Key()
		if _, exists := f.entries[k]; exists {
			continue
		}
		f.entries[k] = &Entry{Config: cfg, Runtime: &model.DeviceRuntime{}}
		f.order = append(f.order, k)
	}
	sort.Strings(f.order)
	return f
}

// All returns every entry in stable key order.
func (f *Fleet) All() []*Entry {
	out := make([]*Entry, 0, len(f.order))
	for _, k := range f.order {
		out = append(out, f.entries[k])
	}
	return out
}

// Get returns the entry for key, if present.
func (f *Fleet) Get(key string) (*Entry, bool) {
	e, ok := f.entries[key]
	return e, ok
}

// Eligible returns the entries currently selectable (spec §4.3): healthy
// and outside their circuit-open window.
func (f *Fleet) Eligible(now time.Time) []*Entry {
	out := make([]*Entry, 0, len(f.order))
	for _, k := range f.order {
		e := f.entries[k]
		if e.Runtime.Eligible(now) {
			out = append(out, e)
		}
	}
	return out
}

// DeviceView is the externally visible shape of one device, for GET
// /devices (spec §6).
type DeviceView struct {
	Serial           string     `json:"serial,omitempty"`
	Host             string     `json:"host"`
	Port             int        `json:"port"`
	Model            string     `json:"model,omitempty"`
	Weight           int        `json:"weight"`
	MaxConcurrency   int        `json:"max_concurrency"`
	Healthy          bool       `json:"healthy"`
	Reason           string     `json:"reason,omitempty"`
	Inflight         int        `json:"inflight"`
	DiscoveredModels []string   `json:"discovered_models,omitempty"`
	LastOKAt         *time.Time `json:"last_ok_at,omitempty"`
	LastErrorAt      *time.Time `json:"last_error_at,omitempty"`
	OpenUntil        *time.Time `json:"open_until,omitempty"`
}

// HealthView is the minimal per-device shape for GET /health (spec §6):
// just enough to tell a caller which backends are usable right now.
type HealthView struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Model    string `json:"model,omitempty"`
	Healthy  bool   `json:"healthy"`
	Reason   string `json:"reason,omitempty"`
	Inflight int    `json:"inflight"`
}

// HealthViews renders the /health projection for every device.
func (f *Fleet) HealthViews() []HealthView {
	out := make([]HealthView, 0, len(f.order))
	for _, k := range f.order {
		e := f.entries[k]
		snap := e.Runtime.Snapshot()
		out = append(out, HealthView{
			Host:     e.Config.Host,
			Port:     e.Config.Port,
			Model:    e.Config.DefaultModel,
			Healthy:  snap.Healthy,
			Reason:   snap.Reason,
			Inflight: snap.Inflight,
		})
	}
	return out
}

// Views renders every device for the HTTP surface.
func (f *Fleet) Views() []DeviceView {
	out := make([]DeviceView, 0, len(f.order))
	for _, k := range f.order {
		e := f.entries[k]
		snap := e.Runtime.Snapshot()
		v := DeviceView{
			Serial:           e.Config.Serial,
			Host:             e.Config.Host,
			Port:             e.Config.Port,
			Model:            e.Config.DefaultModel,
			Weight:           e.Config.Weight,
			MaxConcurrency:   e.Config.MaxConcurrency,
			Healthy:          snap.Healthy,
			Reason:           snap.Reason,
			Inflight:         snap.Inflight,
			DiscoveredModels: snap.DiscoveredModels,
			LastOKAt:         snap.LastOKAt,
			LastErrorAt:      snap.LastErrorAt,
		}
		if !snap.OpenUntil.IsZero() {
			ou := snap.OpenUntil
			v.OpenUntil = &ou
		}
		out = append(out, v)
	}
	return out
}
