// Package registry loads and persists the device registry file
// (phones.json): the authoritative, static list of backends plus the
// narrow set of dynamic fields the engine is allowed to write back.
//
// Grounded on the teacher's atomic-rewrite-on-flush pattern (credential
// reload in pkg/server/session_config.go) and the renameio-style
// temp-file+rename dance used elsewhere in the example pack.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/riverton-labs/llm-gateway/internal/gwerrors"
	"github.com/riverton-labs/llm-gateway/internal/model"
)

// dynamicAllowSet is the fixed set of fields update_dynamic may touch
// (spec §4.1 / §6). Anything else is silently ignored.
var dynamicAllowSet = map[string]struct{}{
	"healthy":       {},
	"reason":        {},
	"inflight":      {},
	"models":        {},
	"last_ok_at":    {},
	"last_error_at": {},
	"open_until":    {},
}

// record is one entry as it appears on disk: known config fields plus
// whatever dynamic/unknown fields the file already carried, preserved
// verbatim across a rewrite.
type record map[string]any

func (r record) key() (string, bool) {
	if s, ok := r["serial"].(string); ok && s != "" {
		return s, true
	}
	host, hasHost := r["host"].(string)
	if !hasHost || host == "" {
		return "", false
	}
	port := 11434
	if p, ok := r["port"]; ok {
		switch v := p.(type) {
		case float64:
			port = int(v)
		case int:
			port = v
		}
	}
	return fmt.Sprintf("%s:%d", host, port), true
}

func (r record) toConfig() (model.DeviceConfig, error) {
	host, _ := r["host"].(string)
	if host == "" {
		return model.DeviceConfig{}, fmt.Errorf("registry: device record missing required field %q", "host")
	}
	cfg := model.DeviceConfig{
		Host:           host,
		Port:           intField(r, "port", 11434),
		DefaultModel:   stringField(r, "model"),
		Weight:         intField(r, "weight", 1),
		MaxConcurrency: intField(r, "max_concurrency", 1),
		Serial:         stringField(r, "serial"),
	}
	if cfg.Weight < 1 {
		cfg.Weight = 1
	}
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	return cfg, nil
}

func intField(r record, key string, def int) int {
	v, ok := r[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	default:
		return def
	}
}

func stringField(r record, key string) string {
	s, _ := r[key].(string)
	return s
}

// Registry is the authoritative, static device list plus its mutable
// dynamic fields, backed by a JSON file.
type Registry struct {
	path string
	log  *zap.Logger

	mu      sync.Mutex
	records []record
	index   map[string]int
	dirty   bool
}

// Load reads the registry file at path. An unreadable or non-array
// file is a fatal configuration error (spec §4.1, §7).
func Load(path string, log *zap.Logger) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, gwerrors.NewConfigError("Load", "registry", err)
	}

	var raw []record
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, gwerrors.NewConfigError("Load", "registry",
			fmt.Errorf("phones.json must be a JSON array: %w", err))
	}

	reg := &Registry{path: path, log: log}
	reg.records = raw
	reg.rebuildIndex()
	return reg, nil
}

func (r *Registry) rebuildIndex() {
	r.index = make(map[string]int, len(r.records))
	for i, rec := range r.records {
		k, ok := rec.key()
		if !ok {
			continue
		}
		if _, exists := r.index[k]; !exists {
			r.index[k] = i
		}
	}
}

// Snapshot returns the device configs currently loaded, sorted by key,
// deduplicated by key (first occurrence wins, matching the index).
func (r *Registry) Snapshot() ([]model.DeviceConfig, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.DeviceConfig, 0, len(r.index))
	keys := make([]string, 0, len(r.index))
	for k := range r.index {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		cfg, err := r.records[r.index[k]].toConfig()
		if err != nil {
			return nil, err
		}
		out = append(out, cfg)
	}
	return out, nil
}

// GetByKey returns a copy of every field (static and dynamic) currently
// stored in the record for key, if any.
func (r *Registry) GetByKey(key string) (map[string]any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[key]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(r.records[idx]))
	for k, v := range r.records[idx] {
		out[k] = v
	}
	return out, true
}

// UpdateDynamic merges fields into the record for key, restricted to
// the fixed allow-set; unknown keys are silently ignored and unknown
// keys never create new records (spec §4.1, invariant 8).
func (r *Registry) UpdateDynamic(key string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx, ok := r.index[key]
	if !ok {
		return
	}
	rec := r.records[idx]
	changed := false
	for k, v := range fields {
		if _, allowed := dynamicAllowSet[k]; !allowed {
			continue
		}
		if !reflect.DeepEqual(rec[k], v) {
			rec[k] = v
			changed = true
		}
	}
	if changed {
		r.dirty = true
	}
}

// MarkOK records a successful contact timestamp and clears last_error_at.
func (r *Registry) MarkOK(key string, atISO string) {
	r.UpdateDynamic(key, map[string]any{
		"last_ok_at":    atISO,
		"last_error_at": nil,
	})
}

// MarkError records a failure timestamp.
func (r *Registry) MarkError(key string, atISO string) {
	r.UpdateDynamic(key, map[string]any{
		"last_error_at": atISO,
	})
}

// FlushIfDirty atomically rewrites the registry file if it has pending
// changes. The snapshot and the dirty-flag clear happen under one lock
// acquisition; the actual file write happens outside any lock, using
// temp-file + rename so a crash mid-write never leaves a truncated
// file readable at the real path. A write that fails re-dirties the
// registry so the change isn't lost.
func (r *Registry) FlushIfDirty() error {
	r.mu.Lock()
	if !r.dirty {
		r.mu.Unlock()
		return nil
	}
	data, err := json.MarshalIndent(r.records, "", "  ")
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("registry: marshal: %w", err)
	}
	// Clear dirty in the same lock acquisition that captured this
	// snapshot, so an UpdateDynamic landing during the I/O below
	// re-dirties the registry instead of having its dirty=true
	// silently clobbered by a flush that already ran before it arrived.
	r.dirty = false
	r.mu.Unlock()
	data = append(data, '\n')

	dir := filepath.Dir(r.path)
	tmp, err := os.CreateTemp(dir, "phones.*.json")
	if err != nil {
		r.log.Error("registry flush: create temp file failed", zap.Error(err))
		r.markDirty()
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		r.log.Error("registry flush: write failed", zap.Error(err))
		r.markDirty()
		return err
	}
	if err := tmp.Close(); err != nil {
		r.log.Error("registry flush: close failed", zap.Error(err))
		r.markDirty()
		return err
	}
	if err := os.Rename(tmpPath, r.path); err != nil {
		r.log.Error("registry flush: rename failed", zap.Error(err))
		r.markDirty()
		return err
	}

	return nil
}

// markDirty re-flags the registry after a failed flush, so the change
// that was snapshotted but never durably written is retried next time.
func (r *Registry) markDirty() {
	r.mu.Lock()
	r.dirty = true
	r.mu.Unlock()
}
