package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeFixture(t *testing.T, dir string, records []map[string]any) string {
	t.Helper()
	path := filepath.Join(dir, "phones.json")
	data, err := json.Marshal(records)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func TestLoadAndSnapshot(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, []map[string]any{
		{"serial": "p1", "host": "10.0.0.1", "port": float64(11434), "model": "llama3", "weight": float64(2)},
		{"host": "10.0.0.2", "port": float64(11434)},
	})

	reg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	require.Len(t, snap, 2)

	byKey := make(map[string]bool)
	for _, cfg := range snap {
		byKey[cfg.Key()] = true
		if cfg.Key() == "p1" {
			assert.Equal(t, 2, cfg.Weight)
			assert.Equal(t, "llama3", cfg.DefaultModel)
		}
		if cfg.Key() == "10.0.0.2:11434" {
			assert.Equal(t, 1, cfg.Weight, "missing weight defaults to 1")
			assert.Equal(t, 1, cfg.MaxConcurrency, "missing max_concurrency defaults to 1")
		}
	}
	assert.True(t, byKey["p1"])
	assert.True(t, byKey["10.0.0.2:11434"])
}

func TestLoadRejectsNonArray(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "phones.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"not":"an array"}`), 0o644))

	_, err := Load(path, zap.NewNop())
	assert.Error(t, err)
}

func TestLoadMissingFileIsFatal(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"), zap.NewNop())
	assert.Error(t, err)
}

func TestUpdateDynamicOnlyTouchesAllowSet(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, []map[string]any{
		{"serial": "p1", "host": "10.0.0.1", "port": float64(11434)},
	})
	reg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	reg.UpdateDynamic("p1", map[string]any{
		"healthy":  true,
		"inflight": float64(3),
		"host":     "evil.example.com", // not in the allow-set: must be ignored
	})

	fields, ok := reg.GetByKey("p1")
	require.True(t, ok)
	assert.Equal(t, true, fields["healthy"])
	assert.Equal(t, "10.0.0.1", fields["host"], "disallowed field must not be overwritten")
}

func TestUpdateDynamicUnknownKeyIsNoOp(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, []map[string]any{
		{"serial": "p1", "host": "10.0.0.1", "port": float64(11434)},
	})
	reg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	reg.UpdateDynamic("does-not-exist", map[string]any{"healthy": true})

	snap, err := reg.Snapshot()
	require.NoError(t, err)
	assert.Len(t, snap, 1, "updating an unknown key must never create a new record")
}

func TestFlushIfDirtyIsAtomicAndIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeFixture(t, dir, []map[string]any{
		{"serial": "p1", "host": "10.0.0.1", "port": float64(11434)},
	})
	reg, err := Load(path, zap.NewNop())
	require.NoError(t, err)

	assert.NoError(t, reg.FlushIfDirty(), "flushing a clean registry is a no-op")

	reg.UpdateDynamic("p1", map[string]any{"healthy": true})
	require.NoError(t, reg.FlushIfDirty())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var onDisk []map[string]any
	require.NoError(t, json.Unmarshal(data, &onDisk))
	require.Len(t, onDisk, 1)
	assert.Equal(t, true, onDisk[0]["healthy"])

	// no temp files left behind
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}
