package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintStableRegardlessOfOptionOrder(t *testing.T) {
	a := Fingerprint("hi", "", "llama3", map[string]any{"temperature": 0.2, "top_p": 0.9})
	b := Fingerprint("hi", "", "llama3", map[string]any{"top_p": 0.9, "temperature": 0.2})
	assert.Equal(t, a, b)
}

func TestFingerprintDiffersOnModel(t *testing.T) {
	a := Fingerprint("hi", "", "llama3", nil)
	b := Fingerprint("hi", "", "mistral", nil)
	assert.NotEqual(t, a, b)
}

func TestFingerprintDiffersOnSystem(t *testing.T) {
	a := Fingerprint("hi", "be terse", "llama3", nil)
	b := Fingerprint("hi", "", "llama3", nil)
	assert.NotEqual(t, a, b)
}

func TestResponseCacheGetSet(t *testing.T) {
	c, err := New(2)
	require.NoError(t, err)

	key := Fingerprint("hi", "", "llama3", nil)
	_, ok := c.Get(key)
	assert.False(t, ok)

	c.Set(key, []byte(`{"ok":true}`))
	entry, ok := c.Get(key)
	require.True(t, ok)
	assert.Equal(t, `{"ok":true}`, string(entry.Body))
}

func TestResponseCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c, err := New(1)
	require.NoError(t, err)

	k1 := Fingerprint("one", "", "llama3", nil)
	k2 := Fingerprint("two", "", "llama3", nil)

	c.Set(k1, []byte("a"))
	c.Set(k2, []byte("b")) // evicts k1 since capacity is 1

	_, ok := c.Get(k1)
	assert.False(t, ok)
	_, ok = c.Get(k2)
	assert.True(t, ok)
}
