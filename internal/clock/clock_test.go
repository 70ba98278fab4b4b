package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFakeClockAdvance(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFake(start)
	assert.Equal(t, start, c.Now())

	c.Advance(10 * time.Second)
	assert.Equal(t, start.Add(10*time.Second), c.Now())

	next := start.Add(time.Hour)
	c.Set(next)
	assert.Equal(t, next, c.Now())
}

func TestRealClockMovesForward(t *testing.T) {
	var c Clock = Real{}
	first := c.Now()
	time.Sleep(time.Millisecond)
	second := c.Now()
	assert.True(t, second.After(first))
}
