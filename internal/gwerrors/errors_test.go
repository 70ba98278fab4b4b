package gwerrors

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryableDistinguishesKinds(t *testing.T) {
	transient := NewOpError("probe", "health", errors.New("timeout"))
	assert.True(t, IsRetryable(transient))

	cfg := NewConfigError("load", "registry", errors.New("bad file"))
	assert.False(t, IsRetryable(cfg))

	client := NewClientError("bind", "httpapi", "missing prompt")
	assert.False(t, IsRetryable(client))

	assert.False(t, IsRetryable(errors.New("plain error")))
}

func TestOpErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	op := NewOpError("dispatch", "dispatcher", cause)
	assert.ErrorIs(t, op, cause)
}

func TestTimeoutErrorMessage(t *testing.T) {
	err := NewTimeoutError("probe", 5*time.Second, errors.New("context deadline exceeded"))
	assert.Contains(t, err.Error(), "5s")
}
