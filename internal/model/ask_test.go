package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEffectiveModel(t *testing.T) {
	req := AskRequest{Prompt: "hi"}
	assert.Equal(t, "llama3", req.EffectiveModel("llama3"))

	req.Model = "mistral"
	assert.Equal(t, "mistral", req.EffectiveModel("llama3"))
}

func TestBuildChatPayloadWithSystem(t *testing.T) {
	req := AskRequest{Prompt: "hello", System: "be terse"}
	payload := BuildChatPayload(req, "llama3", false)

	assert.Len(t, payload.Messages, 2)
	assert.Equal(t, "system", payload.Messages[0].Role)
	assert.Equal(t, "be terse", payload.Messages[0].Content)
	assert.Equal(t, "user", payload.Messages[1].Role)
	assert.Equal(t, "hello", payload.Messages[1].Content)
	assert.Equal(t, "llama3", payload.Model)
	assert.False(t, payload.Stream)
}

func TestBuildChatPayloadWithoutSystem(t *testing.T) {
	req := AskRequest{Prompt: "hello"}
	payload := BuildChatPayload(req, "llama3", true)

	assert.Len(t, payload.Messages, 1)
	assert.Equal(t, "user", payload.Messages[0].Role)
	assert.True(t, payload.Stream)
}
