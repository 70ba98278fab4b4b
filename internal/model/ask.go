package model

// AskRequest is a client's chat-completion request.
type AskRequest struct {
	Prompt  string         `json:"prompt" binding:"required"`
	System  string         `json:"system,omitempty"`
	Model   string         `json:"model,omitempty"`
	Options map[string]any `json:"options,omitempty"`
}

// EffectiveModel resolves the model that will actually be requested:
// the request's explicit model, falling back to the device default.
func (a AskRequest) EffectiveModel(deviceDefault string) string {
	if a.Model != "" {
		return a.Model
	}
	return deviceDefault
}

// ChatMessage is one entry in the backend payload's message list.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatPayload is the JSON body forwarded to a backend's /api/chat.
type ChatPayload struct {
	Messages []ChatMessage  `json:"messages"`
	Model    string         `json:"model,omitempty"`
	Options  map[string]any `json:"options,omitempty"`
	Stream   bool           `json:"stream"`
}

// BuildChatPayload assembles the backend payload per spec §4.7: a
// system message iff req.System is set, then the user message, plus the
// verbatim options map and the resolved model.
func BuildChatPayload(req AskRequest, deviceDefaultModel string, stream bool) ChatPayload {
	messages := make([]ChatMessage, 0, 2)
	if req.System != "" {
		messages = append(messages, ChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, ChatMessage{Role: "user", Content: req.Prompt})

	return ChatPayload{
		Messages: messages,
		Model:    req.EffectiveModel(deviceDefaultModel),
		Options:  req.Options,
		Stream:   stream,
	}
}
