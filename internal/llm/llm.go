// Package llm defines the language-model port used by the prompt analyzer and
// the chat stream.
package llm

import (
	"context"
	"errors"
)

var ErrStreamingUnsupported = errors.New("provider does not support streaming")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	History      []Message
	MaxTokens    int
	Temperature  float64
	JSONMode     bool
}

type ChatResponse struct {
	Text string
}

type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (ChatResponse, error)
}

// Streamer emits text fragments in order. emit is called once per fragment and a
// non-nil return stops the stream.
type Streamer interface {
	Stream(ctx context.Context, req ChatRequest, emit func(fragment string) error) error
}
