package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"autopilot/internal/llm"
)

const chatSystemPrompt = "You are Autopilot, an assistant that helps users automate work across Gmail, Slack, Google Sheets, Telegram and other connected services. Answer concisely."

type chatFragment struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Error   string `json:"error,omitempty"`
}

// chatStream relays model fragments as server-sent events, flushing each one
// before the next is requested.
func (s *Server) chatStream(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Messages []llm.Message `json:"messages"`
	}
	if !s.decodeJSON(w, r, &body) {
		return
	}
	req, ok := buildChatRequest(body.Messages)
	if !ok {
		writeError(w, http.StatusBadRequest, "messages must end with a user message")
		return
	}
	req.Model = s.chatModel
	req.MaxTokens = s.chatTokens
	req.Temperature = 0.7

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "Streaming not supported")
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := s.chat.Stream(r.Context(), req, func(fragment string) error {
		if err := writeEvent(w, chatFragment{Type: "text", Content: fragment}); err != nil {
			return err
		}
		flusher.Flush()
		return r.Context().Err()
	})
	if err != nil {
		if r.Context().Err() == nil {
			s.logger.Warn().Err(err).Msg("chat stream failed")
			_ = writeEvent(w, chatFragment{Type: "error", Error: err.Error()})
			flusher.Flush()
		}
		return
	}

	_ = writeEvent(w, chatFragment{Type: "done"})
	_, _ = fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func buildChatRequest(msgs []llm.Message) (llm.ChatRequest, bool) {
	req := llm.ChatRequest{SystemPrompt: chatSystemPrompt}
	var convo []llm.Message
	for _, m := range msgs {
		role := strings.ToLower(m.Role)
		switch role {
		case "system":
			if strings.TrimSpace(m.Content) != "" {
				req.SystemPrompt = m.Content
			}
		case "user", "assistant":
			convo = append(convo, llm.Message{Role: role, Content: m.Content})
		}
	}
	if len(convo) == 0 || convo[len(convo)-1].Role != "user" || strings.TrimSpace(convo[len(convo)-1].Content) == "" {
		return llm.ChatRequest{}, false
	}
	req.UserPrompt = convo[len(convo)-1].Content
	req.History = convo[:len(convo)-1]
	return req, true
}

func writeEvent(w http.ResponseWriter, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
