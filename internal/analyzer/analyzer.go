// Package analyzer turns a free-text prompt into an action.Request with a
// language model and deterministic repair rules.
package analyzer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/llm"
	"autopilot/internal/metrics"
)

const (
	DefaultEmailBody = "This is an automated email."
	Temperature      = 0.2
)

const systemPrompt = `You turn a user's request into one automation call. Extract every value the request mentions.

Tools and actions:

gmail
- send_email: {"to": "recipient address", "subject": "subject line", "body": "plain text body"}
- read_emails: {"maxResults": number, default 10}
- search_emails: {"query": "gmail search query", "maxResults": number}

slack
- send_message: {"channel": "channel name without #", "message": "text"}
- list_channels: {}

sheets
- read_sheet: {"spreadsheetId": "id", "range": "Sheet1!A:Z"}
- append_row: {"spreadsheetId": "id", "values": ["col1", "col2"]}

telegram
- send_message: {"chatId": "chat id", "message": "text"}

Rules:
1. Use only the tools and actions listed above.
2. For email, take to, subject and body from the request. When no body is given, reuse the subject.
3. Parameter names must match the schema exactly.

Reply with a single JSON object:
{"intent": "short description", "tool": "gmail|slack|sheets|telegram", "action": "action name", "parameters": {}, "requiredCredential": "gmail|slack|google_sheets|telegram"}`

// MalformedAnalysisError means the model reply could not be read as an action.
type MalformedAnalysisError struct {
	Raw string
	Err error
}

func (e *MalformedAnalysisError) Error() string {
	return fmt.Sprintf("malformed analysis: %v", e.Err)
}

func (e *MalformedAnalysisError) Unwrap() error {
	return e.Err
}

var ErrEmptyPrompt = errors.New("prompt is empty")

type Config struct {
	Provider  llm.Provider
	Model     string
	MaxTokens int
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
}

type Analyzer struct {
	provider  llm.Provider
	model     string
	maxTokens int
	logger    zerolog.Logger
	metrics   *metrics.Metrics
}

func New(cfg Config) *Analyzer {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}
	return &Analyzer{
		provider:  cfg.Provider,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
		logger:    cfg.Logger.With().Str("component", "analyzer").Logger(),
		metrics:   cfg.Metrics,
	}
}

// Analyze does not retry on malformed output; the provider client owns call retries.
func (a *Analyzer) Analyze(ctx context.Context, prompt string) (action.Request, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return action.Request{}, ErrEmptyPrompt
	}

	a.metrics.Analyses.Inc()
	resp, err := a.provider.Chat(ctx, llm.ChatRequest{
		Model:        a.model,
		SystemPrompt: systemPrompt,
		UserPrompt:   prompt,
		MaxTokens:    a.maxTokens,
		Temperature:  Temperature,
		JSONMode:     true,
	})
	if err != nil {
		a.metrics.AnalysisFailures.Inc()
		return action.Request{}, fmt.Errorf("analyze prompt: %w", err)
	}

	req, err := Parse(prompt, resp.Text)
	if err != nil {
		a.metrics.AnalysisFailures.Inc()
		a.logger.Warn().Err(err).Int("reply_len", len(resp.Text)).Msg("model reply rejected")
		return action.Request{}, err
	}
	a.logger.Debug().Str("tool", req.Tool).Str("action", req.Action).Msg("prompt analyzed")
	return req, nil
}

type reply struct {
	Intent             string          `json:"intent"`
	Tool               string          `json:"tool"`
	Action             string          `json:"action"`
	Parameters         json.RawMessage `json:"parameters"`
	RequiredCredential string          `json:"requiredCredential"`
}

// Parse decodes a model reply and applies the repair rules.
func Parse(prompt, raw string) (action.Request, error) {
	text := stripCodeFence(raw)

	var r reply
	if err := json.Unmarshal([]byte(text), &r); err != nil {
		return action.Request{}, &MalformedAnalysisError{Raw: raw, Err: err}
	}

	tool := strings.ToLower(strings.TrimSpace(r.Tool))
	act := strings.ToLower(strings.TrimSpace(r.Action))
	if tool == "" || act == "" {
		return action.Request{}, &MalformedAnalysisError{Raw: raw, Err: errors.New("reply names no tool or action")}
	}

	params := map[string]any{}
	if len(r.Parameters) > 0 && string(r.Parameters) != "null" {
		if err := json.Unmarshal(r.Parameters, &params); err != nil {
			return action.Request{}, &MalformedAnalysisError{Raw: raw, Err: fmt.Errorf("parameters: %w", err)}
		}
		if params == nil {
			params = map[string]any{}
		}
	}

	if act == "send_email" {
		if strings.TrimSpace(action.String(params, "body")) == "" {
			params["body"] = DefaultEmailBody
			if subject := action.String(params, "subject"); strings.TrimSpace(subject) != "" {
				params["body"] = subject
			}
		}
	}

	return action.Request{
		OriginalPrompt:     prompt,
		Intent:             strings.TrimSpace(r.Intent),
		Tool:               tool,
		Action:             act,
		Parameters:         params,
		RequiredCredential: strings.TrimSpace(r.RequiredCredential),
	}, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimPrefix(s, "json")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
