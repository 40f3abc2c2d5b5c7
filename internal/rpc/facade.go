// Package rpc is the tool-calling facade: a static catalog plus tools/call
// dispatch onto the orchestrator, the direct adapters and the credential store.
package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/credentials"
	"autopilot/internal/dispatch"
)

const (
	MethodToolsList     = "tools/list"
	MethodToolsCall     = "tools/call"
	MethodResourcesList = "resources/list"

	CodeRateLimited = "RATE_LIMITED"
)

type Dispatcher interface {
	Execute(ctx context.Context, userID, prompt string) (dispatch.Outcome, error)
	Invoke(ctx context.Context, userID, tool, actionName string, params map[string]any) (dispatch.Outcome, error)
	Preview(ctx context.Context, prompt string) (action.Request, dispatch.Summary, error)
}

type CredentialLister interface {
	List(ctx context.Context, userID string) ([]credentials.Summary, error)
}

type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response never carries a protocol-level error; failures are success=false.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
	Toolkit string `json:"toolkit,omitempty"`
}

type callParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type Config struct {
	Dispatcher  Dispatcher
	Credentials CredentialLister
	Catalog     Catalog
	Logger      zerolog.Logger
}

type Facade struct {
	dispatcher Dispatcher
	creds      CredentialLister
	catalog    Catalog
	logger     zerolog.Logger
	tools      map[string]toolFunc
}

type toolFunc func(ctx context.Context, userID string, args json.RawMessage) (any, error)

func New(cfg Config) *Facade {
	f := &Facade{
		dispatcher: cfg.Dispatcher,
		creds:      cfg.Credentials,
		catalog:    cfg.Catalog,
		logger:     cfg.Logger.With().Str("component", "rpc").Logger(),
	}
	f.tools = map[string]toolFunc{
		"execute":          f.execute,
		"analyze_prompt":   f.analyzePrompt,
		"list_credentials": f.listCredentials,
	}
	for _, tool := range []string{action.ToolGmail, action.ToolSlack, action.ToolSheets, action.ToolTelegram} {
		f.tools[tool] = f.directTool(tool)
	}
	return f
}

// Handle serves one request for userID, which always overrides any userId in
// the arguments.
func (f *Facade) Handle(ctx context.Context, userID string, req Request) Response {
	switch req.Method {
	case MethodToolsList:
		return Response{Success: true, Data: map[string]any{"tools": f.catalog.Tools}}
	case MethodResourcesList:
		return Response{Success: true, Data: map[string]any{"resources": f.catalog.Resources}}
	case MethodToolsCall:
		return f.call(ctx, userID, req.Params)
	default:
		return Response{Success: false, Error: fmt.Sprintf("Unknown method: %s", req.Method)}
	}
}

func (f *Facade) call(ctx context.Context, userID string, raw json.RawMessage) Response {
	var p callParams
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &p); err != nil {
			return Response{Success: false, Error: fmt.Sprintf("Invalid params: %v", err)}
		}
	}
	tool, ok := f.tools[p.Name]
	if !ok || !f.catalog.Has(p.Name) {
		return Response{Success: false, Error: fmt.Sprintf("Unknown tool: %s", p.Name)}
	}

	data, err := tool(ctx, userID, p.Arguments)
	if err != nil {
		return f.errorResponse(p.Name, err)
	}
	return Response{Success: true, Data: data}
}

func (f *Facade) errorResponse(tool string, err error) Response {
	var authErr *action.AuthRequiredError
	if errors.As(err, &authErr) {
		return Response{Success: false, Error: authErr.Error(), Code: string(action.CodeAuthRequired), Toolkit: authErr.Toolkit}
	}
	var limited *dispatch.RateLimitedError
	if errors.As(err, &limited) {
		return Response{Success: false, Error: limited.Error(), Code: CodeRateLimited}
	}
	f.logger.Warn().Err(err).Str("tool", tool).Msg("tool call failed")
	return Response{Success: false, Error: err.Error()}
}

type promptArgs struct {
	Prompt string `json:"prompt"`
}

func decodeArgs(raw json.RawMessage, out any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("invalid arguments: %w", err)
	}
	return nil
}

func (f *Facade) execute(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
	var args promptArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	out, err := f.dispatcher.Execute(ctx, userID, args.Prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"analysis": out.Analysis,
		"result":   out.Result,
		"message":  dispatch.ChatMessage(out),
	}, nil
}

func (f *Facade) analyzePrompt(ctx context.Context, _ string, raw json.RawMessage) (any, error) {
	var args promptArgs
	if err := decodeArgs(raw, &args); err != nil {
		return nil, err
	}
	if strings.TrimSpace(args.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	req, route, err := f.dispatcher.Preview(ctx, args.Prompt)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"analysis": req,
		"route":    route,
		"message":  fmt.Sprintf("Will use %s to %s", req.Tool, req.Action),
	}, nil
}

type credentialView struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	DisplayName string     `json:"displayName"`
	Connected   bool       `json:"connected"`
	ExpiresAt   *time.Time `json:"expiresAt"`
}

func (f *Facade) listCredentials(ctx context.Context, userID string, _ json.RawMessage) (any, error) {
	list, err := f.creds.List(ctx, userID)
	if err != nil {
		return nil, err
	}
	views := make([]credentialView, 0, len(list))
	for _, c := range list {
		views = append(views, credentialView{
			ID:          c.ID,
			Provider:    c.Provider,
			DisplayName: c.DisplayName,
			Connected:   true,
			ExpiresAt:   c.ExpiresAt,
		})
	}
	return map[string]any{"credentials": views, "total": len(views)}, nil
}

type directArgs struct {
	Action     string         `json:"action"`
	Parameters map[string]any `json:"parameters"`
}

func (f *Facade) directTool(tool string) toolFunc {
	return func(ctx context.Context, userID string, raw json.RawMessage) (any, error) {
		var args directArgs
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Action == "" {
			return action.MissingParameters([]string{"action"}), nil
		}
		out, err := f.dispatcher.Invoke(ctx, userID, tool, args.Action, args.Parameters)
		if err != nil {
			return nil, err
		}
		return out.Result, nil
	}
}
