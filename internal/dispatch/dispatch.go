// Package dispatch turns a prompt into an executed action: analysis, route
// selection between direct adapters and the integration hub, invocation and
// bookkeeping.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/config"
	"autopilot/internal/hub"
	"autopilot/internal/metrics"
	"autopilot/internal/storage"
)

const (
	StrategyDirect = "direct"
	StrategyHub    = "hub"
)

type Analyzer interface {
	Analyze(ctx context.Context, prompt string) (action.Request, error)
}

type HubExecutor interface {
	Configured() bool
	ExecuteAction(ctx context.Context, req hub.ExecuteRequest, userID string) action.Result
}

type ExecutionRecorder interface {
	RecordExecution(ctx context.Context, e storage.Execution) error
}

type Limiter interface {
	Allow(ctx context.Context, userID string, now time.Time) (bool, int64, time.Time, error)
}

// RateLimitedError is returned before any work is done for a user over quota.
type RateLimitedError struct {
	Used    int64
	ResetAt time.Time
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded, resets at %s", e.ResetAt.Format(time.RFC3339))
}

type Summary struct {
	Intent      string `json:"intent"`
	Tool        string `json:"tool"`
	Action      string `json:"action"`
	Strategy    string `json:"strategy"`
	HubPlatform string `json:"hubPlatform,omitempty"`
	HubAction   string `json:"hubAction,omitempty"`
}

type Outcome struct {
	Analysis Summary       `json:"analysis"`
	Result   action.Result `json:"result"`
}

type Config struct {
	Analyzer   Analyzer
	Table      *Table
	Hub        HubExecutor
	Strategy   string
	Executions ExecutionRecorder
	Limiter    Limiter
	Logger     zerolog.Logger
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

type Dispatcher struct {
	analyzer   Analyzer
	table      *Table
	hub        HubExecutor
	hubOnly    bool
	executions ExecutionRecorder
	limiter    Limiter
	logger     zerolog.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
}

func New(cfg Config) *Dispatcher {
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Global()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{
		analyzer:   cfg.Analyzer,
		table:      cfg.Table,
		hub:        cfg.Hub,
		hubOnly:    cfg.Strategy == config.DispatchHubOnly,
		executions: cfg.Executions,
		limiter:    cfg.Limiter,
		logger:     cfg.Logger.With().Str("component", "dispatch").Logger(),
		metrics:    cfg.Metrics,
		now:        cfg.Now,
	}
}

// Execute analyzes prompt and runs the resulting action. Analysis failures are
// returned as errors. An AUTH_REQUIRED result is returned together with an
// *action.AuthRequiredError.
func (d *Dispatcher) Execute(ctx context.Context, userID, prompt string) (Outcome, error) {
	if err := d.allow(ctx, userID); err != nil {
		return Outcome{}, err
	}
	req, err := d.analyzer.Analyze(ctx, prompt)
	if err != nil {
		return Outcome{}, err
	}
	return d.run(ctx, userID, req)
}

// Invoke runs a known tool action without analysis.
func (d *Dispatcher) Invoke(ctx context.Context, userID, tool, actionName string, params map[string]any) (Outcome, error) {
	if err := d.allow(ctx, userID); err != nil {
		return Outcome{}, err
	}
	if params == nil {
		params = map[string]any{}
	}
	tool = strings.ToLower(strings.TrimSpace(tool))
	actionName = strings.ToLower(strings.TrimSpace(actionName))
	return d.run(ctx, userID, action.Request{
		Intent:     fmt.Sprintf("%s %s", tool, actionName),
		Tool:       tool,
		Action:     actionName,
		Parameters: params,
	})
}

// Preview analyzes prompt and reports the route it would take, without running it.
func (d *Dispatcher) Preview(ctx context.Context, prompt string) (action.Request, Summary, error) {
	req, err := d.analyzer.Analyze(ctx, prompt)
	if err != nil {
		return action.Request{}, Summary{}, err
	}
	s, _ := d.plan(req)
	return req, s, nil
}

func (d *Dispatcher) run(ctx context.Context, userID string, req action.Request) (Outcome, error) {
	summary, res := d.route(ctx, userID, req)
	out := Outcome{Analysis: summary, Result: res}

	outcome := "ok"
	if !res.Success {
		outcome = strings.ToLower(string(res.Code))
		if outcome == "" {
			outcome = "failed"
		}
	}
	strategy := summary.Strategy
	if strategy == "" {
		strategy = "none"
	}
	d.metrics.Dispatches.WithLabelValues(summary.Tool, strategy, outcome).Inc()
	d.record(ctx, userID, req, summary, res)

	d.logger.Info().
		Str("user_id", userID).
		Str("tool", summary.Tool).
		Str("action", summary.Action).
		Str("strategy", strategy).
		Bool("success", res.Success).
		Str("code", string(res.Code)).
		Msg("action dispatched")

	if res.Code == action.CodeAuthRequired {
		toolkit := res.Toolkit
		if toolkit == "" {
			toolkit = summary.Tool
		}
		return out, &action.AuthRequiredError{Toolkit: toolkit, Message: res.Error}
	}
	return out, nil
}

type route int

const (
	routeNone route = iota
	routeDirect
	routeHub
)

func (d *Dispatcher) plan(req action.Request) (Summary, route) {
	s := Summary{Intent: req.Intent, Tool: req.Tool, Action: req.Action}

	if !d.hubOnly {
		if a, ok := d.table.Lookup(req.Tool); ok && (a.Configured() || d.hub == nil || !d.hub.Configured()) {
			s.Strategy = StrategyDirect
			return s, routeDirect
		}
	}
	if d.hub != nil && (d.hubOnly || d.hub.Configured()) {
		s.Strategy = StrategyHub
		s.HubPlatform = hub.Platform(req.Tool)
		s.HubAction = hub.ActionName(req.Tool, req.Action)
		return s, routeHub
	}
	return s, routeNone
}

func (d *Dispatcher) route(ctx context.Context, userID string, req action.Request) (Summary, action.Result) {
	s, r := d.plan(req)
	switch r {
	case routeDirect:
		a, _ := d.table.Lookup(req.Tool)
		return s, d.safeExecute(ctx, s, func() action.Result {
			return a.Execute(ctx, userID, req.Action, req.Params())
		})
	case routeHub:
		return s, d.safeExecute(ctx, s, func() action.Result {
			return d.hub.ExecuteAction(ctx, hub.ExecuteRequest{
				Platform: s.HubPlatform,
				Action:   s.HubAction,
				Params:   hub.Input(req.Tool, req.Action, req.Parameters),
			}, userID)
		})
	default:
		return s, action.Fail(action.CodeUnknownTool, "Unknown tool: %s. Available tools: %s", req.Tool, strings.Join(d.table.Tools(), ", "))
	}
}

func (d *Dispatcher) safeExecute(ctx context.Context, s Summary, fn func() action.Result) (res action.Result) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().Interface("panic", rec).Str("tool", s.Tool).Str("action", s.Action).Msg("adapter panicked")
			res = action.Fail(action.CodeExecutionFailed, "%v", rec)
		}
	}()
	if err := ctx.Err(); err != nil {
		return action.Fail(action.CodeExecutionFailed, "%v", err)
	}
	return fn()
}

func (d *Dispatcher) allow(ctx context.Context, userID string) error {
	if d.limiter == nil {
		return nil
	}
	ok, used, resetAt, err := d.limiter.Allow(ctx, userID, d.now())
	if err != nil {
		d.logger.Warn().Err(err).Str("user_id", userID).Msg("rate limit check failed, allowing")
		return nil
	}
	if !ok {
		return &RateLimitedError{Used: used, ResetAt: resetAt}
	}
	return nil
}

func (d *Dispatcher) record(ctx context.Context, userID string, req action.Request, s Summary, res action.Result) {
	if d.executions == nil {
		return
	}
	err := d.executions.RecordExecution(context.WithoutCancel(ctx), storage.Execution{
		UserID:   userID,
		Prompt:   req.OriginalPrompt,
		Tool:     s.Tool,
		Action:   s.Action,
		Strategy: s.Strategy,
		Success:  res.Success,
		Error:    res.Error,
		Code:     string(res.Code),
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Warn().Err(err).Msg("record execution failed")
	}
}
