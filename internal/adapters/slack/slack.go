package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/adapters"
)

const (
	DefaultBaseURL = "https://slack.com/api"
	Provider       = "slack"

	channelPageSize = 20
)

type Channel struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MemberCount int    `json:"memberCount"`
}

type Channels []Channel

func (c Channels) SummaryLines() []string {
	out := make([]string, 0, len(c))
	for _, ch := range c {
		out = append(out, fmt.Sprintf("#%s (%d members)", ch.Name, ch.MemberCount))
	}
	return out
}

type Config struct {
	Credentials adapters.CredentialSource
	BaseURL     string
	HTTPClient  *http.Client
	Logger      zerolog.Logger
}

type Adapter struct {
	creds   adapters.CredentialSource
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
}

func New(cfg Config) *Adapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = adapters.DefaultHTTPClient()
	}
	return &Adapter{
		creds:   cfg.Credentials,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  cfg.HTTPClient,
		logger:  cfg.Logger.With().Str("component", "slack").Logger(),
	}
}

var _ adapters.Adapter = (*Adapter)(nil)

func (a *Adapter) Tool() string      { return action.ToolSlack }
func (a *Adapter) Provider() string  { return Provider }
func (a *Adapter) Configured() bool  { return a.creds != nil }
func (a *Adapter) Actions() []string { return []string{"send_message", "list_channels"} }

func (a *Adapter) Execute(ctx context.Context, userID, actionName string, params map[string]any) action.Result {
	token, res, ok := adapters.ResolveToken(ctx, a.creds, userID, Provider,
		adapters.NotConnected("Slack not connected. Please connect Slack first in the Credentials page."))
	if !ok {
		return res
	}
	client := adapters.BearerClient(ctx, a.client, token)

	switch actionName {
	case "send_message":
		return a.sendMessage(ctx, client, params)
	case "list_channels":
		return a.listChannels(ctx, client)
	default:
		return action.UnknownAction(actionName)
	}
}

// Slack reports most failures as HTTP 200 with ok=false.
type envelope struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

func (e envelope) errorOr(fallback string) string {
	if e.Error != "" {
		return e.Error
	}
	return fallback
}

func (a *Adapter) sendMessage(ctx context.Context, client *http.Client, params map[string]any) action.Result {
	if missing := action.Missing(params, "channel", "message"); len(missing) > 0 {
		return action.MissingParameters(missing)
	}
	channel := action.String(params, "channel")

	var resp struct {
		envelope
		TS      string `json:"ts"`
		Channel string `json:"channel"`
	}
	status, err := adapters.DoJSON(ctx, client, http.MethodPost, a.baseURL+"/chat.postMessage", map[string]string{
		"channel": channel,
		"text":    action.String(params, "message"),
	}, &resp)
	if err != nil {
		return action.Fail(action.CodeExecutionFailed, "%v", err)
	}
	if !adapters.Success(status) || !resp.OK {
		return action.Fail(action.CodeExecutionFailed, "%s", resp.errorOr("Failed to send message"))
	}
	return action.OK("Message sent to #"+channel, map[string]any{
		"ts":      resp.TS,
		"channel": resp.Channel,
	})
}

func (a *Adapter) listChannels(ctx context.Context, client *http.Client) action.Result {
	var resp struct {
		envelope
		Channels []struct {
			ID         string `json:"id"`
			Name       string `json:"name"`
			NumMembers int    `json:"num_members"`
		} `json:"channels"`
	}
	url := fmt.Sprintf("%s/conversations.list?limit=%d", a.baseURL, channelPageSize)
	status, err := adapters.DoJSON(ctx, client, http.MethodGet, url, nil, &resp)
	if err != nil {
		return action.Fail(action.CodeExecutionFailed, "%v", err)
	}
	if !adapters.Success(status) || !resp.OK {
		return action.Fail(action.CodeExecutionFailed, "%s", resp.errorOr("Failed to list channels"))
	}

	n := min(len(resp.Channels), channelPageSize)
	channels := make(Channels, 0, n)
	for _, ch := range resp.Channels[:n] {
		channels = append(channels, Channel{ID: ch.ID, Name: ch.Name, MemberCount: ch.NumMembers})
	}
	return action.OK(fmt.Sprintf("Found %d channels", len(channels)), map[string]any{
		"channels": channels,
	})
}
