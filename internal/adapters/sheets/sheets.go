package sheets

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"

	"autopilot/internal/action"
	"autopilot/internal/adapters"
)

const (
	DefaultBaseURL = "https://sheets.googleapis.com/v4/spreadsheets"
	Provider       = "google_sheets"

	DefaultReadRange   = "Sheet1!A:Z"
	DefaultAppendRange = "Sheet1"
)

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
		logger:  cfg.Logger.With().Str("component", "sheets").Logger(),
	}
}

var _ adapters.Adapter = (*Adapter)(nil)

func (a *Adapter) Tool() string      { return action.ToolSheets }
func (a *Adapter) Provider() string  { return Provider }
func (a *Adapter) Configured() bool  { return a.creds != nil }
func (a *Adapter) Actions() []string { return []string{"read_sheet", "append_row"} }

func (a *Adapter) Execute(ctx context.Context, userID, actionName string, params map[string]any) action.Result {
	token, res, ok := adapters.ResolveToken(ctx, a.creds, userID, Provider,
		adapters.NotConnected("Google Sheets not connected. Please connect Google in the Credentials page."))
	if !ok {
		return res
	}
	client := adapters.BearerClient(ctx, a.client, token)

	switch actionName {
	case "read_sheet":
		return a.readSheet(ctx, client, params)
	case "append_row":
		return a.appendRow(ctx, client, params)
	default:
		return action.UnknownAction(actionName)
	}
}

func (a *Adapter) valuesURL(spreadsheetID, rng string) string {
	return fmt.Sprintf("%s/%s/values/%s", a.baseURL, url.PathEscape(spreadsheetID), url.PathEscape(rng))
}

func (a *Adapter) readSheet(ctx context.Context, client *http.Client, params map[string]any) action.Result {
	if missing := action.Missing(params, "spreadsheetId"); len(missing) > 0 {
		return action.MissingParameters(missing)
	}
	rng := action.String(params, "range")
	if strings.TrimSpace(rng) == "" {
		rng = DefaultReadRange
	}

	var resp struct {
		Range  string  `json:"range"`
		Values [][]any `json:"values"`
		adapters.GoogleError
	}
	status, err := adapters.DoJSON(ctx, client, http.MethodGet, a.valuesURL(action.String(params, "spreadsheetId"), rng), nil, &resp)
	if err != nil {
		return action.Fail(action.CodeExecutionFailed, "%v", err)
	}
	if !adapters.Success(status) {
		return action.Fail(action.CodeExecutionFailed, "%s", resp.MessageOr("Failed to read sheet"))
	}
	values := resp.Values
	if values == nil {
		values = [][]any{}
	}
	return action.OK(fmt.Sprintf("Read %d rows from sheet", len(values)), map[string]any{
		"values": values,
		"range":  resp.Range,
	})
}

func (a *Adapter) appendRow(ctx context.Context, client *http.Client, params map[string]any) action.Result {
	if missing := action.Missing(params, "spreadsheetId", "values"); len(missing) > 0 {
		return action.MissingParameters(missing)
	}
	row, ok := Row(params["values"])
	if !ok {
		return action.Fail(action.CodeMissingParameters, "values must be a list of cell values")
	}
	rng := action.String(params, "range")
	if strings.TrimSpace(rng) == "" {
		rng = DefaultAppendRange
	}

	var resp struct {
		Updates struct {
			UpdatedRange string `json:"updatedRange"`
			UpdatedCells int    `json:"updatedCells"`
		} `json:"updates"`
		adapters.GoogleError
	}
	endpoint := a.valuesURL(action.String(params, "spreadsheetId"), rng) + ":append?valueInputOption=USER_ENTERED"
	status, err := adapters.DoJSON(ctx, client, http.MethodPost, endpoint, map[string]any{"values": [][]any{row}}, &resp)
	if err != nil {
		return action.Fail(action.CodeExecutionFailed, "%v", err)
	}
	if !adapters.Success(status) {
		return action.Fail(action.CodeExecutionFailed, "%s", resp.MessageOr("Failed to append row"))
	}
	return action.OK("Row added successfully", map[string]any{
		"updatedRange": resp.Updates.UpdatedRange,
	})
}

// Row normalizes a values parameter into a single row. A bare scalar becomes a
// one-cell row.
func Row(v any) ([]any, bool) {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil, false
		}
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, len(out) > 0
	case string, float64, bool:
		return []any{t}, true
	default:
		return nil, false
	}
}
