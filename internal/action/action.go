// Package action holds the request and result envelopes shared by the analyzer,
// the adapters, the hub client and the dispatcher.
package action

import (
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
	"strings"
)

const (
	ToolGmail    = "gmail"
	ToolSlack    = "slack"
	ToolSheets   = "sheets"
	ToolTelegram = "telegram"
)

// Request is the structured form of a prompt. It is not mutated after analysis.
type Request struct {
	OriginalPrompt     string         `json:"originalPrompt"`
	Intent             string         `json:"intent"`
	Tool               string         `json:"tool"`
	Action             string         `json:"action"`
	Parameters         map[string]any `json:"parameters"`
	RequiredCredential string         `json:"requiredCredential,omitempty"`
}

// Params returns a copy of the parameters that callers may modify.
func (r Request) Params() map[string]any {
	out := make(map[string]any, len(r.Parameters))
	maps.Copy(out, r.Parameters)
	return out
}

type Code string

const (
	CodeNotConnected      Code = "NOT_CONNECTED"
	CodeMissingParameters Code = "MISSING_PARAMETERS"
	CodeUnknownAction     Code = "UNKNOWN_ACTION"
	CodeUnknownTool       Code = "UNKNOWN_TOOL"
	CodeNotConfigured     Code = "NOT_CONFIGURED"
	CodeExecutionFailed   Code = "EXECUTION_FAILED"
	CodeAuthRequired      Code = "AUTH_REQUIRED"
)

// Result is the envelope every adapter returns. Data fields are flattened next to
// success/message/error when encoded.
type Result struct {
	Success bool
	Message string
	Error   string
	Code    Code
	Toolkit string
	Data    map[string]any
}

func OK(message string, data map[string]any) Result {
	return Result{Success: true, Message: message, Data: data}
}

func Fail(code Code, format string, args ...any) Result {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return Result{Success: false, Error: msg, Code: code}
}

// Missing reports the required keys that are absent or blank in params.
func Missing(params map[string]any, keys ...string) []string {
	var missing []string
	for _, k := range keys {
		v, ok := params[k]
		if !ok || v == nil {
			missing = append(missing, k)
			continue
		}
		if s, isStr := v.(string); isStr && strings.TrimSpace(s) == "" {
			missing = append(missing, k)
		}
	}
	return missing
}

func MissingParameters(missing []string) Result {
	return Fail(CodeMissingParameters, "Missing required parameters: %s", strings.Join(missing, ", "))
}

func UnknownAction(name string) Result {
	return Fail(CodeUnknownAction, "Unknown action: %s", name)
}

func (r Result) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(r.Data)+4)
	maps.Copy(out, r.Data)
	out["success"] = r.Success
	if r.Message != "" {
		out["message"] = r.Message
	}
	if r.Error != "" {
		out["error"] = r.Error
	}
	if r.Code != "" {
		out["code"] = r.Code
	}
	if r.Toolkit != "" {
		out["toolkit"] = r.Toolkit
	}
	return json.Marshal(out)
}

// AuthRequiredError tells the caller to send the user through a connect flow.
type AuthRequiredError struct {
	Toolkit string
	Message string
}

func (e *AuthRequiredError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("authorization required for %s", e.Toolkit)
}

// String reads a parameter as text. Numbers are formatted without exponent.
func String(params map[string]any, key string) string {
	switch v := params[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

// Int reads a positive integer parameter, falling back to def.
func Int(params map[string]any, key string, def int) int {
	var n int
	switch v := params[key].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	case json.Number:
		i, err := v.Int64()
		if err != nil {
			return def
		}
		n = int(i)
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return def
		}
		n = i
	default:
		return def
	}
	if n <= 0 {
		return def
	}
	return n
}
