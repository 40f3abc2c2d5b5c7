package hub

import (
	"net/url"
	"strings"

	"autopilot/internal/action"
)

var platformMap = map[string]string{
	"gmail":    "gmail",
	"slack":    "slack",
	"sheets":   "google-sheets",
	"drive":    "google-drive",
	"telegram": "telegram",
	"notion":   "notion",
	"discord":  "discord",
}

var actionMap = map[string]map[string]string{
	"gmail": {
		"send_email":    "send-email",
		"read_emails":   "list-messages",
		"search_emails": "search-messages",
	},
	"slack": {
		"send_message":  "post-message",
		"list_channels": "list-conversations",
	},
	"sheets": {
		"read_sheet": "get-values",
		"append_row": "append-values",
	},
	"telegram": {
		"send_message": "send-message",
	},
}

var platforms = []string{
	"gmail",
	"slack",
	"google-sheets",
	"google-drive",
	"notion",
	"telegram",
	"discord",
	"twitter",
	"linkedin",
	"hubspot",
	"salesforce",
}

// Platform maps a tool name to the hub's platform id. Unmapped names pass through.
func Platform(tool string) string {
	if p, ok := platformMap[tool]; ok {
		return p
	}
	return tool
}

// ActionName maps a tool action to the hub's action id. Unmapped pairs pass through.
func ActionName(tool, act string) string {
	if p, ok := actionMap[tool][act]; ok {
		return p
	}
	return act
}

func ActionKey(platform, act string) string {
	return platform + "::" + act
}

// Platforms lists the platforms the hub can connect.
func Platforms() []string {
	out := make([]string, len(platforms))
	copy(out, platforms)
	return out
}

// Input adapts canonical parameters to the hub's input shape. Sheets rows are
// sent as a one-row matrix.
func Input(tool, act string, params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	if tool == action.ToolSheets && act == "append_row" {
		if row, ok := out["values"].([]any); ok && !isMatrix(row) {
			out["values"] = [][]any{row}
		}
		if strings.TrimSpace(action.String(out, "range")) == "" {
			out["range"] = "Sheet1"
		}
	}
	return out
}

func isMatrix(row []any) bool {
	if len(row) == 0 {
		return false
	}
	_, ok := row[0].([]any)
	return ok
}

// ConnectionLink is the hosted page where a user connects platform.
func (c *Client) ConnectionLink(platform, userID string) string {
	q := url.Values{}
	q.Set("userId", userID)
	q.Set("redirectUrl", c.frontendURL+"/credentials")
	return c.connectURL + "/" + url.PathEscape(platform) + "?" + q.Encode()
}
