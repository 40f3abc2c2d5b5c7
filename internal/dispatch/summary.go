package dispatch

import (
	"strings"

	"autopilot/internal/action"
)

// Lister is implemented by result payloads that render as bullet lines.
type Lister interface {
	SummaryLines() []string
}

var listSections = []struct {
	key   string
	title string
}{
	{"emails", "Recent Emails"},
	{"channels", "Channels"},
}

// ChatMessage renders an outcome as one markdown message for chat callers.
func ChatMessage(o Outcome) string {
	var b strings.Builder
	res := o.Result

	if !res.Success {
		b.WriteString("❌ **Error:** ")
		b.WriteString(res.Error)
		if res.Code == action.CodeNotConnected {
			b.WriteString("\n\n💡 **Tip:** Go to the Credentials page to connect your ")
			b.WriteString(o.Analysis.Tool)
			b.WriteString(" account.")
		}
		return b.String()
	}

	b.WriteString("✅ **Success!**\n\n")
	b.WriteString("**Action:** " + o.Analysis.Intent + "\n\n")
	b.WriteString("**Tool:** " + o.Analysis.Tool + " → " + o.Analysis.Action + "\n\n")
	if res.Message != "" {
		b.WriteString(res.Message)
	} else {
		b.WriteString("Automation completed successfully.")
	}

	for _, sec := range listSections {
		l, ok := res.Data[sec.key].(Lister)
		if !ok {
			continue
		}
		lines := l.SummaryLines()
		if len(lines) == 0 {
			continue
		}
		b.WriteString("\n\n**" + sec.title + ":**\n")
		for _, line := range lines {
			b.WriteString("- " + line + "\n")
		}
	}
	return b.String()
}
