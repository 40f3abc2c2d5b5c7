package oauth

import (
	"html/template"
	"net/http"
)

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html>
<head>
<title>{{if .Success}}Connected!{{else}}Connection failed{{end}}</title>
<style>
body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; display: flex; align-items: center; justify-content: center; height: 100vh; margin: 0; background: #1a1a2e; color: white; }
.container { text-align: center; padding: 40px; border-radius: 16px; border: 1px solid rgba(255,255,255,0.1); }
p { color: rgba(255,255,255,0.7); }
</style>
</head>
<body>
<div class="container">
{{if .Success}}
<h2>Connected!</h2>
<p>{{.DisplayName}} is now connected.</p>
<p>This window will close automatically...</p>
{{else}}
<h2>Connection failed</h2>
<p>{{.Error}}</p>
<button onclick="window.close()">Close</button>
{{end}}
</div>
<script>
if (window.opener) {
  window.opener.postMessage({{.Message}}, "*");
}
{{if .Success}}setTimeout(function () { window.close(); }, 2000);{{end}}
</script>
</body>
</html>
`))

type pageMessage struct {
	Type        string `json:"type"`
	Provider    string `json:"provider"`
	DisplayName string `json:"displayName,omitempty"`
	Error       string `json:"error,omitempty"`
}

type pageData struct {
	Success     bool
	DisplayName string
	Error       string
	Message     pageMessage
}

// RenderSuccess writes the popup page that reports a connected provider to
// the opener window.
func RenderSuccess(w http.ResponseWriter, c Connected) error {
	return render(w, pageData{
		Success:     true,
		DisplayName: c.DisplayName,
		Message:     pageMessage{Type: "oauth_success", Provider: c.Provider, DisplayName: c.DisplayName},
	})
}

func RenderError(w http.ResponseWriter, provider, message string) error {
	return render(w, pageData{
		Error:   message,
		Message: pageMessage{Type: "oauth_error", Provider: provider, Error: message},
	})
}

func render(w http.ResponseWriter, data pageData) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	return resultPage.Execute(w, data)
}
