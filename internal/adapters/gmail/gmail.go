package gmail

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"net/http"
	"net/mail"
	"net/url"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"autopilot/internal/action"
	"autopilot/internal/adapters"
)

const (
	DefaultBaseURL = "https://gmail.googleapis.com/gmail/v1/users/me"
	Provider       = "gmail"

	defaultMaxResults = 10
	// enrichLimit bounds the metadata follow-up calls made by read_emails.
	enrichLimit = 5
)

type Email struct {
	ID      string `json:"id"`
	From    string `json:"from"`
	Subject string `json:"subject"`
	Date    string `json:"date"`
}

type Emails []Email

func (e Emails) SummaryLines() []string {
	out := make([]string, 0, len(e))
	for _, m := range e {
		out = append(out, fmt.Sprintf("%s (from %s)", m.Subject, m.From))
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
		logger:  cfg.Logger.With().Str("component", "gmail").Logger(),
	}
}

var _ adapters.Adapter = (*Adapter)(nil)

func (a *Adapter) Tool() string      { return action.ToolGmail }
func (a *Adapter) Provider() string  { return Provider }
func (a *Adapter) Configured() bool  { return a.creds != nil }
func (a *Adapter) Actions() []string { return []string{"send_email", "read_emails", "search_emails"} }

func (a *Adapter) Execute(ctx context.Context, userID, actionName string, params map[string]any) action.Result {
	token, res, ok := adapters.ResolveToken(ctx, a.creds, userID, Provider,
		adapters.NotConnected("Gmail not connected. Please connect Gmail first in the Credentials page."))
	if !ok {
		return res
	}
	client := adapters.BearerClient(ctx, a.client, token)

	switch actionName {
	case "send_email":
		return a.sendEmail(ctx, client, params)
	case "read_emails":
		return a.readEmails(ctx, client, params)
	case "search_emails":
		return a.searchEmails(ctx, client, params)
	default:
		return action.UnknownAction(actionName)
	}
}

func (a *Adapter) sendEmail(ctx context.Context, client *http.Client, params map[string]any) action.Result {
	if missing := action.Missing(params, "to", "subject", "body"); len(missing) > 0 {
		return action.MissingParameters(missing)
	}
	to := strings.TrimSpace(action.String(params, "to"))
	if err := validRecipients(to); err != nil {
		return action.Fail(action.CodeExecutionFailed, "Invalid recipient %q: %v", to, err)
	}
	raw := buildMessage(to, action.String(params, "subject"), action.String(params, "body"))

	var resp struct {
		ID       string `json:"id"`
		ThreadID string `json:"threadId"`
		adapters.GoogleError
	}
	status, err := adapters.DoJSON(ctx, client, http.MethodPost, a.baseURL+"/messages/send", map[string]string{"raw": raw}, &resp)
	if err != nil {
		return action.Fail(action.CodeExecutionFailed, "%v", err)
	}
	if !adapters.Success(status) {
		return action.Fail(action.CodeExecutionFailed, "%s", resp.MessageOr("Failed to send email"))
	}
	a.logger.Info().Str("message_id", resp.ID).Msg("email sent")
	return action.OK("Email sent successfully to "+to, map[string]any{
		"messageId": resp.ID,
		"threadId":  resp.ThreadID,
	})
}

// validRecipients rejects anything that is not an RFC 5322 address list,
// including values that would start a new header line.
func validRecipients(to string) error {
	if strings.ContainsAny(to, "\r\n") {
		return fmt.Errorf("line breaks are not allowed")
	}
	_, err := mail.ParseAddressList(to)
	return err
}

// buildMessage renders an RFC 2822 message and encodes it as unpadded base64url.
func buildMessage(to, subject, body string) string {
	var b strings.Builder
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + mime.QEncoding.Encode("utf-8", subject) + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.RawURLEncoding.EncodeToString([]byte(b.String()))
}

type messageList struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	ResultSizeEstimate int `json:"resultSizeEstimate"`
	adapters.GoogleError
}

func (a *Adapter) listMessages(ctx context.Context, client *http.Client, query string, max int) (messageList, action.Result, bool) {
	q := url.Values{}
	q.Set("maxResults", strconv.Itoa(max))
	if query != "" {
		q.Set("q", query)
	}
	var list messageList
	status, err := adapters.DoJSON(ctx, client, http.MethodGet, a.baseURL+"/messages?"+q.Encode(), nil, &list)
	if err != nil {
		return list, action.Fail(action.CodeExecutionFailed, "%v", err), false
	}
	if !adapters.Success(status) {
		return list, action.Fail(action.CodeExecutionFailed, "%s", list.MessageOr("Failed to read emails")), false
	}
	return list, action.Result{}, true
}

func (a *Adapter) readEmails(ctx context.Context, client *http.Client, params map[string]any) action.Result {
	list, res, ok := a.listMessages(ctx, client, "", action.Int(params, "maxResults", defaultMaxResults))
	if !ok {
		return res
	}

	n := min(len(list.Messages), enrichLimit)
	emails := make(Emails, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		i := i
		id := list.Messages[i].ID
		g.Go(func() error {
			email, err := a.fetchMetadata(gctx, client, id)
			if err != nil {
				return err
			}
			emails[i] = email
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return action.Fail(action.CodeExecutionFailed, "%v", err)
	}

	return action.OK(fmt.Sprintf("Found %d emails", len(list.Messages)), map[string]any{
		"emails": emails,
		"total":  len(list.Messages),
	})
}

func (a *Adapter) fetchMetadata(ctx context.Context, client *http.Client, id string) (Email, error) {
	q := url.Values{}
	q.Set("format", "metadata")
	for _, h := range []string{"From", "Subject", "Date"} {
		q.Add("metadataHeaders", h)
	}
	var msg struct {
		ID      string `json:"id"`
		Payload struct {
			Headers []struct {
				Name  string `json:"name"`
				Value string `json:"value"`
			} `json:"headers"`
		} `json:"payload"`
	}
	status, err := adapters.DoJSON(ctx, client, http.MethodGet, a.baseURL+"/messages/"+url.PathEscape(id)+"?"+q.Encode(), nil, &msg)
	if err != nil {
		return Email{}, fmt.Errorf("fetch message %s: %w", id, err)
	}
	email := Email{ID: id}
	if !adapters.Success(status) {
		a.logger.Warn().Int("status", status).Str("message_id", id).Msg("message metadata unavailable")
		return email, nil
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			email.From = h.Value
		case "subject":
			email.Subject = h.Value
		case "date":
			email.Date = h.Value
		}
	}
	return email, nil
}

func (a *Adapter) searchEmails(ctx context.Context, client *http.Client, params map[string]any) action.Result {
	query := action.String(params, "query")
	list, res, ok := a.listMessages(ctx, client, query, action.Int(params, "maxResults", defaultMaxResults))
	if !ok {
		return res
	}
	return action.OK(fmt.Sprintf("Found %d emails matching %q", len(list.Messages), query), map[string]any{
		"count": len(list.Messages),
	})
}
