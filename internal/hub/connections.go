package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"autopilot/internal/storage"
)

// RemoteConnection is the hub's view of one connection.
type RemoteConnection struct {
	ID           string `json:"id"`
	Platform     string `json:"platform"`
	Status       string `json:"status"`
	AuthConfigID string `json:"authConfigId,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

type Initiation struct {
	ConnectionID string `json:"connectionId"`
	RedirectURL  string `json:"redirectUrl"`
}

// ConnectionFailedError means the hub moved a connection to a terminal
// non-active state.
type ConnectionFailedError struct {
	ID     string
	Status string
}

func (e *ConnectionFailedError) Error() string {
	return fmt.Sprintf("connection %s %s", e.ID, strings.ToLower(e.Status))
}

type PollState int

const (
	PollPending PollState = iota
	PollActive
	PollTerminal
)

type PollResult struct {
	State      PollState
	Status     string
	Connection RemoteConnection
}

func (c *Client) ListConnections(ctx context.Context, userID string) ([]RemoteConnection, error) {
	if !c.Configured() {
		return nil, ErrNotConfigured
	}
	var body struct {
		Connections []RemoteConnection `json:"connections"`
	}
	status, err := c.do(ctx, http.MethodGet, "/connections?userId="+url.QueryEscape(userID), nil, &body)
	if err != nil {
		c.metrics.HubCalls.WithLabelValues("list_connections", "error").Inc()
		return nil, err
	}
	if status < 200 || status > 299 {
		c.metrics.HubCalls.WithLabelValues("list_connections", "failed").Inc()
		return nil, fmt.Errorf("list connections: status %d", status)
	}
	c.metrics.HubCalls.WithLabelValues("list_connections", "ok").Inc()
	return body.Connections, nil
}

// InitiateConnection starts a hosted OAuth flow and records a PENDING row.
func (c *Client) InitiateConnection(ctx context.Context, userID, platform string) (Initiation, error) {
	if !c.Configured() {
		return Initiation{}, ErrNotConfigured
	}
	var body struct {
		ID           string `json:"id"`
		RedirectURL  string `json:"redirectUrl"`
		AuthConfigID string `json:"authConfigId"`
		Message      string `json:"message"`
	}
	status, err := c.do(ctx, http.MethodPost, "/connections", map[string]string{
		"platform":    platform,
		"userId":      userID,
		"callbackUrl": c.callbackURL,
	}, &body)
	if err != nil {
		c.metrics.HubCalls.WithLabelValues("initiate", "error").Inc()
		return Initiation{}, err
	}
	if status < 200 || status > 299 || body.ID == "" {
		c.metrics.HubCalls.WithLabelValues("initiate", "failed").Inc()
		if body.Message != "" {
			return Initiation{}, fmt.Errorf("initiate connection: %s", body.Message)
		}
		return Initiation{}, fmt.Errorf("initiate connection: status %d", status)
	}
	c.metrics.HubCalls.WithLabelValues("initiate", "ok").Inc()

	if c.store != nil {
		err := c.store.UpsertConnection(ctx, storage.Connection{
			UserID:            userID,
			ExternalAccountID: body.ID,
			ToolkitName:       platform,
			AuthConfigID:      body.AuthConfigID,
			Status:            storage.ConnectionPending,
		})
		if err != nil {
			return Initiation{}, fmt.Errorf("record pending connection: %w", err)
		}
	}

	redirect := body.RedirectURL
	if redirect == "" {
		redirect = c.ConnectionLink(platform, userID)
	}
	return Initiation{ConnectionID: body.ID, RedirectURL: redirect}, nil
}

func (c *Client) GetConnection(ctx context.Context, id string) (RemoteConnection, error) {
	if !c.Configured() {
		return RemoteConnection{}, ErrNotConfigured
	}
	var rc RemoteConnection
	status, err := c.do(ctx, http.MethodGet, "/connections/"+url.PathEscape(id), nil, &rc)
	if err != nil {
		return RemoteConnection{}, err
	}
	if status == http.StatusNotFound {
		return RemoteConnection{}, ErrNotFound
	}
	if status < 200 || status > 299 {
		return RemoteConnection{}, fmt.Errorf("get connection: status %d", status)
	}
	if rc.ID == "" {
		rc.ID = id
	}
	return rc, nil
}

// DeleteConnection removes the connection on the hub and the local row. Only
// the user who initiated the connection may delete it.
func (c *Client) DeleteConnection(ctx context.Context, userID, id string) error {
	if !c.Configured() {
		return ErrNotConfigured
	}
	if err := c.checkOwner(ctx, userID, id); err != nil {
		return err
	}
	status, err := c.do(ctx, http.MethodDelete, "/connections/"+url.PathEscape(id), nil, nil)
	if err != nil {
		c.metrics.HubCalls.WithLabelValues("delete", "error").Inc()
		return err
	}
	if status != http.StatusNotFound && (status < 200 || status > 299) {
		c.metrics.HubCalls.WithLabelValues("delete", "failed").Inc()
		return fmt.Errorf("delete connection: status %d", status)
	}
	c.metrics.HubCalls.WithLabelValues("delete", "ok").Inc()

	if c.store != nil {
		if err := c.store.DeleteConnection(ctx, userID, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete local connection: %w", err)
		}
	}
	return nil
}

// PollConnection reads the connection once. A connection the hub does not know
// yet is still pending.
func (c *Client) PollConnection(ctx context.Context, id string) (PollResult, error) {
	rc, err := c.GetConnection(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return PollResult{State: PollPending, Status: storage.ConnectionPending}, nil
	}
	if err != nil {
		return PollResult{}, err
	}

	status := strings.ToUpper(rc.Status)
	res := PollResult{Status: status, Connection: rc}
	switch status {
	case storage.ConnectionActive:
		res.State = PollActive
	case storage.ConnectionFailed, storage.ConnectionExpired:
		res.State = PollTerminal
	default:
		res.State = PollPending
	}
	return res, nil
}

// WaitForConnection polls a connection owned by userID until it is ACTIVE,
// terminal, or timeout elapses. Transient poll errors are logged and retried.
func (c *Client) WaitForConnection(ctx context.Context, userID, id string, timeout time.Duration) (RemoteConnection, error) {
	if err := c.checkOwner(ctx, userID, id); err != nil {
		return RemoteConnection{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		res, err := c.PollConnection(ctx, id)
		switch {
		case err != nil:
			if ctx.Err() == nil {
				c.logger.Warn().Err(err).Str("connection_id", id).Msg("connection poll failed")
			}
		case res.State == PollActive:
			c.setLocalStatus(ctx, id, storage.ConnectionActive)
			return res.Connection, nil
		case res.State == PollTerminal:
			c.setLocalStatus(ctx, id, res.Status)
			return RemoteConnection{}, &ConnectionFailedError{ID: id, Status: res.Status}
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return RemoteConnection{}, ErrConnectionTimeout
			}
			return RemoteConnection{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// HandleConnectionEvent applies a connection.updated webhook payload to the
// local row.
func (c *Client) HandleConnectionEvent(ctx context.Context, data map[string]any) error {
	id, _ := data["connectionId"].(string)
	status, _ := data["status"].(string)
	if id == "" || status == "" {
		return fmt.Errorf("connection event missing connectionId or status")
	}
	status = strings.ToUpper(status)
	switch status {
	case storage.ConnectionPending, storage.ConnectionActive, storage.ConnectionExpired, storage.ConnectionFailed:
	default:
		return fmt.Errorf("connection event has unknown status %q", status)
	}
	if c.store == nil {
		return nil
	}
	err := c.store.UpdateConnectionStatus(ctx, id, status)
	if errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn().Str("connection_id", id).Msg("connection event for unknown connection")
		return nil
	}
	return err
}

// checkOwner reports ErrNotFound unless userID has a local row for id.
func (c *Client) checkOwner(ctx context.Context, userID, id string) error {
	if c.store == nil || userID == "" {
		return ErrNotFound
	}
	_, err := c.store.GetConnection(ctx, userID, id)
	if errors.Is(err, storage.ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load local connection: %w", err)
	}
	return nil
}

func (c *Client) setLocalStatus(ctx context.Context, id, status string) {
	if c.store == nil {
		return
	}
	err := c.store.UpdateConnectionStatus(context.WithoutCancel(ctx), id, status)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		c.logger.Warn().Err(err).Str("connection_id", id).Msg("update local connection status failed")
	}
}

type ConnectionView struct {
	ID          string `json:"id"`
	Platform    string `json:"platform"`
	ToolkitName string `json:"toolkitName"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt,omitempty"`
}

// UserConnections lists the hub's connections for userID, named by the toolkit
// recorded locally when the connection was initiated.
func (c *Client) UserConnections(ctx context.Context, userID string) ([]ConnectionView, error) {
	remote, err := c.ListConnections(ctx, userID)
	if err != nil {
		return nil, err
	}
	names := map[string]string{}
	if c.store != nil {
		local, err := c.store.ListConnections(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("list local connections: %w", err)
		}
		for _, l := range local {
			names[l.ExternalAccountID] = l.ToolkitName
		}
	}

	out := make([]ConnectionView, 0, len(remote))
	for _, rc := range remote {
		name := names[rc.ID]
		if name == "" {
			name = rc.Platform
		}
		out = append(out, ConnectionView{
			ID:          rc.ID,
			Platform:    rc.Platform,
			ToolkitName: name,
			Status:      strings.ToUpper(rc.Status),
			CreatedAt:   rc.CreatedAt,
		})
	}
	return out, nil
}
