// Package credentials resolves per-user OAuth tokens. Tokens are decrypted only
// when an adapter asks for them.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"autopilot/internal/storage"
)

type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Summary is the token-free view returned to callers.
type Summary struct {
	ID          string     `json:"id"`
	Provider    string     `json:"provider"`
	DisplayName string     `json:"displayName"`
	ExpiresAt   *time.Time `json:"expiresAt"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type NewCredential struct {
	UserID       string
	Provider     string
	DisplayName  string
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
	MetadataJSON string
}

type Repository interface {
	ReplaceCredential(ctx context.Context, c storage.Credential) (storage.Credential, error)
	ListCredentials(ctx context.Context, userID string) ([]storage.Credential, error)
	FirstCredentialByProvider(ctx context.Context, userID, provider string) (storage.Credential, error)
	UpdateCredentialTokens(ctx context.Context, id, encAccessToken string, encRefreshToken *string, expiresAt *time.Time) error
	DeleteCredential(ctx context.Context, userID, id string) error
}

type Cipher interface {
	MarshalEncryptedString(value string) (string, error)
	UnmarshalEncryptedString(raw string) (string, error)
	Stale(raw string) bool
	ReEncrypt(raw string) (string, error)
}

type Config struct {
	Repo       Repository
	Cipher     Cipher
	Refreshers map[string]*oauth2.Config
	HTTPClient *http.Client
	Logger     zerolog.Logger
	Now        func() time.Time
}

type Store struct {
	repo       Repository
	cipher     Cipher
	refreshers map[string]*oauth2.Config
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

func New(cfg Config) *Store {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Store{
		repo:       cfg.Repo,
		cipher:     cfg.Cipher,
		refreshers: cfg.Refreshers,
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger.With().Str("component", "credentials").Logger(),
		now:        cfg.Now,
	}
}

// Get returns nil tokens and a nil error when the user has not connected provider.
func (s *Store) Get(ctx context.Context, userID, provider string) (*Tokens, error) {
	cred, err := s.repo.FirstCredentialByProvider(ctx, userID, provider)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}

	access, err := s.cipher.UnmarshalEncryptedString(cred.EncAccessToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	tokens := &Tokens{AccessToken: access, ExpiresAt: cred.ExpiresAt}
	if cred.EncRefreshToken != nil && *cred.EncRefreshToken != "" {
		refresh, err := s.cipher.UnmarshalEncryptedString(*cred.EncRefreshToken)
		if err != nil {
			return nil, fmt.Errorf("decrypt refresh token: %w", err)
		}
		tokens.RefreshToken = refresh
	}
	s.rotate(ctx, cred)

	if !s.expired(tokens) || tokens.RefreshToken == "" {
		return tokens, nil
	}
	conf, ok := s.refreshers[provider]
	if !ok || conf == nil {
		return tokens, nil
	}

	fresh, err := s.refresh(ctx, cred.ID, conf, tokens)
	if err != nil {
		s.logger.Warn().Err(err).Str("provider", provider).Str("credential_id", cred.ID).Msg("token refresh failed")
		return tokens, nil
	}
	return fresh, nil
}

// rotate moves tokens sealed under a retired key onto the current one. Failures
// are logged and the read still succeeds.
func (s *Store) rotate(ctx context.Context, cred storage.Credential) {
	staleRefresh := cred.EncRefreshToken != nil && s.cipher.Stale(*cred.EncRefreshToken)
	if !s.cipher.Stale(cred.EncAccessToken) && !staleRefresh {
		return
	}
	encAccess, err := s.cipher.ReEncrypt(cred.EncAccessToken)
	if err != nil {
		s.logger.Warn().Err(err).Str("credential_id", cred.ID).Msg("re-encrypt access token failed")
		return
	}
	var encRefresh *string
	if staleRefresh {
		enc, err := s.cipher.ReEncrypt(*cred.EncRefreshToken)
		if err != nil {
			s.logger.Warn().Err(err).Str("credential_id", cred.ID).Msg("re-encrypt refresh token failed")
			return
		}
		encRefresh = &enc
	}
	if err := s.repo.UpdateCredentialTokens(ctx, cred.ID, encAccess, encRefresh, cred.ExpiresAt); err != nil {
		s.logger.Warn().Err(err).Str("credential_id", cred.ID).Msg("persist re-encrypted tokens failed")
		return
	}
	s.logger.Info().Str("credential_id", cred.ID).Msg("credential moved to current key")
}

func (s *Store) expired(t *Tokens) bool {
	return t.ExpiresAt != nil && !s.now().Before(t.ExpiresAt.Add(-30*time.Second))
}

func (s *Store) refresh(ctx context.Context, credentialID string, conf *oauth2.Config, stale *Tokens) (*Tokens, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := conf.TokenSource(ctx, &oauth2.Token{
		RefreshToken: stale.RefreshToken,
		Expiry:       s.now().Add(-time.Minute),
	}).Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	fresh := &Tokens{AccessToken: tok.AccessToken, RefreshToken: stale.RefreshToken}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		fresh.ExpiresAt = &exp
	}

	encAccess, err := s.cipher.MarshalEncryptedString(fresh.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("encrypt access token: %w", err)
	}
	var encRefresh *string
	if tok.RefreshToken != "" && tok.RefreshToken != stale.RefreshToken {
		fresh.RefreshToken = tok.RefreshToken
		enc, err := s.cipher.MarshalEncryptedString(tok.RefreshToken)
		if err != nil {
			return nil, fmt.Errorf("encrypt refresh token: %w", err)
		}
		encRefresh = &enc
	}
	if err := s.repo.UpdateCredentialTokens(ctx, credentialID, encAccess, encRefresh, fresh.ExpiresAt); err != nil {
		return nil, err
	}
	return fresh, nil
}

func (s *Store) List(ctx context.Context, userID string) ([]Summary, error) {
	creds, err := s.repo.ListCredentials(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(creds))
	for _, c := range creds {
		out = append(out, summarize(c))
	}
	return out, nil
}

// Save replaces whatever the user held for the same provider.
func (s *Store) Save(ctx context.Context, nc NewCredential) (Summary, error) {
	if nc.UserID == "" || nc.Provider == "" || nc.AccessToken == "" {
		return Summary{}, errors.New("user, provider and access token are required")
	}
	encAccess, err := s.cipher.MarshalEncryptedString(nc.AccessToken)
	if err != nil {
		return Summary{}, fmt.Errorf("encrypt access token: %w", err)
	}
	row := storage.Credential{
		UserID:         nc.UserID,
		Provider:       nc.Provider,
		DisplayName:    nc.DisplayName,
		EncAccessToken: encAccess,
		ExpiresAt:      nc.ExpiresAt,
		MetadataJSON:   nc.MetadataJSON,
	}
	if nc.RefreshToken != "" {
		encRefresh, err := s.cipher.MarshalEncryptedString(nc.RefreshToken)
		if err != nil {
			return Summary{}, fmt.Errorf("encrypt refresh token: %w", err)
		}
		row.EncRefreshToken = &encRefresh
	}

	saved, err := s.repo.ReplaceCredential(ctx, row)
	if err != nil {
		return Summary{}, err
	}
	s.logger.Info().Str("user_id", nc.UserID).Str("provider", nc.Provider).Msg("credential saved")
	saved.CreatedAt = s.now().UTC()
	return summarize(saved), nil
}

func (s *Store) Delete(ctx context.Context, userID, id string) error {
	return s.repo.DeleteCredential(ctx, userID, id)
}

func summarize(c storage.Credential) Summary {
	return Summary{
		ID:          c.ID,
		Provider:    c.Provider,
		DisplayName: c.DisplayName,
		ExpiresAt:   c.ExpiresAt,
		CreatedAt:   c.CreatedAt,
	}
}
