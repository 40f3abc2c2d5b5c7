// Package oauth runs the direct provider connect flow: authorize redirect,
// code exchange and credential persistence.
package oauth

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"autopilot/internal/credentials"
)

var (
	ErrUnknownProvider = errors.New("unknown oauth provider")
	ErrNotConfigured   = errors.New("oauth client not configured")
	ErrInvalidState    = errors.New("invalid oauth state")
	ErrMissingCode     = errors.New("no authorization code received")
)

// DefaultStateTTL bounds how long a consent link stays usable.
const DefaultStateTTL = 10 * time.Minute

type CredentialSaver interface {
	Save(ctx context.Context, nc credentials.NewCredential) (credentials.Summary, error)
}

type Config struct {
	AppURL             string
	GoogleClientID     string
	GoogleClientSecret string
	SlackClientID      string
	SlackClientSecret  string
	GoogleEndpoint     oauth2.Endpoint
	SlackEndpoint      oauth2.Endpoint
	UserInfoURL        string
	StateSecret        string
	StateTTL           time.Duration
	Saver              CredentialSaver
	HTTPClient         *http.Client
	Logger             zerolog.Logger
	Now                func() time.Time
}

type Service struct {
	configs     map[string]*oauth2.Config
	saver       CredentialSaver
	userInfoURL string
	stateKey    []byte
	stateTTL    time.Duration
	http        *http.Client
	logger      zerolog.Logger
	now         func() time.Time
}

// State travels through the provider round trip.
type State struct {
	Provider string
	UserID   string
	IssuedAt time.Time
}

type stateClaims struct {
	Provider string `json:"provider"`
	jwt.RegisteredClaims
}

type Connected struct {
	Provider    string
	DisplayName string
}

func New(cfg Config) *Service {
	if cfg.GoogleEndpoint.TokenURL == "" {
		cfg.GoogleEndpoint = GoogleEndpoint
	}
	if cfg.SlackEndpoint.TokenURL == "" {
		cfg.SlackEndpoint = SlackEndpoint
	}
	if cfg.UserInfoURL == "" {
		cfg.UserInfoURL = DefaultUserInfoURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	stateKey := []byte(cfg.StateSecret)
	if len(stateKey) == 0 {
		// states then only verify within this process
		stateKey = make([]byte, 32)
		_, _ = rand.Read(stateKey)
	}

	appURL := strings.TrimRight(cfg.AppURL, "/")
	configs := make(map[string]*oauth2.Config, len(providers))
	for name, p := range providers {
		c := &oauth2.Config{
			Scopes:      p.scopes,
			RedirectURL: appURL + "/oauth/" + name + "/callback",
		}
		if p.google {
			c.ClientID, c.ClientSecret, c.Endpoint = cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleEndpoint
		} else {
			c.ClientID, c.ClientSecret, c.Endpoint = cfg.SlackClientID, cfg.SlackClientSecret, cfg.SlackEndpoint
		}
		configs[name] = c
	}

	return &Service{
		configs:     configs,
		saver:       cfg.Saver,
		userInfoURL: cfg.UserInfoURL,
		stateKey:    stateKey,
		stateTTL:    cfg.StateTTL,
		http:        cfg.HTTPClient,
		logger:      cfg.Logger.With().Str("component", "oauth").Logger(),
		now:         cfg.Now,
	}
}

// Refreshers returns the configured clients keyed by credential provider, for
// token refresh.
func (s *Service) Refreshers() map[string]*oauth2.Config {
	out := make(map[string]*oauth2.Config, len(s.configs))
	for name, c := range s.configs {
		if c.ClientID != "" {
			out[name] = c
		}
	}
	return out
}

func (s *Service) config(provider string) (*oauth2.Config, error) {
	c, ok := s.configs[provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, provider)
	}
	if c.ClientID == "" || c.ClientSecret == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotConfigured, provider)
	}
	return c, nil
}

// AuthorizeURL builds the provider consent redirect for userID.
func (s *Service) AuthorizeURL(provider, userID string) (string, error) {
	c, err := s.config(provider)
	if err != nil {
		return "", err
	}
	state, err := s.SignState(State{Provider: provider, UserID: userID, IssuedAt: s.now()})
	if err != nil {
		return "", err
	}
	return c.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.SetAuthURLParam("prompt", "consent")), nil
}

// Callback exchanges code and saves the resulting credential, replacing any
// previous one for the same provider.
func (s *Service) Callback(ctx context.Context, provider, code, rawState string) (Connected, error) {
	c, err := s.config(provider)
	if err != nil {
		return Connected{}, err
	}
	if code == "" {
		return Connected{}, ErrMissingCode
	}
	st, err := s.VerifyState(rawState)
	if err != nil {
		return Connected{}, err
	}
	if st.Provider != provider || st.UserID == "" {
		return Connected{}, ErrInvalidState
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.http)
	tok, err := c.Exchange(ctx, code)
	if err != nil {
		return Connected{}, fmt.Errorf("exchange code: %w", exchangeMessage(err))
	}

	displayName := provider
	if providers[provider].google {
		if name, err := s.googleDisplayName(ctx, tok.AccessToken); err != nil {
			s.logger.Warn().Err(err).Str("provider", provider).Msg("fetch user info failed")
		} else if name != "" {
			displayName = name
		}
	}

	nc := credentials.NewCredential{
		UserID:       st.UserID,
		Provider:     provider,
		DisplayName:  displayName,
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry.UTC()
		nc.ExpiresAt = &exp
	}
	if scope, ok := tok.Extra("scope").(string); ok && scope != "" {
		meta, _ := json.Marshal(map[string]string{"scope": scope})
		nc.MetadataJSON = string(meta)
	}
	if _, err := s.saver.Save(ctx, nc); err != nil {
		return Connected{}, fmt.Errorf("save credential: %w", err)
	}
	return Connected{Provider: provider, DisplayName: displayName}, nil
}

func (s *Service) googleDisplayName(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	resp, err := s.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}
	var info struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", err
	}
	if info.Email != "" {
		return info.Email, nil
	}
	return info.Name, nil
}

// SignState issues an HS256 token carrying the provider and user, valid for
// the configured state TTL.
func (s *Service) SignState(st State) (string, error) {
	claims := stateClaims{
		Provider: st.Provider,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   st.UserID,
			IssuedAt:  jwt.NewNumericDate(st.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(st.IssuedAt.Add(s.stateTTL)),
		},
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.stateKey)
	if err != nil {
		return "", fmt.Errorf("sign state: %w", err)
	}
	return raw, nil
}

// VerifyState rejects states that were not issued by this service or have
// expired.
func (s *Service) VerifyState(raw string) (State, error) {
	var claims stateClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return s.stateKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return State{}, fmt.Errorf("%w: %v", ErrInvalidState, err)
	}
	st := State{Provider: claims.Provider, UserID: claims.Subject}
	if claims.IssuedAt != nil {
		st.IssuedAt = claims.IssuedAt.Time
	}
	return st, nil
}

func exchangeMessage(err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		if re.ErrorDescription != "" {
			return errors.New(re.ErrorDescription)
		}
		if re.ErrorCode != "" {
			return errors.New(re.ErrorCode)
		}
	}
	return err
}
