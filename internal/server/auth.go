package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	errMissingIdentity = errors.New("missing caller identity")
	errInvalidToken    = errors.New("invalid token")
)

type Identity struct {
	UserID string
	Email  string
}

type identityKey struct{}

type tokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok && id.UserID != ""
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := s.identify(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Unauthorized")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}

// identify reads an HS256 bearer token when a secret is configured. Without
// one, development callers identify themselves with X-User-ID.
func (s *Server) identify(r *http.Request) (Identity, error) {
	if len(s.jwtSecret) > 0 {
		raw := bearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			// authorize links carry the token in the query
			raw = r.URL.Query().Get("token")
		}
		if raw == "" {
			return Identity{}, errMissingIdentity
		}
		var claims tokenClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			return Identity{}, errInvalidToken
		}
		sub, _ := claims.GetSubject()
		if sub == "" {
			return Identity{}, errInvalidToken
		}
		return Identity{UserID: sub, Email: claims.Email}, nil
	}

	if s.production {
		return Identity{}, errMissingIdentity
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		userID = strings.TrimSpace(r.URL.Query().Get("userId"))
	}
	if userID == "" {
		return Identity{}, errMissingIdentity
	}
	return Identity{UserID: userID}, nil
}

func bearerToken(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
