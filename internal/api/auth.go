package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrUnauthenticated is returned when a request carries no valid token.
var ErrUnauthenticated = errors.New("authentication required")

// Authenticator resolves an opaque bearer token to a user id.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (string, error)
}

// StaticTokens is an Authenticator backed by a fixed token table.
type StaticTokens map[string]string

// ParseStaticTokens reads "token=user" pairs separated by commas.
func ParseStaticTokens(table string) (StaticTokens, error) {
	out := make(StaticTokens)
	for _, pair := range strings.Split(table, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		token, user, ok := strings.Cut(pair, "=")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return nil, fmt.Errorf("invalid token entry %q", pair)
		}
		out[token] = user
	}
	return out, nil
}

// Authenticate implements Authenticator.
func (t StaticTokens) Authenticate(_ context.Context, token string) (string, error) {
	for known, user := range t {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return user, nil
		}
	}
	return "", ErrUnauthenticated
}

type userKey struct{}

func withUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

func userFrom(ctx context.Context) string {
	id, _ := ctx.Value(userKey{}).(string)
	return id
}

// authMiddleware validates bearer token authentication.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
		}
		if token == "" || s.cfg.Auth == nil {
			s.writeError(w, ErrUnauthenticated)
			return
		}

		userID, err := s.cfg.Auth.Authenticate(r.Context(), token)
		if err != nil || strings.TrimSpace(userID) == "" {
			s.logger.Debug("request unauthorized", "remote", r.RemoteAddr, "path", r.URL.Path, "error", err)
			s.writeError(w, ErrUnauthenticated)
			return
		}

		next.ServeHTTP(w, r.WithContext(withUser(r.Context(), strings.TrimSpace(userID))))
	})
}
