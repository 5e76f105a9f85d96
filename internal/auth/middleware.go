package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ashfox/meshgate/internal/logger"
)

// Authenticator resolves request headers to a principal. Requests without
// credentials resolve to the anonymous principal; only presented-but-bad
// credentials fail.
type Authenticator struct {
	store *Store
}

func NewAuthenticator(store *Store) *Authenticator {
	return &Authenticator{store: store}
}

// ErrBadCredentials is returned when an Authorization header is present
// but does not validate.
var ErrBadCredentials = errors.New("invalid or expired API key")

// AuthenticateRequest maps headers to a principal.
func (a *Authenticator) AuthenticateRequest(headers http.Header) (*Principal, error) {
	authz := headers.Get("Authorization")
	if authz == "" {
		return AnonymousPrincipal(), nil
	}
	if !strings.HasPrefix(authz, "Bearer ") {
		return nil, ErrBadCredentials
	}

	keyID := strings.TrimPrefix(authz, "Bearer ")
	key, err := a.store.ValidateKey(keyID)
	if err != nil {
		logger.Info("Key validation failed: %v", err)
		return nil, ErrBadCredentials
	}
	return key.Principal(), nil
}

// Middleware attaches the resolved principal to the request context.
// Requests with bad credentials are rejected with 401; requests with no
// credentials continue as anonymous.
func Middleware(authenticator *Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, err := authenticator.AuthenticateRequest(r.Header)
			if err != nil {
				jsonError(w, "Invalid or expired API key", http.StatusUnauthorized)
				return
			}
			if !principal.Anonymous {
				logger.Info("Authenticated key %s (keySpace: %s, account: %s)", maskKey(principal.KeyID), principal.KeySpace, principal.AccountID)
			}

			ctx := WithPrincipal(r.Context(), principal)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func jsonError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"jsonrpc": "2.0",
		"error": map[string]interface{}{
			"code":    -32001,
			"message": message,
		},
		"id": nil,
	})
}

func maskKey(keyID string) string {
	if len(keyID) <= 12 {
		return "***"
	}
	return keyID[:8] + "..." + keyID[len(keyID)-4:]
}
