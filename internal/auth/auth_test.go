package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_CreateAndValidateKey(t *testing.T) {
	store := newTestStore(t)

	key, secret, err := store.CreateKey("ci bot", KeySpaceWorkspace, "acc_1", "ws_team", []string{SystemRoleAdmin}, nil)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if secret != key.ID || len(secret) != len(keyPrefix)+64 {
		t.Fatalf("secret %q does not look like a %s key", secret, keyPrefix)
	}

	got, err := store.ValidateKey(secret)
	if err != nil {
		t.Fatalf("ValidateKey: %v", err)
	}
	if got.AccountID != "acc_1" || got.WorkspaceID != "ws_team" || got.KeySpace != KeySpaceWorkspace {
		t.Errorf("key = %+v, want acc_1/ws_team/workspace", got)
	}

	p := got.Principal()
	if !p.IsSystemAdmin() || p.Anonymous {
		t.Errorf("principal = %+v, want system admin, not anonymous", p)
	}
}

func TestStore_ValidateKeyErrors(t *testing.T) {
	store := newTestStore(t)

	if _, err := store.ValidateKey("nope"); err != ErrInvalidKey {
		t.Errorf("malformed key: err = %v, want ErrInvalidKey", err)
	}
	if _, err := store.ValidateKey(keyPrefix + "0000"); err != ErrKeyNotFound {
		t.Errorf("unknown key: err = %v, want ErrKeyNotFound", err)
	}

	past := time.Now().Add(-time.Hour)
	_, secret, err := store.CreateKey("stale", KeySpaceService, "acc_2", "", nil, &past)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := store.ValidateKey(secret); err != ErrKeyExpired {
		t.Errorf("expired key: err = %v, want ErrKeyExpired", err)
	}
}

func TestStore_RevokeKey(t *testing.T) {
	store := newTestStore(t)

	_, secret, err := store.CreateKey("temp", KeySpaceService, "acc_3", "", nil, nil)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := store.RevokeKey(secret); err != nil {
		t.Fatalf("RevokeKey: %v", err)
	}
	if _, err := store.ValidateKey(secret); err != ErrKeyNotFound {
		t.Errorf("revoked key: err = %v, want ErrKeyNotFound", err)
	}
	if err := store.RevokeKey(secret); err != ErrKeyNotFound {
		t.Errorf("double revoke: err = %v, want ErrKeyNotFound", err)
	}
}

func TestAuthenticateRequest(t *testing.T) {
	store := newTestStore(t)
	authenticator := NewAuthenticator(store)

	_, secret, err := store.CreateKey("agent", KeySpaceWorkspace, "acc_1", "ws_team", nil, nil)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	// No credentials: anonymous, not an error.
	headers := http.Header{}
	p, err := authenticator.AuthenticateRequest(headers)
	if err != nil || !p.Anonymous {
		t.Errorf("no credentials: principal=%+v err=%v, want anonymous", p, err)
	}

	// Valid bearer key.
	headers.Set("Authorization", "Bearer "+secret)
	p, err = authenticator.AuthenticateRequest(headers)
	if err != nil || p.AccountID != "acc_1" {
		t.Errorf("valid key: principal=%+v err=%v", p, err)
	}

	// Presented-but-bad credentials fail.
	headers.Set("Authorization", "Bearer "+keyPrefix+"bad")
	if _, err := authenticator.AuthenticateRequest(headers); err != ErrBadCredentials {
		t.Errorf("bad key: err = %v, want ErrBadCredentials", err)
	}
	headers.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := authenticator.AuthenticateRequest(headers); err != ErrBadCredentials {
		t.Errorf("non-bearer scheme: err = %v, want ErrBadCredentials", err)
	}
}

func TestMiddleware(t *testing.T) {
	store := newTestStore(t)
	authenticator := NewAuthenticator(store)
	_, secret, _ := store.CreateKey("agent", KeySpaceWorkspace, "acc_1", "ws_team", nil, nil)

	var seen *Principal
	handler := Middleware(authenticator)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = PrincipalFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+secret)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen == nil || seen.AccountID != "acc_1" {
		t.Errorf("authorized request: code=%d principal=%+v", rec.Code, seen)
	}

	seen = nil
	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || seen == nil || !seen.Anonymous {
		t.Errorf("anonymous request: code=%d principal=%+v", rec.Code, seen)
	}

	req = httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req.Header.Set("Authorization", "Bearer "+keyPrefix+"bogus")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad key request: code = %d, want 401", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	limiter := NewRateLimiter(1, 2)

	if !limiter.Allow("k1") || !limiter.Allow("k1") {
		t.Fatal("burst requests denied")
	}
	if limiter.Allow("k1") {
		t.Error("request over burst allowed")
	}
	// Other keys are unaffected.
	if !limiter.Allow("k2") {
		t.Error("independent key denied")
	}

	limiter.Cleanup(0)
	if !limiter.Allow("k1") {
		t.Error("key still limited after cleanup")
	}
}

func TestRateLimitMiddleware(t *testing.T) {
	limiter := NewRateLimiter(1, 1)
	handler := RateLimitMiddleware(limiter)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	principal := &Principal{KeyID: "mgk_fixed"}
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	req = req.WithContext(WithPrincipal(req.Context(), principal))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("first request: code = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("second request: code = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", rec.Header().Get("Retry-After"))
	}
}
