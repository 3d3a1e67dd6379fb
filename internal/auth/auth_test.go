package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestTokens(t *testing.T) *Tokens {
	t.Helper()
	tok, err := NewTokens("0123456789abcdef-test", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return tok
}

func TestIssueVerify(t *testing.T) {
	tokens := newTestTokens(t)
	raw, err := tokens.Issue("u1")
	if err != nil {
		t.Fatal(err)
	}
	if id, err := tokens.Verify(raw); err != nil || id != "u1" {
		t.Errorf("verify = %q, %v", id, err)
	}
}

func TestVerifyRejects(t *testing.T) {
	tokens := newTestTokens(t)
	good, _ := tokens.Issue("u1")

	other, _ := NewTokens("another-secret-of-length", time.Hour)
	forged, _ := other.Issue("u1")

	expired := newTestTokens(t)
	expired.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	stale, _ := expired.Issue("u1")

	noSubject := newTestTokens(t)
	anon, _ := noSubject.Issue("")

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"truncated", good[:len(good)-4]},
		{"wrong secret", forged},
		{"expired", stale},
		{"no subject", anon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tokens.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestShortSecret(t *testing.T) {
	if _, err := NewTokens("short", time.Hour); err == nil {
		t.Error("short secret accepted")
	}
}

func TestMiddleware(t *testing.T) {
	tokens := newTestTokens(t)
	good, _ := tokens.Issue("u1")

	var seen string
	h := tokens.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = UserID(r.Context())
	}))

	tests := []struct {
		name       string
		header     string
		wantStatus int
		wantUser   string
	}{
		{"valid", "Bearer " + good, http.StatusOK, "u1"},
		{"missing", "", http.StatusUnauthorized, ""},
		{"wrong scheme", "Basic " + good, http.StatusUnauthorized, ""},
		{"bad token", "Bearer nope", http.StatusUnauthorized, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = ""
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tt.wantStatus || seen != tt.wantUser {
				t.Errorf("status=%d user=%q, want %d %q", rec.Code, seen, tt.wantStatus, tt.wantUser)
			}
		})
	}
}
