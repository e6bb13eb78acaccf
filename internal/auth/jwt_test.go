package auth

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func newTestAuth(t *testing.T, password string) *Auth {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	return New("test-secret", string(hash))
}

func login(t *testing.T, a *Auth, password string) *httptest.ResponseRecorder {
	t.Helper()
	body := strings.NewReader(`{"password":"` + password + `"}`)
	req := httptest.NewRequest("POST", "/api/auth/login", body)
	rec := httptest.NewRecorder()
	a.HandleLogin(rec, req)
	return rec
}

func TestLoginMintsValidToken(t *testing.T) {
	a := newTestAuth(t, "correct horse")

	rec := login(t, a, "correct horse")
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Token == "" {
		t.Fatal("empty token in login response")
	}

	claims, err := a.validateToken(resp.Token)
	if err != nil {
		t.Fatalf("validateToken: %v", err)
	}
	if claims.Role != "admin" {
		t.Errorf("role = %q, want admin", claims.Role)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	a := newTestAuth(t, "correct horse")

	rec := login(t, a, "battery staple")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("login status = %d, want 401", rec.Code)
	}
}

func TestMiddlewareRejectsMissingAndBogusTokens(t *testing.T) {
	a := newTestAuth(t, "pw")
	called := false
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest("DELETE", "/api/files/abc", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", rec.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/files/abc", nil)
	req.Header.Set("Authorization", "Bearer not.a.token")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bogus token status = %d, want 401", rec.Code)
	}

	if called {
		t.Error("handler ran despite failed authentication")
	}
}

func TestMiddlewareAcceptsMintedToken(t *testing.T) {
	a := newTestAuth(t, "pw")

	rec := login(t, a, "pw")
	var resp struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode login response: %v", err)
	}

	called := false
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	req := httptest.NewRequest("DELETE", "/api/files/abc", nil)
	req.Header.Set("Authorization", "Bearer "+resp.Token)
	h.ServeHTTP(httptest.NewRecorder(), req)

	if !called {
		t.Error("handler did not run with a valid token")
	}
}

func TestMiddlewarePassthroughWhenDisabled(t *testing.T) {
	a := New("", "")
	if a.Enabled() {
		t.Fatal("auth with empty secret reports enabled")
	}

	called := false
	h := a.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("DELETE", "/api/files/abc", nil))

	if !called {
		t.Error("disabled auth blocked the request")
	}
}
