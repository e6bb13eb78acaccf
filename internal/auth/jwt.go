// Package auth provides optional JWT authentication for mutating
// archive routes. With no secret configured the archive is open.
package auth

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/annales/annales/internal/logging"
	"github.com/annales/annales/internal/metrics"
)

const tokenLifetime = 24 * time.Hour

// Claims holds JWT token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Auth validates the single admin credential and mints bearer tokens.
type Auth struct {
	secret       []byte
	passwordHash []byte
}

// New creates an Auth handler. An empty secret disables authentication.
func New(secret, passwordHash string) *Auth {
	return &Auth{
		secret:       []byte(secret),
		passwordHash: []byte(passwordHash),
	}
}

// Enabled reports whether authentication is configured.
func (a *Auth) Enabled() bool {
	return len(a.secret) > 0
}

// Middleware returns HTTP middleware that validates bearer tokens.
// When authentication is disabled it passes requests through untouched.
func (a *Auth) Middleware(next http.Handler) http.Handler {
	if !a.Enabled() {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenStr := extractToken(r)
		if tokenStr == "" {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "missing authentication token")
			return
		}

		if _, err := a.validateToken(tokenStr); err != nil {
			metrics.RecordAuthAttempt(false)
			sendAuthError(w, http.StatusUnauthorized, "invalid token")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// HandleLogin handles POST /api/auth/login.
func (a *Auth) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Password == "" {
		metrics.RecordAuthAttempt(false)
		sendAuthError(w, http.StatusBadRequest, "password required")
		return
	}

	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(req.Password)); err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Warn("login failed: invalid password")
		sendAuthError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	now := time.Now()
	claims := &Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenLifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "annales",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenStr, err := token.SignedString(a.secret)
	if err != nil {
		metrics.RecordAuthAttempt(false)
		logging.Error("failed to sign token", zap.Error(err))
		sendAuthError(w, http.StatusInternalServerError, "failed to generate token")
		return
	}

	metrics.RecordAuthAttempt(true)
	logging.Info("login successful")

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"token":      tokenStr,
		"expires_at": claims.ExpiresAt.Time,
	})
}

func (a *Auth) validateToken(tokenStr string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return nil, err
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

func extractToken(r *http.Request) string {
	// Bearer token from Authorization header
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	// Query parameter fallback
	return r.URL.Query().Get("token")
}

func sendAuthError(w http.ResponseWriter, code int, message string) {
	kind := "Unauthorized"
	switch code {
	case http.StatusBadRequest:
		kind = "ValidationError"
	case http.StatusInternalServerError:
		kind = "InternalError"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{
		"error":   kind,
		"message": message,
	})
}
