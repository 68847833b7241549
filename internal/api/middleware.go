package api

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"quotaengine/internal/models"

	"github.com/gorilla/mux"
)

// SecurityContext represents the security information for a request
type SecurityContext struct {
	APIKey      *models.APIKey
	Permissions []string
}

// HasPermission checks if the security context has the required permission.
// A nil context has none.
func (sc *SecurityContext) HasPermission(required string) bool {
	if sc == nil || sc.APIKey == nil {
		return false
	}
	return sc.APIKey.HasPermission(required)
}

// GetSecurityContext extracts security context from request context
func GetSecurityContext(r *http.Request) *SecurityContext {
	if apiKey, ok := r.Context().Value(models.APIKeyContextKey).(*models.APIKey); ok && apiKey != nil {
		return &SecurityContext{
			APIKey:      apiKey,
			Permissions: apiKey.Permissions,
		}
	}
	return nil
}

// RequirePermission creates middleware that enforces a specific permission
func RequirePermission(required string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !GetSecurityContext(r).HasPermission(required) {
				writeMiddlewareError(w, http.StatusForbidden, models.ErrorCodeForbidden,
					"Insufficient permissions for this operation")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Keyring resolves bearer tokens to configured API keys. Tokens are compared
// by SHA-256 digest so the raw keys are not kept in memory.
type Keyring struct {
	keys []hashedKey
}

type hashedKey struct {
	digest [sha256.Size]byte
	key    *models.APIKey
}

// NewKeyring indexes the enabled keys. Disabled keys are dropped.
func NewKeyring(keys []models.APIKey) *Keyring {
	kr := &Keyring{}
	for i := range keys {
		if !keys[i].Enabled || keys[i].Key == "" {
			continue
		}
		key := keys[i]
		kr.keys = append(kr.keys, hashedKey{digest: sha256.Sum256([]byte(key.Key)), key: &key})
	}
	return kr
}

// Lookup returns the key matching token. Every stored digest is compared in
// constant time.
func (kr *Keyring) Lookup(token string) (*models.APIKey, bool) {
	if kr == nil || token == "" {
		return nil, false
	}
	digest := sha256.Sum256([]byte(token))
	var found *models.APIKey
	for _, hk := range kr.keys {
		if subtle.ConstantTimeCompare(digest[:], hk.digest[:]) == 1 {
			found = hk.key
		}
	}
	return found, found != nil
}

// Fingerprint is a short, log-safe identifier of a raw key.
func Fingerprint(rawKey string) string {
	sum := sha256.Sum256([]byte(rawKey))
	return hex.EncodeToString(sum[:4])
}

// bearerToken returns the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}

// authMiddleware rejects requests without a valid API key.
func authMiddleware(keys *Keyring) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				writeMiddlewareError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Authorization required")
				return
			}
			token, ok := bearerToken(r)
			if !ok {
				writeMiddlewareError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid authorization format")
				return
			}
			apiKey, ok := keys.Lookup(token)
			if !ok {
				writeMiddlewareError(w, http.StatusUnauthorized, models.ErrorCodeUnauthorized, "Invalid API key")
				return
			}
			ctx := context.WithValue(r.Context(), models.APIKeyContextKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// OptionalAuth attaches the API key to the request when a valid one is
// presented and lets every request through. The admission limiter and the
// health check read it.
func OptionalAuth(keys *Keyring) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := bearerToken(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			apiKey, ok := keys.Lookup(token)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ctx := context.WithValue(r.Context(), models.APIKeyContextKey, apiKey)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func writeMiddlewareError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(models.NewErrorResponse(message, code))
}

// getClientIP extracts the client IP from the request, checking proxy headers.
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if first, _, _ := strings.Cut(xff, ","); strings.TrimSpace(first) != "" {
			return strings.TrimSpace(first)
		}
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
