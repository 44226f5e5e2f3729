// ABOUTME: HTTP middleware for bearer extraction and API key verification
// ABOUTME: Gates the admin and chat APIs behind bcrypt-hashed keys from config

package auth

import (
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// BearerToken extracts a bearer token from an Authorization header value.
// Returns the token and an error message (empty if successful).
func BearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

// AdminKey verifies presented admin keys against a bcrypt digest kept in
// config, so the plaintext key never lives on disk.
type AdminKey struct {
	hash []byte
}

// NewAdminKey wraps a bcrypt digest. An empty digest disables the admin API.
func NewAdminKey(hash string) *AdminKey {
	return &AdminKey{hash: []byte(hash)}
}

// Enabled reports whether an admin key is configured.
func (k *AdminKey) Enabled() bool {
	return len(k.hash) > 0
}

// Check reports whether the presented key matches the configured digest.
func (k *AdminKey) Check(key string) bool {
	if !k.Enabled() || key == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword(k.hash, []byte(key)) == nil
}

// ClientKeys verifies issued client API keys against bcrypt digests kept in
// config. Unlike the single admin key, any one of the digests may match.
type ClientKeys struct {
	hashes [][]byte
}

// NewClientKeys wraps the configured digests. An empty list means no client
// key check is performed.
func NewClientKeys(hashes []string) *ClientKeys {
	k := &ClientKeys{}
	for _, h := range hashes {
		if h != "" {
			k.hashes = append(k.hashes, []byte(h))
		}
	}
	return k
}

// Enabled reports whether any client keys are configured.
func (k *ClientKeys) Enabled() bool {
	return len(k.hashes) > 0
}

// Check reports whether the presented key matches any configured digest.
func (k *ClientKeys) Check(key string) bool {
	if key == "" {
		return false
	}
	for _, h := range k.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return true
		}
	}
	return false
}

// HashKey produces a bcrypt digest for storing in config.
func HashKey(key string) (string, error) {
	digest, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(digest), nil
}

// RequireAdminKey creates an HTTP middleware that requires a valid admin key
// as a bearer token. With no key configured every request is refused.
func RequireAdminKey(key *AdminKey) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !key.Enabled() {
				http.Error(w, `{"error":"admin api disabled"}`, http.StatusForbidden)
				return
			}
			token, errMsg := BearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				http.Error(w, `{"error":"`+errMsg+`"}`, http.StatusUnauthorized)
				return
			}
			if !key.Check(token) {
				http.Error(w, `{"error":"invalid admin key"}`, http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
