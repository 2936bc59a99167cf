package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/crypto/bcrypt"

	"secops-toolkit/internal/api"
	"secops-toolkit/internal/config"
)

// HashAPIKey returns the bcrypt hash stored in auth.api_key_hashes.
func HashAPIKey(key string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// keyVerifier checks keys against plaintext keys and bcrypt hashes. Keys that
// matched a hash are remembered by digest so bcrypt runs once per key.
type keyVerifier struct {
	plain    [][]byte
	hashes   [][]byte
	verified sync.Map // [32]byte -> struct{}
}

func newKeyVerifier(cfg config.AuthConfig) *keyVerifier {
	v := &keyVerifier{}
	for _, k := range cfg.APIKeys {
		v.plain = append(v.plain, []byte(k))
	}
	for _, h := range cfg.APIKeyHashes {
		v.hashes = append(v.hashes, []byte(h))
	}
	return v
}

func (v *keyVerifier) valid(key string) bool {
	for _, p := range v.plain {
		if subtle.ConstantTimeCompare(p, []byte(key)) == 1 {
			return true
		}
	}

	digest := sha256.Sum256([]byte(key))
	if _, ok := v.verified.Load(digest); ok {
		return true
	}
	for _, h := range v.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			v.verified.Store(digest, struct{}{})
			return true
		}
	}
	return false
}

// APIKeyAuth rejects requests without a valid key in cfg.APIKeyHeader.
// Exempt paths are served without a key. Disabled auth is a passthrough.
func APIKeyAuth(cfg config.AuthConfig, logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	exempt := make(map[string]bool, len(cfg.ExemptPaths))
	for _, p := range cfg.ExemptPaths {
		exempt[p] = true
	}
	verifier := newKeyVerifier(cfg)

	return func(next http.Handler) http.Handler {
		if !cfg.Enabled {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if exempt[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			key := r.Header.Get(cfg.APIKeyHeader)
			if key == "" {
				api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "missing API key", nil)
				return
			}
			if !verifier.valid(key) {
				logger.Warn("invalid API key", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				api.WriteError(w, http.StatusUnauthorized, api.CodeUnauthorized, "invalid API key", nil)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
