package rpcapi

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

const cookieFilename = "rpcapi.cookie"

// generateToken creates a 32-byte random hex bearer token, grounded on the
// teacher's api_auth.go generateToken.
func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func writeCookie(dataDir, token string) error {
	return os.WriteFile(filepath.Join(dataDir, cookieFilename), []byte(token), 0o600)
}

func deleteCookie(dataDir string) {
	os.Remove(filepath.Join(dataDir, cookieFilename))
}

// authMiddleware rejects any request not carrying the bearer token written
// to the cookie file at startup.
func authMiddleware(token string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		provided := strings.TrimPrefix(auth, "Bearer ")
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// maxBodySize bounds request bodies so a malformed peer can't OOM the
// daemon with an oversized batch.
func maxBodySize(next http.Handler, bytes int64) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, bytes)
		next.ServeHTTP(w, r)
	})
}
