package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/agentdiff/agentdiff/internal/api/response"
	"github.com/agentdiff/agentdiff/internal/models"
	"github.com/agentdiff/agentdiff/internal/store"
)

type contextKey string

const principalKey contextKey = "principal"

// withAPIKey guards a platform route: the caller must present a registered
// API key via X-API-Key or Authorization. Keys are stored hashed; the raw
// key never touches the metadata store.
func (s *Server) withAPIKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := apiKeyFrom(r)
		if key == "" {
			response.WriteError(w, http.StatusUnauthorized, CodeNotAuthed, "missing API key")
			return
		}

		principal, err := s.deps.Meta.LookupAPIKey(r.Context(), hashKey(key))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.WriteError(w, http.StatusUnauthorized, CodeNotAuthed, "unknown API key")
				return
			}
			s.writeDomainError(w, err, CodeInternal)
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func apiKeyFrom(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	auth := r.Header.Get("Authorization")
	return strings.TrimPrefix(auth, "Bearer ")
}

// hashKey is the canonical storage form of an API key.
func hashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// HashKey exposes the key hashing for the seed command.
func HashKey(key string) string {
	return hashKey(key)
}

func principalFrom(ctx context.Context) *models.Principal {
	p, _ := ctx.Value(principalKey).(*models.Principal)
	return p
}
