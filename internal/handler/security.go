package handler

import (
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bookstore-checkout/internal/domain/auth"
)

// HeaderAPIKey is the request header carrying the caller's API key.
const HeaderAPIKey = "api_key"

// SecurityHandler resolves API keys to principals. Keys are stored as
// HMAC-SHA256 hashes under a server pepper.
type SecurityHandler struct {
	apikeys auth.Repository
	pepper  []byte
}

// NewSecurityHandler creates a SecurityHandler with the given API key
// repository and HMAC pepper.
func NewSecurityHandler(apikeys auth.Repository, pepper []byte) *SecurityHandler {
	return &SecurityHandler{
		apikeys: apikeys,
		pepper:  pepper,
	}
}

// Authenticate resolves the api_key header and stores the principal in the
// request context. Requests without a valid key get 401.
func (s *SecurityHandler) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderAPIKey)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "missing api key")
			return
		}

		p, err := s.resolve(r, key)
		if err != nil {
			if !errors.Is(err, auth.ErrKeyNotFound) {
				zctx.From(r.Context()).Error("API key lookup failed", zap.Error(err))
			}
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}

		ctx := zctx.With(auth.WithPrincipal(r.Context(), p), zap.String("user_id", p.UserID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *SecurityHandler) resolve(r *http.Request, key string) (auth.Principal, error) {
	hexHash := auth.HashKey(s.pepper, key)
	info, err := s.apikeys.FindByHash(r.Context(), hexHash)
	if err != nil {
		return auth.Principal{}, err
	}

	// The lookup matched by hash; compare again in constant time in case the
	// store returned a row for a different key.
	stored, err := hex.DecodeString(info.KeyHash)
	if err != nil {
		return auth.Principal{}, auth.ErrKeyNotFound
	}
	computed, _ := hex.DecodeString(hexHash)
	if subtle.ConstantTimeCompare(computed, stored) != 1 {
		return auth.Principal{}, auth.ErrKeyNotFound
	}
	return auth.Principal{UserID: info.UserID, Role: info.Role}, nil
}
