package gateway

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ErrUnauthorized is returned for missing or unknown credentials.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator verifies a connection credential and returns the
// identity it belongs to. The credential format is opaque to the
// gateway.
type Authenticator interface {
	Authenticate(ctx context.Context, credential string) (identity string, err error)
}

// AllowAll accepts every connection. Connections without a credential
// get the identity "anonymous".
type AllowAll struct{}

func (AllowAll) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "anonymous", nil
	}
	return "token:" + shortHash(credential), nil
}

// TokenEntry binds a bcrypt token hash to an identity.
type TokenEntry struct {
	Identity string
	Hash     string
}

// TokenAuthenticator checks bearer tokens against bcrypt hashes.
type TokenAuthenticator struct {
	entries []TokenEntry
}

// NewTokenAuthenticator validates the hashes up front.
func NewTokenAuthenticator(entries []TokenEntry) (*TokenAuthenticator, error) {
	for _, e := range entries {
		if e.Identity == "" {
			return nil, errors.New("token entry without identity")
		}
		if _, err := bcrypt.Cost([]byte(e.Hash)); err != nil {
			return nil, fmt.Errorf("token for %s: %w", e.Identity, err)
		}
	}
	return &TokenAuthenticator{entries: entries}, nil
}

func (a *TokenAuthenticator) Authenticate(_ context.Context, credential string) (string, error) {
	if credential == "" {
		return "", ErrUnauthorized
	}
	for _, e := range a.entries {
		if bcrypt.CompareHashAndPassword([]byte(e.Hash), []byte(credential)) == nil {
			return e.Identity, nil
		}
	}
	return "", ErrUnauthorized
}

// HashToken returns the bcrypt hash to store for a token.
func HashToken(token string) (string, error) {
	if len(token) < 16 {
		return "", errors.New("token must be at least 16 characters")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// credential extracts the token from the Authorization header or the
// token query parameter. Browsers cannot set headers on WebSocket
// requests, hence the query fallback.
func credential(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.URL.Query().Get("token")
}

func shortHash(s string) string {
	h := fnv.New32a()
	h.Write([]byte(s))
	return fmt.Sprintf("%08x", h.Sum32())
}
