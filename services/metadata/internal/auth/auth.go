// Package auth implements wallet-based login: the service issues a one-time
// nonce, the wallet signs it, and a successful verification yields a bearer
// token scoped to the signing address.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Mr-Ben-dev/ZkWork/pkg/httpx"

	"github.com/golang-jwt/jwt/v5"
)

// TokenTTL matches the session length the marketplace UI expects.
const TokenTTL = 7 * 24 * time.Hour

// NonceTTL bounds how long an unsigned challenge stays valid.
const NonceTTL = 10 * time.Minute

var ErrInvalidToken = errors.New("auth: invalid token")

type Issuer struct {
	Secret []byte
	Now    func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{Secret: []byte(secret), Now: time.Now}
}

// NewNonce returns a fresh random challenge.
func NewNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// ChallengeMessage is the exact text the wallet signs. Including the nonce
// and a timestamp keeps signatures single purpose and non-replayable.
func ChallengeMessage(nonce string, at time.Time) string {
	return fmt.Sprintf("Sign this message to authenticate with ZkWork.\nNonce: %s\nTimestamp: %s",
		nonce, at.UTC().Format(time.RFC3339))
}

// Issue mints a bearer token for the address.
func (i *Issuer) Issue(address string) (string, error) {
	now := i.Now()
	claims := jwt.MapClaims{
		"address": address,
		"iat":     now.Unix(),
		"exp":     now.Add(TokenTTL).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Secret)
}

// Verify parses a token and returns the address it was issued to.
func (i *Issuer) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("%w: unexpected signing method %v", ErrInvalidToken, t.Header["alg"])
		}
		return i.Secret, nil
	}, jwt.WithTimeFunc(i.Now))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	address, _ := claims["address"].(string)
	if address == "" {
		return "", ErrInvalidToken
	}
	return address, nil
}

type ctxKey struct{}

// Address returns the authenticated wallet address, if any.
func Address(ctx context.Context) string {
	addr, _ := ctx.Value(ctxKey{}).(string)
	return addr
}

// Middleware rejects requests without a valid bearer token and stores the
// address on the request context.
func (i *Issuer) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "bearer token required")
			return
		}
		address, err := i.Verify(strings.TrimSpace(token))
		if err != nil {
			httpx.WriteError(w, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, address)))
	})
}
