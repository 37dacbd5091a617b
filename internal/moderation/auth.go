package moderation

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/afroditeapp/afrodite-backend-sub001/internal/model"
)

// ModeratorClaims is the bearer token payload for the human moderator
// session (spec §6: the one named external auth boundary that isn't the
// raw-random-bytes account access-token scheme of §3). Grounded on the
// teacher's go-server/internal/auth.Claims.
type ModeratorClaims struct {
	AccountId model.AccountIdInternal `json:"account_id"`
	jwt.RegisteredClaims
}

// ModeratorAuth issues and verifies ModeratorClaims bearer tokens.
type ModeratorAuth struct {
	secret   []byte
	lifetime time.Duration
}

// NewModeratorAuth creates a ModeratorAuth using secret to sign HS256
// tokens valid for lifetime.
func NewModeratorAuth(secret string, lifetime time.Duration) *ModeratorAuth {
	return &ModeratorAuth{secret: []byte(secret), lifetime: lifetime}
}

// Issue mints a bearer token for account.
func (a *ModeratorAuth) Issue(account model.AccountIdInternal) (string, error) {
	claims := &ModeratorClaims{
		AccountId: account,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(a.lifetime)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "afrodite-core",
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(a.secret)
}

// Verify parses and validates a bearer token, returning the claimed
// account.
func (a *ModeratorAuth) Verify(tokenString string) (model.AccountIdInternal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ModeratorClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return 0, fmt.Errorf("moderator token: %w", err)
	}
	claims, ok := token.Claims.(*ModeratorClaims)
	if !ok || !token.Valid {
		return 0, errors.New("moderator token: invalid claims")
	}
	return claims.AccountId, nil
}

// Middleware extracts and verifies the bearer token, rejecting the
// request with 401 on failure. On success it calls next with the
// moderator's account id.
func (a *ModeratorAuth) Middleware(next func(w http.ResponseWriter, r *http.Request, moderator model.AccountIdInternal)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(header, prefix) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		account, err := a.Verify(strings.TrimPrefix(header, prefix))
		if err != nil {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r, account)
	}
}
