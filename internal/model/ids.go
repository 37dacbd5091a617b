// Package model holds the shared entity and value types described in
// spec §3 (Data model). Components depend on these types but never on
// each other's internal packages; the only internal/ package this one
// imports is internal/apperror (in errors.go).
package model

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/google/uuid"
)

// AccountId is the opaque 128-bit public account identifier, a UUID
// rendered base64url (no padding) per spec §3.
type AccountId string

// NewAccountId mints a fresh random AccountId.
func NewAccountId() AccountId {
	return AccountId(base64.RawURLEncoding.EncodeToString(uuid.New()[:]))
}

func (a AccountId) String() string { return string(a) }

// AccountIdInternal is the internal 64-bit row id. Stable for the
// lifetime of the account; never exposed outside the server.
type AccountIdInternal int64

// AccessToken is a cache-only 256-bit random token, base64url-no-pad.
type AccessToken string

// RefreshToken is a durable 256-bit random token, base64 with padding.
type RefreshToken string

const tokenByteLen = 32 // 256 bits

// NewAccessToken mints a fresh random access token.
func NewAccessToken() (AccessToken, error) {
	b, err := randomBytes(tokenByteLen)
	if err != nil {
		return "", err
	}
	return AccessToken(base64.RawURLEncoding.EncodeToString(b)), nil
}

// NewRefreshToken mints a fresh random refresh token.
func NewRefreshToken() (RefreshToken, error) {
	b, err := randomBytes(tokenByteLen)
	if err != nil {
		return "", err
	}
	return RefreshToken(base64.StdEncoding.EncodeToString(b)), nil
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}
	return b, nil
}

// AuthPair is the access/refresh pair described in spec §3. At most one
// live access token per account; generating a new pair invalidates the
// previous access token atomically (enforced by the cache layer, not
// here).
type AuthPair struct {
	Access  AccessToken
	Refresh RefreshToken
}

// NewAuthPair mints a fresh, unrelated access/refresh pair.
func NewAuthPair() (AuthPair, error) {
	access, err := NewAccessToken()
	if err != nil {
		return AuthPair{}, err
	}
	refresh, err := NewRefreshToken()
	if err != nil {
		return AuthPair{}, err
	}
	return AuthPair{Access: access, Refresh: refresh}, nil
}

// ClientType identifies the WebSocket client role from S1 of the
// handshake (Android, iOS or web client).
type ClientType uint8

const (
	ClientTypeAndroid ClientType = iota
	ClientTypeIos
	ClientTypeWeb
)

// ClientVersion is the semantic version a client reports in S1.
type ClientVersion struct {
	Major uint16
	Minor uint16
	Patch uint16
}

func (v ClientVersion) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}
