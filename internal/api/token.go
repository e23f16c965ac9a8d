package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
)

// ErrInvalidToken reports a malformed, tampered or expired session token.
var ErrInvalidToken = errors.New("invalid session token")

// tokenDomain separates session tokens from the gateway reply refs signed
// with the same key.
const tokenDomain = "session_token"

// SessionToken names the entity a websocket handshake acts as.
type SessionToken struct {
	ID        model.ID
	ExpiresAt time.Time
}

// TokenSigner signs and verifies session tokens. Issuance happens at device
// enrollment; the channel endpoints only verify.
type TokenSigner struct {
	key []byte
}

// NewTokenSigner wraps the signing key.
func NewTokenSigner(key []byte) *TokenSigner {
	return &TokenSigner{key: key}
}

// Sign serializes id and expiry and appends an HMAC over the domain string
// plus payload. Output is URL-safe base64.
func (s *TokenSigner) Sign(tok SessionToken) string {
	payload := make([]byte, 24)
	copy(payload, tok.ID[:])
	binary.BigEndian.PutUint64(payload[16:], uint64(tok.ExpiresAt.Unix()))
	return base64.RawURLEncoding.EncodeToString(append(payload, s.mac(payload)...))
}

// Verify decodes and authenticates a token and checks expiry against now.
func (s *TokenSigner) Verify(token string, now time.Time) (SessionToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil || len(raw) != 24+sha256.Size {
		return SessionToken{}, ErrInvalidToken
	}
	payload, mac := raw[:24], raw[24:]
	if !hmac.Equal(mac, s.mac(payload)) {
		return SessionToken{}, ErrInvalidToken
	}

	id, err := uuid.FromBytes(payload[:16])
	if err != nil {
		return SessionToken{}, ErrInvalidToken
	}
	expires := time.Unix(int64(binary.BigEndian.Uint64(payload[16:])), 0)
	if !expires.After(now) {
		return SessionToken{}, ErrInvalidToken
	}
	return SessionToken{ID: id, ExpiresAt: expires}, nil
}

func (s *TokenSigner) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(tokenDomain))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum(nil)
}
