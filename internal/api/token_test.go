package api

import (
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestTokenRoundTrip(t *testing.T) {
	signer := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"))
	now := time.Now()
	want := SessionToken{ID: uuid.New(), ExpiresAt: now.Add(time.Hour).Truncate(time.Second)}

	got, err := signer.Verify(signer.Sign(want), now)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got.ID != want.ID {
		t.Fatalf("id = %s, want %s", got.ID, want.ID)
	}
	if !got.ExpiresAt.Equal(want.ExpiresAt) {
		t.Fatalf("expires = %s, want %s", got.ExpiresAt, want.ExpiresAt)
	}
}

func TestTokenExpired(t *testing.T) {
	signer := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"))
	now := time.Now()
	tok := signer.Sign(SessionToken{ID: uuid.New(), ExpiresAt: now.Add(-time.Minute)})

	if _, err := signer.Verify(tok, now); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenTamper(t *testing.T) {
	signer := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"))
	tok := signer.Sign(SessionToken{ID: uuid.New(), ExpiresAt: time.Now().Add(time.Hour)})

	raw, err := base64.RawURLEncoding.DecodeString(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, pos := range []int{0, len(raw) / 2, len(raw) - 1} {
		flipped := append([]byte(nil), raw...)
		flipped[pos] ^= 0x01
		bad := base64.RawURLEncoding.EncodeToString(flipped)
		if _, err := signer.Verify(bad, time.Now()); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("flip at %d: err = %v, want ErrInvalidToken", pos, err)
		}
	}
}

func TestTokenWrongKey(t *testing.T) {
	a := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"))
	b := NewTokenSigner([]byte("fedcba9876543210fedcba9876543210"))
	tok := a.Sign(SessionToken{ID: uuid.New(), ExpiresAt: time.Now().Add(time.Hour)})

	if _, err := b.Verify(tok, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestTokenGarbage(t *testing.T) {
	signer := NewTokenSigner([]byte("0123456789abcdef0123456789abcdef"))
	for _, tok := range []string{"", "not base64 %%%", "dG9vc2hvcnQ"} {
		if _, err := signer.Verify(tok, time.Now()); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("token %q: err = %v, want ErrInvalidToken", tok, err)
		}
	}
}
