package channel

import (
	"encoding/base64"
	"errors"
	"testing"

	"github.com/google/uuid"
)

func testRef() FlowRef {
	return FlowRef{
		SessionID:      uuid.NewString(),
		SocketRef:      uuid.NewString(),
		ResourceID:     uuid.New(),
		PresharedKey:   "psk-secret",
		ICECredentials: "user:pass",
	}
}

func TestRefSignRoundTrip(t *testing.T) {
	signer := NewRefSigner([]byte("0123456789abcdef0123456789abcdef"))
	want := testRef()

	got, err := signer.Verify(signer.Sign(want))
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestRefVerifyTamper(t *testing.T) {
	signer := NewRefSigner([]byte("0123456789abcdef0123456789abcdef"))
	token := signer.Sign(testRef())

	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	for _, pos := range []int{0, len(raw) / 2, len(raw) - 1} {
		flipped := make([]byte, len(raw))
		copy(flipped, raw)
		flipped[pos] ^= 0x01
		if _, err := signer.Verify(base64.RawURLEncoding.EncodeToString(flipped)); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("bit flip at %d: got %v, want ErrInvalidRef", pos, err)
		}
	}
}

func TestRefVerifyWrongKey(t *testing.T) {
	token := NewRefSigner([]byte("key-one-key-one-key-one-key-one!")).Sign(testRef())
	other := NewRefSigner([]byte("key-two-key-two-key-two-key-two!"))
	if _, err := other.Verify(token); !errors.Is(err, ErrInvalidRef) {
		t.Fatalf("got %v, want ErrInvalidRef", err)
	}
}

func TestRefVerifyGarbage(t *testing.T) {
	signer := NewRefSigner([]byte("0123456789abcdef0123456789abcdef"))
	for _, token := range []string{"", "not base64 %%%", "dG9vc2hvcnQ", base64.RawURLEncoding.EncodeToString(make([]byte, 40))} {
		if _, err := signer.Verify(token); !errors.Is(err, ErrInvalidRef) {
			t.Fatalf("token %q: got %v, want ErrInvalidRef", token, err)
		}
	}
}
