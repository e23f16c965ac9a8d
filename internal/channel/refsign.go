package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/strandsec/strand/internal/model"
)

// ErrInvalidRef reports a malformed, tampered or mis-signed gateway reply ref.
var ErrInvalidRef = errors.New("invalid ref")

// refDomain separates gateway reply refs from any other use of the signing
// key.
const refDomain = "gateway_reply_ref"

// FlowRef is the tuple a client channel binds into the opaque ref it hands a
// gateway: enough to route the reply back and resume the flow setup.
type FlowRef struct {
	SessionID      string
	SocketRef      string
	ResourceID     model.ID
	PresharedKey   string
	ICECredentials string
}

// RefSigner signs and verifies flow refs with a process-wide symmetric key.
type RefSigner struct {
	key []byte
}

// NewRefSigner wraps the signing key. The key strength is validated at
// config load.
func NewRefSigner(key []byte) *RefSigner {
	return &RefSigner{key: key}
}

// Sign serializes the tuple with length-prefixed fields and appends an HMAC
// over the domain string plus payload. Output is URL-safe base64.
func (s *RefSigner) Sign(ref FlowRef) string {
	payload := encodeFields(
		[]byte(ref.SessionID),
		[]byte(ref.SocketRef),
		ref.ResourceID[:],
		[]byte(ref.PresharedKey),
		[]byte(ref.ICECredentials),
	)
	mac := s.mac(payload)
	return base64.RawURLEncoding.EncodeToString(append(payload, mac...))
}

// Verify decodes and authenticates a ref. Any structural or signature
// mismatch is ErrInvalidRef; callers never learn which.
func (s *RefSigner) Verify(token string) (FlowRef, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return FlowRef{}, ErrInvalidRef
	}
	if len(raw) < sha256.Size {
		return FlowRef{}, ErrInvalidRef
	}
	payload, mac := raw[:len(raw)-sha256.Size], raw[len(raw)-sha256.Size:]
	if !hmac.Equal(mac, s.mac(payload)) {
		return FlowRef{}, ErrInvalidRef
	}

	fields, err := decodeFields(payload, 5)
	if err != nil {
		return FlowRef{}, ErrInvalidRef
	}
	resourceID, err := uuid.FromBytes(fields[2])
	if err != nil {
		return FlowRef{}, ErrInvalidRef
	}
	return FlowRef{
		SessionID:      string(fields[0]),
		SocketRef:      string(fields[1]),
		ResourceID:     resourceID,
		PresharedKey:   string(fields[3]),
		ICECredentials: string(fields[4]),
	}, nil
}

func (s *RefSigner) mac(payload []byte) []byte {
	h := hmac.New(sha256.New, s.key)
	h.Write([]byte(refDomain))
	h.Write([]byte{0})
	h.Write(payload)
	return h.Sum(nil)
}

func encodeFields(fields ...[]byte) []byte {
	size := 0
	for _, f := range fields {
		size += 4 + len(f)
	}
	out := make([]byte, 0, size)
	for _, f := range fields {
		var l [4]byte
		binary.BigEndian.PutUint32(l[:], uint32(len(f)))
		out = append(out, l[:]...)
		out = append(out, f...)
	}
	return out
}

func decodeFields(raw []byte, want int) ([][]byte, error) {
	fields := make([][]byte, 0, want)
	for len(raw) > 0 {
		if len(raw) < 4 {
			return nil, fmt.Errorf("truncated length prefix")
		}
		l := binary.BigEndian.Uint32(raw[:4])
		raw = raw[4:]
		if uint32(len(raw)) < l {
			return nil, fmt.Errorf("truncated field")
		}
		fields = append(fields, raw[:l])
		raw = raw[l:]
	}
	if len(fields) != want {
		return nil, fmt.Errorf("expected %d fields, got %d", want, len(fields))
	}
	return fields, nil
}
