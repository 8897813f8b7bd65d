// Package token implements the signed capability tokens that identify users
// and authorize channel assignments.
//
// A control token identifies a user to the coordination service; a channel
// token authorizes a user to join a specific channel on a specific voice
// server. Both are transmitted as a single opaque string and are only
// trusted after signature verification against the service's public key.
package token

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidToken is returned when a token fails signature verification,
// cannot be parsed, or has expired.
var ErrInvalidToken = errors.New("token: invalid token")

// Token is the decoded form of a signed capability.
//
// Channel fields and VoipPort are zero for control tokens.
type Token struct {
	OperatorID         string
	UserID             string
	UserDescription    string
	ChannelID          string
	ChannelDescription string
	VoipPort           uint16
	IssuedAt           time.Time
	ExpiresAt          time.Time // zero = no expiry
	Nonce              string
}

// IsControl reports whether t is a control token (no channel binding).
func (t *Token) IsControl() bool {
	return t.ChannelID == ""
}

// IsExpired reports whether the token's expiry has passed.
func (t *Token) IsExpired() bool {
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(t.ExpiresAt)
}

// Signer mints signed tokens. The coordination service holds the private
// key; every other endpoint only ever sees the public key.
type Signer struct {
	priv ed25519.PrivateKey
	ttl  time.Duration // 0 = tokens never expire
}

// NewSigner creates a signer. ttl bounds the validity of every issued
// token; pass 0 to issue tokens without expiry.
func NewSigner(priv ed25519.PrivateKey, ttl time.Duration) *Signer {
	return &Signer{priv: priv, ttl: ttl}
}

// IssueControlToken signs a token identifying a user to the service.
func (s *Signer) IssueControlToken(operatorID, userID, userDescription string) (string, error) {
	return s.issue(&Token{
		OperatorID:      operatorID,
		UserID:          userID,
		UserDescription: userDescription,
	})
}

// IssueChannelToken signs a token authorizing a user to join a channel on
// the voice server reachable at voipPort.
func (s *Signer) IssueChannelToken(operatorID, userID, userDescription, channelID, channelDescription string, voipPort uint16) (string, error) {
	return s.issue(&Token{
		OperatorID:         operatorID,
		UserID:             userID,
		UserDescription:    userDescription,
		ChannelID:          channelID,
		ChannelDescription: channelDescription,
		VoipPort:           voipPort,
	})
}

func (s *Signer) issue(t *Token) (string, error) {
	if t.OperatorID == "" || t.UserID == "" {
		return "", fmt.Errorf("token: issue: operator and user ids are required")
	}
	t.IssuedAt = time.Now().Truncate(time.Second)
	if s.ttl > 0 {
		t.ExpiresAt = t.IssuedAt.Add(s.ttl)
	}
	t.Nonce = uuid.NewString()

	payload := canonicalPayload(t)
	sig := ed25519.Sign(s.priv, payload)
	return base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify parses and verifies a raw token against the service public key.
// The returned Token may be trusted; its fields came from the signed
// payload, never from the transport.
func Verify(raw string, pub ed25519.PublicKey) (*Token, error) {
	dot := strings.IndexByte(raw, '.')
	if dot <= 0 || dot == len(raw)-1 {
		return nil, ErrInvalidToken
	}
	payload, err := base64.RawURLEncoding.DecodeString(raw[:dot])
	if err != nil {
		return nil, ErrInvalidToken
	}
	sig, err := base64.RawURLEncoding.DecodeString(raw[dot+1:])
	if err != nil {
		return nil, ErrInvalidToken
	}
	if len(sig) != ed25519.SignatureSize || !ed25519.Verify(pub, payload, sig) {
		return nil, ErrInvalidToken
	}
	t, err := parsePayload(payload)
	if err != nil {
		return nil, ErrInvalidToken
	}
	if t.IsExpired() {
		return nil, ErrInvalidToken
	}
	return t, nil
}

// canonicalPayload is the byte sequence that gets signed: a version byte,
// the string fields length-prefixed in fixed order, then port and the two
// unix timestamps.
func canonicalPayload(t *Token) []byte {
	var buf []byte
	buf = append(buf, 1) // payload format version
	for _, f := range []string{t.OperatorID, t.UserID, t.UserDescription, t.ChannelID, t.ChannelDescription, t.Nonce} {
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(f))) //nolint:gosec // ids are length-validated upstream
		buf = append(buf, f...)
	}
	buf = binary.BigEndian.AppendUint16(buf, t.VoipPort)
	buf = binary.BigEndian.AppendUint64(buf, uint64(t.IssuedAt.Unix()))
	var exp uint64
	if !t.ExpiresAt.IsZero() {
		exp = uint64(t.ExpiresAt.Unix())
	}
	buf = binary.BigEndian.AppendUint64(buf, exp)
	return buf
}

func parsePayload(payload []byte) (*Token, error) {
	if len(payload) < 1 || payload[0] != 1 {
		return nil, ErrInvalidToken
	}
	off := 1
	fields := make([]string, 6)
	for i := range fields {
		if off+2 > len(payload) {
			return nil, ErrInvalidToken
		}
		n := int(binary.BigEndian.Uint16(payload[off : off+2]))
		off += 2
		if off+n > len(payload) {
			return nil, ErrInvalidToken
		}
		fields[i] = string(payload[off : off+n])
		off += n
	}
	if off+2+8+8 != len(payload) {
		return nil, ErrInvalidToken
	}
	port := binary.BigEndian.Uint16(payload[off : off+2])
	off += 2
	issued := int64(binary.BigEndian.Uint64(payload[off : off+8])) //nolint:gosec // timestamps fit in int64
	off += 8
	exp := int64(binary.BigEndian.Uint64(payload[off : off+8])) //nolint:gosec // timestamps fit in int64

	t := &Token{
		OperatorID:         fields[0],
		UserID:             fields[1],
		UserDescription:    fields[2],
		ChannelID:          fields[3],
		ChannelDescription: fields[4],
		Nonce:              fields[5],
		VoipPort:           port,
		IssuedAt:           time.Unix(issued, 0),
	}
	if exp != 0 {
		t.ExpiresAt = time.Unix(exp, 0)
	}
	if t.OperatorID == "" || t.UserID == "" {
		return nil, ErrInvalidToken
	}
	return t, nil
}
