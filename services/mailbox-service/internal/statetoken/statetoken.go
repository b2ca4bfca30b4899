// Package statetoken signs and verifies the OAuth state parameter that binds an
// authorization redirect to the student who started it.
package statetoken

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/config"
)

const DefaultTTL = 10 * time.Minute

// Strict decoding rejects non-zero trailing bits, so every character of the signature matters.
var encoding = base64.RawURLEncoding.Strict()

type payload struct {
	StudentID string `json:"studentId"`
	ExpiresAt int64  `json:"expiresAt"` // unix milliseconds
}

type Signer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func New(secret string, ttl time.Duration) (*Signer, error) {
	if len(secret) < config.MinSecretLength {
		return nil, apperr.Configuration("statetoken.New",
			fmt.Sprintf("state secret must be at least %d bytes", config.MinSecretLength), nil)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Signer{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// WithClock replaces the signer's time source
func (s *Signer) WithClock(now func() time.Time) *Signer {
	s.now = now
	return s
}

// Sign returns base64url(payload) "." base64url(HMAC-SHA256(payload))
func (s *Signer) Sign(studentID uuid.UUID) (string, error) {
	body, err := json.Marshal(payload{
		StudentID: studentID.String(),
		ExpiresAt: s.now().Add(s.ttl).UnixMilli(),
	})
	if err != nil {
		return "", fmt.Errorf("encoding state payload: %w", err)
	}
	encoded := encoding.EncodeToString(body)
	return encoded + "." + encoding.EncodeToString(s.mac(encoded)), nil
}

// Verify returns the student bound to token. Any failure is a StateTokenError.
func (s *Signer) Verify(token string) (uuid.UUID, error) {
	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return uuid.Nil, invalid("malformed state", nil)
	}

	given, err := encoding.DecodeString(sig)
	if err != nil {
		return uuid.Nil, invalid("malformed signature", err)
	}
	if !hmac.Equal(given, s.mac(encoded)) {
		return uuid.Nil, invalid("signature mismatch", nil)
	}

	raw, err := encoding.DecodeString(encoded)
	if err != nil {
		return uuid.Nil, invalid("malformed payload", err)
	}
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return uuid.Nil, invalid("malformed payload", err)
	}
	studentID, err := uuid.Parse(p.StudentID)
	if err != nil {
		return uuid.Nil, invalid("malformed student id", err)
	}
	if !s.now().Before(time.UnixMilli(p.ExpiresAt)) {
		return uuid.Nil, invalid("state expired", nil)
	}
	return studentID, nil
}

func (s *Signer) mac(encoded string) []byte {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(encoded))
	return h.Sum(nil)
}

func invalid(msg string, err error) error {
	return apperr.StateToken("statetoken.Verify", msg, err)
}
