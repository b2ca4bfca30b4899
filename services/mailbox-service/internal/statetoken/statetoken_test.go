package statetoken

import (
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stoik/mailbridge/services/mailbox-service/internal/apperr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = strings.Repeat("state-secret-", 4)

func newSigner(t *testing.T, now time.Time) *Signer {
	t.Helper()
	s, err := New(secret, DefaultTTL)
	require.NoError(t, err)
	return s.WithClock(func() time.Time { return now })
}

func TestRoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newSigner(t, now)
	student := uuid.New()

	token, err := s.Sign(student)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(token, "."))

	s.WithClock(func() time.Time { return now.Add(DefaultTTL - time.Second) })
	got, err := s.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, student, got)
}

func TestExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := newSigner(t, now.Add(-DefaultTTL-time.Minute))

	token, err := s.Sign(uuid.New())
	require.NoError(t, err)

	s.WithClock(func() time.Time { return now })
	_, err = s.Verify(token)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStateToken))
}

func TestTamperedSignature(t *testing.T) {
	s := newSigner(t, time.Now())
	token, err := s.Sign(uuid.New())
	require.NoError(t, err)

	dot := strings.Index(token, ".")
	alphabet := "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"
	for i := dot + 1; i < len(token); i++ {
		b := []byte(token)
		for _, c := range []byte(alphabet) {
			if c != b[i] {
				b[i] = c
				break
			}
		}
		_, err := s.Verify(string(b))
		assert.Error(t, err, "flipped signature char at %d", i)
	}
}

func TestTamperedPayload(t *testing.T) {
	s := newSigner(t, time.Now())
	token, err := s.Sign(uuid.New())
	require.NoError(t, err)

	_, sig, _ := strings.Cut(token, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(`{"studentId":"` + uuid.NewString() + `","expiresAt":99999999999999}`))

	_, err = s.Verify(forged + "." + sig)
	assert.True(t, apperr.Is(err, apperr.KindStateToken))
}

func TestMalformed(t *testing.T) {
	s := newSigner(t, time.Now())
	for _, token := range []string{"", "nodot", ".", "abc.", ".abc", "abc.!!!"} {
		_, err := s.Verify(token)
		assert.True(t, apperr.Is(err, apperr.KindStateToken), "token %q", token)
	}
}

func TestOtherSecretRejected(t *testing.T) {
	s := newSigner(t, time.Now())
	token, err := s.Sign(uuid.New())
	require.NoError(t, err)

	other, err := New(strings.Repeat("another-secret-", 3), DefaultTTL)
	require.NoError(t, err)
	_, err = other.Verify(token)
	assert.Error(t, err)
}

func TestNewRejectsShortSecret(t *testing.T) {
	_, err := New("short", DefaultTTL)
	assert.True(t, apperr.Is(err, apperr.KindConfiguration))
}
