package accounts

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTokenRoundTripAndExpiry(t *testing.T) {
	issuer, err := NewTokenIssuer("s3cret", "subsidyd", time.Minute)
	require.NoError(t, err)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	issuer.now = func() time.Time { return now }

	token, expires, err := issuer.Issue(7, "gov@example.org", "government")
	require.NoError(t, err)
	require.Equal(t, now.Add(time.Minute), expires)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	require.Equal(t, "7", claims.Subject)

	now = now.Add(2 * time.Minute)
	_, err = issuer.Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenRejectsForeignSecret(t *testing.T) {
	issuer, err := NewTokenIssuer("one", "", time.Minute)
	require.NoError(t, err)
	other, err := NewTokenIssuer("two", "", time.Minute)
	require.NoError(t, err)

	token, _, err := issuer.Issue(1, "a@example.org", "auditor")
	require.NoError(t, err)
	_, err = other.Parse(token)
	require.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewTokenIssuer("  ", "", time.Minute)
	require.Error(t, err)
}

func TestHasher(t *testing.T) {
	h := Hasher{Cost: 4}
	hash, err := h.Hash("123")
	require.NoError(t, err)
	require.True(t, h.Matches(hash, "123"))
	require.False(t, h.Matches(hash, "1234"))
	require.False(t, h.Matches("not-a-hash", "123"))
}
