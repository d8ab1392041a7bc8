package tokens

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"verifactu/internal/core/id"
)

const secret = "0123456789abcdef0123456789abcdef"

func newService(t *testing.T, now time.Time) *JWTService {
	t.Helper()
	svc, err := NewJWTService(DefaultJWTConfig(secret))
	require.NoError(t, err)
	return svc.WithClock(func() time.Time { return now })
}

func TestJWTService_RoundTrip(t *testing.T) {
	now := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	svc := newService(t, now)
	docID := id.New()

	token, err := svc.Issue(docID)
	require.NoError(t, err)

	got, err := svc.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, docID, got)
}

func TestJWTService_TokensAreUnique(t *testing.T) {
	svc := newService(t, time.Now())
	docID := id.New()

	a, err := svc.Issue(docID)
	require.NoError(t, err)
	b, err := svc.Issue(docID)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestJWTService_Expired(t *testing.T) {
	issued := time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC)
	token, err := newService(t, issued).Issue(id.New())
	require.NoError(t, err)

	_, err = newService(t, issued.Add(73*time.Hour)).Validate(token)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)
}

func TestJWTService_RejectsForeignTokens(t *testing.T) {
	now := time.Now()
	svc := newService(t, now)

	other, err := NewJWTService(DefaultJWTConfig("another-secret-of-32-bytes-long!"))
	require.NoError(t, err)
	forged, err := other.Issue(id.New())
	require.NoError(t, err)

	_, err = svc.Validate(forged)
	assert.ErrorIs(t, err, jwt.ErrTokenSignatureInvalid)

	_, err = svc.Validate("not-a-token")
	assert.Error(t, err)

	wrongPurpose := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "verifactu-ledger",
			Subject:   id.New().String(),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
		Purpose: "session",
	})
	signed, err := wrongPurpose.SignedString([]byte(secret))
	require.NoError(t, err)
	_, err = svc.Validate(signed)
	assert.ErrorContains(t, err, "not an approval token")
}

func TestNewJWTService_ShortSecret(t *testing.T) {
	_, err := NewJWTService(DefaultJWTConfig("short"))
	assert.Error(t, err)
}
