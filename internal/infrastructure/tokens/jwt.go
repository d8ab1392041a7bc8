// Package tokens provides signed approval tokens for draft conversion.
package tokens

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"verifactu/internal/core/id"
	"verifactu/internal/domain/invoice"
)

// Compile-time check that JWTService implements invoice.TokenIssuer.
var _ invoice.TokenIssuer = (*JWTService)(nil)

// JWTConfig holds approval token configuration.
type JWTConfig struct {
	Secret string
	Issuer string
	TTL    time.Duration
}

// DefaultJWTConfig returns default approval token configuration.
func DefaultJWTConfig(secret string) JWTConfig {
	return JWTConfig{
		Secret: secret,
		Issuer: "verifactu-ledger",
		TTL:    72 * time.Hour,
	}
}

// Claims binds an approval token to one draft.
type Claims struct {
	jwt.RegisteredClaims
	Purpose string `json:"pur"`
}

const purposeApproval = "draft-approval"

// JWTService issues HS256 approval tokens. The token's jti makes every
// token unique, so re-issuing for the same draft yields a new string and
// only the one stored on the draft stays usable.
type JWTService struct {
	config JWTConfig
	now    func() time.Time
}

// NewJWTService creates a new approval token service.
func NewJWTService(config JWTConfig) (*JWTService, error) {
	if len(config.Secret) < 16 {
		return nil, errors.New("approval token secret must be at least 16 bytes")
	}
	if config.TTL <= 0 {
		config.TTL = DefaultJWTConfig(config.Secret).TTL
	}
	return &JWTService{config: config, now: time.Now}, nil
}

// WithClock returns a copy of the service reading time from now.
func (s *JWTService) WithClock(now func() time.Time) *JWTService {
	c := *s
	c.now = now
	return &c
}

// Issue generates a token for docID.
func (s *JWTService) Issue(docID id.ID) (string, error) {
	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.config.Issuer,
			Subject:   docID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TTL)),
		},
		Purpose: purposeApproval,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.config.Secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Validate checks signature, issuer and expiry and returns the draft id.
func (s *JWTService) Validate(tokenString string) (id.ID, error) {
	var claims Claims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.Secret), nil
	},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return id.Nil(), fmt.Errorf("parse token: %w", err)
	}

	if claims.Purpose != purposeApproval {
		return id.Nil(), errors.New("token is not an approval token")
	}

	docID, err := id.Parse(claims.Subject)
	if err != nil {
		return id.Nil(), fmt.Errorf("token subject: %w", err)
	}
	return docID, nil
}
