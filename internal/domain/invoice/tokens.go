package invoice

import (
	"github.com/google/uuid"

	"verifactu/internal/core/id"
)

// TokenIssuer creates and checks approval tokens for drafts.
type TokenIssuer interface {
	// Issue returns a new token bound to docID.
	Issue(docID id.ID) (string, error)

	// Validate checks a token's own integrity and returns the document id it
	// claims. Opaque tokens that carry no claim return id.Nil. Whether the
	// token is still live is decided by the store.
	Validate(token string) (id.ID, error)
}

// RandomTokens issues opaque random tokens with no embedded claim.
type RandomTokens struct{}

// Issue returns a random UUIDv4 string.
func (RandomTokens) Issue(id.ID) (string, error) {
	return uuid.NewString(), nil
}

// Validate accepts any non-empty token.
func (RandomTokens) Validate(token string) (id.ID, error) {
	if token == "" {
		return id.Nil(), errEmptyToken
	}
	return id.Nil(), nil
}
