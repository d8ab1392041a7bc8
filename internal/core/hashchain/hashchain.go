// Package hashchain computes the tamper-evident fingerprint ("huella") that
// links every issued invoice to its predecessor in the same chain.
//
// The digest is SHA-256 over a fixed, ampersand-delimited record:
//
//	IDEmisorFactura=<issuer>&NumSerieFactura=<series-number>&ImporteTotal=<0.00>&Huella=<previous>
//
// rendered as 64 upper-case hexadecimal characters. The first document of a
// chain links to Genesis.
package hashchain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the length of a rendered hash.
const Size = sha256.Size * 2

// Genesis is the predecessor hash of the first document in a chain.
var Genesis = strings.Repeat("0", Size)

// Input is the set of fields bound by the hash.
type Input struct {
	IssuerTaxID  string
	FullNumber   string // e.g. "A-2025-7"
	GrandTotal   string // fixed two decimals, e.g. "100.00"
	HashPrevious string
}

// Record renders the exact byte sequence that is hashed.
func (in Input) Record() string {
	return fmt.Sprintf("IDEmisorFactura=%s&NumSerieFactura=%s&ImporteTotal=%s&Huella=%s",
		in.IssuerTaxID, in.FullNumber, in.GrandTotal, in.HashPrevious)
}

// Compute returns the hash of in. Pure; safe for concurrent use.
func Compute(in Input) string {
	sum := sha256.Sum256([]byte(in.Record()))
	return strings.ToUpper(hex.EncodeToString(sum[:]))
}

// IsWellFormed reports whether h looks like a rendered hash.
func IsWellFormed(h string) bool {
	if len(h) != Size {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// Link is one stored element of a chain.
type Link struct {
	Index int64
	Input
	HashSelf string
}

// BreakError describes the first inconsistency found by Verify.
type BreakError struct {
	Index  int64
	Reason string
}

func (e *BreakError) Error() string {
	return fmt.Sprintf("chain broken at index %d: %s", e.Index, e.Reason)
}

// Verify walks links (which must be sorted by Index) and checks that every
// stored hash recomputes and points at its predecessor.
func Verify(links []Link) error {
	prev := Genesis
	var expectIndex int64 = 1
	for _, l := range links {
		if l.Index != expectIndex {
			return &BreakError{Index: l.Index, Reason: fmt.Sprintf("expected index %d", expectIndex)}
		}
		if l.HashPrevious != prev {
			return &BreakError{Index: l.Index, Reason: fmt.Sprintf("previous hash %s does not match %s", l.HashPrevious, prev)}
		}
		if got := Compute(l.Input); got != l.HashSelf {
			return &BreakError{Index: l.Index, Reason: "stored hash does not match recomputed content"}
		}
		prev = l.HashSelf
		expectIndex++
	}
	return nil
}
