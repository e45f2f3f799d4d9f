// Package fingerprint derives the identity used to tell one clipboard image
// from another.
//
// The digest is BLAKE2b-256 over the canonical PNG produced by package raster,
// so the same pixels fingerprint identically whichever encoding the producing
// application put on the clipboard. Sources that cannot be decoded never reach
// this package.
package fingerprint

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Size is the length of a Fingerprint in bytes.
const Size = blake2b.Size256

// Fingerprint is a fixed-size content digest. The zero value means "none".
type Fingerprint [Size]byte

// Of returns the fingerprint of b.
func Of(b []byte) Fingerprint {
	return Fingerprint(blake2b.Sum256(b))
}

// String returns the lowercase hex form.
func (f Fingerprint) String() string { return hex.EncodeToString(f[:]) }

// Short returns the first 12 hex characters, enough to tell images apart in logs.
func (f Fingerprint) Short() string { return f.String()[:12] }

// IsZero reports whether f is the zero value.
func (f Fingerprint) IsZero() bool { return f == Fingerprint{} }

// Parse decodes the hex form produced by String.
func Parse(s string) (Fingerprint, error) {
	var f Fingerprint
	b, err := hex.DecodeString(s)
	if err != nil {
		return f, err
	}
	if len(b) != Size {
		return f, hex.ErrLength
	}
	copy(f[:], b)
	return f, nil
}
