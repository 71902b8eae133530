package pvault

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
)

// randomBytes returns n cryptographically random bytes.
func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("pvault: read random bytes: %w", err)
	}
	return b, nil
}

// constantTimeEqual reports whether a and b hold the same bytes, without
// leaking timing information about where they first differ.
func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// zeroize overwrites b with zero bytes, in place. Used to scrub master
// keys and key-encryption keys from memory as soon as they are no longer
// needed (spec.md §5: "K_m and KEK buffers MUST be overwritten before
// release").
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
