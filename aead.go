package pvault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
)

// aeadNonceSize and aeadTagSize are fixed by AES-256-GCM as used
// throughout this package: a 12-byte nonce and a 16-byte authentication
// tag, for a 28-byte minimum combined-form overhead.
const (
	aeadNonceSize = 12
	aeadTagSize   = 16
	aeadOverhead  = aeadNonceSize + aeadTagSize
)

// newGCM builds the AES-256-GCM AEAD for a 32-byte key.
func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != masterKeySize {
		return nil, fmt.Errorf("pvault: AES-256-GCM requires a %d-byte key, got %d", masterKeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("pvault: new AES cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// sealCombined AES-256-GCM-seals plaintext under key and returns the
// combined representation nonce ‖ ciphertext ‖ tag. If nonce is nil, a
// fresh random 12-byte nonce is generated; otherwise the caller-supplied
// nonce is used verbatim (the PVLT1 codec supplies its own constructed
// per-chunk nonce here).
func sealCombined(key, plaintext, nonce []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	if nonce == nil {
		nonce = make([]byte, aeadNonceSize)
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("pvault: generate nonce: %w", err)
		}
	} else if len(nonce) != aeadNonceSize {
		return nil, fmt.Errorf("pvault: nonce must be %d bytes, got %d", aeadNonceSize, len(nonce))
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	combined := make([]byte, 0, len(nonce)+len(sealed))
	combined = append(combined, nonce...)
	combined = append(combined, sealed...)
	return combined, nil
}

// openCombined splits combined into its leading 12-byte nonce and
// trailing ciphertext+tag, then AES-256-GCM-opens it under key.
// Malformed is returned when combined is shorter than the 28-byte
// minimum; AuthFailure is returned on tag mismatch.
func openCombined(key, combined []byte) ([]byte, error) {
	if len(combined) < aeadOverhead {
		return nil, ErrMalformed
	}

	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}

	nonce := combined[:aeadNonceSize]
	ciphertext := combined[aeadNonceSize:]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrAuthFailure
	}
	return plaintext, nil
}
