package pvault

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// KDFAlgorithmPBKDF2SHA256 identifies the key-derivation function named in
// vault-config.json. Only PBKDF2-HMAC-SHA256 is accepted; any other label
// must gate-fail with ErrUnsupportedKDF before a single byte is derived.
const KDFAlgorithmPBKDF2SHA256 = "PBKDF2-HMAC-SHA256"

// DefaultPBKDF2Iterations is the iteration count used for newly created
// vaults absent an explicit override.
const DefaultPBKDF2Iterations = 200_000

// saltSize is the number of random bytes in kdf.salt.
const saltSize = 16

// masterKeySize is the size, in bytes, of the vault master key K_m.
const masterKeySize = 32

// KDFParams holds the PBKDF2 parameters carried in vault-config.json.
type KDFParams struct {
	Algorithm  string
	Salt       []byte
	Iterations int
}

// DefaultKDFParams returns the parameters used for newly created vaults:
// PBKDF2-HMAC-SHA256 with DefaultPBKDF2Iterations and no salt (the salt is
// generated fresh by CreateVault/ChangePassword).
func DefaultKDFParams() KDFParams {
	return KDFParams{
		Algorithm:  KDFAlgorithmPBKDF2SHA256,
		Iterations: DefaultPBKDF2Iterations,
	}
}

// generateSalt returns a fresh random 16-byte salt.
func generateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("pvault: generate salt: %w", err)
	}
	return salt, nil
}

// generateMasterKey returns a fresh random 256-bit master key.
func generateMasterKey() ([]byte, error) {
	key := make([]byte, masterKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("pvault: generate master key: %w", err)
	}
	return key, nil
}

// deriveKEK derives a key-encryption key from a password using
// PBKDF2-HMAC-SHA256 (RFC 8018). iterations must be positive and
// keyByteCount must be positive, or the call fails with
// ErrInvalidIterations / ErrInvalidKeyLength respectively — gate checks
// performed before any HMAC work is done.
func deriveKEK(password, salt []byte, iterations, keyByteCount int) ([]byte, error) {
	if iterations <= 0 {
		return nil, ErrInvalidIterations
	}
	if keyByteCount <= 0 {
		return nil, ErrInvalidKeyLength
	}
	return pbkdf2.Key(password, salt, iterations, keyByteCount, sha256.New), nil
}
