package pvault

import "time"

// VaultConfig is the plaintext JSON persisted at vault-config.json. Its
// own integrity is provided by the AEAD of the wrapped master key it
// carries, not by any secondary authenticator (spec.md invariant I1).
type VaultConfig struct {
	Version             int       `json:"version"`
	KDF                 KDFConfig `json:"kdf"`
	WrappedVaultKeyB64  string    `json:"wrappedVaultKeyB64"`
	CreatedAt           time.Time `json:"createdAt"`
}

// KDFConfig is the kdf sub-object of VaultConfig.
type KDFConfig struct {
	Algorithm  string `json:"algorithm"`
	SaltB64    string `json:"saltB64"`
	Iterations int    `json:"iterations"`
}

// CurrentVaultConfigVersion is the schema version written by this
// implementation.
const CurrentVaultConfigVersion = 1

// Item is a single entry in the vault catalog.
type Item struct {
	ID                     string    `json:"id"`
	OriginalFileName       string    `json:"originalFileName"`
	OriginalFileExtension  string    `json:"originalFileExtension,omitempty"`
	OriginalByteCount      int64     `json:"originalByteCount"`
	AddedAt                time.Time `json:"addedAt"`
	EncryptedFileName      string    `json:"encryptedFileName"`
}

// Catalog is the ordered list of vault items, persisted as a single
// AES-256-GCM sealed JSON array at items.json.pvlt.
type Catalog []Item

// IndexOf returns the index of the item with the given id, or -1.
func (c Catalog) IndexOf(id string) int {
	for i := range c {
		if c[i].ID == id {
			return i
		}
	}
	return -1
}

// UnlockResult is returned by the operations that bring a vault into the
// Unlocked state.
type UnlockResult struct {
	MasterKey []byte
	Items     Catalog
}
