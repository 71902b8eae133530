package pvault

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

// maxFailedUnlocks is the number of consecutive failed unlock attempts
// that trigger a lockout.
const maxFailedUnlocks = 5

// lockoutDuration is how long a vault stays locked out after
// maxFailedUnlocks consecutive failures.
const lockoutDuration = 60 * time.Second

type vaultState int

const (
	stateUninitialized vaultState = iota
	stateLocked
	stateUnlocked
)

// VaultService is the vault lifecycle state machine (C5): Uninitialized,
// Locked, or Unlocked, backed by a Store over an absfs.FileSystem. One
// VaultService corresponds to one vault directory; all of its exported
// methods serialize on a single mutex, so only one operation is ever in
// flight, mirroring the teacher's own single-writer-lock discipline in
// its EncryptFS type.
type VaultService struct {
	mu    sync.Mutex
	store *Store

	defaultKDF KDFParams

	cache     CredentialCache
	accountID string

	state     vaultState
	config    *VaultConfig
	masterKey []byte
	items     Catalog

	failedUnlocks int
	lockedUntil   time.Time
}

// NewVaultService opens (or prepares to create) the vault rooted at base.
// If a vault-config.json is already present, the returned service starts
// in the Locked state; otherwise it starts Uninitialized. defaultKDF
// supplies the algorithm and iteration count used by CreateVault.
func NewVaultService(base absfs.FileSystem, defaultKDF KDFParams) (*VaultService, error) {
	store := NewStore(base)
	cfg, err := store.LoadConfig()
	if err != nil {
		return nil, err
	}

	if defaultKDF.Iterations <= 0 {
		defaultKDF.Iterations = DefaultPBKDF2Iterations
	}
	if defaultKDF.Algorithm == "" {
		defaultKDF.Algorithm = KDFAlgorithmPBKDF2SHA256
	}

	svc := &VaultService{
		store:      store,
		defaultKDF: defaultKDF,
	}
	if cfg == nil {
		svc.state = stateUninitialized
	} else {
		svc.state = stateLocked
		svc.config = cfg
	}
	return svc, nil
}

// UseCredentialCache wires an optional CredentialCache (spec.md §6.5) into
// the service, keyed under accountID. Unlock stores the derived master key
// in the cache on success; Lock purges it.
func (s *VaultService) UseCredentialCache(cache CredentialCache, accountID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache = cache
	s.accountID = accountID
}

// IsInitialized reports whether a vault-config.json already exists.
func (s *VaultService) IsInitialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != stateUninitialized
}

// IsUnlocked reports whether the vault's master key is currently held in
// memory.
func (s *VaultService) IsUnlocked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateUnlocked
}

// CreateVault initializes a brand-new vault: a fresh random master key,
// wrapped under a KEK derived from password with a fresh random salt, and
// an empty catalog. It fails with ErrAlreadyInitialized if vault-config.json
// already exists. On success the vault ends in the Unlocked state.
func (s *VaultService) CreateVault(password []byte) (*UnlockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUninitialized {
		return nil, ErrAlreadyInitialized
	}

	salt, err := generateSalt()
	if err != nil {
		return nil, err
	}
	masterKey, err := generateMasterKey()
	if err != nil {
		return nil, err
	}

	kek, err := deriveKEK(password, salt, s.defaultKDF.Iterations, masterKeySize)
	if err != nil {
		zeroize(masterKey)
		return nil, err
	}
	wrapped, err := sealCombined(kek, masterKey, nil)
	zeroize(kek)
	if err != nil {
		zeroize(masterKey)
		return nil, fmt.Errorf("pvault: wrap master key: %w", err)
	}

	cfg := &VaultConfig{
		Version: CurrentVaultConfigVersion,
		KDF: KDFConfig{
			Algorithm:  s.defaultKDF.Algorithm,
			SaltB64:    encodeB64(salt),
			Iterations: s.defaultKDF.Iterations,
		},
		WrappedVaultKeyB64: encodeB64(wrapped),
		CreatedAt:          time.Now().UTC(),
	}

	if err := s.store.SaveConfig(cfg); err != nil {
		zeroize(masterKey)
		return nil, err
	}
	if err := s.store.SaveItems(Catalog{}, masterKey); err != nil {
		zeroize(masterKey)
		s.store.RemoveConfig()
		return nil, err
	}

	s.config = cfg
	s.masterKey = masterKey
	s.items = Catalog{}
	s.state = stateUnlocked
	s.failedUnlocks = 0

	return s.snapshotLocked(), nil
}

// Unlock derives the KEK from password and the persisted KDF parameters,
// unwraps the master key, and loads the catalog. A wrong password and a
// corrupt vault are indistinguishable to the caller: both surface as
// ErrWrongPasswordOrCorrupt. Five consecutive failures lock the vault out
// for 60 seconds (ErrLockedOut).
func (s *VaultService) Unlock(password []byte) (*UnlockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateUninitialized {
		return nil, ErrNotInitialized
	}
	if err := s.checkLockoutLocked(); err != nil {
		return nil, err
	}

	cfg, err := s.store.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotInitialized
	}
	if cfg.KDF.Algorithm != KDFAlgorithmPBKDF2SHA256 {
		return nil, ErrUnsupportedKDF
	}

	salt, err := decodeB64(cfg.KDF.SaltB64)
	if err != nil {
		return nil, err
	}
	wrapped, err := decodeB64(cfg.WrappedVaultKeyB64)
	if err != nil {
		return nil, err
	}

	kek, err := deriveKEK(password, salt, cfg.KDF.Iterations, masterKeySize)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}
	masterKey, err := openCombined(kek, wrapped)
	zeroize(kek)
	if err != nil {
		s.recordFailureLocked()
		return nil, ErrWrongPasswordOrCorrupt
	}

	items, err := s.store.LoadItems(masterKey)
	if err != nil {
		zeroize(masterKey)
		s.recordFailureLocked()
		return nil, err
	}

	s.failedUnlocks = 0
	s.config = cfg
	s.masterKey = masterKey
	s.items = items
	s.state = stateUnlocked

	s.cacheStoreLocked()

	return s.snapshotLocked(), nil
}

// UnlockFromCache unlocks using a master key previously obtained from a
// CredentialCache, skipping password derivation entirely. A cachedKey that
// fails to open the catalog is treated as an ordinary failed unlock
// attempt, not a distinct error class.
func (s *VaultService) UnlockFromCache(cachedKey []byte) (*UnlockResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateUninitialized {
		return nil, ErrNotInitialized
	}
	if err := s.checkLockoutLocked(); err != nil {
		return nil, err
	}

	cfg, err := s.store.LoadConfig()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, ErrNotInitialized
	}

	items, err := s.store.LoadItems(cachedKey)
	if err != nil {
		s.recordFailureLocked()
		return nil, err
	}

	masterKey := make([]byte, len(cachedKey))
	copy(masterKey, cachedKey)

	s.failedUnlocks = 0
	s.config = cfg
	s.masterKey = masterKey
	s.items = items
	s.state = stateUnlocked

	return s.snapshotLocked(), nil
}

// ChangePassword re-wraps the existing master key under a KEK derived
// from newPassword, after confirming currentPassword still unwraps the
// currently stored key. Items and payloads are untouched; only
// vault-config.json changes. iterations <= 0 keeps the vault's current
// iteration count. Requires the vault to already be Unlocked.
func (s *VaultService) ChangePassword(currentPassword, newPassword []byte, iterations int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnlocked {
		return ErrNotUnlocked
	}

	salt, err := decodeB64(s.config.KDF.SaltB64)
	if err != nil {
		return err
	}
	wrapped, err := decodeB64(s.config.WrappedVaultKeyB64)
	if err != nil {
		return err
	}

	kek, err := deriveKEK(currentPassword, salt, s.config.KDF.Iterations, masterKeySize)
	if err != nil {
		return err
	}
	unwrapped, err := openCombined(kek, wrapped)
	zeroize(kek)
	if err != nil {
		return ErrWrongPasswordOrCorrupt
	}
	matches := constantTimeEqual(unwrapped, s.masterKey)
	zeroize(unwrapped)
	if !matches {
		return ErrWrongPasswordOrCorrupt
	}

	if iterations <= 0 {
		iterations = s.config.KDF.Iterations
	}

	newSalt, err := generateSalt()
	if err != nil {
		return err
	}
	newKEK, err := deriveKEK(newPassword, newSalt, iterations, masterKeySize)
	if err != nil {
		return err
	}
	newWrapped, err := sealCombined(newKEK, s.masterKey, nil)
	zeroize(newKEK)
	if err != nil {
		return fmt.Errorf("pvault: wrap master key: %w", err)
	}

	newCfg := &VaultConfig{
		Version: s.config.Version,
		KDF: KDFConfig{
			Algorithm:  KDFAlgorithmPBKDF2SHA256,
			SaltB64:    encodeB64(newSalt),
			Iterations: iterations,
		},
		WrappedVaultKeyB64: encodeB64(newWrapped),
		CreatedAt:          s.config.CreatedAt,
	}

	if err := s.store.SaveConfig(newCfg); err != nil {
		return err
	}
	s.config = newCfg
	return nil
}

// Lock discards the in-memory master key and catalog and purges any
// cached credential. Locking an already-Locked vault is a no-op.
func (s *VaultService) Lock() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == stateUninitialized {
		return ErrNotInitialized
	}
	if s.state != stateUnlocked {
		return nil
	}

	zeroize(s.masterKey)
	s.masterKey = nil
	s.items = nil
	s.state = stateLocked

	if s.cache != nil {
		s.cache.Delete(s.accountID)
	}
	return nil
}

// AddFile stream-encrypts the contents of r into a new PVLT1 payload
// under files/ and appends a catalog entry for it named name. If the
// payload is written successfully but the catalog re-save fails, the
// error wraps ErrOrphanedPayload: the payload exists on disk but is not
// referenced by any item.
func (s *VaultService) AddFile(name string, r io.Reader) (*Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnlocked {
		return nil, ErrNotUnlocked
	}

	encryptedName := NewPayloadName()
	f, err := s.store.CreatePayload(encryptedName)
	if err != nil {
		return nil, err
	}

	_, originalSize, err := EncodeStream(f, r, s.masterKey, DefaultChunkSize)
	closeErr := f.Close()
	if err != nil {
		s.store.RemovePayload(encryptedName)
		return nil, err
	}
	if closeErr != nil {
		s.store.RemovePayload(encryptedName)
		return nil, newIOError("close", encryptedName, closeErr)
	}

	item := Item{
		ID:                    uuid.NewString(),
		OriginalFileName:      name,
		OriginalFileExtension: filepath.Ext(name),
		OriginalByteCount:     originalSize,
		AddedAt:               time.Now().UTC(),
		EncryptedFileName:     encryptedName,
	}

	newItems := make(Catalog, len(s.items), len(s.items)+1)
	copy(newItems, s.items)
	newItems = append(newItems, item)

	if err := s.store.SaveItems(newItems, s.masterKey); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOrphanedPayload, err)
	}

	s.items = newItems
	return &item, nil
}

// ExportItem stream-decrypts item's payload and writes the recovered
// plaintext to w. Callers that export to a file are responsible for the
// write-to-temp-then-rename discipline used elsewhere in this package, so
// a decode failure never leaves a partial file at the final path.
func (s *VaultService) ExportItem(item Item, w io.Writer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnlocked {
		return ErrNotUnlocked
	}

	f, err := s.store.OpenPayload(item.EncryptedFileName)
	if err != nil {
		return err
	}
	defer f.Close()

	return DecodeStream(w, f, s.masterKey)
}

// AddFilePath is the path-based convenience form of AddFile: it opens
// sourcePath and streams it in under its base name.
func (s *VaultService) AddFilePath(sourcePath string) (*Item, error) {
	f, err := os.Open(sourcePath)
	if err != nil {
		return nil, newIOError("open", sourcePath, err)
	}
	defer f.Close()

	return s.AddFile(filepath.Base(sourcePath), f)
}

// ExportItemToPath is the path-based convenience form of ExportItem. It
// decodes into a temp file beside destPath and renames it into place only
// once decoding succeeds in full, so a decode failure (corruption, wrong
// key) never leaves a partial or truncated file at destPath.
func (s *VaultService) ExportItemToPath(item Item, destPath string) error {
	tmpPath := destPath + ".tmp-" + uuid.NewString()

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return newIOError("create", tmpPath, err)
	}

	err = s.ExportItem(item, f)
	closeErr := f.Close()
	if err != nil {
		os.Remove(tmpPath)
		return err
	}
	if closeErr != nil {
		os.Remove(tmpPath)
		return newIOError("close", tmpPath, closeErr)
	}

	if err := os.Rename(tmpPath, destPath); err != nil {
		os.Remove(tmpPath)
		return newIOError("rename", destPath, err)
	}
	return nil
}

// DeleteItem removes item from the catalog and then best-effort deletes
// its payload file. The catalog is saved first so a crash between the two
// steps leaves, at worst, an unreferenced orphan payload rather than a
// catalog entry pointing at a missing file.
func (s *VaultService) DeleteItem(item Item) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != stateUnlocked {
		return ErrNotUnlocked
	}

	idx := s.items.IndexOf(item.ID)
	if idx < 0 {
		return ErrItemNotFound
	}

	newItems := make(Catalog, 0, len(s.items)-1)
	newItems = append(newItems, s.items[:idx]...)
	newItems = append(newItems, s.items[idx+1:]...)

	if err := s.store.SaveItems(newItems, s.masterKey); err != nil {
		return err
	}
	s.items = newItems

	s.store.RemovePayload(item.EncryptedFileName)
	return nil
}

// Items returns a copy of the current catalog. Requires Unlocked.
func (s *VaultService) Items() (Catalog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != stateUnlocked {
		return nil, ErrNotUnlocked
	}
	items := make(Catalog, len(s.items))
	copy(items, s.items)
	return items, nil
}

func (s *VaultService) checkLockoutLocked() error {
	if s.failedUnlocks < maxFailedUnlocks {
		return nil
	}
	if time.Now().Before(s.lockedUntil) {
		return ErrLockedOut
	}
	s.failedUnlocks = 0
	return nil
}

func (s *VaultService) recordFailureLocked() {
	s.failedUnlocks++
	if s.failedUnlocks >= maxFailedUnlocks {
		s.lockedUntil = time.Now().Add(lockoutDuration)
	}
}

func (s *VaultService) cacheStoreLocked() {
	if s.cache == nil {
		return
	}
	s.cache.Put(s.accountID, s.masterKey)
}

func (s *VaultService) snapshotLocked() *UnlockResult {
	key := make([]byte, len(s.masterKey))
	copy(key, s.masterKey)
	items := make(Catalog, len(s.items))
	copy(items, s.items)
	return &UnlockResult{MasterKey: key, Items: items}
}
