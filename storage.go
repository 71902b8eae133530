package pvault

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/absfs/absfs"
	"github.com/google/uuid"
)

const (
	configFileName = "vault-config.json"
	itemsFileName  = "items.json.pvlt"
	filesDirName   = "files"
)

// Store is the catalog store (C4): it owns no long-lived state beyond the
// absfs.FileSystem handle — every operation reopens the files it needs,
// exactly as spec.md §4.4 requires. The same Store works unmodified
// against the real OS filesystem (NewOSDirFS) or an in-memory one
// (absfs/memfs), which is what the test suite uses for speed.
type Store struct {
	fs absfs.FileSystem
}

// NewStore wraps an absfs.FileSystem rooted at the vault directory.
func NewStore(fs absfs.FileSystem) *Store {
	return &Store{fs: fs}
}

func vpath(parts ...string) string {
	return "/" + strings.Join(parts, "/")
}

// LoadConfig returns the persisted VaultConfig, or (nil, nil) if
// vault-config.json does not exist yet. A present-but-malformed file is
// reported as ErrInvalidConfig.
func (s *Store) LoadConfig() (*VaultConfig, error) {
	data, err := s.readFile(vpath(configFileName))
	if err != nil {
		if isNotExist(err) {
			return nil, nil
		}
		return nil, newIOError("read", configFileName, err)
	}

	var cfg VaultConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

// SaveConfig atomically replaces vault-config.json.
func (s *Store) SaveConfig(cfg *VaultConfig) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("pvault: marshal vault config: %w", err)
	}
	return s.atomicWrite(vpath(configFileName), data)
}

// RemoveConfig deletes vault-config.json. Used to roll back a vault
// creation that wrote the config but failed to write the initial empty
// catalog, so a half-created vault does not masquerade as initialized.
func (s *Store) RemoveConfig() error {
	err := s.fs.Remove(vpath(configFileName))
	if err != nil && !isNotExist(err) {
		return newIOError("remove", configFileName, err)
	}
	return nil
}

// LoadItems decrypts and decodes the catalog under masterKey. A missing
// items.json.pvlt yields an empty catalog (a freshly created vault has no
// file yet). Any AEAD failure is surfaced as ErrWrongPasswordOrCorrupt,
// collapsing "wrong key" and "corrupt blob" into one outcome per
// spec.md §4.4 and §7.
func (s *Store) LoadItems(masterKey []byte) (Catalog, error) {
	sealed, err := s.readFile(vpath(itemsFileName))
	if err != nil {
		if isNotExist(err) {
			return Catalog{}, nil
		}
		return nil, newIOError("read", itemsFileName, err)
	}

	plaintext, err := openCombined(masterKey, sealed)
	if err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}

	var items Catalog
	if err := json.Unmarshal(plaintext, &items); err != nil {
		return nil, ErrWrongPasswordOrCorrupt
	}
	return items, nil
}

// SaveItems seals the catalog under masterKey and atomically replaces
// items.json.pvlt.
func (s *Store) SaveItems(items Catalog, masterKey []byte) error {
	if items == nil {
		items = Catalog{}
	}
	plaintext, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("pvault: marshal catalog: %w", err)
	}

	sealed, err := sealCombined(masterKey, plaintext, nil)
	if err != nil {
		return fmt.Errorf("pvault: seal catalog: %w", err)
	}

	return s.atomicWrite(vpath(itemsFileName), sealed)
}

// NewPayloadName returns a fresh, server-generated <uuid>.pvlt basename
// for a new vault item's encryptedFileName.
func NewPayloadName() string {
	return uuid.NewString() + ".pvlt"
}

// PayloadPath resolves an encryptedFileName to its path under files/.
func (s *Store) PayloadPath(encryptedFileName string) string {
	return vpath(filesDirName, encryptedFileName)
}

// EnsureFilesDir creates files/ if it does not already exist.
func (s *Store) EnsureFilesDir() error {
	if err := s.fs.MkdirAll(vpath(filesDirName), 0o700); err != nil {
		return newIOError("mkdir", filesDirName, err)
	}
	return nil
}

// CreatePayload opens a fresh payload file under files/ for writing,
// creating the directory first if needed.
func (s *Store) CreatePayload(encryptedFileName string) (absfs.File, error) {
	if err := s.EnsureFilesDir(); err != nil {
		return nil, err
	}
	f, err := s.fs.OpenFile(s.PayloadPath(encryptedFileName), os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, newIOError("create", encryptedFileName, err)
	}
	return f, nil
}

// OpenPayload opens an existing payload file under files/ for reading.
func (s *Store) OpenPayload(encryptedFileName string) (absfs.File, error) {
	f, err := s.fs.Open(s.PayloadPath(encryptedFileName))
	if err != nil {
		return nil, newIOError("open", encryptedFileName, err)
	}
	return f, nil
}

// RemovePayload deletes a payload file. Missing files are not an error —
// callers use this for best-effort cleanup (DeleteItem, and AddFile after a
// failed encode).
func (s *Store) RemovePayload(encryptedFileName string) error {
	err := s.fs.Remove(s.PayloadPath(encryptedFileName))
	if err != nil && !isNotExist(err) {
		return newIOError("remove", encryptedFileName, err)
	}
	return nil
}

// atomicWrite writes data to a uniquely-named temp file beside name and
// renames it into place, so a reader never observes a partially written
// vault-config.json or items.json.pvlt.
func (s *Store) atomicWrite(name string, data []byte) error {
	tmp := name + ".tmp-" + uuid.NewString()

	f, err := s.fs.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return newIOError("create", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return newIOError("write", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		s.fs.Remove(tmp)
		return newIOError("sync", tmp, err)
	}
	if err := f.Close(); err != nil {
		s.fs.Remove(tmp)
		return newIOError("close", tmp, err)
	}

	if err := s.fs.Rename(tmp, name); err != nil {
		s.fs.Remove(tmp)
		return newIOError("rename", name, err)
	}
	return nil
}

func (s *Store) readFile(name string) ([]byte, error) {
	f, err := s.fs.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func isNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

// --- default OS-backed absfs.FileSystem -----------------------------------

// osDirFS is a minimal absfs.FileSystem rooted at a real directory on the
// host filesystem, grounded on the teacher's own examples/basic simpleFS
// adapter. NewOSDirFS is the default storage backend for VaultService;
// callers that want an in-memory vault (tests, ephemeral sessions) pass
// an absfs/memfs.FileSystem instead.
type osDirFS struct {
	root string
}

// NewOSDirFS returns an absfs.FileSystem rooted at dir, creating dir if
// it does not already exist.
func NewOSDirFS(dir string) (absfs.FileSystem, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("pvault: create vault directory: %w", err)
	}
	return &osDirFS{root: dir}, nil
}

func (fs *osDirFS) resolve(name string) string {
	return filepath.Join(fs.root, filepath.FromSlash(name))
}

func (fs *osDirFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	path := fs.resolve(name)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	return os.OpenFile(path, flag, perm)
}

func (fs *osDirFS) Mkdir(name string, perm os.FileMode) error {
	return os.Mkdir(fs.resolve(name), perm)
}

func (fs *osDirFS) MkdirAll(name string, perm os.FileMode) error {
	return os.MkdirAll(fs.resolve(name), perm)
}

func (fs *osDirFS) Remove(name string) error {
	return os.Remove(fs.resolve(name))
}

func (fs *osDirFS) RemoveAll(path string) error {
	return os.RemoveAll(fs.resolve(path))
}

func (fs *osDirFS) Rename(oldpath, newpath string) error {
	return os.Rename(fs.resolve(oldpath), fs.resolve(newpath))
}

func (fs *osDirFS) Stat(name string) (os.FileInfo, error) {
	return os.Stat(fs.resolve(name))
}

func (fs *osDirFS) Chmod(name string, mode os.FileMode) error {
	return os.Chmod(fs.resolve(name), mode)
}

func (fs *osDirFS) Chtimes(name string, atime, mtime time.Time) error {
	return os.Chtimes(fs.resolve(name), atime, mtime)
}

func (fs *osDirFS) Chown(name string, uid, gid int) error {
	return os.Chown(fs.resolve(name), uid, gid)
}

func (fs *osDirFS) Truncate(name string, size int64) error {
	return os.Truncate(fs.resolve(name), size)
}

func (fs *osDirFS) Separator() uint8 {
	return os.PathSeparator
}

func (fs *osDirFS) ListSeparator() uint8 {
	return os.PathListSeparator
}

func (fs *osDirFS) Chdir(dir string) error {
	return nil
}

func (fs *osDirFS) Getwd() (string, error) {
	return "/", nil
}

func (fs *osDirFS) TempDir() string {
	return os.TempDir()
}

func (fs *osDirFS) Open(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDONLY, 0)
}

func (fs *osDirFS) Create(name string) (absfs.File, error) {
	return fs.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o666)
}

// encodeB64 and decodeB64 are small helpers used when wiring KDFConfig
// salt and the wrapped master key into/out of VaultConfig's base64
// string fields.
func encodeB64(b []byte) string { return base64.StdEncoding.EncodeToString(b) }

func decodeB64(s string) ([]byte, error) {
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrInvalidConfig, err)
	}
	return b, nil
}
