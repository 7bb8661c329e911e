package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"fprintd/internal/fault"
	"fprintd/internal/finger"
)

// FileName is the backend name used in configuration.
const FileName = "file"

const ownerLockName = ".lock"

// FileBackend stores one record per template under
// <root>/<escaped owner>/<finger>. Writes go to a temporary file that is
// synced and renamed into place, so readers never observe partial data.
// An advisory lock per owner directory serializes writers across goroutines
// and processes.
type FileBackend struct {
	root   string
	closed atomic.Bool
}

// NewFileBackend returns a file backend rooted at root.
func NewFileBackend(root string) *FileBackend {
	return &FileBackend{root: root}
}

func (b *FileBackend) Name() string { return FileName }

// Root returns the directory templates are stored under.
func (b *FileBackend) Root() string { return b.root }

func (b *FileBackend) Init(ctx context.Context) error {
	if strings.TrimSpace(b.root) == "" {
		return fault.Wrap(fault.ErrBackendUnavailable, "storage", "init", "state directory not configured", nil)
	}
	if err := os.MkdirAll(b.root, 0o700); err != nil {
		return fault.Wrap(fault.ErrBackendUnavailable, "storage", "init", b.root, err)
	}
	if err := unix.Access(b.root, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return fault.Wrap(fault.ErrBackendUnavailable, "storage", "init", "state directory not writable: "+b.root, err)
	}
	b.closed.Store(false)
	return nil
}

// Deinit is idempotent; the file backend holds no long-lived resources.
func (b *FileBackend) Deinit() error {
	b.closed.Store(true)
	return nil
}

func (b *FileBackend) Save(ctx context.Context, owner string, f finger.Finger, data []byte) error {
	dir, err := b.ownerDir(owner)
	if err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "save", "", err)
	}
	if !f.Valid() {
		return fault.Wrap(fault.ErrInvalidFinger, "storage", "save", string(f), nil)
	}
	if err := ctx.Err(); err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "save", recordKey(owner, f), err)
	}
	record, err := encodeRecord(owner, f, data)
	if err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "save", recordKey(owner, f), err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "save", recordKey(owner, f), err)
	}
	lock := flock.New(filepath.Join(dir, ownerLockName))
	if err := lock.Lock(); err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "save", "lock "+recordKey(owner, f), err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := writeFileAtomic(dir, string(f), record); err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "save", recordKey(owner, f), err)
	}
	return nil
}

func (b *FileBackend) Load(ctx context.Context, owner string, f finger.Finger) ([]byte, error) {
	dir, err := b.ownerDir(owner)
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, "storage", "load", "", err)
	}
	if !f.Valid() {
		return nil, fault.Wrap(fault.ErrInvalidFinger, "storage", "load", string(f), nil)
	}
	path := filepath.Join(dir, string(f))
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil, fault.Wrap(fault.ErrNotFound, "storage", "load", recordKey(owner, f), nil)
	}
	lock := flock.New(filepath.Join(dir, ownerLockName))
	if err := lock.RLock(); err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, "storage", "load", "lock "+recordKey(owner, f), err)
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.Wrap(fault.ErrNotFound, "storage", "load", recordKey(owner, f), nil)
	}
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, "storage", "load", recordKey(owner, f), err)
	}
	header, payload, err := decodeRecord(raw)
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, "storage", "load", recordKey(owner, f), err)
	}
	if header.Owner != owner || header.Finger != string(f) {
		return nil, fault.Wrap(fault.ErrStorageRead, "storage", "load",
			fmt.Sprintf("%s holds record for %s/%s", recordKey(owner, f), header.Owner, header.Finger), nil)
	}
	return payload, nil
}

func (b *FileBackend) Delete(ctx context.Context, owner string, f finger.Finger) error {
	dir, err := b.ownerDir(owner)
	if err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "delete", "", err)
	}
	if !f.Valid() {
		return fault.Wrap(fault.ErrInvalidFinger, "storage", "delete", string(f), nil)
	}
	path := filepath.Join(dir, string(f))
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(fault.ErrNotFound, "storage", "delete", recordKey(owner, f), nil)
	}
	lock := flock.New(filepath.Join(dir, ownerLockName))
	if err := lock.Lock(); err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "delete", "lock "+recordKey(owner, f), err)
	}
	defer func() { _ = lock.Unlock() }()

	if err := os.Remove(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fault.Wrap(fault.ErrNotFound, "storage", "delete", recordKey(owner, f), nil)
		}
		return fault.Wrap(fault.ErrStorageWrite, "storage", "delete", recordKey(owner, f), err)
	}
	if err := syncDir(dir); err != nil {
		return fault.Wrap(fault.ErrStorageWrite, "storage", "delete", recordKey(owner, f), err)
	}
	return nil
}

func (b *FileBackend) Discover(ctx context.Context, owner string) ([]finger.Finger, error) {
	dir, err := b.ownerDir(owner)
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, "storage", "discover", "", err)
	}
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []finger.Finger{}, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, "storage", "discover", owner, err)
	}
	found := make([]finger.Finger, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		if f, ok := finger.Parse(entry.Name()); ok && string(f) == entry.Name() {
			found = append(found, f)
		}
	}
	finger.Sort(found)
	return found, nil
}

func (b *FileBackend) ownerDir(owner string) (string, error) {
	if b.closed.Load() {
		return "", errors.New("backend deinitialized")
	}
	switch owner {
	case "", ".", "..":
		return "", fmt.Errorf("invalid owner %q", owner)
	}
	return filepath.Join(b.root, url.PathEscape(owner)), nil
}

func writeFileAtomic(dir, name string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-"+name+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		cleanup()
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	handle, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer handle.Close()
	return handle.Sync()
}

func recordKey(owner string, f finger.Finger) string {
	return owner + "/" + string(f)
}
