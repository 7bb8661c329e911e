package storage_test

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"fprintd/internal/fault"
	"fprintd/internal/finger"
	"fprintd/internal/storage"
)

func newFileBackend(t *testing.T) *storage.FileBackend {
	t.Helper()
	backend := storage.NewFileBackend(filepath.Join(t.TempDir(), "prints"))
	if err := backend.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return backend
}

func TestFileBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	payload := bytes.Repeat([]byte{0xAB, 0x00, 0x17}, 100)

	if err := backend.Save(ctx, "alice", finger.RightIndex, payload); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := backend.Load(ctx, "alice", finger.RightIndex)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Load returned different bytes")
	}

	fingers, err := backend.Discover(ctx, "alice")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(fingers) != 1 || fingers[0] != finger.RightIndex {
		t.Fatalf("Discover returned %v", fingers)
	}
}

func TestFileBackendOverwriteReplaces(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	if err := backend.Save(ctx, "alice", finger.LeftThumb, []byte("first")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := backend.Save(ctx, "alice", finger.LeftThumb, []byte("second")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := backend.Load(ctx, "alice", finger.LeftThumb)
	if err != nil || string(got) != "second" {
		t.Fatalf("Load = %q, %v", got, err)
	}
}

func TestFileBackendNotFound(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)

	if _, err := backend.Load(ctx, "bob", finger.RightThumb); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Load missing: expected NotFound, got %v", err)
	}
	if err := backend.Save(ctx, "bob", finger.RightThumb, []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := backend.Delete(ctx, "bob", finger.RightThumb); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := backend.Delete(ctx, "bob", finger.RightThumb); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("second Delete: expected NotFound, got %v", err)
	}
	fingers, err := backend.Discover(ctx, "nobody")
	if err != nil {
		t.Fatalf("Discover unknown owner: %v", err)
	}
	if fingers == nil || len(fingers) != 0 {
		t.Fatalf("expected empty non-nil list, got %#v", fingers)
	}
}

func TestFileBackendDetectsCorruption(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	if err := backend.Save(ctx, "alice", finger.RightRing, []byte("template-bytes")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	path := filepath.Join(backend.Root(), "alice", string(finger.RightRing))
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read record: %v", err)
	}

	cases := map[string][]byte{
		"flipped payload": append(append([]byte{}, raw[:len(raw)-1]...), raw[len(raw)-1]^0xFF),
		"truncated":       raw[:len(raw)-3],
		"bad magic":       append([]byte("XXXX"), raw[4:]...),
		"empty":           {},
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			if err := os.WriteFile(path, content, 0o600); err != nil {
				t.Fatalf("write corrupt record: %v", err)
			}
			if _, err := backend.Load(ctx, "alice", finger.RightRing); !errors.Is(err, fault.ErrStorageRead) {
				t.Fatalf("expected StorageReadError, got %v", err)
			}
		})
	}
}

func TestFileBackendRejectsMisplacedRecord(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	if err := backend.Save(ctx, "alice", finger.RightIndex, []byte("alice print")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	src := filepath.Join(backend.Root(), "alice", string(finger.RightIndex))
	dstDir := filepath.Join(backend.Root(), "mallory")
	if err := os.MkdirAll(dstDir, 0o700); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	raw, _ := os.ReadFile(src)
	if err := os.WriteFile(filepath.Join(dstDir, string(finger.RightIndex)), raw, 0o600); err != nil {
		t.Fatalf("copy record: %v", err)
	}
	if _, err := backend.Load(ctx, "mallory", finger.RightIndex); !errors.Is(err, fault.ErrStorageRead) {
		t.Fatalf("expected StorageReadError for copied record, got %v", err)
	}
}

func TestFileBackendEscapesOwner(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	if err := backend.Save(ctx, "../etc", finger.LeftIndex, []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(backend.Root(), "..%2Fetc", string(finger.LeftIndex))); err != nil {
		t.Fatalf("expected escaped owner directory: %v", err)
	}
	for _, owner := range []string{"", ".", ".."} {
		if err := backend.Save(ctx, owner, finger.LeftIndex, []byte("x")); err == nil {
			t.Fatalf("expected owner %q to be rejected", owner)
		}
	}
}

func TestFileBackendDiscoverIgnoresStrayFiles(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	if err := backend.Save(ctx, "alice", finger.RightLittle, []byte("x")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := backend.Save(ctx, "alice", finger.LeftMiddle, []byte("y")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	dir := filepath.Join(backend.Root(), "alice")
	for _, name := range []string{".tmp-right-index-123", "notes.txt", "right-index-finger"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("junk"), 0o600); err != nil {
			t.Fatalf("write stray: %v", err)
		}
	}
	fingers, err := backend.Discover(ctx, "alice")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(fingers) != 2 || fingers[0] != finger.LeftMiddle || fingers[1] != finger.RightLittle {
		t.Fatalf("Discover returned %v", fingers)
	}
}

func TestFileBackendConcurrentSavers(t *testing.T) {
	ctx := context.Background()
	backend := newFileBackend(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			payload := bytes.Repeat([]byte{byte(i)}, 512)
			if err := backend.Save(ctx, "alice", finger.RightIndex, payload); err != nil {
				t.Errorf("Save %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()
	got, err := backend.Load(ctx, "alice", finger.RightIndex)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got) != 512 || !bytes.Equal(got, bytes.Repeat(got[:1], 512)) {
		t.Fatalf("record interleaved writers")
	}
}

func TestFileBackendInitFailsOnUnwritableRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses permission checks")
	}
	parent := t.TempDir()
	if err := os.Chmod(parent, 0o500); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	t.Cleanup(func() { _ = os.Chmod(parent, 0o700) })
	backend := storage.NewFileBackend(filepath.Join(parent, "prints"))
	if err := backend.Init(context.Background()); !errors.Is(err, fault.ErrBackendUnavailable) {
		t.Fatalf("expected BackendUnavailable, got %v", err)
	}
}
