package sqlitestore_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"fprintd/internal/fault"
	"fprintd/internal/finger"
	"fprintd/internal/logging"
	"fprintd/internal/storage"
	"fprintd/internal/storage/sqlitestore"
)

func openBackend(t *testing.T, dir string) storage.Backend {
	t.Helper()
	backend, err := storage.Select(context.Background(), storage.Selection{
		Type:     sqlitestore.Name,
		Fallback: storage.FallbackAbort,
		Env:      storage.Env{StateDir: dir},
	}, logging.NewNop())
	if err != nil {
		t.Fatalf("Select sqlite: %v", err)
	}
	t.Cleanup(func() { _ = backend.Deinit() })
	return backend
}

func TestSelectResolvesRegisteredModule(t *testing.T) {
	backend := openBackend(t, t.TempDir())
	if backend.Name() != sqlitestore.Name {
		t.Fatalf("expected sqlite backend, got %q", backend.Name())
	}
}

func TestSaveLoadDeleteDiscover(t *testing.T) {
	ctx := context.Background()
	backend := openBackend(t, t.TempDir())

	if err := backend.Save(ctx, "alice", finger.RightIndex, []byte{1, 2, 3}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := backend.Save(ctx, "alice", finger.LeftThumb, []byte{4}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := backend.Save(ctx, "alice", finger.RightIndex, []byte{9, 9}); err != nil {
		t.Fatalf("overwrite Save: %v", err)
	}

	data, err := backend.Load(ctx, "alice", finger.RightIndex)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != string([]byte{9, 9}) {
		t.Fatalf("Load returned %v", data)
	}

	fingers, err := backend.Discover(ctx, "alice")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if len(fingers) != 2 || fingers[0] != finger.LeftThumb || fingers[1] != finger.RightIndex {
		t.Fatalf("Discover returned %v", fingers)
	}

	if err := backend.Delete(ctx, "alice", finger.RightIndex); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := backend.Delete(ctx, "alice", finger.RightIndex); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("second Delete should be NotFound, got %v", err)
	}
	if _, err := backend.Load(ctx, "alice", finger.RightIndex); !errors.Is(err, fault.ErrNotFound) {
		t.Fatalf("Load after delete should be NotFound, got %v", err)
	}
	empty, err := backend.Discover(ctx, "bob")
	if err != nil || len(empty) != 0 {
		t.Fatalf("Discover for unknown owner = %v, %v", empty, err)
	}
}

func TestReopenKeepsTemplates(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first := openBackend(t, dir)
	if err := first.Save(ctx, "carol", finger.RightThumb, []byte("print")); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := first.Deinit(); err != nil {
		t.Fatalf("Deinit: %v", err)
	}
	if err := first.Deinit(); err != nil {
		t.Fatalf("second Deinit: %v", err)
	}

	second := openBackend(t, dir)
	data, err := second.Load(ctx, "carol", finger.RightThumb)
	if err != nil || string(data) != "print" {
		t.Fatalf("Load after reopen = %q, %v", data, err)
	}
}

func TestSettingsPathOverridesStateDir(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "custom", "prints.db")
	store := &sqlitestore.Store{}
	if err := store.Init(context.Background(), "", map[string]string{"path": dbPath}); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer store.Close()
	if store.Path() != dbPath {
		t.Fatalf("Path = %q, want %q", store.Path(), dbPath)
	}
}
