package testsupport

import (
	"context"
	"testing"

	"fprintd/internal/config"
	"fprintd/internal/logging"
	"fprintd/internal/storage"
)

// MustOpenStore brings up the backend cfg selects and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) storage.Backend {
	t.Helper()

	store, err := storage.Open(context.Background(), cfg, logging.NewNop())
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Deinit()
	})
	return store
}
