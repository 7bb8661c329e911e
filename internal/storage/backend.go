package storage

import (
	"context"

	"fprintd/internal/finger"
)

// Backend is the storage contract every variant implements.
//
// Load and Delete report a missing template with fault.ErrNotFound. Discover
// returns the fingers stored for owner in canonical order and an empty slice,
// not an error, when the owner has nothing stored.
type Backend interface {
	Name() string
	Init(ctx context.Context) error
	Deinit() error
	Save(ctx context.Context, owner string, f finger.Finger, data []byte) error
	Load(ctx context.Context, owner string, f finger.Finger) ([]byte, error)
	Delete(ctx context.Context, owner string, f finger.Finger) error
	Discover(ctx context.Context, owner string) ([]finger.Finger, error)
}

// Env is handed to a module's Init.
type Env struct {
	StateDir string
	Settings map[string]string
}
