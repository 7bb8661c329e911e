package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"sync"

	"fprintd/internal/fault"
	"fprintd/internal/finger"
)

// Module is the entry-point table an alternative backend provides, either
// registered in-process or exported by a plugin under the symbol names
// Init, Deinit, PrintDataSave, PrintDataLoad, PrintDataDelete and
// DiscoverPrints. The table uses only builtin types so plugins need not
// import this package. Modules report a missing template by returning an
// error wrapping fs.ErrNotExist.
type Module struct {
	Name            string
	Init            func(ctx context.Context, stateDir string, settings map[string]string) error
	Deinit          func() error
	PrintDataSave   func(ctx context.Context, owner, finger string, data []byte) error
	PrintDataLoad   func(ctx context.Context, owner, finger string) ([]byte, error)
	PrintDataDelete func(ctx context.Context, owner, finger string) error
	DiscoverPrints  func(ctx context.Context, owner string) ([]string, error)
}

// Missing lists the entry points the module does not provide.
func (m Module) Missing() []string {
	var missing []string
	if m.Init == nil {
		missing = append(missing, "Init")
	}
	if m.Deinit == nil {
		missing = append(missing, "Deinit")
	}
	if m.PrintDataSave == nil {
		missing = append(missing, "PrintDataSave")
	}
	if m.PrintDataLoad == nil {
		missing = append(missing, "PrintDataLoad")
	}
	if m.PrintDataDelete == nil {
		missing = append(missing, "PrintDataDelete")
	}
	if m.DiscoverPrints == nil {
		missing = append(missing, "DiscoverPrints")
	}
	return missing
}

// Validate fails with fault.ErrBackendUnavailable unless every entry point
// is present.
func (m Module) Validate() error {
	if missing := m.Missing(); len(missing) > 0 {
		return fault.Wrap(fault.ErrBackendUnavailable, "storage", "validate module "+m.Name,
			"missing entry points: "+strings.Join(missing, ", "), nil)
	}
	return nil
}

var (
	registryMu sync.RWMutex
	registry   = map[string]func() Module{}
)

// Register makes a module constructor available to Select under name.
// Drivers call it from init; registering the same name twice panics.
func Register(name string, factory func() Module) {
	registryMu.Lock()
	defer registryMu.Unlock()
	name = strings.ToLower(strings.TrimSpace(name))
	if factory == nil {
		panic("storage: Register factory is nil")
	}
	if name == "" || name == FileName {
		panic("storage: Register called with reserved name " + name)
	}
	if _, dup := registry[name]; dup {
		panic("storage: Register called twice for " + name)
	}
	registry[name] = factory
}

// Registered returns the names of in-process modules, sorted.
func Registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func lookupRegistered(name string) (Module, bool) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return Module{}, false
	}
	m := factory()
	if m.Name == "" {
		m.Name = name
	}
	return m, true
}

// moduleBackend adapts a validated Module to the Backend contract and maps
// module errors onto the storage taxonomy.
type moduleBackend struct {
	module     Module
	env        Env
	mu         sync.Mutex
	active     bool
	deinitDone bool
}

// Bind wraps a module as a Backend. The module must validate.
func Bind(m Module, env Env) (Backend, error) {
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &moduleBackend{module: m, env: env}, nil
}

func (b *moduleBackend) Name() string { return b.module.Name }

func (b *moduleBackend) Init(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.active {
		return nil
	}
	if err := b.module.Init(ctx, b.env.StateDir, b.env.Settings); err != nil {
		return fault.Wrap(fault.ErrBackendUnavailable, "storage", "init", b.module.Name, err)
	}
	b.active = true
	b.deinitDone = false
	return nil
}

func (b *moduleBackend) Deinit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.active || b.deinitDone {
		return nil
	}
	b.deinitDone = true
	b.active = false
	if err := b.module.Deinit(); err != nil {
		return fmt.Errorf("storage: deinit %s: %w", b.module.Name, err)
	}
	return nil
}

func (b *moduleBackend) Save(ctx context.Context, owner string, f finger.Finger, data []byte) error {
	if err := checkKey(owner, f); err != nil {
		return err
	}
	if err := b.module.PrintDataSave(ctx, owner, string(f), data); err != nil {
		return fault.Wrap(fault.ErrStorageWrite, b.module.Name, "save", recordKey(owner, f), err)
	}
	return nil
}

func (b *moduleBackend) Load(ctx context.Context, owner string, f finger.Finger) ([]byte, error) {
	if err := checkKey(owner, f); err != nil {
		return nil, err
	}
	data, err := b.module.PrintDataLoad(ctx, owner, string(f))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fault.Wrap(fault.ErrNotFound, b.module.Name, "load", recordKey(owner, f), nil)
	}
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, b.module.Name, "load", recordKey(owner, f), err)
	}
	return data, nil
}

func (b *moduleBackend) Delete(ctx context.Context, owner string, f finger.Finger) error {
	if err := checkKey(owner, f); err != nil {
		return err
	}
	err := b.module.PrintDataDelete(ctx, owner, string(f))
	if errors.Is(err, fs.ErrNotExist) {
		return fault.Wrap(fault.ErrNotFound, b.module.Name, "delete", recordKey(owner, f), nil)
	}
	if err != nil {
		return fault.Wrap(fault.ErrStorageWrite, b.module.Name, "delete", recordKey(owner, f), err)
	}
	return nil
}

func (b *moduleBackend) Discover(ctx context.Context, owner string) ([]finger.Finger, error) {
	if owner == "" {
		return nil, fault.Wrap(fault.ErrInvalidArgument, "storage", "discover", "empty owner", nil)
	}
	names, err := b.module.DiscoverPrints(ctx, owner)
	if errors.Is(err, fs.ErrNotExist) {
		return []finger.Finger{}, nil
	}
	if err != nil {
		return nil, fault.Wrap(fault.ErrStorageRead, b.module.Name, "discover", owner, err)
	}
	seen := make(map[finger.Finger]struct{}, len(names))
	found := make([]finger.Finger, 0, len(names))
	for _, name := range names {
		f, ok := finger.Parse(name)
		if !ok {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		found = append(found, f)
	}
	finger.Sort(found)
	return found, nil
}

func checkKey(owner string, f finger.Finger) error {
	if owner == "" {
		return fault.Wrap(fault.ErrInvalidArgument, "storage", "", "empty owner", nil)
	}
	if !f.Valid() {
		return fault.Wrap(fault.ErrInvalidFinger, "storage", "", string(f), nil)
	}
	return nil
}
