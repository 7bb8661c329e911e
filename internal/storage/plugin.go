package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"plugin"
	"strings"

	"fprintd/internal/fault"
)

// LoadPlugin opens <dir>/<name>.so and resolves the module entry points.
// The returned module may be incomplete; callers run Validate before use.
// Symbols may be exported as functions or as variables of the function type.
func LoadPlugin(dir, name string) (Module, error) {
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return Module{}, fault.Wrap(fault.ErrBackendUnavailable, "storage", "load plugin", fmt.Sprintf("invalid module name %q", name), nil)
	}
	path := filepath.Join(dir, name+".so")
	if _, err := os.Stat(path); err != nil {
		return Module{}, fault.Wrap(fault.ErrBackendUnavailable, "storage", "load plugin", path, err)
	}
	p, err := plugin.Open(path)
	if err != nil {
		return Module{}, fault.Wrap(fault.ErrBackendUnavailable, "storage", "load plugin", path, err)
	}
	return Module{
		Name:            name,
		Init:            lookupSymbol[func(context.Context, string, map[string]string) error](p, "Init"),
		Deinit:          lookupSymbol[func() error](p, "Deinit"),
		PrintDataSave:   lookupSymbol[func(context.Context, string, string, []byte) error](p, "PrintDataSave"),
		PrintDataLoad:   lookupSymbol[func(context.Context, string, string) ([]byte, error)](p, "PrintDataLoad"),
		PrintDataDelete: lookupSymbol[func(context.Context, string, string) error](p, "PrintDataDelete"),
		DiscoverPrints:  lookupSymbol[func(context.Context, string) ([]string, error)](p, "DiscoverPrints"),
	}, nil
}

// lookupSymbol returns the zero value when the symbol is absent or has the
// wrong type, which Validate then reports as missing.
func lookupSymbol[T any](p *plugin.Plugin, name string) T {
	var zero T
	sym, err := p.Lookup(name)
	if err != nil {
		return zero
	}
	switch v := any(sym).(type) {
	case T:
		return v
	case *T:
		if v != nil {
			return *v
		}
	}
	return zero
}
