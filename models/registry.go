package models

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrUnknownArchitecture is returned by Lookup for unregistered names.
var ErrUnknownArchitecture = errors.New("unknown architecture")

var (
	registryMu sync.RWMutex
	registry   = map[string]Architecture{}
)

// Register makes an architecture available by name. Registering the same
// name twice panics.
func Register(name string, arch Architecture) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("models: Register called twice for " + name)
	}
	registry[name] = arch
}

// Lookup returns the architecture registered under name.
func Lookup(name string) (Architecture, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	arch, ok := registry[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownArchitecture, "%q", name)
	}
	return arch, nil
}

// Names lists registered architectures in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
