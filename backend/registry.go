package backend

import (
	"fmt"
	"sort"
	"sync"
)

// Factory opens a device of one backend.
type Factory func() (*Device, error)

// registry holds registered backends.
var (
	registryMu sync.RWMutex
	backends   = make(map[string]Factory)
	// Priority order for backend selection (first that opens wins).
	// Native > Software (Software is the fallback).
	backendPriority = []string{BackendNative, BackendSoftware}
)

// Register registers a backend factory with the given name.
// This is typically called from init() functions.
// If a backend with the same name is already registered, it will be replaced.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	backends[name] = factory
}

// Unregister removes a backend from the registry.
// This is useful for testing.
func Unregister(name string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(backends, name)
}

// Available returns the sorted names of registered backends.
func Available() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(backends))
	for name := range backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// IsRegistered checks if a backend with the given name is registered.
func IsRegistered(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := backends[name]
	return ok
}

// Open opens a device of the named backend.
func Open(name string) (*Device, error) {
	registryMu.RLock()
	factory, ok := backends[name]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrBackendNotAvailable, name)
	}
	dev, err := factory()
	if err != nil {
		return nil, fmt.Errorf("backend: open %s: %w", name, err)
	}
	return dev, nil
}

// OpenDefault opens the best available backend based on priority.
// Priority order: native > software, then any other registered backend.
// A backend whose factory fails is skipped.
func OpenDefault() (*Device, error) {
	tried := make(map[string]bool, len(backendPriority))
	for _, name := range backendPriority {
		tried[name] = true
		if !IsRegistered(name) {
			continue
		}
		if dev, err := Open(name); err == nil {
			return dev, nil
		}
	}

	// Fallback: first other backend that opens
	for _, name := range Available() {
		if tried[name] {
			continue
		}
		if dev, err := Open(name); err == nil {
			return dev, nil
		}
	}

	return nil, ErrBackendNotAvailable
}
