package ml

import "fmt"

// Backend represents a tensor execution backend.
type Backend interface {
	// Close frees all memory associated with this backend
	Close()

	Name() string

	// Device reports the device this backend hosts tensors on.
	Device() Device

	NewContext() Context
}

var backends = make(map[string]func() (Backend, error))

// RegisterBackend registers a backend factory function.
func RegisterBackend(name string, f func() (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

// NewBackend creates a new backend instance by registered name.
func NewBackend(name string) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend()
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}
