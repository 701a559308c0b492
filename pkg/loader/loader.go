// Package loader finds program images by name.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// Loader looks up program images by name.
type Loader interface {
	// LookupByName returns the image registered under name.
	LookupByName(name string) ([]byte, bool)
}

// Registry is an in-memory Loader.
type Registry struct {
	// mu protects apps.
	mu   sync.RWMutex
	apps map[string][]byte
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{apps: make(map[string][]byte)}
}

// Add registers an image under name, replacing any previous one.
func (r *Registry) Add(name string, image []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apps[name] = image
}

// LookupByName returns the image registered under name.
func (r *Registry) LookupByName(name string) ([]byte, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	image, ok := r.apps[name]
	return image, ok
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadDir registers every regular file of dir under its base name without
// extension and returns how many images were added.
func (r *Registry) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read apps dir: %w", err)
	}

	count := 0
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return count, fmt.Errorf("read app %s: %w", e.Name(), err)
		}
		name := e.Name()
		r.Add(name[:len(name)-len(filepath.Ext(name))], data)
		count++
	}
	return count, nil
}
