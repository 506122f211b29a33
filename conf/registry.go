package conf

import (
	"fmt"
	"sort"
	"sync"
)

// AccessorConstructor builds an accessor from backend specific options.
type AccessorConstructor func(options map[string]any) (Accessor, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AccessorConstructor)
)

// RegisterAccessor makes a configuration backend available by name.
// Backends register from their package init, selection happens once at
// startup, never per request.
func RegisterAccessor(kind string, c AccessorConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[kind] = c
}

// NewAccessor builds the named configuration backend.
func NewAccessor(kind string, options map[string]any) (Accessor, error) {
	registryMu.RLock()
	c, ok := registry[kind]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown config backend %q, available: %v", kind, accessorKinds())
	}
	return c(options)
}

func accessorKinds() []string {
	kinds := make([]string, 0, len(registry))
	for k := range registry {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
