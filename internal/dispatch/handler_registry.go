package dispatch

import (
	"fmt"
	"sync"

	"github.com/selfevolve/dispatchcore/internal/router"
)

// handlerRegistry is the package-level table handler packages register into
// at init(), mirroring llm.RegisterProvider/llm.GetProvider's package-level
// registry behind a mutex.
var (
	handlerRegistryMu sync.RWMutex
	handlerRegistry   = make(map[string]router.Handler)
)

// RegisterHandler binds name (the queue configuration table's handler_name)
// to h. Call from an init() in the package implementing the handler.
func RegisterHandler(name string, h router.Handler) {
	handlerRegistryMu.Lock()
	defer handlerRegistryMu.Unlock()
	handlerRegistry[name] = h
}

// GetHandler looks up a registered handler by name.
func GetHandler(name string) (router.Handler, bool) {
	handlerRegistryMu.RLock()
	defer handlerRegistryMu.RUnlock()
	h, ok := handlerRegistry[name]
	return h, ok
}

func mustGetHandler(name string) (router.Handler, error) {
	h, ok := GetHandler(name)
	if !ok {
		return nil, fmt.Errorf("no handler registered under name %q", name)
	}
	return h, nil
}
