package approval

import "sync"

// Global service instance and initialization guard. Reference-implementation
// handlers (internal/handlers) register themselves at package init() time,
// before the Dispatch Core has constructed its configured Service, so they
// reach the token table this way rather than via constructor injection.
var (
	globalService *Service
	globalOnce    sync.Once
)

// Global returns the singleton Service, creating one with defaults on first
// call if InitGlobal was never called.
func Global() *Service {
	globalOnce.Do(func() {
		globalService = New()
	})
	return globalService
}

// InitGlobal sets the global Service to svc. Must be called before any call
// to Global() to take effect; only the first call has any effect. The
// Dispatch Core's NewComponent calls this with its configured Service so
// handlers validate tokens against the same table the component issues from.
func InitGlobal(svc *Service) {
	globalOnce.Do(func() {
		globalService = svc
	})
}

// ResetGlobal resets the global Service. Not thread-safe; tests only.
func ResetGlobal() {
	globalOnce = sync.Once{}
	globalService = nil
}
