package dispatch

import (
	"fmt"

	"github.com/c360studio/semstreams/component"
)

// RegistryInterface defines the minimal interface needed for registration.
type RegistryInterface interface {
	RegisterWithConfig(component.RegistrationConfig) error
}

// Register registers the dispatch-core component with the given registry.
func Register(registry RegistryInterface) error {
	if registry == nil {
		return fmt.Errorf("registry cannot be nil")
	}
	return registry.RegisterWithConfig(component.RegistrationConfig{
		Name:        "dispatch-core",
		Factory:     NewComponent,
		Schema:      dispatchSchema,
		Type:        "processor",
		Protocol:    "workflow",
		Domain:      "dispatchcore",
		Description: "Routes queued messages to typed handlers through a bounded worker pool with retry and DLQ semantics",
		Version:     "0.1.0",
	})
}
