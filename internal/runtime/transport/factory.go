// Package transport resolves the configured transport kind into concrete
// backends and builds them through the transport registry.
package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/latencyprobe/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/latencyprobe/transport/transports"
)

// Factory abstracts how the harness initialises backends.
type Factory interface {
	Build(ctx context.Context, backend string, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error)
	Capabilities(backend string) transport.Capabilities
	Has(backend string) bool
}

// DefaultFactory returns the factory backed by the default transport registry.
func DefaultFactory() Factory {
	return RegistryFactory(transport.DefaultRegistry)
}

// RegistryFactory returns a factory backed by reg.
func RegistryFactory(reg *transport.Registry) Factory {
	return registryFactory{reg: reg}
}

type registryFactory struct {
	reg *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, backend string, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Transport, error) {
	if cfg == nil {
		return transport.Transport{}, fmt.Errorf("config is required")
	}
	return f.reg.Build(ctx, backend, cfg, logger)
}

func (f registryFactory) Capabilities(backend string) transport.Capabilities {
	return f.reg.GetCapabilities(backend)
}

func (f registryFactory) Has(backend string) bool {
	return f.reg.Has(backend)
}
