// Package device models the streaming endpoints managed by the appliance.
// Each endpoint is built from its configuration entry through a registry of
// model factories and applies routing changes delivered by the bus.
package device

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"nvxroute-bus/config"
)

var (
	ErrUnknownModel    = errors.New("unknown endpoint model")
	ErrUnknownEndpoint = errors.New("unknown endpoint")
	ErrNotReceiver     = errors.New("model cannot decode streams")
)

// Capability describes what a model can do on the network
type Capability int

const (
	CapTransmit Capability = 1 << iota
	CapReceive
)

// Factory builds an endpoint from its configuration entry
type Factory func(item config.NvxItem, resolver Resolver) (Endpoint, error)

// Registry maps model tags to factories. Lookups are case-insensitive.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// builtinModels lists the supported streaming models and their capabilities.
// The E-series units are encoders only.
var builtinModels = map[string]Capability{
	"350":  CapTransmit | CapReceive,
	"350C": CapTransmit | CapReceive,
	"351":  CapTransmit | CapReceive,
	"351C": CapTransmit | CapReceive,
	"352":  CapTransmit | CapReceive,
	"360":  CapTransmit | CapReceive,
	"363":  CapTransmit | CapReceive,
	"384":  CapTransmit | CapReceive,
	"E30":  CapTransmit,
	"E760": CapTransmit,
}

// NewRegistry returns a registry with every built-in model registered
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory, len(builtinModels))}
	for model, caps := range builtinModels {
		r.Register(model, streamFactory(model, caps))
	}
	return r
}

// Register adds or replaces the factory for a model tag
func (r *Registry) Register(model string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[normalizeModel(model)] = f
}

// Build constructs the endpoint for a configuration entry
func (r *Registry) Build(item config.NvxItem, resolver Resolver) (Endpoint, error) {
	r.mu.RLock()
	f, ok := r.factories[normalizeModel(item.Type)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, item.Type)
	}
	return f(item, resolver)
}

// Models returns the registered model tags, sorted
func (r *Registry) Models() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for m := range r.factories {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

func normalizeModel(model string) string {
	return strings.ToUpper(strings.TrimSpace(model))
}

func streamFactory(model string, caps Capability) Factory {
	return func(item config.NvxItem, resolver Resolver) (Endpoint, error) {
		if item.Destination != 0 && caps&CapReceive == 0 {
			return nil, fmt.Errorf("%w: %s is a %s", ErrNotReceiver, item.Name, model)
		}
		return newStreamEndpoint(model, caps, item, resolver), nil
	}
}
