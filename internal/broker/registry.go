package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Registry maps transport names to dialers. Transports are registered explicitly at
// startup; there is no dynamic loading.
type Registry struct {
	dialers map[Transport]Dialer
	mu      sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{
		dialers: make(map[Transport]Dialer),
	}
}

// Register adds a dialer for a transport
func (r *Registry) Register(t Transport, d Dialer) error {
	if d == nil {
		return fmt.Errorf("dialer for transport %s is nil", t)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dialers[t]; exists {
		return fmt.Errorf("transport %s already registered", t)
	}
	r.dialers[t] = d
	return nil
}

// Dialer returns the dialer registered for a transport
func (r *Registry) Dialer(t Transport) (Dialer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.dialers[t]
	if !ok {
		return nil, NewError(OpConnect, ErrUnknownTransport, fmt.Errorf("transport %q", t))
	}
	return d, nil
}

// Open dials the transport named in opts
func (r *Registry) Open(ctx context.Context, opts Options) (Connection, error) {
	d, err := r.Dialer(opts.Transport)
	if err != nil {
		return nil, err
	}
	return d.Open(ctx, opts)
}

// Transports returns the registered transport names in sorted order
func (r *Registry) Transports() []Transport {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]Transport, 0, len(r.dialers))
	for t := range r.dialers {
		names = append(names, t)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}
