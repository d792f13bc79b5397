package device

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"nvxroute-bus/config"
	"nvxroute-bus/internal/logger"
)

// Manager owns the endpoints built from the room configuration and applies
// routing changes to them by name.
type Manager struct {
	endpoints map[string]Endpoint
	names     []string
	logger    *logger.Logger
}

// NewManager builds every configured endpoint. Entries whose model is unknown
// or that fail to build are logged and skipped.
func NewManager(room *config.RoomConfig, reg *Registry, log *logger.Logger) *Manager {
	m := &Manager{
		endpoints: make(map[string]Endpoint, len(room.Nvx)),
		logger:    log,
	}
	resolver := NewRoomResolver(room)

	for _, item := range room.Nvx {
		if _, dup := m.endpoints[item.Name]; dup {
			log.Error("duplicate endpoint name, skipping", "name", item.Name)
			continue
		}
		ep, err := reg.Build(item, resolver)
		if err != nil {
			log.Error("failed to build endpoint",
				"name", item.Name,
				"type", item.Type,
				"id", item.ID,
				"error", err)
			continue
		}
		m.endpoints[item.Name] = ep
		m.names = append(m.names, item.Name)
		log.Info("registered endpoint",
			"name", item.Name,
			"type", item.Type,
			"id", item.ID,
			"multicast", item.Multicast)
	}
	return m
}

// Names returns the endpoint names in configuration order
func (m *Manager) Names() []string {
	return append([]string(nil), m.names...)
}

// Endpoint returns the endpoint registered under name
func (m *Manager) Endpoint(name string) (Endpoint, bool) {
	ep, ok := m.endpoints[name]
	return ep, ok
}

// ApplyRouting implements the subscriber applier. A source without a
// transmitter cannot be switched to and is ignored.
func (m *Manager) ApplyRouting(ctx context.Context, endpoint string, sourceID, destinationID int) error {
	ep, ok := m.endpoints[endpoint]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEndpoint, endpoint)
	}

	before, _ := ep.Route()
	err := ep.ApplyRouting(ctx, sourceID, destinationID)
	switch {
	case errors.Is(err, ErrNoTransmitter):
		m.logger.Warn("ignoring route to source without transmitter",
			"endpoint", endpoint,
			"sourceId", sourceID,
			"destinationId", destinationID)
		return nil
	case err != nil:
		return fmt.Errorf("failed to apply route on %s: %w", endpoint, err)
	}

	if after, stream := ep.Route(); after != before {
		m.logger.Info("switched stream",
			"endpoint", endpoint,
			"sourceId", after,
			"multicast", stream)
	}
	return nil
}

// Endpoints returns a snapshot of every endpoint, sorted by name
func (m *Manager) Endpoints() []Info {
	out := make([]Info, 0, len(m.endpoints))
	for _, ep := range m.endpoints {
		out = append(out, ep.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RoomResolver maps a source to the multicast address of the endpoint that
// transmits it
type RoomResolver struct {
	multicast map[int]string
	known     map[int]struct{}
}

func NewRoomResolver(room *config.RoomConfig) *RoomResolver {
	byName := make(map[string]string, len(room.Nvx))
	for _, n := range room.Nvx {
		byName[n.Name] = n.Multicast
	}

	r := &RoomResolver{
		multicast: make(map[int]string, len(room.Sources)),
		known:     make(map[int]struct{}, len(room.Sources)),
	}
	for _, s := range room.Sources {
		r.known[s.ID] = struct{}{}
		if addr, ok := byName[s.Endpoint]; ok && addr != "" {
			r.multicast[s.ID] = addr
		}
	}
	return r
}

// MulticastFor implements Resolver
func (r *RoomResolver) MulticastFor(sourceID int) (string, error) {
	if addr, ok := r.multicast[sourceID]; ok {
		return addr, nil
	}
	if _, ok := r.known[sourceID]; ok {
		return "", fmt.Errorf("%w: source %d", ErrNoTransmitter, sourceID)
	}
	return "", fmt.Errorf("%w: unknown source %d", ErrNoTransmitter, sourceID)
}
