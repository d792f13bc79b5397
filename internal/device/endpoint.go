package device

import (
	"context"
	"errors"
	"sync"
	"time"

	"nvxroute-bus/config"
)

// ErrNoTransmitter is returned when a source has no streaming transmitter
var ErrNoTransmitter = errors.New("source has no transmitter")

// Endpoint is one managed streaming unit
type Endpoint interface {
	ID() uint32
	Name() string
	// ApplyRouting switches the endpoint if the change targets it. Changes
	// for other destinations are ignored.
	ApplyRouting(ctx context.Context, sourceID, destinationID int) error
	// Route returns the source currently decoded and its stream address.
	// A zero source means nothing is routed.
	Route() (sourceID int, multicast string)
	Info() Info
}

// Resolver finds the multicast address a source is streamed on
type Resolver interface {
	MulticastFor(sourceID int) (string, error)
}

type ResolverFunc func(sourceID int) (string, error)

func (f ResolverFunc) MulticastFor(sourceID int) (string, error) {
	return f(sourceID)
}

// Info is a point-in-time view of an endpoint
type Info struct {
	ID          uint32    `json:"id"`
	Name        string    `json:"name"`
	Model       string    `json:"model"`
	Mode        string    `json:"mode"`
	Multicast   string    `json:"multicast"`
	Destination int       `json:"destination,omitempty"`
	SourceID    int       `json:"sourceId,omitempty"`
	Stream      string    `json:"stream,omitempty"`
	Switches    uint64    `json:"switches"`
	LastSwitch  time.Time `json:"lastSwitch"`
}

const (
	ModeTransmitter = "transmitter"
	ModeReceiver    = "receiver"
)

type streamEndpoint struct {
	model       string
	caps        Capability
	id          uint32
	name        string
	multicast   string
	destination int
	resolver    Resolver

	mu         sync.Mutex
	sourceID   int
	stream     string
	switches   uint64
	lastSwitch time.Time
}

func newStreamEndpoint(model string, caps Capability, item config.NvxItem, resolver Resolver) *streamEndpoint {
	return &streamEndpoint{
		model:       model,
		caps:        caps,
		id:          item.ID,
		name:        item.Name,
		multicast:   item.Multicast,
		destination: item.Destination,
		resolver:    resolver,
	}
}

func (e *streamEndpoint) ID() uint32 {
	return e.id
}

func (e *streamEndpoint) Name() string {
	return e.name
}

func (e *streamEndpoint) receiver() bool {
	return e.destination != 0 && e.caps&CapReceive != 0
}

func (e *streamEndpoint) ApplyRouting(ctx context.Context, sourceID, destinationID int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !e.receiver() || destinationID != e.destination {
		return nil
	}

	multicast, err := e.resolver.MulticastFor(sourceID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.sourceID == sourceID && e.stream == multicast {
		return nil
	}
	e.sourceID = sourceID
	e.stream = multicast
	e.switches++
	e.lastSwitch = time.Now()
	return nil
}

func (e *streamEndpoint) Route() (int, string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sourceID, e.stream
}

func (e *streamEndpoint) Info() Info {
	e.mu.Lock()
	defer e.mu.Unlock()

	mode := ModeTransmitter
	if e.receiver() {
		mode = ModeReceiver
	}
	return Info{
		ID:          e.id,
		Name:        e.name,
		Model:       e.model,
		Mode:        mode,
		Multicast:   e.multicast,
		Destination: e.destination,
		SourceID:    e.sourceID,
		Stream:      e.stream,
		Switches:    e.switches,
		LastSwitch:  e.lastSwitch,
	}
}
