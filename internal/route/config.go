package route

import (
	"fmt"

	"nvxroute-bus/config"
	"nvxroute-bus/internal/broker"
)

// BrokerOptions converts the bus configuration into transport options
func BrokerOptions(bus *config.BusConfig) broker.Options {
	opts := broker.Options{
		Transport:         broker.Transport(bus.Transport),
		URL:               bus.URL,
		Host:              bus.Host,
		Port:              bus.Port,
		Username:          bus.Username,
		Password:          bus.Password,
		VirtualHost:       bus.VirtualHost,
		ClientID:          bus.ClientID,
		ConnectTimeout:    bus.ConnectTimeoutDuration(),
		OperationTimeout:  bus.OperationTimeoutDuration(),
		PublisherConfirms: bus.PublisherConfirms,
	}
	if bus.TLS.Enable {
		opts.TLS = &broker.TLSOptions{
			CertFile: bus.TLS.CertFile,
			KeyFile:  bus.TLS.KeyFile,
			CAFile:   bus.TLS.CAFile,
		}
	}
	return opts
}

// NewControllerConfig builds the controller configuration for the given
// subscriber endpoints
func NewControllerConfig(cfg *config.Config, endpoints []string) ControllerConfig {
	return ControllerConfig{
		Options:              BrokerOptions(&cfg.Bus),
		Exchange:             cfg.Bus.Exchange,
		Endpoints:            endpoints,
		SessionPerSubscriber: cfg.Bus.SessionPerSubscriber,
		Reconnect:            cfg.Bus.Reconnect.Enabled,
		ReconnectInterval:    cfg.Bus.Reconnect.IntervalDuration(),
		Topology:             NewRoomTopology(&cfg.Room),
	}
}

// RoomTopology checks routes against the configured sources and destinations.
// An empty list accepts any id.
type RoomTopology struct {
	room *config.RoomConfig
}

func NewRoomTopology(room *config.RoomConfig) *RoomTopology {
	return &RoomTopology{room: room}
}

// ValidateRoute implements Topology
func (t *RoomTopology) ValidateRoute(sourceID, destinationID int) error {
	if len(t.room.Sources) > 0 {
		if _, ok := t.room.SourceByID(sourceID); !ok {
			return fmt.Errorf("%w: %d", ErrUnknownSource, sourceID)
		}
	}
	if len(t.room.Destinations) > 0 && !t.room.HasDestination(destinationID) {
		return fmt.Errorf("%w: %d", ErrUnknownDestination, destinationID)
	}
	return nil
}
