// Package transports wires every built-in transport into a broker registry
package transports

import (
	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/broker/amqp"
	"nvxroute-bus/internal/broker/memory"
	"nvxroute-bus/internal/broker/mqtt"
	"nvxroute-bus/internal/broker/nats"
	"nvxroute-bus/internal/logger"
)

// Default returns a registry with the amqp, nats, mqtt and memory transports.
// The memory transport is backed by mem, or a fresh in-process broker if mem
// is nil.
func Default(log *logger.Logger, mem *memory.Broker) *broker.Registry {
	if mem == nil {
		mem = memory.NewBroker()
	}

	r := broker.NewRegistry()
	for t, d := range map[broker.Transport]broker.Dialer{
		broker.TransportAMQP:   amqp.NewDialer(log.With("transport", "amqp")),
		broker.TransportNATS:   nats.NewDialer(log.With("transport", "nats")),
		broker.TransportMQTT:   mqtt.NewDialer(log.With("transport", "mqtt")),
		broker.TransportMemory: mem,
	} {
		_ = r.Register(t, d)
	}
	return r
}
