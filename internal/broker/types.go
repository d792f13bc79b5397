//file: internal/broker/types.go
// Package broker defines the transport-neutral connection, session and delivery contracts
// shared by every message bus implementation (AMQP, NATS, MQTT and in-process).
package broker

import (
	"context"
	"time"
)

// ExchangeKind is the distribution strategy of an exchange
type ExchangeKind string

const (
	// KindFanout broadcasts every message to every bound queue, ignoring routing keys
	KindFanout ExchangeKind = "fanout"
	// KindDirect routes on an exact routing key match
	KindDirect ExchangeKind = "direct"
	// KindTopic routes on a routing key pattern
	KindTopic ExchangeKind = "topic"
)

// Transport names a broker client implementation
type Transport string

const (
	TransportAMQP   Transport = "amqp"
	TransportNATS   Transport = "nats"
	TransportMQTT   Transport = "mqtt"
	TransportMemory Transport = "memory"
)

// ConnectionState represents the current state of a broker connection
type ConnectionState string

const (
	// ConnectionStateOpen indicates the connection is usable
	ConnectionStateOpen ConnectionState = "open"
	// ConnectionStateClosed indicates the connection was closed locally
	ConnectionStateClosed ConnectionState = "closed"
	// ConnectionStateLost indicates the peer dropped the connection
	ConnectionStateLost ConnectionState = "lost"
)

// Dialer opens a connection to a broker. Implementations never retry on their own.
type Dialer interface {
	Open(ctx context.Context, opts Options) (Connection, error)
}

// DialerFunc adapts a function to the Dialer interface
type DialerFunc func(ctx context.Context, opts Options) (Connection, error)

// Open implements Dialer
func (f DialerFunc) Open(ctx context.Context, opts Options) (Connection, error) {
	return f(ctx, opts)
}

// Connection is one long-lived link to a broker
type Connection interface {
	// OpenSession opens a new session (channel) on the connection
	OpenSession(ctx context.Context) (Session, error)

	// NotifyClose returns a channel that receives at most one error when the
	// connection ends. A nil error means the connection was closed locally.
	NotifyClose() <-chan error

	// IsOpen reports whether the connection is still usable
	IsOpen() bool

	// Close closes the connection and every session opened on it
	Close() error
}

// Session is a logical channel on a connection. Control-plane calls on one session
// are serialized by the implementation; message delivery is concurrent.
type Session interface {
	// DeclareExchange declares an exchange idempotently
	DeclareExchange(ctx context.Context, name string, kind ExchangeKind) error

	// DeclareQueue declares an anonymous, exclusive queue and returns its
	// server-generated name
	DeclareQueue(ctx context.Context) (string, error)

	// BindQueue binds a queue to an exchange with the given routing key
	BindQueue(ctx context.Context, queue, exchange, key string) error

	// Consume attaches a consumer to a queue. Deliveries must be acknowledged
	// explicitly. The returned channel is closed when the consumer is cancelled
	// or the session ends.
	Consume(ctx context.Context, queue, consumerTag string) (<-chan Delivery, error)

	// Cancel stops the consumer identified by consumerTag
	Cancel(ctx context.Context, consumerTag string) error

	// Publish sends a message body to an exchange
	Publish(ctx context.Context, exchange, key string, msg Message) error

	// IsOpen reports whether the session is still usable
	IsOpen() bool

	// Close closes the session
	Close() error
}

// Message is an outbound message
type Message struct {
	ContentType string
	Body        []byte
	Timestamp   time.Time
}

// Delivery is an inbound message awaiting acknowledgment
type Delivery interface {
	Body() []byte
	Redelivered() bool
	Ack() error
	Nack(requeue bool) error
}

// Options holds the settings every transport understands
type Options struct {
	Transport   Transport
	URL         string
	Host        string
	Port        int
	Username    string
	Password    string
	VirtualHost string
	ClientID    string

	ConnectTimeout   time.Duration
	OperationTimeout time.Duration

	// PublisherConfirms waits for broker receipt on every publish where the
	// transport supports it
	PublisherConfirms bool

	TLS *TLSOptions
}

// TLSOptions holds client TLS material
type TLSOptions struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

// OperationContext derives a context bounded by the configured operation timeout.
// A zero timeout falls back to DefaultOperationTimeout.
func (o Options) OperationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.OperationTimeout
	if timeout <= 0 {
		timeout = DefaultOperationTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

// ConnectContext derives a context bounded by the configured connect timeout
func (o Options) ConnectContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return context.WithTimeout(ctx, timeout)
}

const (
	DefaultConnectTimeout   = 10 * time.Second
	DefaultOperationTimeout = 5 * time.Second
)
