// Package mqtt is the MQTT transport of the bus. An exchange maps to the topic
// "<vhost>/<exchange>". MQTT has no exchanges or queues, so both are kept per
// connection and one topic subscription fans out to every bound local queue.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

const (
	defaultPort    = 1883
	defaultTLSPort = 8883

	// disconnectQuiesce is how long Disconnect lets in-flight work finish, in ms
	disconnectQuiesce = 250
)

// Dialer implements broker.Dialer for MQTT brokers
type Dialer struct {
	logger    *logger.Logger
	newClient ClientFactory
}

// NewDialer creates a dialer backed by paho
func NewDialer(log *logger.Logger) *Dialer {
	return NewDialerWithFactory(log, mqtt.NewClient)
}

// NewDialerWithFactory creates a dialer with a custom client factory (for testing)
func NewDialerWithFactory(log *logger.Logger, factory ClientFactory) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{logger: log, newClient: factory}
}

// BrokerURL returns the broker address to connect to. An explicit URL wins.
func BrokerURL(opts broker.Options) string {
	if opts.URL != "" {
		return opts.URL
	}
	scheme, port := "tcp", defaultPort
	if opts.TLS != nil {
		scheme, port = "ssl", defaultTLSPort
	}
	if opts.Port != 0 {
		port = opts.Port
	}
	return fmt.Sprintf("%s://%s:%d", scheme, opts.Host, port)
}

// Open implements broker.Dialer. Automatic reconnection is disabled so a lost
// connection surfaces through NotifyClose.
func (d *Dialer) Open(ctx context.Context, opts broker.Options) (broker.Connection, error) {
	if err := ValidateTopicName(ExchangeTopic(opts.VirtualHost, "x")); err != nil {
		return nil, broker.NewError(broker.OpConnect, broker.ErrVHostInvalid, err)
	}

	ctx, cancel := opts.ConnectContext(ctx)
	defer cancel()
	if err := ctx.Err(); err != nil {
		return nil, broker.ConnectContextError(err)
	}
	timeout := broker.DefaultConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	tlsConfig, err := broker.NewTLSConfig(opts.TLS)
	if err != nil {
		return nil, broker.NewError(broker.OpConnect, broker.ErrUnreachable, fmt.Errorf("failed to create TLS config: %w", err))
	}

	c := newConnection(opts, d.logger)
	url := BrokerURL(opts)

	clientOpts := mqtt.NewClientOptions().
		AddBroker(url).
		SetClientID(opts.ClientID).
		SetUsername(opts.Username).
		SetPassword(opts.Password).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(true).
		SetConnectTimeout(timeout).
		SetConnectionLostHandler(c.handleConnectionLost)
	if tlsConfig != nil {
		clientOpts.SetTLSConfig(tlsConfig)
	}

	d.logger.Info("connecting to mqtt broker", "broker", url, "clientId", opts.ClientID)

	client := d.newClient(clientOpts)
	if err := wait(ctx, client.Connect()); err != nil {
		if ctx.Err() != nil {
			// The attempt may still complete; make sure it does not linger
			go client.Disconnect(0)
		}
		err = classify(broker.OpConnect, err)
		d.logger.Error("failed to connect to mqtt broker", "error", err)
		return nil, err
	}
	c.client = client

	d.logger.Info("mqtt client connected", "broker", url)
	return c, nil
}

// classify converts a paho error into a typed bus error for op
func classify(op broker.Op, err error) error {
	if err == nil {
		return nil
	}

	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}

	kind := kindFor(op, err)
	if op == broker.OpConnect && kind == broker.ErrTimeout {
		return broker.NewError(op, broker.ErrUnreachable, fmt.Errorf("%w: %w", broker.ErrTimeout, err))
	}
	return broker.NewError(op, kind, err)
}

func kindFor(op broker.Op, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return broker.ErrTimeout
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword),
		errors.Is(err, packets.ErrorRefusedNotAuthorised),
		errors.Is(err, packets.ErrorRefusedIDRejected):
		return broker.ErrAuthRejected
	case errors.Is(err, packets.ErrorRefusedServerUnavailable),
		errors.Is(err, packets.ErrorNetworkError),
		errors.Is(err, packets.ErrorRefusedBadProtocolVersion):
		return broker.ErrUnreachable
	case errors.Is(err, mqtt.ErrNotConnected):
		switch op {
		case broker.OpConnect:
			return broker.ErrUnreachable
		case broker.OpSession:
			return broker.ErrConnectionClosed
		}
		return broker.ErrSessionClosed
	}

	if op == broker.OpConnect {
		return broker.ErrUnreachable
	}
	return broker.ErrSessionClosed
}
