// Package nats is the NATS transport of the bus. An exchange maps to the subject
// "<vhost>.<exchange>"; queues are per-connection subscriptions buffered locally.
// Core NATS has no server-side exchange kinds or acknowledgments, so kinds are
// checked per connection and Ack is a no-op.
package nats

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

const defaultPort = 4222

// ConnectFunc opens a raw NATS connection
type ConnectFunc func(url string, opts ...nats.Option) (Conn, error)

// Dialer implements broker.Dialer for NATS servers
type Dialer struct {
	logger  *logger.Logger
	connect ConnectFunc
}

// NewDialer creates a dialer backed by nats.Connect
func NewDialer(log *logger.Logger) *Dialer {
	return NewDialerWithFunc(log, func(url string, opts ...nats.Option) (Conn, error) {
		nc, err := nats.Connect(url, opts...)
		if err != nil {
			return nil, err
		}
		return natsConn{nc}, nil
	})
}

// NewDialerWithFunc creates a dialer with a custom connect function (for testing)
func NewDialerWithFunc(log *logger.Logger, connect ConnectFunc) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{logger: log, connect: connect}
}

// ServerURL returns the URL to connect to. An explicit URL wins.
func ServerURL(opts broker.Options) string {
	if opts.URL != "" {
		return opts.URL
	}
	port := opts.Port
	if port == 0 {
		port = defaultPort
	}
	scheme := "nats"
	if opts.TLS != nil {
		scheme = "tls"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, opts.Host, port)
}

// Open implements broker.Dialer. Reconnection is disabled: a lost connection
// is reported through NotifyClose and the controller decides what to do.
func (d *Dialer) Open(ctx context.Context, opts broker.Options) (broker.Connection, error) {
	if err := ValidateVHost(opts.VirtualHost); err != nil {
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

	c := newConnection(opts, d.logger)

	natsOpts := []nats.Option{
		nats.Name(opts.ClientID),
		nats.Timeout(timeout),
		nats.NoReconnect(),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ClosedHandler(func(nc *nats.Conn) {
			c.handleClosed(nc.LastError())
		}),
	}

	if opts.Username != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.Username, opts.Password))
	}

	if opts.TLS != nil {
		if opts.TLS.CertFile != "" {
			natsOpts = append(natsOpts, nats.ClientCert(opts.TLS.CertFile, opts.TLS.KeyFile))
		}
		if opts.TLS.CAFile != "" {
			natsOpts = append(natsOpts, nats.RootCAs(opts.TLS.CAFile))
		}
	}

	url := ServerURL(opts)
	d.logger.Info("connecting to NATS server", "url", url)

	conn, err := d.connect(url, natsOpts...)
	if err != nil {
		err = classify(broker.OpConnect, err)
		d.logger.Error("failed to connect to NATS server", "error", err)
		return nil, err
	}
	c.conn = conn

	d.logger.Info("connected to NATS server", "url", url)
	return c, nil
}

// classify converts a nats.go error into a typed bus error for op
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
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, nats.ErrTimeout):
		return broker.ErrTimeout
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, nats.ErrAuthorization),
		errors.Is(err, nats.ErrAuthExpired),
		errors.Is(err, nats.ErrAuthRevoked):
		return broker.ErrAuthRejected
	case errors.Is(err, nats.ErrNoServers):
		return broker.ErrUnreachable
	case errors.Is(err, nats.ErrConnectionClosed),
		errors.Is(err, nats.ErrConnectionDraining):
		if op == broker.OpSession {
			return broker.ErrConnectionClosed
		}
		if op == broker.OpConnect {
			return broker.ErrUnreachable
		}
		return broker.ErrSessionClosed
	}

	if op == broker.OpConnect {
		return broker.ErrUnreachable
	}
	return broker.ErrSessionClosed
}
