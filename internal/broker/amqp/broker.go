// Package amqp is the AMQP 0-9-1 transport of the bus, built on amqp091-go.
package amqp

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

const heartbeat = 10 * time.Second

// DialFunc opens a raw AMQP connection
type DialFunc func(url string, cfg amqp.Config) (Conn, error)

// Dialer implements broker.Dialer for AMQP brokers
type Dialer struct {
	logger *logger.Logger
	dial   DialFunc
}

// NewDialer creates a dialer backed by amqp.DialConfig
func NewDialer(log *logger.Logger) *Dialer {
	return NewDialerWithFunc(log, func(url string, cfg amqp.Config) (Conn, error) {
		conn, err := amqp.DialConfig(url, cfg)
		if err != nil {
			return nil, err
		}
		return amqpConn{conn}, nil
	})
}

// NewDialerWithFunc creates a dialer with a custom dial function (for testing)
func NewDialerWithFunc(log *logger.Logger, dial DialFunc) *Dialer {
	if log == nil {
		log = logger.NewNop()
	}
	return &Dialer{logger: log, dial: dial}
}

type dialResult struct {
	conn Conn
	err  error
}

// Open implements broker.Dialer. The dial runs in the background so the connect
// timeout bounds the whole handshake; a connection that completes after the
// deadline is closed.
func (d *Dialer) Open(ctx context.Context, opts broker.Options) (broker.Connection, error) {
	url, vhost, err := BuildURL(opts)
	if err != nil {
		return nil, broker.NewError(broker.OpConnect, broker.ErrUnreachable, err)
	}

	tlsConfig, err := broker.NewTLSConfig(opts.TLS)
	if err != nil {
		return nil, broker.NewError(broker.OpConnect, broker.ErrUnreachable,
			fmt.Errorf("failed to create TLS config: %w", err))
	}

	connectTimeout := opts.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = broker.DefaultConnectTimeout
	}

	cfg := amqp.Config{
		Vhost:           vhost,
		Heartbeat:       heartbeat,
		Locale:          "en_US",
		TLSClientConfig: tlsConfig,
		Dial:            amqp.DefaultDial(connectTimeout),
		Properties:      amqp.NewConnectionProperties(),
	}
	if opts.ClientID != "" {
		cfg.Properties.SetClientConnectionName(opts.ClientID)
	}

	ctx, cancel := opts.ConnectContext(ctx)
	defer cancel()

	d.logger.Info("connecting to amqp broker",
		"host", opts.Host,
		"port", opts.Port,
		"vhost", vhost)

	done := make(chan dialResult, 1)
	go func() {
		conn, err := d.dial(url, cfg)
		done <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			err := classify(broker.OpConnect, r.err)
			d.logger.Error("failed to connect to amqp broker", "error", err)
			return nil, err
		}
		d.logger.Info("connected to amqp broker", "vhost", vhost)
		return newConnection(r.conn, opts, d.logger), nil

	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		err := broker.ConnectContextError(ctx.Err())
		d.logger.Error("failed to connect to amqp broker", "error", err)
		return nil, err
	}
}
