package amqp

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

// connection implements broker.Connection on top of one AMQP connection
type connection struct {
	conn   Conn
	opts   broker.Options
	logger *logger.Logger
	gate   *broker.Gate
	notify chan error
}

func newConnection(conn Conn, opts broker.Options, log *logger.Logger) *connection {
	c := &connection{
		conn:   conn,
		opts:   opts,
		logger: log,
		gate:   broker.NewGate(),
		notify: make(chan error, 1),
	}
	go c.watch(conn.NotifyClose(make(chan *amqp.Error, 1)))
	return c
}

// watch bridges the library's close notification. The library closes errs
// without a value on a graceful Close.
func (c *connection) watch(errs chan *amqp.Error) {
	defer close(c.notify)

	amqpErr, ok := <-errs
	if !ok || amqpErr == nil {
		c.logger.Debug("amqp connection closed")
		return
	}

	c.logger.Error("amqp connection lost",
		"code", amqpErr.Code,
		"reason", amqpErr.Reason,
		"server", amqpErr.Server)
	c.notify <- broker.NewError(broker.OpConnect, broker.ErrConnectionClosed, amqpErr)
}

// OpenSession implements broker.Connection
func (c *connection) OpenSession(ctx context.Context) (broker.Session, error) {
	if c.conn.IsClosed() {
		return nil, broker.NewError(broker.OpSession, broker.ErrConnectionClosed, nil)
	}

	opCtx, cancel := c.opts.OperationContext(ctx)
	defer cancel()

	var ch Channel
	err := c.gate.Do(opCtx, func() error {
		opened, err := c.conn.OpenChannel()
		if err != nil {
			return err
		}
		if opCtx.Err() != nil {
			_ = opened.Close()
			return opCtx.Err()
		}
		if c.opts.PublisherConfirms {
			if err := opened.Confirm(false); err != nil {
				_ = opened.Close()
				return err
			}
		}
		ch = opened
		return nil
	})
	if err != nil {
		return nil, classify(broker.OpSession, err)
	}

	return newSession(ch, c.opts, c.logger), nil
}

// NotifyClose implements broker.Connection
func (c *connection) NotifyClose() <-chan error {
	return c.notify
}

// IsOpen implements broker.Connection
func (c *connection) IsOpen() bool {
	return !c.conn.IsClosed()
}

// Close implements broker.Connection
func (c *connection) Close() error {
	if c.conn.IsClosed() {
		return nil
	}
	c.logger.Info("closing amqp connection")
	return classify(broker.OpConnect, c.conn.Close())
}
