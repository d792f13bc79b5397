package nats

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

// connection implements broker.Connection on one NATS connection. It holds
// the exchange kinds declared through it and the queues it owns.
type connection struct {
	conn   Conn
	opts   broker.Options
	logger *logger.Logger

	mu       sync.Mutex
	closing  bool
	closed   bool
	kinds    map[string]broker.ExchangeKind
	queues   map[string]*queue
	sessions map[*session]struct{}

	notify     chan error
	notifyOnce sync.Once
}

func newConnection(opts broker.Options, log *logger.Logger) *connection {
	return &connection{
		opts:     opts,
		logger:   log,
		kinds:    make(map[string]broker.ExchangeKind),
		queues:   make(map[string]*queue),
		sessions: make(map[*session]struct{}),
		notify:   make(chan error, 1),
	}
}

// OpenSession implements broker.Connection
func (c *connection) OpenSession(ctx context.Context) (broker.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.NewError(broker.OpSession, broker.TimeoutKind(err, err), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.conn.IsClosed() {
		return nil, broker.NewError(broker.OpSession, broker.ErrConnectionClosed, nil)
	}

	s := newSession(c)
	c.sessions[s] = struct{}{}
	return s, nil
}

// NotifyClose implements broker.Connection
func (c *connection) NotifyClose() <-chan error {
	return c.notify
}

// IsOpen implements broker.Connection
func (c *connection) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed && !c.conn.IsClosed()
}

// Close implements broker.Connection
func (c *connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	c.mu.Unlock()

	c.logger.Info("disconnecting from NATS server")
	c.teardown()
	c.conn.Close()
	c.finish(nil)
	return nil
}

func (c *connection) handleDisconnect(_ *nats.Conn, err error) {
	if err != nil {
		c.logger.Error("disconnected from NATS server", "error", err)
	}
}

// handleClosed runs when the client library reports the connection closed
func (c *connection) handleClosed(lastErr error) {
	c.mu.Lock()
	local := c.closing
	c.mu.Unlock()

	if local {
		return
	}
	if lastErr == nil {
		lastErr = nats.ErrConnectionClosed
	}

	c.logger.Error("NATS connection lost", "error", lastErr)
	c.teardown()
	c.finish(broker.NewError(broker.OpConnect, broker.ErrConnectionClosed, lastErr))
}

func (c *connection) finish(err error) {
	c.notifyOnce.Do(func() {
		if err != nil {
			c.notify <- err
		}
		close(c.notify)
	})
}

// teardown closes every session and drops the connection's queues
func (c *connection) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	queues := c.queues
	c.sessions = make(map[*session]struct{})
	c.queues = make(map[string]*queue)
	c.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	for _, q := range queues {
		q.delete(c.logger)
	}
}

func (c *connection) forget(s *session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

func (c *connection) declare(name string, kind broker.ExchangeKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.kinds[name]; ok && existing != kind {
		return broker.NewError(broker.OpDeclare, broker.ErrKindMismatch,
			fmt.Errorf("exchange %q is %s, requested %s", name, existing, kind))
	}
	c.kinds[name] = kind
	return nil
}

func (c *connection) declared(name string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.kinds[name]
	return ok
}

func (c *connection) addQueue(q *queue) {
	c.mu.Lock()
	c.queues[q.name] = q
	c.mu.Unlock()
}

func (c *connection) lookupQueue(name string) (*queue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q, ok := c.queues[name]
	if !ok {
		return nil, broker.NewError(broker.OpSubscribe, broker.ErrQueueNotFound, fmt.Errorf("queue %q", name))
	}
	return q, nil
}
