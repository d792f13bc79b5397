package memory

import (
	"context"
	"sync"

	"nvxroute-bus/internal/broker"
)

type connection struct {
	broker *Broker
	vhost  string
	opts   broker.Options

	mu       sync.Mutex
	closed   bool
	sessions map[*session]struct{}
	notify   chan error
}

func newConnection(b *Broker, vhost string, opts broker.Options) *connection {
	return &connection{
		broker:   b,
		vhost:    vhost,
		opts:     opts,
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

	if c.closed {
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
	return !c.closed
}

// Close implements broker.Connection
func (c *connection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *connection) forget(s *session) {
	c.mu.Lock()
	delete(c.sessions, s)
	c.mu.Unlock()
}

// shutdown closes every session, deletes the connection's exclusive queues and
// reports cause on the notify channel. A nil cause is a local close.
func (c *connection) shutdown(cause error) {
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
	c.sessions = make(map[*session]struct{})
	c.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	c.broker.release(c)

	if cause != nil {
		c.notify <- broker.NewError(broker.OpConnect, broker.ErrConnectionClosed, cause)
	}
	close(c.notify)
}
