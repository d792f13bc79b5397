package mqtt

import (
	"context"
	"fmt"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

// connection implements broker.Connection on one paho client. It owns the
// exchange kinds declared through it, its local queues and the topic routes
// feeding them.
type connection struct {
	client mqtt.Client
	opts   broker.Options
	logger *logger.Logger

	mu       sync.Mutex
	closing  bool
	closed   bool
	kinds    map[string]broker.ExchangeKind
	queues   map[string]*queue
	routes   map[string][]*queue
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
		routes:   make(map[string][]*queue),
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

	if c.closed || !c.client.IsConnectionOpen() {
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
	return !c.closed && c.client.IsConnectionOpen()
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

	c.logger.Info("disconnecting from mqtt broker")
	topics := c.teardown()
	if len(topics) > 0 && c.client.IsConnectionOpen() {
		ctx, cancel := c.opts.OperationContext(context.Background())
		if err := wait(ctx, c.client.Unsubscribe(topics...)); err != nil {
			c.logger.Debug("failed to unsubscribe on close", "topics", topics, "error", err)
		}
		cancel()
	}
	c.client.Disconnect(disconnectQuiesce)
	c.finish(nil)
	return nil
}

func (c *connection) handleConnectionLost(_ mqtt.Client, err error) {
	c.mu.Lock()
	local := c.closing
	c.mu.Unlock()

	if local {
		return
	}
	if err == nil {
		err = mqtt.ErrNotConnected
	}

	c.logger.Error("mqtt connection lost", "error", err)
	c.teardown()
	c.finish(broker.NewError(broker.OpConnect, broker.ErrConnectionClosed, err))
}

func (c *connection) finish(err error) {
	c.notifyOnce.Do(func() {
		if err != nil {
			c.notify <- err
		}
		close(c.notify)
	})
}

// teardown closes every session, drops the local queues and returns the
// topics that were subscribed
func (c *connection) teardown() []string {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	sessions := make([]*session, 0, len(c.sessions))
	for s := range c.sessions {
		sessions = append(sessions, s)
	}
	queues := c.queues
	topics := make([]string, 0, len(c.routes))
	for topic := range c.routes {
		topics = append(topics, topic)
	}
	c.sessions = make(map[*session]struct{})
	c.queues = make(map[string]*queue)
	c.routes = make(map[string][]*queue)
	c.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
	for _, q := range queues {
		q.delete()
	}
	return topics
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

// addRoute binds q to topic and reports whether the topic still needs a
// broker subscription
func (c *connection) addRoute(topic string, q *queue) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing := c.routes[topic]
	for _, bound := range existing {
		if bound == q {
			return false
		}
	}
	c.routes[topic] = append(existing, q)
	return len(existing) == 0
}

func (c *connection) removeRoute(topic string, q *queue) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bound := c.routes[topic]
	for i, existing := range bound {
		if existing == q {
			c.routes[topic] = append(bound[:i], bound[i+1:]...)
			break
		}
	}
	if len(c.routes[topic]) == 0 {
		delete(c.routes, topic)
	}
}

// route is the paho message handler for every subscribed topic
func (c *connection) route(_ mqtt.Client, msg mqtt.Message) {
	c.mu.Lock()
	bound := append([]*queue(nil), c.routes[msg.Topic()]...)
	c.mu.Unlock()

	for _, q := range bound {
		body := append([]byte(nil), msg.Payload()...)
		if !q.push(body) {
			c.logger.Warn("queue full, dropping message", "queue", q.name, "topic", msg.Topic())
		}
	}
}
