// Package memory implements an in-process broker with fanout, direct and topic
// exchanges, exclusive anonymous queues, consumer tags and manual acknowledgment.
// It serves single-process deployments and the integration tests of the bus.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"nvxroute-bus/internal/broker"
)

// Option configures a Broker
type Option func(*Broker)

// WithCredentials makes the broker reject connections with any other username/password
func WithCredentials(username, password string) Option {
	return func(b *Broker) {
		b.users[username] = password
	}
}

// WithVirtualHosts replaces the set of virtual hosts the broker accepts ("/" by default)
func WithVirtualHosts(vhosts ...string) Option {
	return func(b *Broker) {
		b.vhosts = make(map[string]struct{}, len(vhosts))
		for _, v := range vhosts {
			b.vhosts[v] = struct{}{}
		}
	}
}

// Broker is an in-process message broker. It implements broker.Dialer.
type Broker struct {
	mu        sync.Mutex
	vhosts    map[string]struct{}
	users     map[string]string
	down      bool
	exchanges map[string]*exchange
	queues    map[string]*queue
	conns     map[*connection]struct{}
}

type exchange struct {
	name     string
	kind     broker.ExchangeKind
	bindings map[*queue]map[string]struct{}
}

// NewBroker creates an empty broker
func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		vhosts:    map[string]struct{}{"/": {}},
		users:     make(map[string]string),
		exchanges: make(map[string]*exchange),
		queues:    make(map[string]*queue),
		conns:     make(map[*connection]struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Open implements broker.Dialer
func (b *Broker) Open(ctx context.Context, opts broker.Options) (broker.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.ConnectContextError(err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.down {
		return nil, broker.NewError(broker.OpConnect, broker.ErrUnreachable, errors.New("connection refused"))
	}
	if len(b.users) > 0 {
		if pw, ok := b.users[opts.Username]; !ok || pw != opts.Password {
			return nil, broker.NewError(broker.OpConnect, broker.ErrAuthRejected,
				fmt.Errorf("user %q", opts.Username))
		}
	}

	vhost := opts.VirtualHost
	if vhost == "" {
		vhost = "/"
	}
	if _, ok := b.vhosts[vhost]; !ok {
		return nil, broker.NewError(broker.OpConnect, broker.ErrVHostInvalid, fmt.Errorf("vhost %q", vhost))
	}

	c := newConnection(b, vhost, opts)
	b.conns[c] = struct{}{}
	return c, nil
}

// SetReachable toggles whether new connections are accepted
func (b *Broker) SetReachable(up bool) {
	b.mu.Lock()
	b.down = !up
	b.mu.Unlock()
}

// DropConnections closes every open connection as if the peer went away
func (b *Broker) DropConnections(cause error) {
	if cause == nil {
		cause = errors.New("connection reset by broker")
	}

	b.mu.Lock()
	conns := make([]*connection, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(cause)
	}
}

// ExchangeKind returns the declared kind of an exchange
func (b *Broker) ExchangeKind(vhost, name string) (broker.ExchangeKind, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[key(vhost, name)]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// QueueCount returns the number of live queues across all virtual hosts
func (b *Broker) QueueCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues)
}

// QueueDepth returns the number of ready messages on a queue
func (b *Broker) QueueDepth(vhost, name string) (int, bool) {
	b.mu.Lock()
	q, ok := b.queues[key(vhost, name)]
	b.mu.Unlock()
	if !ok {
		return 0, false
	}
	return q.Len(), true
}

// ConnectionCount returns the number of open connections
func (b *Broker) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func key(vhost, name string) string {
	return vhost + "|" + name
}

func (b *Broker) declareExchange(vhost, name string, kind broker.ExchangeKind) error {
	if name == "" {
		return broker.NewError(broker.OpDeclare, broker.ErrExchangeNotFound, errors.New("exchange name is empty"))
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if ex, ok := b.exchanges[key(vhost, name)]; ok {
		if ex.kind != kind {
			return broker.NewError(broker.OpDeclare, broker.ErrKindMismatch,
				fmt.Errorf("exchange %q is %s, requested %s", name, ex.kind, kind))
		}
		return nil
	}

	b.exchanges[key(vhost, name)] = &exchange{
		name:     name,
		kind:     kind,
		bindings: make(map[*queue]map[string]struct{}),
	}
	return nil
}

func (b *Broker) declareQueue(owner *connection, name string) *queue {
	q := newQueue(name, owner)

	b.mu.Lock()
	b.queues[key(owner.vhost, name)] = q
	b.mu.Unlock()
	return q
}

func (b *Broker) lookupQueue(c *connection, name string, op broker.Op) (*queue, error) {
	q, ok := b.queues[key(c.vhost, name)]
	if !ok {
		return nil, broker.NewError(op, broker.ErrQueueNotFound, fmt.Errorf("queue %q", name))
	}
	if q.owner != c {
		return nil, broker.NewError(op, broker.ErrQueueInUse,
			fmt.Errorf("queue %q is exclusive to another connection", name))
	}
	return q, nil
}

func (b *Broker) bind(c *connection, queueName, exchangeName, routingKey string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[key(c.vhost, exchangeName)]
	if !ok {
		return broker.NewError(broker.OpSubscribe, broker.ErrExchangeNotFound, fmt.Errorf("exchange %q", exchangeName))
	}
	q, err := b.lookupQueue(c, queueName, broker.OpSubscribe)
	if err != nil {
		return err
	}

	keys, ok := ex.bindings[q]
	if !ok {
		keys = make(map[string]struct{})
		ex.bindings[q] = keys
	}
	keys[routingKey] = struct{}{}
	return nil
}

func (b *Broker) queueFor(c *connection, name string) (*queue, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lookupQueue(c, name, broker.OpSubscribe)
}

// publish enqueues body on every queue the exchange routes key to. Enqueueing
// happens under the broker lock, so messages from one session keep their order.
func (b *Broker) publish(vhost, exchangeName, routingKey string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[key(vhost, exchangeName)]
	if !ok {
		return broker.NewError(broker.OpPublish, broker.ErrExchangeNotFound, fmt.Errorf("exchange %q", exchangeName))
	}

	for q, keys := range ex.bindings {
		if !routes(ex.kind, keys, routingKey) {
			continue
		}
		msg := make([]byte, len(body))
		copy(msg, body)
		q.push(message{body: msg})
	}
	return nil
}

func routes(kind broker.ExchangeKind, keys map[string]struct{}, routingKey string) bool {
	if kind == broker.KindFanout {
		return true
	}
	for k := range keys {
		if k == routingKey || (kind == broker.KindTopic && k == "#") {
			return true
		}
	}
	return false
}

// release deletes the exclusive queues owned by c and forgets the connection
func (b *Broker) release(c *connection) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for k, q := range b.queues {
		if q.owner != c {
			continue
		}
		delete(b.queues, k)
		for _, ex := range b.exchanges {
			delete(ex.bindings, q)
		}
		q.delete()
	}
	delete(b.conns, c)
}
