package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"nvxroute-bus/internal/broker"
)

// subscribeQoS gives at-least-once delivery from the broker to this client
const subscribeQoS = 1

// session implements broker.Session as a local group of consumers with its
// own control-plane gate
type session struct {
	conn *connection
	gate *broker.Gate

	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
}

func newSession(c *connection) *session {
	return &session{
		conn:      c,
		gate:      broker.NewGate(),
		consumers: make(map[string]*consumer),
	}
}

func (s *session) do(ctx context.Context, op broker.Op, fn func(ctx context.Context) error) error {
	if !s.IsOpen() {
		return broker.NewError(op, broker.ErrSessionClosed, nil)
	}

	opCtx, cancel := s.conn.opts.OperationContext(ctx)
	defer cancel()

	return classify(op, s.gate.Do(opCtx, func() error { return fn(opCtx) }))
}

// DeclareExchange implements broker.Session. A kind mismatch closes the session.
func (s *session) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind) error {
	err := s.do(ctx, broker.OpDeclare, func(context.Context) error {
		if name == "" {
			return broker.NewError(broker.OpDeclare, broker.ErrExchangeNotFound, errors.New("exchange name is empty"))
		}
		if err := ValidateTopicName(ExchangeTopic(s.conn.opts.VirtualHost, name)); err != nil {
			return broker.NewError(broker.OpDeclare, broker.ErrExchangeNotFound, err)
		}
		return s.conn.declare(name, kind)
	})
	if errors.Is(err, broker.ErrKindMismatch) {
		s.shutdown()
	}
	return err
}

// DeclareQueue implements broker.Session
func (s *session) DeclareQueue(ctx context.Context) (string, error) {
	var name string
	err := s.do(ctx, broker.OpDeclare, func(context.Context) error {
		name = "mqtt.gen-" + uuid.NewString()
		s.conn.addQueue(newQueue(name))
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// BindQueue implements broker.Session. The first binding for a topic
// subscribes the client; later ones share that subscription.
func (s *session) BindQueue(ctx context.Context, queueName, exchange, key string) error {
	return s.do(ctx, broker.OpSubscribe, func(opCtx context.Context) error {
		if !s.conn.declared(exchange) {
			return broker.NewError(broker.OpSubscribe, broker.ErrExchangeNotFound, fmt.Errorf("exchange %q", exchange))
		}
		q, err := s.conn.lookupQueue(queueName)
		if err != nil {
			return err
		}

		topic := ExchangeTopic(s.conn.opts.VirtualHost, exchange)
		if !s.conn.addRoute(topic, q) {
			return nil
		}
		if err := wait(opCtx, s.conn.client.Subscribe(topic, subscribeQoS, s.conn.route)); err != nil {
			s.conn.removeRoute(topic, q)
			return err
		}

		s.conn.logger.Debug("bound queue", "queue", queueName, "topic", topic)
		return nil
	})
}

// IsOpen implements broker.Session
func (s *session) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

// Close implements broker.Session
func (s *session) Close() error {
	s.shutdown()
	return nil
}

func (s *session) shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	consumers := make([]*consumer, 0, len(s.consumers))
	for _, c := range s.consumers {
		consumers = append(consumers, c)
	}
	s.consumers = make(map[string]*consumer)
	s.mu.Unlock()

	for _, c := range consumers {
		c.stop()
	}
	s.conn.forget(s)
}
