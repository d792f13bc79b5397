package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"nvxroute-bus/internal/broker"
)

type unacked struct {
	queue *queue
	msg   message
}

type session struct {
	conn *connection
	gate *broker.Gate

	mu        sync.Mutex
	closed    bool
	consumers map[string]*consumer
	unacked   map[uint64]unacked
	nextTag   uint64
}

func newSession(c *connection) *session {
	return &session{
		conn:      c,
		gate:      broker.NewGate(),
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]unacked),
	}
}

// do runs a control-plane call through the session gate, bounded by the
// operation timeout
func (s *session) do(ctx context.Context, op broker.Op, fn func() error) error {
	if !s.IsOpen() {
		return broker.NewError(op, broker.ErrSessionClosed, nil)
	}

	opCtx, cancel := s.conn.opts.OperationContext(ctx)
	defer cancel()

	err := s.gate.Do(opCtx, func() error {
		if !s.IsOpen() {
			return broker.NewError(op, broker.ErrSessionClosed, nil)
		}
		return fn()
	})
	if err == nil {
		return nil
	}

	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}
	return broker.NewError(op, broker.TimeoutKind(err, err), err)
}

// DeclareExchange implements broker.Session. A kind mismatch closes the session,
// matching AMQP channel semantics.
func (s *session) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind) error {
	err := s.do(ctx, broker.OpDeclare, func() error {
		return s.conn.broker.declareExchange(s.conn.vhost, name, kind)
	})
	if errors.Is(err, broker.ErrKindMismatch) {
		s.shutdown()
	}
	return err
}

// DeclareQueue implements broker.Session
func (s *session) DeclareQueue(ctx context.Context) (string, error) {
	var name string
	err := s.do(ctx, broker.OpDeclare, func() error {
		name = "amq.gen-" + uuid.NewString()
		s.conn.broker.declareQueue(s.conn, name)
		return nil
	})
	if err != nil {
		return "", err
	}
	return name, nil
}

// BindQueue implements broker.Session
func (s *session) BindQueue(ctx context.Context, queue, exchange, key string) error {
	return s.do(ctx, broker.OpSubscribe, func() error {
		return s.conn.broker.bind(s.conn, queue, exchange, key)
	})
}

// Consume implements broker.Session. An empty consumer tag gets a generated one.
func (s *session) Consume(ctx context.Context, queueName, consumerTag string) (<-chan broker.Delivery, error) {
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}

	var c *consumer
	err := s.do(ctx, broker.OpSubscribe, func() error {
		q, err := s.conn.broker.queueFor(s.conn, queueName)
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, exists := s.consumers[consumerTag]; exists {
			return broker.NewError(broker.OpSubscribe, broker.ErrQueueInUse,
				fmt.Errorf("consumer tag %q already in use", consumerTag))
		}

		c = newConsumer(consumerTag, q, s)
		if err := q.attach(c); err != nil {
			return err
		}
		s.consumers[consumerTag] = c
		return nil
	})
	if err != nil {
		return nil, err
	}

	go c.run()
	return c.out, nil
}

// Cancel implements broker.Session. It returns once the consumer's delivery
// channel is closed.
func (s *session) Cancel(ctx context.Context, consumerTag string) error {
	return s.do(ctx, broker.OpCancel, func() error {
		s.mu.Lock()
		c, ok := s.consumers[consumerTag]
		delete(s.consumers, consumerTag)
		s.mu.Unlock()

		if !ok {
			return broker.NewError(broker.OpCancel, broker.ErrNotConsuming,
				fmt.Errorf("unknown consumer tag %q", consumerTag))
		}
		c.stop()
		return nil
	})
}

// Publish implements broker.Session
func (s *session) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	return s.do(ctx, broker.OpPublish, func() error {
		return s.conn.broker.publish(s.conn.vhost, exchange, key, msg.Body)
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

// track records m as delivered but unacknowledged. It returns nil once the
// session is closed.
func (s *session) track(q *queue, m message) *delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.nextTag++
	s.unacked[s.nextTag] = unacked{queue: q, msg: m}
	return &delivery{session: s, tag: s.nextTag, body: m.body, redelivered: m.redelivered}
}

func (s *session) untrack(tag uint64) {
	s.mu.Lock()
	delete(s.unacked, tag)
	s.mu.Unlock()
}

func (s *session) settle(tag uint64, ack, requeue bool) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return broker.NewError(broker.OpHandle, broker.ErrSessionClosed, nil)
	}
	u, ok := s.unacked[tag]
	delete(s.unacked, tag)
	s.mu.Unlock()

	if !ok {
		return broker.NewError(broker.OpHandle, broker.ErrNotConsuming,
			fmt.Errorf("unknown delivery tag %d", tag))
	}
	if !ack && requeue {
		u.msg.redelivered = true
		u.queue.pushFront(u.msg)
	}
	return nil
}

// shutdown stops every consumer and returns unacknowledged messages to their
// queues, oldest first
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

	s.mu.Lock()
	pending := s.unacked
	s.unacked = make(map[uint64]unacked)
	s.mu.Unlock()

	tags := make([]uint64, 0, len(pending))
	for tag := range pending {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		u := pending[tag]
		u.msg.redelivered = true
		u.queue.pushFront(u.msg)
	}

	s.conn.forget(s)
}

type delivery struct {
	session     *session
	tag         uint64
	body        []byte
	redelivered bool
}

func (d *delivery) Body() []byte      { return d.body }
func (d *delivery) Redelivered() bool { return d.redelivered }
func (d *delivery) Ack() error        { return d.session.settle(d.tag, true, false) }

func (d *delivery) Nack(requeue bool) error {
	return d.session.settle(d.tag, false, requeue)
}
