package mqtt

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"nvxroute-bus/internal/broker"
)

// queueLimit is the number of messages a local queue holds before new ones
// are dropped
const queueLimit = 1024

type message struct {
	body        []byte
	redelivered bool
}

// queue is a local stand-in for an exclusive AMQP queue fed by topic routes
type queue struct {
	name string

	mu       sync.Mutex
	msgs     []message
	consumer *consumer
	deleted  bool
	wake     chan struct{}
}

func newQueue(name string) *queue {
	return &queue{name: name, wake: make(chan struct{}, 1)}
}

func (q *queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// push appends a message and reports false if the queue is full or gone
func (q *queue) push(body []byte) bool {
	q.mu.Lock()
	if q.deleted || len(q.msgs) >= queueLimit {
		q.mu.Unlock()
		return false
	}
	q.msgs = append(q.msgs, message{body: body})
	q.mu.Unlock()

	q.signal()
	return true
}

// requeue puts m at the head of the queue for redelivery
func (q *queue) requeue(m message) {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return
	}
	m.redelivered = true
	q.msgs = append([]message{m}, q.msgs...)
	q.mu.Unlock()

	q.signal()
}

func (q *queue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.msgs) == 0 {
		return message{}, false
	}
	m := q.msgs[0]
	q.msgs = q.msgs[1:]
	return m, true
}

func (q *queue) attach(c *consumer) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.deleted {
		return broker.NewError(broker.OpSubscribe, broker.ErrQueueNotFound, nil)
	}
	if q.consumer != nil {
		return broker.NewError(broker.OpSubscribe, broker.ErrQueueInUse, nil)
	}
	q.consumer = c
	return nil
}

func (q *queue) detach(c *consumer) {
	q.mu.Lock()
	if q.consumer == c {
		q.consumer = nil
	}
	q.mu.Unlock()
}

func (q *queue) delete() {
	q.mu.Lock()
	q.msgs = nil
	q.deleted = true
	q.mu.Unlock()
}

// Len returns the number of messages waiting in the queue
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs)
}

type consumer struct {
	tag   string
	queue *queue
	out   chan broker.Delivery
	quit  chan struct{}
	done  chan struct{}
	once  sync.Once
}

func (c *consumer) run() {
	defer close(c.done)
	defer close(c.out)

	for {
		m, ok := c.queue.pop()
		if !ok {
			select {
			case <-c.queue.wake:
				continue
			case <-c.quit:
				return
			}
		}

		d := &delivery{queue: c.queue, msg: m}
		select {
		case c.out <- d:
		case <-c.quit:
			// Not handed out; keep its place at the head
			c.queue.mu.Lock()
			if !c.queue.deleted {
				c.queue.msgs = append([]message{m}, c.queue.msgs...)
			}
			c.queue.mu.Unlock()
			return
		}
	}
}

func (c *consumer) stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
	c.queue.detach(c)
}

// Consume implements broker.Session
func (s *session) Consume(ctx context.Context, queueName, consumerTag string) (<-chan broker.Delivery, error) {
	var c *consumer
	err := s.do(ctx, broker.OpSubscribe, func(context.Context) error {
		q, err := s.conn.lookupQueue(queueName)
		if err != nil {
			return err
		}

		s.mu.Lock()
		defer s.mu.Unlock()

		if _, exists := s.consumers[consumerTag]; exists {
			return broker.NewError(broker.OpSubscribe, broker.ErrQueueInUse,
				fmt.Errorf("consumer tag %q already in use", consumerTag))
		}

		c = &consumer{
			tag:   consumerTag,
			queue: q,
			out:   make(chan broker.Delivery),
			quit:  make(chan struct{}),
			done:  make(chan struct{}),
		}
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

// Cancel implements broker.Session
func (s *session) Cancel(ctx context.Context, consumerTag string) error {
	return s.do(ctx, broker.OpCancel, func(context.Context) error {
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

// delivery is a message taken from a local queue. The broker-side PUBACK is
// sent by paho when the route handler returns, so Ack only settles locally.
type delivery struct {
	queue   *queue
	msg     message
	settled atomic.Bool
}

func (d *delivery) Body() []byte      { return d.msg.body }
func (d *delivery) Redelivered() bool { return d.msg.redelivered }

func (d *delivery) Ack() error {
	if d.settled.Swap(true) {
		return broker.NewError(broker.OpHandle, broker.ErrNotConsuming, fmt.Errorf("delivery already settled"))
	}
	return nil
}

func (d *delivery) Nack(requeue bool) error {
	if d.settled.Swap(true) {
		return broker.NewError(broker.OpHandle, broker.ErrNotConsuming, fmt.Errorf("delivery already settled"))
	}
	if requeue {
		d.queue.requeue(d.msg)
	}
	return nil
}
