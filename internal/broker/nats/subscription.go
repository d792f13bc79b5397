package nats

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

// queueBuffer is the number of messages a queue holds before the client library
// starts dropping them as a slow consumer
const queueBuffer = 1024

// queue is a local stand-in for an exclusive AMQP queue: every binding is a
// subscription feeding the same buffered channel
type queue struct {
	name string
	msgs chan *nats.Msg

	mu       sync.Mutex
	subs     []Subscription
	retry    []*nats.Msg
	consumer *consumer
	deleted  bool
	wake     chan struct{}
}

func newQueue(name string) *queue {
	return &queue{
		name: name,
		msgs: make(chan *nats.Msg, queueBuffer),
		wake: make(chan struct{}, 1),
	}
}

func (q *queue) addSubscription(sub Subscription) {
	q.mu.Lock()
	q.subs = append(q.subs, sub)
	q.mu.Unlock()
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

// requeue puts m at the head of the queue for redelivery
func (q *queue) requeue(m *nats.Msg) {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return
	}
	q.retry = append([]*nats.Msg{m}, q.retry...)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue) takeRetry() (*nats.Msg, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.retry) == 0 {
		return nil, false
	}
	m := q.retry[0]
	q.retry = q.retry[1:]
	return m, true
}

// delete unsubscribes every binding. The message channel is left open because
// the client library may still hold a reference to it.
func (q *queue) delete(log *logger.Logger) {
	q.mu.Lock()
	subs := q.subs
	q.subs = nil
	q.retry = nil
	q.deleted = true
	q.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			log.Debug("failed to unsubscribe queue binding", "queue", q.name, "error", err)
		}
	}
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
		if m, ok := c.queue.takeRetry(); ok {
			if !c.send(m, true) {
				return
			}
			continue
		}

		select {
		case m := <-c.queue.msgs:
			if !c.send(m, false) {
				return
			}
		case <-c.queue.wake:
		case <-c.quit:
			return
		}
	}
}

func (c *consumer) send(m *nats.Msg, redelivered bool) bool {
	d := &delivery{queue: c.queue, msg: m, redelivered: redelivered}
	select {
	case c.out <- d:
		return true
	case <-c.quit:
		c.queue.requeue(m)
		return false
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

// delivery wraps a NATS message. Core NATS has no acknowledgments, so Ack only
// settles locally and Nack with requeue redelivers from the local queue.
type delivery struct {
	queue       *queue
	msg         *nats.Msg
	redelivered bool
	settled     atomic.Bool
}

func (d *delivery) Body() []byte      { return d.msg.Data }
func (d *delivery) Redelivered() bool { return d.redelivered }

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
