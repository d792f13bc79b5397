package memory

import (
	"sync"

	"nvxroute-bus/internal/broker"
)

type message struct {
	body        []byte
	redelivered bool
}

type queue struct {
	name  string
	owner *connection

	mu       sync.Mutex
	messages []message
	consumer *consumer
	deleted  bool
	signal   chan struct{}
}

func newQueue(name string, owner *connection) *queue {
	return &queue{
		name:   name,
		owner:  owner,
		signal: make(chan struct{}, 1),
	}
}

func (q *queue) push(m message) {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return
	}
	q.messages = append(q.messages, m)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) pushFront(m message) {
	q.mu.Lock()
	if q.deleted {
		q.mu.Unlock()
		return
	}
	q.messages = append([]message{m}, q.messages...)
	q.mu.Unlock()
	q.wake()
}

func (q *queue) pop() (message, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.messages) == 0 {
		return message{}, false
	}
	m := q.messages[0]
	q.messages[0] = message{}
	q.messages = q.messages[1:]
	return m, true
}

func (q *queue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
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
	q.deleted = true
	q.messages = nil
	q.mu.Unlock()
}

// Len returns the number of ready messages
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.messages)
}

// consumer pumps ready messages from one queue to one delivery channel
type consumer struct {
	tag     string
	queue   *queue
	session *session
	out     chan broker.Delivery
	quit    chan struct{}
	done    chan struct{}
	once    sync.Once
}

func newConsumer(tag string, q *queue, s *session) *consumer {
	return &consumer{
		tag:     tag,
		queue:   q,
		session: s,
		out:     make(chan broker.Delivery),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (c *consumer) run() {
	defer close(c.done)
	defer close(c.out)

	for {
		m, ok := c.queue.pop()
		if !ok {
			select {
			case <-c.queue.signal:
				continue
			case <-c.quit:
				return
			}
		}

		d := c.session.track(c.queue, m)
		if d == nil {
			c.queue.pushFront(m)
			return
		}

		select {
		case c.out <- d:
		case <-c.quit:
			c.session.untrack(d.tag)
			c.queue.pushFront(m)
			return
		}
	}
}

// stop ends the pump and waits for it. Safe to call more than once.
func (c *consumer) stop() {
	c.once.Do(func() { close(c.quit) })
	<-c.done
	c.queue.detach(c)
}
