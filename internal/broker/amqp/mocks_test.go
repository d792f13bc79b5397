package amqp

import (
	"context"
	"sync"
	"sync/atomic"

	amqp "github.com/rabbitmq/amqp091-go"
)

// mockConn implements Conn for testing
type mockConn struct {
	mu      sync.Mutex
	closed  bool
	notify  chan *amqp.Error
	channel *mockChannel
	openErr error
}

func newMockConn() *mockConn {
	return &mockConn{channel: newMockChannel()}
}

func (m *mockConn) OpenChannel() (Channel, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.channel, nil
}

func (m *mockConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = receiver
	return receiver
}

func (m *mockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return amqp.ErrClosed
	}
	m.closed = true
	if m.notify != nil {
		close(m.notify)
	}
	return nil
}

// drop simulates the broker closing the connection
func (m *mockConn) drop(err *amqp.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.notify <- err
	close(m.notify)
}

// mockChannel implements Channel for testing
type mockChannel struct {
	closed atomic.Bool

	exchangeDeclareFunc func(name, kind string) error
	consumeFunc         func(queue, consumer string) (<-chan amqp.Delivery, error)
	cancelFunc          func(consumer string) error
	publishFunc         func(exchange, key string, msg amqp.Publishing) error

	mu        sync.Mutex
	bindings  []string
	confirmed bool
}

func newMockChannel() *mockChannel {
	return &mockChannel{
		exchangeDeclareFunc: func(name, kind string) error { return nil },
		consumeFunc: func(queue, consumer string) (<-chan amqp.Delivery, error) {
			return make(chan amqp.Delivery), nil
		},
		cancelFunc:  func(consumer string) error { return nil },
		publishFunc: func(exchange, key string, msg amqp.Publishing) error { return nil },
	}
}

func (m *mockChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	return m.exchangeDeclareFunc(name, kind)
}

func (m *mockChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: "amq.gen-test"}, nil
}

func (m *mockChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bindings = append(m.bindings, name+"->"+exchange)
	return nil
}

func (m *mockChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	return m.consumeFunc(queue, consumer)
}

func (m *mockChannel) Cancel(consumer string, noWait bool) error {
	return m.cancelFunc(consumer)
}

func (m *mockChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	return m.publishFunc(exchange, key, msg)
}

func (m *mockChannel) PublishWithDeferredConfirmWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) (*amqp.DeferredConfirmation, error) {
	return nil, m.publishFunc(exchange, key, msg)
}

func (m *mockChannel) Confirm(noWait bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.confirmed = true
	return nil
}

func (m *mockChannel) IsClosed() bool { return m.closed.Load() }

func (m *mockChannel) Close() error {
	if m.closed.Swap(true) {
		return amqp.ErrClosed
	}
	return nil
}

// mockAcknowledger records acknowledgments made through amqp.Delivery
type mockAcknowledger struct {
	mu       sync.Mutex
	acks     []uint64
	nacks    []uint64
	requeued []bool
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acks = append(m.acks, tag)
	return nil
}

func (m *mockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nacks = append(m.nacks, tag)
	m.requeued = append(m.requeued, requeue)
	return nil
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Nack(tag, false, requeue)
}
