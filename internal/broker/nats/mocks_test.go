package nats

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

// MockConn implements Conn for testing. Publish delivers to every channel
// subscribed to the exact subject, like a single NATS server would.
type MockConn struct {
	mu          sync.Mutex
	closed      bool
	subs        map[string][]*mockSubscription
	published   []string
	publishFunc func(subject string, data []byte) error
	flushFunc   func(ctx context.Context) error
}

func NewMockConn() *MockConn {
	return &MockConn{
		subs:        make(map[string][]*mockSubscription),
		publishFunc: func(string, []byte) error { return nil },
		flushFunc:   func(context.Context) error { return nil },
	}
}

func (m *MockConn) Publish(subject string, data []byte) error {
	if err := m.publishFunc(subject, data); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nats.ErrConnectionClosed
	}
	m.published = append(m.published, subject)
	for _, sub := range m.subs[subject] {
		if sub.active {
			sub.ch <- &nats.Msg{Subject: subject, Data: append([]byte(nil), data...)}
		}
	}
	return nil
}

func (m *MockConn) SubscribeChan(subject string, ch chan *nats.Msg) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, nats.ErrConnectionClosed
	}
	sub := &mockSubscription{conn: m, ch: ch, active: true}
	m.subs[subject] = append(m.subs[subject], sub)
	return sub, nil
}

func (m *MockConn) FlushWithContext(ctx context.Context) error { return m.flushFunc(ctx) }
func (m *MockConn) LastError() error                           { return nil }

func (m *MockConn) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *MockConn) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

type mockSubscription struct {
	conn   *MockConn
	ch     chan *nats.Msg
	active bool
}

func (s *mockSubscription) Unsubscribe() error {
	s.conn.mu.Lock()
	defer s.conn.mu.Unlock()
	if !s.active {
		return nats.ErrBadSubscription
	}
	s.active = false
	return nil
}
