package mqtt

import (
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// MockToken implements mqtt.Token for testing. It is complete on creation.
type MockToken struct {
	err  error
	done chan struct{}
}

func NewMockToken(err error) *MockToken {
	t := &MockToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *MockToken) Wait() bool                     { return true }
func (t *MockToken) WaitTimeout(time.Duration) bool { return true }
func (t *MockToken) Error() error                   { return t.err }
func (t *MockToken) Done() <-chan struct{}          { return t.done }

// pendingToken never completes
type pendingToken struct{}

func (pendingToken) Wait() bool                     { return false }
func (pendingToken) WaitTimeout(time.Duration) bool { return false }
func (pendingToken) Error() error                   { return nil }
func (pendingToken) Done() <-chan struct{}          { return nil }

// mockMessage implements mqtt.Message
type mockMessage struct {
	topic   string
	payload []byte
}

func (m *mockMessage) Duplicate() bool   { return false }
func (m *mockMessage) Qos() byte         { return 1 }
func (m *mockMessage) Retained() bool    { return false }
func (m *mockMessage) Topic() string     { return m.topic }
func (m *mockMessage) MessageID() uint16 { return 0 }
func (m *mockMessage) Payload() []byte   { return m.payload }
func (m *mockMessage) Ack()              {}

// MockClient implements mqtt.Client for testing. Publish calls the handler of
// the exact subscribed topic, like a single broker would.
type MockClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connected    bool
	handlers     map[string]mqtt.MessageHandler
	published    []string
	qos          []byte
	subscribed   []string
	unsubscribed []string

	connectToken  mqtt.Token
	publishToken  func(topic string) mqtt.Token
	subscribeErr  error
	disconnectCnt int
}

func NewMockClient() *MockClient {
	return &MockClient{
		handlers:     make(map[string]mqtt.MessageHandler),
		connectToken: NewMockToken(nil),
		publishToken: func(string) mqtt.Token { return NewMockToken(nil) },
	}
}

// factory returns a ClientFactory that hands out this client
func (m *MockClient) factory() ClientFactory {
	return func(opts *mqtt.ClientOptions) mqtt.Client {
		m.mu.Lock()
		m.opts = opts
		m.mu.Unlock()
		return m
	}
}

func (m *MockClient) Connect() mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.connectToken.(*MockToken); ok && t.err == nil {
		m.connected = true
	}
	return m.connectToken
}

func (m *MockClient) Disconnect(uint) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	m.disconnectCnt++
}

func (m *MockClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	m.mu.Lock()
	m.published = append(m.published, topic)
	m.qos = append(m.qos, qos)
	handler := m.handlers[topic]
	m.mu.Unlock()

	token := m.publishToken(topic)
	if t, ok := token.(*MockToken); ok && t.err == nil && handler != nil {
		handler(m, &mockMessage{topic: topic, payload: payload.([]byte)})
	}
	return token
}

func (m *MockClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.subscribeErr != nil {
		return NewMockToken(m.subscribeErr)
	}
	m.subscribed = append(m.subscribed, topic)
	m.handlers[topic] = callback
	return NewMockToken(nil)
}

func (m *MockClient) SubscribeMultiple(map[string]byte, mqtt.MessageHandler) mqtt.Token {
	return NewMockToken(nil)
}

func (m *MockClient) Unsubscribe(topics ...string) mqtt.Token {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, topic := range topics {
		delete(m.handlers, topic)
	}
	m.unsubscribed = append(m.unsubscribed, topics...)
	return NewMockToken(nil)
}

func (m *MockClient) AddRoute(string, mqtt.MessageHandler) {}

func (m *MockClient) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *MockClient) IsConnectionOpen() bool { return m.IsConnected() }

func (m *MockClient) OptionsReader() mqtt.ClientOptionsReader { return mqtt.ClientOptionsReader{} }
