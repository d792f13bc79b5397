package route

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/broker/memory"
)

type applyCall struct {
	Endpoint      string
	SourceID      int
	DestinationID int
}

// recordingApplier records every ApplyRouting call. fn, when set, decides
// the result.
type recordingApplier struct {
	mu    sync.Mutex
	calls []applyCall
	fn    func(call applyCall) error
}

func (a *recordingApplier) ApplyRouting(_ context.Context, endpoint string, sourceID, destinationID int) error {
	call := applyCall{Endpoint: endpoint, SourceID: sourceID, DestinationID: destinationID}

	a.mu.Lock()
	a.calls = append(a.calls, call)
	fn := a.fn
	a.mu.Unlock()

	if fn != nil {
		return fn(call)
	}
	return nil
}

func (a *recordingApplier) Calls() []applyCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]applyCall(nil), a.calls...)
}

func (a *recordingApplier) CallsFor(endpoint string) []applyCall {
	var out []applyCall
	for _, c := range a.Calls() {
		if c.Endpoint == endpoint {
			out = append(out, c)
		}
	}
	return out
}

// failingConsumeSession refuses to consume for consumer tags with a prefix
type failingConsumeSession struct {
	broker.Session
	prefix string
}

func (s failingConsumeSession) Consume(ctx context.Context, queue, tag string) (<-chan broker.Delivery, error) {
	if strings.HasPrefix(tag, s.prefix) {
		return nil, broker.NewError(broker.OpSubscribe, broker.ErrQueueInUse, nil)
	}
	return s.Session.Consume(ctx, queue, tag)
}

type failingConsumeConn struct {
	broker.Connection
	prefix string
}

func (c failingConsumeConn) OpenSession(ctx context.Context) (broker.Session, error) {
	s, err := c.Connection.OpenSession(ctx)
	if err != nil {
		return nil, err
	}
	return failingConsumeSession{Session: s, prefix: c.prefix}, nil
}

// failingConsumeDialer wraps a dialer so subscribers whose endpoint starts
// with prefix cannot consume
func failingConsumeDialer(d broker.Dialer, prefix string) broker.Dialer {
	return broker.DialerFunc(func(ctx context.Context, opts broker.Options) (broker.Connection, error) {
		conn, err := d.Open(ctx, opts)
		if err != nil {
			return nil, err
		}
		return failingConsumeConn{Connection: conn, prefix: prefix}, nil
	})
}

// openMemorySession opens a session on an in-process broker
func openMemorySession(t *testing.T, mem *memory.Broker) broker.Session {
	t.Helper()
	conn, err := mem.Open(context.Background(), broker.Options{Transport: broker.TransportMemory})
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	sess, err := conn.OpenSession(context.Background())
	require.NoError(t, err)
	return sess
}

// scriptedSession hands out a delivery channel the test feeds by hand and
// fails Cancel with cancelErr
type scriptedSession struct {
	broker.Session
	deliveries chan broker.Delivery
	cancelErr  error
}

func newScriptedSession(cancelErr error) *scriptedSession {
	return &scriptedSession{deliveries: make(chan broker.Delivery, 8), cancelErr: cancelErr}
}

func (s *scriptedSession) DeclareExchange(context.Context, string, broker.ExchangeKind) error {
	return nil
}

func (s *scriptedSession) DeclareQueue(context.Context) (string, error) {
	return "scripted.q", nil
}

func (s *scriptedSession) BindQueue(context.Context, string, string, string) error {
	return nil
}

func (s *scriptedSession) Consume(context.Context, string, string) (<-chan broker.Delivery, error) {
	return s.deliveries, nil
}

func (s *scriptedSession) Cancel(context.Context, string) error {
	return s.cancelErr
}

func (s *scriptedSession) IsOpen() bool { return true }

// chanDelivery reports its settlement on settled: "ack", "requeue" or "drop"
type chanDelivery struct {
	body    []byte
	settled chan string
}

func newChanDelivery(body string) *chanDelivery {
	return &chanDelivery{body: []byte(body), settled: make(chan string, 1)}
}

func (d *chanDelivery) Body() []byte      { return d.body }
func (d *chanDelivery) Redelivered() bool { return false }
func (d *chanDelivery) Ack() error        { d.settled <- "ack"; return nil }
func (d *chanDelivery) Nack(requeue bool) error {
	if requeue {
		d.settled <- "requeue"
	} else {
		d.settled <- "drop"
	}
	return nil
}

// gatedSession blocks DeclareQueue until release is closed
type gatedSession struct {
	broker.Session
	entered chan struct{}
	release chan struct{}
}

func newGatedSession(inner broker.Session) *gatedSession {
	return &gatedSession{Session: inner, entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *gatedSession) DeclareQueue(ctx context.Context) (string, error) {
	close(s.entered)
	<-s.release
	return s.Session.DeclareQueue(ctx)
}
