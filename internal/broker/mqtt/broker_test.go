package mqtt

import (
	"context"
	"errors"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

func TestTopicValidation(t *testing.T) {
	tests := []struct {
		name      string
		topic     string
		isFilter  bool
		wantError bool
	}{
		// Valid subscription filters
		{"Valid simple topic", "rooms/nvxroute", true, false},
		{"Valid single-level wildcard", "rooms/+/nvxroute", true, false},
		{"Valid multi-level wildcard", "rooms/#", true, false},
		{"Valid leading slash", "/rooms/nvxroute", true, false},
		{"Valid trailing slash", "rooms/nvxroute/", true, false},

		// Invalid subscription filters
		{"Empty topic", "", true, true},
		{"Invalid + wildcard", "rooms/+a/nvxroute", true, true},
		{"Mid-topic #", "rooms/#/nvxroute", true, true},
		{"Empty middle segment", "rooms//nvxroute", true, true},

		// Valid publish topics
		{"Valid publish topic", "rooms/nvxroute", false, false},
		{"Valid multi-segment", "site/floor1/rooms/nvxroute", false, false},

		// Invalid publish topics
		{"Empty publish topic", "", false, true},
		{"Publish with +", "rooms/+/nvxroute", false, true},
		{"Publish with #", "rooms/#", false, true},
		{"Empty middle publish segment", "rooms//nvxroute", false, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var err error
			if tt.isFilter {
				err = ValidateTopicFilter(tt.topic)
			} else {
				err = ValidateTopicName(tt.topic)
			}
			assert.Equal(t, tt.wantError, err != nil, "error: %v", err)
		})
	}
}

func TestExchangeTopic(t *testing.T) {
	assert.Equal(t, "nvxroute", ExchangeTopic("/", "nvxroute"))
	assert.Equal(t, "nvxroute", ExchangeTopic("", "nvxroute"))
	assert.Equal(t, "rooms/nvxroute", ExchangeTopic("rooms", "nvxroute"))
	assert.Equal(t, "site/rooms/nvxroute", ExchangeTopic("/site/rooms/", "nvxroute"))
}

func TestBrokerURL(t *testing.T) {
	assert.Equal(t, "tcp://localhost:1883", BrokerURL(broker.Options{Host: "localhost"}))
	assert.Equal(t, "ssl://bus:8883", BrokerURL(broker.Options{Host: "bus", TLS: &broker.TLSOptions{}}))
	assert.Equal(t, "tcp://bus:1999", BrokerURL(broker.Options{Host: "bus", Port: 1999}))
	assert.Equal(t, "ws://bus/mqtt", BrokerURL(broker.Options{URL: "ws://bus/mqtt", Host: "x"}))
}

func TestDialerOpenOptions(t *testing.T) {
	mc := NewMockClient()
	d := NewDialerWithFactory(logger.NewNop(), mc.factory())

	conn, err := d.Open(context.Background(), broker.Options{
		Host:     "localhost",
		ClientID: "nvxroute-bus",
		Username: "guest",
		Password: "guest",
	})
	require.NoError(t, err)
	assert.True(t, conn.IsOpen())

	require.NotNil(t, mc.opts)
	assert.False(t, mc.opts.AutoReconnect)
	assert.True(t, mc.opts.CleanSession)
	assert.Equal(t, "nvxroute-bus", mc.opts.ClientID)
	assert.Equal(t, "guest", mc.opts.Username)
	require.Len(t, mc.opts.Servers, 1)
	assert.Equal(t, "tcp://localhost:1883", mc.opts.Servers[0].String())
}

func TestDialerOpenErrors(t *testing.T) {
	tests := []struct {
		name  string
		opts  broker.Options
		token mqtt.Token
		want  error
	}{
		{"bad credentials", broker.Options{Host: "localhost"}, NewMockToken(packets.ErrorRefusedBadUsernameOrPassword), broker.ErrAuthRejected},
		{"not authorised", broker.Options{Host: "localhost"}, NewMockToken(packets.ErrorRefusedNotAuthorised), broker.ErrAuthRejected},
		{"server unavailable", broker.Options{Host: "localhost"}, NewMockToken(packets.ErrorRefusedServerUnavailable), broker.ErrUnreachable},
		{"network error", broker.Options{Host: "localhost"}, NewMockToken(errors.New("dial tcp: connection refused")), broker.ErrUnreachable},
		{"timeout", broker.Options{Host: "localhost", ConnectTimeout: 20 * time.Millisecond}, pendingToken{}, broker.ErrTimeout},
		{"bad vhost", broker.Options{Host: "localhost", VirtualHost: "rooms/#"}, NewMockToken(nil), broker.ErrVHostInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mc := NewMockClient()
			mc.connectToken = tt.token
			d := NewDialerWithFactory(logger.NewNop(), mc.factory())

			_, err := d.Open(context.Background(), tt.opts)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, broker.IsOp(err, broker.OpConnect))
		})
	}
}

func openTestSession(t *testing.T, opts broker.Options) (*MockClient, broker.Connection, broker.Session) {
	t.Helper()
	mc := NewMockClient()
	d := NewDialerWithFactory(logger.NewNop(), mc.factory())
	if opts.Host == "" {
		opts.Host = "localhost"
	}
	conn, err := d.Open(context.Background(), opts)
	require.NoError(t, err)
	sess, err := conn.OpenSession(context.Background())
	require.NoError(t, err)
	return mc, conn, sess
}

func consumeExchange(t *testing.T, sess broker.Session, tag string) <-chan broker.Delivery {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sess.DeclareExchange(ctx, "nvxroute", broker.KindFanout))
	q, err := sess.DeclareQueue(ctx)
	require.NoError(t, err)
	require.NoError(t, sess.BindQueue(ctx, q, "nvxroute", ""))
	ch, err := sess.Consume(ctx, q, tag)
	require.NoError(t, err)
	return ch
}

func next(t *testing.T, ch <-chan broker.Delivery) broker.Delivery {
	t.Helper()
	select {
	case d, ok := <-ch:
		require.True(t, ok)
		return d
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
		return nil
	}
}

func TestFanoutSharesOneSubscription(t *testing.T) {
	mc, _, sess := openTestSession(t, broker.Options{VirtualHost: "rooms"})

	a := consumeExchange(t, sess, "roomA")
	b := consumeExchange(t, sess, "roomB")
	assert.Equal(t, []string{"rooms/nvxroute"}, mc.subscribed)

	require.NoError(t, sess.Publish(context.Background(), "nvxroute", "", broker.Message{Body: []byte("x")}))
	assert.Equal(t, []string{"rooms/nvxroute"}, mc.published)

	for _, ch := range []<-chan broker.Delivery{a, b} {
		d := next(t, ch)
		assert.Equal(t, "x", string(d.Body()))
		assert.NoError(t, d.Ack())
		assert.ErrorIs(t, d.Ack(), broker.ErrNotConsuming)
	}
}

func TestPublishQoS(t *testing.T) {
	mc, _, sess := openTestSession(t, broker.Options{})
	require.NoError(t, sess.Publish(context.Background(), "nvxroute", "", broker.Message{Body: []byte("x")}))

	mc2, _, confirmed := openTestSession(t, broker.Options{PublisherConfirms: true})
	require.NoError(t, confirmed.Publish(context.Background(), "nvxroute", "", broker.Message{Body: []byte("x")}))

	assert.Equal(t, []byte{0}, mc.qos)
	assert.Equal(t, []byte{1}, mc2.qos)
}

func TestPublishErrors(t *testing.T) {
	mc, _, sess := openTestSession(t, broker.Options{OperationTimeout: 20 * time.Millisecond})

	mc.publishToken = func(string) mqtt.Token { return NewMockToken(mqtt.ErrNotConnected) }
	err := sess.Publish(context.Background(), "nvxroute", "", broker.Message{Body: []byte("x")})
	assert.ErrorIs(t, err, broker.ErrSessionClosed)
	assert.True(t, broker.IsOp(err, broker.OpPublish))

	mc.publishToken = func(string) mqtt.Token { return pendingToken{} }
	err = sess.Publish(context.Background(), "nvxroute", "", broker.Message{Body: []byte("x")})
	assert.ErrorIs(t, err, broker.ErrTimeout)
}

func TestBindErrors(t *testing.T) {
	mc, _, sess := openTestSession(t, broker.Options{})
	ctx := context.Background()

	q, err := sess.DeclareQueue(ctx)
	require.NoError(t, err)
	err = sess.BindQueue(ctx, q, "nvxroute", "")
	assert.ErrorIs(t, err, broker.ErrExchangeNotFound)

	require.NoError(t, sess.DeclareExchange(ctx, "nvxroute", broker.KindFanout))
	err = sess.BindQueue(ctx, "mqtt.gen-missing", "nvxroute", "")
	assert.ErrorIs(t, err, broker.ErrQueueNotFound)

	mc.subscribeErr = errors.New("subscription refused")
	err = sess.BindQueue(ctx, q, "nvxroute", "")
	require.Error(t, err)

	// A failed subscribe leaves no route behind, so a retry subscribes again
	mc.subscribeErr = nil
	require.NoError(t, sess.BindQueue(ctx, q, "nvxroute", ""))
	assert.Equal(t, []string{"nvxroute"}, mc.subscribed)
}

func TestDeclareExchangeRejectsWildcards(t *testing.T) {
	_, _, sess := openTestSession(t, broker.Options{})
	err := sess.DeclareExchange(context.Background(), "nvx/#", broker.KindFanout)
	assert.ErrorIs(t, err, broker.ErrExchangeNotFound)
	assert.True(t, sess.IsOpen())
}

func TestKindMismatchClosesSession(t *testing.T) {
	_, conn, sess := openTestSession(t, broker.Options{})
	ctx := context.Background()

	require.NoError(t, sess.DeclareExchange(ctx, "nvxroute", broker.KindFanout))
	err := sess.DeclareExchange(ctx, "nvxroute", broker.KindDirect)
	assert.ErrorIs(t, err, broker.ErrKindMismatch)
	assert.False(t, sess.IsOpen())

	other, err := conn.OpenSession(ctx)
	require.NoError(t, err)
	assert.NoError(t, other.DeclareExchange(ctx, "nvxroute", broker.KindFanout))
}

func TestNackRequeueRedelivers(t *testing.T) {
	_, _, sess := openTestSession(t, broker.Options{})
	ch := consumeExchange(t, sess, "roomA")

	require.NoError(t, sess.Publish(context.Background(), "nvxroute", "", broker.Message{Body: []byte("m1")}))
	require.NoError(t, sess.Publish(context.Background(), "nvxroute", "", broker.Message{Body: []byte("m2")}))

	d := next(t, ch)
	assert.Equal(t, "m1", string(d.Body()))
	assert.False(t, d.Redelivered())
	require.NoError(t, d.Nack(true))

	d = next(t, ch)
	assert.Equal(t, "m1", string(d.Body()))
	assert.True(t, d.Redelivered())
	require.NoError(t, d.Ack())

	d = next(t, ch)
	assert.Equal(t, "m2", string(d.Body()))
	require.NoError(t, d.Nack(false))
}

func TestExclusiveConsumerAndCancel(t *testing.T) {
	_, _, sess := openTestSession(t, broker.Options{})
	ctx := context.Background()

	q, err := sess.DeclareQueue(ctx)
	require.NoError(t, err)
	ch, err := sess.Consume(ctx, q, "roomA")
	require.NoError(t, err)

	_, err = sess.Consume(ctx, q, "roomA-2")
	assert.ErrorIs(t, err, broker.ErrQueueInUse)

	require.NoError(t, sess.Cancel(ctx, "roomA"))
	_, ok := <-ch
	assert.False(t, ok)
	assert.ErrorIs(t, sess.Cancel(ctx, "roomA"), broker.ErrNotConsuming)
}

func TestConnectionLost(t *testing.T) {
	_, conn, sess := openTestSession(t, broker.Options{})
	ch := consumeExchange(t, sess, "roomA")

	conn.(*connection).handleConnectionLost(nil, errors.New("pingresp not received"))

	select {
	case err := <-conn.NotifyClose():
		assert.ErrorIs(t, err, broker.ErrConnectionClosed)
	case <-time.After(time.Second):
		t.Fatal("no close notification")
	}

	_, ok := <-ch
	assert.False(t, ok)
	assert.False(t, sess.IsOpen())
}

func TestLocalClose(t *testing.T) {
	mc, conn, sess := openTestSession(t, broker.Options{})
	consumeExchange(t, sess, "roomA")

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	assert.Equal(t, []string{"nvxroute"}, mc.unsubscribed)
	assert.Equal(t, 1, mc.disconnectCnt)

	conn.(*connection).handleConnectionLost(nil, nil)

	err, ok := <-conn.NotifyClose()
	assert.False(t, ok)
	assert.NoError(t, err)

	_, err = conn.OpenSession(context.Background())
	assert.ErrorIs(t, err, broker.ErrConnectionClosed)
}
