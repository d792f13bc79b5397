package route

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/broker/memory"
	"nvxroute-bus/internal/logger"
	"nvxroute-bus/internal/stats"
)

type publishCall struct {
	exchange string
	key      string
	msg      broker.Message
}

// recordingSession captures publishes and fails them with err when set
type recordingSession struct {
	broker.Session
	calls []publishCall
	err   error
}

func (s *recordingSession) IsOpen() bool { return true }

func (s *recordingSession) Publish(_ context.Context, exchange, key string, msg broker.Message) error {
	s.calls = append(s.calls, publishCall{exchange: exchange, key: key, msg: msg})
	return s.err
}

func TestPublisherMessageShape(t *testing.T) {
	sess := &recordingSession{}
	st := stats.NewStatsCollector()
	p := NewPublisher(sess, "room-7", logger.NewNop(), nil, st)

	at := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	require.NoError(t, p.Publish(context.Background(), NewEvent(2, 5, at)))

	require.Len(t, sess.calls, 1)
	call := sess.calls[0]
	assert.Equal(t, "room-7", call.exchange)
	assert.Empty(t, call.key)
	assert.Equal(t, ContentType, call.msg.ContentType)
	assert.True(t, call.msg.Timestamp.Equal(at))
	assert.JSONEq(t, `{"sourceId":2,"destinationId":5,"timestamp":"2024-03-01T09:30:00Z"}`, string(call.msg.Body))
	assert.Equal(t, uint64(1), st.GetStats().EventsPublished)
}

func TestPublisherErrors(t *testing.T) {
	t.Run("closed session", func(t *testing.T) {
		mem := memory.NewBroker()
		sess := openMemorySession(t, mem)
		st := stats.NewStatsCollector()
		p := NewPublisher(sess, testExchange, logger.NewNop(), nil, st)
		require.NoError(t, p.Declare(context.Background()))
		require.NoError(t, sess.Close())

		err := p.Publish(context.Background(), NewEvent(1, 2, time.Now()))
		assert.ErrorIs(t, err, broker.ErrSessionClosed)

		var berr *broker.Error
		require.ErrorAs(t, err, &berr)
		assert.Equal(t, broker.OpPublish, berr.Op)
		assert.Equal(t, uint64(1), st.GetStats().PublishErrors)
		assert.Zero(t, st.GetStats().EventsPublished)
	})

	t.Run("transport failure is not retried", func(t *testing.T) {
		sess := &recordingSession{err: errors.New("socket closed")}
		p := NewPublisher(sess, testExchange, nil, nil, nil)

		err := p.Publish(context.Background(), NewEvent(1, 2, time.Now()))
		assert.EqualError(t, err, "socket closed")
		assert.Len(t, sess.calls, 1)
	})
}
