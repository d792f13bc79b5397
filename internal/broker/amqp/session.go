package amqp

import (
	"context"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
)

// session implements broker.Session on one AMQP channel
type session struct {
	ch     Channel
	opts   broker.Options
	logger *logger.Logger
	gate   *broker.Gate
}

func newSession(ch Channel, opts broker.Options, log *logger.Logger) *session {
	return &session{
		ch:     ch,
		opts:   opts,
		logger: log,
		gate:   broker.NewGate(),
	}
}

// do runs a control-plane call through the gate, bounded by the operation timeout
func (s *session) do(ctx context.Context, op broker.Op, fn func() error) error {
	if !s.IsOpen() {
		return broker.NewError(op, broker.ErrSessionClosed, nil)
	}

	opCtx, cancel := s.opts.OperationContext(ctx)
	defer cancel()

	return classify(op, s.gate.Do(opCtx, fn))
}

// DeclareExchange implements broker.Session. The exchange is neither durable nor
// auto-deleted, so it lives as long as the broker does. A kind mismatch makes
// the broker close the channel.
func (s *session) DeclareExchange(ctx context.Context, name string, kind broker.ExchangeKind) error {
	err := s.do(ctx, broker.OpDeclare, func() error {
		return s.ch.ExchangeDeclare(name, string(kind), false, false, false, false, nil)
	})
	if err != nil {
		s.logger.Error("failed to declare exchange", "exchange", name, "kind", kind, "error", err)
		return err
	}
	s.logger.Debug("declared exchange", "exchange", name, "kind", kind)
	return nil
}

// DeclareQueue implements broker.Session
func (s *session) DeclareQueue(ctx context.Context) (string, error) {
	var name string
	err := s.do(ctx, broker.OpDeclare, func() error {
		q, err := s.ch.QueueDeclare("", false, true, true, false, nil)
		if err != nil {
			return err
		}
		name = q.Name
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
		return s.ch.QueueBind(queue, key, exchange, false, nil)
	})
}

// IsOpen implements broker.Session
func (s *session) IsOpen() bool {
	return !s.ch.IsClosed()
}

// Close implements broker.Session
func (s *session) Close() error {
	if s.ch.IsClosed() {
		return nil
	}
	return classify(broker.OpSession, s.ch.Close())
}
