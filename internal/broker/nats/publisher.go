package nats

import (
	"context"

	"nvxroute-bus/internal/broker"
)

// Publish implements broker.Session. The routing key is ignored. With publisher
// confirms enabled the connection is flushed, so a nil error means the server
// has received the message.
func (s *session) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	if !s.IsOpen() {
		return broker.NewError(broker.OpPublish, broker.ErrSessionClosed, nil)
	}

	subject := ExchangeSubject(s.conn.opts.VirtualHost, exchange)
	if err := s.conn.conn.Publish(subject, msg.Body); err != nil {
		s.conn.logger.Error("failed to publish message", "subject", subject, "error", err)
		return classify(broker.OpPublish, err)
	}

	if s.conn.opts.PublisherConfirms {
		opCtx, cancel := s.conn.opts.OperationContext(ctx)
		defer cancel()
		if err := s.conn.conn.FlushWithContext(opCtx); err != nil {
			return classify(broker.OpPublish, err)
		}
	}

	s.conn.logger.Debug("published message", "subject", subject, "payloadSize", len(msg.Body))
	return nil
}
