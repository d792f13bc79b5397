package mqtt

import (
	"context"

	"nvxroute-bus/internal/broker"
)

// Publish implements broker.Session. With publisher confirms the message goes
// out at QoS 1 and the call returns once the broker's PUBACK arrives.
func (s *session) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	qos := byte(0)
	if s.conn.opts.PublisherConfirms {
		qos = 1
	}
	topic := ExchangeTopic(s.conn.opts.VirtualHost, exchange)

	err := s.do(ctx, broker.OpPublish, func(opCtx context.Context) error {
		return wait(opCtx, s.conn.client.Publish(topic, qos, false, msg.Body))
	})
	if err != nil {
		s.conn.logger.Error("failed to publish message", "error", err, "topic", topic)
		return err
	}

	s.conn.logger.Debug("published message", "topic", topic, "payloadSize", len(msg.Body))
	return nil
}
