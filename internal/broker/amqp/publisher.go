package amqp

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"

	"nvxroute-bus/internal/broker"
)

var errNacked = errors.New("publish not confirmed by broker")

// Publish implements broker.Session. With publisher confirms enabled it waits
// for the broker's ack within the operation timeout.
func (s *session) Publish(ctx context.Context, exchange, key string, msg broker.Message) error {
	if !s.IsOpen() {
		return broker.NewError(broker.OpPublish, broker.ErrSessionClosed, nil)
	}

	opCtx, cancel := s.opts.OperationContext(ctx)
	defer cancel()

	pub := amqp.Publishing{
		ContentType:  msg.ContentType,
		DeliveryMode: amqp.Transient,
		Timestamp:    msg.Timestamp,
		Body:         msg.Body,
	}

	if !s.opts.PublisherConfirms {
		if err := s.ch.PublishWithContext(opCtx, exchange, key, false, false, pub); err != nil {
			return classify(broker.OpPublish, err)
		}
		return nil
	}

	confirm, err := s.ch.PublishWithDeferredConfirmWithContext(opCtx, exchange, key, false, false, pub)
	if err != nil {
		return classify(broker.OpPublish, err)
	}
	if confirm == nil {
		return nil
	}

	acked, err := confirm.WaitContext(opCtx)
	if err != nil {
		return classify(broker.OpPublish, err)
	}
	if !acked {
		return broker.NewError(broker.OpPublish, broker.ErrSessionClosed, errNacked)
	}
	return nil
}
