package amqp

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"nvxroute-bus/internal/broker"
)

// Consume implements broker.Session. The consumer is exclusive and uses manual
// acknowledgment.
func (s *session) Consume(ctx context.Context, queue, consumerTag string) (<-chan broker.Delivery, error) {
	var msgs <-chan amqp.Delivery
	err := s.do(ctx, broker.OpSubscribe, func() error {
		var err error
		msgs, err = s.ch.Consume(queue, consumerTag, false, true, false, false, nil)
		return err
	})
	if err != nil {
		s.logger.Error("failed to start consumer", "queue", queue, "consumerTag", consumerTag, "error", err)
		return nil, err
	}

	out := make(chan broker.Delivery)
	go func() {
		defer close(out)
		for d := range msgs {
			out <- &delivery{d: d}
		}
	}()

	s.logger.Debug("consumer started", "queue", queue, "consumerTag", consumerTag)
	return out, nil
}

// Cancel implements broker.Session
func (s *session) Cancel(ctx context.Context, consumerTag string) error {
	return s.do(ctx, broker.OpCancel, func() error {
		return s.ch.Cancel(consumerTag, false)
	})
}

// delivery adapts amqp.Delivery to broker.Delivery
type delivery struct {
	d amqp.Delivery
}

func (d *delivery) Body() []byte      { return d.d.Body }
func (d *delivery) Redelivered() bool { return d.d.Redelivered }

func (d *delivery) Ack() error {
	return classify(broker.OpHandle, d.d.Ack(false))
}

func (d *delivery) Nack(requeue bool) error {
	return classify(broker.OpHandle, d.d.Nack(false, requeue))
}
