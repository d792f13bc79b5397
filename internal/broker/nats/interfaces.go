package nats

import (
	"context"

	"github.com/nats-io/nats.go"
)

// Conn is the part of *nats.Conn a connection uses
type Conn interface {
	Publish(subject string, data []byte) error
	SubscribeChan(subject string, ch chan *nats.Msg) (Subscription, error)
	FlushWithContext(ctx context.Context) error
	LastError() error
	IsClosed() bool
	Close()
}

// Subscription is the part of *nats.Subscription a queue uses
type Subscription interface {
	Unsubscribe() error
}

// natsConn adapts *nats.Conn to Conn
type natsConn struct {
	*nats.Conn
}

func (c natsConn) SubscribeChan(subject string, ch chan *nats.Msg) (Subscription, error) {
	sub, err := c.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, err
	}
	return sub, nil
}
