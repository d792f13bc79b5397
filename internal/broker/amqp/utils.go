package amqp

import (
	"context"
	"errors"
	"fmt"
	"net"

	amqp "github.com/rabbitmq/amqp091-go"

	"nvxroute-bus/internal/broker"
)

const (
	defaultPort    = 5672
	defaultTLSPort = 5671
)

// BuildURL returns the AMQP URI to dial and the virtual host to request. An
// explicit URL wins over the discrete host fields.
func BuildURL(opts broker.Options) (string, string, error) {
	if opts.URL != "" {
		uri, err := amqp.ParseURI(opts.URL)
		if err != nil {
			return "", "", fmt.Errorf("invalid amqp url: %w", err)
		}
		return opts.URL, uri.Vhost, nil
	}

	if opts.Host == "" {
		return "", "", fmt.Errorf("amqp host is required")
	}

	uri := amqp.URI{
		Scheme:   "amqp",
		Host:     opts.Host,
		Port:     opts.Port,
		Username: opts.Username,
		Password: opts.Password,
		Vhost:    opts.VirtualHost,
	}
	if opts.TLS != nil {
		uri.Scheme = "amqps"
	}
	if uri.Port == 0 {
		uri.Port = defaultPort
		if opts.TLS != nil {
			uri.Port = defaultTLSPort
		}
	}
	if uri.Vhost == "" {
		uri.Vhost = "/"
	}

	return uri.String(), uri.Vhost, nil
}

// classify converts an amqp091 error into a typed bus error for op
func classify(op broker.Op, err error) error {
	if err == nil {
		return nil
	}

	var be *broker.Error
	if errors.As(err, &be) {
		return err
	}

	kind := kindFor(op, err)
	if op == broker.OpConnect && kind == broker.ErrTimeout {
		return broker.NewError(op, broker.ErrUnreachable, fmt.Errorf("%w: %w", broker.ErrTimeout, err))
	}
	return broker.NewError(op, kind, err)
}

func kindFor(op broker.Op, err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return broker.ErrTimeout
	case errors.Is(err, context.Canceled):
		return context.Canceled
	case errors.Is(err, amqp.ErrCredentials):
		return broker.ErrAuthRejected
	case errors.Is(err, amqp.ErrVhost):
		return broker.ErrVHostInvalid
	case errors.Is(err, amqp.ErrClosed):
		return closedKind(op)
	}

	var ae *amqp.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case amqp.AccessRefused:
			if op == broker.OpConnect {
				return broker.ErrAuthRejected
			}
			return broker.ErrQueueInUse
		case amqp.NotAllowed:
			if op == broker.OpConnect {
				return broker.ErrVHostInvalid
			}
		case amqp.PreconditionFailed:
			if op == broker.OpDeclare {
				return broker.ErrKindMismatch
			}
		case amqp.ResourceLocked:
			return broker.ErrQueueInUse
		case amqp.NotFound:
			if op == broker.OpPublish {
				return broker.ErrExchangeNotFound
			}
			return broker.ErrQueueNotFound
		case amqp.ChannelError:
			return broker.ErrSessionClosed
		case amqp.ConnectionForced:
			return broker.ErrConnectionClosed
		}
		return closedKind(op)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return broker.ErrTimeout
		}
		return broker.ErrUnreachable
	}

	if op == broker.OpConnect {
		return broker.ErrUnreachable
	}
	return closedKind(op)
}

func closedKind(op broker.Op) error {
	switch op {
	case broker.OpConnect:
		return broker.ErrUnreachable
	case broker.OpSession:
		return broker.ErrConnectionClosed
	default:
		return broker.ErrSessionClosed
	}
}
