package route

import (
	"context"
	"fmt"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
	"nvxroute-bus/internal/metrics"
	"nvxroute-bus/internal/stats"
)

// Publisher sends routing change events to a fanout exchange
type Publisher struct {
	session  broker.Session
	exchange string
	logger   *logger.Logger
	metrics  *metrics.Metrics
	stats    *stats.StatsCollector
}

// NewPublisher creates a publisher on session. metrics and stats may be nil.
func NewPublisher(session broker.Session, exchange string, log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) *Publisher {
	if log == nil {
		log = logger.NewNop()
	}
	return &Publisher{
		session:  session,
		exchange: exchange,
		logger:   log,
		metrics:  m,
		stats:    st,
	}
}

// Declare declares the exchange as fanout
func (p *Publisher) Declare(ctx context.Context) error {
	if err := p.session.DeclareExchange(ctx, p.exchange, broker.KindFanout); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", p.exchange, err)
	}
	return nil
}

// Publish sends event with an empty routing key. It is never retried.
func (p *Publisher) Publish(ctx context.Context, event RoutingChangeEvent) error {
	err := p.publish(ctx, event)
	if err != nil {
		p.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncEventsPublished("error") })
		if p.stats != nil {
			p.stats.IncPublishErrors()
		}
		p.logger.Error("failed to publish routing change",
			"error", err,
			"exchange", p.exchange,
			"sourceId", event.SourceID,
			"destinationId", event.DestinationID)
		return err
	}

	p.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncEventsPublished("success") })
	if p.stats != nil {
		p.stats.IncPublished()
	}
	p.logger.Debug("published routing change",
		"exchange", p.exchange,
		"sourceId", event.SourceID,
		"destinationId", event.DestinationID)
	return nil
}

func (p *Publisher) publish(ctx context.Context, event RoutingChangeEvent) error {
	if !p.session.IsOpen() {
		return broker.NewError(broker.OpPublish, broker.ErrSessionClosed, nil)
	}

	body, err := event.Encode()
	if err != nil {
		return broker.NewError(broker.OpPublish, broker.ErrMalformedPayload, err)
	}

	return p.session.Publish(ctx, p.exchange, "", broker.Message{
		ContentType: ContentType,
		Body:        body,
		Timestamp:   event.Timestamp,
	})
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (p *Publisher) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if p.metrics != nil {
		fn(p.metrics)
	}
}
