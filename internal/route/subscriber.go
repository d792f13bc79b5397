package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
	"nvxroute-bus/internal/metrics"
	"nvxroute-bus/internal/stats"
)

// Applier applies a routing change to one endpoint. Applying the same route
// twice must be harmless.
type Applier interface {
	ApplyRouting(ctx context.Context, endpointID string, sourceID, destinationID int) error
}

// ApplierFunc adapts a function to the Applier interface
type ApplierFunc func(ctx context.Context, endpointID string, sourceID, destinationID int) error

// ApplyRouting implements Applier
func (f ApplierFunc) ApplyRouting(ctx context.Context, endpointID string, sourceID, destinationID int) error {
	return f(ctx, endpointID, sourceID, destinationID)
}

// State is the lifecycle state of a subscriber
type State string

const (
	StateCreated   State = "created"
	StateConsuming State = "consuming"
	StateCancelled State = "cancelled"
)

// Cancellation reasons
const (
	ReasonCancelled      = "cancelled"
	ReasonConnectionLost = "connection lost"
	ReasonSessionLost    = "session lost"
	ReasonStartFailed    = "start failed"
)

// Delivery outcomes, as counted in metrics
const (
	outcomeApplied  = "applied"
	outcomeRejected = "rejected"
	outcomeRequeued = "requeued"
	outcomeDropped  = "dropped"
)

// Subscriber receives routing changes for one streaming endpoint on its own
// exclusive queue. Its lifecycle methods are called by the Controller only.
type Subscriber struct {
	endpoint string
	applier  Applier
	logger   *logger.Logger
	metrics  *metrics.Metrics
	stats    *stats.StatsCollector

	// onLost is called when the delivery channel closes while consuming.
	// Set before Start.
	onLost func(*Subscriber)

	mu       sync.Mutex
	state    State
	starting bool
	reason   string
	session  broker.Session
	queue    string
	tag      string
	done     chan struct{}

	delivered atomic.Uint64
	applied   atomic.Uint64
	failed    atomic.Uint64
}

// SubscriberInfo is a point-in-time view of a subscriber
type SubscriberInfo struct {
	Endpoint    string `json:"endpoint"`
	State       State  `json:"state"`
	Reason      string `json:"reason,omitempty"`
	Queue       string `json:"queue,omitempty"`
	ConsumerTag string `json:"consumerTag,omitempty"`
	Delivered   uint64 `json:"delivered"`
	Applied     uint64 `json:"applied"`
	Failed      uint64 `json:"failed"`
}

// NewSubscriber creates a subscriber in the Created state. metrics and stats may be nil.
func NewSubscriber(endpoint string, applier Applier, log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) *Subscriber {
	if log == nil {
		log = logger.NewNop()
	}
	return &Subscriber{
		endpoint: endpoint,
		applier:  applier,
		logger:   log.With("endpoint", endpoint),
		metrics:  m,
		stats:    st,
		state:    StateCreated,
	}
}

// Endpoint returns the endpoint the subscriber applies routes to
func (s *Subscriber) Endpoint() string {
	return s.endpoint
}

// State returns the current lifecycle state
func (s *Subscriber) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot of the subscriber
func (s *Subscriber) Info() SubscriberInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SubscriberInfo{
		Endpoint:    s.endpoint,
		State:       s.state,
		Reason:      s.reason,
		Queue:       s.queue,
		ConsumerTag: s.tag,
		Delivered:   s.delivered.Load(),
		Applied:     s.applied.Load(),
		Failed:      s.failed.Load(),
	}
}

// Start declares the exchange, declares and binds an exclusive queue and starts
// consuming with manual acknowledgment. A failed start leaves the subscriber
// Cancelled. The broker calls run without holding the state lock; a Cancel
// that lands meanwhile wins and the new consumer is cancelled again.
func (s *Subscriber) Start(ctx context.Context, session broker.Session, exchange string) error {
	s.mu.Lock()
	if s.state != StateCreated || s.starting {
		state := s.state
		s.mu.Unlock()
		return broker.NewError(broker.OpSubscribe, broker.ErrNotConsuming,
			fmt.Errorf("subscriber %s is %s", s.endpoint, state))
	}
	s.starting = true
	s.mu.Unlock()

	queue, tag, deliveries, err := s.subscribe(ctx, session, exchange)

	s.mu.Lock()
	s.starting = false
	if err != nil {
		if s.state == StateCreated {
			s.state = StateCancelled
			s.reason = ReasonStartFailed
		}
		s.mu.Unlock()
		return err
	}

	s.session = session
	s.queue = queue
	s.tag = tag
	s.done = make(chan struct{})
	cancelled := s.state != StateCreated
	if !cancelled {
		s.state = StateConsuming
	}
	go s.consume(deliveries, s.done)
	s.mu.Unlock()

	if cancelled {
		if err := session.Cancel(ctx, tag); err != nil && !closedErr(err) {
			s.logger.Warn("failed to cancel consumer started after cancel", "error", err, "consumerTag", tag)
		}
		return broker.NewError(broker.OpSubscribe, broker.ErrNotConsuming,
			fmt.Errorf("subscriber %s was cancelled while starting", s.endpoint))
	}

	s.logger.Info("subscriber consuming", "queue", queue, "consumerTag", tag, "exchange", exchange)
	return nil
}

func (s *Subscriber) subscribe(ctx context.Context, session broker.Session, exchange string) (string, string, <-chan broker.Delivery, error) {
	if err := session.DeclareExchange(ctx, exchange, broker.KindFanout); err != nil {
		return "", "", nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	queue, err := session.DeclareQueue(ctx)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := session.BindQueue(ctx, queue, exchange, ""); err != nil {
		return "", "", nil, fmt.Errorf("failed to bind queue %s: %w", queue, err)
	}

	tag := s.endpoint + "-" + uuid.NewString()
	deliveries, err := session.Consume(ctx, queue, tag)
	if err != nil {
		return "", "", nil, fmt.Errorf("failed to consume from queue %s: %w", queue, err)
	}
	return queue, tag, deliveries, nil
}

// consume handles deliveries one at a time until the channel closes
func (s *Subscriber) consume(deliveries <-chan broker.Delivery, done chan struct{}) {
	defer close(done)

	for d := range deliveries {
		if s.State() != StateConsuming {
			// Nothing else reads an exclusive queue once its consumer is cancelled
			_ = d.Nack(false)
			continue
		}
		if err := s.OnMessage(d); err != nil {
			s.logger.Warn("failed to handle routing change", "error", err)
		}
	}

	if s.State() == StateConsuming {
		s.logger.Error("delivery channel closed while consuming")
		if s.onLost != nil {
			s.onLost(s)
		} else {
			s.markCancelled(ReasonSessionLost)
		}
	}
	s.logger.Debug("delivery loop stopped")
}

// OnMessage handles one delivery. It acknowledges after a successful apply,
// rejects malformed payloads without requeue and requeues a failed apply once.
// It never panics.
func (s *Subscriber) OnMessage(d broker.Delivery) error {
	s.delivered.Add(1)
	if s.stats != nil {
		s.stats.IncDelivered()
	}

	event, err := DecodeEvent(d.Body())
	if err != nil {
		s.record(outcomeRejected)
		if s.stats != nil {
			s.stats.IncRejected()
		}
		if nackErr := d.Nack(false); nackErr != nil {
			return errors.Join(broker.NewError(broker.OpHandle, broker.ErrMalformedPayload, err), nackErr)
		}
		return broker.NewError(broker.OpHandle, broker.ErrMalformedPayload, err)
	}

	if err := s.apply(event); err != nil {
		s.failed.Add(1)
		if s.stats != nil {
			s.stats.IncErrors()
		}

		requeue := !d.Redelivered()
		if requeue {
			s.record(outcomeRequeued)
		} else {
			s.record(outcomeDropped)
		}
		handleErr := broker.NewError(broker.OpHandle, broker.ErrApplyFailed, err)
		if nackErr := d.Nack(requeue); nackErr != nil {
			return errors.Join(handleErr, nackErr)
		}
		return handleErr
	}

	s.applied.Add(1)
	s.record(outcomeApplied)
	if s.stats != nil {
		s.stats.IncApplied()
	}
	return d.Ack()
}

// apply calls the applier, turning a panic into an error
func (s *Subscriber) apply(event RoutingChangeEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic applying route: %v", r)
		}
	}()

	start := time.Now()
	defer func() {
		s.safeMetricsUpdate(func(m *metrics.Metrics) { m.ObserveApplyDuration(time.Since(start)) })
	}()

	s.logger.Debug("applying routing change",
		"sourceId", event.SourceID,
		"destinationId", event.DestinationID)
	return s.applier.ApplyRouting(context.Background(), s.endpoint, event.SourceID, event.DestinationID)
}

// Cancel stops consumption by consumer tag and waits for the in-flight
// delivery to finish. Cancelling twice is a no-op. Errors from an already
// closed session are tolerated.
func (s *Subscriber) Cancel(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateCancelled:
		s.mu.Unlock()
		return nil
	case StateCreated:
		s.state = StateCancelled
		s.reason = ReasonCancelled
		s.mu.Unlock()
		return nil
	}
	s.state = StateCancelled
	s.reason = ReasonCancelled
	session, tag, done := s.session, s.tag, s.done
	s.mu.Unlock()

	var cancelErr error
	if err := session.Cancel(ctx, tag); err != nil && !closedErr(err) {
		cancelErr = fmt.Errorf("failed to cancel consumer %s: %w", tag, err)
		s.logger.Error("failed to cancel subscriber", "error", err, "consumerTag", tag)
	}

	if cancelErr == nil || !session.IsOpen() {
		select {
		case <-done:
		case <-ctx.Done():
			return broker.NewError(broker.OpCancel, broker.TimeoutKind(ctx.Err(), ctx.Err()), ctx.Err())
		}
	}

	s.logger.Info("subscriber cancelled", "consumerTag", tag)
	return cancelErr
}

// markCancelled moves the subscriber to Cancelled without talking to the
// broker, for when its session or connection is already gone. A running
// delivery loop ends on its own once the transport closes the channel.
func (s *Subscriber) markCancelled(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateCancelled {
		return
	}
	s.state = StateCancelled
	s.reason = reason
	s.logger.Warn("subscriber cancelled", "reason", reason)
}

// currentSession returns the session the subscriber consumes on
func (s *Subscriber) currentSession() broker.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.session
}

// closedErr reports errors that mean the consumer is already gone
func closedErr(err error) bool {
	return errors.Is(err, broker.ErrSessionClosed) ||
		errors.Is(err, broker.ErrConnectionClosed) ||
		errors.Is(err, broker.ErrNotConsuming)
}

func (s *Subscriber) record(outcome string) {
	s.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncDeliveries(s.endpoint, outcome) })
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (s *Subscriber) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if s.metrics != nil {
		fn(s.metrics)
	}
}
