package route

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"nvxroute-bus/internal/broker"
	"nvxroute-bus/internal/logger"
	"nvxroute-bus/internal/metrics"
	"nvxroute-bus/internal/stats"
)

var (
	ErrUnknownSource      = errors.New("unknown source")
	ErrUnknownDestination = errors.New("unknown destination")
)

// Topology validates routing requests against the room layout
type Topology interface {
	ValidateRoute(sourceID, destinationID int) error
}

// ControllerConfig holds everything the controller needs to run the bus
type ControllerConfig struct {
	Options   broker.Options
	Exchange  string
	Endpoints []string

	// SessionPerSubscriber gives every subscriber its own session instead of
	// sharing the publisher's
	SessionPerSubscriber bool

	// Reconnect re-runs StartAll every ReconnectInterval after a failed start
	// or a lost connection, until it succeeds or StopAll is called
	Reconnect         bool
	ReconnectInterval time.Duration

	// Topology is optional
	Topology Topology
}

// Controller owns the bus connection, the publisher and every subscriber. It
// is the only place that starts or stops subscribers.
type Controller struct {
	cfg     ControllerConfig
	dialer  broker.Dialer
	applier Applier
	logger  *logger.Logger
	metrics *metrics.Metrics
	stats   *stats.StatsCollector
	now     func() time.Time

	mu          sync.Mutex
	conn        broker.Connection
	sessions    []broker.Session
	publisher   *Publisher
	subscribers []*Subscriber
	running     bool
	stopped     bool
	lost        bool
	reconnect   *time.Timer
	watchers    sync.WaitGroup
}

// NewController creates a controller. metrics and stats may be nil.
func NewController(cfg ControllerConfig, dialer broker.Dialer, applier Applier, log *logger.Logger, m *metrics.Metrics, st *stats.StatsCollector) *Controller {
	if log == nil {
		log = logger.NewNop()
	}
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 5 * time.Second
	}
	return &Controller{
		cfg:     cfg,
		dialer:  dialer,
		applier: applier,
		logger:  log,
		metrics: m,
		stats:   st,
		now:     time.Now,
	}
}

// StartAll opens the connection, declares the exchange and starts one
// subscriber per endpoint. A subscriber that fails to start is logged and left
// out; only connection, session and exchange failures fail StartAll.
func (c *Controller) StartAll(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopped = false
	return c.startLocked(ctx)
}

func (c *Controller) startLocked(ctx context.Context) error {
	if c.running {
		return nil
	}

	if err := c.start(ctx); err != nil {
		c.logger.Error("failed to start routing bus", "error", err)
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetBrokerConnectionStatus(false) })
		c.scheduleReconnectLocked()
		return err
	}
	return nil
}

func (c *Controller) start(ctx context.Context) error {
	c.logger.Info("starting routing bus",
		"transport", c.cfg.Options.Transport,
		"exchange", c.cfg.Exchange,
		"endpoints", len(c.cfg.Endpoints))

	conn, err := c.dialer.Open(ctx, c.cfg.Options)
	if err != nil {
		return fmt.Errorf("failed to open connection: %w", err)
	}

	shared, err := conn.OpenSession(ctx)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("failed to open session: %w", err)
	}

	publisher := NewPublisher(shared, c.cfg.Exchange, c.logger, c.metrics, c.stats)
	if err := publisher.Declare(ctx); err != nil {
		_ = conn.Close()
		return err
	}

	sessions := []broker.Session{shared}
	subscribers := make([]*Subscriber, 0, len(c.cfg.Endpoints))
	for _, endpoint := range c.cfg.Endpoints {
		sub := NewSubscriber(endpoint, c.applier, c.logger, c.metrics, c.stats)
		sub.onLost = c.handleSubscriberLost
		subscribers = append(subscribers, sub)

		session := shared
		if c.cfg.SessionPerSubscriber {
			session, err = conn.OpenSession(ctx)
			if err != nil {
				c.logger.Error("failed to open subscriber session", "endpoint", endpoint, "error", err)
				sub.markCancelled(ReasonStartFailed)
				continue
			}
			sessions = append(sessions, session)
		}

		if err := sub.Start(ctx, session, c.cfg.Exchange); err != nil {
			c.logger.Error("failed to start subscriber", "endpoint", endpoint, "error", err)
		}
	}

	c.conn = conn
	c.sessions = sessions
	c.publisher = publisher
	c.subscribers = subscribers
	c.running = true
	c.lost = false

	c.watchers.Add(1)
	go c.watch(conn)

	active := c.activeLocked()
	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(true)
		m.SetSubscribersActive(active)
	})
	c.logger.Info("routing bus started", "subscribers", active)
	return nil
}

// watch waits for the connection to end and handles a peer-side loss
func (c *Controller) watch(conn broker.Connection) {
	defer c.watchers.Done()

	err, ok := <-conn.NotifyClose()
	if !ok || err == nil {
		return
	}
	c.handleLost(conn, err)
}

func (c *Controller) handleLost(conn broker.Connection, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != conn {
		return
	}
	c.connectionLostLocked(err)
}

func (c *Controller) connectionLostLocked(err error) {
	c.logger.Error("broker connection lost", "error", err)
	c.teardownLocked(ReasonConnectionLost)
}

// sharedSessionLostLocked takes the bus down when the publisher's session is
// gone while the connection stays up. The remaining sessions and the
// connection are closed in the background.
func (c *Controller) sharedSessionLostLocked() {
	c.logger.Error("shared session lost, closing connection")
	conn, sessions := c.conn, c.sessions
	c.teardownLocked(ReasonSessionLost)
	go func() { _ = c.closeAll(conn, sessions) }()
}

// teardownLocked marks every subscriber Cancelled, forgets the connection and
// schedules a reconnect when enabled
func (c *Controller) teardownLocked(reason string) {
	for _, sub := range c.subscribers {
		sub.markCancelled(reason)
	}
	c.lost = true
	c.conn = nil
	c.sessions = nil
	c.publisher = nil
	c.running = false

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(false)
		m.SetSubscribersActive(0)
	})
	c.scheduleReconnectLocked()
}

// handleSubscriberLost runs when a subscriber's delivery channel closes while
// it is consuming. A dead connection is handled as connection loss, a dead
// shared session takes the bus down, and a dead per-subscriber session only
// cancels that subscriber.
func (c *Controller) handleSubscriberLost(sub *Subscriber) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || !c.ownsLocked(sub) {
		sub.markCancelled(ReasonSessionLost)
		return
	}

	switch {
	case !c.conn.IsOpen():
		c.connectionLostLocked(broker.NewError(broker.OpConnect, broker.ErrConnectionClosed, nil))
	case sub.currentSession() == c.sessions[0]:
		c.sharedSessionLostLocked()
	default:
		c.logger.Error("subscriber session lost", "endpoint", sub.Endpoint())
		sub.markCancelled(ReasonSessionLost)
		active := c.activeLocked()
		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.SetSubscribersActive(active) })
	}
}

func (c *Controller) ownsLocked(sub *Subscriber) bool {
	for _, s := range c.subscribers {
		if s == sub {
			return true
		}
	}
	return false
}

func (c *Controller) scheduleReconnectLocked() {
	if !c.cfg.Reconnect || c.stopped || c.reconnect != nil {
		return
	}

	c.logger.Info("scheduling reconnect", "interval", c.cfg.ReconnectInterval)
	c.reconnect = time.AfterFunc(c.cfg.ReconnectInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()

		c.reconnect = nil
		if c.stopped {
			return
		}

		c.safeMetricsUpdate(func(m *metrics.Metrics) { m.IncBrokerReconnects() })
		if err := c.startLocked(context.Background()); err == nil {
			c.logger.Info("reconnected to broker")
		}
	})
}

// StopAll cancels every consuming subscriber, then closes the sessions and the
// connection. Failures from an already closed bus are tolerated; it returns
// once everything is released or ctx expires.
func (c *Controller) StopAll(ctx context.Context) error {
	c.mu.Lock()
	c.stopped = true
	if c.reconnect != nil {
		c.reconnect.Stop()
		c.reconnect = nil
	}
	conn, sessions, subscribers := c.conn, c.sessions, c.subscribers
	c.conn = nil
	c.sessions = nil
	c.publisher = nil
	c.running = false
	c.lost = false
	c.mu.Unlock()

	c.logger.Info("stopping routing bus", "subscribers", len(subscribers))

	var errs []error
	for _, sub := range subscribers {
		if sub.State() != StateConsuming {
			continue
		}
		if err := sub.Cancel(ctx); err != nil {
			c.logger.Warn("failed to cancel subscriber", "endpoint", sub.Endpoint(), "error", err)
			if ctx.Err() != nil {
				errs = append(errs, err)
			}
		}
	}

	released := make(chan error, 1)
	go func() { released <- c.release(conn, sessions) }()
	select {
	case err := <-released:
		if err != nil {
			errs = append(errs, err)
		}
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("failed to release broker connection: %w", ctx.Err()))
	}

	c.safeMetricsUpdate(func(m *metrics.Metrics) {
		m.SetBrokerConnectionStatus(false)
		m.SetSubscribersActive(0)
	})
	c.logger.Info("routing bus stopped")
	return errors.Join(errs...)
}

// release closes the subscriber sessions, then the shared one and the
// connection, and waits for the close watcher
func (c *Controller) release(conn broker.Connection, sessions []broker.Session) error {
	defer c.watchers.Wait()
	return c.closeAll(conn, sessions)
}

func (c *Controller) closeAll(conn broker.Connection, sessions []broker.Session) error {
	for i := len(sessions) - 1; i >= 0; i-- {
		if err := sessions[i].Close(); err != nil && !closedErr(err) {
			c.logger.Warn("failed to close session", "error", err)
		}
	}

	if conn == nil {
		return nil
	}
	if err := conn.Close(); err != nil && !closedErr(err) {
		c.logger.Error("failed to close connection", "error", err)
		return err
	}
	return nil
}

// NotifyRoutingChange validates a route against the topology, stamps it with
// the current time and publishes it
func (c *Controller) NotifyRoutingChange(ctx context.Context, sourceID, destinationID int) error {
	if c.cfg.Topology != nil {
		if err := c.cfg.Topology.ValidateRoute(sourceID, destinationID); err != nil {
			return err
		}
	}

	c.mu.Lock()
	publisher := c.publisher
	c.mu.Unlock()

	if publisher == nil {
		return broker.NewError(broker.OpPublish, broker.ErrSessionClosed, errors.New("bus is not connected"))
	}

	err := publisher.Publish(ctx, NewEvent(sourceID, destinationID, c.now()))
	if errors.Is(err, broker.ErrSessionClosed) {
		c.mu.Lock()
		if c.publisher == publisher {
			c.sharedSessionLostLocked()
		}
		c.mu.Unlock()
	}
	return err
}

// Subscribers returns a snapshot of every subscriber of the current run
func (c *Controller) Subscribers() []SubscriberInfo {
	c.mu.Lock()
	subscribers := append([]*Subscriber(nil), c.subscribers...)
	c.mu.Unlock()

	infos := make([]SubscriberInfo, 0, len(subscribers))
	for _, sub := range subscribers {
		infos = append(infos, sub.Info())
	}
	return infos
}

// ConnectionState reports whether the bus is open, was closed locally or
// never opened, or was dropped by the peer
func (c *Controller) ConnectionState() broker.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.conn != nil && c.conn.IsOpen():
		return broker.ConnectionStateOpen
	case c.lost:
		return broker.ConnectionStateLost
	default:
		return broker.ConnectionStateClosed
	}
}

// Connected reports whether the bus connection is up
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil && c.conn.IsOpen()
}

func (c *Controller) activeLocked() int {
	n := 0
	for _, sub := range c.subscribers {
		if sub.State() == StateConsuming {
			n++
		}
	}
	return n
}

// safeMetricsUpdate safely updates metrics if they are enabled
func (c *Controller) safeMetricsUpdate(fn func(*metrics.Metrics)) {
	if c.metrics != nil {
		fn(c.metrics)
	}
}
