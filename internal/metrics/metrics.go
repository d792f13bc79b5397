package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nvxroute"

// Metrics holds every prometheus collector exported by the service
type Metrics struct {
	brokerConnectionStatus prometheus.Gauge
	brokerReconnects       prometheus.Counter
	subscribersActive      prometheus.Gauge
	eventsPublished        *prometheus.CounterVec
	deliveries             *prometheus.CounterVec
	applyDuration          prometheus.Histogram
	uptime                 prometheus.Gauge
	deliveryRate           prometheus.Gauge
}

// NewMetrics creates the collectors and registers them with reg. A nil registerer
// leaves them unregistered, which is what tests want.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		brokerConnectionStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_connection_status",
			Help:      "Broker connection status (1 = connected, 0 = disconnected)",
		}),
		brokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broker_reconnects_total",
			Help:      "Number of controller-driven reconnect attempts",
		}),
		subscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "subscribers_active",
			Help:      "Number of subscribers currently consuming",
		}),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Routing change events published, by status",
		}, []string{"status"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Routing change deliveries handled, by endpoint and outcome",
		}, []string{"endpoint", "outcome"}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying a routing change to an endpoint",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}),
		uptime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Seconds since the stats collector started",
		}),
		deliveryRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "delivery_rate",
			Help:      "Average deliveries per second since start",
		}),
	}

	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.brokerConnectionStatus,
			m.brokerReconnects,
			m.subscribersActive,
			m.eventsPublished,
			m.deliveries,
			m.applyDuration,
			m.uptime,
			m.deliveryRate,
		} {
			if err := reg.Register(c); err != nil {
				return nil, err
			}
		}
	}

	return m, nil
}

// SetBrokerConnectionStatus records whether the broker connection is up
func (m *Metrics) SetBrokerConnectionStatus(connected bool) {
	if connected {
		m.brokerConnectionStatus.Set(1)
	} else {
		m.brokerConnectionStatus.Set(0)
	}
}

func (m *Metrics) IncBrokerReconnects() {
	m.brokerReconnects.Inc()
}

func (m *Metrics) SetSubscribersActive(n int) {
	m.subscribersActive.Set(float64(n))
}

// IncEventsPublished counts a publish attempt; status is "success" or "error"
func (m *Metrics) IncEventsPublished(status string) {
	m.eventsPublished.WithLabelValues(status).Inc()
}

// IncDeliveries counts a handled delivery; outcome is "applied", "rejected",
// "requeued" or "dropped"
func (m *Metrics) IncDeliveries(endpoint, outcome string) {
	m.deliveries.WithLabelValues(endpoint, outcome).Inc()
}

func (m *Metrics) ObserveApplyDuration(d time.Duration) {
	m.applyDuration.Observe(d.Seconds())
}

// StatsSource supplies the values the collector copies into gauges
type StatsSource interface {
	Uptime() time.Duration
	DeliveryRate() float64
}

// MetricsCollector periodically copies stats into gauges
type MetricsCollector struct {
	metrics  *Metrics
	source   StatsSource
	interval time.Duration
	stop     chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// NewMetricsCollector creates a collector; call Start to begin sampling
func NewMetricsCollector(m *Metrics, source StatsSource, interval time.Duration) *MetricsCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &MetricsCollector{
		metrics:  m,
		source:   source,
		interval: interval,
		stop:     make(chan struct{}),
	}
}

func (c *MetricsCollector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stop:
				return
			}
		}
	}()
}

func (c *MetricsCollector) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

func (c *MetricsCollector) collect() {
	if c.metrics == nil || c.source == nil {
		return
	}
	c.metrics.uptime.Set(c.source.Uptime().Seconds())
	c.metrics.deliveryRate.Set(c.source.DeliveryRate())
}
