package stats

import (
	"encoding/json"
	"sync/atomic"
	"time"
)

// StatsCollector tracks application-wide bus statistics
type StatsCollector struct {
	StartTime       time.Time
	EventsPublished uint64
	PublishErrors   uint64
	Delivered       uint64
	Applied         uint64
	Rejected        uint64
	Errors          uint64
	lastUpdate      atomic.Int64
}

// NewStatsCollector creates a new stats collector
func NewStatsCollector() *StatsCollector {
	s := &StatsCollector{
		StartTime: time.Now(),
	}
	s.touch()
	return s
}

func (s *StatsCollector) touch() {
	s.lastUpdate.Store(time.Now().UnixNano())
}

func (s *StatsCollector) IncPublished() {
	atomic.AddUint64(&s.EventsPublished, 1)
	s.touch()
}

func (s *StatsCollector) IncPublishErrors() {
	atomic.AddUint64(&s.PublishErrors, 1)
	s.touch()
}

func (s *StatsCollector) IncDelivered() {
	atomic.AddUint64(&s.Delivered, 1)
	s.touch()
}

func (s *StatsCollector) IncApplied() {
	atomic.AddUint64(&s.Applied, 1)
	s.touch()
}

func (s *StatsCollector) IncRejected() {
	atomic.AddUint64(&s.Rejected, 1)
	s.touch()
}

func (s *StatsCollector) IncErrors() {
	atomic.AddUint64(&s.Errors, 1)
	s.touch()
}

// LastUpdate returns the time of the most recent counter change
func (s *StatsCollector) LastUpdate() time.Time {
	return time.Unix(0, s.lastUpdate.Load())
}

// Uptime returns the time since the collector was created
func (s *StatsCollector) Uptime() time.Duration {
	return time.Since(s.StartTime)
}

// Snapshot is a point-in-time copy of the counters
type Snapshot struct {
	Uptime          string    `json:"uptime"`
	EventsPublished uint64    `json:"events_published"`
	PublishErrors   uint64    `json:"publish_errors"`
	Delivered       uint64    `json:"delivered"`
	Applied         uint64    `json:"applied"`
	Rejected        uint64    `json:"rejected"`
	Errors          uint64    `json:"errors"`
	LastUpdate      time.Time `json:"last_update"`
}

// GetStats returns current statistics
func (s *StatsCollector) GetStats() Snapshot {
	return Snapshot{
		Uptime:          s.Uptime().Round(time.Second).String(),
		EventsPublished: atomic.LoadUint64(&s.EventsPublished),
		PublishErrors:   atomic.LoadUint64(&s.PublishErrors),
		Delivered:       atomic.LoadUint64(&s.Delivered),
		Applied:         atomic.LoadUint64(&s.Applied),
		Rejected:        atomic.LoadUint64(&s.Rejected),
		Errors:          atomic.LoadUint64(&s.Errors),
		LastUpdate:      s.LastUpdate(),
	}
}

// GetStatsJSON returns stats as JSON
func (s *StatsCollector) GetStatsJSON() ([]byte, error) {
	return json.Marshal(s.GetStats())
}

// DeliveryRate calculates deliveries per second since start
func (s *StatsCollector) DeliveryRate() float64 {
	uptime := time.Since(s.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadUint64(&s.Delivered)) / uptime
}
