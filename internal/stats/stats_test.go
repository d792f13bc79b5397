package stats

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestNewStatsCollector verifies the initialization of a new StatsCollector
func TestNewStatsCollector(t *testing.T) {
	collector := NewStatsCollector()

	assert.NotNil(t, collector, "StatsCollector should be created")
	assert.WithinDuration(t, time.Now(), collector.StartTime, 100*time.Millisecond, "StartTime should be close to current time")
	assert.WithinDuration(t, time.Now(), collector.LastUpdate(), 100*time.Millisecond, "LastUpdate should be close to current time")

	assert.Zero(t, collector.EventsPublished, "EventsPublished should be zero")
	assert.Zero(t, collector.Delivered, "Delivered should be zero")
	assert.Zero(t, collector.Applied, "Applied should be zero")
	assert.Zero(t, collector.Rejected, "Rejected should be zero")
	assert.Zero(t, collector.Errors, "Errors should be zero")
}

// TestConcurrentIncrements verifies counters stay exact under contention
func TestConcurrentIncrements(t *testing.T) {
	collector := NewStatsCollector()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collector.IncPublished()
			collector.IncDelivered()
			collector.IncDelivered()
			collector.IncApplied()
		}()
	}
	wg.Wait()

	stats := collector.GetStats()
	assert.Equal(t, uint64(50), stats.EventsPublished)
	assert.Equal(t, uint64(100), stats.Delivered)
	assert.Equal(t, uint64(50), stats.Applied)
}

// TestGetStatsJSON verifies JSON marshaling of stats
func TestGetStatsJSON(t *testing.T) {
	c := NewStatsCollector()
	c.IncPublished()
	c.IncPublishErrors()
	c.IncDelivered()
	c.IncRejected()
	c.IncErrors()

	jsonStats, err := c.GetStatsJSON()
	require.NoError(t, err, "GetStatsJSON should not return an error")

	var statsMap map[string]interface{}
	err = json.Unmarshal(jsonStats, &statsMap)
	require.NoError(t, err, "Should be able to unmarshal JSON")

	assert.Contains(t, statsMap, "uptime")
	assert.Contains(t, statsMap, "last_update")
	assert.Equal(t, float64(1), statsMap["events_published"])
	assert.Equal(t, float64(1), statsMap["publish_errors"])
	assert.Equal(t, float64(1), statsMap["delivered"])
	assert.Equal(t, float64(1), statsMap["rejected"])
	assert.Equal(t, float64(1), statsMap["errors"])
}

// TestDeliveryRate verifies delivery rate calculation
func TestDeliveryRate(t *testing.T) {
	testCases := []struct {
		name           string
		delivered      uint64
		processingTime time.Duration
		expectedRange  struct {
			min float64
			max float64
		}
	}{
		{
			name:           "Zero deliveries",
			delivered:      0,
			processingTime: 1 * time.Second,
			expectedRange:  struct{ min, max float64 }{0, 0.001},
		},
		{
			name:           "Normal deliveries",
			delivered:      100,
			processingTime: 10 * time.Second,
			expectedRange:  struct{ min, max float64 }{9.9, 10.1},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			collector := &StatsCollector{
				StartTime: time.Now().Add(-tc.processingTime),
				Delivered: tc.delivered,
			}

			rate := collector.DeliveryRate()

			assert.GreaterOrEqual(t, rate, tc.expectedRange.min, "Rate should be greater than or equal to minimum")
			assert.LessOrEqual(t, rate, tc.expectedRange.max, "Rate should be less than or equal to maximum")
		})
	}
}
