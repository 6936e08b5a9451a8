package metrics

import (
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Collector tracks pipeline counters without external deps.
type Collector struct {
	consumed     atomic.Int64
	delivered    atomic.Int64
	retried      atomic.Int64
	deadLettered atomic.Int64
	malformed    atomic.Int64
	startedAt    time.Time
}

func New() *Collector {
	return &Collector{
		startedAt: time.Now(),
	}
}

func (c *Collector) IncConsumed()     { c.consumed.Add(1) }
func (c *Collector) IncDelivered()    { c.delivered.Add(1) }
func (c *Collector) IncRetried()      { c.retried.Add(1) }
func (c *Collector) IncDeadLettered() { c.deadLettered.Add(1) }
func (c *Collector) IncMalformed()    { c.malformed.Add(1) }

func (c *Collector) Consumed() int64     { return c.consumed.Load() }
func (c *Collector) Delivered() int64    { return c.delivered.Load() }
func (c *Collector) Retried() int64      { return c.retried.Load() }
func (c *Collector) DeadLettered() int64 { return c.deadLettered.Load() }
func (c *Collector) Malformed() int64    { return c.malformed.Load() }

// Handler exposes the counters in a simple JSON form.
func (c *Collector) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"messages_consumed":      c.consumed.Load(),
			"messages_delivered":     c.delivered.Load(),
			"messages_retried":       c.retried.Load(),
			"messages_dead_lettered": c.deadLettered.Load(),
			"messages_malformed":     c.malformed.Load(),
			"uptime_seconds":         int64(time.Since(c.startedAt).Seconds()),
			"timestamp":              time.Now().UTC(),
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
}
