package metrics

import (
	"time"
)

// PartCounter reports how many partitions a host serves and leads; the
// kv store implements it.
type PartCounter interface {
	CountParts() (total, leading int)
}

// Collector samples partition gauges periodically.
type Collector struct {
	parts  PartCounter
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector.
func NewCollector(parts PartCounter) *Collector {
	return &Collector{
		parts:  parts,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	total, leading := c.parts.CountParts()
	RaftPartsTotal.Set(float64(total))
	RaftLeaderParts.Set(float64(leading))
}
