package metrics

import (
	"context"
	"time"

	"github.com/radical-cybertools/rp-agent/pkg/log"
)

// SlotCount is one (kind, state) occupancy bucket, e.g. ("core", "busy") -> 12.
type SlotCount struct {
	Kind  string
	State string
	Count int
}

// StatsSource is implemented by whatever component holds the live
// pipeline state a periodic collector needs to snapshot into gauges.
// No type in this module implements it, and pkg/agent does not start a
// Collector.
type StatsSource interface {
	NodeCount() int
	SlotCounts() []SlotCount
	TasksByState() map[string]int
	QueueDepths() map[string]int
	RaptorWorkerCount() int
}

// Collector periodically snapshots a StatsSource into the package's
// Prometheus gauges. Counters and histograms are updated inline by the
// components that cause them; Collector only handles the metrics that
// are naturally point-in-time state rather than events.
type Collector struct {
	source   StatsSource
	interval time.Duration
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewCollector builds a Collector that polls source every interval.
func NewCollector(source StatsSource, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

// Stop halts the collection loop and waits for it to exit.
func (c *Collector) Stop() {
	close(c.stopCh)
	<-c.doneCh
}

func (c *Collector) run(ctx context.Context) {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *Collector) collect() {
	NodesTotal.Set(float64(c.source.NodeCount()))

	for _, sc := range c.source.SlotCounts() {
		SlotsTotal.WithLabelValues(sc.Kind, sc.State).Set(float64(sc.Count))
	}

	for state, n := range c.source.TasksByState() {
		TasksByState.WithLabelValues(state).Set(float64(n))
	}

	for queue, n := range c.source.QueueDepths() {
		PendingQueueDepth.WithLabelValues(queue).Set(float64(n))
	}

	RaptorWorkersTotal.Set(float64(c.source.RaptorWorkerCount()))

	log.Logger.Debug().Str("component", "metrics").Msg("collected periodic stats snapshot")
}
