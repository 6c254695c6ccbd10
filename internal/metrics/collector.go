package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/vbmedia/packline/internal/model"
)

// QueueStats is the slice of queue state the collector exports as gauges.
type QueueStats struct {
	Pending  int64
	Deferred int64
	Failed   int64
}

// QueueStatsProvider reports current task queue statistics.
type QueueStatsProvider interface {
	QueueStats(ctx context.Context) (*QueueStats, error)
}

// PackageStatsProvider reports how many packages sit in each status.
type PackageStatsProvider interface {
	StatusCounts() (map[model.Status]int, error)
}

// Collector periodically refreshes the gauges that mirror store and queue
// state.
type Collector struct {
	metrics       *Metrics
	queueStats    QueueStatsProvider
	packageStats  PackageStatsProvider
	flushInterval time.Duration
	startTime     time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector. Either provider may be nil; its gauges
// are then left untouched.
func NewCollector(m *Metrics, queueStats QueueStatsProvider, packageStats PackageStatsProvider, flushInterval time.Duration) *Collector {
	if flushInterval == 0 {
		flushInterval = 10 * time.Second
	}
	return &Collector{
		metrics:       m,
		queueStats:    queueStats,
		packageStats:  packageStats,
		flushInterval: flushInterval,
		startTime:     time.Now(),
		stopCh:        make(chan struct{}),
	}
}

// Start begins the refresh loop.
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.flushInterval)
		defer ticker.Stop()

		c.refresh(ctx)
		for {
			select {
			case <-ticker.C:
				c.refresh(ctx)
			case <-c.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the refresh loop.
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refresh(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.queueStats != nil {
		if stats, err := c.queueStats.QueueStats(ctx); err == nil {
			c.metrics.QueuePending.Set(float64(stats.Pending))
			c.metrics.QueueDeferred.Set(float64(stats.Deferred))
			c.metrics.QueueFailed.Set(float64(stats.Failed))
		}
	}

	if c.packageStats != nil {
		if counts, err := c.packageStats.StatusCounts(); err == nil {
			c.metrics.PackagesByStatus.Reset()
			for status, n := range counts {
				c.metrics.PackagesByStatus.WithLabelValues(string(status)).Set(float64(n))
			}
		}
	}
}
