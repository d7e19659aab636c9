package telemetry

import (
	"sync"
	"time"
)

// StatusSource reports synchronizer counts keyed by status name
type StatusSource interface {
	StatusCounts() map[string]int
}

// CursorSource reports each sink's cursor and the last appended sequence
type CursorSource interface {
	Cursors() (map[string]uint64, uint64)
}

var statuses = []string{"loading", "ok", "error"}

// MetricsCollector samples gauges that are cheaper to poll than to track on
// every change. Either source may be nil.
type MetricsCollector struct {
	resources StatusSource
	mirror    CursorSource
	interval  time.Duration

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

func NewMetricsCollector(resources StatusSource, mirror CursorSource, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		resources: resources,
		mirror:    mirror,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

func (mc *MetricsCollector) Start() {
	mc.wg.Add(1)
	go mc.collectLoop()
}

// Stop is idempotent and waits for the loop to exit
func (mc *MetricsCollector) Stop() {
	mc.stopOnce.Do(func() { close(mc.stopCh) })
	mc.wg.Wait()
}

func (mc *MetricsCollector) collectLoop() {
	defer mc.wg.Done()

	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.Collect()

	for {
		select {
		case <-ticker.C:
			mc.Collect()
		case <-mc.stopCh:
			return
		}
	}
}

// Collect takes one sample immediately
func (mc *MetricsCollector) Collect() {
	if mc.resources != nil {
		counts := mc.resources.StatusCounts()
		for _, status := range statuses {
			ResourcesByStatus.With(status).Set(float64(counts[status]))
		}
	}

	if mc.mirror != nil {
		cursors, last := mc.mirror.Cursors()
		for sink, cursor := range cursors {
			lag := uint64(0)
			if last > cursor {
				lag = last - cursor
			}
			MirrorLag.With(sink).Set(float64(lag))
		}
	}
}
