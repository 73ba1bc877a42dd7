// Package autoscale publishes the per-pool scale signal. The fleet scales on
// visible plus in-flight jobs, so a burst of long-running work holds capacity
// up even while the backlog of unclaimed messages is empty.
package autoscale

import (
	"context"
	"time"

	"go.uber.org/zap"

	"academy-job-core/internal/queue"
	"academy-job-core/internal/telemetry"
)

// DepthReader reports current queue depth for one pool. Both the table-backed
// backend and the SQS broker satisfy it.
type DepthReader interface {
	Depth(ctx context.Context) (queue.Depth, error)
}

// TableDepths counts directly against the jobs table for pools with no
// message transport.
type TableDepths struct {
	Store interface {
		CountVisible(ctx context.Context, pool string) (int64, error)
		CountInFlight(ctx context.Context, pool string) (int64, error)
	}
	Pool string
}

func (t TableDepths) Depth(ctx context.Context) (queue.Depth, error) {
	visible, err := t.Store.CountVisible(ctx, t.Pool)
	if err != nil {
		return queue.Depth{}, err
	}
	inflight, err := t.Store.CountInFlight(ctx, t.Pool)
	if err != nil {
		return queue.Depth{}, err
	}
	return queue.Depth{Visible: visible, InFlight: inflight}, nil
}

// Monitor samples every pool's depth on a fixed interval and publishes the
// gauges the autoscaler scrapes.
type Monitor struct {
	readers  map[string]DepthReader
	interval time.Duration
	logger   *zap.Logger
}

// NewMonitor builds a monitor over the given pool readers.
func NewMonitor(readers map[string]DepthReader, interval time.Duration, logger *zap.Logger) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Monitor{readers: readers, interval: interval, logger: logger}
}

// Run samples until ctx is cancelled. One failed pool read is logged and
// skipped; the previous gauge value stands until the next good sample.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample measures each pool once and updates the gauges.
func (m *Monitor) Sample(ctx context.Context) {
	for pool, reader := range m.readers {
		depth, err := reader.Depth(ctx)
		if err != nil {
			m.logger.Warn("depth sample failed", zap.String("pool", pool), zap.Error(err))
			continue
		}
		telemetry.QueueDepthGauge.WithLabelValues(pool, "visible").Set(float64(depth.Visible))
		telemetry.QueueDepthGauge.WithLabelValues(pool, "inflight").Set(float64(depth.InFlight))
		telemetry.ScaleSignalGauge.WithLabelValues(pool).Set(float64(depth.Total()))
	}
}
