package autoscale

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"academy-job-core/internal/models"
	"academy-job-core/internal/queue"
	"academy-job-core/internal/telemetry"
)

type fixedDepth struct {
	depth queue.Depth
	err   error
}

func (f fixedDepth) Depth(context.Context) (queue.Depth, error) {
	return f.depth, f.err
}

func TestSamplePublishesVisiblePlusInFlight(t *testing.T) {
	m := NewMonitor(map[string]DepthReader{
		models.PoolAI: fixedDepth{depth: queue.Depth{Visible: 5, InFlight: 2}},
	}, time.Minute, zap.NewNop())

	m.Sample(context.Background())

	assert.Equal(t, 5.0, testutil.ToFloat64(telemetry.QueueDepthGauge.WithLabelValues(models.PoolAI, "visible")))
	assert.Equal(t, 2.0, testutil.ToFloat64(telemetry.QueueDepthGauge.WithLabelValues(models.PoolAI, "inflight")))
	assert.Equal(t, 7.0, testutil.ToFloat64(telemetry.ScaleSignalGauge.WithLabelValues(models.PoolAI)))
}

func TestSampleKeepsLastValueOnReadError(t *testing.T) {
	good := NewMonitor(map[string]DepthReader{
		models.PoolMedia: fixedDepth{depth: queue.Depth{Visible: 3, InFlight: 1}},
	}, time.Minute, zap.NewNop())
	good.Sample(context.Background())

	broken := NewMonitor(map[string]DepthReader{
		models.PoolMedia: fixedDepth{err: errors.New("queue unreachable")},
	}, time.Minute, zap.NewNop())
	broken.Sample(context.Background())

	// A failed sample never zeroes the signal.
	assert.Equal(t, 4.0, testutil.ToFloat64(telemetry.ScaleSignalGauge.WithLabelValues(models.PoolMedia)))
}

type countingStore struct {
	visible  int64
	inflight int64
}

func (c countingStore) CountVisible(context.Context, string) (int64, error)  { return c.visible, nil }
func (c countingStore) CountInFlight(context.Context, string) (int64, error) { return c.inflight, nil }

func TestTableDepthsCombinesStoreCounts(t *testing.T) {
	r := TableDepths{Store: countingStore{visible: 8, inflight: 3}, Pool: models.PoolAI}
	d, err := r.Depth(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, int64(8), d.Visible)
	assert.Equal(t, int64(3), d.InFlight)
	assert.Equal(t, int64(11), d.Total())
}
