package metrics

import (
	"context"
	"time"

	"tickflow/logger"
)

// Sizer is any buffered queue that can report its occupancy.
type Sizer interface {
	Len() int
	Cap() int
}

// StartChannelSizeMetrics emits an occupancy gauge for each named buffer
// every interval until ctx is cancelled. A non-positive interval means one
// second.
func StartChannelSizeMetrics(ctx context.Context, buffers map[string]Sizer, interval time.Duration) {
	if len(buffers) == 0 {
		return
	}
	if interval <= 0 {
		interval = time.Second
	}

	log := logger.GetLogger()
	ticker := time.NewTicker(interval)

	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for name, b := range buffers {
					if b == nil {
						continue
					}
					EmitMetric(log, "channel_buffers", ChannelLength, b.Len(), TypeGauge, logger.Fields{
						"buffer":   name,
						"capacity": b.Cap(),
					})
				}
			}
		}
	}()
}
