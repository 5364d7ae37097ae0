// Package tick carries normalised ticks from the subscription manager to the
// automated strategy pipeline.
package tick

import (
	"context"
	"sync"

	"tickflow/internal/metrics"
	"tickflow/internal/ticks"
	"tickflow/logger"
)

type ChannelStats struct {
	Sent    int64 `json:"sent"`
	Dropped int64 `json:"dropped"`
}

type Channels struct {
	Raw chan ticks.Tick

	stats      ChannelStats
	statsMutex sync.RWMutex
	closeOnce  sync.Once
	log        *logger.Log
}

func NewChannels(bufferSize int, log *logger.Log) *Channels {
	if log == nil {
		log = logger.GetLogger()
	}
	if bufferSize <= 0 {
		bufferSize = 256
	}
	c := &Channels{
		Raw: make(chan ticks.Tick, bufferSize),
		log: log,
	}

	log.WithComponent("tick_channels").WithFields(logger.Fields{
		"buffer_size": bufferSize,
	}).Info("tick channels initialized")

	return c
}

func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Raw)
		c.log.WithComponent("tick_channels").Info("tick channels closed")
	})
}

// SendRaw never blocks: a full buffer drops the tick and counts it.
func (c *Channels) SendRaw(ctx context.Context, t ticks.Tick) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	select {
	case c.Raw <- t:
		c.statsMutex.Lock()
		c.stats.Sent++
		c.statsMutex.Unlock()
		return true
	default:
		c.statsMutex.Lock()
		c.stats.Dropped++
		c.statsMutex.Unlock()
		metrics.EmitDropMetric(c.log, "tick_channels", t.Symbol, "pipeline")
		return false
	}
}

// Listener adapts SendRaw to a ticks.Listener bound to ctx.
func (c *Channels) Listener(ctx context.Context) ticks.Listener {
	return func(t ticks.Tick) {
		c.SendRaw(ctx, t)
	}
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

func (c *Channels) Len() int { return len(c.Raw) }
func (c *Channels) Cap() int { return cap(c.Raw) }
