// Package pipeline runs strategies flagged for automation against the live
// tick stream.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"

	"tickflow/internal/channel/tick"
	"tickflow/internal/strategy"
	"tickflow/internal/ticks"
	"tickflow/logger"
)

// Registry is the part of the strategy registry the trader drives.
type Registry interface {
	AutoStrategies() []string
	ProcessTick(id string, value int) strategy.TickResult
	CreateTrade(id, betType string, amount *float64) strategy.TradeResult
}

type Stats struct {
	TicksProcessed int64 `json:"ticks_processed"`
	TicksSkipped   int64 `json:"ticks_skipped"`
	Triggers       int64 `json:"triggers"`
	TradesOpened   int64 `json:"trades_opened"`
}

// AutoTrader feeds the last decimal digit of each live quote to every auto
// strategy. A trigger on a strategy with no open trade opens the suggested
// trade at the first ladder step.
type AutoTrader struct {
	channels *tick.Channels
	registry Registry
	log      *logger.Log

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool

	processed atomic.Int64
	skipped   atomic.Int64
	triggers  atomic.Int64
	opened    atomic.Int64
}

func NewAutoTrader(ch *tick.Channels, registry Registry, log *logger.Log) *AutoTrader {
	if log == nil {
		log = logger.GetLogger()
	}
	return &AutoTrader{channels: ch, registry: registry, log: log}
}

func (a *AutoTrader) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("auto trader already running")
	}
	a.running = true
	a.ctx = ctx
	a.mu.Unlock()

	a.log.WithComponent("pipeline").Info("starting auto trader")
	a.wg.Add(1)
	go a.worker()
	return nil
}

// Stop waits for the worker, which exits when ctx is done or the channel is
// closed.
func (a *AutoTrader) Stop() {
	a.mu.Lock()
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
	a.log.WithComponent("pipeline").WithFields(logger.Fields{
		"ticks_processed": a.processed.Load(),
		"trades_opened":   a.opened.Load(),
	}).Info("auto trader stopped")
}

func (a *AutoTrader) worker() {
	defer a.wg.Done()
	log := a.log.WithComponent("pipeline")
	for {
		select {
		case <-a.ctx.Done():
			log.Debug("worker stopped due to context cancellation")
			return
		case t, ok := <-a.channels.Raw:
			if !ok {
				log.Debug("tick channel closed, worker stopping")
				return
			}
			a.Process(t)
		}
	}
}

// Process runs one tick through every auto strategy.
func (a *AutoTrader) Process(t ticks.Tick) {
	if t.Marker() || !t.Subscribed {
		a.skipped.Add(1)
		return
	}
	digit, ok := Digit(t.Quote, t.PipSize)
	if !ok {
		a.skipped.Add(1)
		return
	}
	a.processed.Add(1)

	for _, id := range a.registry.AutoStrategies() {
		res := a.registry.ProcessTick(id, digit)
		if res.Outcome != strategy.OK {
			// deleted between listing and processing
			continue
		}
		if res.Trigger == nil {
			continue
		}
		a.triggers.Add(1)
		if res.ActiveTrades > 0 {
			continue
		}
		tr := a.registry.CreateTrade(id, string(res.Trigger.Suggested), nil)
		log := a.log.WithComponent("pipeline").WithFields(logger.Fields{
			"strategy_id": id,
			"symbol":      t.Symbol,
			"suggested":   string(res.Trigger.Suggested),
		})
		if tr.Outcome != strategy.OK {
			log.WithFields(logger.Fields{"code": string(tr.Outcome)}).Warn("auto trade rejected")
			continue
		}
		a.opened.Add(1)
		log.WithFields(logger.Fields{"trade_id": tr.Trade.ID, "amount": tr.Trade.Amount}).Info("auto trade opened")
	}
}

func (a *AutoTrader) Stats() Stats {
	return Stats{
		TicksProcessed: a.processed.Load(),
		TicksSkipped:   a.skipped.Load(),
		Triggers:       a.triggers.Load(),
		TradesOpened:   a.opened.Load(),
	}
}

// Digit returns the last decimal digit of quote rendered with pip decimals.
// A non-positive pip uses the shortest exact representation.
func Digit(quote float64, pip int) (int, bool) {
	if math.IsNaN(quote) || math.IsInf(quote, 0) {
		return 0, false
	}
	prec := -1
	if pip > 0 {
		prec = pip
	}
	s := strconv.FormatFloat(math.Abs(quote), 'f', prec, 64)
	last := s[len(s)-1]
	if last < '0' || last > '9' {
		return 0, false
	}
	return int(last - '0'), true
}
