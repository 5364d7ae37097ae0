// Package strategy holds the parity sequence-trigger strategies and their
// trade ledgers.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

// Registry owns every strategy by id. The map is guarded by mu; each
// strategy's state is guarded by its own mutex.
type Registry struct {
	cfg config.StrategyConfig
	log *logger.Log
	now func() time.Time

	mu         sync.RWMutex
	strategies map[string]*Strategy

	history   *history
	obsMu     sync.RWMutex
	observers []Observer
}

func NewRegistry(cfg config.StrategyConfig, log *logger.Log) *Registry {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.PayoutRatio <= 0 {
		cfg.PayoutRatio = 0.95
	}
	if cfg.MaxAmount <= 0 {
		cfg.MaxAmount = 1_000_000
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = 10000
	}
	return &Registry{
		cfg:        cfg,
		log:        log,
		now:        time.Now,
		strategies: make(map[string]*Strategy),
		history:    newHistory(cfg.HistoryLimit),
	}
}

// AddObserver subscribes o to win, loss and new_entry events.
func (r *Registry) AddObserver(o Observer) {
	r.obsMu.Lock()
	r.observers = append(r.observers, o)
	r.obsMu.Unlock()
}

func (r *Registry) publish(events []Event) {
	if len(events) == 0 {
		return
	}
	r.obsMu.RLock()
	observers := r.observers
	r.obsMu.RUnlock()
	for _, e := range events {
		for _, o := range observers {
			o.OnTradeEvent(e)
		}
	}
}

func (r *Registry) validAmount(v float64) bool {
	return v > 0 && v <= r.cfg.MaxAmount
}

func (r *Registry) validateConfig(c Config) string {
	switch {
	case c.TriggerCount < 1:
		return "trigger_count must be at least 1"
	case c.MaxEntries < 1:
		return "max_entries must be at least 1"
	case !r.validAmount(c.BaseAmount):
		return fmt.Sprintf("base_amount must be greater than 0 and at most %.0f", r.cfg.MaxAmount)
	case c.Multiplier <= 0:
		return "martingale_multiplier must be greater than 0"
	}
	return ""
}

func (r *Registry) newID() string {
	return fmt.Sprintf("strategy_%s_%s", r.now().Format("20060102_150405"), uuid.NewString()[:8])
}

func (r *Registry) get(id string) *Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.strategies[id]
}

func notFound(id string) string {
	return "strategy " + id + " not found"
}

// CreateStrategy validates c and registers a new strategy under a fresh id.
func (r *Registry) CreateStrategy(c Config) CreateResult {
	if msg := r.validateConfig(c); msg != "" {
		return CreateResult{Outcome: InvalidConfig, Message: msg, Config: c}
	}
	id := r.newID()
	s := newStrategy(id, c, r.now())

	r.mu.Lock()
	r.strategies[id] = s
	r.mu.Unlock()

	r.log.WithComponent("strategy").WithFields(logger.Fields{
		"strategy_id":   id,
		"trigger_count": c.TriggerCount,
		"max_entries":   c.MaxEntries,
		"base_amount":   c.BaseAmount,
		"multiplier":    c.Multiplier,
		"auto":          c.Auto,
	}).Info("strategy created")
	return CreateResult{Outcome: OK, StrategyID: id, Config: c}
}

// UpdateStrategy replaces the config of id and keeps its state. The update is
// refused when the strategy holds more open trades than the new limit.
func (r *Registry) UpdateStrategy(id string, c Config) CreateResult {
	s := r.get(id)
	if s == nil {
		return CreateResult{Outcome: NotFound, Message: notFound(id), StrategyID: id}
	}
	if msg := r.validateConfig(c); msg != "" {
		return CreateResult{Outcome: InvalidConfig, Message: msg, StrategyID: id, Config: c}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) > c.MaxEntries {
		return CreateResult{Outcome: InvalidConfig, StrategyID: id, Config: c,
			Message: "max_entries below the number of open trades, cancel them first"}
	}
	s.cfg = c
	if len(s.sequence) > c.TriggerCount {
		s.sequence = append([]int(nil), s.sequence[len(s.sequence)-c.TriggerCount:]...)
	}
	r.log.WithComponent("strategy").WithFields(logger.Fields{"strategy_id": id}).Info("strategy updated")
	return CreateResult{Outcome: OK, StrategyID: id, Config: c}
}

// DeleteStrategy removes id. It reports false when id is unknown.
func (r *Registry) DeleteStrategy(id string) bool {
	r.mu.Lock()
	_, ok := r.strategies[id]
	delete(r.strategies, id)
	r.mu.Unlock()
	if ok {
		r.log.WithComponent("strategy").WithFields(logger.Fields{"strategy_id": id}).Info("strategy deleted")
	}
	return ok
}

func (r *Registry) Strategy(id string) (Info, bool) {
	s := r.get(id)
	if s == nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.infoLocked(), true
}

// Strategies lists every strategy, oldest first.
func (r *Registry) Strategies() []Info {
	r.mu.RLock()
	all := make([]*Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		all = append(all, s)
	}
	r.mu.RUnlock()

	out := make([]Info, 0, len(all))
	for _, s := range all {
		s.mu.Lock()
		out = append(out, s.infoLocked())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

// AutoStrategies returns the ids of strategies flagged for automated trading.
func (r *Registry) AutoStrategies() []string {
	r.mu.RLock()
	all := make([]*Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var ids []string
	for _, s := range all {
		s.mu.Lock()
		if s.cfg.Auto {
			ids = append(ids, s.id)
		}
		s.mu.Unlock()
	}
	sort.Strings(ids)
	return ids
}

// ProcessTick feeds a discretised value into id: the trigger window first,
// then settlement of open trades. The trigger is advisory and never opens a
// trade.
func (r *Registry) ProcessTick(id string, value int) TickResult {
	if value < 0 || value > 9 {
		return TickResult{Outcome: InvalidTickValue, StrategyID: id, Value: value,
			Message: "tick_value must be an integer between 0 and 9"}
	}
	s := r.get(id)
	if s == nil {
		return TickResult{Outcome: NotFound, StrategyID: id, Value: value, Message: notFound(id)}
	}

	now := r.now()
	s.mu.Lock()
	trigger := s.addTickLocked(value)
	events := s.settleLocked(value, r.cfg.PayoutRatio, now)
	stats := s.statsLocked()
	s.mu.Unlock()

	log := r.log.WithComponent("strategy").WithFields(logger.Fields{"strategy_id": id})
	if trigger != nil {
		log.WithFields(logger.Fields{"suggested": string(trigger.Suggested), "sequence": trigger.Sequence}).Info("trigger detected")
	}
	for _, e := range events {
		fields := logger.Fields{"trade_id": e.TradeID, "bet_type": string(e.BetType), "amount": e.Amount}
		switch e.Kind {
		case EventWin:
			fields["profit"] = e.Profit
			log.WithFields(fields).Info("trade won")
			r.emitSettled(e)
		case EventLoss:
			fields["profit"] = e.Profit
			log.WithFields(fields).Info("trade lost")
			r.emitSettled(e)
		case EventNewEntry:
			fields["entry_number"] = e.EntryNumber
			log.WithFields(fields).Info("martingale entry created")
			metrics.EmitMetric(r.log, "strategy", metrics.TradesOpened, 1, metrics.TypeCounter, logger.Fields{"source": "martingale"})
		}
	}
	r.history.record(events)
	r.publish(events)

	return TickResult{
		Outcome:      OK,
		StrategyID:   id,
		Value:        value,
		Trigger:      trigger,
		Events:       events,
		ActiveTrades: stats.ActiveTrades,
		Stats:        &stats,
	}
}

// CreateTrade opens a trade on id. Without an explicit amount the stake is
// base * multiplier^(n-1), n being the 1-based position among open trades.
func (r *Registry) CreateTrade(id, betType string, amount *float64) TradeResult {
	s := r.get(id)
	if s == nil {
		return TradeResult{Outcome: NotFound, Message: notFound(id)}
	}
	bet, ok := ParseBetType(betType)
	if !ok {
		return TradeResult{Outcome: InvalidBetType, Message: "invalid bet type, use 'even' or 'odd'"}
	}

	s.mu.Lock()
	if len(s.active) >= s.cfg.MaxEntries {
		s.mu.Unlock()
		return TradeResult{Outcome: MaxEntriesReached, Message: "maximum number of entries reached"}
	}
	step := len(s.active) + 1
	stake := s.stake(step)
	if amount != nil {
		stake = *amount
	}
	if !r.validAmount(stake) {
		s.mu.Unlock()
		return TradeResult{Outcome: InvalidAmount,
			Message: fmt.Sprintf("amount must be greater than 0 and at most %.0f", r.cfg.MaxAmount)}
	}
	t := *s.createTradeLocked(bet, stake, step, r.now())
	entry := len(s.active)
	s.mu.Unlock()

	r.log.WithComponent("strategy").WithFields(logger.Fields{
		"strategy_id": id,
		"trade_id":    t.ID,
		"bet_type":    string(bet),
		"amount":      stake,
	}).Info("trade created")
	metrics.EmitMetric(r.log, "strategy", metrics.TradesOpened, 1, metrics.TypeCounter, logger.Fields{"source": "manual"})
	return TradeResult{Outcome: OK, Trade: &t, EntryNumber: entry}
}

func (r *Registry) emitSettled(e Event) {
	fields := logger.Fields{"result": string(e.Kind)}
	metrics.EmitMetric(r.log, "strategy", metrics.TradesSettled, 1, metrics.TypeCounter, fields)
	metrics.EmitMetric(r.log, "strategy", metrics.TradeProfit, e.Profit, metrics.TypeCounter, fields)
}

func (r *Registry) Stats(id string) (Stats, bool) {
	s := r.get(id)
	if s == nil {
		return Stats{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statsLocked(), true
}

// Reset clears the sequence, open trades and aggregates of id.
func (r *Registry) Reset(id string) ActionResult {
	s := r.get(id)
	if s == nil {
		return ActionResult{Outcome: NotFound, StrategyID: id, Message: notFound(id)}
	}
	s.mu.Lock()
	s.resetLocked()
	s.mu.Unlock()
	r.log.WithComponent("strategy").WithFields(logger.Fields{"strategy_id": id}).Info("strategy reset")
	return ActionResult{Outcome: OK, StrategyID: id, Status: "reset", Message: "strategy reset"}
}

// CancelActiveTrades closes every open trade of id without touching the
// aggregates.
func (r *Registry) CancelActiveTrades(id string) ActionResult {
	s := r.get(id)
	if s == nil {
		return ActionResult{Outcome: NotFound, StrategyID: id, Message: notFound(id)}
	}
	s.mu.Lock()
	n := s.cancelLocked()
	s.mu.Unlock()
	r.log.WithComponent("strategy").WithFields(logger.Fields{"strategy_id": id, "cancelled": n}).Info("active trades cancelled")
	return ActionResult{Outcome: OK, StrategyID: id, Status: "cancelled", Message: "all active trades cancelled"}
}

// History returns settled trades, newest last, optionally for one strategy.
func (r *Registry) History(id string, limit int) []HistoryRecord {
	return r.history.list(id, limit)
}

func (r *Registry) OverallStats() OverallStats {
	r.mu.RLock()
	all := make([]*Strategy, 0, len(r.strategies))
	for _, s := range r.strategies {
		all = append(all, s)
	}
	r.mu.RUnlock()

	var o OverallStats
	for _, s := range all {
		s.mu.Lock()
		o.TotalProfit += s.totalProfit
		o.TotalTrades += s.totalTrades
		o.TotalWins += s.winningTrades
		o.TotalActiveTrades += len(s.active)
		s.mu.Unlock()
	}
	o.TotalStrategies = len(all)
	o.WinRate = winRate(o.TotalWins, o.TotalTrades)
	return o
}
