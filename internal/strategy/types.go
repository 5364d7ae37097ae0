package strategy

import (
	"strings"
	"time"
)

type BetType string

const (
	Even BetType = "even"
	Odd  BetType = "odd"
)

// ParseBetType accepts "even" or "odd" in any case.
func ParseBetType(s string) (BetType, bool) {
	switch BetType(strings.ToLower(strings.TrimSpace(s))) {
	case Even:
		return Even, true
	case Odd:
		return Odd, true
	}
	return "", false
}

// Wins reports whether a tick value settles a bet of type b as a win.
func (b BetType) Wins(value int) bool {
	even := value%2 == 0
	return (b == Even && even) || (b == Odd && !even)
}

type TradeStatus string

const (
	Pending   TradeStatus = "pending"
	Win       TradeStatus = "win"
	Loss      TradeStatus = "loss"
	Cancelled TradeStatus = "cancelled"
)

// Config is the user-tunable part of a strategy.
type Config struct {
	TriggerCount int     `json:"trigger_count"`
	MaxEntries   int     `json:"max_entries"`
	BaseAmount   float64 `json:"base_amount"`
	Multiplier   float64 `json:"martingale_multiplier"`
	Name         string  `json:"name,omitempty"`
	Description  string  `json:"description,omitempty"`
	Auto         bool    `json:"auto"`
}

// DefaultConfig mirrors the values used when a create request omits fields.
func DefaultConfig() Config {
	return Config{TriggerCount: 3, MaxEntries: 5, BaseAmount: 1.0, Multiplier: 2.0}
}

// Trade is one stake on a parity outcome.
type Trade struct {
	ID           string      `json:"id"`
	StrategyID   string      `json:"strategy_id"`
	BetType      BetType     `json:"bet_type"`
	Amount       float64     `json:"amount"`
	Step         int         `json:"step"`
	CreatedAt    time.Time   `json:"entry_time"`
	Status       TradeStatus `json:"status"`
	SettledValue *int        `json:"result,omitempty"`
	Profit       *float64    `json:"profit,omitempty"`
}

// Trigger is an advisory bet suggestion after a unanimous parity window.
type Trigger struct {
	Type      string  `json:"trigger_type"`
	Suggested BetType `json:"suggested_bet"`
	Sequence  []int   `json:"sequence"`
	Reason    string  `json:"reason"`
}

type EventKind string

const (
	EventWin      EventKind = "win"
	EventLoss     EventKind = "loss"
	EventNewEntry EventKind = "new_entry"
)

// Event is one ledger outcome produced while settling a tick.
type Event struct {
	Kind        EventKind `json:"status"`
	StrategyID  string    `json:"strategy_id"`
	TradeID     string    `json:"trade_id"`
	BetType     BetType   `json:"bet_type"`
	Amount      float64   `json:"amount"`
	Profit      float64   `json:"profit"`
	Result      *int      `json:"result,omitempty"`
	// EntryNumber is the ladder step of a new_entry; its stake is
	// BaseAmount * Multiplier^(EntryNumber-1).
	EntryNumber int       `json:"entry_number,omitempty"`
	Time        time.Time `json:"timestamp"`
}

// Observer receives ledger events after the strategy lock is released.
type Observer interface {
	OnTradeEvent(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) OnTradeEvent(e Event) { f(e) }

// Outcome tags every registry result. Domain failures are outcomes, not errors.
type Outcome string

const (
	OK                Outcome = "ok"
	NotFound          Outcome = "NOT_FOUND"
	InvalidBetType    Outcome = "INVALID_BET_TYPE"
	MaxEntriesReached Outcome = "MAX_ENTRIES_REACHED"
	InvalidAmount     Outcome = "INVALID_AMOUNT"
	InvalidConfig     Outcome = "INVALID_CONFIG"
	InvalidTickValue  Outcome = "INVALID_TICK_VALUE"
)

type CreateResult struct {
	Outcome    Outcome `json:"code"`
	Message    string  `json:"message,omitempty"`
	StrategyID string  `json:"strategy_id,omitempty"`
	Config     Config  `json:"config"`
}

type TradeResult struct {
	Outcome     Outcome `json:"code"`
	Message     string  `json:"message,omitempty"`
	Trade       *Trade  `json:"trade,omitempty"`
	EntryNumber int     `json:"entry_number,omitempty"`
}

type TickResult struct {
	Outcome      Outcome  `json:"code"`
	Message      string   `json:"message,omitempty"`
	StrategyID   string   `json:"strategy_id"`
	Value        int      `json:"tick_value"`
	Trigger      *Trigger `json:"trigger_info"`
	Events       []Event  `json:"trade_results"`
	ActiveTrades int      `json:"active_trades"`
	Stats        *Stats   `json:"stats,omitempty"`
}

type ActionResult struct {
	Outcome    Outcome `json:"code"`
	StrategyID string  `json:"strategy_id"`
	Status     string  `json:"status,omitempty"`
	Message    string  `json:"message"`
}

type Stats struct {
	TotalProfit   float64 `json:"total_profit"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	WinRate       float64 `json:"win_rate"`
	ActiveTrades  int     `json:"active_trades"`
	Sequence      []int   `json:"current_sequence"`
	Config        Config  `json:"config"`
}

type Info struct {
	StrategyID   string    `json:"strategy_id"`
	CreatedAt    time.Time `json:"created_at"`
	Config       Config    `json:"config"`
	Stats        Stats     `json:"stats"`
	ActiveTrades []Trade   `json:"active_trades"`
	Sequence     []int     `json:"current_sequence"`
}

type OverallStats struct {
	TotalProfit       float64 `json:"total_profit"`
	TotalTrades       int     `json:"total_trades"`
	TotalWins         int     `json:"total_wins"`
	TotalActiveTrades int     `json:"total_active_trades"`
	WinRate           float64 `json:"overall_win_rate"`
	TotalStrategies   int     `json:"total_strategies"`
}

func winRate(wins, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(wins) / float64(total) * 100
}
