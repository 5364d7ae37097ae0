package strategy

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
)

const statsSequenceTail = 10

// Strategy is the per-id state machine. Every method ending in Locked expects
// mu to be held.
type Strategy struct {
	mu        sync.Mutex
	id        string
	cfg       Config
	createdAt time.Time

	sequence      []int
	active        []*Trade
	totalProfit   float64
	totalTrades   int
	winningTrades int
}

func newStrategy(id string, cfg Config, now time.Time) *Strategy {
	return &Strategy{id: id, cfg: cfg, createdAt: now}
}

// addTickLocked slides the window and evaluates the trigger once it is full.
func (s *Strategy) addTickLocked(v int) *Trigger {
	s.sequence = append(s.sequence, v)
	if len(s.sequence) > s.cfg.TriggerCount {
		s.sequence = append([]int(nil), s.sequence[len(s.sequence)-s.cfg.TriggerCount:]...)
	}
	if len(s.sequence) < s.cfg.TriggerCount {
		return nil
	}

	evens := 0
	for _, x := range s.sequence {
		if x%2 == 0 {
			evens++
		}
	}
	window := append([]int(nil), s.sequence...)
	switch evens {
	case s.cfg.TriggerCount:
		return &Trigger{Type: "even_sequence", Suggested: Odd, Sequence: window,
			Reason: fmt.Sprintf("sequence of %d even numbers detected", s.cfg.TriggerCount)}
	case 0:
		return &Trigger{Type: "odd_sequence", Suggested: Even, Sequence: window,
			Reason: fmt.Sprintf("sequence of %d odd numbers detected", s.cfg.TriggerCount)}
	}
	return nil
}

// stake is the martingale amount at 1-based ladder step n.
func (s *Strategy) stake(step int) float64 {
	return s.cfg.BaseAmount * math.Pow(s.cfg.Multiplier, float64(step-1))
}

func (s *Strategy) createTradeLocked(bet BetType, amount float64, step int, now time.Time) *Trade {
	t := &Trade{
		ID:         fmt.Sprintf("trade_%s_%s", now.Format("20060102_150405"), uuid.NewString()[:8]),
		StrategyID: s.id,
		BetType:    bet,
		Amount:     amount,
		Step:       step,
		CreatedAt:  now,
		Status:     Pending,
	}
	s.active = append(s.active, t)
	return t
}

// settleLocked resolves every pending trade against v. A loss escalates to
// the next ladder step with the same bet type whenever the open trades left
// after removal are under MaxEntries.
func (s *Strategy) settleLocked(v int, payout float64, now time.Time) []Event {
	snapshot := append([]*Trade(nil), s.active...)
	var events []Event

	for _, t := range snapshot {
		if t.Status != Pending {
			continue
		}
		result := v
		t.SettledValue = &result

		if t.BetType.Wins(v) {
			profit := t.Amount * payout
			t.Status, t.Profit = Win, &profit
			s.totalProfit += profit
			s.winningTrades++
			s.totalTrades++
			s.removeLocked(t)
			events = append(events, s.event(EventWin, t, profit, &result, now))
			continue
		}

		profit := -t.Amount
		t.Status, t.Profit = Loss, &profit
		s.totalProfit += profit
		s.totalTrades++
		s.removeLocked(t)
		events = append(events, s.event(EventLoss, t, profit, &result, now))

		if len(s.active) >= s.cfg.MaxEntries {
			continue
		}
		next := t.Step + 1
		nt := s.createTradeLocked(t.BetType, s.stake(next), next, now)
		e := s.event(EventNewEntry, nt, 0, nil, now)
		e.EntryNumber = next
		events = append(events, e)
	}
	return events
}

func (s *Strategy) event(kind EventKind, t *Trade, profit float64, result *int, now time.Time) Event {
	return Event{
		Kind:       kind,
		StrategyID: s.id,
		TradeID:    t.ID,
		BetType:    t.BetType,
		Amount:     t.Amount,
		Profit:     profit,
		Result:     result,
		Time:       now,
	}
}

func (s *Strategy) removeLocked(t *Trade) {
	for i, a := range s.active {
		if a == t {
			s.active = append(s.active[:i], s.active[i+1:]...)
			return
		}
	}
}

func (s *Strategy) cancelLocked() int {
	zero := 0.0
	for _, t := range s.active {
		t.Status = Cancelled
		t.Profit = &zero
	}
	n := len(s.active)
	s.active = nil
	return n
}

func (s *Strategy) resetLocked() {
	s.sequence = nil
	s.active = nil
	s.totalProfit = 0
	s.totalTrades = 0
	s.winningTrades = 0
}

func (s *Strategy) statsLocked() Stats {
	tail := s.sequence
	if len(tail) > statsSequenceTail {
		tail = tail[len(tail)-statsSequenceTail:]
	}
	return Stats{
		TotalProfit:   s.totalProfit,
		TotalTrades:   s.totalTrades,
		WinningTrades: s.winningTrades,
		WinRate:       winRate(s.winningTrades, s.totalTrades),
		ActiveTrades:  len(s.active),
		Sequence:      append([]int{}, tail...),
		Config:        s.cfg,
	}
}

func (s *Strategy) infoLocked() Info {
	trades := make([]Trade, 0, len(s.active))
	for _, t := range s.active {
		trades = append(trades, *t)
	}
	return Info{
		StrategyID:   s.id,
		CreatedAt:    s.createdAt,
		Config:       s.cfg,
		Stats:        s.statsLocked(),
		ActiveTrades: trades,
		Sequence:     append([]int{}, s.sequence...),
	}
}
