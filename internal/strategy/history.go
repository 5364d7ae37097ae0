package strategy

import (
	"sync"
	"time"
)

// HistoryRecord is one settled trade. Cancelled trades and new entries are
// never recorded.
type HistoryRecord struct {
	StrategyID string      `json:"strategy_id"`
	Timestamp  time.Time   `json:"timestamp"`
	TradeID    string      `json:"trade_id"`
	Status     TradeStatus `json:"status"`
	Result     int         `json:"result"`
	Profit     float64     `json:"profit"`
	BetType    BetType     `json:"bet_type"`
	Amount     float64     `json:"amount"`
}

type history struct {
	mu      sync.Mutex
	limit   int
	records []HistoryRecord
}

func newHistory(limit int) *history {
	return &history{limit: limit}
}

func (h *history) record(events []Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, e := range events {
		var status TradeStatus
		switch e.Kind {
		case EventWin:
			status = Win
		case EventLoss:
			status = Loss
		default:
			continue
		}
		rec := HistoryRecord{
			StrategyID: e.StrategyID,
			Timestamp:  e.Time,
			TradeID:    e.TradeID,
			Status:     status,
			Profit:     e.Profit,
			BetType:    e.BetType,
			Amount:     e.Amount,
		}
		if e.Result != nil {
			rec.Result = *e.Result
		}
		h.records = append(h.records, rec)
	}
	if over := len(h.records) - h.limit; over > 0 {
		h.records = append([]HistoryRecord(nil), h.records[over:]...)
	}
}

// list returns the last limit records for id (all strategies when id is
// empty). A non-positive limit returns everything.
func (h *history) list(id string, limit int) []HistoryRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]HistoryRecord, 0, len(h.records))
	for _, r := range h.records {
		if id == "" || r.StrategyID == id {
			out = append(out, r)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}
