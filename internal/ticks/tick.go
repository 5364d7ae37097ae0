package ticks

import (
	"regexp"
	"time"

	"tickflow/internal/feed"
)

// StatusUnavailable marks the synthetic tick injected when a market never
// streams.
const StatusUnavailable = "unavailable"

const unavailableMessage = "This market does not provide real-time tick data"

// Tick is one normalised quote update. Ticks are values and never change once
// buffered.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Quote      float64   `json:"quote"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Epoch      int64     `json:"epoch"`
	Timestamp  int64     `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
	PipSize    int       `json:"pip_size,omitempty"`
	Subscribed bool      `json:"is_subscribed_symbol"`
	Status     string    `json:"status,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// Marker reports whether t is the synthetic unavailable tick.
func (t Tick) Marker() bool {
	return t.Status == StatusUnavailable
}

func normalize(raw feed.TickPayload, current string, now time.Time) Tick {
	t := Tick{
		Symbol:     raw.Symbol,
		Epoch:      raw.Epoch,
		ReceivedAt: now,
		PipSize:    raw.PipSize,
	}
	if raw.Quote != nil {
		t.Quote = *raw.Quote
	}
	t.Bid, t.Ask = t.Quote, t.Quote
	if raw.Bid != nil {
		t.Bid = *raw.Bid
	}
	if raw.Ask != nil {
		t.Ask = *raw.Ask
	}
	if t.Symbol == "" {
		t.Symbol = current
	}
	if raw.Epoch > 0 {
		t.Timestamp = raw.Epoch
	} else {
		t.Timestamp = now.Unix()
	}
	t.Subscribed = current != "" && t.Symbol == current
	return t
}

func markerTick(symbol string, now time.Time) Tick {
	return Tick{
		Symbol:     symbol,
		Timestamp:  now.Unix(),
		ReceivedAt: now,
		Subscribed: true,
		Status:     StatusUnavailable,
		Message:    unavailableMessage,
	}
}

var symbolPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{2,20}$`)

// ValidSymbol checks the venue symbol format: 2 to 20 characters of letters,
// digits, underscore or hyphen.
func ValidSymbol(symbol string) bool {
	return symbolPattern.MatchString(symbol)
}
