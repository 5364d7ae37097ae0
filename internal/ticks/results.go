package ticks

import (
	"strings"
	"time"
)

// Phase is the lifecycle position of the single venue subscription.
type Phase int

const (
	Unsubscribed Phase = iota
	Subscribing
	Subscribed
	Stale
)

func (p Phase) String() string {
	switch p {
	case Subscribing:
		return "subscribing"
	case Subscribed:
		return "subscribed"
	case Stale:
		return "stale"
	default:
		return "unsubscribed"
	}
}

func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ResultKind classifies the outcome of Subscribe.
type ResultKind string

const (
	KindSubscribed         ResultKind = "subscribed"
	KindSymbolNotFound     ResultKind = "SYMBOL_NOT_FOUND"
	KindUnauthorized       ResultKind = "UNAUTHORIZED"
	KindSubscriptionFailed ResultKind = "SUBSCRIPTION_FAILED"
	KindInvalidSymbol      ResultKind = "INVALID_SYMBOL"
)

type SubscribeResult struct {
	Kind           ResultKind `json:"code"`
	Symbol         string     `json:"symbol"`
	SubscriptionID string     `json:"subscription_id,omitempty"`
	Message        string     `json:"message,omitempty"`
}

func (r SubscribeResult) OK() bool {
	return r.Kind == KindSubscribed
}

type UnsubscribeResult struct {
	Status string `json:"status"`
}

// classify maps a venue failure text onto a result kind. The match is a
// substring heuristic over free text, not a protocol code.
func classify(symbol, failure string) SubscribeResult {
	lower := strings.ToLower(failure)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "does not exist"):
		return SubscribeResult{Kind: KindSymbolNotFound, Symbol: symbol,
			Message: "Symbol " + symbol + " is not available for tick streaming"}
	case strings.Contains(lower, "not authorized") || strings.Contains(lower, "permission"):
		return SubscribeResult{Kind: KindUnauthorized, Symbol: symbol,
			Message: "You are not authorized to access this market"}
	default:
		return SubscribeResult{Kind: KindSubscriptionFailed, Symbol: symbol,
			Message: "Failed to subscribe to " + symbol + ": " + failure}
	}
}

// State is a copy of the subscription bookkeeping.
type State struct {
	CurrentSymbol   string    `json:"symbol"`
	SubscriptionID  string    `json:"subscription_id"`
	StreamAvailable bool      `json:"stream_available"`
	LastTickAt      time.Time `json:"last_tick_time"`
	TotalTicks      int       `json:"total_ticks"`
	Phase           Phase     `json:"phase"`
}

// Snapshot is what pollers and push subscribers receive.
type Snapshot struct {
	Symbol     string    `json:"symbol"`
	Ticks      []Tick    `json:"ticks"`
	Count      int       `json:"count"`
	Available  bool      `json:"available"`
	Connected  bool      `json:"connected"`
	LastUpdate time.Time `json:"last_update"`
}

// Status is the subscription status report.
type Status struct {
	IsSubscribed    bool      `json:"is_subscribed"`
	Symbol          string    `json:"current_symbol"`
	SubscriptionID  string    `json:"subscription_id"`
	StreamAvailable bool      `json:"tick_stream_available"`
	LastTickAt      time.Time `json:"last_tick_time"`
	TotalTicks      int       `json:"total_ticks"`
	Phase           Phase     `json:"phase"`
	Connected       bool      `json:"connected"`
}
