package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Message types dispatched by the receive loop.
const (
	TypeTick           = "tick"
	TypeActiveSymbols  = "active_symbols"
	TypeBalance        = "balance"
	TypeAuthorize      = "authorize"
	TypeAccountDetails = "get_account_details"
	TypeForget         = "forget"
)

// Message is the envelope of every inbound venue payload.
type Message struct {
	MsgType        string            `json:"msg_type"`
	ReqID          int64             `json:"req_id,omitempty"`
	Error          *APIError         `json:"error,omitempty"`
	Tick           *TickPayload      `json:"tick,omitempty"`
	Subscription   *SubscriptionInfo `json:"subscription,omitempty"`
	ActiveSymbols  []Symbol          `json:"active_symbols,omitempty"`
	Balance        *BalancePayload   `json:"balance,omitempty"`
	Authorize      *AuthorizePayload `json:"authorize,omitempty"`
	AccountDetails json.RawMessage   `json:"get_account_details,omitempty"`
	Forget         *int              `json:"forget,omitempty"`
}

// APIError is an upstream rejection carried in a response payload.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

type SubscriptionInfo struct {
	ID string `json:"id"`
}

// TickPayload is the raw quote update pushed for a tick subscription.
type TickPayload struct {
	ID      string   `json:"id,omitempty"`
	Symbol  string   `json:"symbol"`
	Quote   *float64 `json:"quote"`
	Bid     *float64 `json:"bid,omitempty"`
	Ask     *float64 `json:"ask,omitempty"`
	Epoch   int64    `json:"epoch"`
	PipSize int      `json:"pip_size,omitempty"`
}

type BalancePayload struct {
	Balance  *float64 `json:"balance"`
	Currency string   `json:"currency"`
	LoginID  string   `json:"loginid"`
}

type AuthorizePayload struct {
	Balance     *float64 `json:"balance"`
	Currency    string   `json:"currency"`
	AccountType string   `json:"account_type"`
	LoginID     string   `json:"loginid"`
	Email       string   `json:"email,omitempty"`
	IsVirtual   int      `json:"is_virtual"`
}

// Symbol describes one tradable market returned by active_symbols.
type Symbol struct {
	Symbol             string        `json:"symbol"`
	DisplayName        string        `json:"display_name"`
	Market             string        `json:"market"`
	MarketDisplayName  string        `json:"market_display_name,omitempty"`
	Submarket          string        `json:"submarket,omitempty"`
	SymbolType         string        `json:"symbol_type,omitempty"`
	ExchangeIsOpen     int           `json:"exchange_is_open"`
	IsTradingSuspended int           `json:"is_trading_suspended"`
	Pip                OptionalFloat `json:"pip"`
	Spot               OptionalFloat `json:"spot"`
	MinStake           OptionalFloat `json:"min_stake"`
	MaxStake           OptionalFloat `json:"max_stake"`
	HasTickStream      bool          `json:"has_tick_stream"`
}

// OptionalFloat accepts a JSON number, a numeric string, an empty string or
// null. Absent and empty values decode to nil.
type OptionalFloat struct {
	Value *float64
}

func (f *OptionalFloat) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		f.Value = nil
		return nil
	}
	s := string(data)
	if strings.HasPrefix(s, `"`) {
		unq, err := strconv.Unquote(s)
		if err != nil {
			return err
		}
		s = strings.TrimSpace(unq)
		if s == "" {
			f.Value = nil
			return nil
		}
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid numeric value %q: %w", s, err)
	}
	f.Value = &v
	return nil
}

func (f OptionalFloat) MarshalJSON() ([]byte, error) {
	if f.Value == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*f.Value)
}
