package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"tickflow/config"
	"tickflow/internal/metrics"
	"tickflow/internal/strategy"
	"tickflow/internal/ticks"
	"tickflow/logger"
)

// Settings keys read on every notification.
const (
	SettingEnabled  = "telegram_enabled"
	SettingInterval = "telegram_notification_interval"
)

// Settings supplies runtime toggles. Missing keys yield def.
type Settings interface {
	Bool(key string, def bool) bool
	Duration(key string, unit, def time.Duration) time.Duration
}

// BalanceFunc returns the last known account balance, nil when unknown.
type BalanceFunc func() (balance *float64, currency string)

// Stats counts notification outcomes since start.
type Stats struct {
	Sent      int64 `json:"sent"`
	Failed    int64 `json:"failed"`
	Throttled int64 `json:"throttled"`
	Disabled  int64 `json:"disabled"`
}

// Notifier formats tick and trade messages and hands them to a Sink without
// blocking the caller. Tick messages are rate limited; trade messages are
// always sent.
type Notifier struct {
	cfg      config.NotifyConfig
	sink     Sink
	settings Settings
	balance  BalanceFunc
	log      *logger.Log

	mu       sync.Mutex
	limiter  *rate.Limiter
	interval time.Duration
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	sent      atomic.Int64
	failed    atomic.Int64
	throttled atomic.Int64
	disabled  atomic.Int64
}

func NewNotifier(cfg config.NotifyConfig, sink Sink, settings Settings, balance BalanceFunc, log *logger.Log) *Notifier {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Interval < 0 {
		cfg.Interval = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		cfg:      cfg,
		sink:     sink,
		settings: settings,
		balance:  balance,
		log:      log,
		interval: cfg.Interval,
		ctx:      ctx,
		cancel:   cancel,
	}
	n.limiter = rate.NewLimiter(limitFor(cfg.Interval), 1)
	return n
}

func limitFor(interval time.Duration) rate.Limit {
	if interval <= 0 {
		return rate.Inf
	}
	return rate.Every(interval)
}

// Enabled reports whether messages would currently be delivered.
func (n *Notifier) Enabled() bool {
	if !n.cfg.Enabled || n.sink == nil {
		return false
	}
	if n.settings != nil && !n.settings.Bool(SettingEnabled, true) {
		return false
	}
	if c, ok := n.sink.(interface{ Configured() bool }); ok && !c.Configured() {
		return false
	}
	return true
}

// Interval is the current minimum spacing between tick messages.
func (n *Notifier) Interval() time.Duration {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.interval
}

func (n *Notifier) allowTick(now time.Time) bool {
	want := n.cfg.Interval
	if n.settings != nil {
		want = n.settings.Duration(SettingInterval, time.Second, n.cfg.Interval)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if want != n.interval {
		n.interval = want
		n.limiter.SetLimitAt(now, limitFor(want))
	}
	return n.limiter.AllowN(now, 1)
}

// NotifyTick is a ticks.Listener. Marker ticks are not forwarded.
func (n *Notifier) NotifyTick(t ticks.Tick) {
	if t.Marker() {
		return
	}
	if !n.Enabled() {
		n.disabled.Add(1)
		return
	}
	if !n.allowTick(time.Now()) {
		n.throttled.Add(1)
		return
	}
	n.dispatch("tick", FormatTick(t, n.currentBalance()))
}

// OnTradeEvent makes Notifier a strategy.Observer.
func (n *Notifier) OnTradeEvent(e strategy.Event) {
	n.NotifyTrade(e)
}

func (n *Notifier) NotifyTrade(e strategy.Event) {
	if !n.Enabled() {
		n.disabled.Add(1)
		return
	}
	n.dispatch("trade", FormatTrade(e))
}

// Notify sends free text, e.g. subscription changes.
func (n *Notifier) Notify(text string) {
	if !n.Enabled() {
		n.disabled.Add(1)
		return
	}
	n.dispatch("text", text)
}

// SendNow delivers text synchronously and returns the sink error. Used for
// operator test messages.
func (n *Notifier) SendNow(ctx context.Context, text string) error {
	if n.sink == nil {
		return ErrNotConfigured
	}
	ctx, cancel := context.WithTimeout(ctx, n.cfg.Timeout)
	defer cancel()
	return n.send(ctx, "test", text)
}

func (n *Notifier) dispatch(kind, text string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		ctx, cancel := context.WithTimeout(n.ctx, n.cfg.Timeout)
		defer cancel()
		_ = n.send(ctx, kind, text)
	}()
}

func (n *Notifier) send(ctx context.Context, kind, text string) error {
	err := n.sink.Send(ctx, text)
	log := n.log.WithComponent("notify").WithFields(logger.Fields{"kind": kind})
	if err != nil {
		n.failed.Add(1)
		metrics.EmitMetric(n.log, "notify", metrics.NotifyFailures, 1, metrics.TypeCounter, logger.Fields{"kind": kind})
		if errors.Is(err, context.Canceled) {
			log.Debug("notification cancelled")
		} else {
			log.WithError(err).Warn("notification failed")
		}
		return err
	}
	n.sent.Add(1)
	metrics.EmitMetric(n.log, "notify", metrics.NotificationsSent, 1, metrics.TypeCounter, logger.Fields{"kind": kind})
	return nil
}

func (n *Notifier) currentBalance() string {
	if n.balance == nil {
		return "N/A"
	}
	b, currency := n.balance()
	if b == nil {
		return "N/A"
	}
	return strings.TrimSpace(fmt.Sprintf("%.2f %s", *b, currency))
}

func (n *Notifier) Stats() Stats {
	return Stats{
		Sent:      n.sent.Load(),
		Failed:    n.failed.Load(),
		Throttled: n.throttled.Load(),
		Disabled:  n.disabled.Load(),
	}
}

// Close cancels in-flight sends and waits for them to return. Messages
// dispatched after Close are dropped.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	n.cancel()
	n.wg.Wait()
}

// FormatTick renders one tick with the account balance.
func FormatTick(t ticks.Tick, balance string) string {
	var b strings.Builder
	b.WriteString("📊 New tick\n\n")
	fmt.Fprintf(&b, "Symbol: %s\n", t.Symbol)
	fmt.Fprintf(&b, "Quote: %s\n", formatPrice(t.Quote, t.PipSize))
	fmt.Fprintf(&b, "Bid: %s\n", formatPrice(t.Bid, t.PipSize))
	fmt.Fprintf(&b, "Ask: %s\n", formatPrice(t.Ask, t.PipSize))
	fmt.Fprintf(&b, "Time: %s UTC\n\n", time.Unix(t.Timestamp, 0).UTC().Format("15:04:05"))
	fmt.Fprintf(&b, "💰 Balance: %s", balance)
	return b.String()
}

// FormatTrade renders a ledger event.
func FormatTrade(e strategy.Event) string {
	var b strings.Builder
	switch e.Kind {
	case strategy.EventWin:
		b.WriteString("✅ Trade won\n\n")
	case strategy.EventLoss:
		b.WriteString("❌ Trade lost\n\n")
	case strategy.EventNewEntry:
		b.WriteString("🔁 New martingale entry\n\n")
	default:
		fmt.Fprintf(&b, "%s\n\n", e.Kind)
	}
	fmt.Fprintf(&b, "Strategy: %s\n", e.StrategyID)
	fmt.Fprintf(&b, "Trade: %s\n", e.TradeID)
	fmt.Fprintf(&b, "Bet: %s\n", e.BetType)
	fmt.Fprintf(&b, "Amount: %.2f\n", e.Amount)
	switch e.Kind {
	case strategy.EventWin, strategy.EventLoss:
		if e.Result != nil {
			fmt.Fprintf(&b, "Result: %d\n", *e.Result)
		}
		fmt.Fprintf(&b, "Profit: %+.2f", e.Profit)
	case strategy.EventNewEntry:
		fmt.Fprintf(&b, "Entry: %d", e.EntryNumber)
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatPrice(v float64, pip int) string {
	if pip <= 0 {
		return fmt.Sprintf("%g", v)
	}
	return fmt.Sprintf("%.*f", pip, v)
}
