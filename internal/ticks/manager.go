// Package ticks tracks the single venue tick subscription, buffers recent
// ticks and reports staleness.
package ticks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"tickflow/config"
	"tickflow/internal/feed"
	"tickflow/internal/metrics"
	"tickflow/logger"
)

// SettingMaxTicksDisplay caps how many ticks Latest returns.
const SettingMaxTicksDisplay = "max_ticks_display"

const defaultDisplayLimit = 100

// Venue is the part of the feed connection the manager drives.
type Venue interface {
	Request(ctx context.Context, req map[string]any, msgType string) (*feed.Message, error)
	SendRequest(ctx context.Context, req map[string]any) bool
	Connected() bool
}

// Settings supplies runtime-tunable values. Missing keys yield def.
type Settings interface {
	Int(key string, def int) int
}

// Listener observes every buffered tick on the receive path.
type Listener func(Tick)

type Manager struct {
	cfg            config.TicksConfig
	requestTimeout time.Duration
	venue          Venue
	settings       Settings
	log            *logger.Log
	now            func() time.Time

	mu           sync.Mutex
	buf          *RingBuffer
	state        State
	subscribedAt time.Time
	generation   uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	listenersMu sync.RWMutex
	listeners   []Listener

	watchMu   sync.Mutex
	watchers  map[uint64]*Subscription
	nextWatch uint64
	dropped   atomic.Int64
}

func NewManager(cfg config.TicksConfig, requestTimeout time.Duration, venue Venue, settings Settings, log *logger.Log) *Manager {
	if log == nil {
		log = logger.GetLogger()
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 10 * time.Second
	}
	if cfg.UnavailableAfter < cfg.StaleAfter {
		cfg.UnavailableAfter = 30 * time.Second
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = time.Second
	}
	if requestTimeout <= 0 {
		requestTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:            cfg,
		requestTimeout: requestTimeout,
		venue:          venue,
		settings:       settings,
		log:            log,
		now:            time.Now,
		buf:            NewRingBuffer(cfg.BufferSize),
		ctx:            ctx,
		cancel:         cancel,
		watchers:       make(map[uint64]*Subscription),
	}
}

// AddListener registers fn for every tick accepted by OnTick.
func (m *Manager) AddListener(fn Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenersMu.Unlock()
}

// Subscribe replaces any current subscription with one for symbol.
func (m *Manager) Subscribe(ctx context.Context, symbol string) SubscribeResult {
	log := m.log.WithComponent("ticks").WithFields(logger.Fields{"symbol": symbol})

	if !ValidSymbol(symbol) {
		return SubscribeResult{Kind: KindInvalidSymbol, Symbol: symbol, Message: "Invalid symbol format"}
	}

	m.Unsubscribe(ctx)

	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.buf.Clear()
	m.state = State{CurrentSymbol: symbol, Phase: Subscribing}
	m.subscribedAt = m.now()
	m.mu.Unlock()

	log.Info("subscribing to ticks")
	reqCtx, cancel := context.WithTimeout(ctx, m.confirmWait(ctx))
	msg, err := m.venue.Request(reqCtx, map[string]any{"ticks": symbol, "subscribe": 1}, feed.TypeTick)
	cancel()

	var apiErr *feed.APIError
	switch {
	case err == nil:
	case errors.As(err, &apiErr):
		m.abandon(gen)
		res := classify(symbol, apiErr.Message)
		log.WithFields(logger.Fields{"code": string(res.Kind)}).Error("venue rejected tick subscription: " + apiErr.Message)
		return res
	case errors.Is(err, context.DeadlineExceeded):
		// the request is out; the staleness monitor reports a dead market
		log.Warn("no subscribe confirmation before timeout, keeping subscription")
	default:
		m.abandon(gen)
		log.WithError(err).Error("tick subscription failed")
		return classify(symbol, err.Error())
	}

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return SubscribeResult{Kind: KindSubscriptionFailed, Symbol: symbol, Message: "subscription replaced while pending"}
	}
	if msg != nil && msg.Subscription != nil && m.state.SubscriptionID == "" {
		m.state.SubscriptionID = msg.Subscription.ID
	}
	if m.state.Phase == Subscribing {
		m.state.Phase = Subscribed
	}
	id := m.state.SubscriptionID
	m.mu.Unlock()

	m.wg.Add(1)
	go m.monitor(gen)

	log.WithFields(logger.Fields{"subscription_id": id}).Info("subscribed to ticks")
	return SubscribeResult{Kind: KindSubscribed, Symbol: symbol, SubscriptionID: id}
}

// confirmWait is how long Subscribe waits for the venue to confirm. It stays
// below the caller's remaining time so an unconfirmed subscription is kept
// and monitored instead of failing with the caller's deadline.
func (m *Manager) confirmWait(ctx context.Context) time.Duration {
	wait := m.requestTimeout
	if deadline, ok := ctx.Deadline(); ok {
		remaining := time.Until(deadline)
		if bound := remaining - remaining/5; bound < wait {
			wait = bound
		}
	}
	return wait
}

func (m *Manager) abandon(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation == gen {
		m.generation++
		m.state = State{Phase: Unsubscribed}
	}
}

// Unsubscribe forgets the current subscription. Local state is always reset;
// a failed forget request is only logged.
func (m *Manager) Unsubscribe(ctx context.Context) UnsubscribeResult {
	m.mu.Lock()
	id := m.state.SubscriptionID
	symbol := m.state.CurrentSymbol
	m.generation++
	m.state = State{Phase: Unsubscribed}
	m.buf.Clear()
	m.mu.Unlock()

	log := m.log.WithComponent("ticks")
	if id != "" {
		reqCtx, cancel := context.WithTimeout(ctx, m.requestTimeout)
		ok := m.venue.SendRequest(reqCtx, map[string]any{"forget": id})
		cancel()
		if !ok {
			log.WithFields(logger.Fields{"subscription_id": id}).Warn("failed to send forget request")
		}
	}
	if symbol != "" {
		log.WithFields(logger.Fields{"symbol": symbol}).Info("unsubscribed from ticks")
	}
	return UnsubscribeResult{Status: "unsubscribed"}
}

// OnTick accepts a raw tick from the feed receive loop.
func (m *Manager) OnTick(raw feed.TickPayload, subscriptionID string) {
	now := m.now()

	m.mu.Lock()
	t := normalize(raw, m.state.CurrentSymbol, now)
	m.buf.Append(t)
	m.state.StreamAvailable = true
	m.state.LastTickAt = now
	m.state.TotalTicks++
	if t.Subscribed {
		if m.state.SubscriptionID == "" {
			m.state.SubscriptionID = subscriptionID
		}
		if m.state.Phase == Subscribing || m.state.Phase == Stale {
			m.state.Phase = Subscribed
		}
	}
	m.mu.Unlock()

	metrics.EmitMetric(m.log, "ticks", metrics.TicksReceived, 1, metrics.TypeCounter, logger.Fields{"symbol": t.Symbol})
	m.deliver(t)
}

// OnStreamError records an upstream rejection on the tick stream.
func (m *Manager) OnStreamError(err *feed.APIError) {
	m.mu.Lock()
	m.state.StreamAvailable = false
	symbol := m.state.CurrentSymbol
	m.mu.Unlock()

	m.log.WithComponent("ticks").WithFields(logger.Fields{
		"symbol": symbol,
		"code":   err.Code,
	}).Warn("tick stream error, marking stream unavailable")
}

func (m *Manager) deliver(t Tick) {
	m.listenersMu.RLock()
	listeners := m.listeners
	m.listenersMu.RUnlock()
	for _, fn := range listeners {
		fn(t)
	}
	if m.WatcherCount() > 0 {
		m.broadcast(m.Latest())
	}
}

func (m *Manager) displayLimit() int {
	if m.settings == nil {
		return defaultDisplayLimit
	}
	if n := m.settings.Int(SettingMaxTicksDisplay, defaultDisplayLimit); n > 0 {
		return n
	}
	return defaultDisplayLimit
}

// markStaleLocked applies the staleness threshold. m.mu must be held.
func (m *Manager) markStaleLocked(now time.Time) bool {
	if m.state.CurrentSymbol == "" {
		return false
	}
	ref := m.state.LastTickAt
	if ref.IsZero() {
		ref = m.subscribedAt
	}
	if now.Sub(ref) <= m.cfg.StaleAfter {
		return false
	}
	changed := m.state.StreamAvailable
	m.state.StreamAvailable = false
	if m.state.Phase == Subscribed {
		m.state.Phase = Stale
	}
	return changed
}

// Latest returns the recent ticks for the current symbol, capped to the
// display limit.
func (m *Manager) Latest() Snapshot {
	limit := m.displayLimit()
	connected := m.venue != nil && m.venue.Connected()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.markStaleLocked(m.now())
	all := m.buf.All()
	current := m.state.CurrentSymbol
	out := all
	if current != "" {
		out = make([]Tick, 0, len(all))
		for _, t := range all {
			if t.Symbol == current {
				out = append(out, t)
			}
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return Snapshot{
		Symbol:     current,
		Ticks:      out,
		Count:      len(out),
		Available:  m.state.StreamAvailable,
		Connected:  connected,
		LastUpdate: m.state.LastTickAt,
	}
}

// State returns a copy of the subscription bookkeeping.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	connected := m.venue != nil && m.venue.Connected()
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		IsSubscribed:    m.state.CurrentSymbol != "",
		Symbol:          m.state.CurrentSymbol,
		SubscriptionID:  m.state.SubscriptionID,
		StreamAvailable: m.state.StreamAvailable,
		LastTickAt:      m.state.LastTickAt,
		TotalTicks:      m.buf.Size(),
		Phase:           m.state.Phase,
		Connected:       connected,
	}
}

// Dropped counts snapshots not delivered to slow push subscribers.
func (m *Manager) Dropped() int64 {
	return m.dropped.Load()
}

func (m *Manager) monitor(gen uint64) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			if !m.checkStream(gen) {
				return
			}
		}
	}
}

// checkStream runs one staleness pass and reports whether monitoring of
// subscription gen should continue.
func (m *Manager) checkStream(gen uint64) bool {
	now := m.now()
	log := m.log.WithComponent("ticks")

	m.mu.Lock()
	if m.generation != gen || m.state.CurrentSymbol == "" {
		m.mu.Unlock()
		return false
	}
	symbol := m.state.CurrentSymbol
	if m.markStaleLocked(now) {
		log.WithFields(logger.Fields{"symbol": symbol}).Warn("tick stream timeout")
	}
	if m.state.TotalTicks > 0 || now.Sub(m.subscribedAt) <= m.cfg.UnavailableAfter {
		m.mu.Unlock()
		return true
	}

	marker := markerTick(symbol, now)
	m.buf.Append(marker)
	m.state.StreamAvailable = false
	m.state.Phase = Stale
	m.mu.Unlock()

	log.WithFields(logger.Fields{"symbol": symbol}).Warn("no ticks received, stream appears unavailable")
	metrics.EmitMetric(m.log, "ticks", metrics.StreamMarkers, 1, metrics.TypeCounter, logger.Fields{"symbol": symbol})
	if m.WatcherCount() > 0 {
		m.broadcast(m.Latest())
	}
	return false
}

// Close stops staleness monitors and cancels push subscribers.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
	m.closeWatchers()
}
