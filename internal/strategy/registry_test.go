package strategy

import (
	"math"
	"math/rand"
	"regexp"
	"sync"
	"testing"

	"tickflow/config"
	"tickflow/logger"
)

func newTestRegistry() *Registry {
	return NewRegistry(config.StrategyConfig{PayoutRatio: 0.95, HistoryLimit: 100, MaxAmount: 1_000_000}, logger.Logger())
}

func mustCreate(t *testing.T, r *Registry, c Config) string {
	t.Helper()
	res := r.CreateStrategy(c)
	if res.Outcome != OK {
		t.Fatalf("CreateStrategy: %s %s", res.Outcome, res.Message)
	}
	return res.StrategyID
}

func amountPtr(v float64) *float64 { return &v }

func almostEqual(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestCreateStrategyValidation(t *testing.T) {
	r := newTestRegistry()
	cases := map[string]Config{
		"trigger count": {TriggerCount: 0, MaxEntries: 1, BaseAmount: 1, Multiplier: 2},
		"max entries":   {TriggerCount: 1, MaxEntries: 0, BaseAmount: 1, Multiplier: 2},
		"zero amount":   {TriggerCount: 1, MaxEntries: 1, BaseAmount: 0, Multiplier: 2},
		"huge amount":   {TriggerCount: 1, MaxEntries: 1, BaseAmount: 2_000_000, Multiplier: 2},
		"multiplier":    {TriggerCount: 1, MaxEntries: 1, BaseAmount: 1, Multiplier: 0},
	}
	for name, c := range cases {
		if res := r.CreateStrategy(c); res.Outcome != InvalidConfig {
			t.Errorf("%s: expected invalid config, got %s", name, res.Outcome)
		}
	}
	if len(r.Strategies()) != 0 {
		t.Fatal("invalid configs must not register strategies")
	}
}

func TestStrategyIDFormat(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, DefaultConfig())
	if !regexp.MustCompile(`^strategy_\d{8}_\d{6}_[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected id format %q", id)
	}
	if other := mustCreate(t, r, DefaultConfig()); other == id {
		t.Fatal("ids must be unique")
	}
}

func TestScenarioTriggerThenWin(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 3, MaxEntries: 2, BaseAmount: 1, Multiplier: 2})

	var last TickResult
	for _, v := range []int{2, 4, 6} {
		last = r.ProcessTick(id, v)
	}
	if last.Trigger == nil || last.Trigger.Suggested != Odd {
		t.Fatalf("expected ODD suggestion, got %+v", last.Trigger)
	}
	if last.ActiveTrades != 0 {
		t.Fatal("trigger must not open a trade")
	}

	tr := r.CreateTrade(id, "ODD", nil)
	if tr.Outcome != OK || tr.Trade.Amount != 1.0 {
		t.Fatalf("unexpected trade result: %+v", tr)
	}

	res := r.ProcessTick(id, 3)
	if len(res.Events) != 1 || res.Events[0].Kind != EventWin {
		t.Fatalf("expected a single win, got %+v", res.Events)
	}
	if !almostEqual(res.Events[0].Profit, 0.95) {
		t.Fatalf("profit = %v, want 0.95", res.Events[0].Profit)
	}
	if res.ActiveTrades != 0 {
		t.Fatalf("active trades = %d, want 0", res.ActiveTrades)
	}
	stats, _ := r.Stats(id)
	if stats.WinningTrades != 1 || stats.TotalTrades != 1 || stats.WinRate != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestScenarioLossEscalates(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 3, MaxEntries: 2, BaseAmount: 1, Multiplier: 2})

	if tr := r.CreateTrade(id, "even", nil); tr.Outcome != OK || tr.Trade.Amount != 1.0 {
		t.Fatalf("unexpected trade: %+v", tr)
	}
	res := r.ProcessTick(id, 3)
	if len(res.Events) != 2 {
		t.Fatalf("expected loss and new entry, got %+v", res.Events)
	}
	loss, entry := res.Events[0], res.Events[1]
	if loss.Kind != EventLoss || loss.Profit != -1.0 {
		t.Fatalf("unexpected loss event: %+v", loss)
	}
	if entry.Kind != EventNewEntry || entry.BetType != Even || entry.Amount != 2.0 {
		t.Fatalf("unexpected new entry: %+v", entry)
	}
	if res.ActiveTrades != 1 {
		t.Fatalf("active trades = %d, want 1", res.ActiveTrades)
	}
	if res.Stats.TotalProfit != -1.0 {
		t.Fatalf("total profit = %v", res.Stats.TotalProfit)
	}
}

func TestScenarioMaxEntriesReached(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 3, MaxEntries: 1, BaseAmount: 1, Multiplier: 2})

	if tr := r.CreateTrade(id, "odd", nil); tr.Outcome != OK {
		t.Fatalf("first trade: %+v", tr)
	}
	before, _ := r.Strategy(id)
	tr := r.CreateTrade(id, "even", amountPtr(5))
	if tr.Outcome != MaxEntriesReached || tr.Trade != nil {
		t.Fatalf("expected max entries reached, got %+v", tr)
	}
	after, _ := r.Strategy(id)
	if len(after.ActiveTrades) != 1 || after.ActiveTrades[0].ID != before.ActiveTrades[0].ID {
		t.Fatal("rejected trade mutated active trades")
	}
}

func TestTriggerRequiresUnanimousFullWindow(t *testing.T) {
	rnd := rand.New(rand.NewSource(7))
	for n := 1; n <= 5; n++ {
		r := newTestRegistry()
		id := mustCreate(t, r, Config{TriggerCount: n, MaxEntries: 1, BaseAmount: 1, Multiplier: 2})
		window := make([]int, 0, n)
		for i := 0; i < 200; i++ {
			v := rnd.Intn(10)
			window = append(window, v)
			if len(window) > n {
				window = window[1:]
			}
			res := r.ProcessTick(id, v)

			evens := 0
			for _, w := range window {
				if w%2 == 0 {
					evens++
				}
			}
			var want BetType
			if len(window) == n {
				switch evens {
				case n:
					want = Odd
				case 0:
					want = Even
				}
			}
			switch {
			case want == "" && res.Trigger != nil:
				t.Fatalf("n=%d window %v: unexpected trigger %+v", n, window, res.Trigger)
			case want != "" && (res.Trigger == nil || res.Trigger.Suggested != want):
				t.Fatalf("n=%d window %v: expected %s, got %+v", n, window, want, res.Trigger)
			}
			info, _ := r.Strategy(id)
			if len(info.Sequence) > n {
				t.Fatalf("sequence grew to %d", len(info.Sequence))
			}
		}
	}
}

func TestMaxEntriesInvariantUnderRandomUse(t *testing.T) {
	rnd := rand.New(rand.NewSource(11))
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 2, MaxEntries: 3, BaseAmount: 1, Multiplier: 2})
	for i := 0; i < 500; i++ {
		switch rnd.Intn(3) {
		case 0:
			bet := "even"
			if rnd.Intn(2) == 0 {
				bet = "odd"
			}
			r.CreateTrade(id, bet, nil)
		default:
			r.ProcessTick(id, rnd.Intn(10))
		}
		info, _ := r.Strategy(id)
		if len(info.ActiveTrades) > 3 {
			t.Fatalf("step %d: %d active trades exceed max entries", i, len(info.ActiveTrades))
		}
		for _, tr := range info.ActiveTrades {
			if tr.Status != Pending {
				t.Fatalf("non-pending trade left active: %+v", tr)
			}
		}
	}
}

func TestImplicitAmountFollowsOpenPosition(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 3, MaxEntries: 4, BaseAmount: 1.5, Multiplier: 3})
	for n := 1; n <= 4; n++ {
		tr := r.CreateTrade(id, "even", nil)
		want := 1.5 * math.Pow(3, float64(n-1))
		if tr.Outcome != OK || !almostEqual(tr.Trade.Amount, want) || tr.EntryNumber != n {
			t.Fatalf("entry %d: got %+v, want amount %v", n, tr, want)
		}
	}
}

func TestLossLadderKeepsEscalating(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 1, MaxEntries: 2, BaseAmount: 1, Multiplier: 2})
	r.CreateTrade(id, "even", nil)

	profit := -1.0
	for step, amount := range []float64{2, 4, 8, 16} {
		res := r.ProcessTick(id, 3)
		if len(res.Events) != 2 || res.Events[0].Kind != EventLoss || res.Events[1].Kind != EventNewEntry {
			t.Fatalf("loss %d: expected loss and new entry, got %+v", step+1, res.Events)
		}
		entry := res.Events[1]
		if entry.Amount != amount || entry.BetType != Even || entry.EntryNumber != step+2 {
			t.Fatalf("loss %d: unexpected new entry %+v, want amount %v", step+1, entry, amount)
		}
		if res.ActiveTrades != 1 {
			t.Fatalf("loss %d: active trades = %d, want 1", step+1, res.ActiveTrades)
		}
		if !almostEqual(res.Stats.TotalProfit, profit) {
			t.Fatalf("loss %d: total profit = %v, want %v", step+1, res.Stats.TotalProfit, profit)
		}
		profit -= amount
	}

	res := r.ProcessTick(id, 4)
	if len(res.Events) != 1 || res.Events[0].Kind != EventWin || !almostEqual(res.Events[0].Profit, 32*0.95) {
		t.Fatalf("expected the 32 stake to win, got %+v", res.Events)
	}
	if res.ActiveTrades != 0 {
		t.Fatalf("active trades = %d, want 0", res.ActiveTrades)
	}
}

func TestLossFollowUpIgnoresMaxAmount(t *testing.T) {
	r := NewRegistry(config.StrategyConfig{PayoutRatio: 0.95, HistoryLimit: 100, MaxAmount: 100}, logger.Logger())
	id := mustCreate(t, r, Config{TriggerCount: 1, MaxEntries: 2, BaseAmount: 60, Multiplier: 2})

	if tr := r.CreateTrade(id, "even", nil); tr.Outcome != OK {
		t.Fatalf("unexpected trade: %+v", tr)
	}
	res := r.ProcessTick(id, 3)
	if len(res.Events) != 2 || res.Events[1].Kind != EventNewEntry || res.Events[1].Amount != 120 {
		t.Fatalf("expected follow-up at 120, got %+v", res.Events)
	}
	if res.ActiveTrades != 1 {
		t.Fatalf("active trades = %d, want 1", res.ActiveTrades)
	}
	// explicit trades are still bounded
	if tr := r.CreateTrade(id, "odd", amountPtr(120)); tr.Outcome != InvalidAmount {
		t.Fatalf("expected invalid amount, got %s", tr.Outcome)
	}
}

func TestLossesWithFullLadderStayWithinMaxEntries(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 1, MaxEntries: 2, BaseAmount: 1, Multiplier: 2})
	r.CreateTrade(id, "even", nil)
	r.CreateTrade(id, "even", nil)

	res := r.ProcessTick(id, 5)
	kinds := make([]EventKind, 0, len(res.Events))
	for _, e := range res.Events {
		kinds = append(kinds, e.Kind)
	}
	want := []EventKind{EventLoss, EventNewEntry, EventLoss, EventNewEntry}
	if len(kinds) != len(want) {
		t.Fatalf("events = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("events = %v, want %v", kinds, want)
		}
	}
	if res.ActiveTrades != 2 {
		t.Fatalf("active trades = %d, want 2", res.ActiveTrades)
	}
}

func TestCreateTradeFailures(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, DefaultConfig())

	if res := r.CreateTrade("missing", "even", nil); res.Outcome != NotFound {
		t.Fatalf("expected not found, got %s", res.Outcome)
	}
	if res := r.CreateTrade(id, "red", nil); res.Outcome != InvalidBetType {
		t.Fatalf("expected invalid bet type, got %s", res.Outcome)
	}
	if res := r.CreateTrade(id, "odd", amountPtr(-1)); res.Outcome != InvalidAmount {
		t.Fatalf("expected invalid amount, got %s", res.Outcome)
	}
	if res := r.CreateTrade(id, "odd", amountPtr(1_000_001)); res.Outcome != InvalidAmount {
		t.Fatalf("expected invalid amount, got %s", res.Outcome)
	}
	if res := r.ProcessTick("missing", 1); res.Outcome != NotFound {
		t.Fatalf("expected not found, got %s", res.Outcome)
	}
	if res := r.ProcessTick(id, 10); res.Outcome != InvalidTickValue {
		t.Fatalf("expected invalid tick value, got %s", res.Outcome)
	}
	if res := r.Reset("missing"); res.Outcome != NotFound {
		t.Fatalf("expected not found, got %s", res.Outcome)
	}
	if res := r.CancelActiveTrades("missing"); res.Outcome != NotFound {
		t.Fatalf("expected not found, got %s", res.Outcome)
	}
}

func TestCancelKeepsAggregates(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 3, MaxEntries: 3, BaseAmount: 1, Multiplier: 2})
	r.CreateTrade(id, "odd", nil)
	r.ProcessTick(id, 1) // win
	r.CreateTrade(id, "odd", nil)
	r.CreateTrade(id, "even", nil)

	before, _ := r.Stats(id)
	if res := r.CancelActiveTrades(id); res.Outcome != OK {
		t.Fatalf("cancel: %+v", res)
	}
	after, _ := r.Stats(id)
	if after.ActiveTrades != 0 {
		t.Fatalf("active trades = %d after cancel", after.ActiveTrades)
	}
	if after.TotalProfit != before.TotalProfit || after.TotalTrades != before.TotalTrades || after.WinningTrades != before.WinningTrades {
		t.Fatalf("cancel changed aggregates: before %+v after %+v", before, after)
	}
	if h := r.History(id, 0); len(h) != 1 || h[0].Status != Win {
		t.Fatalf("history should hold only the settled win, got %+v", h)
	}
}

func TestResetClearsEverything(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 2, MaxEntries: 2, BaseAmount: 1, Multiplier: 2})
	r.ProcessTick(id, 2)
	r.CreateTrade(id, "odd", nil)
	r.ProcessTick(id, 2)

	r.Reset(id)
	info, _ := r.Strategy(id)
	if len(info.Sequence) != 0 || len(info.ActiveTrades) != 0 {
		t.Fatalf("state survived reset: %+v", info)
	}
	if info.Stats.TotalTrades != 0 || info.Stats.TotalProfit != 0 || info.Stats.WinningTrades != 0 {
		t.Fatalf("aggregates survived reset: %+v", info.Stats)
	}
}

func TestUpdateStrategyKeepsState(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 4, MaxEntries: 3, BaseAmount: 1, Multiplier: 2})
	for _, v := range []int{1, 2, 3, 4} {
		r.ProcessTick(id, v)
	}
	r.CreateTrade(id, "odd", nil)
	r.CreateTrade(id, "odd", nil)

	if res := r.UpdateStrategy(id, Config{TriggerCount: 2, MaxEntries: 1, BaseAmount: 1, Multiplier: 2}); res.Outcome != InvalidConfig {
		t.Fatalf("expected refusal below open trades, got %+v", res)
	}
	res := r.UpdateStrategy(id, Config{TriggerCount: 2, MaxEntries: 5, BaseAmount: 2, Multiplier: 3, Name: "fast"})
	if res.Outcome != OK {
		t.Fatalf("update: %+v", res)
	}
	info, _ := r.Strategy(id)
	if len(info.ActiveTrades) != 2 || info.Config.Name != "fast" {
		t.Fatalf("unexpected info after update: %+v", info)
	}
	if len(info.Sequence) != 2 || info.Sequence[0] != 3 || info.Sequence[1] != 4 {
		t.Fatalf("sequence not trimmed: %v", info.Sequence)
	}
	if res := r.UpdateStrategy("missing", DefaultConfig()); res.Outcome != NotFound {
		t.Fatalf("expected not found, got %s", res.Outcome)
	}
}

func TestDeleteAndOverallStats(t *testing.T) {
	r := newTestRegistry()
	a := mustCreate(t, r, Config{TriggerCount: 1, MaxEntries: 1, BaseAmount: 1, Multiplier: 2})
	b := mustCreate(t, r, Config{TriggerCount: 1, MaxEntries: 1, BaseAmount: 2, Multiplier: 2})
	r.CreateTrade(a, "even", nil)
	r.CreateTrade(b, "odd", nil)
	r.ProcessTick(a, 4) // win 0.95
	r.ProcessTick(b, 4) // loss -2, ladder ends at max entries 1

	o := r.OverallStats()
	if o.TotalStrategies != 2 || o.TotalTrades != 2 || o.TotalWins != 1 || o.WinRate != 50 {
		t.Fatalf("unexpected overall stats: %+v", o)
	}
	if !almostEqual(o.TotalProfit, -1.05) {
		t.Fatalf("total profit = %v", o.TotalProfit)
	}
	if h := r.History("", 1); len(h) != 1 || h[0].StrategyID != b {
		t.Fatalf("history limit not applied: %+v", h)
	}

	if !r.DeleteStrategy(a) || r.DeleteStrategy(a) {
		t.Fatal("delete should succeed once")
	}
	if _, ok := r.Strategy(a); ok {
		t.Fatal("deleted strategy still visible")
	}
}

func TestObserverReceivesEvents(t *testing.T) {
	r := newTestRegistry()
	var mu sync.Mutex
	var kinds []EventKind
	r.AddObserver(ObserverFunc(func(e Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	}))
	id := mustCreate(t, r, Config{TriggerCount: 1, MaxEntries: 2, BaseAmount: 1, Multiplier: 2})
	r.CreateTrade(id, "even", nil)
	r.ProcessTick(id, 7)

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != EventLoss || kinds[1] != EventNewEntry {
		t.Fatalf("unexpected events: %v", kinds)
	}
}

func TestConcurrentTicksOnOneStrategy(t *testing.T) {
	r := newTestRegistry()
	id := mustCreate(t, r, Config{TriggerCount: 3, MaxEntries: 2, BaseAmount: 1, Multiplier: 2})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rnd := rand.New(rand.NewSource(seed))
			for i := 0; i < 100; i++ {
				if rnd.Intn(2) == 0 {
					r.CreateTrade(id, "odd", nil)
				} else {
					r.ProcessTick(id, rnd.Intn(10))
				}
			}
		}(int64(g))
	}
	wg.Wait()
	if info, _ := r.Strategy(id); len(info.ActiveTrades) > 2 {
		t.Fatalf("invariant broken: %d active", len(info.ActiveTrades))
	}
}

func TestParseBetType(t *testing.T) {
	if b, ok := ParseBetType(" EVEN "); !ok || b != Even {
		t.Fatalf("ParseBetType(EVEN) = %v %v", b, ok)
	}
	if _, ok := ParseBetType("evens"); ok {
		t.Fatal("expected rejection")
	}
	if !Odd.Wins(3) || Odd.Wins(0) || !Even.Wins(0) {
		t.Fatal("parity settlement wrong")
	}
}
