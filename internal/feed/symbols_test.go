package feed

import "testing"

func TestClassifierHasTickStream(t *testing.T) {
	c := NewClassifier([]string{" Forex ", "indices"}, []string{"R_", "1HZ"})
	cases := []struct {
		sym  Symbol
		want bool
	}{
		{Symbol{Symbol: "frxEURUSD", Market: "forex"}, true},
		{Symbol{Symbol: "OTC_DJI", Market: "INDICES"}, true},
		{Symbol{Symbol: "R_100", Market: "synthetic_index"}, true},
		{Symbol{Symbol: "1HZ10V", Market: "synthetic_index"}, true},
		{Symbol{Symbol: "cryBTCUSD", Market: "cryptocurrency"}, false},
	}
	for _, tc := range cases {
		if got := c.HasTickStream(tc.sym); got != tc.want {
			t.Fatalf("HasTickStream(%s/%s) = %v, want %v", tc.sym.Market, tc.sym.Symbol, got, tc.want)
		}
	}
}

func TestAnnotateSortsAndTags(t *testing.T) {
	c := NewClassifier([]string{"forex"}, nil)
	in := []Symbol{
		{Symbol: "frxUSDJPY", DisplayName: "USD/JPY", Market: "forex"},
		{Symbol: "cryETHUSD", DisplayName: "ETH/USD", Market: "cryptocurrency"},
		{Symbol: "frxEURUSD", DisplayName: "EUR/USD", Market: "forex"},
	}
	out := c.Annotate(in)
	if out[0].Symbol != "cryETHUSD" || out[1].Symbol != "frxEURUSD" || out[2].Symbol != "frxUSDJPY" {
		t.Fatalf("unexpected order: %v", out)
	}
	if out[0].HasTickStream || !out[1].HasTickStream {
		t.Fatalf("unexpected tags: %+v", out)
	}
	if in[0].Symbol != "frxUSDJPY" {
		t.Fatal("input slice was reordered")
	}
}
