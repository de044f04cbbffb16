package portfolio

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func usd(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func TestSummarizeRanksAndFiltersDust(t *testing.T) {
	snapshot := Snapshot{Networks: []NetworkHolding{
		{Network: "ethereum", Tokens: []TokenBalance{
			{Symbol: "A", USDValue: usd("50")},
			{Symbol: "B", USDValue: usd("0.005")},
			{Symbol: "C", USDValue: usd("200")},
		}},
	}}

	summary := NewSummarizer(zap.NewNop()).Summarize(snapshot)
	if !summary.TotalValueUSD.Equal(usd("250.005")) {
		t.Fatalf("expected total 250.005, got %s", summary.TotalValueUSD)
	}
	if len(summary.TopTokens) != 2 {
		t.Fatalf("expected 2 top tokens, got %+v", summary.TopTokens)
	}
	if summary.TopTokens[0].Symbol != "C" || summary.TopTokens[1].Symbol != "A" {
		t.Fatalf("unexpected ranking: %+v", summary.TopTokens)
	}
	if summary.Failed() {
		t.Fatal("did not expect fallback summary")
	}
}

func TestSummarizeCapsTopTokensAndKeepsTotal(t *testing.T) {
	tokens := make([]TokenBalance, 0, 40)
	expected := decimal.Zero
	for i := 1; i <= 40; i++ {
		v := decimal.NewFromInt(int64(i))
		expected = expected.Add(v)
		tokens = append(tokens, TokenBalance{Symbol: fmt.Sprintf("T%d", i), USDValue: v})
	}
	summary := NewSummarizer(nil).Summarize(Snapshot{Networks: []NetworkHolding{{Network: "base", Tokens: tokens}}})

	if len(summary.TopTokens) != DefaultMaxTokens {
		t.Fatalf("expected %d top tokens, got %d", DefaultMaxTokens, len(summary.TopTokens))
	}
	if summary.TopTokens[0].Symbol != "T40" || summary.TopTokens[29].Symbol != "T11" {
		t.Fatalf("unexpected ordering: first=%s last=%s", summary.TopTokens[0].Symbol, summary.TopTokens[29].Symbol)
	}
	for i := 1; i < len(summary.TopTokens); i++ {
		if summary.TopTokens[i].USDValue.GreaterThan(summary.TopTokens[i-1].USDValue) {
			t.Fatalf("top tokens not descending at %d", i)
		}
	}
	if !summary.TotalValueUSD.Equal(expected) {
		t.Fatalf("expected total %s, got %s", expected, summary.TotalValueUSD)
	}
}

func TestSummarizeTiesKeepInputOrder(t *testing.T) {
	snapshot := Snapshot{Networks: []NetworkHolding{
		{Network: "arbitrum", Tokens: []TokenBalance{{Symbol: "X", USDValue: usd("10")}}},
		{Network: "ethereum", Tokens: []TokenBalance{{Symbol: "Y", USDValue: usd("10")}}},
		{Network: "arbitrum", Tokens: []TokenBalance{{Symbol: "Z", USDValue: usd("10")}}},
	}}
	summary := NewSummarizer(nil).Summarize(snapshot)
	got := []string{summary.TopTokens[0].Symbol, summary.TopTokens[1].Symbol, summary.TopTokens[2].Symbol}
	if got[0] != "X" || got[1] != "Y" || got[2] != "Z" {
		t.Fatalf("expected stable order X,Y,Z got %v", got)
	}
	if len(summary.Networks) != 2 || summary.Networks[0] != "arbitrum" || summary.Networks[1] != "ethereum" {
		t.Fatalf("expected deduped networks in first-seen order, got %v", summary.Networks)
	}
}

func TestSummarizeIsIdempotent(t *testing.T) {
	var networks []NetworkHolding
	for n, name := range []string{"ethereum", "arbitrum", "base"} {
		tokens := make([]TokenBalance, 0, 15)
		for i := 0; i < 15; i++ {
			// every value appears on each network, so ranking has to break ties
			tokens = append(tokens, TokenBalance{Symbol: fmt.Sprintf("%s-%d", name, i), USDValue: decimal.NewFromInt(int64(i%5 + 1))})
		}
		tokens = append(tokens, TokenBalance{Symbol: fmt.Sprintf("DUST%d", n), USDValue: usd("0.001")})
		networks = append(networks, NetworkHolding{Network: name, Tokens: tokens})
	}
	snapshot := Snapshot{Networks: networks}
	summarizer := NewSummarizer(nil)

	first, err := json.Marshal(summarizer.Summarize(snapshot))
	if err != nil {
		t.Fatalf("marshal first summary: %v", err)
	}
	second, err := json.Marshal(summarizer.Summarize(snapshot))
	if err != nil {
		t.Fatalf("marshal second summary: %v", err)
	}
	if string(first) != string(second) {
		t.Fatalf("summaries differ:\n%s\n%s", first, second)
	}
	if len(summarizer.Summarize(snapshot).TopTokens) != DefaultMaxTokens {
		t.Fatalf("expected the summary to be capped at %d tokens", DefaultMaxTokens)
	}
}

func TestSummarizeEmptySnapshot(t *testing.T) {
	summary := NewSummarizer(nil).Summarize(Snapshot{})
	if !summary.TotalValueUSD.IsZero() || len(summary.TopTokens) != 0 || len(summary.Networks) != 0 {
		t.Fatalf("expected empty summary, got %+v", summary)
	}
}

func TestSummarizeFallsBackAndLogs(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	snapshot := Snapshot{
		Networks:         []NetworkHolding{{Network: "ethereum", Tokens: []TokenBalance{{Symbol: "ETH", USDValue: usd("99")}}}},
		ReportedTotalUSD: usd("123.45"),
	}
	summarizer := NewSummarizer(zap.New(core))
	summarizer.rank = func([]RankedToken) { panic("ranking exploded") }
	summary := summarizer.Summarize(snapshot)

	if summary.Note != NoteSummaryFailed {
		t.Fatalf("expected fallback note, got %+v", summary)
	}
	if !summary.TotalValueUSD.Equal(usd("123.45")) {
		t.Fatalf("expected reported total, got %s", summary.TotalValueUSD)
	}
	if logs.Len() != 1 {
		t.Fatalf("expected one warning, got %d", logs.Len())
	}
}

func TestTokenBalanceCoercesBadValues(t *testing.T) {
	payload := `{"networks":[{"network":"ethereum","tokens":[
		{"symbol":"A","usd_value":12.5},
		{"symbol":"B","usd_value":"7.25"},
		{"symbol":"C","usd_value":null},
		{"symbol":"D"},
		{"symbol":"E","usd_value":"n/a"},
		{"symbol":"F","usd_value":-3},
		{"tokenSymbol":"G","valueUSD":"$4"}
	]}],"total_value_usd":"oops"}`

	var snapshot Snapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		t.Fatalf("unmarshal snapshot: %v", err)
	}
	want := []string{"12.5", "7.25", "0", "0", "0", "0", "4"}
	tokens := snapshot.Networks[0].Tokens
	for i, w := range want {
		if !tokens[i].USDValue.Equal(usd(w)) {
			t.Fatalf("token %s: expected %s got %s", tokens[i].Symbol, w, tokens[i].USDValue)
		}
	}
	if tokens[6].Symbol != "G" {
		t.Fatalf("expected alternate symbol key to decode, got %q", tokens[6].Symbol)
	}
	if !snapshot.ReportedTotalUSD.IsZero() {
		t.Fatalf("expected non-numeric total to coerce to zero, got %s", snapshot.ReportedTotalUSD)
	}
	if !snapshot.Total().Equal(usd("23.75")) {
		t.Fatalf("unexpected total %s", snapshot.Total())
	}
}
