package source

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/httpx"
	"github.com/shopspring/decimal"
)

const (
	walletA = "0x52908400098527886E0F7030069857D2E4169EE7"
	walletB = "0x8617E340B3D01FA5F11F306F4090FD50E238070D"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestLoadSnapshotFileJSON(t *testing.T) {
	path := writeFile(t, "portfolio.json", `{"networks":[{"network":"ethereum","tokens":[{"symbol":"ETH","usd_value":"3000"},{"symbol":"DUST","usd_value":null}]}],"total_value_usd":3000}`)
	snapshot, err := LoadSnapshotFile(path)
	if err != nil {
		t.Fatalf("LoadSnapshotFile failed: %v", err)
	}
	if len(snapshot.Networks) != 1 || len(snapshot.Networks[0].Tokens) != 2 {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	if !snapshot.ReportedTotalUSD.Equal(decimal.NewFromInt(3000)) {
		t.Fatalf("unexpected reported total %s", snapshot.ReportedTotalUSD)
	}
}

func TestLoadSnapshotFileYAML(t *testing.T) {
	body := "networks:\n  - network: base\n    tokens:\n      - symbol: USDC\n        usd_value: 150.25\n      - symbol: AERO\n        usd_value: unknown\n"
	snapshot, err := LoadSnapshotFile(writeFile(t, "portfolio.yaml", body))
	if err != nil {
		t.Fatalf("LoadSnapshotFile failed: %v", err)
	}
	tokens := snapshot.Networks[0].Tokens
	if !tokens[0].USDValue.Equal(decimal.RequireFromString("150.25")) || !tokens[1].USDValue.IsZero() {
		t.Fatalf("unexpected token values: %+v", tokens)
	}
}

func TestLoadSnapshotFileProviderResponse(t *testing.T) {
	body := `{"data":{"portfolios":[{"walletAddress":"` + walletA + `","balancesByNetwork":{"zksync":{"tokens":[{"tokenSymbol":"ZK","valueUSD":12}]},"arbitrum":{"tokens":[{"tokenSymbol":"ARB","valueUSD":40}]}},"totalValueUSD":52}]}}`
	snapshot, err := LoadSnapshotFile(writeFile(t, "export.json", body))
	if err != nil {
		t.Fatalf("LoadSnapshotFile failed: %v", err)
	}
	if len(snapshot.Networks) != 2 || snapshot.Networks[0].Network != "arbitrum" {
		t.Fatalf("expected sorted networks, got %+v", snapshot.Networks)
	}
	if snapshot.Networks[0].Tokens[0].Symbol != "ARB" {
		t.Fatalf("unexpected token: %+v", snapshot.Networks[0].Tokens[0])
	}
}

func TestLoadStrategiesFile(t *testing.T) {
	list, err := LoadStrategiesFile(writeFile(t, "strategies.yaml", "strategies:\n  - name: Aave USDC\n    apy: 4.1\n    tvl_usd: 1000000\n  - name: Lido stETH\n"))
	if err != nil {
		t.Fatalf("LoadStrategiesFile failed: %v", err)
	}
	if len(list) != 2 || list[0].APY != 4.1 || !list[0].TVLUSD.Equal(decimal.NewFromInt(1000000)) {
		t.Fatalf("unexpected strategies: %+v", list)
	}

	if _, err := LoadStrategiesFile(writeFile(t, "bad.json", `[{"protocol":"aave"}]`)); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error for unnamed strategy, got %v", err)
	}
}

func TestValidateWallets(t *testing.T) {
	got, err := ValidateWallets([]string{strings.ToLower(walletA), walletA, " "})
	if err != nil {
		t.Fatalf("ValidateWallets failed: %v", err)
	}
	if len(got) != 1 || got[0] != walletA {
		t.Fatalf("expected one checksummed wallet, got %v", got)
	}
	if _, err := ValidateWallets([]string{"0x1234"}); !clierr.Is(err, clierr.CodeUsage) {
		t.Fatalf("expected usage error, got %v", err)
	}
}

func TestRemoteFetchWalletsConcurrently(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		addr := strings.TrimPrefix(r.URL.Path, "/api/v1/portfolios/")
		symbol := "ETH"
		if strings.EqualFold(addr, walletB) {
			symbol = "OP"
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{"portfolios":[{"walletAddress":"` + strings.ToLower(addr) + `","balancesByNetwork":{"ethereum":{"tokens":[{"tokenSymbol":"` + symbol + `","valueUSD":100}]}},"totalValueUSD":100}]},"status_message":"ok"}`))
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL+"/", httpx.New(2*time.Second, nil))
	snapshot, err := remote.FetchWallets(context.Background(), []string{walletA, walletB})
	if err != nil {
		t.Fatalf("FetchWallets failed: %v", err)
	}
	if atomic.LoadInt32(&hits) != 2 {
		t.Fatalf("expected one request per wallet, got %d", hits)
	}
	if len(snapshot.Networks) != 2 || snapshot.Networks[0].Tokens[0].Symbol != "ETH" || snapshot.Networks[1].Tokens[0].Symbol != "OP" {
		t.Fatalf("expected wallets merged in argument order, got %+v", snapshot.Networks)
	}
	if !snapshot.ReportedTotalUSD.Equal(decimal.NewFromInt(200)) {
		t.Fatalf("unexpected reported total %s", snapshot.ReportedTotalUSD)
	}
}

func TestRemoteFetchUntrackedWallet(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"portfolios":[]}}`))
	}))
	defer srv.Close()

	remote := NewRemote(srv.URL, httpx.New(2*time.Second, nil))
	if _, err := remote.FetchWallets(context.Background(), []string{walletA}); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported error, got %v", err)
	}
	if _, err := NewRemote("", nil).FetchWallets(context.Background(), nil); !clierr.Is(err, clierr.CodeConfig) {
		t.Fatalf("expected config error without URL, got %v", err)
	}
}

func TestYieldsStrategiesFilterAndRank(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/pools", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success","data":[
			{"pool":"p1","chain":"Ethereum","project":"aave-v3","symbol":"USDC","apy":4.2,"tvlUsd":350000000,"ilRisk":"no","stablecoin":true,"exposure":"single"},
			{"pool":"p2","chain":"Ethereum","project":"uniswap-v3","symbol":"USDC-WETH","apy":18.5,"tvlUsd":90000000,"ilRisk":"yes","stablecoin":false,"exposure":"multi"},
			{"pool":"p3","chain":"Arbitrum","project":"aave-v3","symbol":"USDC","apy":5.1,"tvlUsd":120000000,"ilRisk":"no","stablecoin":true,"exposure":"single"},
			{"pool":"p4","chain":"Ethereum","project":"tiny","symbol":"USDC","apy":0,"tvlUsd":1000,"ilRisk":"no","stablecoin":true}
		]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	yields := NewYields(srv.URL, httpx.New(2*time.Second, nil))
	items, err := yields.Strategies(context.Background(), YieldQuery{Asset: "usdc", Network: "ethereum", MaxRisk: "medium"})
	if err != nil {
		t.Fatalf("Strategies failed: %v", err)
	}
	if len(items) != 1 || items[0].Protocol != "aave-v3" || items[0].RiskLevel != "low" {
		t.Fatalf("expected only the low-risk ethereum pool, got %+v", items)
	}

	items, err = yields.Strategies(context.Background(), YieldQuery{Asset: "USDC", Limit: 2})
	if err != nil {
		t.Fatalf("Strategies failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected limit to cap results, got %+v", items)
	}

	if _, err := yields.Strategies(context.Background(), YieldQuery{Asset: "DAI"}); !clierr.Is(err, clierr.CodeUnsupported) {
		t.Fatalf("expected unsupported error for no matches, got %v", err)
	}
}

func TestYieldScoreBounded(t *testing.T) {
	if score := scoreOpportunity(250, 1e12, "low"); score < 0 || score > 1 {
		t.Fatalf("score out of range: %f", score)
	}
	if scoreOpportunity(5, 1e8, "high") >= scoreOpportunity(5, 1e8, "low") {
		t.Fatal("expected risk penalty to lower the score")
	}
}
