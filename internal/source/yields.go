package source

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/httpx"
	"github.com/ggonzalez94/defi-advisor/internal/portfolio"
	"github.com/shopspring/decimal"
)

// YieldQuery filters DefiLlama pools into candidate strategies.
type YieldQuery struct {
	Asset   string
	Network string
	MinTVL  float64
	MaxRisk string
	Limit   int
}

// Yields turns DefiLlama yield pools into strategies.
type Yields struct {
	baseURL string
	http    *httpx.Client
}

func NewYields(baseURL string, client *httpx.Client) *Yields {
	return &Yields{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

type poolsEnvelope struct {
	Status string      `json:"status"`
	Data   []poolEntry `json:"data"`
}

type poolEntry struct {
	Pool       string   `json:"pool"`
	Chain      string   `json:"chain"`
	Project    string   `json:"project"`
	Symbol     string   `json:"symbol"`
	APY        *float64 `json:"apy"`
	TVLUSD     *float64 `json:"tvlUsd"`
	ILRisk     string   `json:"ilRisk"`
	Stablecoin bool     `json:"stablecoin"`
	Exposure   string   `json:"exposure"`
	PoolMeta   string   `json:"poolMeta"`
}

// Strategies returns the best matching pools, highest score first.
func (y *Yields) Strategies(ctx context.Context, q YieldQuery) ([]portfolio.Strategy, error) {
	if y == nil || y.baseURL == "" {
		return nil, clierr.New(clierr.CodeConfig, "yields API URL is not configured")
	}
	var env poolsEnvelope
	if _, err := httpx.GetJSON(ctx, y.http, y.baseURL+"/pools", nil, &env); err != nil {
		return nil, err
	}
	if len(env.Data) == 0 {
		return nil, clierr.New(clierr.CodeUnavailable, "yields API returned no pools")
	}

	maxRisk := riskOrder(q.MaxRisk)
	if maxRisk == 0 {
		maxRisk = riskOrder("high")
	}

	type scored struct {
		strategy portfolio.Strategy
		score    float64
	}
	var candidates []scored
	for _, p := range env.Data {
		if q.Network != "" && !matchesNetwork(p.Chain, q.Network) {
			continue
		}
		if !matchesAssetSymbol(p.Symbol, q.Asset) {
			continue
		}
		apy := numOrZero(p.APY)
		tvl := numOrZero(p.TVLUSD)
		if apy <= 0 || tvl <= 0 || tvl < q.MinTVL {
			continue
		}
		risk := deriveRisk(p)
		if riskOrder(risk) > maxRisk {
			continue
		}
		candidates = append(candidates, scored{
			strategy: portfolio.Strategy{
				Name:        fmt.Sprintf("%s %s", p.Project, p.Symbol),
				Protocol:    p.Project,
				Network:     p.Chain,
				Asset:       p.Symbol,
				APY:         math.Round(apy*100) / 100,
				TVLUSD:      decimal.NewFromFloat(tvl).Round(0),
				RiskLevel:   risk,
				Description: describePool(p),
			},
			score: scoreOpportunity(apy, tvl, risk),
		})
	}
	if len(candidates) == 0 {
		return nil, clierr.New(clierr.CodeUnsupported, "no yield pools match the query")
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].strategy.TVLUSD.GreaterThan(candidates[j].strategy.TVLUSD)
	})
	limit := q.Limit
	if limit <= 0 || limit > len(candidates) {
		limit = len(candidates)
	}
	out := make([]portfolio.Strategy, 0, limit)
	for _, c := range candidates[:limit] {
		out = append(out, c.strategy)
	}
	return out, nil
}

func matchesNetwork(chain, want string) bool {
	norm := func(v string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(v)), " ", "-")
	}
	return norm(chain) == norm(want)
}

func matchesAssetSymbol(symbolRaw string, expected string) bool {
	if strings.TrimSpace(expected) == "" {
		return true
	}
	symbolRaw = strings.ToUpper(strings.TrimSpace(symbolRaw))
	expected = strings.ToUpper(strings.TrimSpace(expected))
	parts := strings.FieldsFunc(symbolRaw, func(r rune) bool { return r == '-' || r == '/' })
	for _, part := range parts {
		if strings.TrimSpace(part) == expected {
			return true
		}
	}
	return symbolRaw == expected
}

func numOrZero(v *float64) float64 {
	if v == nil || math.IsNaN(*v) || math.IsInf(*v, 0) {
		return 0
	}
	return *v
}

func deriveRisk(p poolEntry) string {
	il := strings.ToLower(strings.TrimSpace(p.ILRisk))
	switch {
	case p.Stablecoin && il == "no":
		return "low"
	case il == "yes" || strings.EqualFold(strings.TrimSpace(p.Exposure), "volatile"):
		return "high"
	case il == "":
		return "unknown"
	default:
		return "medium"
	}
}

func describePool(p poolEntry) string {
	var parts []string
	if p.Stablecoin {
		parts = append(parts, "stablecoin pool")
	}
	if strings.EqualFold(strings.TrimSpace(p.ILRisk), "yes") {
		parts = append(parts, "impermanent loss exposure")
	}
	if meta := strings.TrimSpace(p.PoolMeta); meta != "" {
		parts = append(parts, meta)
	}
	return strings.Join(parts, "; ")
}

func riskOrder(v string) int {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "low":
		return 1
	case "medium":
		return 2
	case "high":
		return 3
	case "unknown":
		return 4
	default:
		return 0
	}
}

func scoreOpportunity(apy, tvlUSD float64, riskLevel string) float64 {
	apyNorm := clamp(apy, 0, 100) / 100
	tvlNorm := clamp(math.Log10(tvlUSD+1)/10, 0, 1)
	riskPenalty := map[string]float64{
		"low":     0.10,
		"medium":  0.30,
		"high":    0.60,
		"unknown": 0.45,
	}[riskLevel]
	return clamp(0.55*apyNorm+0.45*tvlNorm-0.25*riskPenalty, 0, 1)
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
