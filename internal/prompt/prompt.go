package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ggonzalez94/defi-advisor/internal/llm"
	"github.com/ggonzalez94/defi-advisor/internal/portfolio"
	"github.com/shopspring/decimal"
)

const (
	AskMaxChars        = 3500
	ExplainMaxWords    = 400
	askMaxTokens       = 1200
	riskMaxTokens      = 1500
	compareMaxTokens   = 900
	explainMaxTokens   = 700
	healthMaxTokens    = 5
	askTemperature     = 0.7
	riskTemperature    = 0.2
	compareTemperature = 0.5
	explainTemperature = 0.5
)

const advisorRole = `You are a DeFi portfolio assistant. You explain on-chain finance clearly, ` +
	`ground every statement in the data you are given, and never invent balances, prices or protocols. ` +
	`You do not give personalised financial advice; frame recommendations as options with their trade-offs.`

const riskSchema = `{
  "risk_score": <integer 0-100>,
  "risk_level": "low" | "medium" | "high" | "critical",
  "risk_factors": [<string>, ...],
  "risky_assets": [{"symbol": <string>, "reason": <string>, "value": <USD value>}, ...],
  "low_risk_strategies": [{"name": <string>, "reason": <string>}, ...],
  "summary": <string>
}`

// Ask builds a question about the user's portfolio. Only the bounded summary
// is embedded, never the raw snapshot.
func Ask(query string, summary portfolio.Summary) (llm.Request, error) {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return llm.Request{}, fmt.Errorf("encode portfolio summary: %w", err)
	}

	var b strings.Builder
	b.WriteString("Portfolio summary (USD values):\n")
	b.Write(data)
	if summary.Failed() {
		b.WriteString("\n\nOnly the total value is available for this portfolio; say so if the question needs token detail.")
	}
	b.WriteString("\n\nQuestion: ")
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\nStructure the answer in four short parts:\n")
	b.WriteString("1. Direct answer to the question.\n")
	b.WriteString("2. Assessment of the portfolio as it relates to the question.\n")
	b.WriteString("3. Concrete recommendations.\n")
	b.WriteString("4. Risk notes.\n")
	fmt.Fprintf(&b, "Keep the whole answer under %d characters.", AskMaxChars)

	return llm.Request{
		Kind:         llm.KindAsk,
		SystemPrompt: advisorRole,
		UserPrompt:   b.String(),
		Tier:         llm.TierBalanced,
		Temperature:  askTemperature,
		MaxTokens:    askMaxTokens,
	}, nil
}

// RiskAnalysis embeds the full snapshot and strategy list and asks for a
// single JSON object.
func RiskAnalysis(snapshot portfolio.Snapshot, strategies []portfolio.Strategy) (llm.Request, error) {
	holdings, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return llm.Request{}, fmt.Errorf("encode portfolio: %w", err)
	}
	if strategies == nil {
		strategies = []portfolio.Strategy{}
	}
	strats, err := json.MarshalIndent(strategies, "", "  ")
	if err != nil {
		return llm.Request{}, fmt.Errorf("encode strategies: %w", err)
	}

	var b strings.Builder
	b.WriteString("Assess the risk of this DeFi portfolio.\n\nPortfolio:\n")
	b.Write(holdings)
	b.WriteString("\n\nAvailable strategies:\n")
	b.Write(strats)
	b.WriteString("\n\nConsider concentration, stablecoin share, smart-contract and bridge exposure, and volatility.\n")
	b.WriteString("Respond with exactly one JSON object and nothing else, following this schema:\n")
	b.WriteString(riskSchema)

	return llm.Request{
		Kind:         llm.KindRisk,
		SystemPrompt: advisorRole + " When asked for JSON you reply with valid JSON only.",
		UserPrompt:   b.String(),
		Tier:         llm.TierSmart,
		Temperature:  riskTemperature,
		MaxTokens:    riskMaxTokens,
		JSONResponse: true,
	}, nil
}

// CompareStrategies asks for a concise comparison and a recommendation.
// preference is optional.
func CompareStrategies(strategies []portfolio.Strategy, totalUSD decimal.Decimal, preference string) (llm.Request, error) {
	strats, err := json.MarshalIndent(strategies, "", "  ")
	if err != nil {
		return llm.Request{}, fmt.Errorf("encode strategies: %w", err)
	}

	var b strings.Builder
	b.WriteString("Compare these DeFi strategies for a portfolio worth $")
	b.WriteString(totalUSD.StringFixed(2))
	b.WriteString(".\n\nStrategies:\n")
	b.Write(strats)
	if p := strings.TrimSpace(preference); p != "" {
		b.WriteString("\n\nUser preference: ")
		b.WriteString(p)
	}
	b.WriteString("\n\nFor each strategy give expected yield, main risks and capital fit in one or two lines, ")
	b.WriteString("then recommend one strategy and say why.")

	return llm.Request{
		Kind:         llm.KindCompare,
		SystemPrompt: advisorRole,
		UserPrompt:   b.String(),
		Tier:         llm.TierBalanced,
		Temperature:  compareTemperature,
		MaxTokens:    compareMaxTokens,
	}, nil
}

// ExplainConcept asks for a plain-language explanation. background is optional.
func ExplainConcept(concept, background string) llm.Request {
	var b strings.Builder
	b.WriteString("Explain the DeFi concept \"")
	b.WriteString(strings.TrimSpace(concept))
	b.WriteString("\" in plain language for someone new to on-chain finance.")
	if c := strings.TrimSpace(background); c != "" {
		b.WriteString("\n\nContext: ")
		b.WriteString(c)
	}
	fmt.Fprintf(&b, "\n\nInclude how it works, one concrete example and the main risks. Stay under %d words.", ExplainMaxWords)

	return llm.Request{
		Kind:         llm.KindExplain,
		SystemPrompt: advisorRole,
		UserPrompt:   b.String(),
		Tier:         llm.TierBalanced,
		Temperature:  explainTemperature,
		MaxTokens:    explainMaxTokens,
	}
}

// HealthProbe is the smallest request that proves the service answers.
func HealthProbe() llm.Request {
	return llm.Request{
		Kind:       llm.KindHealth,
		UserPrompt: "Reply with OK.",
		Tier:       llm.TierFast,
		MaxTokens:  healthMaxTokens,
	}
}
