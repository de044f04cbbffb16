package response

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/model"
)

// Text validates a free-text completion.
func Text(content string) (string, error) {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return "", clierr.New(clierr.CodeParse, "completion service returned an empty answer")
	}
	return trimmed, nil
}

type rawRiskAnalysis struct {
	RiskScore         *float64       `json:"risk_score"`
	RiskLevel         *string        `json:"risk_level"`
	RiskFactors       *[]string      `json:"risk_factors"`
	RiskyAssets       *[]rawAsset    `json:"risky_assets"`
	LowRiskStrategies *[]rawStrategy `json:"low_risk_strategies"`
	Summary           *string        `json:"summary"`
}

type rawAsset struct {
	Symbol string          `json:"symbol"`
	Reason string          `json:"reason"`
	Value  json.RawMessage `json:"value"`
}

type rawStrategy struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// ParseRiskAnalysis extracts the JSON object from a completion and checks it
// against the risk analysis schema. It never returns a partially filled result.
func ParseRiskAnalysis(content string) (model.RiskAnalysis, error) {
	body := ExtractJSONObject(content)
	if body == "" {
		return model.RiskAnalysis{}, parseErr("no JSON object in completion", nil)
	}

	var raw rawRiskAnalysis
	dec := json.NewDecoder(strings.NewReader(body))
	if err := dec.Decode(&raw); err != nil {
		return model.RiskAnalysis{}, parseErr("completion is not valid risk analysis JSON", err)
	}

	switch {
	case raw.RiskScore == nil:
		return model.RiskAnalysis{}, parseErr("risk_score is missing", nil)
	case *raw.RiskScore != math.Trunc(*raw.RiskScore) || *raw.RiskScore < 0 || *raw.RiskScore > 100:
		return model.RiskAnalysis{}, parseErr(fmt.Sprintf("risk_score %v is not an integer in [0,100]", *raw.RiskScore), nil)
	case raw.RiskLevel == nil || strings.TrimSpace(*raw.RiskLevel) == "":
		return model.RiskAnalysis{}, parseErr("risk_level is missing", nil)
	case raw.RiskFactors == nil:
		return model.RiskAnalysis{}, parseErr("risk_factors is missing", nil)
	case raw.RiskyAssets == nil:
		return model.RiskAnalysis{}, parseErr("risky_assets is missing", nil)
	case raw.LowRiskStrategies == nil:
		return model.RiskAnalysis{}, parseErr("low_risk_strategies is missing", nil)
	case raw.Summary == nil:
		return model.RiskAnalysis{}, parseErr("summary is missing", nil)
	}

	out := model.RiskAnalysis{
		RiskScore:         int(*raw.RiskScore),
		RiskLevel:         strings.TrimSpace(*raw.RiskLevel),
		RiskFactors:       nonEmpty(*raw.RiskFactors),
		RiskyAssets:       make([]model.RiskyAsset, 0, len(*raw.RiskyAssets)),
		LowRiskStrategies: make([]model.StrategyNote, 0, len(*raw.LowRiskStrategies)),
		Summary:           strings.TrimSpace(*raw.Summary),
	}
	for i, asset := range *raw.RiskyAssets {
		if strings.TrimSpace(asset.Symbol) == "" {
			return model.RiskAnalysis{}, parseErr(fmt.Sprintf("risky_assets[%d].symbol is missing", i), nil)
		}
		out.RiskyAssets = append(out.RiskyAssets, model.RiskyAsset{
			Symbol: strings.TrimSpace(asset.Symbol),
			Reason: strings.TrimSpace(asset.Reason),
			Value:  rawValueString(asset.Value),
		})
	}
	for i, strategy := range *raw.LowRiskStrategies {
		if strings.TrimSpace(strategy.Name) == "" {
			return model.RiskAnalysis{}, parseErr(fmt.Sprintf("low_risk_strategies[%d].name is missing", i), nil)
		}
		out.LowRiskStrategies = append(out.LowRiskStrategies, model.StrategyNote{
			Name:   strings.TrimSpace(strategy.Name),
			Reason: strings.TrimSpace(strategy.Reason),
		})
	}
	return out, nil
}

// ExtractJSONObject strips Markdown fences and surrounding prose, returning
// the outermost {...} span or "" when there is none.
func ExtractJSONObject(content string) string {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		lines := strings.Split(trimmed, "\n")
		if len(lines) >= 2 {
			lines = lines[1:]
			if strings.TrimSpace(lines[len(lines)-1]) == "```" {
				lines = lines[:len(lines)-1]
			}
			trimmed = strings.Join(lines, "\n")
		}
	}
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return ""
	}
	return strings.TrimSpace(trimmed[start : end+1])
}

func rawValueString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return string(raw)
}

func nonEmpty(items []string) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		if v := strings.TrimSpace(item); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func parseErr(msg string, cause error) error {
	if cause == nil {
		return clierr.New(clierr.CodeParse, msg)
	}
	return clierr.Wrap(clierr.CodeParse, msg, cause)
}
