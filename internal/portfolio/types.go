package portfolio

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// Snapshot is a point-in-time view of a user's holdings grouped by network.
// Network order is preserved from the source.
type Snapshot struct {
	Networks         []NetworkHolding `json:"networks"`
	ReportedTotalUSD decimal.Decimal  `json:"total_value_usd"`
}

type NetworkHolding struct {
	Network string         `json:"network"`
	Tokens  []TokenBalance `json:"tokens"`
}

// TokenBalance holds a token's USD value. Values that are absent, null,
// non-numeric or negative decode as zero.
type TokenBalance struct {
	Symbol   string          `json:"symbol"`
	USDValue decimal.Decimal `json:"usd_value"`
}

// Strategy is an investment strategy description supplied by the caller.
type Strategy struct {
	Name        string          `json:"name"`
	Protocol    string          `json:"protocol,omitempty"`
	Network     string          `json:"network,omitempty"`
	Asset       string          `json:"asset,omitempty"`
	APY         float64         `json:"apy,omitempty"`
	TVLUSD      decimal.Decimal `json:"tvl_usd"`
	RiskLevel   string          `json:"risk_level,omitempty"`
	Description string          `json:"description,omitempty"`
}

func (t *TokenBalance) UnmarshalJSON(data []byte) error {
	var raw struct {
		Symbol      string          `json:"symbol"`
		TokenSymbol string          `json:"tokenSymbol"`
		USDValue    json.RawMessage `json:"usd_value"`
		ValueUSD    json.RawMessage `json:"valueUSD"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	t.Symbol = raw.Symbol
	if t.Symbol == "" {
		t.Symbol = raw.TokenSymbol
	}
	value := raw.USDValue
	if len(value) == 0 {
		value = raw.ValueUSD
	}
	t.USDValue = CoerceUSD(value)
	return nil
}

func (s *Snapshot) UnmarshalJSON(data []byte) error {
	var raw struct {
		Networks []NetworkHolding `json:"networks"`
		Total    json.RawMessage  `json:"total_value_usd"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.Networks = raw.Networks
	s.ReportedTotalUSD = CoerceUSD(raw.Total)
	return nil
}

// CoerceUSD decodes a JSON number or numeric string, returning zero for
// anything else.
func CoerceUSD(raw json.RawMessage) decimal.Decimal {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.Zero
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return decimal.Zero
	}
	return coerceAny(v)
}

func coerceAny(v any) decimal.Decimal {
	var d decimal.Decimal
	switch x := v.(type) {
	case float64:
		d = decimal.NewFromFloat(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	case string:
		parsed, err := decimal.NewFromString(strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(x), "$")))
		if err != nil {
			return decimal.Zero
		}
		d = parsed
	default:
		return decimal.Zero
	}
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
