package model

import "time"

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string           `json:"request_id"`
	Timestamp time.Time        `json:"timestamp"`
	Command   string           `json:"command"`
	Providers []ProviderStatus `json:"providers,omitempty"`
	Cache     CacheStatus      `json:"cache"`
}

type ProviderStatus struct {
	Name      string `json:"name"`
	Status    string `json:"status"`
	LatencyMS int64  `json:"latency_ms"`
}

type CacheStatus struct {
	Status string `json:"status"`
	AgeMS  int64  `json:"age_ms"`
	Stale  bool   `json:"stale"`
}

// Answer is a free-text completion result.
type Answer struct {
	Kind     string `json:"kind"`
	Query    string `json:"query"`
	Answer   string `json:"answer"`
	Networks int    `json:"networks,omitempty"`
	Note     string `json:"note,omitempty"`
}

func (a Answer) PlainText() string { return a.Answer }

type RiskAnalysis struct {
	RiskScore         int            `json:"risk_score"`
	RiskLevel         string         `json:"risk_level"`
	RiskFactors       []string       `json:"risk_factors"`
	RiskyAssets       []RiskyAsset   `json:"risky_assets"`
	LowRiskStrategies []StrategyNote `json:"low_risk_strategies"`
	Summary           string         `json:"summary"`
}

type RiskyAsset struct {
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
	Value  string `json:"value,omitempty"`
}

type StrategyNote struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

type HealthReport struct {
	Healthy    bool           `json:"healthy"`
	Components []HealthStatus `json:"components"`
}

type HealthStatus struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMS int64  `json:"latency_ms"`
	Detail    string `json:"detail,omitempty"`
}
