package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/llm"
)

const testAPIKey = "sk-test-0123456789"

const riskJSON = `{"risk_score":62,"risk_level":"medium","risk_factors":["concentration in ETH"],` +
	`"risky_assets":[{"symbol":"ETH","reason":"volatile","value":"$3000.00"}],` +
	`"low_risk_strategies":[{"name":"USDC lending","reason":"stable yield"}],"summary":"Moderate risk."}`

type testEnvelope struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data"`
	Warnings []string        `json:"warnings"`
	Error    *struct {
		Code    int    `json:"code"`
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	Meta struct {
		Command string `json:"command"`
		Cache   struct {
			Status string `json:"status"`
		} `json:"cache"`
		Providers []struct {
			Name   string `json:"name"`
			Status string `json:"status"`
		} `json:"providers"`
	} `json:"meta"`
}

// isolateEnv points config and cache at temp dirs and sets an API key.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("XDG_CACHE_HOME", t.TempDir())
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ADVISOR_OPENAI_API_KEY", testAPIKey)
	t.Setenv("ADVISOR_PORTFOLIO_API_URL", "")
}

func newTestRunner(completer llm.Completer) (*Runner, *bytes.Buffer, *bytes.Buffer) {
	var stdout, stderr bytes.Buffer
	r := NewRunnerWithWriters(&stdout, &stderr)
	r.logOutput = io.Discard
	r.completer = completer
	return r, &stdout, &stderr
}

func fixedCompleter(content string, err error, calls *int32) llm.Completer {
	return llm.CompleterFunc(func(_ context.Context, _ llm.Request) (string, error) {
		if calls != nil {
			atomic.AddInt32(calls, 1)
		}
		return content, err
	})
}

func writePortfolio(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "portfolio.yaml")
	body := "networks:\n  - network: ethereum\n    tokens:\n      - symbol: ETH\n        usd_value: 3000\n      - symbol: USDC\n        usd_value: 1000\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write portfolio: %v", err)
	}
	return path
}

func decodeEnvelope(t *testing.T, buf *bytes.Buffer) testEnvelope {
	t.Helper()
	var env testEnvelope
	if err := json.Unmarshal(buf.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope failed: %v output=%s", err, buf.String())
	}
	return env
}

func TestTrimRootPath(t *testing.T) {
	if got := trimRootPath("advisor explain"); got != "explain" {
		t.Fatalf("unexpected trim result: %s", got)
	}
}

func TestRunnerExplainCachesAnswer(t *testing.T) {
	isolateEnv(t)
	var calls int32
	completer := fixedCompleter("  Impermanent loss is the gap versus holding.  ", nil, &calls)

	r, stdout, stderr := newTestRunner(completer)
	if code := r.Run([]string{"explain", "impermanent", "loss", "--results-only"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var answer map[string]any
	if err := json.Unmarshal(stdout.Bytes(), &answer); err != nil {
		t.Fatalf("decode answer: %v output=%s", err, stdout.String())
	}
	if answer["answer"] != "Impermanent loss is the gap versus holding." || answer["query"] != "impermanent loss" {
		t.Fatalf("unexpected answer: %+v", answer)
	}

	r, stdout, stderr = newTestRunner(completer)
	if code := r.Run([]string{"explain", "impermanent", "loss"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stdout)
	if env.Meta.Cache.Status != "hit" {
		t.Fatalf("expected cache hit on second run, got %+v", env.Meta.Cache)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one completion call, got %d", got)
	}
}

func TestRunnerExplainCacheKeepsConceptCasing(t *testing.T) {
	isolateEnv(t)
	var calls int32
	completer := fixedCompleter("An explanation.", nil, &calls)

	for _, concept := range []string{"impermanent loss", "Impermanent Loss"} {
		r, stdout, stderr := newTestRunner(completer)
		if code := r.Run([]string{"explain", concept, "--results-only"}); code != 0 {
			t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
		}
		var answer map[string]any
		if err := json.Unmarshal(stdout.Bytes(), &answer); err != nil {
			t.Fatalf("decode answer: %v output=%s", err, stdout.String())
		}
		if answer["query"] != concept {
			t.Fatalf("expected query %q, got %v", concept, answer["query"])
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected one completion call per spelling, got %d", got)
	}
}

func TestRunnerRiskReturnsStructuredAnalysis(t *testing.T) {
	isolateEnv(t)
	r, stdout, stderr := newTestRunner(fixedCompleter("```json\n"+riskJSON+"\n```", nil, nil))
	code := r.Run([]string{"risk", "--portfolio", writePortfolio(t), "--no-cache"})
	if code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stdout)
	var analysis struct {
		RiskScore   int    `json:"risk_score"`
		RiskLevel   string `json:"risk_level"`
		RiskyAssets []struct {
			Symbol string `json:"symbol"`
		} `json:"risky_assets"`
	}
	if err := json.Unmarshal(env.Data, &analysis); err != nil {
		t.Fatalf("decode analysis: %v", err)
	}
	if analysis.RiskScore != 62 || analysis.RiskLevel != "medium" || len(analysis.RiskyAssets) != 1 {
		t.Fatalf("unexpected analysis: %+v", analysis)
	}
	if len(env.Meta.Providers) != 1 || env.Meta.Providers[0].Name != completionProvider || env.Meta.Providers[0].Status != "ok" {
		t.Fatalf("unexpected provider metadata: %+v", env.Meta.Providers)
	}
}

func TestRunnerRiskRejectsMalformedJSON(t *testing.T) {
	isolateEnv(t)
	var calls int32
	r, _, stderr := newTestRunner(fixedCompleter("I think your portfolio is fine.", nil, &calls))
	code := r.Run([]string{"risk", "--portfolio", writePortfolio(t), "--no-cache"})
	if code != int(clierr.CodeParse) {
		t.Fatalf("expected exit %d, got %d stderr=%s", clierr.CodeParse, code, stderr.String())
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || env.Error.Type != "parse" || env.Error.Message != "unable to perform risk analysis" {
		t.Fatalf("unexpected error body: %+v", env.Error)
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected a single attempt, got %d", got)
	}
}

func TestRunnerAuthFailureHidesCause(t *testing.T) {
	isolateEnv(t)
	authErr := clierr.New(clierr.CodeAuth, "status 401: invalid api key sk-test-0123456789")
	r, _, stderr := newTestRunner(fixedCompleter("", authErr, nil))
	code := r.Run([]string{"explain", "staking", "--no-cache"})
	if code != int(clierr.CodeAuth) {
		t.Fatalf("expected exit %d, got %d stderr=%s", clierr.CodeAuth, code, stderr.String())
	}
	env := decodeEnvelope(t, stderr)
	if env.Error == nil || !strings.Contains(env.Error.Message, "rejected the credentials") {
		t.Fatalf("unexpected error body: %+v", env.Error)
	}
	if strings.Contains(stderr.String(), "sk-test") {
		t.Fatalf("error envelope leaked the cause: %s", stderr.String())
	}
}

func TestRunnerMissingAPIKey(t *testing.T) {
	isolateEnv(t)
	t.Setenv("ADVISOR_OPENAI_API_KEY", "")
	r, _, stderr := newTestRunner(fixedCompleter("never", nil, nil))
	if code := r.Run([]string{"explain", "staking"}); code != int(clierr.CodeConfig) {
		t.Fatalf("expected exit %d, got %d stderr=%s", clierr.CodeConfig, code, stderr.String())
	}
}

func TestRunnerBlockedQueryKind(t *testing.T) {
	isolateEnv(t)
	r, stdout, stderr := newTestRunner(fixedCompleter("never", nil, nil))
	code := r.Run([]string{"ask", "what now?", "--enable-commands", "explain", "--results-only"})
	if code != int(clierr.CodeBlocked) {
		t.Fatalf("expected exit 16, got %d stderr=%s", code, stderr.String())
	}
	if stdout.Len() != 0 {
		t.Fatalf("expected empty stdout, got %s", stdout.String())
	}
	env := decodeEnvelope(t, stderr)
	if env.Success || env.Error == nil || env.Error.Type != "blocked" {
		t.Fatalf("unexpected error envelope: %+v", env)
	}
}

func TestRunnerAskRequiresPortfolio(t *testing.T) {
	isolateEnv(t)
	r, _, stderr := newTestRunner(fixedCompleter("never", nil, nil))
	if code := r.Run([]string{"ask", "should I rebalance?"}); code != int(clierr.CodeUsage) {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerCompareRequiresStrategies(t *testing.T) {
	isolateEnv(t)
	r, _, stderr := newTestRunner(fixedCompleter("never", nil, nil))
	if code := r.Run([]string{"compare", "--portfolio", writePortfolio(t)}); code != int(clierr.CodeUsage) {
		t.Fatalf("expected exit 2, got %d stderr=%s", code, stderr.String())
	}
}

func TestRunnerHealth(t *testing.T) {
	isolateEnv(t)
	r, stdout, stderr := newTestRunner(fixedCompleter("OK", nil, nil))
	if code := r.Run([]string{"health", "--results-only"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var report struct {
		Healthy    bool `json:"healthy"`
		Components []struct {
			Name string `json:"name"`
		} `json:"components"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode report: %v output=%s", err, stdout.String())
	}
	if !report.Healthy || len(report.Components) != 1 || report.Components[0].Name != completionProvider {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestRunnerHealthUnhealthy(t *testing.T) {
	isolateEnv(t)
	down := clierr.New(clierr.CodeUnavailable, "connection refused")
	r, stdout, stderr := newTestRunner(fixedCompleter("", down, nil))
	if code := r.Run([]string{"health", "--timeout", "2s"}); code != int(clierr.CodeUnavailable) {
		t.Fatalf("expected exit 12, got %d stderr=%s", code, stderr.String())
	}
	env := decodeEnvelope(t, stdout)
	var report struct {
		Healthy bool `json:"healthy"`
	}
	if err := json.Unmarshal(env.Data, &report); err != nil || report.Healthy {
		t.Fatalf("expected unhealthy report on stdout, got %s err=%v", env.Data, err)
	}
}

func TestRunnerSchemaIncludesQueryMetadata(t *testing.T) {
	isolateEnv(t)
	r, stdout, stderr := newTestRunner(nil)
	if code := r.Run([]string{"schema", "compare", "--results-only"}); code != 0 {
		t.Fatalf("expected exit 0, got %d stderr=%s", code, stderr.String())
	}
	var s struct {
		Query struct {
			Kind  string `json:"kind"`
			Retry string `json:"retry"`
		} `json:"query"`
	}
	if err := json.Unmarshal(stdout.Bytes(), &s); err != nil {
		t.Fatalf("decode schema: %v output=%s", err, stdout.String())
	}
	if s.Query.Kind != "compare" || s.Query.Retry != "single" {
		t.Fatalf("unexpected query schema: %+v", s.Query)
	}
}

func TestCommandBudgetCoversRetries(t *testing.T) {
	state := &runtimeState{}
	state.settings.Timeout = 10 * time.Second
	state.settings.MaxAttempts = 3
	state.settings.BaseDelay = time.Second
	state.settings.TransportBaseDelay = 2 * time.Second
	if got := state.commandBudget(); got != 36*time.Second {
		t.Fatalf("expected 30s of attempts plus 6s of backoff, got %s", got)
	}
}
