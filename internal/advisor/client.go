package advisor

import (
	"context"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/llm"
	"github.com/ggonzalez94/defi-advisor/internal/llm/openai"
	"github.com/ggonzalez94/defi-advisor/internal/model"
	"github.com/ggonzalez94/defi-advisor/internal/portfolio"
	"github.com/ggonzalez94/defi-advisor/internal/prompt"
	"github.com/ggonzalez94/defi-advisor/internal/response"
	"github.com/ggonzalez94/defi-advisor/internal/retry"
	"go.uber.org/zap"
)

const (
	minAPIKeyLength = 10
	serviceName     = "completion service"
)

type Config struct {
	APIKey  string
	BaseURL string
	Timeout time.Duration
	Models  llm.Models
	Retry   retry.Policy
}

type Option func(*Client)

// WithCompleter replaces the OpenAI transport.
func WithCompleter(completer llm.Completer) Option {
	return func(c *Client) { c.completer = completer }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithOrchestrator replaces the retry orchestrator. Single-attempt queries
// use its Single copy.
func WithOrchestrator(orch *retry.Orchestrator) Option {
	return func(c *Client) { c.retrying = orch }
}

// Client answers portfolio questions through a completion service. It is
// safe for concurrent use.
type Client struct {
	completer  llm.Completer
	summarizer *portfolio.Summarizer
	retrying   *retry.Orchestrator
	single     *retry.Orchestrator
	logger     *zap.Logger
}

// New validates the API key and builds the transport once. It performs no I/O.
func New(cfg Config, opts ...Option) (*Client, error) {
	key := strings.TrimSpace(cfg.APIKey)
	if len(key) < minAPIKeyLength {
		return nil, clierr.New(clierr.CodeConfig, "completion service API key is missing or too short; set ADVISOR_OPENAI_API_KEY")
	}

	c := &Client{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	if c.completer == nil {
		c.completer = openai.New(openai.Config{
			APIKey:  key,
			BaseURL: cfg.BaseURL,
			Timeout: cfg.Timeout,
			Models:  cfg.Models,
		})
	}
	if c.retrying == nil {
		policy := cfg.Retry
		if policy.MaxAttempts == 0 {
			policy = retry.DefaultPolicy()
		}
		c.retrying = retry.New(serviceName, policy, retry.WithLogger(c.logger))
	}
	c.single = c.retrying.Single()
	c.summarizer = portfolio.NewSummarizer(c.logger)
	c.logger = c.logger.Named("advisor")
	return c, nil
}

func (c *Client) ready() error {
	if c == nil || c.completer == nil || c.retrying == nil || c.single == nil {
		return clierr.New(clierr.CodeConfig, "advisor client is not initialized")
	}
	return nil
}

// Ask answers a free-form question about the portfolio. Failures are retried.
func (c *Client) Ask(ctx context.Context, query string, snapshot portfolio.Snapshot) (model.Answer, error) {
	if err := c.ready(); err != nil {
		return model.Answer{}, err
	}
	if strings.TrimSpace(query) == "" {
		return model.Answer{}, clierr.New(clierr.CodeUsage, "question is required")
	}

	summary := c.summarizer.Summarize(snapshot)
	req, err := prompt.Ask(query, summary)
	if err != nil {
		return model.Answer{}, clierr.Wrap(clierr.CodeInternal, "build question prompt", err)
	}
	text, err := c.completeText(ctx, c.retrying, req)
	if err != nil {
		return model.Answer{}, err
	}
	return model.Answer{
		Kind:     string(llm.KindAsk),
		Query:    strings.TrimSpace(query),
		Answer:   text,
		Networks: len(summary.Networks),
		Note:     summary.Note,
	}, nil
}

// AnalyzeRisk returns a structured risk assessment. It makes a single attempt.
func (c *Client) AnalyzeRisk(ctx context.Context, snapshot portfolio.Snapshot, strategies []portfolio.Strategy) (model.RiskAnalysis, error) {
	if err := c.ready(); err != nil {
		return model.RiskAnalysis{}, err
	}
	req, err := prompt.RiskAnalysis(snapshot, strategies)
	if err != nil {
		return model.RiskAnalysis{}, clierr.Wrap(clierr.CodeInternal, "build risk prompt", err)
	}

	content, err := c.complete(ctx, c.single, req)
	if err != nil {
		return model.RiskAnalysis{}, err
	}
	result, err := response.ParseRiskAnalysis(content)
	if err != nil {
		c.logger.Warn("risk analysis response rejected", zap.Error(err), zap.Int("content_len", len(content)))
		return model.RiskAnalysis{}, clierr.Wrap(clierr.CodeParse, "unable to perform risk analysis", err)
	}
	return result, nil
}

// CompareStrategies compares strategies against the portfolio's total value.
// preference may be empty. It makes a single attempt.
func (c *Client) CompareStrategies(ctx context.Context, strategies []portfolio.Strategy, snapshot portfolio.Snapshot, preference string) (model.Answer, error) {
	if err := c.ready(); err != nil {
		return model.Answer{}, err
	}
	if len(strategies) == 0 {
		return model.Answer{}, clierr.New(clierr.CodeUsage, "at least one strategy is required")
	}

	req, err := prompt.CompareStrategies(strategies, snapshot.Total(), preference)
	if err != nil {
		return model.Answer{}, clierr.Wrap(clierr.CodeInternal, "build comparison prompt", err)
	}
	text, err := c.completeText(ctx, c.single, req)
	if err != nil {
		return model.Answer{}, err
	}
	return model.Answer{
		Kind:   string(llm.KindCompare),
		Query:  strings.TrimSpace(preference),
		Answer: text,
	}, nil
}

// ExplainConcept explains a DeFi term. background may be empty. Failures are retried.
func (c *Client) ExplainConcept(ctx context.Context, concept, background string) (model.Answer, error) {
	if err := c.ready(); err != nil {
		return model.Answer{}, err
	}
	if strings.TrimSpace(concept) == "" {
		return model.Answer{}, clierr.New(clierr.CodeUsage, "concept is required")
	}

	text, err := c.completeText(ctx, c.retrying, prompt.ExplainConcept(concept, background))
	if err != nil {
		return model.Answer{}, err
	}
	return model.Answer{
		Kind:   string(llm.KindExplain),
		Query:  strings.TrimSpace(concept),
		Answer: text,
	}, nil
}

// HealthCheck reports whether the completion service returns a non-empty
// answer. It never returns an error.
func (c *Client) HealthCheck(ctx context.Context) bool {
	if c.ready() != nil {
		return false
	}
	content, err := c.completer.Complete(ctx, prompt.HealthProbe())
	if err != nil {
		c.logger.Warn("health check failed", zap.Error(err), zap.Stringer("class", retry.Classify(err)))
		return false
	}
	return strings.TrimSpace(content) != ""
}

func (c *Client) completeText(ctx context.Context, orch *retry.Orchestrator, req llm.Request) (string, error) {
	content, err := c.complete(ctx, orch, req)
	if err != nil {
		return "", err
	}
	return response.Text(content)
}

func (c *Client) complete(ctx context.Context, orch *retry.Orchestrator, req llm.Request) (string, error) {
	start := time.Now()
	var content string
	err := orch.Execute(ctx, func(ctx context.Context, _ int) error {
		out, err := c.completer.Complete(ctx, req)
		if err != nil {
			return err
		}
		content = out
		return nil
	})
	fields := []zap.Field{
		zap.String("kind", string(req.Kind)),
		zap.String("tier", string(req.Tier)),
		zap.Duration("elapsed", time.Since(start)),
	}
	if err != nil {
		c.logger.Warn("query failed", append(fields, zap.Error(err))...)
		return "", err
	}
	c.logger.Debug("query completed", fields...)
	return content, nil
}
