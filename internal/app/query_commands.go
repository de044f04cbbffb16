package app

import (
	"context"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/httpx"
	"github.com/ggonzalez94/defi-advisor/internal/llm"
	"github.com/ggonzalez94/defi-advisor/internal/model"
	"github.com/ggonzalez94/defi-advisor/internal/portfolio"
	"github.com/ggonzalez94/defi-advisor/internal/retry"
	"github.com/ggonzalez94/defi-advisor/internal/schema"
	"github.com/ggonzalez94/defi-advisor/internal/source"
	"github.com/spf13/cobra"
)

const (
	portfolioProvider = "portfolio-api"
	yieldsProvider    = "defillama"
)

const (
	askTTL     = 5 * time.Minute
	riskTTL    = 10 * time.Minute
	compareTTL = 10 * time.Minute
	explainTTL = 24 * time.Hour
)

func queryAnnotations(kind llm.Kind, tier llm.Tier, retried bool, ttl time.Duration) map[string]string {
	mode := "single"
	if retried {
		mode = "retried"
	}
	return map[string]string{
		schema.AnnotationKind:  string(kind),
		schema.AnnotationTier:  string(tier),
		schema.AnnotationRetry: mode,
		schema.AnnotationTTL:   ttl.String(),
	}
}

// portfolioInput binds the flags that choose where holdings come from.
type portfolioInput struct {
	path       string
	wallets    []string
	allWallets bool
	apiURL     string
}

func (p *portfolioInput) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&p.path, "portfolio", "", "Portfolio snapshot file (JSON or YAML)")
	cmd.Flags().StringSliceVar(&p.wallets, "wallet", nil, "Wallet address to load from the portfolio API (repeatable)")
	cmd.Flags().BoolVar(&p.allWallets, "all-wallets", false, "Load every wallet tracked by the portfolio API")
	cmd.Flags().StringVar(&p.apiURL, "portfolio-api", "", "Portfolio API base URL (overrides config)")
}

func (p *portfolioInput) remote() bool {
	return len(p.wallets) > 0 || p.allWallets
}

// load resolves the snapshot. Without any input it returns an empty snapshot
// unless required is set.
func (p *portfolioInput) load(ctx context.Context, s *runtimeState, required bool) (portfolio.Snapshot, []model.ProviderStatus, error) {
	switch {
	case p.path != "" && p.remote():
		return portfolio.Snapshot{}, nil, clierr.New(clierr.CodeUsage, "use either --portfolio or --wallet/--all-wallets, not both")
	case p.path != "":
		snapshot, err := source.LoadSnapshotFile(p.path)
		return snapshot, nil, err
	case p.remote():
		baseURL := s.settings.PortfolioAPIURL
		if strings.TrimSpace(p.apiURL) != "" {
			baseURL = p.apiURL
		}
		remote := source.NewRemote(baseURL, s.portfolioHTTP())
		start := time.Now()
		snapshot, err := remote.FetchWallets(ctx, p.wallets)
		status := []model.ProviderStatus{providerStatus(portfolioProvider, start, err)}
		return snapshot, status, err
	case required:
		return portfolio.Snapshot{}, nil, clierr.New(clierr.CodeUsage, "--portfolio, --wallet, or --all-wallets is required")
	default:
		return portfolio.Snapshot{}, nil, nil
	}
}

// portfolioHTTP is the retrying JSON client shared by the data sources.
func (s *runtimeState) portfolioHTTP() *httpx.Client {
	orch := retry.New("portfolio provider", s.retryPolicy(), retry.WithLogger(s.logger))
	return httpx.New(s.settings.Timeout, orch)
}

func (s *runtimeState) newAskCommand() *cobra.Command {
	var input portfolioInput
	cmd := &cobra.Command{
		Use:         "ask <question>",
		Short:       "Ask a free-form question about a portfolio",
		Args:        cobra.MinimumNArgs(1),
		Annotations: queryAnnotations(llm.KindAsk, llm.TierBalanced, true, askTTL),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			question := strings.TrimSpace(strings.Join(args, " "))
			if question == "" {
				return clierr.New(clierr.CodeUsage, "question is required")
			}
			snapshot, statuses, err := input.load(cmd.Context(), s, true)
			s.captureCommandDiagnostics(nil, statuses)
			if err != nil {
				return err
			}
			client, err := s.advisorClient()
			if err != nil {
				return err
			}

			key := cacheKey(path, map[string]any{"question": question, "snapshot": snapshot, "model": s.settings.Models.Balanced})
			return s.runCachedCommand(cmd.Context(), path, key, string(llm.KindAsk), askTTL, decodeAs[model.Answer], func(ctx context.Context) (any, []model.ProviderStatus, []string, error) {
				start := time.Now()
				answer, err := client.Ask(ctx, question, snapshot)
				statuses := append(statuses, providerStatus(completionProvider, start, err))
				return answer, statuses, answerWarnings(answer), err
			})
		},
	}
	input.bind(cmd)
	return cmd
}

func (s *runtimeState) newRiskCommand() *cobra.Command {
	var input portfolioInput
	var strategiesPath string
	cmd := &cobra.Command{
		Use:         "risk",
		Aliases:     []string{"analyze-risk"},
		Short:       "Score portfolio risk and flag risky assets",
		Args:        cobra.NoArgs,
		Annotations: queryAnnotations(llm.KindRisk, llm.TierSmart, false, riskTTL),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			snapshot, statuses, err := input.load(cmd.Context(), s, true)
			s.captureCommandDiagnostics(nil, statuses)
			if err != nil {
				return err
			}
			var strategies []portfolio.Strategy
			if strategiesPath != "" {
				if strategies, err = source.LoadStrategiesFile(strategiesPath); err != nil {
					return err
				}
			}
			client, err := s.advisorClient()
			if err != nil {
				return err
			}

			key := cacheKey(path, map[string]any{"snapshot": snapshot, "strategies": strategies, "model": s.settings.Models.Smart})
			return s.runCachedCommand(cmd.Context(), path, key, string(llm.KindRisk), riskTTL, decodeAs[model.RiskAnalysis], func(ctx context.Context) (any, []model.ProviderStatus, []string, error) {
				start := time.Now()
				analysis, err := client.AnalyzeRisk(ctx, snapshot, strategies)
				statuses := append(statuses, providerStatus(completionProvider, start, err))
				return analysis, statuses, nil, err
			})
		},
	}
	input.bind(cmd)
	cmd.Flags().StringVar(&strategiesPath, "strategies", "", "Candidate strategies file (JSON or YAML)")
	return cmd
}

func (s *runtimeState) newCompareCommand() *cobra.Command {
	var input portfolioInput
	var yields yieldInput
	var strategiesPath string
	var preference string
	cmd := &cobra.Command{
		Use:         "compare",
		Aliases:     []string{"compare-strategies"},
		Short:       "Compare yield strategies for a portfolio",
		Args:        cobra.NoArgs,
		Annotations: queryAnnotations(llm.KindCompare, llm.TierBalanced, false, compareTTL),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			if strategiesPath == "" && !yields.enabled() {
				return clierr.New(clierr.CodeUsage, "--strategies or --yield-asset is required")
			}
			var strategies []portfolio.Strategy
			var statuses []model.ProviderStatus
			if strategiesPath != "" {
				loaded, err := source.LoadStrategiesFile(strategiesPath)
				if err != nil {
					return err
				}
				strategies = append(strategies, loaded...)
			}
			if yields.enabled() {
				start := time.Now()
				found, err := yields.load(cmd.Context(), s)
				statuses = append(statuses, providerStatus(yieldsProvider, start, err))
				if err != nil {
					s.captureCommandDiagnostics(nil, statuses)
					return err
				}
				strategies = append(strategies, found...)
			}
			snapshot, portfolioStatuses, err := input.load(cmd.Context(), s, false)
			statuses = append(statuses, portfolioStatuses...)
			s.captureCommandDiagnostics(nil, statuses)
			if err != nil {
				return err
			}
			client, err := s.advisorClient()
			if err != nil {
				return err
			}

			req := map[string]any{
				"strategies": strategies,
				"total_usd":  snapshot.Total().StringFixed(2),
				"preference": strings.TrimSpace(preference),
				"model":      s.settings.Models.Balanced,
			}
			key := cacheKey(path, req)
			return s.runCachedCommand(cmd.Context(), path, key, string(llm.KindCompare), compareTTL, decodeAs[model.Answer], func(ctx context.Context) (any, []model.ProviderStatus, []string, error) {
				start := time.Now()
				answer, err := client.CompareStrategies(ctx, strategies, snapshot, preference)
				statuses := append(statuses, providerStatus(completionProvider, start, err))
				return answer, statuses, nil, err
			})
		},
	}
	input.bind(cmd)
	yields.bind(cmd)
	cmd.Flags().StringVar(&strategiesPath, "strategies", "", "Strategies file to compare (JSON or YAML)")
	cmd.Flags().StringVar(&preference, "preference", "", "Investor preference, e.g. \"low risk, stablecoins only\"")
	return cmd
}

// yieldInput binds the flags that pull candidate strategies from the yields API.
type yieldInput struct {
	asset   string
	network string
	maxRisk string
	minTVL  float64
	limit   int
}

func (y *yieldInput) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&y.asset, "yield-asset", "", "Add top yield pools for this asset symbol (e.g. USDC)")
	cmd.Flags().StringVar(&y.network, "yield-network", "", "Restrict yield pools to a network (e.g. Ethereum)")
	cmd.Flags().StringVar(&y.maxRisk, "yield-max-risk", "high", "Maximum pool risk level (low, medium, high, unknown)")
	cmd.Flags().Float64Var(&y.minTVL, "yield-min-tvl", 1_000_000, "Minimum pool TVL in USD")
	cmd.Flags().IntVar(&y.limit, "yield-limit", 5, "Number of yield pools to add")
}

func (y *yieldInput) enabled() bool {
	return strings.TrimSpace(y.asset) != ""
}

func (y *yieldInput) load(ctx context.Context, s *runtimeState) ([]portfolio.Strategy, error) {
	return source.NewYields(s.settings.YieldsAPIURL, s.portfolioHTTP()).Strategies(ctx, source.YieldQuery{
		Asset:   y.asset,
		Network: y.network,
		MinTVL:  y.minTVL,
		MaxRisk: y.maxRisk,
		Limit:   y.limit,
	})
}

func (s *runtimeState) newExplainCommand() *cobra.Command {
	var background string
	cmd := &cobra.Command{
		Use:         "explain <concept>",
		Aliases:     []string{"explain-concept"},
		Short:       "Explain a DeFi concept in plain language",
		Args:        cobra.MinimumNArgs(1),
		Annotations: queryAnnotations(llm.KindExplain, llm.TierBalanced, true, explainTTL),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := trimRootPath(cmd.CommandPath())
			concept := strings.TrimSpace(strings.Join(args, " "))
			if concept == "" {
				return clierr.New(clierr.CodeUsage, "concept is required")
			}
			client, err := s.advisorClient()
			if err != nil {
				return err
			}

			req := map[string]any{
				"concept": concept,
				"context": strings.TrimSpace(background),
				"model":   s.settings.Models.Balanced,
			}
			key := cacheKey(path, req)
			return s.runCachedCommand(cmd.Context(), path, key, string(llm.KindExplain), explainTTL, decodeAs[model.Answer], func(ctx context.Context) (any, []model.ProviderStatus, []string, error) {
				start := time.Now()
				answer, err := client.ExplainConcept(ctx, concept, background)
				return answer, []model.ProviderStatus{providerStatus(completionProvider, start, err)}, nil, err
			})
		},
	}
	cmd.Flags().StringVar(&background, "context", "", "Background to tailor the explanation")
	return cmd
}

func answerWarnings(answer model.Answer) []string {
	if answer.Note == portfolio.NoteSummaryFailed {
		return []string{"portfolio summary failed; answer used the simplified fallback"}
	}
	return nil
}
