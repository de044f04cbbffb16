package portfolio

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	DefaultMaxTokens  = 30
	NoteSummaryFailed = "summary_failed"
)

var DefaultMinUSD = decimal.RequireFromString("0.01")

// Summary is the bounded digest of a Snapshot embedded in prompts.
type Summary struct {
	TotalValueUSD decimal.Decimal `json:"total_value_usd"`
	Networks      []string        `json:"networks,omitempty"`
	TopTokens     []RankedToken   `json:"top_tokens,omitempty"`
	Note          string          `json:"note,omitempty"`
}

type RankedToken struct {
	Symbol   string          `json:"symbol"`
	Network  string          `json:"network"`
	USDValue decimal.Decimal `json:"usd_value"`
}

// Failed reports whether the summary is the fallback shape.
func (s Summary) Failed() bool { return s.Note == NoteSummaryFailed }

type Summarizer struct {
	MaxTokens int
	MinUSD    decimal.Decimal
	logger    *zap.Logger
	rank      func([]RankedToken)
}

func NewSummarizer(logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{
		MaxTokens: DefaultMaxTokens,
		MinUSD:    DefaultMinUSD,
		logger:    logger.Named("portfolio"),
		rank:      rankByValue,
	}
}

// rankByValue orders candidates by USD value, highest first. Ties keep input order.
func rankByValue(tokens []RankedToken) {
	sort.SliceStable(tokens, func(i, j int) bool {
		return tokens[i].USDValue.GreaterThan(tokens[j].USDValue)
	})
}

// Summarize never fails. When the digest cannot be built it returns the
// fallback summary carrying only the reported total.
func (s *Summarizer) Summarize(snapshot Snapshot) (summary Summary) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Warn("portfolio summary failed, using fallback",
				zap.String("panic", fmt.Sprint(r)),
				zap.Int("networks", len(snapshot.Networks)),
			)
			summary = Fallback(snapshot)
		}
	}()
	return s.build(snapshot)
}

func Fallback(snapshot Snapshot) Summary {
	return Summary{
		TotalValueUSD: snapshot.ReportedTotalUSD,
		Note:          NoteSummaryFailed,
	}
}

func (s *Summarizer) build(snapshot Snapshot) Summary {
	maxTokens := s.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	total := decimal.Zero
	candidates := make([]RankedToken, 0)
	networks := make([]string, 0, len(snapshot.Networks))
	seen := make(map[string]struct{}, len(snapshot.Networks))

	for _, holding := range snapshot.Networks {
		if _, ok := seen[holding.Network]; !ok {
			seen[holding.Network] = struct{}{}
			networks = append(networks, holding.Network)
		}
		for _, token := range holding.Tokens {
			total = total.Add(token.USDValue)
			if token.USDValue.GreaterThan(s.MinUSD) {
				candidates = append(candidates, RankedToken{
					Symbol:   token.Symbol,
					Network:  holding.Network,
					USDValue: token.USDValue,
				})
			}
		}
	}

	rank := s.rank
	if rank == nil {
		rank = rankByValue
	}
	rank(candidates)
	if len(candidates) > maxTokens {
		candidates = candidates[:maxTokens]
	}

	return Summary{
		TotalValueUSD: total,
		Networks:      networks,
		TopTokens:     candidates,
	}
}

// Total sums every token value in the snapshot.
func (s Snapshot) Total() decimal.Decimal {
	total := decimal.Zero
	for _, holding := range s.Networks {
		for _, token := range holding.Tokens {
			total = total.Add(token.USDValue)
		}
	}
	return total
}
