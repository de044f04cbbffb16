package llm

import "context"

// Tier selects a model class. The transport maps tiers to concrete model names.
type Tier string

const (
	TierFast     Tier = "fast"
	TierBalanced Tier = "balanced"
	TierSmart    Tier = "smart"
)

// Models maps tiers to concrete model names.
type Models struct {
	Fast     string
	Balanced string
	Smart    string
}

// For returns the model for a tier. Unknown tiers use the balanced model.
func (m Models) For(tier Tier) string {
	switch tier {
	case TierFast:
		return m.Fast
	case TierSmart:
		return m.Smart
	default:
		return m.Balanced
	}
}

// Kind names the query that produced a request.
type Kind string

const (
	KindAsk     Kind = "ask"
	KindRisk    Kind = "risk"
	KindCompare Kind = "compare"
	KindExplain Kind = "explain"
	KindHealth  Kind = "health"
)

// Request is a fully built completion request. Builders return it by value
// and nothing mutates it afterwards.
type Request struct {
	Kind         Kind
	SystemPrompt string
	UserPrompt   string
	Tier         Tier
	Temperature  float32
	MaxTokens    int
	JSONResponse bool
}

// Completer sends one completion request and returns the raw message content.
// Implementations perform a single attempt; retries happen above them.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, req Request) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
