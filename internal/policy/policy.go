package policy

import (
	"strings"

	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
)

var aliases = map[string]string{
	"risk-analysis":      "risk",
	"analyze-risk":       "risk",
	"compare-strategies": "compare",
	"explain-concept":    "explain",
	"question":           "ask",
}

// CheckQueryAllowed enforces the --enable-commands allowlist. An empty
// allowlist allows every query kind.
func CheckQueryAllowed(allowlist []string, kind string) error {
	if len(allowlist) == 0 {
		return nil
	}
	want := Normalize(kind)
	for _, allowed := range allowlist {
		if Normalize(allowed) == want {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "query "+want+" blocked by --enable-commands policy")
}

// Normalize lower-cases a kind and resolves long-form aliases.
func Normalize(kind string) string {
	v := strings.ToLower(strings.Join(strings.Fields(kind), "-"))
	if canonical, ok := aliases[v]; ok {
		return canonical
	}
	return v
}
