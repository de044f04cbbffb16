package schema

import (
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Annotation keys read from cobra commands.
const (
	AnnotationKind  = "advisor/kind"
	AnnotationTier  = "advisor/tier"
	AnnotationRetry = "advisor/retry"
	AnnotationTTL   = "advisor/cache_ttl"
)

type CommandSchema struct {
	Path        string          `json:"path"`
	Short       string          `json:"short"`
	Args        string          `json:"args,omitempty"`
	Query       *QuerySchema    `json:"query,omitempty"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
}

// QuerySchema describes how a command talks to the completion service.
type QuerySchema struct {
	Kind     string `json:"kind"`
	Tier     string `json:"tier"`
	Retry    string `json:"retry"`
	CacheTTL string `json:"cache_ttl,omitempty"`
}

type FlagSchema struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Usage   string `json:"usage"`
	Default string `json:"default,omitempty"`
}

// Build describes root or the sub-command at commandPath.
func Build(root *cobra.Command, commandPath string) (CommandSchema, error) {
	cmd := root
	for _, part := range strings.Fields(commandPath) {
		idx := slices.IndexFunc(cmd.Commands(), func(c *cobra.Command) bool {
			return c.Name() == part || slices.Contains(c.Aliases, part)
		})
		if idx < 0 {
			return CommandSchema{}, fmt.Errorf("command not found: %s", commandPath)
		}
		cmd = cmd.Commands()[idx]
	}
	return describe(cmd), nil
}

func describe(cmd *cobra.Command) CommandSchema {
	s := CommandSchema{
		Path:  strings.TrimSpace(cmd.CommandPath()),
		Short: cmd.Short,
		Args:  strings.TrimSpace(strings.TrimPrefix(cmd.Use, cmd.Name())),
		Flags: localFlags(cmd.LocalNonPersistentFlags()),
	}
	if kind := cmd.Annotations[AnnotationKind]; kind != "" {
		s.Query = &QuerySchema{
			Kind:     kind,
			Tier:     cmd.Annotations[AnnotationTier],
			Retry:    cmd.Annotations[AnnotationRetry],
			CacheTTL: cmd.Annotations[AnnotationTTL],
		}
	}
	for _, sub := range cmd.Commands() {
		if sub.Hidden || sub.Name() == "help" || sub.Name() == "completion" {
			continue
		}
		s.Subcommands = append(s.Subcommands, describe(sub))
	}
	return s
}

func localFlags(fs *pflag.FlagSet) []FlagSchema {
	var items []FlagSchema
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Hidden || f.Name == "help" {
			return
		}
		items = append(items, FlagSchema{
			Name:    f.Name,
			Type:    f.Value.Type(),
			Usage:   f.Usage,
			Default: f.DefValue,
		})
	})
	return items
}
