package app

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-advisor/internal/advisor"
	"github.com/ggonzalez94/defi-advisor/internal/cache"
	"github.com/ggonzalez94/defi-advisor/internal/config"
	clierr "github.com/ggonzalez94/defi-advisor/internal/errors"
	"github.com/ggonzalez94/defi-advisor/internal/llm"
	"github.com/ggonzalez94/defi-advisor/internal/logging"
	"github.com/ggonzalez94/defi-advisor/internal/model"
	"github.com/ggonzalez94/defi-advisor/internal/out"
	"github.com/ggonzalez94/defi-advisor/internal/policy"
	"github.com/ggonzalez94/defi-advisor/internal/retry"
	"github.com/ggonzalez94/defi-advisor/internal/schema"
	"github.com/ggonzalez94/defi-advisor/internal/version"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
)

const completionProvider = "openai"

type Runner struct {
	stdout    io.Writer
	stderr    io.Writer
	logOutput io.Writer
	now       func() time.Time

	// completer replaces the OpenAI transport when set.
	completer llm.Completer
}

func NewRunner() *Runner {
	return NewRunnerWithWriters(os.Stdout, os.Stderr)
}

func NewRunnerWithWriters(stdout, stderr io.Writer) *Runner {
	return &Runner{
		stdout:    stdout,
		stderr:    stderr,
		logOutput: stderr,
		now:       time.Now,
	}
}

type runtimeState struct {
	runner        *Runner
	flags         config.GlobalFlags
	settings      config.Settings
	logger        *zap.Logger
	cache         *cache.Store
	advisor       *advisor.Client
	root          *cobra.Command
	lastCommand   string
	lastWarnings  []string
	lastProviders []model.ProviderStatus
}

func (r *Runner) Run(args []string) int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	state := &runtimeState{runner: r, logger: zap.NewNop()}
	root := state.newRootCommand()
	state.root = root
	state.resetCommandDiagnostics()
	root.SetArgs(args)
	root.SetOut(r.stdout)
	root.SetErr(r.stderr)
	root.SilenceUsage = true
	root.SilenceErrors = true

	err := root.ExecuteContext(ctx)
	err = normalizeRunError(err)
	defer state.close()
	if err == nil {
		return 0
	}

	state.renderError("", err, state.lastWarnings, state.lastProviders)
	return clierr.ExitCode(err)
}

func (s *runtimeState) close() {
	if s.cache != nil {
		_ = s.cache.Close()
	}
	_ = s.logger.Sync()
}

func (s *runtimeState) newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   version.CLIName,
		Short: "Agent-first DeFi portfolio advisor",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			settings, err := config.Load(s.flags)
			if err != nil {
				return clierr.Wrap(clierr.CodeConfig, "load configuration", err)
			}
			s.settings = settings
			s.logger = logging.New(settings.LogLevel, settings.LogFormat, s.runner.logOutput)

			path := trimRootPath(cmd.CommandPath())
			s.lastCommand = path
			kind := cmd.Annotations[schema.AnnotationKind]
			if kind != "" {
				if err := policy.CheckQueryAllowed(settings.EnableCommands, kind); err != nil {
					return err
				}
			}

			if settings.CacheEnabled && cmd.Annotations[schema.AnnotationTTL] != "" && s.cache == nil {
				cacheStore, err := cache.Open(settings.CachePath, settings.CacheLockPath, settings.MaxStale)
				if err != nil {
					return clierr.Wrap(clierr.CodeInternal, "open cache", err)
				}
				s.cache = cacheStore
			}
			return nil
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return clierr.Wrap(clierr.CodeUsage, "parse flags", err)
	})

	bindGlobalFlags(cmd.PersistentFlags(), &s.flags)

	cmd.AddCommand(s.newAskCommand())
	cmd.AddCommand(s.newRiskCommand())
	cmd.AddCommand(s.newCompareCommand())
	cmd.AddCommand(s.newExplainCommand())
	cmd.AddCommand(s.newHealthCommand())
	cmd.AddCommand(s.newSchemaCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindGlobalFlags(fs *pflag.FlagSet, flags *config.GlobalFlags) {
	fs.BoolVar(&flags.JSON, "json", false, "Output JSON (default)")
	fs.BoolVar(&flags.Plain, "plain", false, "Output plain text")
	fs.StringVar(&flags.Select, "select", "", "Select fields from data (comma-separated)")
	fs.BoolVar(&flags.ResultsOnly, "results-only", false, "Output only data payload")
	fs.StringVar(&flags.EnableCommands, "enable-commands", "", "Allowlist query kinds (comma-separated)")
	fs.StringVar(&flags.Timeout, "timeout", "", "Per-request timeout for the completion service")
	fs.IntVar(&flags.MaxAttempts, "max-attempts", 0, "Attempts per retried query")
	fs.StringVar(&flags.MaxStale, "max-stale", "", "Maximum stale fallback window after TTL expiry")
	fs.BoolVar(&flags.NoStale, "no-stale", false, "Reject stale cache entries")
	fs.BoolVar(&flags.NoCache, "no-cache", false, "Disable cache reads and writes")
	fs.StringVar(&flags.LogLevel, "log-level", "", "Log level for stderr diagnostics (debug, info, warn, error, off)")
	fs.StringVar(&flags.ConfigPath, "config", "", "Path to config file")
}

func newVersionCommand() *cobra.Command {
	var long bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			if long {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.Long())
				return
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), version.CLIVersion)
		},
	}
	cmd.Flags().BoolVar(&long, "long", false, "Print extended build metadata")
	return cmd
}

func (s *runtimeState) newSchemaCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "schema [command path]",
		Short: "Print machine-readable command schema",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := schema.Build(s.root, strings.Join(args, " "))
			if err != nil {
				return clierr.Wrap(clierr.CodeUsage, "build schema", err)
			}
			return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil, cacheMetaBypass(), nil)
		},
	}
}

// advisorClient builds the query client once per run.
func (s *runtimeState) advisorClient() (*advisor.Client, error) {
	if s.advisor != nil {
		return s.advisor, nil
	}
	opts := []advisor.Option{
		advisor.WithLogger(s.logger),
		advisor.WithOrchestrator(retry.New("completion service", s.retryPolicy(), retry.WithLogger(s.logger))),
	}
	if s.runner.completer != nil {
		opts = append(opts, advisor.WithCompleter(s.runner.completer))
	}
	client, err := advisor.New(advisor.Config{
		APIKey:  s.settings.OpenAIAPIKey,
		BaseURL: s.settings.OpenAIBaseURL,
		Timeout: s.settings.Timeout,
		Models:  s.settings.Models,
		Retry:   s.retryPolicy(),
	}, opts...)
	if err != nil {
		return nil, err
	}
	s.advisor = client
	return client, nil
}

func (s *runtimeState) retryPolicy() retry.Policy {
	return retry.Policy{
		MaxAttempts:        s.settings.MaxAttempts,
		BaseDelay:          s.settings.BaseDelay,
		TransportBaseDelay: s.settings.TransportBaseDelay,
	}
}

// commandBudget bounds a whole command: every attempt may use the full
// request timeout plus the worst-case backoff between attempts.
func (s *runtimeState) commandBudget() time.Duration {
	policy := s.retryPolicy()
	budget := time.Duration(max(policy.MaxAttempts, 1)) * s.settings.Timeout
	for attempt := 1; attempt < policy.MaxAttempts; attempt++ {
		budget += policy.Delay(retry.ClassTransport, attempt)
	}
	return budget
}

type fetchFn func(ctx context.Context) (data any, statuses []model.ProviderStatus, warnings []string, err error)

type decodeFn func(payload []byte) (any, error)

func decodeAs[T any](payload []byte) (any, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func (s *runtimeState) runCachedCommand(ctx context.Context, commandPath, key, kind string, ttl time.Duration, decode decodeFn, fetch fetchFn) error {
	s.resetCommandDiagnostics()
	cacheStatus := cacheMetaMiss()
	warnings := []string{}
	var staleData any
	staleAvailable := false
	staleObservedAge := time.Duration(0)
	staleObservedAt := time.Time{}
	staleCacheStatus := cacheMetaMiss()

	if s.settings.CacheEnabled && s.cache != nil {
		cached, err := s.cache.Get(ctx, key, s.settings.MaxStale)
		if err != nil {
			s.logger.Warn("cache read failed", zap.String("command", commandPath), zap.Error(err))
		}
		if err == nil && cached.Hit {
			entryStatus := model.CacheStatus{Status: "hit", AgeMS: cached.Age.Milliseconds(), Stale: cached.Stale}
			data, decodeErr := decode(cached.Value)
			switch {
			case decodeErr != nil:
				s.logger.Warn("discarding undecodable cache entry", zap.String("command", commandPath), zap.Error(decodeErr))
			case !cached.Stale:
				s.captureCommandDiagnostics(warnings, nil)
				return s.emitSuccess(commandPath, data, warnings, entryStatus, nil)
			default:
				staleData = data
				staleAvailable = true
				staleObservedAge = cached.Age
				staleObservedAt = time.Now()
				staleCacheStatus = entryStatus
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, s.commandBudget())
	defer cancel()
	data, statuses, providerWarnings, err := fetch(ctx)
	warnings = append(warnings, providerWarnings...)
	s.captureCommandDiagnostics(warnings, statuses)
	if err != nil {
		if staleAvailable {
			if !staleFallbackAllowed(err) {
				return err
			}
			currentStaleAge := staleObservedAge
			if !staleObservedAt.IsZero() {
				currentStaleAge += time.Since(staleObservedAt)
			}
			staleCacheStatus.AgeMS = currentStaleAge.Milliseconds()
			if s.settings.NoStale {
				return clierr.Wrap(clierr.CodeStale, "fresh query failed and stale fallback is disabled (--no-stale)", err)
			}
			if staleExceedsBudget(currentStaleAge, ttl, s.settings.MaxStale) {
				return clierr.Wrap(clierr.CodeStale, "fresh query failed and cached answer exceeded stale budget", err)
			}
			s.logger.Warn("serving stale answer", zap.String("command", commandPath), zap.Error(err))
			warnings = append(warnings, "completion service failed; serving stale answer within max-stale budget")
			s.captureCommandDiagnostics(warnings, statuses)
			return s.emitSuccess(commandPath, staleData, warnings, staleCacheStatus, statuses)
		}
		return err
	}

	if s.settings.CacheEnabled && s.cache != nil {
		if payload, err := json.Marshal(data); err == nil {
			if err := s.cache.Set(ctx, key, kind, payload, ttl); err != nil {
				s.logger.Warn("cache write failed", zap.String("command", commandPath), zap.Error(err))
			} else {
				cacheStatus = model.CacheStatus{Status: "write"}
			}
		}
	}

	s.captureCommandDiagnostics(warnings, statuses)
	return s.emitSuccess(commandPath, data, warnings, cacheStatus, statuses)
}

func (s *runtimeState) emitSuccess(commandPath string, data any, warnings []string, cacheStatus model.CacheStatus, providers []model.ProviderStatus) error {
	env := model.Envelope{
		Version:  model.EnvelopeVersion,
		Success:  true,
		Data:     data,
		Error:    nil,
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheStatus,
		},
	}
	return out.Render(s.runner.stdout, env, s.settings)
}

// renderError writes the error envelope to stderr. Only the user-facing
// message is rendered; the cause chain goes to the log.
func (s *runtimeState) renderError(commandPath string, err error, warnings []string, providers []model.ProviderStatus) {
	if strings.TrimSpace(commandPath) == "" {
		commandPath = s.lastCommand
		if commandPath == "" {
			commandPath = version.CLIName
		}
	}
	code := clierr.ExitCode(err)
	typ := clierr.CodeInternal.String()
	message := err.Error()
	if cErr, ok := clierr.As(err); ok {
		message = cErr.Message
		typ = cErr.Code.String()
	}
	s.logger.Error("command failed",
		zap.String("command", commandPath),
		zap.String("type", typ),
		zap.Error(err),
	)

	settings := s.settings
	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	settings.ResultsOnly = false
	settings.SelectFields = nil
	env := model.Envelope{
		Version: model.EnvelopeVersion,
		Success: false,
		Data:    []any{},
		Error: &model.ErrorBody{
			Code:    code,
			Type:    typ,
			Message: message,
		},
		Warnings: warnings,
		Meta: model.EnvelopeMeta{
			RequestID: uuid.NewString(),
			Timestamp: s.runner.now().UTC(),
			Command:   commandPath,
			Providers: providers,
			Cache:     cacheMetaBypass(),
		},
	}
	_ = out.Render(s.runner.stderr, env, settings)
}

func cacheKey(commandPath string, req any) string {
	buf, _ := json.Marshal(req)
	sum := sha256.Sum256(append([]byte(commandPath+"|"), buf...))
	return hex.EncodeToString(sum[:])
}

func trimRootPath(path string) string {
	parts := strings.Fields(path)
	if len(parts) <= 1 {
		return path
	}
	return strings.Join(parts[1:], " ")
}

func statusFromErr(err error) string {
	if err == nil {
		return "ok"
	}
	if cErr, ok := clierr.As(err); ok {
		switch cErr.Code {
		case clierr.CodeAuth, clierr.CodeRateLimited, clierr.CodeUnavailable, clierr.CodeExhausted, clierr.CodeParse:
			return cErr.Code.String()
		}
	}
	return "error"
}

func providerStatus(name string, start time.Time, err error) model.ProviderStatus {
	return model.ProviderStatus{Name: name, Status: statusFromErr(err), LatencyMS: time.Since(start).Milliseconds()}
}

func cacheMetaBypass() model.CacheStatus {
	return model.CacheStatus{Status: "bypass"}
}

func cacheMetaMiss() model.CacheStatus {
	return model.CacheStatus{Status: "miss"}
}

func normalizeRunError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := clierr.As(err); ok {
		return err
	}
	if isLikelyUsageError(err) {
		return clierr.Wrap(clierr.CodeUsage, "invalid command input: "+err.Error(), err)
	}
	return clierr.Wrap(clierr.CodeInternal, "execute command", err)
}

func isLikelyUsageError(err error) bool {
	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	patterns := []string{
		"unknown command",
		"unknown flag",
		"required flag(s)",
		"flag needs an argument",
		"requires at least",
		"requires exactly",
		"accepts ",
		"invalid argument",
		"invalid args",
	}
	for _, p := range patterns {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func staleExceedsBudget(age, ttl, maxStale time.Duration) bool {
	if age <= ttl {
		return false
	}
	if maxStale < 0 {
		return false
	}
	return age > ttl+maxStale
}

func staleFallbackAllowed(err error) bool {
	cErr, ok := clierr.As(err)
	if !ok {
		return false
	}
	switch cErr.Code {
	case clierr.CodeExhausted, clierr.CodeUnavailable, clierr.CodeRateLimited:
		return true
	default:
		return false
	}
}

func (s *runtimeState) resetCommandDiagnostics() {
	s.lastWarnings = nil
	s.lastProviders = nil
}

func (s *runtimeState) captureCommandDiagnostics(warnings []string, providers []model.ProviderStatus) {
	if len(warnings) == 0 {
		s.lastWarnings = nil
	} else {
		s.lastWarnings = append([]string(nil), warnings...)
	}
	if len(providers) == 0 {
		s.lastProviders = nil
	} else {
		s.lastProviders = append([]model.ProviderStatus(nil), providers...)
	}
}
