package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ggonzalez94/defi-advisor/internal/llm"
	"gopkg.in/yaml.v3"
)

const (
	DefaultFastModel     = "gpt-4o-mini"
	DefaultBalancedModel = "gpt-4o"
	DefaultSmartModel    = "gpt-4o"
	DefaultYieldsAPIURL  = "https://yields.llama.fi"
)

type GlobalFlags struct {
	ConfigPath     string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	MaxAttempts    int
	MaxStale       string
	NoStale        bool
	NoCache        bool
	LogLevel       string
}

type Settings struct {
	OutputMode         string
	SelectFields       []string
	ResultsOnly        bool
	EnableCommands     []string
	Timeout            time.Duration
	MaxAttempts        int
	BaseDelay          time.Duration
	TransportBaseDelay time.Duration
	MaxStale           time.Duration
	NoStale            bool
	CacheEnabled       bool
	CachePath          string
	CacheLockPath      string
	OpenAIAPIKey       string
	OpenAIBaseURL      string
	Models             llm.Models
	PortfolioAPIURL    string
	YieldsAPIURL       string
	LogLevel           string
	LogFormat          string
}

type fileConfig struct {
	Output      string `yaml:"output"`
	Timeout     string `yaml:"timeout"`
	MaxAttempts *int   `yaml:"max_attempts"`
	Retry       struct {
		BaseDelay          string `yaml:"base_delay"`
		TransportBaseDelay string `yaml:"transport_base_delay"`
	} `yaml:"retry"`
	Cache struct {
		Enabled  *bool  `yaml:"enabled"`
		MaxStale string `yaml:"max_stale"`
		Path     string `yaml:"path"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"cache"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	OpenAI struct {
		APIKey    string `yaml:"api_key"`
		APIKeyEnv string `yaml:"api_key_env"`
		BaseURL   string `yaml:"base_url"`
		Models    struct {
			Fast     string `yaml:"fast"`
			Balanced string `yaml:"balanced"`
			Smart    string `yaml:"smart"`
		} `yaml:"models"`
	} `yaml:"openai"`
	Portfolio struct {
		APIURL string `yaml:"api_url"`
	} `yaml:"portfolio"`
	Yields struct {
		APIURL string `yaml:"api_url"`
	} `yaml:"yields"`
}

func Load(flags GlobalFlags) (Settings, error) {
	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	applyEnv(&settings)

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.MaxAttempts < 1 {
		settings.MaxAttempts = 1
	}
	if settings.BaseDelay <= 0 {
		settings.BaseDelay = time.Second
	}
	if settings.TransportBaseDelay <= 0 {
		settings.TransportBaseDelay = 2 * time.Second
	}
	if settings.MaxStale < 0 {
		settings.MaxStale = 30 * time.Minute
	}

	return settings, nil
}

func defaultSettings() (Settings, error) {
	cachePath, lockPath, err := defaultCachePaths()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:         "json",
		Timeout:            30 * time.Second,
		MaxAttempts:        3,
		BaseDelay:          time.Second,
		TransportBaseDelay: 2 * time.Second,
		MaxStale:           30 * time.Minute,
		CacheEnabled:       true,
		CachePath:          cachePath,
		CacheLockPath:      lockPath,
		Models: llm.Models{
			Fast:     DefaultFastModel,
			Balanced: DefaultBalancedModel,
			Smart:    DefaultSmartModel,
		},
		YieldsAPIURL: DefaultYieldsAPIURL,
		LogLevel:     "warn",
		LogFormat:    "json",
	}, nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "advisor", "config.yaml"), nil
}

func defaultCachePaths() (string, string, error) {
	base := os.Getenv("XDG_CACHE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", "", err
		}
		base = filepath.Join(home, ".cache")
	}
	dir := filepath.Join(base, "advisor")
	return filepath.Join(dir, "cache.db"), filepath.Join(dir, "cache.lock"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.MaxAttempts != nil {
		settings.MaxAttempts = *cfg.MaxAttempts
	}
	if err := setDuration(cfg.Retry.BaseDelay, "retry.base_delay", &settings.BaseDelay); err != nil {
		return err
	}
	if err := setDuration(cfg.Retry.TransportBaseDelay, "retry.transport_base_delay", &settings.TransportBaseDelay); err != nil {
		return err
	}
	if cfg.Cache.Enabled != nil {
		settings.CacheEnabled = *cfg.Cache.Enabled
	}
	if err := setDuration(cfg.Cache.MaxStale, "cache.max_stale", &settings.MaxStale); err != nil {
		return err
	}
	if cfg.Cache.Path != "" {
		settings.CachePath = cfg.Cache.Path
	}
	if cfg.Cache.LockPath != "" {
		settings.CacheLockPath = cfg.Cache.LockPath
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = strings.ToLower(cfg.Log.Level)
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = strings.ToLower(cfg.Log.Format)
	}
	if cfg.OpenAI.APIKey != "" {
		settings.OpenAIAPIKey = cfg.OpenAI.APIKey
	}
	if cfg.OpenAI.APIKeyEnv != "" {
		settings.OpenAIAPIKey = os.Getenv(cfg.OpenAI.APIKeyEnv)
	}
	if cfg.OpenAI.BaseURL != "" {
		settings.OpenAIBaseURL = cfg.OpenAI.BaseURL
	}
	if cfg.OpenAI.Models.Fast != "" {
		settings.Models.Fast = cfg.OpenAI.Models.Fast
	}
	if cfg.OpenAI.Models.Balanced != "" {
		settings.Models.Balanced = cfg.OpenAI.Models.Balanced
	}
	if cfg.OpenAI.Models.Smart != "" {
		settings.Models.Smart = cfg.OpenAI.Models.Smart
	}
	if cfg.Portfolio.APIURL != "" {
		settings.PortfolioAPIURL = cfg.Portfolio.APIURL
	}
	if cfg.Yields.APIURL != "" {
		settings.YieldsAPIURL = cfg.Yields.APIURL
	}

	return nil
}

func setDuration(raw, key string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", key, err)
	}
	*dst = d
	return nil
}

func applyEnv(settings *Settings) {
	if v := os.Getenv("ADVISOR_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("ADVISOR_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("ADVISOR_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MaxAttempts = n
		}
	}
	if v := os.Getenv("ADVISOR_MAX_STALE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.MaxStale = d
		}
	}
	if v := os.Getenv("ADVISOR_NO_STALE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.NoStale = b
		}
	}
	if v := os.Getenv("ADVISOR_NO_CACHE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.CacheEnabled = !b
		}
	}
	if v := os.Getenv("ADVISOR_CACHE_PATH"); v != "" {
		settings.CachePath = v
	}
	if v := os.Getenv("ADVISOR_CACHE_LOCK_PATH"); v != "" {
		settings.CacheLockPath = v
	}
	if v := os.Getenv("ADVISOR_LOG_LEVEL"); v != "" {
		settings.LogLevel = strings.ToLower(v)
	}
	if v := os.Getenv("ADVISOR_LOG_FORMAT"); v != "" {
		settings.LogFormat = strings.ToLower(v)
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		settings.OpenAIAPIKey = v
	}
	if v := os.Getenv("ADVISOR_OPENAI_API_KEY"); v != "" {
		settings.OpenAIAPIKey = v
	}
	if v := os.Getenv("ADVISOR_OPENAI_BASE_URL"); v != "" {
		settings.OpenAIBaseURL = v
	}
	if v := os.Getenv("ADVISOR_PORTFOLIO_API_URL"); v != "" {
		settings.PortfolioAPIURL = v
	}
	if v := os.Getenv("ADVISOR_YIELDS_API_URL"); v != "" {
		settings.YieldsAPIURL = v
	}
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly

	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}

	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.MaxAttempts > 0 {
		settings.MaxAttempts = flags.MaxAttempts
	}
	if flags.MaxStale != "" {
		d, err := time.ParseDuration(flags.MaxStale)
		if err != nil {
			return fmt.Errorf("parse --max-stale: %w", err)
		}
		settings.MaxStale = d
	}
	if flags.NoStale {
		settings.NoStale = true
	}
	if flags.NoCache {
		settings.CacheEnabled = false
	}
	if flags.LogLevel != "" {
		settings.LogLevel = strings.ToLower(flags.LogLevel)
	}

	if settings.OutputMode != "json" && settings.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}

	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
