package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/nevindra/relay"
)

type Config struct {
	LLM        LLMConfig        `toml:"llm"`
	Run        RunConfig        `toml:"run"`
	Window     WindowConfig     `toml:"window"`
	Guardrails GuardrailsConfig `toml:"guardrails"`
	Store      StoreConfig      `toml:"store"`
	Observer   ObserverConfig   `toml:"observer"`
	Log        LogConfig        `toml:"log"`
}

type LLMConfig struct {
	Provider    string  `toml:"provider"`
	BaseURL     string  `toml:"base_url"`
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	MaxTokens   int     `toml:"max_tokens"`
	Temperature float64 `toml:"temperature"`
	// Timeout bounds a single model call, e.g. "60s". Empty disables it.
	Timeout     string `toml:"timeout"`
	MaxAttempts int    `toml:"max_attempts"`
	RPM         int    `toml:"rpm"`
	TPM         int    `toml:"tpm"`
}

type RunConfig struct {
	MaxTurns         int    `toml:"max_turns"`
	MaxTotalTurns    int    `toml:"max_total_turns"` // across handoffs, 0 = no cap
	ParallelTools    bool   `toml:"parallel_tools"`
	AbortOnToolError bool   `toml:"abort_on_tool_error"`
	HandoffScanner   string `toml:"handoff_scanner"` // literal | markdown
	TurnTimeout      string `toml:"turn_timeout"`
}

type WindowConfig struct {
	Strategy           string  `toml:"strategy"`
	Limit              int     `toml:"limit"`
	PreserveSystem     bool    `toml:"preserve_system"`
	PreserveRecent     int     `toml:"preserve_recent"`
	SummarizeThreshold float64 `toml:"summarize_threshold"`
}

type GuardrailsConfig struct {
	ContentSafety      bool `toml:"content_safety"`
	MaxInputLength     int  `toml:"max_input_length"`
	MaxOutputLength    int  `toml:"max_output_length"`
	RateLimitPerMinute int  `toml:"rate_limit_per_minute"`
	ValidateToolArgs   bool `toml:"validate_tool_args"`
}

type StoreConfig struct {
	Driver string `toml:"driver"` // sqlite | postgres | none
	DSN    string `toml:"dsn"`
}

type ObserverConfig struct {
	Enabled bool                       `toml:"enabled"`
	Service string                     `toml:"service"`
	Pricing map[string]ObserverPricing `toml:"pricing"`
}

type ObserverPricing struct {
	Input  float64 `toml:"input"`
	Output float64 `toml:"output"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	w := relay.DefaultWindowPolicy()
	return Config{
		LLM: LLMConfig{Provider: "openai", Model: "gpt-4o-mini", MaxAttempts: 3},
		Run: RunConfig{MaxTurns: relay.DefaultMaxTurns, HandoffScanner: "literal"},
		Window: WindowConfig{
			Strategy:           string(w.Strategy),
			Limit:              w.Limit,
			PreserveSystem:     w.PreserveSystem,
			PreserveRecent:     w.PreserveRecent,
			SummarizeThreshold: w.SummarizeThreshold,
		},
		Guardrails: GuardrailsConfig{ContentSafety: true, ValidateToolArgs: true},
		Store:      StoreConfig{Driver: "sqlite", DSN: "relay.db"},
		Observer:   ObserverConfig{Service: "relay"},
		Log:        LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> TOML file -> env vars (env wins).
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		path = "relay.toml"
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(&cfg)

	// Fallbacks
	if cfg.Observer.Service == "" {
		cfg.Observer.Service = "relay"
	}

	return cfg, cfg.Validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("RELAY_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("RELAY_LLM_BASE_URL"); v != "" {
		cfg.LLM.BaseURL = v
	}
	if v := os.Getenv("RELAY_LLM_API_KEY"); v != "" {
		cfg.LLM.APIKey = v
	}
	if v := os.Getenv("RELAY_LLM_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if n, ok := envInt("RELAY_RUN_MAX_TURNS"); ok {
		cfg.Run.MaxTurns = n
	}
	if n, ok := envInt("RELAY_RUN_MAX_TOTAL_TURNS"); ok {
		cfg.Run.MaxTotalTurns = n
	}
	if v := os.Getenv("RELAY_RUN_HANDOFF_SCANNER"); v != "" {
		cfg.Run.HandoffScanner = v
	}
	if v := os.Getenv("RELAY_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("RELAY_STORE_DSN"); v != "" {
		cfg.Store.DSN = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if b, ok := envBool("RELAY_OBSERVER_ENABLED"); ok {
		cfg.Observer.Enabled = b
	}
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	return n, err == nil
}

func envBool(key string) (bool, bool) {
	switch strings.ToLower(os.Getenv(key)) {
	case "1", "true", "yes":
		return true, true
	case "0", "false", "no":
		return false, true
	}
	return false, false
}

// Validate reports settings the runtime cannot use.
func (c Config) Validate() error {
	var errs []error
	if c.Run.MaxTurns <= 0 {
		errs = append(errs, fmt.Errorf("run.max_turns must be positive, got %d", c.Run.MaxTurns))
	}
	if c.Run.MaxTotalTurns < 0 {
		errs = append(errs, fmt.Errorf("run.max_total_turns must not be negative, got %d", c.Run.MaxTotalTurns))
	}
	switch c.Run.HandoffScanner {
	case "literal", "markdown":
	default:
		errs = append(errs, fmt.Errorf("run.handoff_scanner: unknown %q", c.Run.HandoffScanner))
	}
	switch c.Store.Driver {
	case "sqlite", "postgres", "none", "":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown %q", c.Store.Driver))
	}
	if _, err := parseDuration(c.LLM.Timeout); err != nil {
		errs = append(errs, fmt.Errorf("llm.timeout: %w", err))
	}
	if _, err := parseDuration(c.Run.TurnTimeout); err != nil {
		errs = append(errs, fmt.Errorf("run.turn_timeout: %w", err))
	}
	if err := c.WindowPolicy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// WindowPolicy converts the [window] section to the runtime type.
func (c Config) WindowPolicy() relay.WindowPolicy {
	return relay.WindowPolicy{
		Strategy:           relay.Strategy(c.Window.Strategy),
		Limit:              c.Window.Limit,
		PreserveSystem:     c.Window.PreserveSystem,
		PreserveRecent:     c.Window.PreserveRecent,
		SummarizeThreshold: c.Window.SummarizeThreshold,
	}
}

// LLMTimeout is the parsed llm.timeout, zero when unset.
func (c Config) LLMTimeout() time.Duration {
	d, _ := parseDuration(c.LLM.Timeout)
	return d
}

// TurnTimeout is the parsed run.turn_timeout, zero when unset.
func (c Config) TurnTimeout() time.Duration {
	d, _ := parseDuration(c.Run.TurnTimeout)
	return d
}

// LogLevel maps log.level to a slog level. Unknown values mean info.
func (c Config) LogLevel() slog.Level {
	switch strings.ToLower(c.Log.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
