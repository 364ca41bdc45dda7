package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/pflag"
)

// Config holds all browseflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath            string        `json:"db_path"`
	LogLevel          string        `json:"log_level"`
	MaxConcurrentRuns int           `json:"max_concurrent_runs"`
	ElementTimeout    time.Duration `json:"-"`
	DefaultMaxSteps   int           `json:"default_max_steps"`
	FallbackMaxSteps  int           `json:"fallback_max_steps"`
	AllowFallback     bool          `json:"allow_fallback"`
	Headless          bool          `json:"headless"`
	ViewportWidth     int           `json:"viewport_width"`
	ViewportHeight    int           `json:"viewport_height"`
	BrowserBin        string        `json:"browser_bin"`
	Provider          string        `json:"provider"`
	Model             string        `json:"model"`

	// ElementTimeoutRaw is the settings.json form of ElementTimeout
	// ("10s", "1m").
	ElementTimeoutRaw string `json:"element_timeout"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(browseflowDir(), "browseflow.db"),
		LogLevel:          "info",
		MaxConcurrentRuns: 4,
		ElementTimeout:    10 * time.Second,
		DefaultMaxSteps:   25,
		FallbackMaxSteps:  10,
		AllowFallback:     true,
		Headless:          true,
		ViewportWidth:     1280,
		ViewportHeight:    800,
		Provider:          "claude",
	}
}

func browseflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".browseflow"
	}
	return filepath.Join(home, ".browseflow")
}

func settingsPath() string {
	return filepath.Join(browseflowDir(), "settings.json")
}

// loadConfig layers settings.json and BROWSEFLOW_* env vars over the
// defaults. Flags are applied afterwards by applyFlags.
func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}
	if d, err := time.ParseDuration(cfg.ElementTimeoutRaw); err == nil && d > 0 {
		cfg.ElementTimeout = d
	}

	// Layer 3: env vars override.
	if v := os.Getenv("BROWSEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("BROWSEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	envInt("BROWSEFLOW_MAX_CONCURRENT_RUNS", &cfg.MaxConcurrentRuns)
	envInt("BROWSEFLOW_DEFAULT_MAX_STEPS", &cfg.DefaultMaxSteps)
	envInt("BROWSEFLOW_FALLBACK_MAX_STEPS", &cfg.FallbackMaxSteps)
	envInt("BROWSEFLOW_VIEWPORT_WIDTH", &cfg.ViewportWidth)
	envInt("BROWSEFLOW_VIEWPORT_HEIGHT", &cfg.ViewportHeight)
	envBool("BROWSEFLOW_ALLOW_FALLBACK", &cfg.AllowFallback)
	envBool("BROWSEFLOW_HEADLESS", &cfg.Headless)
	if v := os.Getenv("BROWSEFLOW_ELEMENT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.ElementTimeout = d
		}
	}
	if v := os.Getenv("BROWSEFLOW_BROWSER_BIN"); v != "" {
		cfg.BrowserBin = v
	}
	if v := os.Getenv("BROWSEFLOW_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("BROWSEFLOW_MODEL"); v != "" {
		cfg.Model = v
	}

	return cfg
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

// registerFlags binds the config keys that can be set per invocation.
func registerFlags(fs *pflag.FlagSet) {
	fs.String("db", "", "Database path (default ~/.browseflow/browseflow.db)")
	fs.String("log-level", "", "Log level: debug, info, warn, error")
	fs.String("provider", "", "LLM provider: claude, openai")
	fs.String("model", "", "Model override")
	fs.Int("max-concurrent-runs", 0, "Tasks running at once")
	fs.Duration("element-timeout", 0, "Time to wait for an element to resolve")
	fs.Bool("headed", false, "Show the browser window")
}

// applyFlags overrides cfg with every flag the user set explicitly.
func applyFlags(cfg *Config, fs *pflag.FlagSet) {
	if fs.Changed("db") {
		cfg.DBPath, _ = fs.GetString("db")
	}
	if fs.Changed("log-level") {
		cfg.LogLevel, _ = fs.GetString("log-level")
	}
	if fs.Changed("provider") {
		cfg.Provider, _ = fs.GetString("provider")
	}
	if fs.Changed("model") {
		cfg.Model, _ = fs.GetString("model")
	}
	if fs.Changed("max-concurrent-runs") {
		cfg.MaxConcurrentRuns, _ = fs.GetInt("max-concurrent-runs")
	}
	if fs.Changed("element-timeout") {
		cfg.ElementTimeout, _ = fs.GetDuration("element-timeout")
	}
	if fs.Changed("headed") {
		headed, _ := fs.GetBool("headed")
		cfg.Headless = !headed
	}
}
