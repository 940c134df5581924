package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/loykin/mender/internal/env"
	"github.com/loykin/mender/internal/llm"
	"github.com/loykin/mender/internal/logger"
	"github.com/loykin/mender/internal/orchestrator"
	"github.com/loykin/mender/internal/repair"
	"github.com/loykin/mender/internal/supervisor"
	mtls "github.com/loykin/mender/internal/tls"
)

// EnvPrefix namespaces environment overrides: MENDER_LLM_API_KEY sets llm.api_key.
const EnvPrefix = "MENDER"

// Config represents the top-level TOML structure.
type Config struct {
	// Env, EnvFiles and UseOSEnv build the environment of spawned commands.
	Env      []string `toml:"env" mapstructure:"env"`
	EnvFiles []string `toml:"env_files" mapstructure:"env_files"`
	UseOSEnv bool     `toml:"use_os_env" mapstructure:"use_os_env"`

	Server  ServerConfig  `toml:"server" mapstructure:"server"`
	Store   StoreConfig   `toml:"store" mapstructure:"store"`
	History HistoryConfig `toml:"history" mapstructure:"history"`
	LLM     LLMConfig     `toml:"llm" mapstructure:"llm"`
	Runner  RunnerConfig  `toml:"runner" mapstructure:"runner"`
	Log     LogConfig     `toml:"log" mapstructure:"log"`
	Metrics MetricsConfig `toml:"metrics" mapstructure:"metrics"`
}

type ServerConfig struct {
	Listen   string `toml:"listen" mapstructure:"listen"`
	BasePath string `toml:"base_path" mapstructure:"base_path"`
	// Engine is "gin" or "echo"; echo mounts the same gin handler.
	Engine string `toml:"engine" mapstructure:"engine"`

	TLS mtls.Config `toml:"tls" mapstructure:"tls"`
}

type StoreConfig struct {
	DSN string `toml:"dsn" mapstructure:"dsn"`
}

type HistoryConfig struct {
	Enabled bool `toml:"enabled" mapstructure:"enabled"`
	// DSNs lists extra sinks: sqlite paths, postgres:// or clickhouse:// URLs.
	DSNs []string `toml:"dsns" mapstructure:"dsns"`
}

type LLMConfig struct {
	APIKey            string        `toml:"api_key" mapstructure:"api_key"`
	BaseURL           string        `toml:"base_url" mapstructure:"base_url"`
	Model             string        `toml:"model" mapstructure:"model"`
	SystemPrompt      string        `toml:"system_prompt" mapstructure:"system_prompt"`
	Temperature       float32       `toml:"temperature" mapstructure:"temperature"`
	MaxTokens         int           `toml:"max_tokens" mapstructure:"max_tokens"`
	RequestsPerMinute int           `toml:"requests_per_minute" mapstructure:"requests_per_minute"`
	// Timeout is off (0) unless set.
	Timeout           time.Duration `toml:"timeout" mapstructure:"timeout"`
	// Attempts bounds how often one repair decision or patch is requested.
	Attempts int `toml:"attempts" mapstructure:"attempts"`
}

type RunnerConfig struct {
	// ProjectsRoot holds one directory per project, named by its slug.
	ProjectsRoot string `toml:"projects_root" mapstructure:"projects_root"`
	// Launcher is "pty", "pipe" or empty for the platform default.
	Launcher     string        `toml:"launcher" mapstructure:"launcher"`
	RetryBudget  int           `toml:"retry_budget" mapstructure:"retry_budget"`
	Attempts     int           `toml:"attempts" mapstructure:"attempts"`
	// RepairDelay pauses before each repair; negative disables it.
	RepairDelay  time.Duration `toml:"repair_delay" mapstructure:"repair_delay"`
	ChunkSize    int           `toml:"chunk_size" mapstructure:"chunk_size"`
	DrainTimeout time.Duration `toml:"drain_timeout" mapstructure:"drain_timeout"`
}

type LogConfig struct {
	Level      string `toml:"level" mapstructure:"level"`
	Format     string `toml:"format" mapstructure:"format"`
	Color      bool   `toml:"color" mapstructure:"color"`
	TimeStamps bool   `toml:"timestamps" mapstructure:"timestamps"`
	Source     bool   `toml:"source" mapstructure:"source"`
	File       string `toml:"file" mapstructure:"file"`
	// Tee keeps logging to stderr when File is set.
	Tee bool `toml:"tee" mapstructure:"tee"`
	// Dir enables per-project terminal logs.
	Dir        string `toml:"dir" mapstructure:"dir"`
	MaxSizeMB  int    `toml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress" mapstructure:"compress"`
}

type MetricsConfig struct {
	Enabled bool   `toml:"enabled" mapstructure:"enabled"`
	Listen  string `toml:"listen" mapstructure:"listen"`
	Path    string `toml:"path" mapstructure:"path"`
	// SampleInterval paces CPU/memory sampling of live commands; 0 disables it.
	SampleInterval time.Duration `toml:"sample_interval" mapstructure:"sample_interval"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", []string{})
	v.SetDefault("env_files", []string{})
	v.SetDefault("use_os_env", true)

	v.SetDefault("server.listen", ":3001")
	v.SetDefault("server.base_path", "/api")
	v.SetDefault("server.engine", "gin")
	v.SetDefault("server.tls.enabled", false)
	v.SetDefault("server.tls.auto_generate", false)

	v.SetDefault("store.dsn", "sqlite://mender.db")

	v.SetDefault("history.enabled", false)
	v.SetDefault("history.dsns", []string{})

	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", llm.DefaultModel)
	v.SetDefault("llm.system_prompt", llm.DefaultSystemPrompt)
	v.SetDefault("llm.temperature", 0)
	v.SetDefault("llm.max_tokens", 0)
	v.SetDefault("llm.requests_per_minute", 0)
	v.SetDefault("llm.timeout", "0s")
	v.SetDefault("llm.attempts", repair.DefaultAttempts)

	v.SetDefault("runner.projects_root", "projects")
	v.SetDefault("runner.launcher", "")
	v.SetDefault("runner.retry_budget", orchestrator.DefaultRetryBudget)
	v.SetDefault("runner.attempts", orchestrator.DefaultAttempts)
	v.SetDefault("runner.repair_delay", orchestrator.DefaultRepairDelay.String())
	v.SetDefault("runner.chunk_size", supervisor.DefaultChunkSize)
	v.SetDefault("runner.drain_timeout", supervisor.DefaultDrainTimeout.String())

	v.SetDefault("log.level", string(logger.LevelInfo))
	v.SetDefault("log.format", string(logger.FormatText))
	v.SetDefault("log.color", false)
	v.SetDefault("log.timestamps", true)
	v.SetDefault("log.source", false)
	v.SetDefault("log.file", "")
	v.SetDefault("log.tee", false)
	v.SetDefault("log.dir", "")
	v.SetDefault("log.max_size_mb", 10)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 7)
	v.SetDefault("log.compress", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.sample_interval", "5s")
}

// Load reads the TOML file at path over the defaults and applies MENDER_*
// environment overrides. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate rejects values the runtime cannot honor.
func (c *Config) Validate() error {
	switch c.Server.Engine {
	case "gin", "echo":
	default:
		return fmt.Errorf("server.engine must be gin or echo, got %q", c.Server.Engine)
	}
	switch c.Runner.Launcher {
	case "", "pty", "pipe":
	default:
		return fmt.Errorf("runner.launcher must be pty or pipe, got %q", c.Runner.Launcher)
	}
	switch logger.Format(c.Log.Format) {
	case logger.FormatText, logger.FormatJSON:
	default:
		return fmt.Errorf("log.format must be text or json, got %q", c.Log.Format)
	}
	if strings.TrimSpace(c.Store.DSN) == "" {
		return fmt.Errorf("store.dsn is required")
	}
	return nil
}

// Logging converts the log section to the logger package's configuration.
func (c LogConfig) Logging() logger.Config {
	return logger.Config{
		Slog: logger.SlogConfig{
			Level:      logger.ParseLevel(c.Level),
			Format:     logger.Format(c.Format),
			Color:      c.Color,
			TimeStamps: c.TimeStamps,
			Source:     c.Source,
			Path:       c.File,
			Tee:        c.Tee,
		},
		File: logger.FileConfig{
			Dir:        c.Dir,
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
			Compress:   c.Compress,
		},
	}
}

func (c LLMConfig) Client() llm.Config {
	return llm.Config{
		APIKey:            c.APIKey,
		BaseURL:           c.BaseURL,
		Model:             c.Model,
		SystemPrompt:      c.SystemPrompt,
		Temperature:       c.Temperature,
		MaxTokens:         c.MaxTokens,
		RequestsPerMinute: c.RequestsPerMinute,
		Timeout:           c.Timeout,
	}
}

// CommandEnv merges the environment for spawned commands.
// Precedence: OS env (when enabled) provides base; then env_files in order;
// then the top-level env list overrides last. ${VAR} references are expanded
// and the result is sorted.
func (c *Config) CommandEnv() ([]string, error) {
	e := env.New()
	if c.UseOSEnv {
		e.FromOS()
	}
	for _, p := range c.EnvFiles {
		pairs, err := LoadEnvFile(p)
		if err != nil {
			return nil, fmt.Errorf("env file %s: %w", p, err)
		}
		e.Apply(pairs)
	}
	return e.Apply(c.Env).Slice(), nil
}

// LoadEnvFile parses a simple .env file and returns a slice of "KEY=VALUE" entries.
func LoadEnvFile(path string) ([]string, error) {
	m, err := loadEnvFile(path)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// loadEnvFile parses a simple .env file with KEY=VALUE lines (no export, no quotes). Lines starting with # are ignored.
func loadEnvFile(path string) (map[string]string, error) {
	clean := filepath.Clean(path)
	b, err := os.ReadFile(clean)
	if err != nil {
		return nil, err
	}
	m := make(map[string]string)
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if i := strings.IndexByte(line, '='); i >= 0 {
			k := strings.TrimSpace(line[:i])
			v := strings.TrimSpace(line[i+1:])
			m[k] = v
		}
	}
	return m, nil
}
