// ABOUTME: Configuration loading and parsing for wa-llm-gateway
// ABOUTME: Supports YAML files with environment variable expansion and defaults

package config

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Generation backend modes.
const (
	ModeHTTP       = "http"
	ModeSubprocess = "subprocess"
)

// Config represents the complete wa-llm-gateway configuration.
// It is immutable after Load; components receive it by injection and
// never mutate it.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	LLM      LLMConfig      `yaml:"llm"`
	Ask      AskConfig      `yaml:"ask"`
	Twilio   TwilioConfig   `yaml:"twilio"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// LLMConfig holds generation backend configuration.
type LLMConfig struct {
	// Mode selects the backend: "http" (prompt-schema API) or
	// "subprocess" (local llama.cpp runner).
	Mode   string `yaml:"mode"`
	APIURL string `yaml:"api_url"`

	// RunnerProfile is the TOML profile path for subprocess mode.
	RunnerProfile string `yaml:"runner_profile"`

	DefaultTimeoutMS int `yaml:"default_timeout_ms"`
	CeilingTimeoutMS int `yaml:"ceiling_timeout_ms"`
	MaxTokens        int `yaml:"max_tokens"`
}

// AskConfig holds retrieval backend configuration.
type AskConfig struct {
	BaseURL          string `yaml:"base_url"`
	LangHint         string `yaml:"lang_hint"`
	TopK             int    `yaml:"topk"`
	EvidenceK        int    `yaml:"evidence_k"`
	PercentCap       int    `yaml:"percent_cap"`
	ContextMaxTokens int    `yaml:"context_max_tokens"`
}

// TwilioConfig holds push notification provider configuration.
type TwilioConfig struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`
	From       string `yaml:"from"`

	// APIBase overrides the provider API root; tests point it at a fake.
	APIBase string `yaml:"api_base"`
}

// DatabaseConfig holds the answer-log database configuration.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds optional API authentication configuration.
// When JWTSecret is empty the API routes are open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed
// Config. Environment variables in the format ${VAR_NAME} are expanded and
// defaults are applied before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables become empty strings.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// applyDefaults fills unset fields with the server-side defaults.
func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "localhost:8090"
	}
	if c.LLM.Mode == "" {
		c.LLM.Mode = ModeHTTP
	}
	if c.LLM.APIURL == "" {
		c.LLM.APIURL = "http://127.0.0.1:8000/chat"
	}
	if c.LLM.DefaultTimeoutMS == 0 {
		c.LLM.DefaultTimeoutMS = 9000
	}
	if c.LLM.CeilingTimeoutMS == 0 {
		c.LLM.CeilingTimeoutMS = 30000
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 48
	}
	if c.Ask.BaseURL == "" {
		c.Ask.BaseURL = "http://127.0.0.1:9000"
	}
	if c.Ask.LangHint == "" {
		c.Ask.LangHint = "en"
	}
	if c.Ask.TopK == 0 {
		c.Ask.TopK = 8
	}
	if c.Ask.EvidenceK == 0 {
		c.Ask.EvidenceK = 4
	}
	if c.Ask.PercentCap == 0 {
		c.Ask.PercentCap = 35
	}
	if c.Ask.ContextMaxTokens == 0 {
		c.Ask.ContextMaxTokens = 96
	}
	if c.Twilio.APIBase == "" {
		c.Twilio.APIBase = "https://api.twilio.com"
	}
	if c.Database.Path == "" {
		c.Database.Path = "wa-gateway.db"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and
// consistent. Returns an error describing the first failure encountered.
func (c *Config) Validate() error {
	switch c.LLM.Mode {
	case ModeHTTP:
		if c.LLM.APIURL == "" {
			return fmt.Errorf("llm.api_url is required in http mode")
		}
	case ModeSubprocess:
		if c.LLM.RunnerProfile == "" {
			return fmt.Errorf("llm.runner_profile is required in subprocess mode")
		}
	default:
		return fmt.Errorf("llm.mode must be %q or %q, got %q", ModeHTTP, ModeSubprocess, c.LLM.Mode)
	}

	if c.LLM.DefaultTimeoutMS < 1000 {
		return fmt.Errorf("llm.default_timeout_ms must be at least 1000")
	}
	if c.LLM.CeilingTimeoutMS < c.LLM.DefaultTimeoutMS {
		return fmt.Errorf("llm.ceiling_timeout_ms must be >= llm.default_timeout_ms")
	}
	if c.LLM.MaxTokens < 1 {
		return fmt.Errorf("llm.max_tokens must be positive")
	}

	return nil
}
