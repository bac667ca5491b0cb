// Package config handles Astarte configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from --config) is checked first.
// Then: ./config.yaml, ~/.config/astarte/config.yaml, /etc/astarte/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "astarte", "config.yaml"))
	}

	paths = append(paths, "/etc/astarte/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Astarte configuration.
type Config struct {
	Listen       ListenConfig     `yaml:"listen"`
	BotName      string           `yaml:"bot_name"`
	SystemPrompt string           `yaml:"system_prompt"`
	LLM          LLMConfig        `yaml:"llm"`
	Embeddings   EmbeddingsConfig `yaml:"embeddings"`
	Context      ContextConfig    `yaml:"context"`
	Sandbox      SandboxConfig    `yaml:"sandbox"`
	MCP          MCPConfig        `yaml:"mcp"`
	Tools        ToolsConfig      `yaml:"tools"`
	DataDir      string           `yaml:"data_dir"`
	LogLevel     string           `yaml:"log_level"`
	LogFormat    string           `yaml:"log_format"` // text (default) or json
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// LLMConfig describes the OpenAI-compatible chat completion backend.
type LLMConfig struct {
	BaseURL   string        `yaml:"base_url"` // e.g. https://openrouter.ai/api/v1
	APIKey    string        `yaml:"api_key"`
	Model     string        `yaml:"model"`
	MaxTokens int           `yaml:"max_tokens"`
	Timeout   time.Duration `yaml:"timeout"`

	// MaxToolRounds bounds the model → tools → model loop for one turn.
	MaxToolRounds int `yaml:"max_tool_rounds"`

	Retry RetryConfig `yaml:"retry"`

	// RequestsPerSecond throttles outbound completions across all
	// chats. Zero disables throttling.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// RetryConfig controls retry of transient backend failures.
type RetryConfig struct {
	Attempts  int           `yaml:"attempts"`
	BaseDelay time.Duration `yaml:"base_delay"`
	MaxDelay  time.Duration `yaml:"max_delay"`
}

// EmbeddingsConfig defines embedding generation settings. When disabled
// a local hashing embedder is used so recall still works offline.
type EmbeddingsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Model   string `yaml:"model"`   // Embedding model name (e.g., nomic-embed-text)
	BaseURL string `yaml:"baseurl"` // Ollama URL
}

// ContextConfig controls prompt assembly.
type ContextConfig struct {
	HistoryLimit      int `yaml:"history_limit"`
	RecallK           int `yaml:"recall_k"`
	ReplyPreviewChars int `yaml:"reply_preview_chars"`
}

// SandboxConfig defines isolated code execution.
type SandboxConfig struct {
	// Root is the parent directory for per-request workspaces.
	Root           string        `yaml:"root"`
	Bwrap          string        `yaml:"bwrap"`
	Python         string        `yaml:"python"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	MaxTimeout     time.Duration `yaml:"max_timeout"`
	MaxOutput      int           `yaml:"max_output"` // characters
}

// MCPConfig holds tool server settings.
type MCPConfig struct {
	// Cooldown is how long a server that failed to connect is skipped.
	Cooldown       time.Duration     `yaml:"cooldown"`
	ConnectTimeout time.Duration     `yaml:"connect_timeout"`
	Servers        []MCPServerConfig `yaml:"servers"`
}

// MCPServerConfig describes one tool server.
type MCPServerConfig struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	Transport   string            `yaml:"transport"` // stdio, http, tcp
	URL         string            `yaml:"url"`       // http URL or tcp host:port
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         []string          `yaml:"env"`
	Headers     map[string]string `yaml:"headers"`
	Disabled    bool              `yaml:"disabled"`
}

// ToolsConfig holds tool dispatch settings.
type ToolsConfig struct {
	// CallTimeout bounds a single tool invocation.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Load reads configuration from a YAML file, expands environment
// variables, fills defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.BotName == "" {
		c.BotName = "Astarte"
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "openai/gpt-4o-mini"
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 120 * time.Second
	}
	if c.LLM.MaxToolRounds == 0 {
		c.LLM.MaxToolRounds = 30
	}
	if c.LLM.Retry.Attempts == 0 {
		c.LLM.Retry.Attempts = 3
	}
	if c.LLM.Retry.BaseDelay == 0 {
		c.LLM.Retry.BaseDelay = 500 * time.Millisecond
	}
	if c.LLM.Retry.MaxDelay == 0 {
		c.LLM.Retry.MaxDelay = 10 * time.Second
	}
	if c.LLM.Burst == 0 {
		c.LLM.Burst = 1
	}
	if c.Embeddings.Model == "" {
		c.Embeddings.Model = "nomic-embed-text"
	}
	if c.Embeddings.BaseURL == "" {
		c.Embeddings.BaseURL = "http://localhost:11434"
	}
	if c.Context.HistoryLimit == 0 {
		c.Context.HistoryLimit = 50
	}
	if c.Context.RecallK == 0 {
		c.Context.RecallK = 5
	}
	if c.Context.ReplyPreviewChars == 0 {
		c.Context.ReplyPreviewChars = 80
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.Sandbox.Root == "" {
		c.Sandbox.Root = filepath.Join(c.DataDir, "sandbox")
	}
	if c.Sandbox.Bwrap == "" {
		c.Sandbox.Bwrap = "bwrap"
	}
	if c.Sandbox.Python == "" {
		c.Sandbox.Python = "python3"
	}
	if c.Sandbox.DefaultTimeout == 0 {
		c.Sandbox.DefaultTimeout = 30 * time.Second
	}
	if c.Sandbox.MaxTimeout == 0 {
		c.Sandbox.MaxTimeout = 120 * time.Second
	}
	if c.Sandbox.MaxOutput == 0 {
		c.Sandbox.MaxOutput = 15000
	}
	if c.MCP.Cooldown == 0 {
		c.MCP.Cooldown = 300 * time.Second
	}
	if c.MCP.ConnectTimeout == 0 {
		c.MCP.ConnectTimeout = 30 * time.Second
	}
	if c.Tools.CallTimeout == 0 {
		c.Tools.CallTimeout = 60 * time.Second
	}
	for i := range c.MCP.Servers {
		if c.MCP.Servers[i].Transport == "" {
			c.MCP.Servers[i].Transport = InferTransport(c.MCP.Servers[i].Command, c.MCP.Servers[i].URL)
		}
	}
}

// Validate reports configuration errors that would otherwise surface
// as confusing runtime failures.
func (c *Config) Validate() error {
	var errs []error

	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		errs = append(errs, fmt.Errorf("listen.port %d out of range", c.Listen.Port))
	}
	if c.LLM.MaxToolRounds < 1 {
		errs = append(errs, fmt.Errorf("llm.max_tool_rounds must be positive"))
	}
	if c.LLM.Retry.Attempts < 1 {
		errs = append(errs, fmt.Errorf("llm.retry.attempts must be at least 1"))
	}
	if c.LLM.Retry.MaxDelay < c.LLM.Retry.BaseDelay {
		errs = append(errs, fmt.Errorf("llm.retry.max_delay must not be below base_delay"))
	}
	if c.Context.HistoryLimit < 0 || c.Context.RecallK < 0 {
		errs = append(errs, fmt.Errorf("context limits must not be negative"))
	}
	if c.Sandbox.MaxTimeout < c.Sandbox.DefaultTimeout {
		errs = append(errs, fmt.Errorf("sandbox.max_timeout must not be below default_timeout"))
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for _, s := range c.MCP.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("mcp server with empty name"))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("duplicate mcp server %q", s.Name))
		}
		seen[s.Name] = true
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Validate checks that the server's transport has the fields it needs.
func (s MCPServerConfig) Validate() error {
	switch s.Transport {
	case "stdio":
		if s.Command == "" {
			return fmt.Errorf("mcp server %q: stdio transport requires command", s.Name)
		}
	case "http", "tcp":
		if s.URL == "" {
			return fmt.Errorf("mcp server %q: %s transport requires url", s.Name, s.Transport)
		}
	default:
		return fmt.Errorf("mcp server %q: unknown transport %q", s.Name, s.Transport)
	}
	return nil
}

// InferTransport picks a transport from whichever of command or url is
// set: a command means stdio, an http(s) URL means http, and anything
// else that looks like host:port means tcp.
func InferTransport(command, url string) string {
	switch {
	case command != "" && url == "":
		return "stdio"
	case strings.HasPrefix(url, "http://"), strings.HasPrefix(url, "https://"):
		return "http"
	case strings.HasPrefix(url, "tcp://"), strings.Contains(url, ":"):
		return "tcp"
	}
	return ""
}

// DBPath is the SQLite database file under DataDir.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "astarte.db")
}

// IndexPath is the semantic index directory under DataDir.
func (c *Config) IndexPath() string {
	return filepath.Join(c.DataDir, "recall")
}
