// Package config loads agent settings from a YAML file, a .env file and the
// environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mfateev/sandbox-agent/internal/llm"
	"github.com/mfateev/sandbox-agent/internal/mcpbridge"
)

// FileName is the config file looked up in the working directory when no
// path is given.
const FileName = "sandbox-agent.yaml"

// Config holds all settings.
type Config struct {
	Workspace WorkspaceConfig          `yaml:"workspace"`
	Agent     AgentConfig              `yaml:"agent"`
	Reasoner  ReasonerConfig           `yaml:"reasoner"`
	Command   CommandConfig            `yaml:"command"`
	Search    SearchConfig             `yaml:"search"`
	Email     EmailConfig              `yaml:"email"`
	Git       GitConfig                `yaml:"git"`
	MCP       []mcpbridge.ServerConfig `yaml:"mcp"`
	Runlog    RunlogConfig             `yaml:"runlog"`
	Log       LogConfig                `yaml:"log"`

	// keyFromEnv records that Reasoner.APIKey was filled by FillAPIKey.
	keyFromEnv bool
}

type WorkspaceConfig struct {
	Root string `yaml:"root"`
	// ProjectDocs loads AGENTS.md from the root into the instructions.
	ProjectDocs bool `yaml:"project_docs"`
}

type AgentConfig struct {
	MaxIterations int `yaml:"max_iterations"`
	// Approval gates mutating capabilities behind a terminal prompt.
	Approval bool `yaml:"approval"`
}

type ReasonerConfig struct {
	Provider       string  `yaml:"provider"`
	Model          string  `yaml:"model"`
	APIKey         string  `yaml:"api_key"`
	BaseURL        string  `yaml:"base_url"`
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	MaxAttempts    int     `yaml:"max_attempts"`
	InitialBackoff string  `yaml:"initial_backoff"`
}

type CommandConfig struct {
	Shell       string `yaml:"shell"`
	Timeout     string `yaml:"timeout"`
	OutputLimit int    `yaml:"output_limit"`
}

type SearchConfig struct {
	BraveAPIKey string `yaml:"brave_api_key"`
}

type EmailConfig struct {
	Enabled        bool     `yaml:"enabled"`
	Address        string   `yaml:"address"`
	Password       string   `yaml:"password"`
	Name           string   `yaml:"name"`
	SMTPHost       string   `yaml:"smtp_host"`
	SMTPPort       int      `yaml:"smtp_port"`
	IMAPHost       string   `yaml:"imap_host"`
	IMAPPort       int      `yaml:"imap_port"`
	IMAPInsecure   bool     `yaml:"imap_insecure"`
	Maildir        string   `yaml:"maildir"`
	RateLimit      int      `yaml:"rate_limit"`
	AllowedDomains []string `yaml:"allowed_domains"`
	Signature      string   `yaml:"signature"`
}

type GitConfig struct {
	Enabled              bool   `yaml:"enabled"`
	UserName             string `yaml:"user_name"`
	UserEmail            string `yaml:"user_email"`
	SSHKeyPath           string `yaml:"ssh_key_path"`
	AllowFreeformCommits bool   `yaml:"allow_freeform_commits"`
}

type RunlogConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Workspace: WorkspaceConfig{Root: "./sandbox", ProjectDocs: true},
		Agent:     AgentConfig{MaxIterations: 30},
		Reasoner: ReasonerConfig{
			Model:          "llama3.1",
			Temperature:    0.1,
			MaxTokens:      4096,
			MaxAttempts:    3,
			InitialBackoff: "10s",
		},
		Command: CommandConfig{Timeout: "30s", OutputLimit: 64 * 1024},
		Email: EmailConfig{
			Name:      "Sandbox Agent",
			SMTPHost:  "smtp.gmail.com",
			SMTPPort:  587,
			IMAPHost:  "imap.gmail.com",
			IMAPPort:  993,
			RateLimit: 10,
		},
		Runlog: RunlogConfig{Enabled: true},
		Log:    LogConfig{Level: "warn"},
	}
}

// Load reads path (optional), then envFile (optional), then the process
// environment. A missing file at the default location is not an error.
func Load(path, envFile string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = FileName
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	if envFile == "" {
		envFile = ".env"
	}
	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %q is not an integer", key, v))
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = strings.EqualFold(strings.TrimSpace(v), "true")
		}
	}

	str("SANDBOX_PATH", &c.Workspace.Root)
	str("LLM_PROVIDER", &c.Reasoner.Provider)
	str("AI_MODEL", &c.Reasoner.Model)
	if v, ok := lookup("OLLAMA_URL"); ok && v != "" {
		c.Reasoner.BaseURL = strings.TrimRight(v, "/") + "/v1"
	}
	c.FillAPIKey(lookup)

	str("BRAVE_BROWSER_API_KEY", &c.Search.BraveAPIKey)

	flag("EMAIL_ENABLED", &c.Email.Enabled)
	str("AI_EMAIL_ADDRESS", &c.Email.Address)
	str("AI_EMAIL_PASSWORD", &c.Email.Password)
	str("SMTP_SERVER", &c.Email.SMTPHost)
	num("SMTP_PORT", &c.Email.SMTPPort)
	str("IMAP_SERVER", &c.Email.IMAPHost)
	num("IMAP_PORT", &c.Email.IMAPPort)
	str("MAILDIR", &c.Email.Maildir)
	num("EMAIL_RATE_LIMIT", &c.Email.RateLimit)
	str("EMAIL_SIGNATURE", &c.Email.Signature)
	if v, ok := lookup("ALLOWED_EMAIL_DOMAINS"); ok && v != "" {
		c.Email.AllowedDomains = splitList(v)
	}

	flag("GIT_ENABLED", &c.Git.Enabled)
	str("GIT_USER_NAME", &c.Git.UserName)
	str("GIT_USER_EMAIL", &c.Git.UserEmail)
	str("GIT_SSH_KEY_PATH", &c.Git.SSHKeyPath)

	return errors.Join(errs...)
}

// FillAPIKey sets an empty reasoner.api_key from the variable matching the
// configured or detected provider. Call it again after changing the
// provider or model.
func (c *Config) FillAPIKey(lookup func(string) (string, bool)) {
	if c.Reasoner.APIKey != "" {
		return
	}
	var key string
	switch c.provider() {
	case "openai":
		key = "OPENAI_API_KEY"
	case "anthropic":
		key = "ANTHROPIC_API_KEY"
	case "gemini":
		key = "GEMINI_API_KEY"
	default:
		return
	}
	c.Reasoner.APIKey, _ = lookup(key)
	c.keyFromEnv = c.Reasoner.APIKey != ""
}

// SetReasoner overrides provider and model (empty values are kept) and
// re-reads the API key when the previous one came from the environment.
func (c *Config) SetReasoner(provider, model string, lookup func(string) (string, bool)) {
	if provider == "" && model == "" {
		return
	}
	if provider != "" {
		c.Reasoner.Provider = provider
	}
	if model != "" {
		c.Reasoner.Model = model
	}
	if c.keyFromEnv {
		c.Reasoner.APIKey = ""
		c.keyFromEnv = false
	}
	c.FillAPIKey(lookup)
}

func (c *Config) provider() string {
	if c.Reasoner.Provider != "" {
		return strings.ToLower(c.Reasoner.Provider)
	}
	return llm.DetectProvider(c.Reasoner.Model)
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Workspace.Root) == "" {
		errs = append(errs, errors.New("workspace.root must not be empty"))
	}
	if c.Agent.MaxIterations <= 0 {
		errs = append(errs, fmt.Errorf("agent.max_iterations must be positive, got %d", c.Agent.MaxIterations))
	}
	switch c.provider() {
	case "openai", "anthropic", "gemini", "ollama":
	default:
		errs = append(errs, fmt.Errorf("reasoner.provider %q is not one of openai, anthropic, gemini, ollama", c.Reasoner.Provider))
	}
	if c.Reasoner.Model == "" {
		errs = append(errs, errors.New("reasoner.model must be set"))
	}
	if c.Reasoner.Temperature < 0 || c.Reasoner.Temperature > 2 {
		errs = append(errs, fmt.Errorf("reasoner.temperature %.2f out of range [0, 2]", c.Reasoner.Temperature))
	}
	if _, err := parseDuration("reasoner.initial_backoff", c.Reasoner.InitialBackoff); err != nil {
		errs = append(errs, err)
	}
	if _, err := parseDuration("command.timeout", c.Command.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.Email.Enabled {
		if c.Email.Address == "" {
			errs = append(errs, errors.New("email.address is required when email is enabled"))
		}
		if c.Email.SMTPPort <= 0 || c.Email.SMTPPort > 65535 {
			errs = append(errs, fmt.Errorf("email.smtp_port %d out of range", c.Email.SMTPPort))
		}
		if c.Email.RateLimit <= 0 {
			errs = append(errs, fmt.Errorf("email.rate_limit must be positive, got %d", c.Email.RateLimit))
		}
	}
	seen := make(map[string]bool, len(c.MCP))
	for i, s := range c.MCP {
		if s.Name == "" || s.Command == "" {
			errs = append(errs, fmt.Errorf("mcp[%d]: name and command are required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp[%d]: duplicate server name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	return errors.Join(errs...)
}

// Provider is the configured provider, or the one implied by the model.
func (c *Config) Provider() string { return c.provider() }

// CommandTimeout is the parsed command.timeout.
func (c *Config) CommandTimeout() time.Duration {
	d, _ := parseDuration("command.timeout", c.Command.Timeout)
	return d
}

// InitialBackoff is the parsed reasoner.initial_backoff.
func (c *Config) InitialBackoff() time.Duration {
	d, _ := parseDuration("reasoner.initial_backoff", c.Reasoner.InitialBackoff)
	return d
}

// WorkspaceRoot is the absolute workspace root.
func (c *Config) WorkspaceRoot() (string, error) {
	root := c.Workspace.Root
	if strings.HasPrefix(root, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		root = filepath.Join(home, root[2:])
	}
	return filepath.Abs(root)
}

func parseDuration(field, v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", field)
	}
	return d, nil
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
