// Package config handles TutorBot configuration loading and validation.
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

// DefaultSearchPaths returns the config file search order used when no
// explicit path is given: ./config.yaml, ~/.config/tutorbot/config.yaml,
// /etc/tutorbot/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "tutorbot", "config.yaml"))
	}

	paths = append(paths, "/etc/tutorbot/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise the first existing entry of DefaultSearchPaths is returned.
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

// Config holds all TutorBot configuration.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	Env       string          `yaml:"env"`
	LogLevel  string          `yaml:"log_level"`
	LogFormat string          `yaml:"log_format"`
	DataDir   string          `yaml:"data_dir"`
	StaticDir string          `yaml:"static_dir"`
	Model     ModelConfig     `yaml:"model"`
	Retrieval RetrievalConfig `yaml:"retrieval"`
	Sessions  SessionsConfig  `yaml:"sessions"`
	Storage   StorageConfig   `yaml:"storage"`
	Access    AccessConfig    `yaml:"access"`
	Email     EmailConfig     `yaml:"email"`
	Loki      LokiConfig      `yaml:"loki"`
	Status    StatusConfig    `yaml:"status"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	CORS      CORSConfig      `yaml:"cors"`
}

// ListenConfig defines the HTTP server bind address.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// ModelConfig selects the LLM provider and the sampling parameters
// passed on every invocation.
type ModelConfig struct {
	// Provider is one of openai, anthropic or ollama.
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
	APIKey   string `yaml:"api_key"`
	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	MaxTokens  int `yaml:"max_tokens"`
	MaxRetries int `yaml:"max_retries"`
	// TimeoutSec bounds a single model invocation.
	TimeoutSec       int      `yaml:"timeout_sec"`
	Temperature      *float64 `yaml:"temperature"`
	TopP             *float64 `yaml:"top_p"`
	FrequencyPenalty *float64 `yaml:"frequency_penalty"`
	PresencePenalty  *float64 `yaml:"presence_penalty"`

	// PromptStrategy forces "standard" or "hardened" prompt assembly.
	// Empty picks by provider.
	PromptStrategy string `yaml:"prompt_strategy"`
}

// Timeout returns TimeoutSec as a duration.
func (m ModelConfig) Timeout() time.Duration {
	return time.Duration(m.TimeoutSec) * time.Second
}

// RetrievalConfig bounds the content-retrieval loop.
type RetrievalConfig struct {
	MaxIterations          int    `yaml:"max_iterations"`
	ContentSizeLimitTokens int    `yaml:"content_size_limit_tokens"`
	BytesPerToken          int    `yaml:"bytes_per_token"`
	MaxConversationTokens  int    `yaml:"max_conversation_tokens"`
	ResponseTag            string `yaml:"response_tag"`
	RequestTag             string `yaml:"request_tag"`
	ContentDir             string `yaml:"content_dir"`
}

// ContentBudgetBytes is the per-turn reference-content byte budget.
func (r RetrievalConfig) ContentBudgetBytes() int {
	return r.ContentSizeLimitTokens * r.BytesPerToken
}

// ConversationBudgetBytes is the visible-history byte budget that
// triggers pruning.
func (r RetrievalConfig) ConversationBudgetBytes() int {
	return r.MaxConversationTokens * r.BytesPerToken
}

// SessionsConfig controls session lifetime and per-session throttling.
type SessionsConfig struct {
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	RequestsPerMinute int           `yaml:"requests_per_minute"`
	CookieSecure      bool          `yaml:"cookie_secure"`
}

// StorageConfig selects where class material is read from.
type StorageConfig struct {
	// Backend is "local" (default) or "webdav".
	Backend string       `yaml:"backend"`
	Root    string       `yaml:"root"`
	WebDAV  WebDAVConfig `yaml:"webdav"`
}

// WebDAVConfig defines a remote content share.
type WebDAVConfig struct {
	URL      string `yaml:"url"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// AccessConfig gates chat requests behind pre-shared access keys.
type AccessConfig struct {
	Enabled  bool   `yaml:"enabled"`
	KeysFile string `yaml:"keys_file"`
	// Watch reloads KeysFile whenever it changes on disk.
	Watch bool `yaml:"watch"`
}

// EmailConfig enables emailing conversation exports through Mailgun or
// a plain SMTP relay.
type EmailConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Transport    string `yaml:"transport"` // mailgun (default) or smtp
	FromAddress  string `yaml:"from_address"`
	TemplateFile string `yaml:"template_file"`

	Mailgun MailgunConfig `yaml:"mailgun"`
	SMTP    SMTPConfig    `yaml:"smtp"`
}

// MailgunConfig is the Mailgun HTTP API endpoint, e.g.
// https://api.mailgun.net/v3/mg.example.edu.
type MailgunConfig struct {
	APIURL string `yaml:"api_url"`
	APIKey string `yaml:"api_key"`
}

// SMTPConfig is an outbound SMTP relay. StartTLS defaults to true
// unless the port is 465 (implicit TLS).
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	StartTLS bool   `yaml:"starttls"`
}

// LokiConfig ships logs to a Loki push endpoint. Empty URL disables it.
type LokiConfig struct {
	URL           string            `yaml:"url"`
	User          string            `yaml:"user"`
	Password      string            `yaml:"password"`
	OrgID         string            `yaml:"org_id"`
	Labels        map[string]string `yaml:"labels"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval time.Duration     `yaml:"flush_interval"`
}

// StatusConfig points at an Uptime Kuma status page.
type StatusConfig struct {
	Enabled       bool   `yaml:"enabled"`
	BaseURL       string `yaml:"base_url"`
	Slug          string `yaml:"slug"`
	StatusPageURL string `yaml:"status_page_url"`
	// Groups maps monitor group names to "essential" or "non-essential".
	Groups map[string]string `yaml:"groups"`
}

// MQTTConfig publishes completed-turn events to a broker.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	ClientID    string `yaml:"client_id"`
	TopicPrefix string `yaml:"topic_prefix"`

	// PublishIntervalSec is how often runtime stats are published.
	PublishIntervalSec int `yaml:"publish_interval_sec"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// Load reads path, expands ${VAR} references from the environment,
// decodes the YAML and fills defaults. Call Validate afterwards.
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
	cfg.applyDefaults()
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = 3000
	}
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.LogFormat == "" {
		c.LogFormat = "text"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.StaticDir == "" {
		c.StaticDir = "static"
	}

	m := &c.Model
	if m.Provider == "" {
		m.Provider = "openai"
	}
	m.Provider = strings.ToLower(m.Provider)
	if m.Name == "" {
		m.Name = "chatgpt-4o-latest"
	}
	if m.MaxTokens == 0 {
		m.MaxTokens = 10000
	}
	if m.MaxRetries == 0 {
		m.MaxRetries = 2
	}
	if m.TimeoutSec == 0 {
		m.TimeoutSec = 60
	}
	if m.Temperature == nil {
		t := 0.7
		m.Temperature = &t
	}

	r := &c.Retrieval
	if r.MaxIterations == 0 {
		r.MaxIterations = 4
	}
	if r.ContentSizeLimitTokens == 0 {
		r.ContentSizeLimitTokens = 30000
	}
	if r.BytesPerToken == 0 {
		r.BytesPerToken = 4
	}
	if r.MaxConversationTokens == 0 {
		r.MaxConversationTokens = 20000
	}
	if r.ResponseTag == "" {
		r.ResponseTag = "SSR_response"
	}
	if r.RequestTag == "" {
		r.RequestTag = "SSR_requesting_content"
	}
	if r.ContentDir == "" {
		r.ContentDir = "ssrcontent"
	}

	s := &c.Sessions
	if s.IdleTimeout == 0 {
		s.IdleTimeout = time.Hour
	}
	if s.SweepInterval == 0 {
		s.SweepInterval = time.Minute
	}
	if s.RequestsPerMinute == 0 {
		s.RequestsPerMinute = 30
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "local"
	}
	if c.Storage.Root == "" {
		c.Storage.Root = "."
	}
	if c.Access.KeysFile == "" {
		c.Access.KeysFile = "config/access_keys.txt"
	}
	if c.Email.TemplateFile == "" {
		c.Email.TemplateFile = filepath.Join(c.StaticDir, "conversation-email-template.html")
	}
	if c.Email.Transport == "" {
		c.Email.Transport = "mailgun"
	}
	if c.Email.SMTP.Host != "" {
		if c.Email.SMTP.Port == 0 {
			c.Email.SMTP.Port = 587
		}
		if !c.Email.SMTP.StartTLS && c.Email.SMTP.Port != 465 {
			c.Email.SMTP.StartTLS = true
		}
	}
	if c.Loki.BatchSize == 0 {
		c.Loki.BatchSize = 100
	}
	if c.Loki.FlushInterval == 0 {
		c.Loki.FlushInterval = 2 * time.Second
	}
	if c.MQTT.ClientID == "" {
		c.MQTT.ClientID = "tutorbot"
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = "tutorbot"
	}
	if c.MQTT.PublishIntervalSec <= 0 {
		c.MQTT.PublishIntervalSec = 60
	}
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = []string{"*"}
	}
}

// Validate checks the loaded configuration. A non-nil error is fatal at
// startup; warnings describe suspicious but legal settings.
func (c *Config) Validate() (warnings []string, err error) {
	var errs []error

	positive := []struct {
		name  string
		value int
	}{
		{"listen.port", c.Listen.Port},
		{"model.max_tokens", c.Model.MaxTokens},
		{"model.timeout_sec", c.Model.TimeoutSec},
		{"retrieval.max_iterations", c.Retrieval.MaxIterations},
		{"retrieval.content_size_limit_tokens", c.Retrieval.ContentSizeLimitTokens},
		{"retrieval.bytes_per_token", c.Retrieval.BytesPerToken},
		{"retrieval.max_conversation_tokens", c.Retrieval.MaxConversationTokens},
		{"sessions.requests_per_minute", c.Sessions.RequestsPerMinute},
	}
	for _, p := range positive {
		if p.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive (got %d)", p.name, p.value))
		}
	}
	if c.Model.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("model.max_retries must not be negative (got %d)", c.Model.MaxRetries))
	}
	if c.Sessions.IdleTimeout <= 0 || c.Sessions.SweepInterval <= 0 {
		errs = append(errs, errors.New("sessions.idle_timeout and sessions.sweep_interval must be positive"))
	}
	if c.Retrieval.ResponseTag == "" || c.Retrieval.RequestTag == "" {
		errs = append(errs, errors.New("retrieval.response_tag and retrieval.request_tag must be set"))
	}

	switch c.Model.Provider {
	case "openai", "anthropic":
		if c.Model.APIKey == "" {
			errs = append(errs, fmt.Errorf("model.api_key is required for provider %s", c.Model.Provider))
		}
	case "ollama":
	default:
		errs = append(errs, fmt.Errorf("unknown model.provider %q (valid: openai, anthropic, ollama)", c.Model.Provider))
	}
	switch c.Model.PromptStrategy {
	case "", "standard", "hardened":
	default:
		errs = append(errs, fmt.Errorf("unknown model.prompt_strategy %q", c.Model.PromptStrategy))
	}

	switch c.Storage.Backend {
	case "local":
	case "webdav":
		if c.Storage.WebDAV.URL == "" {
			errs = append(errs, errors.New("storage.webdav.url is required for the webdav backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.backend %q (valid: local, webdav)", c.Storage.Backend))
	}

	if c.Email.Enabled {
		if c.Email.FromAddress == "" {
			errs = append(errs, errors.New("email.from_address is required when email is enabled"))
		}
		switch c.Email.Transport {
		case "mailgun":
			if c.Email.Mailgun.APIURL == "" || c.Email.Mailgun.APIKey == "" {
				errs = append(errs, errors.New("email.mailgun.api_url and email.mailgun.api_key are required for the mailgun transport"))
			}
		case "smtp":
			if c.Email.SMTP.Host == "" {
				errs = append(errs, errors.New("email.smtp.host is required for the smtp transport"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown email.transport %q (valid: mailgun, smtp)", c.Email.Transport))
		}
	}
	if c.Status.Enabled && (c.Status.BaseURL == "" || c.Status.Slug == "") {
		errs = append(errs, errors.New("status.base_url and status.slug are required when status is enabled"))
	}
	for group, level := range c.Status.Groups {
		if level != "essential" && level != "non-essential" {
			errs = append(errs, fmt.Errorf("status.groups.%s must be essential or non-essential (got %q)", group, level))
		}
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker is required when mqtt is enabled"))
	}
	if _, lerr := ParseLogLevel(c.LogLevel); lerr != nil {
		errs = append(errs, lerr)
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json (got %q)", c.LogFormat))
	}

	if c.Retrieval.ContentSizeLimitTokens > c.Retrieval.MaxConversationTokens {
		warnings = append(warnings, fmt.Sprintf(
			"retrieval.content_size_limit_tokens (%d) exceeds retrieval.max_conversation_tokens (%d)",
			c.Retrieval.ContentSizeLimitTokens, c.Retrieval.MaxConversationTokens))
	}
	if c.Access.Enabled {
		if _, serr := os.Stat(c.Access.KeysFile); serr != nil {
			warnings = append(warnings, fmt.Sprintf("access.keys_file %s is not readable; every chat request will be rejected", c.Access.KeysFile))
		}
	}

	return warnings, errors.Join(errs...)
}
