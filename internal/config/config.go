package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Queue      QueueConfig      `yaml:"queue"`
	Storage    StorageConfig    `yaml:"storage"`
	Renderfarm RenderfarmConfig `yaml:"renderfarm"`
	Storyboard StoryboardConfig `yaml:"storyboard"`
	Hosting    HostingConfig    `yaml:"hosting"`
	SMTP       SMTPConfig       `yaml:"smtp"`
	DKIM       DKIMConfig       `yaml:"dkim"`
	SMS        SMSConfig        `yaml:"sms"`
	Landing    LandingConfig    `yaml:"landing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig contains server-wide settings.
type ServerConfig struct {
	Hostname string `yaml:"hostname"`
	// BaseURL is the public root of the landing page site.
	BaseURL string `yaml:"base_url"`
	// MediaBaseURL is where the media root is served from; render providers
	// fetch source photos through it. Defaults to BaseURL + "/media".
	MediaBaseURL string `yaml:"media_base_url"`
}

// APIConfig contains HTTP intake API settings.
type APIConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	// APIKeys maps key names to bcrypt hashes of the key material.
	APIKeys map[string]string `yaml:"api_keys"`

	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// QueueConfig contains task runner settings.
type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
	TaskTimeout  time.Duration `yaml:"task_timeout"`

	// DoneMaxAge prunes completed tasks older than this (0 = keep forever).
	DoneMaxAge      time.Duration `yaml:"done_max_age"`
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// StorageConfig contains database and media settings.
type StorageConfig struct {
	// Path is the package database.
	Path string `yaml:"path"`
	// QueuePath is the task queue database.
	QueuePath string `yaml:"queue_path"`
	// MediaRoot holds uploaded photos, rendered videos and thumbnails.
	MediaRoot string `yaml:"media_root"`
	// TemplateDir holds the campaign email, SMS and video definition
	// templates.
	TemplateDir string `yaml:"template_dir"`

	// FaceCascadeFile is the binary face classifier used when centering
	// photo crops. Face detection is skipped when empty.
	FaceCascadeFile string `yaml:"face_cascade_file"`
}

// RenderfarmConfig contains the XML render service settings.
type RenderfarmConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Secret  string `yaml:"secret"`

	// FatalErrors are substrings of backend error payloads that mean the job
	// can never succeed and must not be retried.
	FatalErrors []string `yaml:"fatal_errors"`
}

// StoryboardConfig contains the JSON storyboard render service settings.
type StoryboardConfig struct {
	BaseURL   string `yaml:"base_url"`
	AccountID string `yaml:"account_id"`
	Token     string `yaml:"token"`
}

// HostingConfig contains the video hosting provider settings.
type HostingConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	User    string `yaml:"user"`
}

// SMTPConfig contains the outbound mail relay settings.
type SMTPConfig struct {
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// From is the default sender, also used for system notices. Company mail
	// goes out as <slug>@<from's domain>.
	From string `yaml:"from"`
	// BounceAddress receives asynchronous bounces.
	BounceAddress string `yaml:"bounce_address"`

	// DeliveryBcc receives an archive copy of every customer delivery.
	DeliveryBcc []string `yaml:"delivery_bcc"`
	// LeadBcc receives a copy of every CRM lead email.
	LeadBcc []string `yaml:"lead_bcc"`
}

// DKIMConfig contains DKIM signing settings.
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Domain   string `yaml:"domain"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
}

// SMSConfig contains the SMS provider settings.
type SMSConfig struct {
	Enabled bool   `yaml:"enabled"`
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	// FromNumbers is the sender pool; each message picks one at random.
	FromNumbers []string `yaml:"from_numbers"`

	// FirstCheckDelay is how long after sending the first status check runs;
	// RecheckDelay spaces the following checks, up to CheckBudget checks.
	FirstCheckDelay time.Duration `yaml:"first_check_delay"`
	RecheckDelay    time.Duration `yaml:"recheck_delay"`
	CheckBudget     int           `yaml:"check_budget"`
}

// LandingConfig contains landing page settings.
type LandingConfig struct {
	// WarmCache requests the landing page once after publishing so the first
	// customer click is fast.
	WarmCache bool `yaml:"warm_cache"`
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`
	// AllowedIPs restricts scrapes to these addresses; empty allows all.
	AllowedIPs []string `yaml:"allowed_ips"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// defaultFatalErrors are the backend failure modes that no amount of retrying
// fixes.
var defaultFatalErrors = []string{
	"InvalidXMLError",
	"InvalidContentError",
	"InvalidFontError",
	"InvalidImageError",
	"Need to download some file",
	"there is no task with this ID",
	"We should stop immediately",
	"CouldNotDownloadError",
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration.
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}

	if c.Server.MediaBaseURL == "" && c.Server.BaseURL != "" {
		c.Server.MediaBaseURL = strings.TrimRight(c.Server.BaseURL, "/") + "/media"
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Queue.Workers == 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = time.Second
	}
	if c.Queue.MaxRetries == 0 {
		c.Queue.MaxRetries = 5
	}
	if c.Queue.RetryDelay == 0 {
		c.Queue.RetryDelay = time.Minute
	}
	if c.Queue.TaskTimeout == 0 {
		c.Queue.TaskTimeout = 5 * time.Minute
	}
	if c.Queue.CleanupInterval == 0 {
		c.Queue.CleanupInterval = time.Hour
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/packline/packline.db"
	}
	if c.Storage.QueuePath == "" {
		c.Storage.QueuePath = "/var/lib/packline/queue.db"
	}
	if c.Storage.MediaRoot == "" {
		c.Storage.MediaRoot = "/var/lib/packline/media"
	}
	if c.Storage.TemplateDir == "" {
		c.Storage.TemplateDir = "/var/lib/packline/templates"
	}

	if len(c.Renderfarm.FatalErrors) == 0 {
		c.Renderfarm.FatalErrors = defaultFatalErrors
	}

	if c.SMS.FirstCheckDelay == 0 {
		c.SMS.FirstCheckDelay = 10 * time.Second
	}
	if c.SMS.RecheckDelay == 0 {
		c.SMS.RecheckDelay = 30 * time.Second
	}
	if c.SMS.CheckBudget == 0 {
		c.SMS.CheckBudget = 100
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}

	if c.Renderfarm.BaseURL == "" && c.Storyboard.BaseURL == "" {
		return fmt.Errorf("at least one video backend must be configured")
	}

	if c.SMTP.Addr == "" {
		return fmt.Errorf("smtp.addr is required")
	}
	if c.SMTP.From == "" {
		return fmt.Errorf("smtp.from is required")
	}

	if c.SMS.Enabled {
		if c.SMS.BaseURL == "" {
			return fmt.Errorf("sms.base_url is required when SMS is enabled")
		}
		if c.SMS.Token == "" {
			return fmt.Errorf("sms.token is required when SMS is enabled")
		}
		if len(c.SMS.FromNumbers) == 0 {
			return fmt.Errorf("sms.from_numbers is required when SMS is enabled")
		}
	}

	if c.Hosting.Enabled && c.Hosting.BaseURL == "" {
		return fmt.Errorf("hosting.base_url is required when hosting is enabled")
	}

	if err := c.validateDKIM(); err != nil {
		return err
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}

// validateDKIM validates DKIM configuration.
func (c *Config) validateDKIM() error {
	if !c.DKIM.Enabled {
		return nil
	}

	if c.DKIM.Selector == "" {
		return fmt.Errorf("dkim.selector is required when DKIM is enabled")
	}
	if c.DKIM.KeyFile == "" {
		return fmt.Errorf("dkim.key_file is required when DKIM is enabled")
	}
	if c.DKIM.Domain == "" {
		return fmt.Errorf("dkim.domain is required when DKIM is enabled")
	}

	return nil
}
