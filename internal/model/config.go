package model

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Provider kinds.
const (
	ProviderGmail = "gmail"
	ProviderIMAP  = "imap"
)

// GmailConfig holds the OAuth client used to talk to the Gmail API.
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	ClientSecret string `mapstructure:"client_secret" yaml:"client_secret"`
	RedirectURL  string `mapstructure:"redirect_url" yaml:"redirect_url"`
}

// MailboxNames maps the engine's folders onto IMAP mailbox names.
type MailboxNames struct {
	Inbox   string `mapstructure:"inbox" yaml:"inbox"`
	Sent    string `mapstructure:"sent" yaml:"sent"`
	Drafts  string `mapstructure:"drafts" yaml:"drafts"`
	Trash   string `mapstructure:"trash" yaml:"trash"`
	Archive string `mapstructure:"archive" yaml:"archive"`
	Junk    string `mapstructure:"junk" yaml:"junk"`
}

// IMAPConfig holds IMAP and SMTP settings. The password lives in the
// system keyring, never in the file.
type IMAPConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	Port     string `mapstructure:"port" yaml:"port"`
	SMTPHost string `mapstructure:"smtp_host" yaml:"smtp_host"`
	SMTPPort string `mapstructure:"smtp_port" yaml:"smtp_port"`
	Username string `mapstructure:"username" yaml:"username"`

	// TLS selects implicit TLS; otherwise STARTTLS is used.
	TLS bool `mapstructure:"tls" yaml:"tls"`

	Mailboxes MailboxNames `mapstructure:"mailboxes" yaml:"mailboxes"`
}

// ProviderConfig selects and configures the remote mail provider.
type ProviderConfig struct {
	// Kind is "gmail" or "imap".
	Kind  string      `mapstructure:"kind" yaml:"kind"`
	Gmail GmailConfig `mapstructure:"gmail" yaml:"gmail"`
	IMAP  IMAPConfig  `mapstructure:"imap" yaml:"imap"`
}

// SyncConfig controls message ingestion.
type SyncConfig struct {
	PageSize         int `mapstructure:"page_size" yaml:"page_size"`
	FetchConcurrency int `mapstructure:"fetch_concurrency" yaml:"fetch_concurrency"`
	FetchTimeoutSec  int `mapstructure:"fetch_timeout_sec" yaml:"fetch_timeout_sec"`
}

// FetchTimeout returns the per-fetch deadline.
func (c SyncConfig) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSec) * time.Second
}

// ComposeConfig controls draft autosave.
type ComposeConfig struct {
	AutosaveDelayMs  int `mapstructure:"autosave_delay_ms" yaml:"autosave_delay_ms"`
	SavedIndicatorMs int `mapstructure:"saved_indicator_ms" yaml:"saved_indicator_ms"`
}

// AutosaveDelay returns the debounce quiescence period.
func (c ComposeConfig) AutosaveDelay() time.Duration {
	return time.Duration(c.AutosaveDelayMs) * time.Millisecond
}

// SavedIndicator returns how long the "draft saved" indicator stays up.
func (c ComposeConfig) SavedIndicator() time.Duration {
	return time.Duration(c.SavedIndicatorMs) * time.Millisecond
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// JournalConfig locates the activity journal database.
type JournalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig holds the optional Prometheus listener address.
type MetricsConfig struct {
	Addr string `mapstructure:"addr" yaml:"addr"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Provider ProviderConfig `mapstructure:"provider" yaml:"provider"`
	Sync     SyncConfig     `mapstructure:"sync" yaml:"sync"`
	Compose  ComposeConfig  `mapstructure:"compose" yaml:"compose"`
	Logging  LoggingConfig  `mapstructure:"logging" yaml:"logging"`
	Journal  JournalConfig  `mapstructure:"journal" yaml:"journal"`
	Metrics  MetricsConfig  `mapstructure:"metrics" yaml:"metrics"`
}

// DefaultConfigPath returns the default path for the configuration file,
// located at ~/.config/mailsync/config.yaml.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", "config.yaml")
	}
	return filepath.Join(home, ".config", "mailsync", "config.yaml")
}

// DefaultAppConfig returns a sensible default configuration.
func DefaultAppConfig() *AppConfig {
	return &AppConfig{
		Provider: ProviderConfig{
			Kind: ProviderGmail,
			IMAP: IMAPConfig{
				Port:     "993",
				SMTPPort: "465",
				TLS:      true,
				Mailboxes: MailboxNames{
					Inbox:   "INBOX",
					Sent:    "Sent",
					Drafts:  "Drafts",
					Trash:   "Trash",
					Archive: "Archive",
					Junk:    "Junk",
				},
			},
		},
		Sync: SyncConfig{
			PageSize:         50,
			FetchConcurrency: 10,
			FetchTimeoutSec:  30,
		},
		Compose: ComposeConfig{
			AutosaveDelayMs:  3000,
			SavedIndicatorMs: 2000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Journal: JournalConfig{
			Path: ":memory:",
		},
	}
}

// LoadConfig reads configuration from the given YAML file path using Viper.
// If the file does not exist, it returns a default configuration.
func LoadConfig(path string) (*AppConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("MAILSYNC")
	v.AutomaticEnv()

	// Set defaults so missing keys resolve to sensible values.
	def := DefaultAppConfig()
	v.SetDefault("provider.kind", def.Provider.Kind)
	v.SetDefault("provider.imap.port", def.Provider.IMAP.Port)
	v.SetDefault("provider.imap.smtp_port", def.Provider.IMAP.SMTPPort)
	v.SetDefault("provider.imap.tls", def.Provider.IMAP.TLS)
	v.SetDefault("provider.imap.mailboxes", def.Provider.IMAP.Mailboxes)
	v.SetDefault("sync.page_size", def.Sync.PageSize)
	v.SetDefault("sync.fetch_concurrency", def.Sync.FetchConcurrency)
	v.SetDefault("sync.fetch_timeout_sec", def.Sync.FetchTimeoutSec)
	v.SetDefault("compose.autosave_delay_ms", def.Compose.AutosaveDelayMs)
	v.SetDefault("compose.saved_indicator_ms", def.Compose.SavedIndicatorMs)
	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("journal.path", def.Journal.Path)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(*os.PathError); ok {
			return def, nil
		}
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return def, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg := DefaultAppConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config %s: %w", path, err)
	}

	return cfg, nil
}

// Validate rejects settings the engine cannot run with.
func (c *AppConfig) Validate() error {
	switch c.Provider.Kind {
	case ProviderGmail:
	case ProviderIMAP:
		if c.Provider.IMAP.Host == "" {
			return fmt.Errorf("provider.imap.host is required")
		}
		if c.Provider.IMAP.Username == "" {
			return fmt.Errorf("provider.imap.username is required")
		}
	default:
		return fmt.Errorf("unknown provider kind %q", c.Provider.Kind)
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 500 {
		return fmt.Errorf("sync.page_size must be between 1 and 500")
	}
	if c.Sync.FetchConcurrency < 1 {
		return fmt.Errorf("sync.fetch_concurrency must be positive")
	}
	if c.Compose.AutosaveDelayMs < 0 {
		return fmt.Errorf("compose.autosave_delay_ms must not be negative")
	}
	return nil
}

// SaveConfig writes the given configuration to a YAML file at path,
// creating parent directories if needed.
func SaveConfig(path string, cfg *AppConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.Set("provider", cfg.Provider)
	v.Set("sync", cfg.Sync)
	v.Set("compose", cfg.Compose)
	v.Set("logging", cfg.Logging)
	v.Set("journal", cfg.Journal)
	v.Set("metrics", cfg.Metrics)

	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("writing config to %s: %w", path, err)
	}

	return nil
}
