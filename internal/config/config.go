// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Humanoid() HumanoidConfig
	Mail() MailConfig
	Provider() ProviderConfig
	SSO() SSOConfig
	Engine() EngineConfig
	Sync() SyncConfig

	SetEngineConcurrency(int)
	SetBrowserHeadless(bool)
	SetBrowserKeepOpen(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	BrowserCfg  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	HumanoidCfg HumanoidConfig `mapstructure:"humanoid" yaml:"humanoid"`
	MailCfg     MailConfig     `mapstructure:"mail" yaml:"mail"`
	ProviderCfg ProviderConfig `mapstructure:"provider" yaml:"provider"`
	SSOCfg      SSOConfig      `mapstructure:"sso" yaml:"sso"`
	EngineCfg   EngineConfig   `mapstructure:"engine" yaml:"engine"`
	SyncCfg     SyncConfig     `mapstructure:"sync" yaml:"sync"`
}

func (c *Config) Logger() LoggerConfig     { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig   { return c.BrowserCfg }
func (c *Config) Humanoid() HumanoidConfig { return c.HumanoidCfg }
func (c *Config) Mail() MailConfig         { return c.MailCfg }
func (c *Config) Provider() ProviderConfig { return c.ProviderCfg }
func (c *Config) SSO() SSOConfig           { return c.SSOCfg }
func (c *Config) Engine() EngineConfig     { return c.EngineCfg }
func (c *Config) Sync() SyncConfig         { return c.SyncCfg }

func (c *Config) SetEngineConcurrency(n int)  { c.EngineCfg.Concurrency = n }
func (c *Config) SetBrowserHeadless(b bool)   { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserKeepOpen(b bool)   { c.BrowserCfg.KeepOpenOnFailure = b }

// LoggerConfig controls the global zap logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"` // "console" or "json"
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"` // megabytes
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"` // days
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig controls the chromedp session.
type BrowserConfig struct {
	Headless          bool          `mapstructure:"headless" yaml:"headless"`
	IgnoreTLSErrors   bool          `mapstructure:"ignore_tls_errors" yaml:"ignore_tls_errors"`
	KeepOpenOnFailure bool          `mapstructure:"keep_open_on_failure" yaml:"keep_open_on_failure"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout" yaml:"visibility_timeout"`
	SettleDelay       time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// HumanoidConfig tunes the humanized input simulation.
type HumanoidConfig struct {
	Enabled        bool    `mapstructure:"enabled" yaml:"enabled"`
	KeyDelayMinMs  int     `mapstructure:"key_delay_min_ms" yaml:"key_delay_min_ms"`
	KeyDelayMaxMs  int     `mapstructure:"key_delay_max_ms" yaml:"key_delay_max_ms"`
	ThinkPauseProb float64 `mapstructure:"think_pause_prob" yaml:"think_pause_prob"`
	IdleProb       float64 `mapstructure:"idle_prob" yaml:"idle_prob"`
}

// MailConfig selects and configures the mailbox backend.
// Graph settings engage the refresh-token backend for a pre-existing mailbox;
// Disposable settings engage the temporary-mailbox backend. Exactly one is
// consulted per provisioning run.
type MailConfig struct {
	CodeWait     time.Duration    `mapstructure:"code_wait" yaml:"code_wait"`
	PollInterval time.Duration    `mapstructure:"poll_interval" yaml:"poll_interval"`
	Graph        GraphConfig      `mapstructure:"graph" yaml:"graph"`
	Disposable   DisposableConfig `mapstructure:"disposable" yaml:"disposable"`
}

// GraphConfig holds the Microsoft Graph mailbox settings.
type GraphConfig struct {
	ClientID     string `mapstructure:"client_id" yaml:"client_id"`
	Tenant       string `mapstructure:"tenant" yaml:"tenant"`
	RefreshToken string `mapstructure:"refresh_token" yaml:"refresh_token"`
	TokenURL     string `mapstructure:"token_url" yaml:"token_url"`
	GraphURL     string `mapstructure:"graph_url" yaml:"graph_url"`
}

// DisposableConfig holds the disposable-mailbox management API settings.
// Domain selects which of the service's hosted domains carries the mailbox;
// empty lets the service choose.
type DisposableConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
	APIKey  string `mapstructure:"api_key" yaml:"api_key"`
	Domain  string `mapstructure:"domain" yaml:"domain"`
}

// ProviderConfig describes the identity provider's sign-up surface.
type ProviderConfig struct {
	EntryURL           string   `mapstructure:"entry_url" yaml:"entry_url"`
	SessionCookieName  string   `mapstructure:"session_cookie_name" yaml:"session_cookie_name"`
	SenderAllowList    []string `mapstructure:"sender_allow_list" yaml:"sender_allow_list"`
	Region             string   `mapstructure:"region" yaml:"region"`
	FallbackFlow       string   `mapstructure:"fallback_flow" yaml:"fallback_flow"` // registration|login
	DefaultPassword    string   `mapstructure:"default_password" yaml:"default_password"`
	DefaultDisplayName string   `mapstructure:"default_display_name" yaml:"default_display_name"`
}

// SSOConfig points at the device-authorization exchange endpoint.
type SSOConfig struct {
	ExchangeURL string        `mapstructure:"exchange_url" yaml:"exchange_url"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// EngineConfig controls the concurrency orchestrator.
type EngineConfig struct {
	Concurrency int           `mapstructure:"concurrency" yaml:"concurrency"`
	TaskTimeout time.Duration `mapstructure:"task_timeout" yaml:"task_timeout"`
}

// SyncConfig configures the device-sync channel.
type SyncConfig struct {
	Enabled           bool          `mapstructure:"enabled" yaml:"enabled"`
	URL               string        `mapstructure:"url" yaml:"url"`
	DeviceID          string        `mapstructure:"device_id" yaml:"device_id"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// SetDefaults registers baseline values so a bare config file still yields a
// runnable setup.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "enroller")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.navigation_timeout", 90*time.Second)
	v.SetDefault("browser.visibility_timeout", 30*time.Second)
	v.SetDefault("browser.settle_delay", 1500*time.Millisecond)

	v.SetDefault("humanoid.enabled", true)
	v.SetDefault("humanoid.key_delay_min_ms", 80)
	v.SetDefault("humanoid.key_delay_max_ms", 150)
	v.SetDefault("humanoid.think_pause_prob", 0.1)
	v.SetDefault("humanoid.idle_prob", 0.08)

	v.SetDefault("mail.code_wait", 5*time.Minute)
	v.SetDefault("mail.poll_interval", 5*time.Second)
	v.SetDefault("mail.graph.tenant", "consumers")
	v.SetDefault("mail.graph.token_url", "https://login.microsoftonline.com")
	v.SetDefault("mail.graph.graph_url", "https://graph.microsoft.com")

	v.SetDefault("provider.fallback_flow", "registration")

	v.SetDefault("sso.timeout", 30*time.Second)

	v.SetDefault("engine.concurrency", 2)
	v.SetDefault("engine.task_timeout", 15*time.Minute)

	v.SetDefault("sync.heartbeat_interval", 30*time.Second)
}

// Validate rejects configurations that cannot produce a working run.
func (c *Config) Validate() error {
	if c.ProviderCfg.EntryURL == "" {
		return fmt.Errorf("provider.entry_url must be set")
	}
	if c.ProviderCfg.SessionCookieName == "" {
		return fmt.Errorf("provider.session_cookie_name must be set")
	}
	if n := c.EngineCfg.Concurrency; n < 1 || n > 10 {
		return fmt.Errorf("engine.concurrency must be between 1 and 10, got %d", n)
	}
	return nil
}
