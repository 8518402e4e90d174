package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Security profiles gate permissive settings at startup.
const (
	ProfileDefault  = "default"
	ProfileHardened = "hardened"
)

// Config root configuration
type Config struct {
	WorkspaceDir       string `mapstructure:"workspace_dir"`
	DataDir            string `mapstructure:"data_dir"`
	SQLitePath         string `mapstructure:"sqlite_path"`
	HistoryMaxMessages int    `mapstructure:"history_max_messages"`
	StoreFullMessages  bool   `mapstructure:"store_full_messages"`
	MaxToolIterations  int    `mapstructure:"max_tool_iterations"`
	MaxToolOutputChars int    `mapstructure:"max_tool_output_chars"`
	CommandTimeoutMs   int    `mapstructure:"command_timeout_ms"`

	Provider      ProviderConfig      `mapstructure:"provider"`
	Bus           BusConfig           `mapstructure:"bus"`
	Scheduler     SchedulerConfig     `mapstructure:"scheduler"`
	Heartbeat     HeartbeatConfig     `mapstructure:"heartbeat"`
	Isolation     IsolationConfig     `mapstructure:"isolation"`
	Webhook       WebhookConfig       `mapstructure:"webhook"`
	Telegram      TelegramConfig      `mapstructure:"telegram"`
	Observability ObservabilityConfig `mapstructure:"observability"`
	SLO           SLOConfig           `mapstructure:"slo"`
	Log           LogConfig           `mapstructure:"log"`

	AllowShell               bool                `mapstructure:"allow_shell"`
	AllowedShellCommands     []string            `mapstructure:"allowed_shell_commands"`
	AllowedEnv               []string            `mapstructure:"allowed_env"`
	AllowedWebDomains        []string            `mapstructure:"allowed_web_domains"`
	AllowedWebPorts          []int               `mapstructure:"allowed_web_ports"`
	BlockedWebPorts          []int               `mapstructure:"blocked_web_ports"`
	AllowedChannelIdentities map[string][]string `mapstructure:"allowed_channel_identities"`
	MCPAllowlist             []string            `mapstructure:"mcp_allowlist"`

	AdminBootstrapKey            string `mapstructure:"admin_bootstrap_key"`
	AdminBootstrapSingleUse      bool   `mapstructure:"admin_bootstrap_single_use"`
	AdminBootstrapMaxAttempts    int    `mapstructure:"admin_bootstrap_max_attempts"`
	AdminBootstrapLockoutMinutes int    `mapstructure:"admin_bootstrap_lockout_minutes"`

	SecurityProfile string `mapstructure:"security_profile"`
}

// ProviderConfig language-model provider settings
type ProviderConfig struct {
	Kind                string  `mapstructure:"kind"` // "openai" | "claude" | "ollama"
	BaseURL             string  `mapstructure:"base_url"`
	APIKey              string  `mapstructure:"api_key"`
	Model               string  `mapstructure:"model"`
	Temperature         float64 `mapstructure:"temperature"`
	TimeoutMs           int     `mapstructure:"timeout_ms"`
	MaxInputTokens      int     `mapstructure:"max_input_tokens"`
	ReserveOutputTokens int     `mapstructure:"reserve_output_tokens"`
}

// BusConfig durable queue settings
type BusConfig struct {
	PollMs                   int `mapstructure:"poll_ms"`
	BatchSize                int `mapstructure:"batch_size"`
	MaxAttempts              int `mapstructure:"max_attempts"`
	RetryBackoffMs           int `mapstructure:"retry_backoff_ms"`
	MaxRetryBackoffMs        int `mapstructure:"max_retry_backoff_ms"`
	ProcessingTimeoutMs      int `mapstructure:"processing_timeout_ms"`
	MaxPendingInbound        int `mapstructure:"max_pending_inbound"`
	MaxPendingOutbound       int `mapstructure:"max_pending_outbound"`
	OverloadPendingThreshold int `mapstructure:"overload_pending_threshold"`
	OverloadBackoffMs        int `mapstructure:"overload_backoff_ms"`
	PerChatRateLimitWindowMs int `mapstructure:"per_chat_rate_limit_window_ms"`
	PerChatRateLimitMax      int `mapstructure:"per_chat_rate_limit_max"`
}

// SchedulerConfig periodic task settings
type SchedulerConfig struct {
	TickMs int `mapstructure:"tick_ms"`
}

// HeartbeatConfig heartbeat source settings
type HeartbeatConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	IntervalMs          int    `mapstructure:"interval_ms"`
	WakeDebounceMs      int    `mapstructure:"wake_debounce_ms"`
	WakeRetryMs         int    `mapstructure:"wake_retry_ms"`
	PromptPath          string `mapstructure:"prompt_path"`
	ActiveHours         string `mapstructure:"active_hours"` // "HH:mm-HH:mm", empty = always
	SkipWhenInboundBusy bool   `mapstructure:"skip_when_inbound_busy"`
	AckToken            string `mapstructure:"ack_token"`
	SuppressAck         bool   `mapstructure:"suppress_ack"`
	DedupeWindowMs      int    `mapstructure:"dedupe_window_ms"`
	MaxDispatchPerRun   int    `mapstructure:"max_dispatch_per_run"`
}

// IsolationConfig isolated tool runtime settings
type IsolationConfig struct {
	Enabled                  bool     `mapstructure:"enabled"`
	ToolNames                []string `mapstructure:"tool_names"`
	WorkerTimeoutMs          int      `mapstructure:"worker_timeout_ms"`
	MaxWorkerOutputChars     int      `mapstructure:"max_worker_output_chars"`
	MaxConcurrentWorkers     int      `mapstructure:"max_concurrent_workers"`
	OpenCircuitAfterFailures int      `mapstructure:"open_circuit_after_failures"`
	CircuitResetMs           int      `mapstructure:"circuit_reset_ms"`
}

// WebhookConfig webhook channel settings
type WebhookConfig struct {
	Enabled          bool   `mapstructure:"enabled"`
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Path             string `mapstructure:"path"`
	AuthToken        string `mapstructure:"auth_token"`
	MaxBodyBytes     int    `mapstructure:"max_body_bytes"`
	OutboxMaxPerChat int    `mapstructure:"outbox_max_per_chat"`
	OutboxMaxChats   int    `mapstructure:"outbox_max_chats"`
	OutboxChatTtlMs  int    `mapstructure:"outbox_chat_ttl_ms"`
}

// TelegramConfig telegram channel adapter settings
type TelegramConfig struct {
	Enabled   bool     `mapstructure:"enabled"`
	Token     string   `mapstructure:"token"`
	AllowFrom []string `mapstructure:"allow_from"`
}

// ObservabilityConfig observability listener settings
type ObservabilityConfig struct {
	HTTP ObservabilityHTTPConfig `mapstructure:"http"`
}

// ObservabilityHTTPConfig health/metrics/status listener settings
type ObservabilityHTTPConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Host    string `mapstructure:"host"`
	Port    int    `mapstructure:"port"`
}

// SLOConfig threshold alert settings
type SLOConfig struct {
	MaxPendingQueue     int     `mapstructure:"max_pending_queue"`
	MaxDeadLetterQueue  int     `mapstructure:"max_dead_letter_queue"`
	MaxToolFailureRate  float64 `mapstructure:"max_tool_failure_rate"`
	MaxSchedulerDelayMs int     `mapstructure:"max_scheduler_delay_ms"`
	MaxMcpFailureRate   float64 `mapstructure:"max_mcp_failure_rate"`
	AlertWebhookURL     string  `mapstructure:"alert_webhook_url"`
	AlertCooldownMs     int     `mapstructure:"alert_cooldown_ms"`
	CheckIntervalMs     int     `mapstructure:"check_interval_ms"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	base := filepath.Join(homeDir, ".coreclaw")
	return &Config{
		WorkspaceDir:       filepath.Join(base, "workspace"),
		DataDir:            filepath.Join(base, "data"),
		SQLitePath:         "",
		HistoryMaxMessages: 50,
		StoreFullMessages:  false,
		MaxToolIterations:  20,
		MaxToolOutputChars: 30000,
		CommandTimeoutMs:   60000,
		Provider: ProviderConfig{
			Kind:                "openai",
			Model:               "anthropic/claude-sonnet-4-5",
			Temperature:         0.7,
			TimeoutMs:           120000,
			MaxInputTokens:      128000,
			ReserveOutputTokens: 8192,
		},
		Bus: BusConfig{
			PollMs:                   250,
			BatchSize:                10,
			MaxAttempts:              3,
			RetryBackoffMs:           1000,
			MaxRetryBackoffMs:        60000,
			ProcessingTimeoutMs:      300000,
			MaxPendingInbound:        500,
			MaxPendingOutbound:       500,
			OverloadPendingThreshold: 100,
			OverloadBackoffMs:        500,
			PerChatRateLimitWindowMs: 60000,
			PerChatRateLimitMax:      30,
		},
		Scheduler: SchedulerConfig{TickMs: 1000},
		Heartbeat: HeartbeatConfig{
			Enabled:             false,
			IntervalMs:          1800000,
			WakeDebounceMs:      15000,
			WakeRetryMs:         60000,
			ActiveHours:         "",
			SkipWhenInboundBusy: true,
			AckToken:            "HEARTBEAT_OK",
			SuppressAck:         true,
			DedupeWindowMs:      3600000,
			MaxDispatchPerRun:   5,
		},
		Isolation: IsolationConfig{
			Enabled:                  false,
			ToolNames:                []string{"shell.exec", "web.fetch", "fs.write"},
			WorkerTimeoutMs:          120000,
			MaxWorkerOutputChars:     200000,
			MaxConcurrentWorkers:     4,
			OpenCircuitAfterFailures: 5,
			CircuitResetMs:           60000,
		},
		Webhook: WebhookConfig{
			Enabled:          false,
			Host:             "127.0.0.1",
			Port:             18791,
			Path:             "/webhook",
			MaxBodyBytes:     1 << 20,
			OutboxMaxPerChat: 100,
			OutboxMaxChats:   100,
			OutboxChatTtlMs:  3600000,
		},
		Telegram: TelegramConfig{
			Enabled:   false,
			AllowFrom: []string{},
		},
		Observability: ObservabilityConfig{
			HTTP: ObservabilityHTTPConfig{
				Enabled: false,
				Host:    "127.0.0.1",
				Port:    18792,
			},
		},
		SLO: SLOConfig{
			MaxPendingQueue:     200,
			MaxDeadLetterQueue:  20,
			MaxToolFailureRate:  0.5,
			MaxSchedulerDelayMs: 60000,
			MaxMcpFailureRate:   0.5,
			AlertCooldownMs:     300000,
			CheckIntervalMs:     30000,
		},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
		AllowShell:                   false,
		AllowedShellCommands:         []string{},
		AllowedEnv:                   []string{},
		AllowedWebDomains:            []string{},
		AdminBootstrapMaxAttempts:    5,
		AdminBootstrapLockoutMinutes: 15,
		SecurityProfile:              ProfileDefault,
	}
}

// ConfigDir returns the coreclaw config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".coreclaw")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from the default path or returns defaults.
func Load() (*Config, error) {
	return LoadFrom(ConfigPath())
}

// LoadFrom loads config from an explicit path, creating it with defaults if missing.
func LoadFrom(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := SaveTo(cfg, configPath); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("CORECLAW")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to the default path
func Save(cfg *Config) error {
	return SaveTo(cfg, ConfigPath())
}

// SaveTo saves config to an explicit path
func SaveTo(cfg *Config, configPath string) error {
	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// DatabasePath returns the resolved sqlite file path.
func (c *Config) DatabasePath() string {
	if strings.TrimSpace(c.SQLitePath) != "" {
		return c.SQLitePath
	}
	return filepath.Join(c.DataDir, "coreclaw.sqlite")
}

// BackupDir returns the directory migration backups are written to.
func (c *Config) BackupDir() string {
	return filepath.Join(c.DataDir, "backups")
}

// Validate checks configuration values and applies defaults for zero values.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.WorkspaceDir) == "" {
		return fmt.Errorf("workspace_dir must be set")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return fmt.Errorf("data_dir must be set")
	}

	if c.HistoryMaxMessages <= 0 {
		c.HistoryMaxMessages = 50
	}
	if c.MaxToolIterations < 0 {
		return fmt.Errorf("max_tool_iterations must not be negative, got %d", c.MaxToolIterations)
	}
	if c.MaxToolIterations == 0 {
		c.MaxToolIterations = 20
	}
	if c.MaxToolOutputChars <= 0 {
		c.MaxToolOutputChars = 30000
	}
	if c.CommandTimeoutMs <= 0 {
		c.CommandTimeoutMs = 60000
	}

	if c.Provider.Temperature < 0 || c.Provider.Temperature > 2.0 {
		return fmt.Errorf("provider.temperature must be between 0 and 2.0, got %f", c.Provider.Temperature)
	}
	if c.Provider.TimeoutMs <= 0 {
		c.Provider.TimeoutMs = 120000
	}
	if c.Provider.MaxInputTokens <= 0 {
		c.Provider.MaxInputTokens = 128000
	}
	if c.Provider.ReserveOutputTokens < 0 {
		return fmt.Errorf("provider.reserve_output_tokens must not be negative, got %d", c.Provider.ReserveOutputTokens)
	}

	if err := c.validateBus(); err != nil {
		return err
	}

	if c.Scheduler.TickMs <= 0 {
		c.Scheduler.TickMs = 1000
	}

	if err := c.validateHeartbeat(); err != nil {
		return err
	}
	if err := c.validateIsolation(); err != nil {
		return err
	}

	if c.Webhook.Port < 0 || c.Webhook.Port > 65535 {
		return fmt.Errorf("webhook.port must be between 0 and 65535, got %d", c.Webhook.Port)
	}
	if c.Webhook.MaxBodyBytes <= 0 {
		c.Webhook.MaxBodyBytes = 1 << 20
	}
	if c.Webhook.OutboxMaxPerChat <= 0 {
		c.Webhook.OutboxMaxPerChat = 100
	}
	if c.Webhook.OutboxMaxChats <= 0 {
		c.Webhook.OutboxMaxChats = 100
	}
	if c.Webhook.OutboxChatTtlMs <= 0 {
		c.Webhook.OutboxChatTtlMs = 3600000
	}
	if strings.TrimSpace(c.Webhook.Path) == "" {
		c.Webhook.Path = "/webhook"
	}
	if !strings.HasPrefix(c.Webhook.Path, "/") {
		c.Webhook.Path = "/" + c.Webhook.Path
	}

	if c.AdminBootstrapMaxAttempts <= 0 {
		c.AdminBootstrapMaxAttempts = 5
	}
	if c.AdminBootstrapLockoutMinutes <= 0 {
		c.AdminBootstrapLockoutMinutes = 15
	}

	if c.SLO.AlertCooldownMs <= 0 {
		c.SLO.AlertCooldownMs = 300000
	}
	if c.SLO.CheckIntervalMs <= 0 {
		c.SLO.CheckIntervalMs = 30000
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	profile := strings.ToLower(strings.TrimSpace(c.SecurityProfile))
	if profile == "" {
		profile = ProfileDefault
	}
	if profile != ProfileDefault && profile != ProfileHardened {
		return fmt.Errorf("security_profile must be %q or %q, got %q", ProfileDefault, ProfileHardened, c.SecurityProfile)
	}
	c.SecurityProfile = profile

	if profile == ProfileHardened {
		if err := c.validateHardened(); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) validateBus() error {
	b := &c.Bus
	if b.PollMs <= 0 {
		b.PollMs = 250
	}
	if b.BatchSize <= 0 {
		b.BatchSize = 10
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = 3
	}
	if b.RetryBackoffMs <= 0 {
		b.RetryBackoffMs = 1000
	}
	if b.MaxRetryBackoffMs <= 0 {
		b.MaxRetryBackoffMs = 60000
	}
	if b.MaxRetryBackoffMs < b.RetryBackoffMs {
		return fmt.Errorf("bus.max_retry_backoff_ms must be >= bus.retry_backoff_ms")
	}
	if b.ProcessingTimeoutMs <= 0 {
		b.ProcessingTimeoutMs = 300000
	}
	if b.MaxPendingInbound <= 0 {
		b.MaxPendingInbound = 500
	}
	if b.MaxPendingOutbound <= 0 {
		b.MaxPendingOutbound = 500
	}
	if b.OverloadPendingThreshold <= 0 {
		b.OverloadPendingThreshold = 100
	}
	if b.OverloadBackoffMs <= 0 {
		b.OverloadBackoffMs = 500
	}
	if b.PerChatRateLimitWindowMs <= 0 {
		b.PerChatRateLimitWindowMs = 60000
	}
	if b.PerChatRateLimitMax <= 0 {
		b.PerChatRateLimitMax = 30
	}
	return nil
}

func (c *Config) validateHeartbeat() error {
	h := &c.Heartbeat
	if h.IntervalMs <= 0 {
		h.IntervalMs = 1800000
	}
	if h.WakeDebounceMs <= 0 {
		h.WakeDebounceMs = 15000
	}
	if h.WakeRetryMs <= 0 {
		h.WakeRetryMs = 60000
	}
	if h.DedupeWindowMs < 0 {
		return fmt.Errorf("heartbeat.dedupe_window_ms must not be negative, got %d", h.DedupeWindowMs)
	}
	if h.MaxDispatchPerRun <= 0 {
		h.MaxDispatchPerRun = 5
	}
	if strings.TrimSpace(h.ActiveHours) != "" {
		if _, _, err := ParseActiveHours(h.ActiveHours); err != nil {
			return fmt.Errorf("heartbeat.active_hours: %w", err)
		}
	}
	return nil
}

func (c *Config) validateIsolation() error {
	i := &c.Isolation
	if len(i.ToolNames) == 0 {
		i.ToolNames = []string{"shell.exec", "web.fetch", "fs.write"}
	}
	for _, name := range i.ToolNames {
		switch name {
		case "shell.exec", "web.fetch", "fs.write":
		default:
			return fmt.Errorf("isolation.tool_names contains unsupported tool %q", name)
		}
	}
	if i.WorkerTimeoutMs <= 0 {
		i.WorkerTimeoutMs = 120000
	}
	if i.MaxWorkerOutputChars <= 0 {
		i.MaxWorkerOutputChars = 200000
	}
	if i.MaxConcurrentWorkers <= 0 {
		i.MaxConcurrentWorkers = 4
	}
	if i.OpenCircuitAfterFailures <= 0 {
		i.OpenCircuitAfterFailures = 5
	}
	if i.CircuitResetMs <= 0 {
		i.CircuitResetMs = 60000
	}
	return nil
}

// validateHardened rejects permissive settings under the hardened profile.
func (c *Config) validateHardened() error {
	if c.AllowShell {
		return fmt.Errorf("hardened profile rejects allow_shell=true")
	}
	if len(c.AllowedWebDomains) == 0 {
		return fmt.Errorf("hardened profile requires allowed_web_domains to be non-empty")
	}
	if c.Webhook.Enabled {
		if !isLoopbackHost(c.Webhook.Host) {
			return fmt.Errorf("hardened profile requires webhook.host to bind loopback, got %q", c.Webhook.Host)
		}
		if strings.TrimSpace(c.Webhook.AuthToken) == "" {
			return fmt.Errorf("hardened profile requires webhook.auth_token when webhook is enabled")
		}
	}
	if c.Observability.HTTP.Enabled && !isLoopbackHost(c.Observability.HTTP.Host) {
		return fmt.Errorf("hardened profile requires observability.http.host to bind loopback, got %q", c.Observability.HTTP.Host)
	}
	return nil
}

func isLoopbackHost(host string) bool {
	host = strings.TrimSpace(host)
	if host == "" {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return false
}

// ParseActiveHours parses an "HH:mm-HH:mm" window into start/end minutes of day.
func ParseActiveHours(spec string) (startMin, endMin int, err error) {
	parts := strings.SplitN(strings.TrimSpace(spec), "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("expected HH:mm-HH:mm, got %q", spec)
	}
	startMin, err = parseClock(parts[0])
	if err != nil {
		return 0, 0, err
	}
	endMin, err = parseClock(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return startMin, endMin, nil
}

func parseClock(s string) (int, error) {
	var hh, mm int
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d:%d", &hh, &mm); err != nil {
		return 0, fmt.Errorf("invalid clock value %q", s)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, fmt.Errorf("clock value out of range: %q", s)
	}
	return hh*60 + mm, nil
}
