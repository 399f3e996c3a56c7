package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for chatrelay.
type Config struct {
	General  GeneralConfig     `json:"general" yaml:"general"`
	Agent    AgentConfig       `json:"agent" yaml:"agent"`
	Channels ChannelsConfig    `json:"channels" yaml:"channels"`
	Memory   MemoryConfig      `json:"memory" yaml:"memory"`
	Attach   AttachmentsConfig `json:"attachments" yaml:"attachments"`
	Pairing  PairingConfig     `json:"pairing" yaml:"pairing"`
	Metrics  MetricsConfig     `json:"metrics" yaml:"metrics"`
}

type GeneralConfig struct {
	LogLevel            string `json:"logLevel" yaml:"logLevel"`
	LogFile             string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // rotated; empty = stderr only
	DataDir             string `json:"dataDir" yaml:"dataDir"`
	MaxConcurrentEvents int    `json:"maxConcurrentEvents" yaml:"maxConcurrentEvents"`
}

// AgentConfig configures the session backend that answers routed messages.
type AgentConfig struct {
	Backend        string `json:"backend" yaml:"backend"` // "openai" | "anthropic"
	APIKey         string `json:"apiKey,omitempty" yaml:"apiKey,omitempty"`
	APIBase        string `json:"apiBase,omitempty" yaml:"apiBase,omitempty"`
	Model          string `json:"model" yaml:"model"`
	MaxTokens      int    `json:"maxTokens" yaml:"maxTokens"`
	TimeoutSeconds int    `json:"timeoutSeconds" yaml:"timeoutSeconds"`
	HistoryLimit   int    `json:"historyLimit" yaml:"historyLimit"` // turns loaded per submit
	SystemPrompt   string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram" yaml:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty" yaml:"discord,omitempty"`
}

type TelegramConfig struct {
	Enabled             bool           `json:"enabled" yaml:"enabled"`
	Token               string         `json:"token" yaml:"token"`
	Mode                string         `json:"mode,omitempty" yaml:"mode,omitempty"` // "polling" | "webhook"
	WebhookURL          string         `json:"webhookUrl,omitempty" yaml:"webhookUrl,omitempty"`
	ListenAddr          string         `json:"listenAddr,omitempty" yaml:"listenAddr,omitempty"`
	ParseMode           string         `json:"parseMode" yaml:"parseMode"`
	DMPolicy            string         `json:"dmPolicy,omitempty" yaml:"dmPolicy,omitempty"`
	GroupPolicy         string         `json:"groupPolicy,omitempty" yaml:"groupPolicy,omitempty"`
	AllowFrom           FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	GroupAllowFrom      FlexStringList `json:"groupAllowFrom,omitempty" yaml:"groupAllowFrom,omitempty"`
	Streaming           *bool          `json:"streaming,omitempty" yaml:"streaming,omitempty"` // nil = on
	EditIntervalSeconds int            `json:"editIntervalSeconds,omitempty" yaml:"editIntervalSeconds,omitempty"`
	MaxMessageLength    int            `json:"maxMessageLength,omitempty" yaml:"maxMessageLength,omitempty"`
	AckEmoji            string         `json:"ackEmoji,omitempty" yaml:"ackEmoji,omitempty"`
}

type DiscordConfig struct {
	Enabled        bool           `json:"enabled" yaml:"enabled"`
	Token          string         `json:"token" yaml:"token"`
	GuildID        string         `json:"guildId,omitempty" yaml:"guildId,omitempty"`
	DMPolicy       string         `json:"dmPolicy,omitempty" yaml:"dmPolicy,omitempty"`
	GroupPolicy    string         `json:"groupPolicy,omitempty" yaml:"groupPolicy,omitempty"`
	AllowFrom      FlexStringList `json:"allowFrom" yaml:"allowFrom"`
	GroupAllowFrom FlexStringList `json:"groupAllowFrom,omitempty" yaml:"groupAllowFrom,omitempty"`
	AckEmoji       string         `json:"ackEmoji,omitempty" yaml:"ackEmoji,omitempty"`
}

type MemoryConfig struct {
	DBPath       string `json:"dbPath" yaml:"dbPath"`
	HistoryLimit int    `json:"maxHistoryPerConversation" yaml:"maxHistoryPerConversation"`
}

type AttachmentsConfig struct {
	MaxBytes int64  `json:"maxBytes" yaml:"maxBytes"`
	Dir      string `json:"dir,omitempty" yaml:"dir,omitempty"`
}

type PairingConfig struct {
	TTLDays int `json:"ttlDays" yaml:"ttlDays"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// FlexStringList is a []string that also unmarshals from arrays mixing
// strings and numbers (e.g. ["123", 456] both become "123", "456"), since
// chat user IDs are numeric and people paste them unquoted.
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

func (f *FlexStringList) UnmarshalYAML(value *yaml.Node) error {
	var ss []string
	if err := value.Decode(&ss); err == nil {
		*f = ss
		return nil
	}
	var raw []any
	if err := value.Decode(&raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case string:
			result = append(result, v)
		case int:
			result = append(result, strconv.Itoa(v))
		case int64:
			result = append(result, strconv.FormatInt(v, 10))
		case float64:
			result = append(result, strconv.FormatInt(int64(v), 10))
		default:
			result = append(result, fmt.Sprint(v))
		}
	}
	*f = result
	return nil
}

// DefaultConfigDir returns the default config directory (~/.chatrelay).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatrelay"
	}
	return filepath.Join(home, ".chatrelay")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a config file, expands ${VAR} references, applies it over the
// defaults, and validates the result. The format is chosen by extension:
// .yaml/.yml parse as YAML, anything else as JSON.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.Attach.Dir = ExpandPath(cfg.Attach.Dir)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset
// or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes the config as indented JSON, creating the directory if needed.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.MaxConcurrentEvents < 1 || cfg.General.MaxConcurrentEvents > 100 {
		errs = append(errs, "general.maxConcurrentEvents must be between 1 and 100")
	}
	switch cfg.Agent.Backend {
	case "openai", "anthropic":
	default:
		errs = append(errs, "agent.backend must be one of: openai, anthropic")
	}
	if cfg.Agent.TimeoutSeconds < 1 {
		errs = append(errs, "agent.timeoutSeconds must be >= 1")
	}
	if cfg.Agent.HistoryLimit < 0 {
		errs = append(errs, "agent.historyLimit must be >= 0")
	}

	for name, ch := range map[string]struct{ dm, group, mode string }{
		"telegram": {cfg.Channels.Telegram.DMPolicy, cfg.Channels.Telegram.GroupPolicy, cfg.Channels.Telegram.Mode},
		"discord":  {cfg.Channels.Discord.DMPolicy, cfg.Channels.Discord.GroupPolicy, ""},
	} {
		for _, p := range []string{ch.dm, ch.group} {
			switch p {
			case "", "open", "allowlist", "pairing", "disabled":
			default:
				errs = append(errs, fmt.Sprintf("channels.%s: policy must be one of: open, allowlist, pairing, disabled", name))
			}
		}
		switch ch.mode {
		case "", "polling", "webhook":
		default:
			errs = append(errs, fmt.Sprintf("channels.%s.mode must be one of: polling, webhook", name))
		}
	}
	if cfg.Channels.Telegram.Mode == "webhook" && cfg.Channels.Telegram.WebhookURL == "" {
		errs = append(errs, "channels.telegram.webhookUrl is required in webhook mode")
	}
	if cfg.Channels.Telegram.EditIntervalSeconds < 0 {
		errs = append(errs, "channels.telegram.editIntervalSeconds must be >= 0")
	}

	if cfg.Memory.HistoryLimit < 1 {
		errs = append(errs, "memory.maxHistoryPerConversation must be >= 1")
	}
	if cfg.Attach.MaxBytes < 0 {
		errs = append(errs, "attachments.maxBytes must be >= 0")
	}
	if cfg.Pairing.TTLDays < 1 {
		errs = append(errs, "pairing.ttlDays must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
