package config

import "path/filepath"

func Defaults() *Config {
	dir := DefaultConfigDir()
	return &Config{
		General: GeneralConfig{
			LogLevel:            "info",
			DataDir:             dir,
			MaxConcurrentEvents: 5,
		},
		Agent: AgentConfig{
			Backend:        "openai",
			Model:          "gpt-4o-mini",
			MaxTokens:      4096,
			TimeoutSeconds: 300,
			HistoryLimit:   40,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:             false,
				Mode:                "polling",
				ParseMode:           "Markdown",
				DMPolicy:            "allowlist",
				GroupPolicy:         "disabled",
				EditIntervalSeconds: 2,
				MaxMessageLength:    4096,
			},
			Discord: DiscordConfig{
				Enabled:     false,
				DMPolicy:    "allowlist",
				GroupPolicy: "disabled",
			},
		},
		Memory: MemoryConfig{
			DBPath:       filepath.Join(dir, "chatrelay.db"),
			HistoryLimit: 100,
		},
		Attach: AttachmentsConfig{
			MaxBytes: 5 << 20,
			Dir:      filepath.Join(dir, "attachments"),
		},
		Pairing: PairingConfig{
			TTLDays: 30,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9091",
		},
	}
}
