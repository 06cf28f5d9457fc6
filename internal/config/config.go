package config

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	TorboxBaseURL string `envconfig:"TORBOX_BASE_URL" default:"https://api.torbox.app"`
	TorboxAPIKey  string `envconfig:"TORBOX_API_KEY" required:"true"`

	DownloadDir           string        `envconfig:"DOWNLOAD_DIR" required:"true"`
	SpoolDir              string        `envconfig:"SPOOL_DIR" default:"spool"`
	BlackholeDir          string        `envconfig:"BLACKHOLE_DIR"`
	BlackholeScanInterval time.Duration `envconfig:"BLACKHOLE_SCAN_INTERVAL" default:"10s"`
	DBPath                string        `envconfig:"DB_PATH" default:"downloads.db"`

	RateLimitPerMinute     int `envconfig:"RATE_LIMIT_PER_MINUTE" default:"10"`
	MaxConcurrentDownloads int `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"2"`

	TickInterval    time.Duration `envconfig:"TICK_INTERVAL" default:"2s"`
	PollInterval    time.Duration `envconfig:"POLL_INTERVAL" default:"10s"`
	PollMaxRetries  int           `envconfig:"POLL_MAX_RETRIES" default:"5"`
	FetchMaxRetries int           `envconfig:"FETCH_MAX_RETRIES" default:"3"`
	RequestTimeout  time.Duration `envconfig:"REQUEST_TIMEOUT" default:"30s"`

	KeepSpoolFor    time.Duration `envconfig:"KEEP_SPOOL_FOR" default:"168h"`
	CleanupInterval time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`

	LogLevel          string `envconfig:"LOG_LEVEL" default:"INFO"`
	DiscordWebhookURL string `envconfig:"DISCORD_WEBHOOK_URL"`

	Sonarr   ArrConfig
	Radarr   ArrConfig
	Whisparr ArrConfig

	Telemetry struct {
		Enabled      bool   `split_words:"true" default:"true"`
		ServiceName  string `split_words:"true" default:"debrid_downloader"`
		Exporter     string `split_words:"true" default:"prometheus"`
		OTLPEndpoint string `envconfig:"TELEMETRY_OTLP_ENDPOINT"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:8080"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
		Username        string        `split_words:"true"`
		Password        string        `split_words:"true"`
	}
}

// ArrConfig points at one *arr instance. Empty URL disables it.
type ArrConfig struct {
	URL    string `split_words:"true"`
	APIKey string `split_words:"true"`
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Settings keys that may override env config at boot. The settings API only
// accepts these keys.
const (
	SettingTorboxAPIKey   = "torbox_api_key"
	SettingRateLimit      = "rate_limit_per_minute"
	SettingMaxConcurrent  = "max_concurrent_downloads"
	SettingDiscordWebhook = "discord_webhook_url"
	SettingSonarrURL      = "sonarr_url"
	SettingSonarrAPIKey   = "sonarr_api_key"
	SettingRadarrURL      = "radarr_url"
	SettingRadarrAPIKey   = "radarr_api_key"
	SettingWhisparrURL    = "whisparr_url"
	SettingWhisparrAPIKey = "whisparr_api_key"
)

var knownSettings = map[string]bool{
	SettingTorboxAPIKey:   true,
	SettingRateLimit:      true,
	SettingMaxConcurrent:  true,
	SettingDiscordWebhook: true,
	SettingSonarrURL:      true,
	SettingSonarrAPIKey:   true,
	SettingRadarrURL:      true,
	SettingRadarrAPIKey:   true,
	SettingWhisparrURL:    true,
	SettingWhisparrAPIKey: true,
}

// KnownSetting reports whether key may be stored through the settings API.
func KnownSetting(key string) bool {
	return knownSettings[key]
}

// ApplyOverrides merges persisted settings on top of the env config.
// Unknown keys are ignored and unparsable values skipped; changes take
// effect only at process start.
func (c *Config) ApplyOverrides(settings map[string]string) []string {
	var skipped []string

	for key, value := range settings {
		switch key {
		case SettingTorboxAPIKey:
			c.TorboxAPIKey = value
		case SettingRateLimit:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				skipped = append(skipped, key)

				continue
			}

			c.RateLimitPerMinute = n
		case SettingMaxConcurrent:
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				skipped = append(skipped, key)

				continue
			}

			c.MaxConcurrentDownloads = n
		case SettingDiscordWebhook:
			c.DiscordWebhookURL = value
		case SettingSonarrURL:
			c.Sonarr.URL = value
		case SettingSonarrAPIKey:
			c.Sonarr.APIKey = value
		case SettingRadarrURL:
			c.Radarr.URL = value
		case SettingRadarrAPIKey:
			c.Radarr.APIKey = value
		case SettingWhisparrURL:
			c.Whisparr.URL = value
		case SettingWhisparrAPIKey:
			c.Whisparr.APIKey = value
		}
	}

	return skipped
}
