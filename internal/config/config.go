package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"gopkg.in/yaml.v3"
)

var ErrMissingBaseURL = errors.New("MPP_API_BASE_URL is required")

type Config struct {
	ServiceName string `yaml:"service_name"`
	Port        string `yaml:"port"`
	Timezone    string `yaml:"timezone"`

	API      APIConfig      `yaml:"api"`
	Realtime RealtimeConfig `yaml:"realtime"`
	TTS      TTSConfig      `yaml:"tts"`
	Log      LogConfig      `yaml:"log"`

	RateLimitPerMinute int `yaml:"rate_limit_per_min"`
	RateLimitBurst     int `yaml:"rate_limit_burst"`
}

type APIConfig struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"token"`
	Timeout time.Duration `yaml:"timeout"`
}

type RealtimeConfig struct {
	Host                string        `yaml:"host"`
	Port                int           `yaml:"port"`
	Key                 string        `yaml:"key"`
	TLS                 bool          `yaml:"tls"`
	Channel             string        `yaml:"channel"`
	Attempts            int           `yaml:"attempts"`
	RetryDelay          time.Duration `yaml:"retry_delay"`
	PollInterval        time.Duration `yaml:"poll_interval"`
	ResubscribeInterval time.Duration `yaml:"resubscribe_interval"`
	RefreshInterval     time.Duration `yaml:"refresh_interval"`
	MarkerTTL           time.Duration `yaml:"marker_ttl"`
}

// Enabled reports whether a realtime endpoint is configured. Without one
// the desk agent only polls.
func (r RealtimeConfig) Enabled() bool {
	return r.Host != "" && r.Key != ""
}

type TTSConfig struct {
	Provider string `yaml:"provider"`
	URL      string `yaml:"url"`
	Token    string `yaml:"token"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		ServiceName: "mpp-desk",
		Port:        "8080",
		Timezone:    "Asia/Jakarta",
		API: APIConfig{
			Timeout: 10 * time.Second,
		},
		Realtime: RealtimeConfig{
			Port:                6001,
			Channel:             "queues",
			Attempts:            3,
			RetryDelay:          2 * time.Second,
			PollInterval:        10 * time.Second,
			ResubscribeInterval: time.Minute,
			RefreshInterval:     30 * time.Second,
			MarkerTTL:           15 * time.Second,
		},
		TTS: TTSConfig{
			Provider: "log",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		RateLimitPerMinute: 120,
		RateLimitBurst:     30,
	}
}

// Load builds the configuration from defaults, then the YAML file at path
// when one is given, then the environment. Later sources win.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Port = readString("PORT", cfg.Port)
	cfg.Timezone = readString("MPP_TIMEZONE", cfg.Timezone)

	cfg.API.BaseURL = strings.TrimRight(readString("MPP_API_BASE_URL", cfg.API.BaseURL), "/")
	cfg.API.Token = readString("MPP_API_TOKEN", cfg.API.Token)
	cfg.API.Timeout = readDurationSeconds("MPP_API_TIMEOUT_SECONDS", cfg.API.Timeout)

	cfg.Realtime.Host = readString("MPP_REALTIME_HOST", cfg.Realtime.Host)
	cfg.Realtime.Port = readInt("MPP_REALTIME_PORT", cfg.Realtime.Port)
	cfg.Realtime.Key = readString("MPP_REALTIME_KEY", cfg.Realtime.Key)
	cfg.Realtime.TLS = readBool("MPP_REALTIME_TLS", cfg.Realtime.TLS)
	cfg.Realtime.Channel = readString("MPP_REALTIME_CHANNEL", cfg.Realtime.Channel)
	cfg.Realtime.Attempts = readInt("MPP_REALTIME_ATTEMPTS", cfg.Realtime.Attempts)
	cfg.Realtime.RetryDelay = readDurationSeconds("MPP_REALTIME_RETRY_SECONDS", cfg.Realtime.RetryDelay)
	cfg.Realtime.PollInterval = readDurationSeconds("MPP_POLL_SECONDS", cfg.Realtime.PollInterval)
	cfg.Realtime.ResubscribeInterval = readDurationSeconds("MPP_REALTIME_RESUBSCRIBE_SECONDS", cfg.Realtime.ResubscribeInterval)
	cfg.Realtime.RefreshInterval = readDurationSeconds("MPP_REFRESH_SECONDS", cfg.Realtime.RefreshInterval)
	cfg.Realtime.MarkerTTL = readDurationSeconds("MPP_CALLED_MARKER_SECONDS", cfg.Realtime.MarkerTTL)

	cfg.TTS.Provider = readString("MPP_TTS_PROVIDER", cfg.TTS.Provider)
	cfg.TTS.URL = readString("MPP_TTS_URL", cfg.TTS.URL)
	cfg.TTS.Token = readString("MPP_TTS_TOKEN", cfg.TTS.Token)

	cfg.Log.Level = readString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = readString("LOG_FORMAT", cfg.Log.Format)

	cfg.RateLimitPerMinute = readInt("RATE_LIMIT_PER_MIN", cfg.RateLimitPerMinute)
	cfg.RateLimitBurst = readInt("RATE_LIMIT_BURST", cfg.RateLimitBurst)
}

func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return ErrMissingBaseURL
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location resolves the timezone that defines "today" for quotas.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

func readString(key, fallback string) string {
	if raw, ok := os.LookupEnv(key); ok && raw != "" {
		return raw
	}
	return fallback
}

func readDurationSeconds(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	if value <= 0 {
		return 0
	}
	return time.Duration(value) * time.Second
}

func readInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func readBool(key string, fallback bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}
