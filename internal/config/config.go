// Package config handles application configuration from an optional YAML file
// and environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // TIMEZONE must resolve on hosts without zoneinfo

	"gopkg.in/yaml.v3"

	"localbuzz/internal/model"
)

// Config holds the application configuration.
type Config struct {
	LogLevel string `yaml:"log_level"`

	// Database
	DatabaseDriver string `yaml:"database_driver"`
	DatabasePath   string `yaml:"database_path"`
	DatabaseURL    string `yaml:"database_url"`

	// Data service
	DataServiceURL   string `yaml:"data_service_url"`
	DataServiceToken string `yaml:"data_service_token"`

	// Telegram display, optional
	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   int64  `yaml:"telegram_chat_id"`

	// API server
	APIHost           string        `yaml:"api_host"`
	APIPort           int           `yaml:"api_port"`
	CORSAllowOrigins  []string      `yaml:"cors_allow_origins"`
	RateLimitRequests int           `yaml:"rate_limit_requests"`
	RateLimitWindow   time.Duration `yaml:"rate_limit_window"`

	// Matching and notifications
	PollInterval       time.Duration `yaml:"poll_interval"`
	FeedRadiusKm       float64       `yaml:"feed_radius_km"`
	FavoriteRadiusKm   float64       `yaml:"favorite_radius_km"`
	MaxPerSourcePerDay int           `yaml:"max_per_source_per_day"`
	NotifiedCapacity   int           `yaml:"notified_capacity"`
	LocationTimeout    time.Duration `yaml:"location_timeout"`
	Timezone           string        `yaml:"timezone"`
	QueueEnabled       bool          `yaml:"queue_enabled"`
	LinkBaseURL        string        `yaml:"link_base_url"`

	// Fixed reference position. When unset the position is set through the API.
	HomeLatitude  *float64 `yaml:"home_latitude"`
	HomeLongitude *float64 `yaml:"home_longitude"`
}

func defaults() *Config {
	return &Config{
		LogLevel:           "info",
		DatabaseDriver:     "sqlite",
		DatabasePath:       "./data/localbuzz.db",
		APIHost:            "127.0.0.1",
		APIPort:            8080,
		CORSAllowOrigins:   []string{"http://localhost:3000", "http://localhost:5173"},
		RateLimitRequests:  100,
		RateLimitWindow:    time.Minute,
		PollInterval:       30 * time.Second,
		FeedRadiusKm:       3,
		FavoriteRadiusKm:   10,
		MaxPerSourcePerDay: 3,
		NotifiedCapacity:   1000,
		LocationTimeout:    10 * time.Second,
		Timezone:           "Local",
	}
}

// Load reads configuration. If CONFIG_FILE is set, the YAML file it names is
// read first.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path) //nolint:gosec // path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	envString("LOG_LEVEL", &cfg.LogLevel)
	envString("DATABASE_DRIVER", &cfg.DatabaseDriver)
	envString("DATABASE_PATH", &cfg.DatabasePath)
	envString("DATABASE_URL", &cfg.DatabaseURL)
	envString("DATA_SERVICE_URL", &cfg.DataServiceURL)
	envString("DATA_SERVICE_TOKEN", &cfg.DataServiceToken)
	envString("TELEGRAM_BOT_TOKEN", &cfg.TelegramBotToken)
	collect(envInt64("TELEGRAM_CHAT_ID", &cfg.TelegramChatID))
	envString("API_HOST", &cfg.APIHost)
	collect(envInt("API_PORT", &cfg.APIPort))
	envList("CORS_ALLOW_ORIGINS", &cfg.CORSAllowOrigins)
	collect(envInt("RATE_LIMIT_REQUESTS", &cfg.RateLimitRequests))
	collect(envDuration("RATE_LIMIT_WINDOW", &cfg.RateLimitWindow))
	collect(envDuration("POLL_INTERVAL", &cfg.PollInterval))
	collect(envFloat("FEED_RADIUS_KM", &cfg.FeedRadiusKm))
	collect(envFloat("FAVORITE_RADIUS_KM", &cfg.FavoriteRadiusKm))
	collect(envInt("MAX_PER_SOURCE_PER_DAY", &cfg.MaxPerSourcePerDay))
	collect(envInt("NOTIFIED_CAPACITY", &cfg.NotifiedCapacity))
	collect(envDuration("LOCATION_TIMEOUT", &cfg.LocationTimeout))
	envString("TIMEZONE", &cfg.Timezone)
	collect(envBool("QUEUE_ENABLED", &cfg.QueueEnabled))
	envString("LINK_BASE_URL", &cfg.LinkBaseURL)
	collect(envFloatPtr("HOME_LATITUDE", &cfg.HomeLatitude))
	collect(envFloatPtr("HOME_LONGITUDE", &cfg.HomeLongitude))

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DataServiceURL == "" {
		return errors.New("DATA_SERVICE_URL is required")
	}
	switch c.DatabaseDriver {
	case "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown DATABASE_DRIVER %q", c.DatabaseDriver)
	}
	if c.TelegramBotToken != "" && c.TelegramChatID == 0 {
		return errors.New("TELEGRAM_CHAT_ID is required with TELEGRAM_BOT_TOKEN")
	}
	if c.FeedRadiusKm <= 0 {
		return fmt.Errorf("FEED_RADIUS_KM must be positive, got %v", c.FeedRadiusKm)
	}
	if c.FavoriteRadiusKm < c.FeedRadiusKm {
		return fmt.Errorf("FAVORITE_RADIUS_KM (%v) must not be smaller than FEED_RADIUS_KM (%v)", c.FavoriteRadiusKm, c.FeedRadiusKm)
	}
	if c.MaxPerSourcePerDay < 1 {
		return fmt.Errorf("MAX_PER_SOURCE_PER_DAY must be at least 1, got %d", c.MaxPerSourcePerDay)
	}
	if c.NotifiedCapacity < 1 {
		return fmt.Errorf("NOTIFIED_CAPACITY must be at least 1, got %d", c.NotifiedCapacity)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", c.PollInterval)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	if (c.HomeLatitude == nil) != (c.HomeLongitude == nil) {
		return errors.New("HOME_LATITUDE and HOME_LONGITUDE must be set together")
	}
	if home, ok := c.Home(); ok {
		if err := home.Validate(); err != nil {
			return fmt.Errorf("home position: %w", err)
		}
	}
	return nil
}

// Location returns the time zone that defines a calendar day.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// Home returns the configured fixed position, if any.
func (c *Config) Home() (model.Coordinate, bool) {
	if c.HomeLatitude == nil || c.HomeLongitude == nil {
		return model.Coordinate{}, false
	}
	return model.Coordinate{Latitude: *c.HomeLatitude, Longitude: *c.HomeLongitude}, true
}

// DSN returns the connection string for the configured driver.
func (c *Config) DSN() string {
	if c.DatabaseDriver == "postgres" {
		return c.DatabaseURL
	}
	return c.DatabasePath
}

// Addr returns the listen address of the API server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.APIHost, c.APIPort)
}

func envString(key string, dst *string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = n
	return nil
}

func envFloat(key string, dst *float64) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = f
	return nil
}

func envFloatPtr(key string, dst **float64) error {
	var f float64
	if os.Getenv(key) == "" {
		return nil
	}
	if err := envFloat(key, &f); err != nil {
		return err
	}
	*dst = &f
	return nil
}

func envBool(key string, dst *bool) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s %q: %w", key, v, err)
	}
	*dst = d
	return nil
}

func envList(key string, dst *[]string) {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}
