package application

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config defines trigger engine configuration.
type Config struct {
	Timezone         string        `yaml:"timezone"`
	TriggerWindow    time.Duration `yaml:"trigger_window"`
	DedupTTL         time.Duration `yaml:"dedup_ttl"`
	ActivityLookback time.Duration `yaml:"activity_lookback"`
	EvalInterval     time.Duration `yaml:"eval_interval"`
	PollIntervalSec  int           `yaml:"poll_interval_sec"`

	location *time.Location
}

// LoadConfig loads config from yaml or env. A schedule fires when the
// engine evaluates within TriggerWindow after the schedule's minute; the
// dedup TTL covers that whole window so a restarted cache alone never long
// outlives it.
func LoadConfig() (Config, error) {
	cfg := Config{
		Timezone:         getenvDefault("FEEDER_TIMEZONE", "UTC"),
		TriggerWindow:    getenvDurationDefault("SCHEDULE_TRIGGER_WINDOW", 180*time.Second),
		DedupTTL:         getenvDurationDefault("SCHEDULE_DEDUP_TTL", 180*time.Second),
		ActivityLookback: getenvDurationDefault("SCHEDULE_ACTIVITY_LOOKBACK", 10*time.Minute),
		EvalInterval:     getenvDurationDefault("SCHEDULE_EVAL_INTERVAL", 10*time.Second),
		PollIntervalSec:  getenvIntDefault("DEVICE_POLL_INTERVAL_SEC", 30),
	}

	if path := os.Getenv("SCHEDULER_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return cfg, fmt.Errorf("scheduler: bad timezone %q: %w", cfg.Timezone, err)
	}
	cfg.location = loc
	return cfg, nil
}

// Location returns the configured wall-clock timezone, defaulting to UTC.
func (c Config) Location() *time.Location {
	if c.location == nil {
		return time.UTC
	}
	return c.location
}

// WithLocation returns a copy using the given timezone; used by tests.
func (c Config) WithLocation(loc *time.Location) Config {
	c.location = loc
	return c
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvDurationDefault(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}
