package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Rejection policies for rate-limited clients. "respond" sends an empty
// NOERROR answer immediately so the resolver does not hang on retransmit;
// "drop" discards the datagram silently.
const (
	PolicyRespond = "respond"
	PolicyDrop    = "drop"
)

type LLMConfig struct {
	Protocol string `yaml:"protocol"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Model    string `yaml:"model"`
}

type RateLimitConfig struct {
	Capacity     int     `yaml:"capacity"`
	RefillPerSec float64 `yaml:"refill_per_second"`
	Policy       string  `yaml:"policy"`
}

type CacheConfig struct {
	Enable     bool `yaml:"enable"`
	TTLMinutes int  `yaml:"ttl_minutes"`
}

type MetricsConfig struct {
	Enable bool `yaml:"enable"`
	Port   int  `yaml:"port"`
}

type Config struct {
	Port        int    `yaml:"port"`
	BindAddress string `yaml:"bind_address"`
	// TTL of the TXT records, seconds
	TTL uint32 `yaml:"ttl"`
	// Hard cap on answer length, bytes
	MaxChars        int    `yaml:"max_chars"`
	DeadlineSeconds int    `yaml:"deadline_seconds"`
	DomainSuffix    string `yaml:"domain_suffix"`
	LogLevel        string `yaml:"log_level"`

	LLM       LLMConfig       `yaml:"llm"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Cache     CacheConfig     `yaml:"cache"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

func DefaultConfig() *Config {
	return &Config{
		Port:            53,
		BindAddress:     "",
		TTL:             60,
		MaxChars:        500,
		DeadlineSeconds: 4,
		DomainSuffix:    "",
		LogLevel:        "info",
		LLM: LLMConfig{
			Protocol: "http",
			Host:     "127.0.0.1",
			Port:     11434,
			Model:    "llama3.2",
		},
		RateLimit: RateLimitConfig{
			Capacity:     60,
			RefillPerSec: 1.0,
			Policy:       PolicyRespond,
		},
		Cache: CacheConfig{
			Enable:     true,
			TTLMinutes: 10,
		},
		Metrics: MetricsConfig{
			Enable: false,
			Port:   2112,
		},
	}
}

// LoadConfig reads path and overlays it on the defaults. A missing file
// is not an error - the server starts with defaults.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be 1-65535, got %d", c.Port)
	}
	if c.MaxChars < 1 {
		return fmt.Errorf("max_chars must be positive, got %d", c.MaxChars)
	}
	if c.DeadlineSeconds < 1 {
		return fmt.Errorf("deadline_seconds must be positive, got %d", c.DeadlineSeconds)
	}
	if c.LLM.Host == "" || c.LLM.Model == "" {
		return errors.New("llm host and model must be set")
	}
	if c.LLM.Port < 1 || c.LLM.Port > 65535 {
		return fmt.Errorf("llm port must be 1-65535, got %d", c.LLM.Port)
	}
	if c.RateLimit.Capacity < 1 {
		return fmt.Errorf("rate_limit capacity must be at least 1, got %d", c.RateLimit.Capacity)
	}
	if c.RateLimit.RefillPerSec <= 0 {
		return fmt.Errorf("rate_limit refill_per_second must be positive, got %g", c.RateLimit.RefillPerSec)
	}
	if c.RateLimit.Policy != PolicyRespond && c.RateLimit.Policy != PolicyDrop {
		return fmt.Errorf("rate_limit policy must be %q or %q, got %q", PolicyRespond, PolicyDrop, c.RateLimit.Policy)
	}
	if c.Cache.Enable && c.Cache.TTLMinutes < 1 {
		return fmt.Errorf("cache ttl_minutes must be positive, got %d", c.Cache.TTLMinutes)
	}
	return nil
}

func (c *Config) Deadline() time.Duration {
	return time.Duration(c.DeadlineSeconds) * time.Second
}

func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
