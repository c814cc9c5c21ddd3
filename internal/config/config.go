package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Auth struct {
		Secret string `yaml:"secret"`
	} `yaml:"auth"`
	JoinCode struct {
		TTL string `yaml:"ttl"`
	} `yaml:"joinCode"`
	Test struct {
		CacheTTL string `yaml:"cacheTtl"`
	} `yaml:"test"`
	Session struct {
		Cost      int `yaml:"cost"`
		RateLimit struct {
			Limit  int    `yaml:"limit"`
			Window string `yaml:"window"`
		} `yaml:"rateLimit"`
	} `yaml:"session"`
}

// Load reads YAML config from path. Secrets may come from the environment
// instead of the file.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, err
	}
	if cfg.Auth.Secret == "" {
		cfg.Auth.Secret = os.Getenv("ACCESS_TOKEN_SECRET")
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty or
// invalid.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
