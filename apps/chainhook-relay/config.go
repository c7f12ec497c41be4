package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort            = "3999"
	defaultContractAddress = "SP1G4ZDXED8XM2XJ4Q4GJ7F4PG4EJQ1KKXRCD0S3K"
	defaultContractName    = "frictionless-fort-knox"
)

// config holds settings for serve and register. Precedence: defaults, then the
// optional YAML file, then the environment.
type config struct {
	addr         string
	eventsPath   string
	backend      string
	databaseURL  string
	redisURL     string
	writeTimeout time.Duration
	rateLimitRPS int
	rateBurst    int
	logLevel     slog.Level

	// trustForwarded keys the rate limiter by X-Forwarded-For.
	trustForwarded bool

	apiKey          string
	jwt             string
	webhookURL      string
	network         string
	contractAddress string
	contractName    string
	chainhooksURL   string
}

// fileConfig is the YAML overlay. Credentials are env-only.
type fileConfig struct {
	Port           string `yaml:"port"`
	EventsPath     string `yaml:"events_path"`
	Backend        string `yaml:"backend"`
	DatabaseURL    string `yaml:"database_url"`
	RedisURL       string `yaml:"redis_url"`
	WriteTimeoutMS int    `yaml:"write_timeout_ms"`
	RateLimit      *struct {
		RPS            *int  `yaml:"rps"`
		Burst          *int  `yaml:"burst"`
		TrustForwarded *bool `yaml:"trust_forwarded"`
	} `yaml:"rate_limit"`
	LogLevel     string `yaml:"log_level"`
	Registration struct {
		WebhookURL      string `yaml:"webhook_url"`
		Network         string `yaml:"network"`
		ContractAddress string `yaml:"contract_address"`
		ContractName    string `yaml:"contract_name"`
		BaseURL         string `yaml:"base_url"`
	} `yaml:"registration"`
}

func defaultConfig() config {
	return config{
		addr:            ":" + defaultPort,
		eventsPath:      defaultEventsPath(),
		backend:         "file",
		writeTimeout:    5 * time.Second,
		rateLimitRPS:    50,
		rateBurst:       100,
		logLevel:        slog.LevelInfo,
		network:         "testnet",
		contractAddress: defaultContractAddress,
		contractName:    defaultContractName,
	}
}

// defaultEventsPath resolves public/chainhook-events.json next to the installed binary.
func defaultEventsPath() string {
	dir := "."
	if exe, err := os.Executable(); err == nil {
		dir = filepath.Dir(exe)
	}
	return filepath.Join(dir, "public", "chainhook-events.json")
}

// loadConfig builds the config from an optional YAML file plus the environment.
func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			return config{}, err
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *config) applyFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(b, &fc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	if fc.Port != "" {
		c.addr = portAddr(fc.Port, c.addr)
	}
	setIfNotEmpty(&c.eventsPath, fc.EventsPath)
	setIfNotEmpty(&c.backend, fc.Backend)
	setIfNotEmpty(&c.databaseURL, fc.DatabaseURL)
	setIfNotEmpty(&c.redisURL, fc.RedisURL)
	if fc.WriteTimeoutMS > 0 {
		c.writeTimeout = time.Duration(fc.WriteTimeoutMS) * time.Millisecond
	}
	if fc.RateLimit != nil {
		if fc.RateLimit.RPS != nil && *fc.RateLimit.RPS >= 0 {
			c.rateLimitRPS = *fc.RateLimit.RPS
		}
		if fc.RateLimit.Burst != nil && *fc.RateLimit.Burst > 0 {
			c.rateBurst = *fc.RateLimit.Burst
		}
		if fc.RateLimit.TrustForwarded != nil {
			c.trustForwarded = *fc.RateLimit.TrustForwarded
		}
	}
	if fc.LogLevel != "" {
		c.logLevel = parseLevel(fc.LogLevel, c.logLevel)
	}
	setIfNotEmpty(&c.webhookURL, fc.Registration.WebhookURL)
	setIfNotEmpty(&c.network, fc.Registration.Network)
	setIfNotEmpty(&c.contractAddress, fc.Registration.ContractAddress)
	setIfNotEmpty(&c.contractName, fc.Registration.ContractName)
	setIfNotEmpty(&c.chainhooksURL, fc.Registration.BaseURL)
	return nil
}

func (c *config) applyEnv() {
	if p := firstEnv("CHAINHOOK_WEBHOOK_PORT", "PORT"); p != "" {
		c.addr = portAddr(p, c.addr)
	}
	setIfNotEmpty(&c.eventsPath, os.Getenv("CHAINHOOK_EVENTS_PATH"))
	setIfNotEmpty(&c.backend, os.Getenv("LEDGER_BACKEND"))
	setIfNotEmpty(&c.databaseURL, os.Getenv("DATABASE_URL"))
	setIfNotEmpty(&c.redisURL, os.Getenv("REDIS_URL"))
	if s := os.Getenv("LEDGER_WRITE_TIMEOUT_MS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			c.writeTimeout = time.Duration(n) * time.Millisecond
		}
	}
	if s := os.Getenv("WEBHOOK_RATE_LIMIT_RPS"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n >= 0 {
			c.rateLimitRPS = n
		}
	}
	if s := os.Getenv("WEBHOOK_RATE_LIMIT_BURST"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			c.rateBurst = n
		}
	}
	if s := os.Getenv("WEBHOOK_TRUST_FORWARDED"); s != "" {
		if b, err := strconv.ParseBool(s); err == nil {
			c.trustForwarded = b
		}
	}
	if s := os.Getenv("LOG_LEVEL"); s != "" {
		c.logLevel = parseLevel(s, c.logLevel)
	}

	setIfNotEmpty(&c.apiKey, os.Getenv("CHAINHOOKS_API_KEY"))
	setIfNotEmpty(&c.jwt, os.Getenv("CHAINHOOKS_JWT"))
	setIfNotEmpty(&c.webhookURL, os.Getenv("CHAINHOOK_WEBHOOK_URL"))
	setIfNotEmpty(&c.network, firstEnv("CHAINHOOKS_NETWORK", "VITE_STACKS_NETWORK"))
	setIfNotEmpty(&c.contractAddress, firstEnv("VITE_CONTRACT_ADDRESS", "CONTRACT_ADDRESS"))
	setIfNotEmpty(&c.contractName, firstEnv("VITE_CONTRACT_NAME", "CONTRACT_NAME"))
	setIfNotEmpty(&c.chainhooksURL, os.Getenv("CHAINHOOKS_BASE_URL"))
}

// portAddr accepts PORT=3999 or PORT=:3999.
func portAddr(p, fallback string) string {
	p = strings.TrimPrefix(strings.TrimSpace(p), ":")
	if p == "" {
		return fallback
	}
	return ":" + p
}

func parseLevel(s string, fallback slog.Level) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return fallback
	}
	return lvl
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func setIfNotEmpty(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}
