package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	HTTPAddr     string   `yaml:"http_addr"`
	LogLevel     string   `yaml:"log_level"`
	PostgresDSN  string   `yaml:"postgres_dsn"`
	RedisAddr    string   `yaml:"redis_addr"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	JWTSecret    string   `yaml:"jwt_secret"`
	OTLPEndpoint string   `yaml:"otlp_endpoint"`

	Topics       TopicsConfig       `yaml:"topics"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Payment      PaymentConfig      `yaml:"payment"`
	Policy       PolicyConfig       `yaml:"policy"`
	RateLimit    RateLimitConfig    `yaml:"rate_limit"`
}

type TopicsConfig struct {
	TransactionEvents string `yaml:"transaction_events"`
	SettlementGroup   string `yaml:"settlement_group"`
}

type SubscriptionConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type PaymentConfig struct {
	BaseURL  string        `yaml:"base_url"`
	APIKey   string        `yaml:"api_key"`
	Currency string        `yaml:"currency"`
	Timeout  time.Duration `yaml:"timeout"`
}

type PolicyConfig struct {
	// AccessFailOpen lets a borrow request through when the subscription
	// check itself fails; the server re-checks on transaction creation.
	AccessFailOpen   bool          `yaml:"access_fail_open"`
	AccessCacheTTL   time.Duration `yaml:"access_cache_ttl"`
	CompletionPolicy string        `yaml:"completion_policy"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	IdempotencyTTL   time.Duration `yaml:"idempotency_ttl"`
	// SettlementSweep is how often returned transactions without a
	// settlement are retried; SettlementGrace is how long the event
	// consumer gets before the sweep takes over.
	SettlementSweep time.Duration `yaml:"settlement_sweep"`
	SettlementGrace time.Duration `yaml:"settlement_grace"`
}

type RateLimitConfig struct {
	RPS   float64 `yaml:"rps"`
	Burst int     `yaml:"burst"`
}

func defaults() *Config {
	return &Config{
		HTTPAddr:     ":8080",
		LogLevel:     "info",
		PostgresDSN:  "host=localhost user=postgres password=postgres dbname=lending sslmode=disable",
		RedisAddr:    "localhost:6379",
		KafkaBrokers: []string{"localhost:9092"},
		JWTSecret:    "supersecret",
		Topics: TopicsConfig{
			TransactionEvents: "transaction-events",
			SettlementGroup:   "lending-settlement",
		},
		Subscription: SubscriptionConfig{
			BaseURL: "http://localhost:8081",
			Timeout: 2 * time.Second,
		},
		Payment: PaymentConfig{
			BaseURL:  "http://localhost:8082",
			Currency: "usd",
			Timeout:  10 * time.Second,
		},
		Policy: PolicyConfig{
			AccessFailOpen:   true,
			AccessCacheTTL:   time.Minute,
			CompletionPolicy: "both",
			LockTTL:          15 * time.Second,
			IdempotencyTTL:   24 * time.Hour,
			SettlementSweep:  time.Minute,
			SettlementGrace:  5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			RPS:   10,
			Burst: 20,
		},
	}
}

// Load reads .env, then the optional YAML file named by CONFIG_FILE, then
// environment variables. Later sources win.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Warn("failed to load .env file, using environment", "error", err)
	}

	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	slog.Info("config loaded",
		"http_addr", cfg.HTTPAddr,
		"redis_addr", cfg.RedisAddr,
		"kafka_brokers", cfg.KafkaBrokers,
		"access_fail_open", cfg.Policy.AccessFailOpen,
		"completion_policy", cfg.Policy.CompletionPolicy)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	setString(&cfg.HTTPAddr, "HTTP_ADDR")
	setString(&cfg.LogLevel, "LOG_LEVEL")
	setString(&cfg.PostgresDSN, "POSTGRES_DSN")
	setString(&cfg.RedisAddr, "REDIS_ADDR")
	setString(&cfg.JWTSecret, "JWT_SECRET")
	setString(&cfg.OTLPEndpoint, "OTLP_ENDPOINT")
	setString(&cfg.Topics.TransactionEvents, "KAFKA_TOPIC_TRANSACTION_EVENTS")
	setString(&cfg.Topics.SettlementGroup, "KAFKA_SETTLEMENT_GROUP")
	setString(&cfg.Subscription.BaseURL, "SUBSCRIPTION_URL")
	setString(&cfg.Payment.BaseURL, "PAYMENT_URL")
	setString(&cfg.Payment.APIKey, "PAYMENT_API_KEY")
	setString(&cfg.Payment.Currency, "PAYMENT_CURRENCY")
	setString(&cfg.Policy.CompletionPolicy, "COMPLETION_POLICY")

	if v := os.Getenv("KAFKA_BROKER"); v != "" {
		cfg.KafkaBrokers = strings.Split(v, ",")
	}

	var errs []error
	if v := os.Getenv("ACCESS_FAIL_OPEN"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ACCESS_FAIL_OPEN: %w", err))
		}
		cfg.Policy.AccessFailOpen = b
	}
	errs = append(errs,
		setDuration(&cfg.Policy.AccessCacheTTL, "ACCESS_CACHE_TTL"),
		setDuration(&cfg.Policy.LockTTL, "LOCK_TTL"),
		setDuration(&cfg.Policy.IdempotencyTTL, "IDEMPOTENCY_TTL"),
		setDuration(&cfg.Policy.SettlementSweep, "SETTLEMENT_SWEEP"),
		setDuration(&cfg.Policy.SettlementGrace, "SETTLEMENT_GRACE"),
		setDuration(&cfg.Subscription.Timeout, "SUBSCRIPTION_TIMEOUT"),
		setDuration(&cfg.Payment.Timeout, "PAYMENT_TIMEOUT"),
	)
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_RPS: %w", err))
		}
		cfg.RateLimit.RPS = f
	}
	if v := os.Getenv("RATE_LIMIT_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("RATE_LIMIT_BURST: %w", err))
		}
		cfg.RateLimit.Burst = n
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt secret is required"))
	}
	if len(c.KafkaBrokers) == 0 || c.KafkaBrokers[0] == "" {
		errs = append(errs, errors.New("at least one kafka broker is required"))
	}
	switch c.Policy.CompletionPolicy {
	case "both", "first":
	default:
		errs = append(errs, fmt.Errorf("completion policy must be both or first, got %q", c.Policy.CompletionPolicy))
	}
	if c.Policy.LockTTL <= 0 {
		errs = append(errs, errors.New("lock ttl must be positive"))
	}
	if c.Policy.SettlementSweep <= 0 {
		errs = append(errs, errors.New("settlement sweep interval must be positive"))
	}
	if c.RateLimit.RPS <= 0 {
		errs = append(errs, errors.New("rate limit rps must be positive"))
	}
	return errors.Join(errs...)
}
