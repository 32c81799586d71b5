package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Mpesa     MpesaConfig     `mapstructure:"mpesa"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Payments  PaymentsConfig  `mapstructure:"payments"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

// DSN renders the lib/pq connection string.
func (c DBConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode)
}

type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

type KafkaConfig struct {
	Broker string `mapstructure:"broker"`
	Topic  string `mapstructure:"topic"`
}

type MpesaConfig struct {
	Environment    string        `mapstructure:"environment"`
	BaseURL        string        `mapstructure:"base_url"`
	ConsumerKey    string        `mapstructure:"consumer_key"`
	ConsumerSecret string        `mapstructure:"consumer_secret"`
	Shortcode      string        `mapstructure:"shortcode"`
	Passkey        string        `mapstructure:"passkey"`
	CallbackURL    string        `mapstructure:"callback_url"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
}

// GatewayURL returns the explicit base URL, or the one selected by environment.
func (c MpesaConfig) GatewayURL() string {
	if c.BaseURL != "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	if c.Environment == "production" {
		return "https://api.safaricom.co.ke"
	}
	return "https://sandbox.safaricom.co.ke"
}

type WebhookConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type AuthConfig struct {
	JWTSecret        string        `mapstructure:"jwt_secret"`
	SessionTTL       time.Duration `mapstructure:"session_ttl"`
	MaxLoginAttempts int           `mapstructure:"max_login_attempts"`
	LockDuration     time.Duration `mapstructure:"lock_duration"`
}

type PaymentsConfig struct {
	ReferencePrefix string        `mapstructure:"reference_prefix"`
	PendingTimeout  time.Duration `mapstructure:"pending_timeout"`
	MaxPendingAge   time.Duration `mapstructure:"max_pending_age"`
	ExpiryInterval  time.Duration `mapstructure:"expiry_interval"`
	ExpiryBatch     int           `mapstructure:"expiry_batch"`
	ExpiryWorkers   int           `mapstructure:"expiry_workers"`
}

type RateLimitConfig struct {
	AuthPerMinute    int `mapstructure:"auth_per_minute"`
	PaymentPerMinute int `mapstructure:"payment_per_minute"`
}

type TracingConfig struct {
	ServiceName    string `mapstructure:"service_name"`
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8083")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "postgres")
	v.SetDefault("db.password", "postgres")
	v.SetDefault("db.name", "paymentdb")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", "6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.cache_ttl", 10*time.Minute)

	v.SetDefault("kafka.broker", "localhost:9092")
	v.SetDefault("kafka.topic", "payment_events")

	v.SetDefault("mpesa.environment", "sandbox")
	v.SetDefault("mpesa.base_url", "")
	v.SetDefault("mpesa.consumer_key", "")
	v.SetDefault("mpesa.consumer_secret", "")
	v.SetDefault("mpesa.shortcode", "174379")
	v.SetDefault("mpesa.passkey", "")
	v.SetDefault("mpesa.callback_url", "http://localhost:8083/payments/callback")
	v.SetDefault("mpesa.timeout", 10*time.Second)
	v.SetDefault("mpesa.max_attempts", 3)
	v.SetDefault("mpesa.base_delay", time.Second)

	v.SetDefault("webhook.timeout", 10*time.Second)

	v.SetDefault("auth.jwt_secret", defaultJWTSecret)
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("auth.max_login_attempts", 5)
	v.SetDefault("auth.lock_duration", 15*time.Minute)

	v.SetDefault("payments.reference_prefix", "DS")
	v.SetDefault("payments.pending_timeout", 10*time.Minute)
	v.SetDefault("payments.max_pending_age", time.Hour)
	v.SetDefault("payments.expiry_interval", time.Minute)
	v.SetDefault("payments.expiry_batch", 50)
	v.SetDefault("payments.expiry_workers", 5)

	v.SetDefault("ratelimit.auth_per_minute", 10)
	v.SetDefault("ratelimit.payment_per_minute", 5)

	v.SetDefault("tracing.service_name", "datakibanda")
	v.SetDefault("tracing.jaeger_endpoint", "http://localhost:14268/api/traces")
}

const defaultJWTSecret = "change-me-in-production"

// ErrInsecureJWTSecret is returned by Load for a production config without its own secret.
var ErrInsecureJWTSecret = errors.New("auth.jwt_secret must be set in production")

// Load reads defaults, then the optional YAML file at path, then the environment.
// Env keys are the upper-cased dotted keys with "." replaced by "_" (DB_HOST, MPESA_PASSKEY).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Mpesa.Environment != "production" {
		return nil
	}
	secret := strings.TrimSpace(c.Auth.JWTSecret)
	if secret == "" || secret == defaultJWTSecret {
		return ErrInsecureJWTSecret
	}
	return nil
}
