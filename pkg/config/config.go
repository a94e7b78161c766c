package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const EnvPrefix = "RECURPAY"

const (
	AppEnvDev  = "dev"
	AppEnvProd = "prod"
)

type Config struct {
	App          AppConfig
	DB           DBConfig
	Redis        RedisConfig
	PayPal       PayPalConfig
	Billing      BillingConfig
	PubSub       PubSubConfig
	FeatureFlags FeatureFlagsConfig
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.DB.ensureDSN(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

type AppConfig struct {
	Env          string `envconfig:"RECURPAY_APP_ENV" required:"true"`
	Port         string `envconfig:"RECURPAY_APP_PORT" default:"8090"`
	LogLevel     string `envconfig:"RECURPAY_LOG_LEVEL" default:"info"`
	LogWarnStack bool   `envconfig:"RECURPAY_LOG_WARN_STACK" default:"false"`
}

func (a AppConfig) IsDev() bool {
	return strings.EqualFold(a.Env, AppEnvDev)
}

func (a AppConfig) IsProd() bool {
	return strings.EqualFold(a.Env, AppEnvProd)
}

type DBConfig struct {
	DSN    string `envconfig:"RECURPAY_DB_DSN"`
	Driver string `envconfig:"RECURPAY_DB_DRIVER" default:"postgres"`

	LegacyHost     string `envconfig:"RECURPAY_DB_HOST"`
	LegacyPort     int    `envconfig:"RECURPAY_DB_PORT" default:"5432"`
	LegacyUser     string `envconfig:"RECURPAY_DB_USER"`
	LegacyPassword string `envconfig:"RECURPAY_DB_PASSWORD"`
	LegacyName     string `envconfig:"RECURPAY_DB_NAME"`
	LegacySSLMode  string `envconfig:"RECURPAY_DB_SSLMODE" default:"disable"`

	MaxOpenConns    int           `envconfig:"RECURPAY_DB_MAX_OPEN_CONNS" default:"20"`
	MaxIdleConns    int           `envconfig:"RECURPAY_DB_MAX_IDLE_CONNS" default:"10"`
	ConnMaxLifetime time.Duration `envconfig:"RECURPAY_DB_CONN_MAX_LIFETIME" default:"1h"`
	ConnMaxIdleTime time.Duration `envconfig:"RECURPAY_DB_CONN_MAX_IDLE_TIME" default:"10m"`
}

type RedisConfig struct {
	URL          string        `envconfig:"RECURPAY_REDIS_URL" required:"true"`
	Address      string        `envconfig:"RECURPAY_REDIS_ADDR"`
	Password     string        `envconfig:"RECURPAY_REDIS_PASSWORD"`
	DB           int           `envconfig:"RECURPAY_REDIS_DB" default:"0"`
	PoolSize     int           `envconfig:"RECURPAY_REDIS_POOL_SIZE" default:"10"`
	MinIdleConns int           `envconfig:"RECURPAY_REDIS_MIN_IDLE_CONNS" default:"2"`
	DialTimeout  time.Duration `envconfig:"RECURPAY_REDIS_DIAL_TIMEOUT" default:"5s"`
	ReadTimeout  time.Duration `envconfig:"RECURPAY_REDIS_READ_TIMEOUT" default:"5s"`
	WriteTimeout time.Duration `envconfig:"RECURPAY_REDIS_WRITE_TIMEOUT" default:"5s"`
}

// PayPalConfig holds provider credentials and client behavior.
type PayPalConfig struct {
	Env            string        `envconfig:"RECURPAY_PAYPAL_ENV" default:"sandbox"`
	ClientID       string        `envconfig:"RECURPAY_PAYPAL_CLIENT_ID" required:"true"`
	ClientSecret   string        `envconfig:"RECURPAY_PAYPAL_CLIENT_SECRET" required:"true"`
	RequestTimeout time.Duration `envconfig:"RECURPAY_PAYPAL_REQUEST_TIMEOUT" default:"30s"`
	MaxRetries     int           `envconfig:"RECURPAY_PAYPAL_MAX_RETRIES" default:"3"`
	RetryBaseDelay time.Duration `envconfig:"RECURPAY_PAYPAL_RETRY_BASE_DELAY" default:"500ms"`
	OrderCacheTTL  time.Duration `envconfig:"RECURPAY_PAYPAL_ORDER_CACHE_TTL" default:"3h"`
}

// Environment returns the normalized PayPal environment (sandbox/live).
func (p PayPalConfig) Environment() string {
	env := strings.TrimSpace(strings.ToLower(p.Env))
	if env == "" {
		return "sandbox"
	}
	return env
}

// BillingConfig drives the recurring charge batch.
type BillingConfig struct {
	Schedule        string        `envconfig:"RECURPAY_BILLING_SCHEDULE" default:"0 6 * * *"`
	BatchLimit      int           `envconfig:"RECURPAY_BILLING_BATCH_LIMIT" default:"500"`
	Workers         int           `envconfig:"RECURPAY_BILLING_WORKERS" default:"4"`
	MaxRetries      int           `envconfig:"RECURPAY_BILLING_MAX_RETRIES" default:"3"`
	RetryOffsetDays int           `envconfig:"RECURPAY_BILLING_RETRY_OFFSET_DAYS" default:"1"`
	ClaimTTL        time.Duration `envconfig:"RECURPAY_BILLING_CLAIM_TTL" default:"30m"`
}

type PubSubConfig struct {
	ProjectID    string `envconfig:"RECURPAY_GCP_PROJECT_ID"`
	BillingTopic string `envconfig:"RECURPAY_PUBSUB_BILLING_TOPIC" default:"rp-billing-events"`
}

type FeatureFlagsConfig struct {
	AutoMigrate bool `envconfig:"RECURPAY_AUTO_MIGRATE" default:"false"`
}

func (db *DBConfig) ensureDSN() error {
	if db.DSN != "" {
		return nil
	}

	missing := []string{}
	legacyValues := map[string]string{
		"RECURPAY_DB_HOST": db.LegacyHost,
		"RECURPAY_DB_USER": db.LegacyUser,
		"RECURPAY_DB_NAME": db.LegacyName,
	}
	for _, env := range []string{"RECURPAY_DB_HOST", "RECURPAY_DB_USER", "RECURPAY_DB_NAME"} {
		if legacyValues[env] == "" {
			missing = append(missing, env)
		}
	}

	if len(missing) > 0 {
		return fmt.Errorf("either RECURPAY_DB_DSN or %s are required", strings.Join(missing, ", "))
	}

	userInfo := url.User(db.LegacyUser)
	if db.LegacyPassword != "" {
		userInfo = url.UserPassword(db.LegacyUser, db.LegacyPassword)
	}

	u := &url.URL{
		Scheme: "postgres",
		User:   userInfo,
		Host:   fmt.Sprintf("%s:%d", db.LegacyHost, db.LegacyPort),
		Path:   db.LegacyName,
	}

	if db.LegacySSLMode != "" {
		q := u.Query()
		q.Set("sslmode", db.LegacySSLMode)
		u.RawQuery = q.Encode()
	}

	db.DSN = u.String()
	return nil
}
