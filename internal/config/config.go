package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	// NodeID seeds the snowflake generator; unique per running replica.
	NodeID int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBPath            string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Redis RedisConfig
	Auth  AuthConfig

	Billing BillingProviderConfig
	Sync    SyncConfig
	Ledger  LedgerConfig

	TierConfigPath string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis address was configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type AuthConfig struct {
	IssuerURL   string
	ClientID    string
	AdminEmails []string
}

type BillingProviderConfig struct {
	Provider  string
	SecretKey string
}

type SyncConfig struct {
	// ProviderCallTimeout bounds every single call to the billing provider.
	ProviderCallTimeout time.Duration
	// PassTimeout bounds a whole automatic pass started on session start.
	PassTimeout time.Duration
	// SessionLockTTL is how long an automatic pass holds its redis lock.
	SessionLockTTL time.Duration
	// ManualRatePerMinute and ManualBurst shape the per-user token bucket for
	// manual syncs. Only enforced when redis is configured.
	ManualRatePerMinute float64
	ManualBurst         int
}

type LedgerConfig struct {
	HealthScoreStartingCredits int64
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "creditledger"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		NodeID:            getenvInt64("SNOWFLAKE_NODE_ID", 1),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "postgres"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBPath:            getenv("DATABASE_PATH", "creditledger.db"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME", 300),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME", 60),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: getenv("REDIS_PASSWORD", ""),
			DB:       getenvInt("REDIS_DB", 0),
		},
		Auth: AuthConfig{
			IssuerURL:   strings.TrimSpace(getenv("AUTH_ISSUER_URL", "")),
			ClientID:    strings.TrimSpace(getenv("AUTH_CLIENT_ID", "")),
			AdminEmails: parseList(getenv("AUTH_ADMIN_EMAILS", "")),
		},
		Billing: BillingProviderConfig{
			Provider:  strings.ToLower(getenv("BILLING_PROVIDER", "stripe")),
			SecretKey: strings.TrimSpace(getenv("STRIPE_SECRET_KEY", "")),
		},
		Sync: SyncConfig{
			ProviderCallTimeout: getenvDuration("SYNC_PROVIDER_CALL_TIMEOUT", 10*time.Second),
			PassTimeout:         getenvDuration("SYNC_PASS_TIMEOUT", 60*time.Second),
			SessionLockTTL:      getenvDuration("SYNC_SESSION_LOCK_TTL", 2*time.Minute),
			ManualRatePerMinute: getenvFloat("SYNC_MANUAL_RATE_PER_MINUTE", 6),
			ManualBurst:         getenvInt("SYNC_MANUAL_BURST", 3),
		},
		Ledger: LedgerConfig{
			HealthScoreStartingCredits: getenvInt64("LEDGER_HEALTH_SCORE_STARTING_CREDITS", 1),
		},
		TierConfigPath: strings.TrimSpace(getenv("TIER_CONFIG_PATH", "")),
	}

	return cfg
}

// IsProduction reports whether the service runs in production.
func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func parseList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
