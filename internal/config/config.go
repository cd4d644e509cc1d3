package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	AppEnv          string
	ListenAddr      string
	ShutdownTimeout time.Duration

	StoreMode          string
	DatabaseURL        string
	DatabaseDebug      bool
	RedisURL           string
	TokenEncryptionKey string

	JWTSecret            string
	IdentityURL          string
	IdentityAPIKey       string
	IdentityTimeout      time.Duration
	CapabilityPolicyFile string

	MerchantBaseURL      string
	MerchantClientID     string
	MerchantClientSecret string
	MerchantTimeout      time.Duration

	MessagingBaseURL        string
	MessagingAdminToken     string
	MessagingTimeout        time.Duration
	MessagingRPS            float64
	PublicBaseURL           string
	MessagingWebhookSecret  string
	MessagingWebhookEvents  []string
	MessagingWebhookExclude []string

	EventsWebhookURL string
	EventsTimeout    time.Duration
	EventsMaxRetries int
	EventsRetryBase  time.Duration
	EventsRetryMax   time.Duration

	RateLimitRetention time.Duration
	IdempotencyTTL     time.Duration
	JanitorInterval    time.Duration
}

func Load() Config {
	return Config{
		AppEnv:          getEnv("APP_ENV", "production"),
		ListenAddr:      getEnv("LISTEN_ADDR", ":8080"),
		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 15*time.Second),

		StoreMode:          strings.ToLower(getEnv("STORE_MODE", StorePostgres)),
		DatabaseURL:        getEnv("DATABASE_URL", ""),
		DatabaseDebug:      getBool("DATABASE_DEBUG", false),
		RedisURL:           getEnv("REDIS_URL", ""),
		TokenEncryptionKey: getEnv("TOKEN_ENCRYPTION_KEY", ""),

		JWTSecret:            getEnv("JWT_SECRET", ""),
		IdentityURL:          getEnv("IDENTITY_URL", ""),
		IdentityAPIKey:       getEnv("IDENTITY_API_KEY", ""),
		IdentityTimeout:      getDuration("IDENTITY_TIMEOUT", 5*time.Second),
		CapabilityPolicyFile: getEnv("CAPABILITY_POLICY_FILE", ""),

		MerchantBaseURL:      getEnv("MERCHANT_BASE_URL", "https://merchant-api.ifood.com.br"),
		MerchantClientID:     getEnv("MERCHANT_CLIENT_ID", ""),
		MerchantClientSecret: getEnv("MERCHANT_CLIENT_SECRET", ""),
		MerchantTimeout:      getDuration("MERCHANT_TIMEOUT", 10*time.Second),

		MessagingBaseURL:        getEnv("MESSAGING_BASE_URL", ""),
		MessagingAdminToken:     getEnv("MESSAGING_ADMIN_TOKEN", ""),
		MessagingTimeout:        getDuration("MESSAGING_TIMEOUT", 15*time.Second),
		MessagingRPS:            getFloat("MESSAGING_RPS", 5),
		PublicBaseURL:           strings.TrimRight(getEnv("PUBLIC_BASE_URL", ""), "/"),
		MessagingWebhookSecret:  getEnv("MESSAGING_WEBHOOK_SECRET", ""),
		MessagingWebhookEvents:  getList("MESSAGING_WEBHOOK_EVENTS", []string{"messages", "connection"}),
		MessagingWebhookExclude: getList("MESSAGING_WEBHOOK_EXCLUDE", []string{"wasSentByApi"}),

		EventsWebhookURL: getEnv("EVENTS_WEBHOOK_URL", ""),
		EventsTimeout:    getDuration("EVENTS_TIMEOUT", 5*time.Second),
		EventsMaxRetries: getInt("EVENTS_MAX_RETRIES", 3),
		EventsRetryBase:  getDuration("EVENTS_RETRY_BASE", 500*time.Millisecond),
		EventsRetryMax:   getDuration("EVENTS_RETRY_MAX", 5*time.Second),

		RateLimitRetention: getDuration("RATE_LIMIT_RETENTION", 24*time.Hour),
		IdempotencyTTL:     getDuration("IDEMPOTENCY_TTL", 72*time.Hour),
		JanitorInterval:    getDuration("JANITOR_INTERVAL", 10*time.Minute),
	}
}

func (c Config) IsDevelopment() bool {
	return c.AppEnv == "development" || c.AppEnv == "dev"
}

// WebhookURL is the inbound endpoint messaging instances are pointed at.
func (c Config) WebhookURL() string {
	if c.PublicBaseURL == "" {
		return ""
	}
	return c.PublicBaseURL + "/webhooks/messaging"
}

// Validate reports settings the server cannot start without.
func (c Config) Validate() error {
	var errs []error
	switch c.StoreMode {
	case StoreMemory:
	case StorePostgres, StoreSQLite:
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for STORE_MODE=%s", c.StoreMode))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported STORE_MODE %q", c.StoreMode))
	}
	if c.IdentityURL == "" && c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET or IDENTITY_URL is required"))
	}
	if c.RateLimitRetention <= 0 || c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RETENTION and IDEMPOTENCY_TTL must be positive"))
	}
	return errors.Join(errs...)
}

// Warnings lists missing settings that disable individual integrations.
func (c Config) Warnings() []string {
	var out []string
	if c.MerchantClientID == "" || c.MerchantClientSecret == "" {
		out = append(out, "MERCHANT_CLIENT_ID/MERCHANT_CLIENT_SECRET not set; merchant oauth calls will fail")
	}
	if c.MessagingBaseURL == "" || c.MessagingAdminToken == "" {
		out = append(out, "MESSAGING_BASE_URL/MESSAGING_ADMIN_TOKEN not set; messaging instance calls will fail")
	}
	if c.PublicBaseURL == "" {
		out = append(out, "PUBLIC_BASE_URL not set; webhooks will not be provisioned for connected instances")
	}
	if c.PublicBaseURL != "" && c.MessagingWebhookSecret == "" {
		out = append(out, "MESSAGING_WEBHOOK_SECRET not set; inbound webhooks are rejected")
	}
	if c.TokenEncryptionKey == "" && c.StoreMode != StoreMemory {
		out = append(out, "TOKEN_ENCRYPTION_KEY not set; provider tokens are stored unencrypted")
	}
	return out
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fallback
	}
	return n
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func getDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func getList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
