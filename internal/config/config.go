package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

// Environments supported by the Wise connector
const (
	EnvSandbox    = "sandbox"
	EnvProduction = "production"
)

// Event routing targets for inbound webhooks
const (
	RouteIncremental = "incremental"
	RouteTransfers   = "transfers"
)

type Config struct {
	DatabaseURL       string
	RedisURL          string
	HTTPAddr          string
	MetricsAddr       string
	LogLevel          string
	LogPretty         bool
	SecretKey         string
	PrimaryCompanyID  int64 // 0 when unset
	LockBackend       string
	SyncInterval      int // minutes
	WorkerConcurrency int
	ShutdownTimeout   int // seconds
	Wise              WiseConfig
}

type WiseConfig struct {
	APIBaseSandbox      string
	APIBaseProduction   string
	OAuthBaseSandbox    string
	OAuthBaseProduction string
	ClientID            string
	ClientSecret        string
	APIToken            string
	RedirectURI         string
	ScopesRead          []string
	ScopesWrite         []string
	WebhookURL          string
	WebhookSecret       string
	WebhookRoutes       map[string]string
	WriteEnabled        bool
	PublicKey           string
	PrivateKey          string
	DefaultEnvironment  string
	RequestTimeout      time.Duration
	RetryBaseDelay      time.Duration
	MaxRetries          int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error in production)
	_ = godotenv.Load()

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	primary, err := intEnv("PRIMARY_COMPANY_ID", 0)
	if err != nil {
		return nil, err
	}
	syncInterval, err := intEnv("SYNC_INTERVAL_MINUTES", 60)
	if err != nil {
		return nil, err
	}
	concurrency, err := intEnv("WORKER_CONCURRENCY", 4)
	if err != nil {
		return nil, err
	}
	shutdown, err := intEnv("SHUTDOWN_TIMEOUT", 30)
	if err != nil {
		return nil, err
	}

	lockBackend := getEnv("LOCK_BACKEND", "postgres")
	if lockBackend != "postgres" && lockBackend != "redis" {
		return nil, fmt.Errorf("LOCK_BACKEND must be postgres or redis, got %q", lockBackend)
	}

	routes, err := ParseRoutes(os.Getenv("WISE_WEBHOOK_ROUTES"))
	if err != nil {
		return nil, err
	}

	wise := WiseConfig{
		APIBaseSandbox:      getEnv("WISE_API_BASE_SANDBOX", "https://api.sandbox.transferwise.tech"),
		APIBaseProduction:   getEnv("WISE_API_BASE_PRODUCTION", "https://api.transferwise.com"),
		OAuthBaseSandbox:    getEnv("WISE_OAUTH_BASE_SANDBOX", "https://sandbox.transferwise.tech"),
		OAuthBaseProduction: getEnv("WISE_OAUTH_BASE", "https://wise.com"),
		ClientID:            os.Getenv("WISE_CLIENT_ID"),
		ClientSecret:        os.Getenv("WISE_CLIENT_SECRET"),
		APIToken:            os.Getenv("WISE_API_TOKEN"),
		RedirectURI:         os.Getenv("WISE_REDIRECT_URI"),
		ScopesRead:          splitList(getEnv("WISE_OAUTH_SCOPES_READ", "transfers balances")),
		ScopesWrite:         splitList(getEnv("WISE_OAUTH_SCOPES_WRITE", "transfers:write")),
		WebhookURL:          os.Getenv("WISE_WEBHOOK_URL"),
		WebhookSecret:       os.Getenv("WISE_WEBHOOK_SECRET"),
		WebhookRoutes:       routes,
		WriteEnabled:        boolEnv("WISE_WRITE_ENABLED"),
		PublicKey:           os.Getenv("WISE_PUBLIC_KEY"),
		PrivateKey:          os.Getenv("WISE_PRIVATE_KEY"),
		DefaultEnvironment:  getEnv("WISE_DEFAULT_ENVIRONMENT", EnvSandbox),
		RequestTimeout:      30 * time.Second,
		RetryBaseDelay:      2 * time.Second,
		MaxRetries:          2,
	}
	if !ValidEnvironment(wise.DefaultEnvironment) {
		return nil, fmt.Errorf("WISE_DEFAULT_ENVIRONMENT must be sandbox or production, got %q", wise.DefaultEnvironment)
	}

	if wise.ClientID == "" || wise.ClientSecret == "" {
		log.Warn().Msg("WISE_CLIENT_ID or WISE_CLIENT_SECRET not set, Wise OAuth will rely on per-company settings")
	}
	if wise.PublicKey == "" || wise.PrivateKey == "" {
		log.Warn().Msg("WISE_PUBLIC_KEY or WISE_PRIVATE_KEY not set, credential encryption will not work")
	}

	secretKey := os.Getenv("SECRET_KEY")
	if secretKey == "" {
		log.Warn().Msg("SECRET_KEY not set, OAuth state signing will not work")
	}

	return &Config{
		DatabaseURL:       dbURL,
		RedisURL:          getEnv("REDIS_URL", "redis://localhost:6379/0"),
		HTTPAddr:          getEnv("HTTP_ADDR", ":8080"),
		MetricsAddr:       os.Getenv("METRICS_ADDR"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogPretty:         boolEnv("LOG_PRETTY"),
		SecretKey:         secretKey,
		PrimaryCompanyID:  int64(primary),
		LockBackend:       lockBackend,
		SyncInterval:      syncInterval,
		WorkerConcurrency: concurrency,
		ShutdownTimeout:   shutdown,
		Wise:              wise,
	}, nil
}

// ValidEnvironment reports whether env names a supported Wise environment
func ValidEnvironment(env string) bool {
	return env == EnvSandbox || env == EnvProduction
}

// APIBase returns the REST base URL for the environment
func (w WiseConfig) APIBase(env string) string {
	if env == EnvProduction {
		return w.APIBaseProduction
	}
	return w.APIBaseSandbox
}

// OAuthBase returns the authorization host for the environment
func (w WiseConfig) OAuthBase(env string) string {
	if env == EnvProduction {
		return w.OAuthBaseProduction
	}
	return w.OAuthBaseSandbox
}

// WebhookCallbackURL falls back to deriving the webhook URL from the OAuth redirect
func (w WiseConfig) WebhookCallbackURL() string {
	if w.WebhookURL != "" {
		return w.WebhookURL
	}
	return strings.Replace(w.RedirectURI, "/connectors/wise/oauth/callback", "/webhooks/wise", 1)
}

// Route returns the routing target for a webhook event type. Unknown types
// trigger an incremental sync.
func (w WiseConfig) Route(eventType string) string {
	if target, ok := w.WebhookRoutes[eventType]; ok {
		return target
	}
	return RouteIncremental
}

// DefaultRoutes is used when WISE_WEBHOOK_ROUTES is empty
func DefaultRoutes() map[string]string {
	return map[string]string{
		"transfers#state-change":        RouteTransfers,
		"transfer-state-change":         RouteTransfers,
		"transfers#active-cases":        RouteTransfers,
		"balances#credit":               RouteIncremental,
		"balances#update":               RouteIncremental,
		"balance-updated":               RouteIncremental,
		"transaction-created":           RouteIncremental,
		"balances#account-state-change": RouteIncremental,
	}
}

// ParseRoutes parses "event=target,event=target". An empty string yields the defaults.
func ParseRoutes(raw string) (map[string]string, error) {
	if strings.TrimSpace(raw) == "" {
		return DefaultRoutes(), nil
	}
	routes := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		event, target, ok := strings.Cut(pair, "=")
		if !ok || event == "" {
			return nil, fmt.Errorf("invalid WISE_WEBHOOK_ROUTES entry %q", pair)
		}
		target = strings.TrimSpace(target)
		if target != RouteIncremental && target != RouteTransfers {
			return nil, fmt.Errorf("invalid webhook route target %q for %s", target, event)
		}
		routes[strings.TrimSpace(event)] = target
	}
	return routes, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer: %w", key, err)
	}
	return n, nil
}

func boolEnv(key string) bool {
	v, _ := strconv.ParseBool(os.Getenv(key))
	return v
}

func splitList(raw string) []string {
	return strings.FieldsFunc(raw, func(r rune) bool { return r == ' ' || r == ',' })
}
