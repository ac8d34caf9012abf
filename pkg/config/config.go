package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the arbitrage core.
type Config struct {
	Port     string
	LogLevel string

	// Database (token store)
	DBPath             string
	TokenEncryptionKey string // hex or base64 32-byte key; empty stores tokens unencrypted

	// HTTP intake
	WebhookSecret    string
	WebhookRateLimit float64 // requests per second per client IP
	WebhookBurst     int
	PairsFile        string

	// Operator API
	JWTSecret        string
	OperatorUser     string
	OperatorPassHash string // bcrypt; empty disables /api/auth/login

	// gRPC health
	HealthAddr string

	// Alor (venue A)
	AlorRefreshToken string
	AlorPortfolio    string
	AlorExchange     string
	AlorAPIURL       string
	AlorOAuthURL     string
	AlorOrderMode    string // "market" (default) or "limit"
	AlorSlippageBps  float64

	// cTrader (venue B)
	CtraderHost         string
	CtraderPort         int
	CtraderClientID     string
	CtraderClientSecret string
	CtraderAccountID    int64
	CtraderRedirectURI  string
	CtraderAuthCode     string
	CtraderRefreshToken string
	CtraderOAuthURL     string
	CtraderAuthTimeout  time.Duration
	CtraderAuthCooldown time.Duration
	CtraderAuthAttempts int
	CommandInterval     time.Duration
	CommandTimeout      time.Duration
	HeartbeatInterval   time.Duration
	AutoReconnect       bool

	// Exposure audit
	AuditInterval time.Duration
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	refresh := getEnv("ALOR_REFRESH_TOKEN", "")
	if refresh == "" {
		refresh = getEnv("ALOR_TOKEN", "")
	}

	return &Config{
		Port:                getEnv("PORT", "8080"),
		LogLevel:            getEnv("LOG_LEVEL", "info"),
		DBPath:              getEnv("DB_PATH", "./data/arbitrage.db"),
		TokenEncryptionKey:  os.Getenv("TOKEN_ENCRYPTION_KEY"),
		WebhookSecret:       os.Getenv("WEBHOOK_SECRET"),
		WebhookRateLimit:    getEnvFloat("WEBHOOK_RATE_LIMIT", 5),
		WebhookBurst:        getEnvInt("WEBHOOK_BURST", 10),
		JWTSecret:           getEnv("JWT_SECRET", "dev-secret"),
		OperatorUser:        getEnv("OPERATOR_USER", "admin"),
		OperatorPassHash:    os.Getenv("OPERATOR_PASSWORD_HASH"),
		PairsFile:           os.Getenv("PAIRS_FILE"),
		HealthAddr:          getEnv("HEALTH_ADDR", ":9090"),
		AlorRefreshToken:    refresh,
		AlorPortfolio:       os.Getenv("ALOR_PORTFOLIO"),
		AlorExchange:        getEnv("ALOR_EXCHANGE", "MOEX"),
		AlorAPIURL:          getEnv("ALOR_API_URL", "https://api.alor.ru"),
		AlorOAuthURL:        getEnv("ALOR_OAUTH_URL", "https://oauth.alor.ru"),
		AlorOrderMode:       strings.ToLower(getEnv("ALOR_ORDER_MODE", "market")),
		AlorSlippageBps:     getEnvFloat("ALOR_SLIPPAGE_BPS", 20),
		CtraderHost:         getEnv("CTRADER_HOST", "demo.ctraderapi.com"),
		CtraderPort:         getEnvInt("CTRADER_PORT", 5036),
		CtraderClientID:     os.Getenv("CTRADER_CLIENT_ID"),
		CtraderClientSecret: os.Getenv("CTRADER_CLIENT_SECRET"),
		CtraderAccountID:    getEnvInt64("CTRADER_ACCOUNT_ID", 0),
		CtraderRedirectURI:  os.Getenv("CTRADER_REDIRECT_URI"),
		CtraderAuthCode:     os.Getenv("CTRADER_AUTH_CODE"),
		CtraderRefreshToken: os.Getenv("CTRADER_REFRESH_TOKEN"),
		CtraderOAuthURL:     getEnv("CTRADER_OAUTH_URL", "https://openapi.ctrader.com"),
		CtraderAuthTimeout:  getEnvDuration("CTRADER_AUTH_TIMEOUT", 10*time.Minute),
		CtraderAuthCooldown: getEnvDuration("CTRADER_AUTH_COOLDOWN", 15*time.Second),
		CtraderAuthAttempts: getEnvInt("CTRADER_AUTH_MAX_ATTEMPTS", 0),
		CommandInterval:     getEnvDuration("CTRADER_COMMAND_INTERVAL", 250*time.Millisecond),
		CommandTimeout:      getEnvDuration("CTRADER_COMMAND_TIMEOUT", 10*time.Second),
		HeartbeatInterval:   getEnvDuration("CTRADER_HEARTBEAT_INTERVAL", 25*time.Second),
		AutoReconnect:       getEnvBool("CTRADER_AUTO_RECONNECT", true),
		AuditInterval:       getEnvDuration("AUDIT_INTERVAL", time.Minute),
	}, nil
}

// Validate reports every missing or malformed required value at once.
func (c *Config) Validate() error {
	var errs []error
	required := []struct {
		key, val string
	}{
		{"ALOR_REFRESH_TOKEN", c.AlorRefreshToken},
		{"ALOR_PORTFOLIO", c.AlorPortfolio},
		{"CTRADER_CLIENT_ID", c.CtraderClientID},
		{"CTRADER_CLIENT_SECRET", c.CtraderClientSecret},
		{"CTRADER_REDIRECT_URI", c.CtraderRedirectURI},
	}
	for _, r := range required {
		if strings.TrimSpace(r.val) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.key))
		}
	}
	if c.AlorOrderMode != "market" && c.AlorOrderMode != "limit" {
		errs = append(errs, fmt.Errorf("ALOR_ORDER_MODE must be market or limit, got %q", c.AlorOrderMode))
	}
	if c.CommandInterval <= 0 {
		errs = append(errs, errors.New("CTRADER_COMMAND_INTERVAL must be positive"))
	}
	if c.CommandTimeout <= 0 {
		errs = append(errs, errors.New("CTRADER_COMMAND_TIMEOUT must be positive"))
	}
	if c.CtraderPort <= 0 {
		errs = append(errs, errors.New("CTRADER_PORT must be positive"))
	}
	return errors.Join(errs...)
}

// CtraderEndpoint is the websocket URL of the JSON API.
func (c *Config) CtraderEndpoint() string {
	return fmt.Sprintf("wss://%s:%d", c.CtraderHost, c.CtraderPort)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

// getEnvDuration accepts Go durations ("250ms") or a bare number of milliseconds.
func getEnvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return def
}
