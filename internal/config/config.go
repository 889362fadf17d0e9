package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keychainkit/keychain-go/origin"
)

// Config holds the keychain service configuration.
type Config struct {
	// Origin gate
	AllowedOrigins string
	StrictOrigin   bool
	AllowLocalhost bool

	// Server
	Port int

	// Bridge
	BridgeURL        string
	HandshakeTimeout time.Duration

	// Order API
	OrderAPIURL       string
	OrderAPIKeyName   string
	OrderAPIKeySecret string

	// Chains
	SolanaRPCURL string

	// Persistence. Empty keeps orders in memory.
	PostgresDSN string

	// Treat unknown bridge statuses as failures instead of pending.
	StrictBridgeStatuses bool

	// Popup event ingest, per order.
	PopupEventRate  float64
	PopupEventBurst int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		AllowedOrigins:       getEnv("KEYCHAIN_ALLOWED_ORIGINS", ""),
		StrictOrigin:         getEnvBool("KEYCHAIN_STRICT_ORIGIN", true),
		AllowLocalhost:       getEnvBool("KEYCHAIN_ALLOW_LOCALHOST", false),
		Port:                 getEnvInt("KEYCHAIN_PORT", 8080),
		BridgeURL:            getEnv("KEYCHAIN_BRIDGE_URL", ""),
		HandshakeTimeout:     getEnvDuration("KEYCHAIN_HANDSHAKE_TIMEOUT", 10*time.Second),
		OrderAPIURL:          getEnv("ORDER_API_URL", ""),
		OrderAPIKeyName:      getEnv("ORDER_API_KEY_NAME", ""),
		OrderAPIKeySecret:    getEnv("ORDER_API_KEY_SECRET", ""),
		SolanaRPCURL:         getEnv("SOLANA_RPC_URL", "https://api.mainnet-beta.solana.com"),
		PostgresDSN:          getEnv("POSTGRES_DSN", ""),
		StrictBridgeStatuses: getEnvBool("STRICT_BRIDGE_STATUSES", false),
		PopupEventRate:       getEnvFloat("KEYCHAIN_POPUP_EVENT_RATE", 5),
		PopupEventBurst:      getEnvInt("KEYCHAIN_POPUP_EVENT_BURST", 10),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if origin.ParseAllowedOriginSet(c.AllowedOrigins).Len() == 0 {
		return fmt.Errorf("KEYCHAIN_ALLOWED_ORIGINS is required")
	}

	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("KEYCHAIN_PORT must be between 1 and 65535, got: %d", c.Port)
	}

	if c.HandshakeTimeout <= 0 {
		return fmt.Errorf("KEYCHAIN_HANDSHAKE_TIMEOUT must be positive, got: %s", c.HandshakeTimeout)
	}

	if c.OrderAPIURL == "" {
		return fmt.Errorf("ORDER_API_URL is required")
	}
	if err := checkURL("ORDER_API_URL", c.OrderAPIURL); err != nil {
		return err
	}

	if (c.OrderAPIKeyName == "") != (c.OrderAPIKeySecret == "") {
		return fmt.Errorf("ORDER_API_KEY_NAME and ORDER_API_KEY_SECRET must be set together")
	}

	if c.BridgeURL != "" {
		if err := checkURL("KEYCHAIN_BRIDGE_URL", c.BridgeURL); err != nil {
			return err
		}
	}

	if c.PopupEventRate <= 0 || c.PopupEventBurst <= 0 {
		return fmt.Errorf("KEYCHAIN_POPUP_EVENT_RATE and KEYCHAIN_POPUP_EVENT_BURST must be positive")
	}

	return nil
}

// Origins returns the parsed allow-list.
func (c *Config) Origins() origin.AllowedOriginSet {
	return origin.ParseAllowedOriginSet(c.AllowedOrigins)
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return ":" + strconv.Itoa(c.Port)
}

func checkURL(key, value string) error {
	u, err := url.Parse(value)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%s must be an absolute http(s) URL, got: %s", key, value)
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvInt gets an integer environment variable with a default value
func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvBool gets a boolean environment variable with a default value
func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	valueStr = strings.ToLower(valueStr)
	return valueStr == "true" || valueStr == "1" || valueStr == "yes"
}

// getEnvDuration accepts Go duration strings ("15s") or whole milliseconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(valueStr); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(valueStr); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
