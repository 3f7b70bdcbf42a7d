package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config application configuration
type Config struct {
	Port     int
	LogLevel string
	Comfy    ComfyConfig
	Monitor  MonitorConfig
	Job      JobConfig
	Redis    RedisConfig
}

// ComfyConfig remote ComfyUI server configuration
type ComfyConfig struct {
	Host string `env:"COMFY_HOST"` // host:port, optionally with an http:// or https:// scheme

	AvailableMaxRetries int           `env:"COMFY_API_AVAILABLE_MAX_RETRIES"`
	AvailableInterval   time.Duration `env:"COMFY_API_AVAILABLE_INTERVAL_MS"`
	ProbeTimeout        time.Duration `env:"COMFY_PROBE_TIMEOUT_S"`
	HTTPTimeout         time.Duration `env:"COMFY_HTTP_TIMEOUT_S"`
	ViewTimeout         time.Duration `env:"COMFY_VIEW_TIMEOUT_S"`
}

// MonitorConfig websocket progress monitor configuration
type MonitorConfig struct {
	ReconnectAttempts int           `env:"WEBSOCKET_RECONNECT_ATTEMPTS"`
	ReconnectDelay    time.Duration `env:"WEBSOCKET_RECONNECT_DELAY_S"`
	ReadTimeout       time.Duration `env:"WEBSOCKET_READ_TIMEOUT_S"` // zero disables the read deadline
	Trace             bool          `env:"WEBSOCKET_TRACE"`
}

// JobConfig per-job execution configuration
type JobConfig struct {
	Timeout              time.Duration `env:"JOB_TIMEOUT_S"` // zero means no overall deadline
	HistoryMaxRetries    int           `env:"HISTORY_MAX_RETRIES"`
	HistoryRetryInterval time.Duration `env:"HISTORY_RETRY_INTERVAL_MS"`
	RecordTTL            time.Duration `env:"JOB_RECORD_TTL_S"`
}

// RedisConfig Redis configuration, an empty host keeps job records in memory only
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// Enabled reports whether a Redis server is configured
func (r RedisConfig) Enabled() bool {
	return r.Host != ""
}

// Addr returns the Redis host:port address
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// Load loads configuration
func Load() *Config {
	// a missing .env file is not an error, the environment alone is enough
	_ = godotenv.Load()

	cfg := &Config{
		Port:     getEnvInt("PORT", 8080),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Comfy: ComfyConfig{
			Host:                getEnv("COMFY_HOST", "127.0.0.1:8188"),
			AvailableMaxRetries: getEnvInt("COMFY_API_AVAILABLE_MAX_RETRIES", 500),
			AvailableInterval:   time.Duration(getEnvInt("COMFY_API_AVAILABLE_INTERVAL_MS", 50)) * time.Millisecond,
			ProbeTimeout:        time.Duration(getEnvInt("COMFY_PROBE_TIMEOUT_S", 5)) * time.Second,
			HTTPTimeout:         time.Duration(getEnvInt("COMFY_HTTP_TIMEOUT_S", 30)) * time.Second,
			ViewTimeout:         time.Duration(getEnvInt("COMFY_VIEW_TIMEOUT_S", 60)) * time.Second,
		},
		Monitor: MonitorConfig{
			ReconnectAttempts: getEnvInt("WEBSOCKET_RECONNECT_ATTEMPTS", 5),
			ReconnectDelay:    time.Duration(getEnvInt("WEBSOCKET_RECONNECT_DELAY_S", 3)) * time.Second,
			ReadTimeout:       time.Duration(getEnvInt("WEBSOCKET_READ_TIMEOUT_S", 0)) * time.Second,
			Trace:             getEnvBool("WEBSOCKET_TRACE", false),
		},
		Job: JobConfig{
			Timeout:              time.Duration(getEnvInt("JOB_TIMEOUT_S", 0)) * time.Second,
			HistoryMaxRetries:    getEnvInt("HISTORY_MAX_RETRIES", 3),
			HistoryRetryInterval: time.Duration(getEnvInt("HISTORY_RETRY_INTERVAL_MS", 500)) * time.Millisecond,
			RecordTTL:            time.Duration(getEnvInt("JOB_RECORD_TTL_S", 3600)) * time.Second,
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", ""),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
	}

	return cfg
}

// BaseURL returns the HTTP base URL of the server, adding http:// when the host has no scheme
func (c ComfyConfig) BaseURL() string {
	host := strings.TrimSuffix(c.Host, "/")
	if strings.HasPrefix(host, "http://") || strings.HasPrefix(host, "https://") {
		return host
	}
	return "http://" + host
}

// ComfyWebsocketURL returns the websocket endpoint for the given client id.
// https hosts map to wss, everything else to ws.
func (c *Config) ComfyWebsocketURL(clientID string) string {
	base := c.Comfy.BaseURL()
	if rest, ok := strings.CutPrefix(base, "https://"); ok {
		return fmt.Sprintf("wss://%s/ws?clientId=%s", rest, clientID)
	}
	return fmt.Sprintf("ws://%s/ws?clientId=%s", strings.TrimPrefix(base, "http://"), clientID)
}

// Validate validates configuration
func (c *Config) Validate() error {
	if c.Comfy.Host == "" {
		return ErrComfyHostRequired
	}
	if c.Comfy.AvailableMaxRetries <= 0 {
		return ErrAvailableRetriesInvalid
	}
	if c.Monitor.ReconnectAttempts <= 0 {
		return ErrReconnectAttemptsInvalid
	}
	if c.Job.HistoryMaxRetries <= 0 {
		return ErrHistoryRetriesInvalid
	}
	return nil
}

// configuration validation errors
var (
	ErrComfyHostRequired        = fmt.Errorf("comfy host is required")
	ErrAvailableRetriesInvalid  = fmt.Errorf("comfy availability retries must be positive")
	ErrReconnectAttemptsInvalid = fmt.Errorf("websocket reconnect attempts must be positive")
	ErrHistoryRetriesInvalid    = fmt.Errorf("history retries must be positive")
)

// getEnv gets environment variable, returns default value if not exists
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt gets integer environment variable, returns default value if not exists
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool gets boolean environment variable, returns default value if not exists
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
