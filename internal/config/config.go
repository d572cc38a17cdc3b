// Package config handles loading and validating gateway configuration
// from the environment, an optional YAML file, and a local .env file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// AppConfig holds all configuration settings for the gateway, per the
// configuration surface in spec §6.
type AppConfig struct {
	// --- Core settings ---
	ServerAddr string // Address for the HTTP server to listen on (e.g. ":8080").
	WSPath     string // WebSocket upgrade path.

	// --- Bus ---
	BusURL           string // Pub-sub endpoint.
	RequestSubject   string // Default "chat.request".
	RawMemorySubject string // Default "memory.raw".

	// --- Session cache ---
	CacheURL    string // Session cache endpoint.
	HotMsgLimit int    // Cap on hot buffer length.
	HotTTL      time.Duration

	// --- Authentication ---
	JWTSecret string
	JWTAlg    string // Expected signing algorithm, e.g. "HS256".

	// --- Timeouts ---
	IdleChunkTimeout    time.Duration
	TotalTicketTimeout  time.Duration
	DrainTimeout        time.Duration
	WSKeepAlive         time.Duration
	BusReconnectMin     time.Duration
	BusReconnectMax     time.Duration
	HTTPRequestDeadline time.Duration
	ShutdownTimeout     time.Duration

	CORSAllowedOrigins string
}

// Load reads configuration from environment variables (highest
// precedence), an optional ./config.yaml, and sensible defaults, then
// validates the critical fields.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file found, relying on process environment")
	}

	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.AutomaticEnv()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		slog.Debug("no config.yaml found, using environment and defaults")
	}

	// Direct, unprefixed environment names per the configuration
	// surface table in spec §6, read in addition to the GATEWAY_-prefixed
	// names that AutomaticEnv already covers.
	bindDirectEnv(v)

	cfg := &AppConfig{
		ServerAddr:          v.GetString("server_addr"),
		WSPath:              v.GetString("ws_path"),
		BusURL:              v.GetString("bus_url"),
		RequestSubject:      v.GetString("request_subject"),
		RawMemorySubject:    v.GetString("raw_memory_subject"),
		CacheURL:            v.GetString("cache_url"),
		HotMsgLimit:         v.GetInt("hot_msg_limit"),
		HotTTL:              time.Duration(v.GetInt("hot_ttl_min")) * time.Minute,
		JWTSecret:           v.GetString("jwt_secret"),
		JWTAlg:              v.GetString("jwt_alg"),
		IdleChunkTimeout:    v.GetDuration("idle_chunk_timeout"),
		TotalTicketTimeout:  v.GetDuration("total_ticket_timeout"),
		DrainTimeout:        v.GetDuration("drain_timeout"),
		WSKeepAlive:         v.GetDuration("ws_keepalive"),
		BusReconnectMin:     v.GetDuration("bus_reconnect_min"),
		BusReconnectMax:     v.GetDuration("bus_reconnect_max"),
		HTTPRequestDeadline: v.GetDuration("http_request_deadline"),
		ShutdownTimeout:     v.GetDuration("shutdown_timeout"),
		CORSAllowedOrigins:  v.GetString("cors_allowed_origins"),
	}

	if err := validateCritical(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_addr", ":8080")
	v.SetDefault("ws_path", "/ws")
	v.SetDefault("request_subject", "chat.request")
	v.SetDefault("raw_memory_subject", "memory.raw")
	v.SetDefault("hot_msg_limit", 200)
	v.SetDefault("hot_ttl_min", 60)
	v.SetDefault("jwt_alg", "HS256")
	v.SetDefault("idle_chunk_timeout", 120*time.Second)
	v.SetDefault("total_ticket_timeout", 600*time.Second)
	v.SetDefault("drain_timeout", 10*time.Second)
	v.SetDefault("ws_keepalive", 30*time.Second)
	v.SetDefault("bus_reconnect_min", 2*time.Second)
	v.SetDefault("bus_reconnect_max", 30*time.Second)
	v.SetDefault("http_request_deadline", 30*time.Second)
	v.SetDefault("shutdown_timeout", 10*time.Second)
	v.SetDefault("cors_allowed_origins", "http://localhost:5173")
}

// bindDirectEnv binds the unprefixed environment variable names named
// explicitly in spec §6, since operators deploying this gateway expect
// BUS_URL rather than GATEWAY_BUS_URL.
func bindDirectEnv(v *viper.Viper) {
	pairs := map[string]string{
		"server_addr":          "SERVER_ADDR",
		"ws_path":              "WS_PATH",
		"bus_url":              "BUS_URL",
		"cache_url":            "CACHE_URL",
		"jwt_secret":           "JWT_SECRET",
		"jwt_alg":              "JWT_ALG",
		"request_subject":      "REQUEST_SUBJECT",
		"raw_memory_subject":   "RAW_MEMORY_SUBJECT",
		"hot_msg_limit":        "HOT_MSG_LIMIT",
		"hot_ttl_min":          "HOT_TTL_MIN",
		"idle_chunk_timeout":   "IDLE_CHUNK_TIMEOUT",
		"total_ticket_timeout": "TOTAL_TICKET_TIMEOUT",
		"cors_allowed_origins": "CORS_ALLOWED_ORIGINS",
	}
	for key, env := range pairs {
		_ = v.BindEnv(key, env)
	}
}

func validateCritical(cfg *AppConfig) error {
	var missing []string
	if cfg.BusURL == "" {
		missing = append(missing, "BUS_URL")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing critical configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}
