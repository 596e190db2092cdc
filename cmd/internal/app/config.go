package app

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr string
	LogLevel string

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int

	// Inbound channel policy.
	OriginRequired bool
	AllowedOrigins []string
	InitTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int

	// Upstream endpoint.
	UpstreamURL            string
	UpstreamOrigin         string
	UpstreamAcceptLanguage string

	// Session behavior.
	PollInterval time.Duration
	MaxRestarts  int
	EmitBeacon   bool

	// Registry reclamation.
	GraceWindow   time.Duration
	StaleCeiling  time.Duration
	SweepInterval time.Duration

	MetricsEnabled bool
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() Config {
	grace := EnvDuration("QRB_SESSION_GRACE", 30*time.Second)

	return Config{
		HTTPAddr: EnvString("QRB_HTTP_ADDR", "0.0.0.0:8080"),
		LogLevel: EnvString("QRB_LOG_LEVEL", "info"),

		ReadHeaderTimeout: EnvDuration("QRB_HTTP_READ_HEADER_TIMEOUT", 5*time.Second),
		IdleTimeout:       EnvDuration("QRB_HTTP_IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    EnvInt("QRB_HTTP_MAX_HEADER_BYTES", 1<<20),

		OriginRequired: EnvBool("QRB_WS_ORIGIN_REQUIRED", true),
		AllowedOrigins: EnvCSV("QRB_WS_ALLOWED_ORIGINS", "http://localhost,http://127.0.0.1"),
		InitTimeout:    EnvDuration("QRB_WS_INIT_TIMEOUT", 10*time.Second),
		WriteTimeout:   EnvDuration("QRB_WS_WRITE_TIMEOUT", 5*time.Second),
		SendQueueSize:  EnvInt("QRB_WS_SEND_QUEUE", 64),

		UpstreamURL:            EnvString("QRB_UPSTREAM_URL", "wss://ws-api.oneme.ru/websocket"),
		UpstreamOrigin:         EnvString("QRB_UPSTREAM_ORIGIN", "https://web.max.ru"),
		UpstreamAcceptLanguage: EnvString("QRB_UPSTREAM_ACCEPT_LANGUAGE", "ru-RU,ru;q=0.9"),

		PollInterval: EnvDuration("QRB_POLL_INTERVAL", 5*time.Second),
		MaxRestarts:  EnvInt("QRB_MAX_RESTARTS", 10),
		EmitBeacon:   EnvBool("QRB_EMIT_BEACON", true),

		GraceWindow:   grace,
		StaleCeiling:  EnvDuration("QRB_SESSION_STALE_CEILING", 10*grace),
		SweepInterval: EnvDuration("QRB_SESSION_SWEEP_INTERVAL", 30*time.Second),

		MetricsEnabled: EnvBool("QRB_METRICS_ENABLED", true),
	}
}

// EnvString reads a string env var with a default.
func EnvString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

// EnvBool reads a bool env var with a default.
func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// EnvInt reads a non-negative int env var with a default.
func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// EnvDuration reads a duration env var with a default.
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// EnvCSV reads a comma-separated env var with a default, trimming blanks.
func EnvCSV(key string, def string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		raw = def
	}
	if raw == "" {
		return nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
