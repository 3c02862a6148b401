package app

import (
	"fmt"
	"os"
	"strings"
	"time"

	"calls/cmd/internal/bridge"
	"calls/cmd/internal/monitor"
	"calls/cmd/internal/realtime"

	"github.com/caarlos0/env/v11"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"CALLS_HTTP_ADDR"  envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"CALLS_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"CALLS_LOG_FORMAT" envDefault:"json"`

	// InstanceID names this process in session records. Defaults to hostname-pid.
	InstanceID string `env:"CALLS_INSTANCE_ID"`

	ReadHeaderTimeout time.Duration `env:"CALLS_HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"CALLS_HTTP_READ_TIMEOUT"        envDefault:"15s"`
	WriteTimeout      time.Duration `env:"CALLS_HTTP_WRITE_TIMEOUT"       envDefault:"15s"`
	IdleTimeout       time.Duration `env:"CALLS_HTTP_IDLE_TIMEOUT"        envDefault:"60s"`
	MaxHeaderBytes    int           `env:"CALLS_HTTP_MAX_HEADER_BYTES"    envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"CALLS_SHUTDOWN_TIMEOUT"         envDefault:"10s"`

	// Coordination store. Empty RedisAddr selects the in-memory store, which
	// only works for a single process.
	RedisAddr     string `env:"CALLS_REDIS_ADDR"`
	RedisUsername string `env:"CALLS_REDIS_USERNAME"`
	RedisPassword string `env:"CALLS_REDIS_PASSWORD"`
	RedisDB       int    `env:"CALLS_REDIS_DB"        envDefault:"0"`
	RedisPoolSize int    `env:"CALLS_REDIS_POOL_SIZE" envDefault:"0"`
	KeyNamespace  string `env:"CALLS_KEY_NAMESPACE"`

	SessionTTL time.Duration `env:"CALLS_SESSION_TTL" envDefault:"24h"`

	// Auth correlation.
	AuthChannel       string        `env:"CALLS_AUTH_CHANNEL"            envDefault:"auth:events"`
	AuthTimeout       time.Duration `env:"CALLS_AUTH_TIMEOUT"            envDefault:"30s"`
	AuthParkTTL       time.Duration `env:"CALLS_AUTH_PARK_TTL"`
	AllowUncorrelated bool          `env:"CALLS_AUTH_ALLOW_UNCORRELATED" envDefault:"false"`
	LockTTL           time.Duration `env:"CALLS_LOCK_TTL"                envDefault:"10s"`

	// Websocket gateway.
	WSOriginRequired   bool          `env:"CALLS_WS_ORIGIN_REQUIRED"    envDefault:"true"`
	WSAllowedOrigins   []string      `env:"CALLS_WS_ALLOWED_ORIGINS"    envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`
	WSDevInsecure      bool          `env:"CALLS_WS_DEV_INSECURE"       envDefault:"false"`
	WSWriteTimeout     time.Duration `env:"CALLS_WS_WRITE_TIMEOUT"      envDefault:"5s"`
	WSReadIdleTimeout  time.Duration `env:"CALLS_WS_READ_IDLE_TIMEOUT"  envDefault:"0s"`
	WSSendQueueSize    int           `env:"CALLS_WS_SEND_QUEUE"         envDefault:"256"`
	WSHeartbeat        time.Duration `env:"CALLS_WS_HEARTBEAT_INTERVAL" envDefault:"25s"`
	WSHeartbeatTimeout time.Duration `env:"CALLS_WS_HEARTBEAT_TIMEOUT"  envDefault:"5s"`
	WSRateEvents       int           `env:"CALLS_WS_RATE_EVENTS"        envDefault:"60"`
	WSRateWindow       time.Duration `env:"CALLS_WS_RATE_WINDOW"        envDefault:"10s"`
	WSAckTimeout       time.Duration `env:"CALLS_WS_ACK_TIMEOUT"        envDefault:"5s"`

	// Reconciliation monitor.
	MonitorInterval           time.Duration `env:"CALLS_MONITOR_INTERVAL"             envDefault:"30s"`
	MaxConnectionsPerIdentity int           `env:"CALLS_MAX_CONNECTIONS_PER_IDENTITY" envDefault:"5"`

	// Optional Postgres audit log.
	DatabaseURL     string `env:"CALLS_DATABASE_URL"`
	DBMaxConns      int32  `env:"CALLS_DB_MAX_CONNS"         envDefault:"10"`
	DBMinConns      int32  `env:"CALLS_DB_MIN_CONNS"         envDefault:"0"`
	AuditSchema     string `env:"CALLS_AUDIT_SCHEMA"         envDefault:"calls"`
	EnsureSchema    bool   `env:"CALLS_AUDIT_ENSURE_SCHEMA"  envDefault:"true"`
	RequireAuditKey bool   `env:"CALLS_REQUIRE_AUDIT_KEY"    envDefault:"false"`

	// If true, /readyz returns 503 unless the DB is configured and reachable.
	ReadinessRequireDB bool `env:"CALLS_READINESS_REQUIRE_DB" envDefault:"false"`

	// AdminToken enables the admin routes (bearer auth). Empty disables them.
	AdminToken string `env:"CALLS_ADMIN_TOKEN"`

	// Tracing is opt-in: no endpoint, no exporter.
	OTelEndpoint    string `env:"CALLS_OTEL_ENDPOINT"`
	OTelServiceName string `env:"CALLS_OTEL_SERVICE_NAME" envDefault:"calls"`
}

// LoadConfig loads Config from environment variables with defaults.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return cfg.normalized(), nil
}

func (c Config) normalized() Config {
	c.LogFormat = strings.ToLower(strings.TrimSpace(c.LogFormat))
	if strings.TrimSpace(c.InstanceID) == "" {
		c.InstanceID = defaultInstanceID()
	}
	c.ShutdownTimeout = nonZeroDuration(c.ShutdownTimeout, 10*time.Second)
	c.AuthTimeout = nonZeroDuration(c.AuthTimeout, 30*time.Second)
	c.LockTTL = nonZeroDuration(c.LockTTL, 10*time.Second)
	c.SessionTTL = nonZeroDuration(c.SessionTTL, 24*time.Hour)
	c.MonitorInterval = nonZeroDuration(c.MonitorInterval, monitor.DefaultInterval)
	c.MaxConnectionsPerIdentity = nonZeroInt(c.MaxConnectionsPerIdentity, monitor.DefaultMaxConnectionsPerIdentity)

	origins := make([]string, 0, len(c.WSAllowedOrigins))
	for _, o := range c.WSAllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.WSAllowedOrigins = origins
	return c
}

func defaultInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "calls"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// RealtimeConfig is the gateway's slice of the configuration.
func (c Config) RealtimeConfig() realtime.Config {
	return realtime.Config{
		InstanceID:         c.InstanceID,
		OriginRequired:     c.WSOriginRequired,
		AllowedOrigins:     c.WSAllowedOrigins,
		DevInsecure:        c.WSDevInsecure,
		WriteTimeout:       c.WSWriteTimeout,
		ReadIdleTimeout:    c.WSReadIdleTimeout,
		SendQueueSize:      c.WSSendQueueSize,
		HeartbeatInterval:  c.WSHeartbeat,
		HeartbeatTimeout:   c.WSHeartbeatTimeout,
		RateEvents:         c.WSRateEvents,
		RateWindow:         c.WSRateWindow,
		CorrelationTimeout: c.AuthTimeout,
		LockTTL:            c.LockTTL,
		AckTimeout:         c.WSAckTimeout,
	}
}

// BridgeConfig is the correlation bridge's slice of the configuration.
// channel is the namespaced channel name.
func (c Config) BridgeConfig(channel string) bridge.Config {
	return bridge.Config{
		Channel:           channel,
		Timeout:           c.AuthTimeout,
		ParkTTL:           c.AuthParkTTL,
		AllowUncorrelated: c.AllowUncorrelated,
	}
}

// MonitorConfig is the reconciliation monitor's slice of the configuration.
func (c Config) MonitorConfig() monitor.Config {
	return monitor.Config{
		Interval:                  c.MonitorInterval,
		MaxConnectionsPerIdentity: c.MaxConnectionsPerIdentity,
		InstanceID:                c.InstanceID,
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
