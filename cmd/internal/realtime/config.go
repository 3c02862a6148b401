package realtime

import "time"

const (
	defaultSendQueueSize = 256
	minSendQueueSize     = 32

	defaultWriteTimeout       = 5 * time.Second
	defaultCorrelationTimeout = 30 * time.Second
	defaultLockTTL            = 10 * time.Second
	defaultAckTimeout         = 5 * time.Second
	defaultTeardownTimeout    = 5 * time.Second

	closeGrace      = 1 * time.Second
	maxPingFailures = 3
)

// Config tunes the gateway. Unset timeouts and sizes take their defaults.
// The zero value accepts requests without an Origin header; start from
// DefaultConfig for the locked-down origin policy.
type Config struct {
	// InstanceID names this process in session records.
	InstanceID string

	// Origin policy. OriginRequired rejects requests without an Origin
	// header. DefaultConfig sets it and allows only localhost.
	OriginRequired bool
	AllowedOrigins []string

	// DevInsecure disables websocket.Accept origin checks. Dev only.
	DevInsecure bool

	WriteTimeout time.Duration

	// ReadIdleTimeout closes connections that send nothing for this long.
	// Zero disables it; heartbeats still detect dead peers.
	ReadIdleTimeout time.Duration

	SendQueueSize int

	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// Inbound events allowed per connection per window.
	RateEvents int
	RateWindow time.Duration

	CorrelationTimeout time.Duration
	LockTTL            time.Duration
	AckTimeout         time.Duration

	// TeardownTimeout bounds the registry delete when a connection ends.
	TeardownTimeout time.Duration
}

// DefaultConfig returns the secure defaults.
func DefaultConfig() Config {
	return Config{
		OriginRequired: true,
		AllowedOrigins: []string{"http://localhost", "http://127.0.0.1"},
	}.normalized()
}

func (c Config) normalized() Config {
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
	if c.ReadIdleTimeout < 0 {
		c.ReadIdleTimeout = 0
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = defaultSendQueueSize
	}
	if c.SendQueueSize < minSendQueueSize {
		c.SendQueueSize = minSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = heartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = heartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = rateLimitEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = rateLimitWindow
	}
	if c.CorrelationTimeout <= 0 {
		c.CorrelationTimeout = defaultCorrelationTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaultLockTTL
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = defaultTeardownTimeout
	}
	return c
}
