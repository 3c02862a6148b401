package realtime

import "time"

const (
	// Max bytes per websocket frame read (hard limit). Inbound events are
	// small control messages.
	maxFrameBytes = 16 << 10 // 16 KiB
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)
