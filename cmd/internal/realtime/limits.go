package realtime

import "time"

const (
	// Max bytes per websocket frame read. Clients only send control envelopes.
	maxFrameBytes = 16 << 10

	// Max tables per subscribe request.
	maxSubscribeTables = 8
)

const (
	// Heartbeat defaults (overridable through GatewayConfig).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limit: events per window, bursting up to the full budget.
	rateLimitEvents = 60
	rateLimitWindow = 10 * time.Second
)

// subscribableTables are the tables a client may watch.
var subscribableTables = map[string]struct{}{
	"messages":      {},
	"conversations": {},
}
