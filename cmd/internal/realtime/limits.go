package realtime

import "time"

const (
	// Max bytes per websocket frame read. Clients only send small control envelopes.
	maxFrameBytes = 4 << 10 // 4 KiB

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound rate limits (events per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second

	// statePollInterval re-reads the store between scheduled transitions so
	// server-side substrates reflect renewals made by other requests.
	statePollInterval = 30 * time.Second
)
