package constants

import "time"

const (
	// DefaultReconnectDelay is the fixed delay before a failed subscription is recreated.
	DefaultReconnectDelay = 2 * time.Second

	// DefaultKeepAliveInterval is shorter than the idle timeout of the realtime transport.
	DefaultKeepAliveInterval = 270 * time.Second

	// DefaultKeepAliveTimeout bounds a single keep-alive read.
	DefaultKeepAliveTimeout = 30 * time.Second

	// DefaultStaleTime is how long a cached query result is fresh.
	DefaultStaleTime = 30 * time.Second

	DefaultHeartbeatInterval = 25 * time.Second
	DefaultJoinTimeout       = 10 * time.Second
	DefaultWriteTimeout      = 10 * time.Second
	DefaultHTTPTimeout       = 30 * time.Second
	DefaultNetCheckInterval  = 15 * time.Second

	// DefaultEventsPerSecond is the client rate hint sent on the realtime URL.
	DefaultEventsPerSecond = 10

	// DefaultCacheSize is the maximum number of cached query results.
	DefaultCacheSize = 256

	DefaultSchema = "public"

	// CloseMessageCode is the websocket close code sent on a clean shutdown.
	CloseMessageCode = 1000
)

var (
	WebsocketScheme       = "ws"
	WebsocketSecureScheme = "wss"
	HTTPScheme            = "http"
	HTTPSecureScheme      = "https"
)
