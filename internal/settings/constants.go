package settings

import "time"

// UAM gateway defaults.
const (
	// DefaultUAMPath is the portal page mount path.
	DefaultUAMPath = "/uam/login"
	// DefaultLoginRateLimit is the allowed login attempts per client per window.
	DefaultLoginRateLimit = 10
	// DefaultLoginRateWindow is the login rate-limit window.
	DefaultLoginRateWindow = time.Minute
	// DefaultLockoutThreshold is the failure count that locks a session key.
	DefaultLockoutThreshold = 5
	// DefaultLockoutDuration is how long a locked session key stays locked.
	DefaultLockoutDuration = 15 * time.Minute
	// DefaultLoopWindow is the sliding window for redirect loop detection.
	DefaultLoopWindow = 10 * time.Second
	// DefaultLoopThreshold is the number of same-URL visits tolerated in a window.
	DefaultLoopThreshold = 5
	// DefaultLoopClearThreshold clears loop history on success below this count.
	DefaultLoopClearThreshold = 3
	// DefaultSessionStateTTL bounds how long per-key state survives without activity.
	DefaultSessionStateTTL = 30 * time.Minute
	// DefaultStoreTimeout bounds the router lookup made during a login.
	DefaultStoreTimeout = 2 * time.Second
	// DefaultCacheSweepSize triggers an in-memory sweep above this many entries.
	DefaultCacheSweepSize = 10000
)

// RADIUS defaults.
const (
	// DefaultRadiusAuthPort is the RADIUS authentication port.
	DefaultRadiusAuthPort = 1812
	// DefaultRadiusAcctAddr is the accounting listener address.
	DefaultRadiusAcctAddr = ":1813"
	// DefaultRadiusTimeout bounds one RADIUS exchange.
	DefaultRadiusTimeout = 5 * time.Second
	// DefaultDisconnectPort is the RFC 5176 dynamic authorization port.
	DefaultDisconnectPort = 3799
)

// Enforcement defaults.
const (
	// DefaultPollInterval is the backstop interval for the disconnect worker.
	DefaultPollInterval = 60 * time.Second
	// DefaultMinEntryAge is the age an entry must reach before the backstop picks it up.
	DefaultMinEntryAge = 5 * time.Second
	// DefaultBatchSize is the max entries per backstop poll.
	DefaultBatchSize = 100
	// DefaultKickTimeout bounds one bridge kick.
	DefaultKickTimeout = 5 * time.Second
	// DefaultClaimLease is how long a claim excludes other workers.
	DefaultClaimLease = 2 * time.Minute
	// DefaultWorkerConcurrency is the max concurrently processed entries.
	DefaultWorkerConcurrency = 16
	// DefaultKickRate is the max kicks per second across all gateways.
	DefaultKickRate = 50
	// DefaultExpirySweepSpec is the cron spec of the plan expiry sweep.
	DefaultExpirySweepSpec = "@every 1m"
)

// Notification defaults.
const (
	// DefaultNotifyChannel is the Postgres LISTEN/NOTIFY channel.
	DefaultNotifyChannel = "disconnect_queue"
	// DefaultNotifyExchange is the AMQP exchange for disconnect events.
	DefaultNotifyExchange = "spotfi.events"
	// DefaultNotifyRoutingKey is the AMQP routing key for disconnect events.
	DefaultNotifyRoutingKey = "disconnect.enqueued"
	// DefaultNotifyQueue is the AMQP queue consumed by disconnect workers.
	DefaultNotifyQueue = "spotfi.disconnect"
	// DefaultCacheRedisPrefix is the Redis key prefix for gateway state.
	DefaultCacheRedisPrefix = "spotfi:uam"
)
