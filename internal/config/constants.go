package config

import "time"

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// ConnectTimeout bounds outbound HTTP calls such as push webhooks.
const ConnectTimeout = 10 * time.Second

// Subscription leases
const (
	DefaultLeaseSeconds = 3600
	MaxLeaseSeconds     = 86400
	MinLeaseSeconds     = 60
)

// Background job intervals
const CleanupJobInterval = time.Minute

// Rate limiting for the pairing endpoints
const (
	PairRateLimit       = 10
	PairRateLimitWindow = time.Minute
)
