package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Outbound HTTP client timeout for provider and backend calls
const HTTPClientTimeout = 10 * time.Second

// CheckAuth is the only call retried on transport failure; it is idempotent.
const (
	CheckAuthMaxAttempts   = 3
	CheckAuthRetryInterval = 2 * time.Second
)

// How long the agent waits for the user to finish an interactive consent flow.
const ConsentTimeout = 5 * time.Minute

// Background job intervals
const (
	CleanupJobInterval  = 1 * time.Hour
	ResumeCheckInterval = 1 * time.Minute
)

// Grants with no refresh token are unrecoverable once expired; they are
// purged after this long.
const DeadGrantRetention = 30 * 24 * time.Hour
