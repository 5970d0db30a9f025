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

// Background job intervals
const (
	IdleSweepInterval  = 30 * time.Second
	CleanupJobInterval = 15 * time.Minute
)

// Session actor tuning. The lease must outlive several idle sweeps, which
// renew it.
const (
	SessionInboxSize      = 16
	SessionRequestTimeout = 45 * time.Second
	SessionLeaseTTL       = 90 * time.Second
)

// Rate limiting windows
const (
	SessionCreateWindow = time.Minute
	PaymentCreateLimit  = 20
	PaymentCreateWindow = time.Minute
)
