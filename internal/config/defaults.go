// Package config - defaults.go centralizes magic numbers and default values.
package config

import "time"

// DefaultHost is the default bind address.
const DefaultHost = "0.0.0.0"

// DefaultPort is the default listen port.
const DefaultPort = 8080

// DefaultRegion is the AWS region used when neither the credential nor the
// config file sets one.
const DefaultRegion = "us-east-1"

// DefaultMaxConcurrent is the per-credential in-flight cap. One keeps
// selection conservative and fair across credentials.
const DefaultMaxConcurrent = 1

// DefaultFailureThreshold quarantines a credential after this many
// consecutive failures.
const DefaultFailureThreshold = 3

// DefaultKiroVersion is advertised to the upstream in request headers.
const DefaultKiroVersion = "0.3.9"

// =============================================================================
// TIMEOUTS
// =============================================================================

// UpstreamCallTimeout is the wall-clock budget for one upstream call,
// including the full streamed response.
const UpstreamCallTimeout = 300 * time.Second

// UpstreamIdleTimeout aborts an upstream stream with no bytes read for this
// long.
const UpstreamIdleTimeout = 60 * time.Second

// TokenRefreshTimeout bounds one token refresh round trip.
const TokenRefreshTimeout = 30 * time.Second

// AcquireWaitTimeout bounds waiting for an at-capacity credential to free up.
const AcquireWaitTimeout = 10 * time.Second

// TokenExpirySkew refreshes tokens this long before their expiry.
const TokenExpirySkew = 60 * time.Second

// =============================================================================
// REQUEST PIPELINE BUDGETS
// =============================================================================

// MaxRequestAttempts caps attempts per inbound request across all
// credentials.
const MaxRequestAttempts = 9

// MaxCredentialAttempts caps attempts against one credential before it is
// excluded from further failover for the request.
const MaxCredentialAttempts = 3

// =============================================================================
// HTTP AND STREAMING
// =============================================================================

// MaxRequestBodySize caps inbound request bodies (10MB).
const MaxRequestBodySize = 10 * 1024 * 1024

// SSEPingInterval spaces keep-alive ping events on quiet streams.
const SSEPingInterval = 25 * time.Second

// ContextWindowTokens is the upstream context window for all served models.
const ContextWindowTokens = 200_000

// AdminStatusPushInterval spaces pool-status pushes on the admin websocket.
const AdminStatusPushInterval = 5 * time.Second
