package common

import "time"

const (
	// TTL windows for shared risk/block state. Scores accumulate within a
	// rolling window; every increment refreshes the TTL.
	RiskScoreTTL       = 1 * time.Hour
	BlockDefaultTTL    = 1 * time.Hour
	ReputationCacheTTL = 1 * time.Hour

	// RiskLogCap bounds the per-identity audit trail (most recent first).
	RiskLogCap = 50

	TrustedClientIPHeader  = "CF-Connecting-IP"
	ForwardedForHeader     = "X-Forwarded-For"
	AttestationTokenHeader = "X-Attestation-Token"

	ShieldBlockedHeader = "X-Shield-Blocked"
	ShieldBypassHeader  = "X-Shield-Bypass"
	ShieldLatencyHeader = "X-Shield-Latency"
)
