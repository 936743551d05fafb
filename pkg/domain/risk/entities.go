package risk

// LogEntry is one scoring event in the per-identity audit trail. The list
// is most-recent-first and capped, so entries describe the tail of the
// identity's behavior, not its full history.
type LogEntry struct {
	Timestamp  string `json:"timestamp"`
	Amount     int    `json:"amount"`
	Reason     string `json:"reason"`
	TotalScore int64  `json:"total_score"`
}

// BlockedEntry describes one active deny record as seen by operators.
type BlockedEntry struct {
	Reason       string `json:"reason"`
	ExpiresInSec int64  `json:"expires_in_sec"`
}

// GeoReputation is the cached country resolution for an identity.
type GeoReputation struct {
	CountryCode string `json:"country_code"`
	IP          string `json:"ip"`
}

// VPNReputation is the cached proxy/hosting verdict for an identity.
type VPNReputation struct {
	IsVPN  bool   `json:"is_vpn"`
	Reason string `json:"reason"`
}
