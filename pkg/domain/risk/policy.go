package risk

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"
)

const DefaultMaxBiometricAttempts = 10

// GeoPolicy mirrors the geo-blocking document the admin pages write into
// the shared store. Read-only here.
type GeoPolicy struct {
	Enabled bool `mapstructure:"geo_blocking_enabled"`
}

// SecurityPolicy mirrors the behavioral-rules document the admin pages
// write into the shared store. Read-only here.
type SecurityPolicy struct {
	RequireDeviceAttestation  bool `mapstructure:"require_device_attestation"`
	BlockVPNAndProxy          bool `mapstructure:"block_vpn_and_proxy"`
	MaxBiometricAttemptsPerIP int  `mapstructure:"max_biometric_attempts_per_ip"`
}

// DecodeGeoPolicy parses a raw policy document. The admin UI serializes
// scalar values as strings ("true", "10"), so decoding is weakly typed.
func DecodeGeoPolicy(raw string) (*GeoPolicy, error) {
	policy := new(GeoPolicy)
	if err := decodePolicy(raw, policy); err != nil {
		return nil, fmt.Errorf("invalid geo policy document: %w", err)
	}
	return policy, nil
}

func DecodeSecurityPolicy(raw string) (*SecurityPolicy, error) {
	policy := &SecurityPolicy{
		MaxBiometricAttemptsPerIP: DefaultMaxBiometricAttempts,
	}
	if err := decodePolicy(raw, policy); err != nil {
		return nil, fmt.Errorf("invalid security policy document: %w", err)
	}
	if policy.MaxBiometricAttemptsPerIP <= 0 {
		policy.MaxBiometricAttemptsPerIP = DefaultMaxBiometricAttempts
	}
	return policy, nil
}

// DecodeBlockedCountries parses the admin country blocklist document.
func DecodeBlockedCountries(raw string) ([]string, error) {
	var countries []string
	if err := json.Unmarshal([]byte(raw), &countries); err != nil {
		return nil, fmt.Errorf("invalid blocked countries document: %w", err)
	}
	return countries, nil
}

func decodePolicy(raw string, out interface{}) error {
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(doc)
}
