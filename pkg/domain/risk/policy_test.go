package risk_test

import (
	"testing"

	"github.com/dtg-labs/shieldgate/pkg/domain/risk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeGeoPolicy_StringScalars(t *testing.T) {
	policy, err := risk.DecodeGeoPolicy(`{"geo_blocking_enabled":"true"}`)
	require.NoError(t, err)
	assert.True(t, policy.Enabled)

	policy, err = risk.DecodeGeoPolicy(`{"geo_blocking_enabled":"false"}`)
	require.NoError(t, err)
	assert.False(t, policy.Enabled)
}

func TestDecodeGeoPolicy_NativeBool(t *testing.T) {
	policy, err := risk.DecodeGeoPolicy(`{"geo_blocking_enabled":true}`)
	require.NoError(t, err)
	assert.True(t, policy.Enabled)
}

func TestDecodeGeoPolicy_Invalid(t *testing.T) {
	_, err := risk.DecodeGeoPolicy(`not json`)
	assert.Error(t, err)
}

func TestDecodeSecurityPolicy_StringScalars(t *testing.T) {
	policy, err := risk.DecodeSecurityPolicy(
		`{"require_device_attestation":"true","block_vpn_and_proxy":"false","max_biometric_attempts_per_ip":"7"}`,
	)
	require.NoError(t, err)
	assert.True(t, policy.RequireDeviceAttestation)
	assert.False(t, policy.BlockVPNAndProxy)
	assert.Equal(t, 7, policy.MaxBiometricAttemptsPerIP)
}

func TestDecodeSecurityPolicy_Defaults(t *testing.T) {
	policy, err := risk.DecodeSecurityPolicy(`{}`)
	require.NoError(t, err)
	assert.False(t, policy.RequireDeviceAttestation)
	assert.False(t, policy.BlockVPNAndProxy)
	assert.Equal(t, risk.DefaultMaxBiometricAttempts, policy.MaxBiometricAttemptsPerIP)
}

func TestDecodeSecurityPolicy_NonPositiveLimitFallsBack(t *testing.T) {
	policy, err := risk.DecodeSecurityPolicy(`{"max_biometric_attempts_per_ip":"0"}`)
	require.NoError(t, err)
	assert.Equal(t, risk.DefaultMaxBiometricAttempts, policy.MaxBiometricAttemptsPerIP)
}

func TestDecodeBlockedCountries(t *testing.T) {
	countries, err := risk.DecodeBlockedCountries(`["CN","RU","KP"]`)
	require.NoError(t, err)
	assert.Equal(t, []string{"CN", "RU", "KP"}, countries)

	_, err = risk.DecodeBlockedCountries(`{"oops":1}`)
	assert.Error(t, err)
}
