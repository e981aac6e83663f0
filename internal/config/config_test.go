package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
server:
  addr: ":8080"
db:
  driver: memory
chains:
  erc20:
    rpc_endpoints: ["http://erc20.local"]
    assets:
      - symbol: USDC
        contract: "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
  native:
    rpc_endpoints: ["http://native.local"]
    assets:
      - symbol: MON
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, int64(500), cfg.Settlement.MinFiatMinor)
	assert.Equal(t, int64(1), cfg.Settlement.FiatToleranceMinor)
	assert.Equal(t, "X-Razorpay-Signature", cfg.Gateway.SignatureHeader)
	assert.Equal(t, uint64(65000), cfg.Chains.ERC20.GasLimit)
	assert.Equal(t, uint64(21000), cfg.Chains.Native.GasLimit)
	assert.Equal(t, 3, cfg.Chains.Native.RPCFailoverThreshold)
}

func TestParseEnvOverrides(t *testing.T) {
	t.Setenv("SERVER_ADDR", ":9090")
	t.Setenv("NATIVE_RPC_ENDPOINTS", "http://a.local, http://b.local,")
	t.Setenv("MIN_FIAT_MINOR", "1000")
	t.Setenv("FIAT_TOLERANCE_MINOR", "not-a-number")

	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, []string{"http://a.local", "http://b.local"}, cfg.Chains.Native.RPCEndpoints)
	assert.Equal(t, int64(1000), cfg.Settlement.MinFiatMinor)
	assert.Equal(t, int64(1), cfg.Settlement.FiatToleranceMinor)
}

func TestParseRejectsIncompleteConfig(t *testing.T) {
	_, err := Parse([]byte("server:\n  addr: \":8080\"\ndb:\n  driver: memory\n"))
	require.Error(t, err)

	_, err = Parse([]byte(`
server:
  addr: ":8080"
db:
  driver: postgres
chains:
  erc20:
    rpc_endpoints: ["http://erc20.local"]
  native:
    rpc_endpoints: ["http://native.local"]
`))
	require.EqualError(t, err, "db.dsn is required")
}

func TestParseRejectsTokenWithoutContract(t *testing.T) {
	_, err := Parse([]byte(`
server:
  addr: ":8080"
db:
  driver: memory
chains:
  erc20:
    rpc_endpoints: ["http://erc20.local"]
    assets:
      - symbol: USDT
  native:
    rpc_endpoints: ["http://native.local"]
`))
	require.EqualError(t, err, "erc20 asset USDT has no contract")
}

func TestParseRejectsStaleWindowInsideTransferWindow(t *testing.T) {
	// Defaults: transfer 180s, confirm 120s.
	t.Setenv("WORKER_STALE_AFTER_SECONDS", "300")
	_, err := Parse([]byte(minimalYAML))
	require.ErrorContains(t, err, "worker.stale_after_seconds")

	t.Setenv("WORKER_STALE_AFTER_SECONDS", "301")
	cfg, err := Parse([]byte(minimalYAML))
	require.NoError(t, err)
	assert.Equal(t, int64(301), cfg.Worker.StaleAfterSeconds)

	_, err = Parse([]byte(minimalYAML + `
settlement:
  transfer_timeout_seconds: 600
`))
	require.ErrorContains(t, err, "worker.stale_after_seconds")
}
