package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

const validV4 = `
version = 4

[destinations."0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"]
path = ["0xD880123456789abcdef0123456789abcdef0B6BA"]

[connection]
http_timeout = 30

[connection.ping]
address = "1.1.1.1"
interval_min = 5
interval_max = 10

[wireguard]
allowed_ips = "0.0.0.0/0"
`

func TestParseValidV4(t *testing.T) {
	cfg, err := Parse([]byte(validV4))
	require.NoError(t, err)
	require.Equal(t, 4, cfg.Version)
	require.Len(t, cfg.Destinations, 1)
	require.Empty(t, cfg.WrongKeys)
}

// spec.md §8: "unknown keys are preserved in a wrong_keys report",
// i.e. an unrecognized key is reported, not rejected. The appended key
// lands in validV4's last table, so it is reported under that table.
func TestParseReportsWrongKeys(t *testing.T) {
	doc := validV4 + "\nnot_a_real_field = true\n"
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	require.Contains(t, cfg.WrongKeys, "wireguard.not_a_real_field")
}

// spec.md §8 boundary: hop count 3 accepted, 4 rejected at parse.
func TestHopCountBoundary(t *testing.T) {
	three := `
version = 4
[destinations."0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"]
hops = 3
`
	_, err := Parse([]byte(three))
	require.NoError(t, err)

	four := `
version = 4
[destinations."0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"]
hops = 4
`
	_, err = Parse([]byte(four))
	require.Error(t, err)
}

// spec.md §3: a 0-hop policy is rejected unless allow_insecure is set.
func TestZeroHopRequiresAllowInsecure(t *testing.T) {
	rejected := `
version = 4
[destinations."0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"]
hops = 0
`
	_, err := Parse([]byte(rejected))
	require.Error(t, err)

	accepted := `
version = 4
[destinations."0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"]
hops = 0
allow_insecure = true
`
	_, err = Parse([]byte(accepted))
	require.NoError(t, err)
}

// spec.md §8 boundary: ping interval.min < interval.max enforced;
// min >= max rejected.
func TestPingIntervalBoundary(t *testing.T) {
	bad := `
version = 4
[connection.ping]
interval_min = 10
interval_max = 10
`
	_, err := Parse([]byte(bad))
	require.Error(t, err)

	good := `
version = 4
[connection.ping]
interval_min = 9
interval_max = 10
`
	_, err = Parse([]byte(good))
	require.NoError(t, err)
}

// spec.md §6: v1-v3 documents must be translatable to v4 in-memory.
func TestMigrateV1PeerList(t *testing.T) {
	v1 := `
version = 1

[[peers]]
address = "0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"
path = ["0xD880123456789abcdef0123456789abcdef0B6BA"]

[[peers]]
address = "0xAaAa0000000000000000000000000000000001"
`
	cfg, err := Parse([]byte(v1))
	require.NoError(t, err)
	require.Equal(t, CurrentSchemaVersion, cfg.Version)
	require.Len(t, cfg.Destinations, 2)

	d, ok := cfg.Destinations["0xD9c1e9a8B0F2C3d4E5f60718293a4b5c6d7e8f90"]
	require.True(t, ok)
	require.Equal(t, []string{"0xD880123456789abcdef0123456789abcdef0B6BA"}, d.Path)
}

// Parsing a v4 document carries the schema-defined fields into the
// internal model unchanged.
func TestParsePreservesDefinedFields(t *testing.T) {
	cfg, err := Parse([]byte(validV4))
	require.NoError(t, err)

	require.Equal(t, 30, cfg.Connection.HTTPTimeoutSeconds)
	require.Equal(t, "1.1.1.1", cfg.Connection.Ping.Address)
	require.Equal(t, "0.0.0.0/0", cfg.WireGuard.AllowedIPs)
}
