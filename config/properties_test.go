package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	p := New()

	assert.Equal(t, 17878, p.Int(KeyHubPort))
	assert.Equal(t, 3*time.Second, p.Duration(KeyGossipInterval))
	assert.Equal(t, int64(64*1024), p.Size(KeyVirtualCredit))
	assert.Equal(t, []string{"direct", "splice", "hubrouted"}, p.StringList(KeyVirtualModules))
	assert.False(t, p.Bool(KeySocketSimulation))
	assert.Empty(t, p.StringList(KeyHubAddresses))
}

func TestLoadStringFlattensTables(t *testing.T) {
	p := New()
	err := p.LoadString(`
[hubmesh.hub]
port = 9000
addresses = ["10.0.0.1:17878", "10.0.0.2:17878"]

[hubmesh.hub.gossip]
interval = "250ms"

[hubmesh.virtual]
credit = "1m"
`)
	require.NoError(t, err)

	assert.Equal(t, 9000, p.Int(KeyHubPort))
	assert.Equal(t, []string{"10.0.0.1:17878", "10.0.0.2:17878"}, p.StringList(KeyHubAddresses))
	assert.Equal(t, 250*time.Millisecond, p.Duration(KeyGossipInterval))
	assert.Equal(t, int64(1<<20), p.Size(KeyVirtualCredit))
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hub.toml")
	require.NoError(t, os.WriteFile(path, []byte("[hubmesh.hub]\nname = \"alpha\"\n"), 0o600))

	p, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "alpha", p.String(KeyHubName))

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	assert.Equal(t, "HUBMESH_HUB_GOSSIP_INTERVAL", EnvName(KeyGossipInterval))

	env := map[string]string{
		"HUBMESH_HUB_PORT":          "4000",
		"HUBMESH_SOCKET_SIMULATION": "true",
	}
	p := New()
	p.ApplyEnvironment(func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	})

	assert.Equal(t, 4000, p.Int(KeyHubPort))
	assert.True(t, p.Bool(KeySocketSimulation))
}

func TestInvalidValuesFallBackToDefaults(t *testing.T) {
	p := FromMap(map[string]string{
		KeyHubPort:          "not-a-port",
		KeyGossipInterval:   "soon",
		KeyVirtualCredit:    "-3k",
		KeySocketSimulation: "perhaps",
	})

	assert.Equal(t, 17878, p.Int(KeyHubPort))
	assert.Equal(t, 3*time.Second, p.Duration(KeyGossipInterval))
	assert.Equal(t, int64(64*1024), p.Size(KeyVirtualCredit))
	assert.False(t, p.Bool(KeySocketSimulation))
	assert.Equal(t, 0, p.Int("hubmesh.unknown"))
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"4k", 4096, false},
		{"2M", 2 << 20, false},
		{"1g", 1 << 30, false},
		{"", 0, true},
		{"k", 0, true},
		{"12x", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestParseDurationMilliseconds(t *testing.T) {
	d, err := ParseDuration("1500")
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, d)
}
