package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tunnelio.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// TestDefault verifies that the defaults are valid and match the documented values.
func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	require.Equal(t, 16*1024, cfg.ChunkSize)
	require.Equal(t, MaxSCTPMessageSize, cfg.MaxMessageSize)
	require.Equal(t, ReliabilityOrdered, cfg.ReliabilityMode)
	require.True(t, cfg.AutoAnswer)
	require.Equal(t, 15*time.Second, cfg.GatherTimeout())
	require.Len(t, cfg.ICEServers, 1)
	require.Equal(t, DefaultSTUNServers, cfg.ICEServers[0].URLs)
}

// TestLoadOverlaysDefaults verifies that absent options keep their defaults.
func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
iceServers:
  - urls: ["turn:turn.example.com:3478"]
    username: alice
    credential: secret
autoAnswer: false
chunkSize: 8192
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	require.False(t, cfg.AutoAnswer)
	require.Equal(t, 8192, cfg.ChunkSize)
	require.Equal(t, DefaultMaxMessageSize, cfg.MaxMessageSize)
	require.Equal(t, DefaultGatherTimeoutSeconds, cfg.GatherTimeoutSeconds)
	require.Equal(t, []ICEServer{{
		URLs:       []string{"turn:turn.example.com:3478"},
		Username:   "alice",
		Credential: "secret",
	}}, cfg.ICEServers)
}

// TestLoadEmptyICEServers verifies that an explicit empty list disables STUN.
func TestLoadEmptyICEServers(t *testing.T) {
	cfg, err := Load(writeConfig(t, "iceServers: []\n"))
	require.NoError(t, err)
	require.Empty(t, cfg.ICEServers)
}

// TestLoadInvalid verifies that out-of-range options are rejected.
func TestLoadInvalid(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "chunk too large for frame", body: "chunkSize: 65536\n"},
		{name: "zero chunk size", body: "chunkSize: 0\n"},
		{name: "frame beyond sctp limit", body: "maxMessageSize: 1048576\n"},
		{name: "unordered mode", body: "reliabilityMode: unordered\n"},
		{name: "zero gather timeout", body: "gatherTimeoutSeconds: 0\n"},
		{name: "ice server without urls", body: "iceServers:\n  - username: bob\n"},
		{name: "not yaml", body: "chunkSize: [\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.body))
			require.Error(t, err)
		})
	}
}

// TestLoadMissingFile verifies that a missing file is reported.
func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
