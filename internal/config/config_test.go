package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withEnv(t *testing.T, key, value string) {
	t.Helper()
	old, had := os.LookupEnv(key)
	require.NoError(t, os.Setenv(key, value))
	t.Cleanup(func() {
		if had {
			os.Setenv(key, old)
		} else {
			os.Unsetenv(key)
		}
	})
}

func TestLoad_RequiresNodeID(t *testing.T) {
	old, had := os.LookupEnv("CLUSTERCORE_NODE_ID")
	os.Unsetenv("CLUSTERCORE_NODE_ID")
	defer func() {
		if had {
			os.Setenv("CLUSTERCORE_NODE_ID", old)
		}
	}()

	_, err := Load()
	assert.Error(t, err)
}

func TestLoad_AppliesDefaults(t *testing.T) {
	withEnv(t, "CLUSTERCORE_NODE_ID", "n1")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "n1", cfg.NodeID)
	assert.Equal(t, 150, cfg.ElectionTimeoutMinMs)
	assert.Equal(t, 300, cfg.ElectionTimeoutMaxMs)
	assert.Equal(t, 50, cfg.HeartbeatIntervalMs)
	assert.Equal(t, "memory", cfg.Sink.Backend)
}

func TestParsePeers(t *testing.T) {
	peers, err := parsePeers("n1=host1:7000,n2=host2:7000")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"n1": "host1:7000", "n2": "host2:7000"}, peers)
}

func TestParsePeers_RejectsMalformedEntry(t *testing.T) {
	_, err := parsePeers("n1=host1:7000,garbage")
	assert.Error(t, err)
}

func TestParsePeers_EmptyIsEmptyMap(t *testing.T) {
	peers, err := parsePeers("")
	require.NoError(t, err)
	assert.Empty(t, peers)
}
