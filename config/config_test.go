package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const clusterYaml = `
nodeIndex: 1
firmSync: true
heartbeatInterval: 250
nodes:
  - address: 10.0.0.1
    syncPort: 20401
    dataPort: 20501
    master: true
  - address: 10.0.0.2
    syncPort: 20402
  - address: 10.0.0.3
    syncPort: 20403
    dataPort: 20503
`

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	c, err := Load(writeFile(t, "cluster.yaml", clusterYaml))
	require.NoError(t, err)
	require.NoError(t, c.Validate())

	assert.Equal(t, 1, c.NodeIndex)
	assert.True(t, c.FirmSync)
	require.Len(t, c.Nodes, 3)
	assert.True(t, c.Nodes[0].Master)
	assert.Equal(t, uint16(20501), c.Nodes[0].DataPort)
	assert.Equal(t, uint16(0), c.Nodes[1].DataPort)
	assert.Equal(t, 250*time.Millisecond, c.Heartbeat())
}

func TestLoadDefaultsNodeIndexToAuto(t *testing.T) {
	c, err := Load(writeFile(t, "cluster.yaml", "nodes:\n  - address: localhost\n    syncPort: 1\n    master: true\n"))
	require.NoError(t, err)
	assert.Equal(t, NodeIndexAuto, c.NodeIndex)
}

func TestLoadEnvOverrides(t *testing.T) {
	envPath := writeFile(t, "node.env", "FRAMELOCK_NODE_INDEX=2\nFRAMELOCK_LOG_DEBUG=true\n")
	t.Cleanup(func() { os.Unsetenv(EnvLogDebug) })

	t.Setenv(EnvFirmSync, "false")
	// godotenv.Load never overrides variables that are already set
	t.Setenv(EnvNodeIndex, "0")

	c, err := Load(writeFile(t, "cluster.yaml", clusterYaml), envPath)
	require.NoError(t, err)

	assert.Equal(t, 0, c.NodeIndex)
	assert.False(t, c.FirmSync)
	assert.True(t, c.LogDebug)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "nodes: [\n"))
	assert.Error(t, err)

	t.Setenv(EnvNodeIndex, "first")
	_, err = Load(writeFile(t, "cluster.yaml", clusterYaml))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	var nilConfig *Config
	assert.Error(t, nilConfig.Validate())

	assert.Error(t, (&Config{}).Validate())

	nodes := []Node{{Address: "localhost", SyncPort: 1, Master: true}}
	assert.Error(t, (&Config{NodeIndex: 1, Nodes: nodes}).Validate())
	assert.NoError(t, (&Config{NodeIndex: NodeIndexAuto, Nodes: nodes}).Validate())

	assert.Error(t, (&Config{Nodes: nodes, MaxFramePayload: 1024, TransferChunkSize: 1024}).Validate())
}

func TestDefaults(t *testing.T) {
	c := &Config{}

	assert.Equal(t, HeartbeatInterval, c.Heartbeat())
	assert.Equal(t, BarrierTimeout, c.Barrier())
	assert.Equal(t, StartupTimeout, c.Startup())
	assert.Equal(t, TcpDialTimeout, c.DialTimeout())
	assert.Equal(t, ConnectMaxAttempts, c.MaxConnectAttempts())
	assert.Equal(t, TransferChunkSize, c.ChunkSize())
	assert.Equal(t, MaxFramePayload, c.MaxFramePayloadLen())
	assert.Equal(t, SendQueueLength, c.QueueLength())

	c.TcpDialTimeout = 7
	c.BarrierTimeout = 40
	assert.Equal(t, 7*time.Second, c.DialTimeout())
	assert.Equal(t, 40*time.Millisecond, c.Barrier())
}
