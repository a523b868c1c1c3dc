package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// defaults for when not provided in Config
	SendQueueLength       uint16        = 4096
	HeartbeatInterval     time.Duration = time.Millisecond * 1000
	BarrierTimeout        time.Duration = time.Millisecond * 5000
	StartupTimeout        time.Duration = time.Millisecond * 30000
	HandshakeTimeout      time.Duration = time.Millisecond * 5000
	TcpKeepAliveInterval  time.Duration = time.Second * 17
	TcpKeepAliveCount     uint16        = 2
	TcpDialTimeout        time.Duration = time.Second * 3
	TcpReconnectInterval  time.Duration = time.Second * 5
	TcpReconnectLogEvery  uint32        = 12
	TcpWriteDeadline      time.Duration = time.Second * 3
	ConnectMaxAttempts    uint16        = 8
	ConnectInitialBackoff time.Duration = time.Millisecond * 100
	ConnectMaxBackoff     time.Duration = time.Millisecond * 3000
	MaxFramePayload       uint32        = 4 * 1024 * 1024 // 4 MB
	TransferChunkSize     uint32        = 1024 * 1024     // 1 MB
	MaxPackageChunks      uint32        = 4096

	// room for msgpack framing of a DataPackage around its chunk
	chunkOverhead uint32 = 64

	NodeIndexAuto int = -1
)

const (
	EnvNodeIndex = "FRAMELOCK_NODE_INDEX"
	EnvFirmSync  = "FRAMELOCK_FIRM_SYNC"
	EnvLogDebug  = "FRAMELOCK_LOG_DEBUG"
)

type Node struct {
	Address  string `yaml:"address"`
	SyncPort uint16 `yaml:"syncPort"`
	DataPort uint16 `yaml:"dataPort,omitempty"` // zero disables the data transfer channel for this node
	Master   bool   `yaml:"master,omitempty"`
}

type Config struct {
	// position of this process in Nodes, NodeIndexAuto resolves it from local addresses
	NodeIndex int    `yaml:"nodeIndex"`
	Nodes     []Node `yaml:"nodes"`
	FirmSync  bool   `yaml:"firmSync"`

	// listen address used by the master, empty listens on all interfaces
	BindAddress string `yaml:"bindAddress,omitempty"`

	// milliseconds
	HeartbeatInterval     uint32 `yaml:"heartbeatInterval,omitempty"`
	BarrierTimeout        uint32 `yaml:"barrierTimeout,omitempty"`
	StartupTimeout        uint32 `yaml:"startupTimeout,omitempty"`
	HandshakeTimeout      uint32 `yaml:"handshakeTimeout,omitempty"`
	ConnectInitialBackoff uint32 `yaml:"connectInitialBackoff,omitempty"`
	ConnectMaxBackoff     uint32 `yaml:"connectMaxBackoff,omitempty"`

	// seconds
	TcpKeepAliveInterval uint16 `yaml:"tcpKeepAliveInterval,omitempty"`
	TcpKeepAliveCount    uint16 `yaml:"tcpKeepAliveCount,omitempty"`
	TcpDialTimeout       uint16 `yaml:"tcpDialTimeout,omitempty"`
	TcpReconnectInterval uint16 `yaml:"tcpReconnectInterval,omitempty"`
	TcpWriteDeadline     uint16 `yaml:"tcpWriteDeadline,omitempty"`

	ConnectMaxAttempts uint16 `yaml:"connectMaxAttempts,omitempty"`
	MaxFramePayload    uint32 `yaml:"maxFramePayload,omitempty"`
	TransferChunkSize  uint32 `yaml:"transferChunkSize,omitempty"`
	MaxPackageChunks   uint32 `yaml:"maxPackageChunks,omitempty"`
	SendQueueLength    uint16 `yaml:"sendQueueLength,omitempty"`

	// directory for per-node lock files, empty disables locking
	LockDir string `yaml:"lockDir,omitempty"`

	LogPrefix string `yaml:"logPrefix,omitempty"`
	LogDebug  bool   `yaml:"logDebug,omitempty"`
}

// Load reads a YAML config file, then applies FRAMELOCK_* overrides from the
// process environment and from the given .env files.
func Load(path string, envFiles ...string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		err = fmt.Errorf("failed to read config path=%s, err=%w", path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	c := &Config{
		NodeIndex: NodeIndexAuto,
	}
	err = yaml.Unmarshal(raw, c)
	if err != nil {
		err = fmt.Errorf("failed to parse config path=%s, err=%w", path, err)
		log.Printf("%s", err.Error())
		return nil, err
	}

	if len(envFiles) > 0 {
		// variables already present in the environment take precedence
		err = godotenv.Load(envFiles...)
		if err != nil {
			err = fmt.Errorf("failed to load envFiles=%v, err=%w", envFiles, err)
			log.Printf("%s", err.Error())
			return nil, err
		}
	}

	err = c.ApplyEnv()
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Config) ApplyEnv() error {
	if v, found := os.LookupEnv(EnvNodeIndex); found {
		index, err := strconv.Atoi(v)
		if err != nil {
			err = fmt.Errorf("invalid %s=%s, err=%w", EnvNodeIndex, v, err)
			log.Printf("%s", err.Error())
			return err
		}
		c.NodeIndex = index
	}

	if v, found := os.LookupEnv(EnvFirmSync); found {
		firm, err := strconv.ParseBool(v)
		if err != nil {
			err = fmt.Errorf("invalid %s=%s, err=%w", EnvFirmSync, v, err)
			log.Printf("%s", err.Error())
			return err
		}
		c.FirmSync = firm
	}

	if v, found := os.LookupEnv(EnvLogDebug); found {
		debug, err := strconv.ParseBool(v)
		if err != nil {
			err = fmt.Errorf("invalid %s=%s, err=%w", EnvLogDebug, v, err)
			log.Printf("%s", err.Error())
			return err
		}
		c.LogDebug = debug
	}

	return nil
}

func (c *Config) Validate() error {
	if c == nil {
		err := fmt.Errorf("nil config")
		log.Printf("%s", err.Error())
		return err
	}

	if len(c.Nodes) == 0 {
		err := fmt.Errorf("empty Nodes")
		log.Printf("%s", err.Error())
		return err
	}

	if c.NodeIndex != NodeIndexAuto && (c.NodeIndex < 0 || c.NodeIndex >= len(c.Nodes)) {
		err := fmt.Errorf("invalid NodeIndex=%d, node count=%d", c.NodeIndex, len(c.Nodes))
		log.Printf("%s", err.Error())
		return err
	}

	maxFramePayload := c.MaxFramePayloadLen()
	chunkSize := c.ChunkSize()
	if chunkSize+chunkOverhead > maxFramePayload {
		err := fmt.Errorf("TransferChunkSize=%d does not fit MaxFramePayload=%d", chunkSize, maxFramePayload)
		log.Printf("%s", err.Error())
		return err
	}

	if c.HeartbeatInterval != 0 && c.BarrierTimeout != 0 && c.BarrierTimeout < c.HeartbeatInterval {
		log.Printf(
			"%s: BarrierTimeout=%dms is shorter than HeartbeatInterval=%dms, soft timeouts will precede node loss detection",
			c.LogPrefix,
			c.BarrierTimeout,
			c.HeartbeatInterval,
		)
	}

	// per-node rules live in topology.NewRegistry
	return nil
}

func millisOr(v uint32, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return time.Millisecond * time.Duration(v)
}

func secondsOr(v uint16, d time.Duration) time.Duration {
	if v == 0 {
		return d
	}
	return time.Second * time.Duration(v)
}

func (c *Config) Heartbeat() time.Duration {
	return millisOr(c.HeartbeatInterval, HeartbeatInterval)
}

func (c *Config) Barrier() time.Duration {
	return millisOr(c.BarrierTimeout, BarrierTimeout)
}

func (c *Config) Startup() time.Duration {
	return millisOr(c.StartupTimeout, StartupTimeout)
}

func (c *Config) Handshake() time.Duration {
	return millisOr(c.HandshakeTimeout, HandshakeTimeout)
}

func (c *Config) InitialBackoff() time.Duration {
	return millisOr(c.ConnectInitialBackoff, ConnectInitialBackoff)
}

func (c *Config) MaxBackoff() time.Duration {
	return millisOr(c.ConnectMaxBackoff, ConnectMaxBackoff)
}

func (c *Config) KeepAliveInterval() time.Duration {
	return secondsOr(c.TcpKeepAliveInterval, TcpKeepAliveInterval)
}

func (c *Config) KeepAliveCount() uint16 {
	if c.TcpKeepAliveCount == 0 {
		return TcpKeepAliveCount
	}
	return c.TcpKeepAliveCount
}

func (c *Config) DialTimeout() time.Duration {
	return secondsOr(c.TcpDialTimeout, TcpDialTimeout)
}

func (c *Config) ReconnectInterval() time.Duration {
	return secondsOr(c.TcpReconnectInterval, TcpReconnectInterval)
}

func (c *Config) WriteDeadline() time.Duration {
	return secondsOr(c.TcpWriteDeadline, TcpWriteDeadline)
}

func (c *Config) MaxConnectAttempts() uint16 {
	if c.ConnectMaxAttempts == 0 {
		return ConnectMaxAttempts
	}
	return c.ConnectMaxAttempts
}

func (c *Config) MaxFramePayloadLen() uint32 {
	if c.MaxFramePayload == 0 {
		return MaxFramePayload
	}
	return c.MaxFramePayload
}

func (c *Config) ChunkSize() uint32 {
	if c.TransferChunkSize == 0 {
		return TransferChunkSize
	}
	return c.TransferChunkSize
}

func (c *Config) MaxChunks() uint32 {
	if c.MaxPackageChunks == 0 {
		return MaxPackageChunks
	}
	return c.MaxPackageChunks
}

func (c *Config) QueueLength() uint16 {
	if c.SendQueueLength == 0 {
		return SendQueueLength
	}
	return c.SendQueueLength
}
