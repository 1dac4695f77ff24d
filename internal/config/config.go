// Package config holds the tunnel configuration and its YAML loader.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/tunnelio/internal/chunk"
	"github.com/1ureka/tunnelio/internal/protocol"
)

// ReliabilityOrdered is the only supported data channel mode: ordered delivery
// with unlimited retransmits.
const ReliabilityOrdered = "ordered-reliable"

// Defaults.
const (
	DefaultGatherTimeoutSeconds = 15
	DefaultMaxMessageSize       = MaxSCTPMessageSize
)

// MaxSCTPMessageSize is the largest frame every peer accepts: pion assumes it
// for remotes that do not announce max-message-size in their SDP.
const MaxSCTPMessageSize = 65535

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
}

// ICEServer is one STUN or TURN endpoint.
type ICEServer struct {
	URLs       []string `yaml:"urls"`
	Username   string   `yaml:"username,omitempty"`
	Credential string   `yaml:"credential,omitempty"`
}

// Config enumerates the recognized tunnel options.
type Config struct {
	ICEServers                []ICEServer `yaml:"iceServers"`
	ChunkSize                 int         `yaml:"chunkSize"`
	ReliabilityMode           string      `yaml:"reliabilityMode"`
	AutoAnswer                bool        `yaml:"autoAnswer"`
	GatherTimeoutSeconds      int         `yaml:"gatherTimeoutSeconds"`
	MaxMessageSize            int         `yaml:"maxMessageSize"`
	IncludeLoopbackCandidates bool        `yaml:"includeLoopbackCandidates"`
	Debug                     bool        `yaml:"debug"`
}

// Default returns a Config with every option set to its default.
func Default() *Config {
	return &Config{
		ICEServers:           []ICEServer{{URLs: append([]string(nil), DefaultSTUNServers...)}},
		ChunkSize:            chunk.DefaultChunkSize,
		ReliabilityMode:      ReliabilityOrdered,
		AutoAnswer:           true,
		GatherTimeoutSeconds: DefaultGatherTimeoutSeconds,
		MaxMessageSize:       DefaultMaxMessageSize,
	}
}

// GatherTimeout returns the ICE gathering bound as a time.Duration.
func (c *Config) GatherTimeout() time.Duration {
	return time.Duration(c.GatherTimeoutSeconds) * time.Second
}

// Validate checks option ranges. A chunk plus its envelope must fit in one
// data channel frame.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunkSize must be positive, got %d", c.ChunkSize)
	}
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("maxMessageSize must be positive, got %d", c.MaxMessageSize)
	}
	if c.MaxMessageSize > MaxSCTPMessageSize {
		return fmt.Errorf("maxMessageSize %d exceeds the SCTP limit of %d", c.MaxMessageSize, MaxSCTPMessageSize)
	}
	if c.ChunkSize+protocol.MaxOverhead > c.MaxMessageSize {
		return fmt.Errorf("chunkSize %d plus %d bytes of overhead exceeds maxMessageSize %d",
			c.ChunkSize, protocol.MaxOverhead, c.MaxMessageSize)
	}
	if c.ReliabilityMode != ReliabilityOrdered {
		return fmt.Errorf("unsupported reliabilityMode %q (only %q)", c.ReliabilityMode, ReliabilityOrdered)
	}
	if c.GatherTimeoutSeconds <= 0 {
		return fmt.Errorf("gatherTimeoutSeconds must be positive, got %d", c.GatherTimeoutSeconds)
	}
	for i, s := range c.ICEServers {
		if len(s.URLs) == 0 {
			return fmt.Errorf("iceServers[%d] has no urls", i)
		}
	}
	return nil
}

// Load reads a YAML file and overlays it on Default. Options absent from the
// file keep their default value.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal yaml from %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}
