package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/pn"
	"github.com/opd-ai/bdt/sn"
)

// DefaultPort is the rendezvous port bound when the config names no
// endpoints.
const DefaultPort = 8060

// Config is the YAML configuration of a rendezvous node.
type Config struct {
	Listener sn.ListenerConfig `yaml:"listener"`
	Relay    pn.Config         `yaml:"relay"`
	Keystore keystore.Config   `yaml:"keystore"`

	// PeerTimeout drops peers that have not pinged for this long.
	PeerTimeout time.Duration `yaml:"peer_timeout"`
	// MetricsAddr serves /metrics when non-empty.
	MetricsAddr string `yaml:"metrics_addr"`
	// DescriptorPath receives the signed device descriptor once the
	// listener is bound. Clients load it to find this node.
	DescriptorPath string `yaml:"descriptor_path"`
}

// NewConfig returns the defaults: every IPv4 address on DefaultPort over
// both protocols, relay on the same host.
func NewConfig() *Config {
	return &Config{
		Listener: sn.ListenerConfig{
			V4: []endpoint.Endpoint{
				mustParse(fmt.Sprintf("L4udp0.0.0.0:%d", DefaultPort)),
				mustParse(fmt.Sprintf("L4tcp0.0.0.0:%d", DefaultPort)),
			},
			PoolSize: sn.DefaultPoolSize,
		},
		Relay:       pn.DefaultConfig(),
		Keystore:    keystore.DefaultConfig(),
		PeerTimeout: sn.DefaultPeerTimeout,
	}
}

// LoadConfig decodes the YAML file at path on top of NewConfig. A list
// given in the file replaces the default list.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg := NewConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if len(c.Listener.V4)+len(c.Listener.V6) == 0 {
		return fmt.Errorf("listener needs at least one endpoint")
	}
	for _, ep := range append(append([]endpoint.Endpoint{}, c.Listener.V4...), c.Listener.V6...) {
		if !ep.IsValid() {
			return fmt.Errorf("invalid listener endpoint %s", ep)
		}
	}
	if c.Relay.MaxPairs < 0 {
		return fmt.Errorf("relay max_pairs must not be negative")
	}
	return nil
}

func mustParse(s string) endpoint.Endpoint {
	ep, err := endpoint.Parse(s)
	if err != nil {
		panic(err)
	}
	return ep
}
