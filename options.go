package bdt

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/sn"
	"github.com/opd-ai/bdt/tunnel"
)

// Options contains configuration options for creating a Stack.
type Options struct {
	// UDP and TCP list the endpoints to bind, e.g. "L4udp0.0.0.0:8050".
	UDP []endpoint.Endpoint `yaml:"udp"`
	TCP []endpoint.Endpoint `yaml:"tcp"`
	// STUNServers are asked for the outer address of every UDP interface
	// at startup.
	STUNServers []endpoint.Endpoint `yaml:"stun_servers"`

	Category        device.Category `yaml:"category"`
	DeviceCacheSize int             `yaml:"device_cache_size"`
	AcceptTimeout   time.Duration   `yaml:"accept_timeout"`
	DiscoverTimeout time.Duration   `yaml:"discover_timeout"`
	// AcceptQueue is the buffer of each Listen channel.
	AcceptQueue int `yaml:"accept_queue"`

	Tunnel   tunnel.Config   `yaml:"tunnel"`
	SN       sn.ClientConfig `yaml:"sn"`
	Keystore keystore.Config `yaml:"keystore"`

	// SNs are the rendezvous peers to register with and call through.
	SNs []*device.Device `yaml:"-"`
	// ActivePNs are the relays this device trusts.
	ActivePNs []*device.Device `yaml:"-"`
}

// NewOptions creates a new default Options.
func NewOptions() *Options {
	return &Options{
		Category:        device.CategoryPC,
		DeviceCacheSize: device.DefaultCacheCapacity,
		AcceptTimeout:   5 * time.Second,
		DiscoverTimeout: 2 * time.Second,
		AcceptQueue:     16,
		Tunnel:          tunnel.DefaultConfig(),
		SN: sn.ClientConfig{
			PingInterval:   sn.DefaultPingInterval,
			ResendInterval: sn.DefaultResendInterval,
		},
		Keystore: keystore.DefaultConfig(),
	}
}

// LoadOptions reads YAML options from path over the defaults.
func LoadOptions(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read options: %w", err)
	}
	opts := NewOptions()
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("parse options %s: %w", path, err)
	}
	return opts, nil
}

func (o *Options) withDefaults() *Options {
	d := NewOptions()
	out := *o
	if out.DeviceCacheSize <= 0 {
		out.DeviceCacheSize = d.DeviceCacheSize
	}
	if out.AcceptTimeout <= 0 {
		out.AcceptTimeout = d.AcceptTimeout
	}
	if out.DiscoverTimeout <= 0 {
		out.DiscoverTimeout = d.DiscoverTimeout
	}
	if out.AcceptQueue <= 0 {
		out.AcceptQueue = d.AcceptQueue
	}
	if out.Keystore.ActiveTime <= 0 {
		out.Keystore = d.Keystore
	}
	out.Tunnel = out.Tunnel.WithDefaults()
	return &out
}
