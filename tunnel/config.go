package tunnel

import (
	"context"
	"time"

	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/sn"
	"github.com/opd-ai/bdt/transport"
)

// Config holds connect timing.
type Config struct {
	// ConnectTimeout bounds a TCP dial plus confirm, a UDP holepunch and
	// a proxy negotiation.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// HolepunchInterval is the resend period of first boxes and SynProxy.
	HolepunchInterval time.Duration `yaml:"holepunch_interval"`
	// CallTimeout bounds each rendezvous call separately.
	CallTimeout time.Duration `yaml:"call_timeout"`
	// CallBackoff separates calls to successive rendezvous peers.
	CallBackoff time.Duration `yaml:"call_backoff"`
}

// DefaultConfig returns the default timing.
func DefaultConfig() Config {
	return Config{
		ConnectTimeout:    5 * time.Second,
		HolepunchInterval: 200 * time.Millisecond,
		CallTimeout:       3 * time.Second,
		CallBackoff:       time.Second,
	}
}

// WithDefaults fills unset fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = d.ConnectTimeout
	}
	if c.HolepunchInterval <= 0 {
		c.HolepunchInterval = d.HolepunchInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.CallBackoff <= 0 {
		c.CallBackoff = d.CallBackoff
	}
	return c
}

// Keystore is the key store tunnels and builders use.
type Keystore interface {
	transport.Keystore
	CreateKey(remote device.DeviceId) (keystore.FoundKey, error)
}

// Rendezvous places calls through rendezvous peers.
type Rendezvous interface {
	Call(ctx context.Context, params sn.CallParams) (*device.Device, error)
	SNs() []*device.Device
}

// Deps are the stack services tunnels and builders share.
type Deps struct {
	Config  Config
	Keys    Keystore
	Devices *device.Cache
	UDP     []*transport.UDPInterface
	// TCPLocal lists the bound TCP listener endpoints, offered to remotes
	// as reverse endpoints.
	TCPLocal []endpoint.Endpoint
	// SN may be nil when no rendezvous peer is configured.
	SN Rendezvous
	// ActivePNs are the relays this device trusts.
	ActivePNs []*device.Device
}

// Local returns the local device.
func (d *Deps) Local() *device.Device {
	return d.Devices.Local()
}

// LocalEndpoints returns every bound local endpoint.
func (d *Deps) LocalEndpoints() []endpoint.Endpoint {
	eps := make([]endpoint.Endpoint, 0, len(d.UDP)+len(d.TCPLocal))
	for _, iface := range d.UDP {
		eps = append(eps, iface.Local())
	}
	return append(eps, d.TCPLocal...)
}

// ReverseEndpoints returns the endpoints a remote may reach us on: the
// outer endpoints learned from rendezvous peers and the bound ones.
func (d *Deps) ReverseEndpoints() []endpoint.Endpoint {
	var eps []endpoint.Endpoint
	for _, iface := range d.UDP {
		if outer, ok := iface.Outer(); ok {
			eps = append(eps, outer)
		}
	}
	for _, ep := range d.LocalEndpoints() {
		if !ep.IsUnspecified() {
			eps = append(eps, ep)
		}
	}
	return eps
}

func (d *Deps) activePnIDs() []device.DeviceId {
	ids := make([]device.DeviceId, 0, len(d.ActivePNs))
	for _, pn := range d.ActivePNs {
		ids = append(ids, pn.ID())
	}
	return ids
}
