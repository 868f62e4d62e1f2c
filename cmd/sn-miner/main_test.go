package main

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/sn"
)

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sn.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listener:
  v4: [L4udp127.0.0.1:9060]
  pool_size: 2
relay:
  public_addr: 203.0.113.7
  max_pairs: 16
peer_timeout: 30s
metrics_addr: 127.0.0.1:9100
`), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	require.Len(t, cfg.Listener.V4, 1)
	assert.Equal(t, endpoint.UDP, cfg.Listener.V4[0].Protocol)
	assert.Equal(t, 2, cfg.Listener.PoolSize)
	assert.Equal(t, netip.MustParseAddr("203.0.113.7"), cfg.Relay.PublicAddr)
	assert.Equal(t, 16, cfg.Relay.MaxPairs)
	assert.Equal(t, 30*time.Second, cfg.PeerTimeout)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsAddr)
	assert.Equal(t, NewConfig().Relay.PairTimeout, cfg.Relay.PairTimeout)
}

func TestLoadConfigRejectsEmptyListener(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sn.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listener:\n  v4: []\n"), 0o600))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestDefaultConfigListensOnBothProtocols(t *testing.T) {
	cfg := NewConfig()
	require.Len(t, cfg.Listener.V4, 2)
	assert.Equal(t, endpoint.UDP, cfg.Listener.V4[0].Protocol)
	assert.Equal(t, endpoint.TCP, cfg.Listener.V4[1].Protocol)
	assert.Equal(t, uint16(DefaultPort), cfg.Listener.V4[0].Addr.Port())
	assert.NoError(t, cfg.validate())
}

func TestLoadOrCreateIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node.identity")
	pass := []byte("secret")

	created, err := loadOrCreateIdentity(path, pass)
	require.NoError(t, err)
	loaded, err := loadOrCreateIdentity(path, pass)
	require.NoError(t, err)
	assert.Equal(t, created.SignPublic(), loaded.SignPublic())

	_, err = loadOrCreateIdentity(path, []byte("wrong"))
	assert.Error(t, err)
}

func TestModuleStartsNode(t *testing.T) {
	identity, err := crypto.GenerateIdentity()
	require.NoError(t, err)

	cfg := NewConfig()
	cfg.Listener.V4 = []endpoint.Endpoint{
		endpoint.New(endpoint.UDP, netip.MustParseAddrPort("127.0.0.1:0")),
		endpoint.New(endpoint.TCP, netip.MustParseAddrPort("127.0.0.1:0")),
	}
	cfg.DescriptorPath = filepath.Join(t.TempDir(), "sn.desc")

	var peers *sn.PeerService
	app := fxtest.New(t, Module(cfg, identity), fx.Populate(&peers))
	app.RequireStart()
	defer app.RequireStop()

	require.NotNil(t, peers)
	assert.Zero(t, peers.PeerCount())

	data, err := os.ReadFile(cfg.DescriptorPath)
	require.NoError(t, err)
	desc, _, err := device.Decode(data)
	require.NoError(t, err)
	assert.True(t, desc.VerifyBody())
	assert.Equal(t, device.CategorySN, desc.Desc.Category)
	assert.Len(t, desc.Endpoints(), 2)
	for _, ep := range desc.Endpoints() {
		assert.NotZero(t, ep.Addr.Port())
	}
}

func TestValidateCLIConfig(t *testing.T) {
	t.Setenv(passphraseEnv, "secret")
	cli := &CLIConfig{identityPath: "x", logLevel: "debug", startTimeout: time.Second, stopTimeout: time.Second}
	assert.NoError(t, validateCLIConfig(cli))

	cli.logLevel = "loud"
	assert.Error(t, validateCLIConfig(cli))

	t.Setenv(passphraseEnv, "")
	cli.logLevel = "info"
	assert.Error(t, validateCLIConfig(cli))
}
