package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
	"go.uber.org/multierr"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/pn"
	"github.com/opd-ai/bdt/protocol"
	"github.com/opd-ai/bdt/sn"
)

// Module wires a rendezvous node: peer service and relay behind one
// listener, plus the metrics endpoint.
func Module(cfg *Config, identity *crypto.Identity) fx.Option {
	return fx.Module("sn-miner",
		fx.Supply(cfg, identity),
		fx.Provide(
			newRegistry,
			newSNMetrics,
			newKeystore,
			newLocalDevice,
			newServices,
		),
		fx.Invoke(registerListener, registerMetricsServer),
	)
}

// ServiceParams are the dependencies of the rendezvous services.
type ServiceParams struct {
	fx.In

	Config   *Config
	Local    *device.Device
	Metrics  *sn.Metrics
	Registry *prometheus.Registry
}

// ServiceOutput is what newServices contributes to the graph.
type ServiceOutput struct {
	fx.Out

	Peers *sn.PeerService
	Relay *pn.Service
	Root  sn.Service
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// newSNMetrics is shared by the listener and the peer service; the
// collectors register once.
func newSNMetrics(reg *prometheus.Registry) *sn.Metrics {
	return sn.NewMetrics(reg)
}

func newKeystore(cfg *Config, identity *crypto.Identity) (*keystore.Keystore, error) {
	return keystore.New(identity, cfg.Keystore)
}

// newLocalDevice creates the node's descriptor. Endpoints are filled in
// once the listener is bound.
func newLocalDevice(identity *crypto.Identity) *device.Device {
	return device.New(identity, device.CategorySN, nil)
}

func newServices(p ServiceParams) ServiceOutput {
	peers := sn.NewPeerService(p.Local, p.Config.PeerTimeout, p.Metrics)
	relay := pn.NewService(p.Config.Relay, pn.NewMetrics(p.Registry))
	return ServiceOutput{
		Peers: peers,
		Relay: relay,
		Root:  sn.NewMux(peers).Route(relay, protocol.CmdSynProxy),
	}
}

// ListenerParams are the dependencies of the rendezvous listener.
type ListenerParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *Config
	Identity  *crypto.Identity
	Keys      *keystore.Keystore
	Local     *device.Device
	Relay     *pn.Service
	Root      sn.Service
	Metrics   *sn.Metrics
}

func registerListener(p ListenerParams) {
	var ln *sn.NetListener
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			config := p.Config.Listener
			config.LocalID = p.Local.ID()
			config.Metrics = p.Metrics

			var (
				udp, tcp int
				err      error
			)
			ln, udp, tcp, err = sn.Listen(context.Background(), config, p.Root, p.Keys)
			if err != nil {
				return fmt.Errorf("failed to start rendezvous listener: %w", err)
			}

			p.Local.UpdateEndpoints(ln.Endpoints())
			if err := p.Local.Sign(p.Identity); err != nil {
				ln.Close()
				return fmt.Errorf("failed to sign device descriptor: %w", err)
			}
			if err := writeDescriptor(p.Config.DescriptorPath, p.Local); err != nil {
				ln.Close()
				return err
			}

			logrus.WithFields(logrus.Fields{
				"function":  "registerListener",
				"device_id": p.Local.ID().String(),
				"udp":       udp,
				"tcp":       tcp,
				"endpoints": ln.Endpoints(),
			}).Info("Rendezvous node started")
			return nil
		},
		OnStop: func(context.Context) error {
			var err error
			if ln != nil {
				err = ln.Close()
			}
			return multierr.Append(err, p.Relay.Close())
		},
	})
}

// writeDescriptor stores the encoded descriptor for clients to load. An
// empty path skips it.
func writeDescriptor(path string, local *device.Device) error {
	if path == "" {
		return nil
	}
	if err := os.WriteFile(path, local.Encode(), 0o644); err != nil {
		return fmt.Errorf("failed to write device descriptor: %w", err)
	}
	return nil
}

// MetricsParams are the dependencies of the metrics endpoint.
type MetricsParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    *Config
	Registry  *prometheus.Registry
}

func registerMetricsServer(p MetricsParams) {
	if p.Config.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(p.Registry, promhttp.HandlerOpts{}))
	server := &http.Server{
		Addr:              p.Config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			lis, err := net.Listen("tcp", server.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen for metrics: %w", err)
			}
			go func() {
				if err := server.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.WithFields(logrus.Fields{
						"function": "registerMetricsServer",
						"error":    err.Error(),
					}).Error("Metrics server stopped")
				}
			}()
			logrus.WithFields(logrus.Fields{
				"function": "registerMetricsServer",
				"addr":     lis.Addr().String(),
			}).Info("Serving metrics")
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return server.Shutdown(ctx)
		},
	})
}
