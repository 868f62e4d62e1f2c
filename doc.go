// Package bdt establishes authenticated streams between devices that may
// sit behind NATs.
//
// A device is identified by the digest of its public descriptor. A Stack
// binds UDP and TCP endpoints for one local device and turns "open a stream
// to port P on device X" into a working path: a direct TCP connection, a
// punched UDP pair, a reverse connection requested through a rendezvous
// (SN) peer, or a relay (PN) both sides agree on.
//
// # Getting Started
//
//	identity, err := crypto.GenerateIdentity()
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	udp, _ := endpoint.Parse("L4udp0.0.0.0:8050")
//	tcp, _ := endpoint.Parse("L4tcp0.0.0.0:8050")
//
//	options := bdt.NewOptions()
//	options.UDP = []endpoint.Endpoint{udp}
//	options.TCP = []endpoint.Endpoint{tcp}
//	options.SNs = []*device.Device{snDevice}
//
//	stack, err := bdt.New(ctx, identity, options)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer stack.Close()
//
// # Streams
//
// The accepting side listens on a virtual port:
//
//	accepted, err := stack.Listen(80)
//	for s := range accepted {
//	    go serve(s)
//	}
//
// The connecting side needs the remote device descriptor, obtained out of
// band or from a rendezvous peer:
//
//	s, err := stack.Connect(ctx, remote, 80, bdt.ConnectParams{})
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//	s.Write([]byte("hello"))
//
// Connect races every candidate path. The first one the remote confirms
// establishes the stream; the others are closed.
//
// # Configuration
//
// Options can be loaded from YAML on top of the defaults:
//
//	udp: [L4udp0.0.0.0:8050]
//	tcp: [L4tcp0.0.0.0:8050]
//	tunnel:
//	  connect_timeout: 5s
//	  holepunch_interval: 200ms
//
// # Packages
//
//   - [protocol]: packages, boxes and their wire codec
//   - [transport]: UDP interfaces and framed TCP connections
//   - [tunnel]: tunnel containers and the connect-stream builder
//   - [sn]: rendezvous listener, service and client
//   - [pn]: relay service
//   - [stream]: the stream object
package bdt
