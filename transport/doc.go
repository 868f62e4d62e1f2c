// Package transport carries package boxes over TCP and UDP sockets.
//
// # TCP
//
// Every TCP frame is a big-endian u16 length followed by that many bytes.
// Lengths up to 32768 carry an encrypted package box; larger lengths carry
// raw data of length-32768 bytes.
//
// The first box on a connection is keyed: it starts with the key's mix
// hash, and also with the sealed key when the box opens with an Exchange.
// Later boxes are plain and decrypted with the key bound to the connection.
//
// Outbound:
//
//	iface, err := transport.Connect(ctx, remoteEp, remoteDevice, key, 5*time.Second)
//	reply, err := iface.ConfirmConnect(ctx, transport.ConnectConfig{
//	    Keystore: ks,
//	    Local:    local,
//	    Timeout:  5 * time.Second,
//	}, seq, syn)
//	pi := iface.PackageInterface()
//
// Inbound:
//
//	ln, err := transport.BindListener(localEp, 0)
//	ln.Start(transport.AcceptConfig{Keystore: ks, LocalID: id, Timeout: 2 * time.Second},
//	    func(iface *transport.AcceptInterface, first *protocol.PackageBox) {
//	        // inspect first, then iface.ConfirmAccept(...)
//	    })
//
// # UDP
//
// A UDPInterface sends one keyed box per datagram, at most MTU bytes.
// STUN binding requests arriving on the socket are answered, and
// DiscoverOuter asks a STUN server (any UDPInterface qualifies) for the
// socket's mapped address.
package transport
