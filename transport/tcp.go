package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
	"github.com/opd-ai/bdt/keystore"
	"github.com/opd-ai/bdt/protocol"
)

const (
	// RawDataFlag is added to the TCP frame length of raw data frames.
	// Lengths at or below it are encrypted package boxes.
	RawDataFlag = 32768
	// MaxBoxSize is the largest package box a TCP frame carries.
	MaxBoxSize = RawDataFlag
	// MaxRawDataSize is the largest raw data payload a TCP frame carries.
	MaxRawDataSize = 65535 - RawDataFlag
	// TCPRecvBufferSize fits any TCP frame payload.
	TCPRecvBufferSize = 65535

	writeTimeout = 5 * time.Second
)

// BoxType says what a TCP frame carries.
type BoxType int

const (
	BoxPackage BoxType = iota
	BoxRawData
)

// Keystore is the key store the transport interfaces consult.
type Keystore interface {
	protocol.KeyResolver
	GetKeyByRemote(remote device.DeviceId, touch bool) (keystore.FoundKey, bool)
	AddKey(key crypto.AesKey, remote device.DeviceId, confirmed bool)
	Signer() crypto.Signer
}

// frameLength returns the wire length word for a payload.
func frameLength(kind BoxType, n int) (uint16, error) {
	switch kind {
	case BoxRawData:
		if n == 0 {
			return 0, errs.New(errs.CodeInvalidParam, "empty raw data")
		}
		if n > MaxRawDataSize {
			return 0, errs.Newf(errs.CodeOutOfLimit, "raw data %d exceeds %d", n, MaxRawDataSize)
		}
		return uint16(n + RawDataFlag), nil
	default:
		if n > MaxBoxSize {
			return 0, errs.Newf(errs.CodeOutOfLimit, "box %d exceeds %d", n, MaxBoxSize)
		}
		return uint16(n), nil
	}
}

// parseFrameLength splits a wire length word into kind and payload size.
func parseFrameLength(word uint16) (BoxType, int) {
	if word > RawDataFlag {
		return BoxRawData, int(word) - RawDataFlag
	}
	return BoxPackage, int(word)
}

// writeFrame writes [u16 length][payload] in one write.
func writeFrame(conn net.Conn, kind BoxType, payload []byte) error {
	word, err := frameLength(kind, len(payload))
	if err != nil {
		return err
	}
	frame := make([]byte, 2+len(payload))
	binary.BigEndian.PutUint16(frame, word)
	copy(frame[2:], payload)

	if err := conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	_, err = conn.Write(frame)
	return err
}

// receiveBox reads one frame into buf and returns its kind and payload.
func receiveBox(conn net.Conn, buf []byte) (BoxType, []byte, error) {
	var header [2]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, err
	}
	kind, n := parseFrameLength(binary.BigEndian.Uint16(header[:]))
	if n > len(buf) {
		return 0, nil, errs.Newf(errs.CodeOutOfLimit, "frame %d exceeds buffer %d", n, len(buf))
	}
	if _, err := io.ReadFull(conn, buf[:n]); err != nil {
		return 0, nil, err
	}
	return kind, buf[:n], nil
}

// encodeFrame encodes box for a TCP frame.
func encodeFrame(box *protocol.PackageBox, ctx *protocol.BoxEncodeContext) ([]byte, error) {
	buf := make([]byte, MaxBoxSize)
	n, err := protocol.EncodeBox(box, buf, ctx)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// shutdown closes both directions of conn and releases it.
func shutdown(conn *net.TCPConn) {
	_ = conn.CloseRead()
	_ = conn.CloseWrite()
	_ = conn.Close()
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		return d
	}
	return deadline
}

// watchContext closes conn's pending IO when ctx ends. The returned stop
// function must be called once the guarded IO is done.
func watchContext(ctx context.Context, conn net.Conn) func() {
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()
	return func() { close(stop) }
}

func ioError(msg string, err error) error {
	var coded *errs.Error
	if errors.As(err, &coded) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.CodeTimeout, msg, err)
	}
	return errs.Wrap(errs.CodeConnectFailed, msg, err)
}

// UpdateOuterResult reports whether UpdateOuter changed anything.
type UpdateOuterResult int

const (
	UpdateOuterNone UpdateOuterResult = iota
	UpdateOuterUpdate
)

// AcceptConfig configures the accept path.
type AcceptConfig struct {
	Keystore Keystore
	LocalID  device.DeviceId
	// Timeout bounds reading the first box of an accepted socket.
	Timeout time.Duration
}

// AcceptHandler receives every accepted interface with its first box.
type AcceptHandler func(iface *AcceptInterface, first *protocol.PackageBox)

// Listener accepts TCP connections on one local endpoint.
type Listener struct {
	local       endpoint.Endpoint
	mappingPort uint16
	ln          *net.TCPListener

	mu    sync.RWMutex
	outer *endpoint.Endpoint

	ctx    context.Context
	cancel context.CancelFunc
	// once either starts the accept loop, which closes done on exit, or
	// closes done itself when the listener is closed without starting.
	once sync.Once
	done chan struct{}
}

// BindListener binds a TCP listener. mappingPort, when non-zero, is the
// port a NAT maps to this listener.
func BindListener(local endpoint.Endpoint, mappingPort uint16) (*Listener, error) {
	ln, err := net.ListenTCP(local.Network(), local.TCPAddr())
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnectFailed, "bind tcp "+local.String(), err)
	}
	bound, err := endpoint.FromNetAddr(ln.Addr())
	if err != nil {
		ln.Close()
		return nil, err
	}
	bound.StaticWan = local.StaticWan

	ctx, cancel := context.WithCancel(context.Background())
	return &Listener{
		local:       bound,
		mappingPort: mappingPort,
		ln:          ln,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}, nil
}

// Local returns the bound endpoint.
func (l *Listener) Local() endpoint.Endpoint {
	return l.local
}

// MappingPort returns the NAT mapping port, zero if none.
func (l *Listener) MappingPort() uint16 {
	return l.mappingPort
}

// Outer returns the externally observed endpoint, if known.
func (l *Listener) Outer() (endpoint.Endpoint, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.outer == nil {
		return endpoint.Endpoint{}, false
	}
	return *l.outer, true
}

// UpdateOuter records the externally observed endpoint.
func (l *Listener) UpdateOuter(outer endpoint.Endpoint) UpdateOuterResult {
	outer.Protocol = endpoint.TCP
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outer != nil && *l.outer == outer {
		return UpdateOuterNone
	}
	l.outer = &outer

	logrus.WithFields(logrus.Fields{
		"function": "Listener.UpdateOuter",
		"local":    l.local.String(),
		"outer":    outer.String(),
	}).Info("TCP outer endpoint updated")
	return UpdateOuterUpdate
}

// Start runs the accept loop on a goroutine locked to its own OS thread.
// Each accepted socket is authenticated on its own goroutine and handed to
// handler.
func (l *Listener) Start(config AcceptConfig, handler AcceptHandler) {
	l.once.Do(func() {
		go l.acceptLoop(config, handler)
	})
}

func (l *Listener) acceptLoop(config AcceptConfig, handler AcceptHandler) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(l.done)

	for {
		conn, err := l.ln.AcceptTCP()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			if isTransientAcceptError(err) {
				continue
			}
			logrus.WithFields(logrus.Fields{
				"function": "Listener.acceptLoop",
				"local":    l.local.String(),
				"error":    err.Error(),
			}).Error("TCP accept loop stopped")
			return
		}

		go l.handleAccepted(conn, config, handler)
	}
}

func (l *Listener) handleAccepted(conn *net.TCPConn, config AcceptConfig, handler AcceptHandler) {
	iface, first, err := Accept(l.ctx, conn, config)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function": "Listener.handleAccepted",
			"local":    l.local.String(),
			"remote":   conn.RemoteAddr().String(),
			"error":    err.Error(),
		}).Debug("Rejected accepted socket")
		return
	}
	handler(iface, first)
}

// isTransientAcceptError reports errors the accept loop retries.
func isTransientAcceptError(err error) bool {
	for _, errno := range []syscall.Errno{syscall.EINTR, syscall.EAGAIN, syscall.EWOULDBLOCK, syscall.EEXIST, syscall.ETIMEDOUT, syscall.ECONNABORTED} {
		if errors.Is(err, errno) {
			return true
		}
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// Close stops the accept loop and closes the socket.
func (l *Listener) Close() error {
	l.cancel()
	err := l.ln.Close()
	l.once.Do(func() { close(l.done) })
	<-l.done
	return err
}

// AcceptInterface is an inbound TCP connection whose first box has been
// authenticated.
type AcceptInterface struct {
	conn         *net.TCPConn
	local        endpoint.Endpoint
	remote       endpoint.Endpoint
	remoteID     device.DeviceId
	remoteDevice *device.Device
	key          crypto.AesKey
}

// Accept reads and authenticates the first box of conn within
// config.Timeout. Raw data, undecodable boxes and Exchange packages that
// fail verification shut the socket down.
func Accept(ctx context.Context, conn *net.TCPConn, config AcceptConfig) (*AcceptInterface, *protocol.PackageBox, error) {
	fail := func(err error) (*AcceptInterface, *protocol.PackageBox, error) {
		shutdown(conn)
		return nil, nil, err
	}

	local, err := endpoint.FromNetAddr(conn.LocalAddr())
	if err != nil {
		return fail(err)
	}
	remote, err := endpoint.FromNetAddr(conn.RemoteAddr())
	if err != nil {
		return fail(err)
	}

	if err := conn.SetReadDeadline(deadlineFor(ctx, config.Timeout)); err != nil {
		return fail(ioError("set deadline", err))
	}
	stop := watchContext(ctx, conn)
	buf := make([]byte, TCPRecvBufferSize)
	kind, data, err := receiveBox(conn, buf)
	stop()
	if err != nil {
		return fail(ioError("receive first box", err))
	}
	if kind != BoxPackage {
		return fail(errs.New(errs.CodeInvalidData, "first box is raw data"))
	}

	box, err := protocol.DecodeKeyedBox(data, config.Keystore)
	if err != nil {
		return fail(err)
	}

	var remoteDevice *device.Device
	if exchange, ok := box.Exchange(); ok {
		if !exchange.Verify(config.LocalID, box.Key()) {
			return fail(errs.New(errs.CodeInvalidData, "exchange verification failed"))
		}
		remoteDevice = exchange.FromDevice
		config.Keystore.AddKey(box.Key(), box.Remote(), true)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return fail(ioError("clear deadline", err))
	}

	return &AcceptInterface{
		conn:         conn,
		local:        local,
		remote:       remote,
		remoteID:     box.Remote(),
		remoteDevice: remoteDevice,
		key:          box.Key(),
	}, box, nil
}

// ConfirmAccept sends the reply box.
func (a *AcceptInterface) ConfirmAccept(packages ...protocol.Package) error {
	box := protocol.NewPackageBox(a.remoteID, a.key).Push(packages...)
	frame, err := encodeFrame(box, protocol.OtherBoxContext())
	if err != nil {
		return err
	}
	if err := writeFrame(a.conn, BoxPackage, frame); err != nil {
		return ioError("confirm accept", err)
	}
	return nil
}

// Local returns the local endpoint.
func (a *AcceptInterface) Local() endpoint.Endpoint { return a.local }

// Remote returns the remote endpoint.
func (a *AcceptInterface) Remote() endpoint.Endpoint { return a.remote }

// RemoteID returns the authenticated remote device id.
func (a *AcceptInterface) RemoteID() device.DeviceId { return a.remoteID }

// RemoteDevice returns the sender descriptor from the Exchange, if any.
func (a *AcceptInterface) RemoteDevice() *device.Device { return a.remoteDevice }

// Key returns the connection key.
func (a *AcceptInterface) Key() crypto.AesKey { return a.key }

// Close shuts the connection down.
func (a *AcceptInterface) Close() {
	shutdown(a.conn)
}

// PackageInterface converts to the send/receive handle.
func (a *AcceptInterface) PackageInterface() *PackageInterface {
	return newPackageInterface(a.conn, a.local, a.remote, a.remoteID, a.key)
}

// Interface is an outbound TCP connection.
type Interface struct {
	conn         *net.TCPConn
	local        endpoint.Endpoint
	remote       endpoint.Endpoint
	remoteDevice *device.Device
	key          crypto.AesKey
}

// Connect dials remote within timeout. The key is the one the connection
// will use; ConfirmConnect proves it to the remote.
func Connect(ctx context.Context, remote endpoint.Endpoint, remoteDevice *device.Device, key crypto.AesKey, timeout time.Duration) (*Interface, error) {
	dialer := net.Dialer{Timeout: timeout}
	conn, err := dialer.DialContext(ctx, remote.Network(), remote.Addr.String())
	if err != nil {
		return nil, errs.Wrap(errs.CodeConnectFailed, "dial "+remote.String(), err)
	}
	tcpConn := conn.(*net.TCPConn)

	local, err := endpoint.FromNetAddr(tcpConn.LocalAddr())
	if err != nil {
		tcpConn.Close()
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"local":    local.String(),
		"remote":   remote.String(),
	}).Debug("TCP connected")

	return &Interface{
		conn:         tcpConn,
		local:        local,
		remote:       remote,
		remoteDevice: remoteDevice,
		key:          key,
	}, nil
}

// ConnectConfig configures ConfirmConnect.
type ConnectConfig struct {
	Keystore Keystore
	Local    *device.Device
	// Timeout bounds the wait for the reply box.
	Timeout time.Duration
}

// ConfirmConnect sends the first box and waits for the reply. A signed
// Exchange is prepended when the key is not yet confirmed. On success the
// key is confirmed in the keystore.
func (i *Interface) ConfirmConnect(ctx context.Context, config ConnectConfig, seq protocol.TempSeq, packages ...protocol.Package) (*protocol.PackageBox, error) {
	remoteID := i.remoteDevice.ID()
	box := protocol.NewPackageBox(remoteID, i.key)

	fk, ok := config.Keystore.GetKeyByRemote(remoteID, true)
	if !ok || fk.Key != i.key || !fk.Confirmed {
		exchange := protocol.NewExchange(seq, i.key, config.Local, remoteID)
		if err := exchange.SignWith(config.Keystore.Signer()); err != nil {
			return nil, err
		}
		box.Push(exchange)
	}
	box.Push(packages...)

	frame, err := encodeFrame(box, protocol.FirstBoxContext(i.remoteDevice))
	if err != nil {
		return nil, err
	}
	if err := writeFrame(i.conn, BoxPackage, frame); err != nil {
		return nil, ioError("send first box", err)
	}

	if err := i.conn.SetReadDeadline(deadlineFor(ctx, config.Timeout)); err != nil {
		return nil, ioError("set deadline", err)
	}
	stop := watchContext(ctx, i.conn)
	buf := make([]byte, TCPRecvBufferSize)
	kind, data, err := receiveBox(i.conn, buf)
	stop()
	if err != nil {
		return nil, ioError("receive reply box", err)
	}
	if kind != BoxPackage {
		return nil, errs.New(errs.CodeInvalidData, "reply is raw data")
	}
	reply, err := protocol.DecodePlainBox(data, remoteID, i.key)
	if err != nil {
		return nil, err
	}
	if err := i.conn.SetReadDeadline(time.Time{}); err != nil {
		return nil, ioError("clear deadline", err)
	}

	config.Keystore.AddKey(i.key, remoteID, true)
	return reply, nil
}

// Local returns the local endpoint.
func (i *Interface) Local() endpoint.Endpoint { return i.local }

// Remote returns the remote endpoint.
func (i *Interface) Remote() endpoint.Endpoint { return i.remote }

// Key returns the connection key.
func (i *Interface) Key() crypto.AesKey { return i.key }

// Close shuts the connection down.
func (i *Interface) Close() {
	shutdown(i.conn)
}

// PackageInterface converts to the send/receive handle.
func (i *Interface) PackageInterface() *PackageInterface {
	return newPackageInterface(i.conn, i.local, i.remote, i.remoteDevice.ID(), i.key)
}

// RecvBox is one received TCP frame: either a package box or raw data.
type RecvBox struct {
	Package *protocol.PackageBox
	RawData []byte
}

// IsRawData reports whether the frame carried raw data.
func (r RecvBox) IsRawData() bool {
	return r.Package == nil
}

// PackageInterface sends and receives boxes and raw data over an
// established TCP connection.
type PackageInterface struct {
	conn     *net.TCPConn
	local    endpoint.Endpoint
	remote   endpoint.Endpoint
	remoteID device.DeviceId
	key      crypto.AesKey

	writeMu sync.Mutex
}

func newPackageInterface(conn *net.TCPConn, local, remote endpoint.Endpoint, remoteID device.DeviceId, key crypto.AesKey) *PackageInterface {
	return &PackageInterface{
		conn:     conn,
		local:    local,
		remote:   remote,
		remoteID: remoteID,
		key:      key,
	}
}

// ReceivePackage blocks for the next frame. The result aliases buf.
func (p *PackageInterface) ReceivePackage(buf []byte) (RecvBox, error) {
	kind, data, err := receiveBox(p.conn, buf)
	if err != nil {
		return RecvBox{}, ioError("receive", err)
	}
	if kind == BoxRawData {
		return RecvBox{RawData: data}, nil
	}
	box, err := protocol.DecodePlainBox(data, p.remoteID, p.key)
	if err != nil {
		return RecvBox{}, err
	}
	return RecvBox{Package: box}, nil
}

// SetReadDeadline bounds the next ReceivePackage.
func (p *PackageInterface) SetReadDeadline(t time.Time) error {
	return p.conn.SetReadDeadline(t)
}

// SendPackage sends one package in its own box.
func (p *PackageInterface) SendPackage(pkg protocol.Package) error {
	return p.SendPackages(pkg)
}

// SendPackages sends packages in one box.
func (p *PackageInterface) SendPackages(pkgs ...protocol.Package) error {
	box := protocol.NewPackageBox(p.remoteID, p.key).Push(pkgs...)
	frame, err := encodeFrame(box, protocol.OtherBoxContext())
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.conn, BoxPackage, frame); err != nil {
		return ioError("send package", err)
	}
	return nil
}

// SendRawData sends data as a raw frame.
func (p *PackageInterface) SendRawData(data []byte) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := writeFrame(p.conn, BoxRawData, data); err != nil {
		return ioError("send raw data", err)
	}
	return nil
}

// Local returns the local endpoint.
func (p *PackageInterface) Local() endpoint.Endpoint { return p.local }

// Remote returns the remote endpoint.
func (p *PackageInterface) Remote() endpoint.Endpoint { return p.remote }

// RemoteID returns the remote device id.
func (p *PackageInterface) RemoteID() device.DeviceId { return p.remoteID }

// Close shuts the connection down.
func (p *PackageInterface) Close() {
	shutdown(p.conn)
}
