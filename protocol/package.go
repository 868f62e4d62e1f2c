// Package protocol implements the tunnel wire protocol: typed packages,
// the merge-context field codec and the encrypted PackageBox.
//
// A box holds one or more packages bound to a remote device and an AES key.
// The first package is encoded in full; following packages omit every field
// whose name and value match the first package. The whole package region is
// then encrypted in place.
//
// Example:
//
//	box := protocol.NewPackageBox(remoteID, key)
//	box.Push(synTunnel, synSessionData)
//	n, err := protocol.EncodeBox(box, buf, protocol.FirstBoxContext(remoteDevice))
package protocol

import (
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/opd-ai/bdt/errs"
)

// CmdCode identifies a package type on the wire.
type CmdCode uint8

const (
	CmdExchange            CmdCode = 0
	CmdSynTunnel           CmdCode = 1
	CmdAckTunnel           CmdCode = 2
	CmdAckAckTunnel        CmdCode = 3
	CmdPingTunnel          CmdCode = 4
	CmdPingTunnelResp      CmdCode = 5
	CmdSnCall              CmdCode = 0x20
	CmdSnCallResp          CmdCode = 0x21
	CmdSnCalled            CmdCode = 0x22
	CmdSnCalledResp        CmdCode = 0x23
	CmdSnPing              CmdCode = 0x24
	CmdSnPingResp          CmdCode = 0x25
	CmdDatagram            CmdCode = 0x30
	CmdSessionData         CmdCode = 0x40
	CmdTcpSynConnection    CmdCode = 0x41
	CmdTcpAckConnection    CmdCode = 0x42
	CmdTcpAckAckConnection CmdCode = 0x43
	CmdSynProxy            CmdCode = 0x50
	CmdAckProxy            CmdCode = 0x51
)

var cmdNames = map[CmdCode]string{
	CmdExchange:            "Exchange",
	CmdSynTunnel:           "SynTunnel",
	CmdAckTunnel:           "AckTunnel",
	CmdAckAckTunnel:        "AckAckTunnel",
	CmdPingTunnel:          "PingTunnel",
	CmdPingTunnelResp:      "PingTunnelResp",
	CmdSnCall:              "SnCall",
	CmdSnCallResp:          "SnCallResp",
	CmdSnCalled:            "SnCalled",
	CmdSnCalledResp:        "SnCalledResp",
	CmdSnPing:              "SnPing",
	CmdSnPingResp:          "SnPingResp",
	CmdDatagram:            "Datagram",
	CmdSessionData:         "SessionData",
	CmdTcpSynConnection:    "TcpSynConnection",
	CmdTcpAckConnection:    "TcpAckConnection",
	CmdTcpAckAckConnection: "TcpAckAckConnection",
	CmdSynProxy:            "SynProxy",
	CmdAckProxy:            "AckProxy",
}

func (c CmdCode) String() string {
	if name, ok := cmdNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Cmd(0x%02x)", uint8(c))
}

// Package is one typed protocol package.
type Package interface {
	Cmd() CmdCode
	EncodeFields(e *FieldEncoder)
	DecodeFields(d *FieldDecoder)
}

// newPackage returns an empty package for cmd.
func newPackage(cmd CmdCode) (Package, error) {
	switch cmd {
	case CmdExchange:
		return &Exchange{}, nil
	case CmdSynTunnel:
		return &SynTunnel{}, nil
	case CmdAckTunnel:
		return &AckTunnel{}, nil
	case CmdAckAckTunnel:
		return &AckAckTunnel{}, nil
	case CmdPingTunnel:
		return &PingTunnel{}, nil
	case CmdPingTunnelResp:
		return &PingTunnelResp{}, nil
	case CmdSnCall:
		return &SnCall{}, nil
	case CmdSnCallResp:
		return &SnCallResp{}, nil
	case CmdSnCalled:
		return &SnCalled{}, nil
	case CmdSnCalledResp:
		return &SnCalledResp{}, nil
	case CmdSnPing:
		return &SnPing{}, nil
	case CmdSnPingResp:
		return &SnPingResp{}, nil
	case CmdDatagram:
		return &Datagram{}, nil
	case CmdSessionData:
		return &SessionData{}, nil
	case CmdTcpSynConnection:
		return &TcpSynConnection{}, nil
	case CmdTcpAckConnection:
		return &TcpAckConnection{}, nil
	case CmdTcpAckAckConnection:
		return &TcpAckAckConnection{}, nil
	case CmdSynProxy:
		return &SynProxy{}, nil
	case CmdAckProxy:
		return &AckProxy{}, nil
	default:
		return nil, errs.Newf(errs.CodeInvalidData, "unknown package cmd %s", cmd)
	}
}

// EncodePackage writes [cmd u8][flags u16][fields] to w.
func EncodePackage(w *Writer, ctx *MergeContext, first bool, pkg Package) error {
	w.U8(uint8(pkg.Cmd()))
	flagsAt := w.Len()
	w.U16(0)

	fe := newFieldEncoder(w, ctx, first)
	pkg.EncodeFields(fe)
	w.patchU16(flagsAt, fe.flags)
	return w.Err()
}

// DecodePackage reads one package from r.
func DecodePackage(r *Reader, ctx *MergeContext, first bool) (Package, error) {
	cmd := CmdCode(r.U8())
	flags := r.U16()
	if err := r.Err(); err != nil {
		return nil, err
	}

	pkg, err := newPackage(cmd)
	if err != nil {
		return nil, err
	}
	pkg.DecodeFields(newFieldDecoder(r, ctx, first, flags))
	if err := r.Err(); err != nil {
		return nil, fmt.Errorf("decode %s: %w", cmd, err)
	}
	return pkg, nil
}

// TempSeq is a per-process increasing sequence number used to match
// requests with responses.
type TempSeq uint32

// TempSeqGenerator hands out increasing TempSeq values.
type TempSeqGenerator struct {
	cur atomic.Uint32
}

// NewTempSeqGenerator seeds a generator from the clock so sequences differ
// across restarts.
func NewTempSeqGenerator() *TempSeqGenerator {
	g := &TempSeqGenerator{}
	seed := uint32(time.Now().Unix()) << 8
	g.cur.Store(seed | uint32(rand.Intn(256)))
	return g
}

// Generate returns the next sequence. Zero is never returned.
func (g *TempSeqGenerator) Generate() TempSeq {
	for {
		if v := g.cur.Add(1); v != 0 {
			return TempSeq(v)
		}
	}
}

// NowMicros returns the wire timestamp for now.
func NowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}
