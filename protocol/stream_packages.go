package protocol

import (
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
)

// SessionData flags.
const (
	SessionFlagSyn   uint16 = 1 << 0
	SessionFlagAck   uint16 = 1 << 1
	SessionFlagFin   uint16 = 1 << 2
	SessionFlagReset uint16 = 1 << 3
)

// SessionSynInfo identifies the stream a syn belongs to.
type SessionSynInfo struct {
	Sequence      TempSeq
	FromSessionID uint32
	ToVPort       uint16
}

// SessionData carries stream control flags and payload over a package
// tunnel.
type SessionData struct {
	SessionID    uint32
	StreamPos    uint64
	AckStreamPos uint64
	SendTime     uint64
	Flags        uint16
	SynInfo      *SessionSynInfo
	ToSessionID  uint32
	Payload      []byte
}

// IsSyn reports a syn without ack.
func (p *SessionData) IsSyn() bool {
	return p.Flags&SessionFlagSyn != 0 && p.Flags&SessionFlagAck == 0
}

// IsSynAck reports a syn-ack.
func (p *SessionData) IsSynAck() bool {
	return p.Flags&SessionFlagSyn != 0 && p.Flags&SessionFlagAck != 0
}

// IsReset reports a reset.
func (p *SessionData) IsReset() bool {
	return p.Flags&SessionFlagReset != 0
}

func (p *SessionData) Cmd() CmdCode { return CmdSessionData }

func (p *SessionData) EncodeFields(e *FieldEncoder) {
	e.U32("session_id", p.SessionID)
	e.U64("stream_pos", p.StreamPos)
	e.U64("ack_stream_pos", p.AckStreamPos)
	e.U64("send_time", p.SendTime)
	e.U16("flags", p.Flags)
	e.Field("syn_info", func(w *Writer) {
		w.Bool(p.SynInfo != nil)
		if p.SynInfo != nil {
			w.U32(uint32(p.SynInfo.Sequence))
			w.U32(p.SynInfo.FromSessionID)
			w.U16(p.SynInfo.ToVPort)
		}
	})
	e.U32("to_session_id", p.ToSessionID)
	e.Bytes("payload", p.Payload)
}

func (p *SessionData) DecodeFields(d *FieldDecoder) {
	d.U32("session_id", &p.SessionID)
	d.U64("stream_pos", &p.StreamPos)
	d.U64("ack_stream_pos", &p.AckStreamPos)
	d.U64("send_time", &p.SendTime)
	d.U16("flags", &p.Flags)
	d.Field("syn_info", func(r *Reader) {
		p.SynInfo = nil
		if r.Bool() {
			p.SynInfo = &SessionSynInfo{
				Sequence:      TempSeq(r.U32()),
				FromSessionID: r.U32(),
				ToVPort:       r.U16(),
			}
		}
	})
	d.U32("to_session_id", &p.ToSessionID)
	d.Bytes("payload", &p.Payload)
}

// TcpSynConnection asks the remote to bind an accepted TCP socket to a
// stream.
type TcpSynConnection struct {
	Sequence        TempSeq
	ResultCode      uint8
	ToVPort         uint16
	FromSessionID   uint32
	FromDeviceID    device.DeviceId
	ToDeviceID      device.DeviceId
	ProxyDeviceID   *device.DeviceId
	FromDevice      *device.Device
	ReverseEndpoint []endpoint.Endpoint
	Payload         []byte
}

func (p *TcpSynConnection) Cmd() CmdCode { return CmdTcpSynConnection }

func (p *TcpSynConnection) EncodeFields(e *FieldEncoder) {
	e.Seq("sequence", p.Sequence)
	e.U8("result", p.ResultCode)
	e.U16("to_vport", p.ToVPort)
	e.U32("from_session_id", p.FromSessionID)
	e.DeviceID("from_device_id", p.FromDeviceID)
	e.DeviceID("to_device_id", p.ToDeviceID)
	e.OptDeviceID("proxy_device_id", p.ProxyDeviceID)
	e.Device("from_device_desc", p.FromDevice)
	e.Endpoints("reverse_endpoint", p.ReverseEndpoint)
	e.Bytes("payload", p.Payload)
}

func (p *TcpSynConnection) DecodeFields(d *FieldDecoder) {
	d.Seq("sequence", &p.Sequence)
	d.U8("result", &p.ResultCode)
	d.U16("to_vport", &p.ToVPort)
	d.U32("from_session_id", &p.FromSessionID)
	d.DeviceID("from_device_id", &p.FromDeviceID)
	d.DeviceID("to_device_id", &p.ToDeviceID)
	d.OptDeviceID("proxy_device_id", &p.ProxyDeviceID)
	d.Device("from_device_desc", &p.FromDevice)
	d.Endpoints("reverse_endpoint", &p.ReverseEndpoint)
	d.Bytes("payload", &p.Payload)
}

// TcpAckConnection answers a TcpSynConnection, or opens a reverse TCP
// connection toward the caller.
type TcpAckConnection struct {
	Sequence    TempSeq
	ToSessionID uint32
	Result      uint8
	ToDevice    *device.Device
	Payload     []byte
}

func (p *TcpAckConnection) Cmd() CmdCode { return CmdTcpAckConnection }

func (p *TcpAckConnection) EncodeFields(e *FieldEncoder) {
	e.Seq("sequence", p.Sequence)
	e.U32("to_session_id", p.ToSessionID)
	e.U8("result", p.Result)
	e.Device("to_device_desc", p.ToDevice)
	e.Bytes("payload", p.Payload)
}

func (p *TcpAckConnection) DecodeFields(d *FieldDecoder) {
	d.Seq("sequence", &p.Sequence)
	d.U32("to_session_id", &p.ToSessionID)
	d.U8("result", &p.Result)
	d.Device("to_device_desc", &p.ToDevice)
	d.Bytes("payload", &p.Payload)
}

// TcpAckAckConnection confirms a reverse TCP connection.
type TcpAckAckConnection struct {
	Sequence TempSeq
	Result   uint8
}

func (p *TcpAckAckConnection) Cmd() CmdCode { return CmdTcpAckAckConnection }

func (p *TcpAckAckConnection) EncodeFields(e *FieldEncoder) {
	e.Seq("sequence", p.Sequence)
	e.U8("result", p.Result)
}

func (p *TcpAckAckConnection) DecodeFields(d *FieldDecoder) {
	d.Seq("sequence", &p.Sequence)
	d.U8("result", &p.Result)
}
