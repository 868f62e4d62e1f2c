package protocol

import (
	"github.com/opd-ai/bdt/device"
)

// ProtocolVersion is carried by tunnel handshake packages.
const ProtocolVersion uint8 = 1

// Result codes carried by response packages.
const (
	ResultOK       uint8 = 0
	ResultNotFound uint8 = 1
	ResultRefused  uint8 = 2
	ResultFailed   uint8 = 3
)

// SynTunnel opens a tunnel to a remote device.
type SynTunnel struct {
	ProtocolVersion uint8
	Sequence        TempSeq
	FromDeviceID    device.DeviceId
	ToDeviceID      device.DeviceId
	FromContainerID uint32
	FromDevice      *device.Device
	SendTime        uint64
}

func (p *SynTunnel) Cmd() CmdCode { return CmdSynTunnel }

func (p *SynTunnel) EncodeFields(e *FieldEncoder) {
	e.U8("protocol_version", p.ProtocolVersion)
	e.Seq("sequence", p.Sequence)
	e.DeviceID("from_device_id", p.FromDeviceID)
	e.DeviceID("to_device_id", p.ToDeviceID)
	e.U32("from_container_id", p.FromContainerID)
	e.Device("from_device_desc", p.FromDevice)
	e.U64("send_time", p.SendTime)
}

func (p *SynTunnel) DecodeFields(d *FieldDecoder) {
	d.U8("protocol_version", &p.ProtocolVersion)
	d.Seq("sequence", &p.Sequence)
	d.DeviceID("from_device_id", &p.FromDeviceID)
	d.DeviceID("to_device_id", &p.ToDeviceID)
	d.U32("from_container_id", &p.FromContainerID)
	d.Device("from_device_desc", &p.FromDevice)
	d.U64("send_time", &p.SendTime)
}

// AckTunnel answers a SynTunnel.
type AckTunnel struct {
	ProtocolVersion uint8
	Sequence        TempSeq
	Result          uint8
	SendTime        uint64
	Mtu             uint16
	ToDevice        *device.Device
}

func (p *AckTunnel) Cmd() CmdCode { return CmdAckTunnel }

func (p *AckTunnel) EncodeFields(e *FieldEncoder) {
	e.U8("protocol_version", p.ProtocolVersion)
	e.Seq("sequence", p.Sequence)
	e.U8("result", p.Result)
	e.U64("send_time", p.SendTime)
	e.U16("mtu", p.Mtu)
	e.Device("to_device_desc", p.ToDevice)
}

func (p *AckTunnel) DecodeFields(d *FieldDecoder) {
	d.U8("protocol_version", &p.ProtocolVersion)
	d.Seq("sequence", &p.Sequence)
	d.U8("result", &p.Result)
	d.U64("send_time", &p.SendTime)
	d.U16("mtu", &p.Mtu)
	d.Device("to_device_desc", &p.ToDevice)
}

// AckAckTunnel completes the tunnel handshake.
type AckAckTunnel struct {
	Sequence TempSeq
	Result   uint8
}

func (p *AckAckTunnel) Cmd() CmdCode { return CmdAckAckTunnel }

func (p *AckAckTunnel) EncodeFields(e *FieldEncoder) {
	e.Seq("sequence", p.Sequence)
	e.U8("result", p.Result)
}

func (p *AckAckTunnel) DecodeFields(d *FieldDecoder) {
	d.Seq("sequence", &p.Sequence)
	d.U8("result", &p.Result)
}

// PingTunnel probes a live tunnel.
type PingTunnel struct {
	PackageID uint32
	SendTime  uint64
	RecvData  uint64
}

func (p *PingTunnel) Cmd() CmdCode { return CmdPingTunnel }

func (p *PingTunnel) EncodeFields(e *FieldEncoder) {
	e.U32("package_id", p.PackageID)
	e.U64("send_time", p.SendTime)
	e.U64("recv_data", p.RecvData)
}

func (p *PingTunnel) DecodeFields(d *FieldDecoder) {
	d.U32("package_id", &p.PackageID)
	d.U64("send_time", &p.SendTime)
	d.U64("recv_data", &p.RecvData)
}

// PingTunnelResp answers a PingTunnel.
type PingTunnelResp struct {
	AckPackageID uint32
	SendTime     uint64
	RecvData     uint64
}

func (p *PingTunnelResp) Cmd() CmdCode { return CmdPingTunnelResp }

func (p *PingTunnelResp) EncodeFields(e *FieldEncoder) {
	e.U32("ack_package_id", p.AckPackageID)
	e.U64("send_time", p.SendTime)
	e.U64("recv_data", p.RecvData)
}

func (p *PingTunnelResp) DecodeFields(d *FieldDecoder) {
	d.U32("ack_package_id", &p.AckPackageID)
	d.U64("send_time", &p.SendTime)
	d.U64("recv_data", &p.RecvData)
}

// Datagram carries one unreliable message between virtual ports.
type Datagram struct {
	Sequence TempSeq
	FromPort uint16
	ToPort   uint16
	SendTime uint64
	Payload  []byte
}

func (p *Datagram) Cmd() CmdCode { return CmdDatagram }

func (p *Datagram) EncodeFields(e *FieldEncoder) {
	e.Seq("sequence", p.Sequence)
	e.U16("from_vport", p.FromPort)
	e.U16("to_vport", p.ToPort)
	e.U64("send_time", p.SendTime)
	e.Bytes("payload", p.Payload)
}

func (p *Datagram) DecodeFields(d *FieldDecoder) {
	d.Seq("sequence", &p.Sequence)
	d.U16("from_vport", &p.FromPort)
	d.U16("to_vport", &p.ToPort)
	d.U64("send_time", &p.SendTime)
	d.Bytes("payload", &p.Payload)
}
