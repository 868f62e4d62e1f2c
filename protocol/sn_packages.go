package protocol

import (
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
)

// SnPing registers a device with a rendezvous node.
type SnPing struct {
	Seq        TempSeq
	SnPeerID   device.DeviceId
	FromPeerID *device.DeviceId
	PeerInfo   *device.Device
	SendTime   uint64
}

func (p *SnPing) Cmd() CmdCode { return CmdSnPing }

func (p *SnPing) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("sn_peer_id", p.SnPeerID)
	e.OptDeviceID("from_peer_id", p.FromPeerID)
	e.OptDevice("peer_info", p.PeerInfo)
	e.U64("send_time", p.SendTime)
}

func (p *SnPing) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("sn_peer_id", &p.SnPeerID)
	d.OptDeviceID("from_peer_id", &p.FromPeerID)
	d.OptDevice("peer_info", &p.PeerInfo)
	d.U64("send_time", &p.SendTime)
}

// SnPingResp answers SnPing with the endpoints the node observed.
type SnPingResp struct {
	Seq           TempSeq
	SnPeerID      device.DeviceId
	Result        uint8
	PeerInfo      *device.Device
	EndpointArray []endpoint.Endpoint
}

func (p *SnPingResp) Cmd() CmdCode { return CmdSnPingResp }

func (p *SnPingResp) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("sn_peer_id", p.SnPeerID)
	e.U8("result", p.Result)
	e.OptDevice("peer_info", p.PeerInfo)
	e.Endpoints("end_point_array", p.EndpointArray)
}

func (p *SnPingResp) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("sn_peer_id", &p.SnPeerID)
	d.U8("result", &p.Result)
	d.OptDevice("peer_info", &p.PeerInfo)
	d.Endpoints("end_point_array", &p.EndpointArray)
}

// SnCall asks a rendezvous node to notify a callee.
type SnCall struct {
	Seq                  TempSeq
	SnPeerID             device.DeviceId
	ToPeerID             device.DeviceId
	FromPeerID           device.DeviceId
	ReverseEndpointArray []endpoint.Endpoint
	ActivePnList         []device.DeviceId
	PeerInfo             *device.Device
	SendTime             uint64
	Payload              []byte
	IsAlwaysCall         bool
}

func (p *SnCall) Cmd() CmdCode { return CmdSnCall }

func (p *SnCall) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("sn_peer_id", p.SnPeerID)
	e.DeviceID("to_peer_id", p.ToPeerID)
	e.DeviceID("from_peer_id", p.FromPeerID)
	e.Endpoints("reverse_endpoint_array", p.ReverseEndpointArray)
	e.DeviceIDs("active_pn_list", p.ActivePnList)
	e.OptDevice("peer_info", p.PeerInfo)
	e.U64("send_time", p.SendTime)
	e.Bytes("payload", p.Payload)
	e.Bool("is_always_call", p.IsAlwaysCall)
}

func (p *SnCall) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("sn_peer_id", &p.SnPeerID)
	d.DeviceID("to_peer_id", &p.ToPeerID)
	d.DeviceID("from_peer_id", &p.FromPeerID)
	d.Endpoints("reverse_endpoint_array", &p.ReverseEndpointArray)
	d.DeviceIDs("active_pn_list", &p.ActivePnList)
	d.OptDevice("peer_info", &p.PeerInfo)
	d.U64("send_time", &p.SendTime)
	d.Bytes("payload", &p.Payload)
	d.Bool("is_always_call", &p.IsAlwaysCall)
}

// SnCallResp answers SnCall with the callee's descriptor.
type SnCallResp struct {
	Seq        TempSeq
	SnPeerID   device.DeviceId
	Result     uint8
	ToPeerInfo *device.Device
}

func (p *SnCallResp) Cmd() CmdCode { return CmdSnCallResp }

func (p *SnCallResp) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("sn_peer_id", p.SnPeerID)
	e.U8("result", p.Result)
	e.OptDevice("to_peer_info", p.ToPeerInfo)
}

func (p *SnCallResp) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("sn_peer_id", &p.SnPeerID)
	d.U8("result", &p.Result)
	d.OptDevice("to_peer_info", &p.ToPeerInfo)
}

// SnCalled notifies a callee that a caller wants to reach it.
type SnCalled struct {
	Seq                  TempSeq
	SnPeerID             device.DeviceId
	ToPeerID             device.DeviceId
	FromPeerID           device.DeviceId
	ReverseEndpointArray []endpoint.Endpoint
	ActivePnList         []device.DeviceId
	PeerInfo             *device.Device
	CallSeq              TempSeq
	CallSendTime         uint64
	Payload              []byte
}

func (p *SnCalled) Cmd() CmdCode { return CmdSnCalled }

func (p *SnCalled) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("sn_peer_id", p.SnPeerID)
	e.DeviceID("to_peer_id", p.ToPeerID)
	e.DeviceID("from_peer_id", p.FromPeerID)
	e.Endpoints("reverse_endpoint_array", p.ReverseEndpointArray)
	e.DeviceIDs("active_pn_list", p.ActivePnList)
	e.Device("peer_info", p.PeerInfo)
	e.Seq("call_seq", p.CallSeq)
	e.U64("call_send_time", p.CallSendTime)
	e.Bytes("payload", p.Payload)
}

func (p *SnCalled) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("sn_peer_id", &p.SnPeerID)
	d.DeviceID("to_peer_id", &p.ToPeerID)
	d.DeviceID("from_peer_id", &p.FromPeerID)
	d.Endpoints("reverse_endpoint_array", &p.ReverseEndpointArray)
	d.DeviceIDs("active_pn_list", &p.ActivePnList)
	d.Device("peer_info", &p.PeerInfo)
	d.Seq("call_seq", &p.CallSeq)
	d.U64("call_send_time", &p.CallSendTime)
	d.Bytes("payload", &p.Payload)
}

// SnCalledResp acknowledges SnCalled.
type SnCalledResp struct {
	Seq      TempSeq
	SnPeerID device.DeviceId
	Result   uint8
}

func (p *SnCalledResp) Cmd() CmdCode { return CmdSnCalledResp }

func (p *SnCalledResp) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("sn_peer_id", p.SnPeerID)
	e.U8("result", p.Result)
}

func (p *SnCalledResp) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("sn_peer_id", &p.SnPeerID)
	d.U8("result", &p.Result)
}
