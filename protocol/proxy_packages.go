package protocol

import (
	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
)

// SynProxy asks a relay to allocate a proxied path toward ToPeerID. Both
// sides send it with the same KeyHash so the relay can pair them.
type SynProxy struct {
	Seq             TempSeq
	ToPeerID        device.DeviceId
	ToPeerTimestamp uint64
	FromPeerID      device.DeviceId
	FromPeerInfo    *device.Device
	KeyHash         crypto.MixHash
}

func (p *SynProxy) Cmd() CmdCode { return CmdSynProxy }

func (p *SynProxy) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("to_peer_id", p.ToPeerID)
	e.U64("to_peer_timestamp", p.ToPeerTimestamp)
	e.DeviceID("from_peer_id", p.FromPeerID)
	e.Device("from_peer_info", p.FromPeerInfo)
	e.MixHash("key_hash", p.KeyHash)
}

func (p *SynProxy) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("to_peer_id", &p.ToPeerID)
	d.U64("to_peer_timestamp", &p.ToPeerTimestamp)
	d.DeviceID("from_peer_id", &p.FromPeerID)
	d.Device("from_peer_info", &p.FromPeerInfo)
	d.MixHash("key_hash", &p.KeyHash)
}

// AckProxy answers SynProxy with the relay endpoint to use, or an error.
type AckProxy struct {
	Seq           TempSeq
	ToPeerID      device.DeviceId
	ProxyEndpoint *endpoint.Endpoint
	Err           *uint16
}

func (p *AckProxy) Cmd() CmdCode { return CmdAckProxy }

func (p *AckProxy) EncodeFields(e *FieldEncoder) {
	e.Seq("seq", p.Seq)
	e.DeviceID("to_peer_id", p.ToPeerID)
	e.OptEndpoint("proxy_endpoint", p.ProxyEndpoint)
	e.Field("err", func(w *Writer) {
		w.Bool(p.Err != nil)
		if p.Err != nil {
			w.U16(*p.Err)
		}
	})
}

func (p *AckProxy) DecodeFields(d *FieldDecoder) {
	d.Seq("seq", &p.Seq)
	d.DeviceID("to_peer_id", &p.ToPeerID)
	d.OptEndpoint("proxy_endpoint", &p.ProxyEndpoint)
	d.Field("err", func(r *Reader) {
		p.Err = nil
		if r.Bool() {
			v := r.U16()
			p.Err = &v
		}
	})
}
