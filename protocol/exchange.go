package protocol

import (
	"crypto/sha256"
	"encoding/binary"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
)

// Exchange confirms a fresh AES key. It is always the first package of the
// first box sent with that key and is signed by the sender's identity.
type Exchange struct {
	Sequence   TempSeq
	ToDeviceID device.DeviceId
	SendTime   uint64
	Sign       crypto.Signature
	FromDevice *device.Device
	MixKey     crypto.AesKey
}

// NewExchange builds an unsigned exchange for key.
func NewExchange(seq TempSeq, key crypto.AesKey, local *device.Device, to device.DeviceId) *Exchange {
	return &Exchange{
		Sequence:   seq,
		ToDeviceID: to,
		SendTime:   NowMicros(),
		FromDevice: local,
		MixKey:     key,
	}
}

func (e *Exchange) Cmd() CmdCode { return CmdExchange }

func (e *Exchange) EncodeFields(enc *FieldEncoder) {
	enc.Seq("sequence", e.Sequence)
	enc.DeviceID("to_device_id", e.ToDeviceID)
	enc.U64("send_time", e.SendTime)
	enc.Signature("sign", e.Sign)
	enc.Device("from_device_desc", e.FromDevice)
	enc.AesKey("mix_key", e.MixKey)
}

func (e *Exchange) DecodeFields(dec *FieldDecoder) {
	dec.Seq("sequence", &e.Sequence)
	dec.DeviceID("to_device_id", &e.ToDeviceID)
	dec.U64("send_time", &e.SendTime)
	dec.Signature("sign", &e.Sign)
	dec.Device("from_device_desc", &e.FromDevice)
	dec.AesKey("mix_key", &e.MixKey)
}

func (e *Exchange) signingHash() []byte {
	b := make([]byte, 0, 4+device.IDSize+8+crypto.AesKeySize)
	b = binary.BigEndian.AppendUint32(b, uint32(e.Sequence))
	b = append(b, e.ToDeviceID[:]...)
	b = binary.BigEndian.AppendUint64(b, e.SendTime)
	b = append(b, e.MixKey[:]...)
	sum := sha256.Sum256(b)
	return sum[:]
}

// SignWith signs the exchange with the sender identity.
func (e *Exchange) SignWith(signer crypto.Signer) error {
	sig, err := signer.Sign(e.signingHash())
	if err != nil {
		return err
	}
	e.Sign = sig
	return nil
}

// Verify checks that the exchange is addressed to local, carries boxKey
// and is signed by the key declared in its sender descriptor.
func (e *Exchange) Verify(local device.DeviceId, boxKey crypto.AesKey) bool {
	if e.FromDevice == nil || e.ToDeviceID != local || e.MixKey != boxKey {
		return false
	}
	return crypto.Verify(e.signingHash(), e.Sign, e.FromDevice.Desc.SignPublic)
}
