// Package device implements the Device descriptor: the signed, content
// addressed identity record peers exchange during tunnel establishment.
//
// A Device has an immutable Desc (public keys, category) whose SHA-256 digest
// is the DeviceId, and a mutable Body (endpoints, rendezvous and proxy
// lists) signed by the device's identity key.
package device

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/mr-tron/base58"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/endpoint"
)

// IDSize is the size of a DeviceId.
const IDSize = 32

// DeviceId is the content-derived identifier of a Device.
type DeviceId [IDSize]byte

// ErrInvalidDevice is returned on malformed device encodings.
var ErrInvalidDevice = errors.New("invalid device")

// String returns the base58 form.
func (id DeviceId) String() string {
	return base58.Encode(id[:])
}

// IsZero reports whether the id is unset.
func (id DeviceId) IsZero() bool {
	return id == DeviceId{}
}

// MarshalText implements encoding.TextMarshaler.
func (id DeviceId) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *DeviceId) UnmarshalText(text []byte) error {
	parsed, err := ParseDeviceID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseDeviceID parses a base58 device id.
func ParseDeviceID(s string) (DeviceId, error) {
	var id DeviceId
	raw, err := base58.Decode(s)
	if err != nil {
		return id, fmt.Errorf("invalid device id %q: %w", s, err)
	}
	if len(raw) != IDSize {
		return id, fmt.Errorf("invalid device id %q: length %d", s, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// Category tags what kind of node a device is.
type Category uint8

const (
	CategoryPC Category = iota
	CategoryServer
	CategoryMobile
	CategorySN
	CategoryPN
)

// Desc is the immutable part of a Device.
type Desc struct {
	SignPublic [32]byte
	BoxPublic  [32]byte
	Category   Category
	CreateTime uint64
}

const descSize = 32 + 32 + 1 + 8

func (d *Desc) appendBinary(b []byte) []byte {
	b = append(b, d.SignPublic[:]...)
	b = append(b, d.BoxPublic[:]...)
	b = append(b, byte(d.Category))
	return binary.BigEndian.AppendUint64(b, d.CreateTime)
}

// ID returns the digest of the encoded desc.
func (d *Desc) ID() DeviceId {
	return DeviceId(sha256.Sum256(d.appendBinary(make([]byte, 0, descSize))))
}

// Body is the signed, mutable part of a Device.
type Body struct {
	Endpoints     []endpoint.Endpoint
	SnList        []DeviceId
	PassivePnList []DeviceId
	UpdateTime    uint64
}

// Device is a desc plus a body and the body signature.
type Device struct {
	Desc      Desc
	Body      Body
	Signature crypto.Signature
}

// New creates an unsigned device for an identity.
func New(id *crypto.Identity, category Category, endpoints []endpoint.Endpoint) *Device {
	now := uint64(time.Now().UnixMicro())
	return &Device{
		Desc: Desc{
			SignPublic: id.SignPublic(),
			BoxPublic:  id.BoxPublic(),
			Category:   category,
			CreateTime: now,
		},
		Body: Body{
			Endpoints:  append([]endpoint.Endpoint(nil), endpoints...),
			UpdateTime: now,
		},
	}
}

// ID returns the device id.
func (d *Device) ID() DeviceId {
	return d.Desc.ID()
}

// Endpoints returns the advertised endpoints.
func (d *Device) Endpoints() []endpoint.Endpoint {
	return d.Body.Endpoints
}

// HasSignature reports whether the body is signed.
func (d *Device) HasSignature() bool {
	return !d.Signature.IsZero()
}

func (d *Device) bodySigningHash() []byte {
	id := d.ID()
	b := append(make([]byte, 0, 256), id[:]...)
	b = d.Body.appendBinary(b)
	sum := sha256.Sum256(b)
	return sum[:]
}

// Sign signs the body with signer. The signer must own the desc keys.
func (d *Device) Sign(signer crypto.Signer) error {
	if signer.SignPublic() != d.Desc.SignPublic {
		return errors.New("signer does not own device desc")
	}
	sig, err := signer.Sign(d.bodySigningHash())
	if err != nil {
		return fmt.Errorf("failed to sign device body: %w", err)
	}
	d.Signature = sig
	return nil
}

// VerifyBody checks the body signature against the desc public key.
func (d *Device) VerifyBody() bool {
	if !d.HasSignature() {
		return false
	}
	return crypto.Verify(d.bodySigningHash(), d.Signature, d.Desc.SignPublic)
}

// UpdateEndpoints replaces the endpoints and bumps the update time. The
// signature is cleared; call Sign again before publishing.
func (d *Device) UpdateEndpoints(endpoints []endpoint.Endpoint) {
	d.Body.Endpoints = append([]endpoint.Endpoint(nil), endpoints...)
	d.Body.UpdateTime = uint64(time.Now().UnixMicro())
	d.Signature = crypto.Signature{}
}

// Clone returns a deep copy.
func (d *Device) Clone() *Device {
	c := *d
	c.Body.Endpoints = append([]endpoint.Endpoint(nil), d.Body.Endpoints...)
	c.Body.SnList = append([]DeviceId(nil), d.Body.SnList...)
	c.Body.PassivePnList = append([]DeviceId(nil), d.Body.PassivePnList...)
	return &c
}

func (b *Body) appendBinary(out []byte) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(b.Endpoints)))
	for _, ep := range b.Endpoints {
		out = ep.AppendBinary(out)
	}
	out = appendIDList(out, b.SnList)
	out = appendIDList(out, b.PassivePnList)
	return binary.BigEndian.AppendUint64(out, b.UpdateTime)
}

func appendIDList(out []byte, ids []DeviceId) []byte {
	out = binary.BigEndian.AppendUint16(out, uint16(len(ids)))
	for _, id := range ids {
		out = append(out, id[:]...)
	}
	return out
}

// AppendBinary appends the wire form of d.
func (d *Device) AppendBinary(b []byte) []byte {
	b = d.Desc.appendBinary(b)
	b = d.Body.appendBinary(b)
	if d.HasSignature() {
		b = append(b, 1)
		return append(b, d.Signature[:]...)
	}
	return append(b, 0)
}

// Encode returns the wire form of d.
func (d *Device) Encode() []byte {
	return d.AppendBinary(make([]byte, 0, 256))
}

// Decode reads a device from b and returns the bytes consumed.
func Decode(b []byte) (*Device, int, error) {
	r := reader{buf: b}
	d := &Device{}

	r.copy(d.Desc.SignPublic[:])
	r.copy(d.Desc.BoxPublic[:])
	d.Desc.Category = Category(r.u8())
	d.Desc.CreateTime = r.u64()

	count := int(r.u16())
	for i := 0; i < count && r.err == nil; i++ {
		ep, n, err := endpoint.Decode(r.rest())
		if err != nil {
			r.err = err
			break
		}
		r.off += n
		d.Body.Endpoints = append(d.Body.Endpoints, ep)
	}
	d.Body.SnList = r.idList()
	d.Body.PassivePnList = r.idList()
	d.Body.UpdateTime = r.u64()

	if r.u8() == 1 {
		r.copy(d.Signature[:])
	}
	if r.err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidDevice, r.err)
	}
	return d, r.off, nil
}

var errShort = errors.New("short buffer")

type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf)-r.off < n {
		r.err = errShort
		return false
	}
	return true
}

func (r *reader) rest() []byte {
	return r.buf[r.off:]
}

func (r *reader) copy(dst []byte) {
	if r.need(len(dst)) {
		copy(dst, r.buf[r.off:])
		r.off += len(dst)
	}
}

func (r *reader) u8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *reader) u16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *reader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *reader) idList() []DeviceId {
	count := int(r.u16())
	if count == 0 || !r.need(count*IDSize) {
		return nil
	}
	ids := make([]DeviceId, count)
	for i := range ids {
		r.copy(ids[i][:])
	}
	return ids
}
