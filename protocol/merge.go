package protocol

import (
	"bytes"

	"github.com/opd-ai/bdt/crypto"
	"github.com/opd-ai/bdt/device"
	"github.com/opd-ai/bdt/endpoint"
	"github.com/opd-ai/bdt/errs"
)

// maxFields is the number of flag bits in a package header.
const maxFields = 16

// MergeContext remembers the encoded fields of the first package in a box
// so that following packages can omit fields with the same name and value.
type MergeContext struct {
	fields map[string][]byte
}

// NewMergeContext returns an empty context.
func NewMergeContext() *MergeContext {
	return &MergeContext{fields: make(map[string][]byte)}
}

func (c *MergeContext) record(name string, raw []byte) {
	c.fields[name] = raw
}

func (c *MergeContext) lookup(name string) ([]byte, bool) {
	raw, ok := c.fields[name]
	return raw, ok
}

// FieldEncoder writes the fields of one package. In first mode every field
// is written and recorded; otherwise fields equal to the recorded value are
// skipped and their flag bit is left clear.
type FieldEncoder struct {
	w       *Writer
	ctx     *MergeContext
	first   bool
	flags   uint16
	bit     uint
	scratch *Writer
}

func newFieldEncoder(w *Writer, ctx *MergeContext, first bool) *FieldEncoder {
	return &FieldEncoder{w: w, ctx: ctx, first: first, scratch: newScratch()}
}

// Field encodes one named field with a custom writer.
func (e *FieldEncoder) Field(name string, encode func(w *Writer)) {
	if e.bit >= maxFields {
		if e.w.err == nil {
			e.w.err = errs.Newf(errs.CodeOutOfLimit, "too many fields at %s", name)
		}
		return
	}
	mask := uint16(1) << e.bit
	e.bit++

	e.scratch.reset()
	encode(e.scratch)
	if e.scratch.err != nil {
		if e.w.err == nil {
			e.w.err = e.scratch.err
		}
		return
	}
	raw := e.scratch.Bytes()

	if e.first {
		e.ctx.record(name, append([]byte(nil), raw...))
	} else if prev, ok := e.ctx.lookup(name); ok && bytes.Equal(prev, raw) {
		return
	}
	e.flags |= mask
	e.w.Raw(raw)
}

func (e *FieldEncoder) U8(name string, v uint8) {
	e.Field(name, func(w *Writer) { w.U8(v) })
}

func (e *FieldEncoder) U16(name string, v uint16) {
	e.Field(name, func(w *Writer) { w.U16(v) })
}

func (e *FieldEncoder) U32(name string, v uint32) {
	e.Field(name, func(w *Writer) { w.U32(v) })
}

func (e *FieldEncoder) U64(name string, v uint64) {
	e.Field(name, func(w *Writer) { w.U64(v) })
}

func (e *FieldEncoder) Bool(name string, v bool) {
	e.Field(name, func(w *Writer) { w.Bool(v) })
}

func (e *FieldEncoder) Seq(name string, v TempSeq) {
	e.U32(name, uint32(v))
}

func (e *FieldEncoder) Bytes(name string, v []byte) {
	e.Field(name, func(w *Writer) { w.Bytes16(v) })
}

func (e *FieldEncoder) DeviceID(name string, v device.DeviceId) {
	e.Field(name, func(w *Writer) { w.Raw(v[:]) })
}

func (e *FieldEncoder) OptDeviceID(name string, v *device.DeviceId) {
	e.Field(name, func(w *Writer) {
		w.Bool(v != nil)
		if v != nil {
			w.Raw(v[:])
		}
	})
}

func (e *FieldEncoder) DeviceIDs(name string, v []device.DeviceId) {
	e.Field(name, func(w *Writer) { writeDeviceIDs(w, v) })
}

func (e *FieldEncoder) Endpoint(name string, v endpoint.Endpoint) {
	e.Field(name, func(w *Writer) { w.Raw(v.AppendBinary(nil)) })
}

func (e *FieldEncoder) OptEndpoint(name string, v *endpoint.Endpoint) {
	e.Field(name, func(w *Writer) {
		w.Bool(v != nil)
		if v != nil {
			w.Raw(v.AppendBinary(nil))
		}
	})
}

func (e *FieldEncoder) Endpoints(name string, v []endpoint.Endpoint) {
	e.Field(name, func(w *Writer) { writeEndpoints(w, v) })
}

func (e *FieldEncoder) Device(name string, v *device.Device) {
	e.Field(name, func(w *Writer) { writeDevice(w, v) })
}

func (e *FieldEncoder) OptDevice(name string, v *device.Device) {
	e.Field(name, func(w *Writer) {
		w.Bool(v != nil)
		if v != nil {
			writeDevice(w, v)
		}
	})
}

func (e *FieldEncoder) Signature(name string, v crypto.Signature) {
	e.Field(name, func(w *Writer) { w.Raw(v[:]) })
}

func (e *FieldEncoder) AesKey(name string, v crypto.AesKey) {
	e.Field(name, func(w *Writer) { w.Raw(v[:]) })
}

func (e *FieldEncoder) MixHash(name string, v crypto.MixHash) {
	e.Field(name, func(w *Writer) { w.Raw(v[:]) })
}

// FieldDecoder reads the fields of one package, pulling omitted fields
// from the merge context.
type FieldDecoder struct {
	r     *Reader
	ctx   *MergeContext
	first bool
	flags uint16
	bit   uint
}

func newFieldDecoder(r *Reader, ctx *MergeContext, first bool, flags uint16) *FieldDecoder {
	return &FieldDecoder{r: r, ctx: ctx, first: first, flags: flags}
}

// Field decodes one named field with a custom reader.
func (d *FieldDecoder) Field(name string, decode func(r *Reader)) {
	if d.r.err != nil {
		return
	}
	if d.bit >= maxFields {
		d.r.fail(errs.Newf(errs.CodeInvalidData, "too many fields at %s", name))
		return
	}
	mask := uint16(1) << d.bit
	d.bit++

	if d.flags&mask != 0 {
		start := d.r.off
		decode(d.r)
		if d.first && d.r.err == nil {
			d.ctx.record(name, d.r.buf[start:d.r.off])
		}
		return
	}

	raw, ok := d.ctx.lookup(name)
	if !ok {
		d.r.fail(errs.Newf(errs.CodeInvalidData, "field %s omitted without merge value", name))
		return
	}
	sub := NewReader(raw)
	decode(sub)
	if sub.err != nil {
		d.r.fail(sub.err)
	}
}

func (d *FieldDecoder) U8(name string, v *uint8) {
	d.Field(name, func(r *Reader) { *v = r.U8() })
}

func (d *FieldDecoder) U16(name string, v *uint16) {
	d.Field(name, func(r *Reader) { *v = r.U16() })
}

func (d *FieldDecoder) U32(name string, v *uint32) {
	d.Field(name, func(r *Reader) { *v = r.U32() })
}

func (d *FieldDecoder) U64(name string, v *uint64) {
	d.Field(name, func(r *Reader) { *v = r.U64() })
}

func (d *FieldDecoder) Bool(name string, v *bool) {
	d.Field(name, func(r *Reader) { *v = r.Bool() })
}

func (d *FieldDecoder) Seq(name string, v *TempSeq) {
	d.Field(name, func(r *Reader) { *v = TempSeq(r.U32()) })
}

// Bytes decodes a byte string. The result aliases the decode buffer.
func (d *FieldDecoder) Bytes(name string, v *[]byte) {
	d.Field(name, func(r *Reader) { *v = r.Bytes16() })
}

func (d *FieldDecoder) DeviceID(name string, v *device.DeviceId) {
	d.Field(name, func(r *Reader) { r.Fill(v[:]) })
}

func (d *FieldDecoder) OptDeviceID(name string, v **device.DeviceId) {
	d.Field(name, func(r *Reader) {
		*v = nil
		if r.Bool() {
			id := new(device.DeviceId)
			r.Fill(id[:])
			*v = id
		}
	})
}

func (d *FieldDecoder) DeviceIDs(name string, v *[]device.DeviceId) {
	d.Field(name, func(r *Reader) { *v = readDeviceIDs(r) })
}

func (d *FieldDecoder) Endpoint(name string, v *endpoint.Endpoint) {
	d.Field(name, func(r *Reader) { *v = readEndpoint(r) })
}

func (d *FieldDecoder) OptEndpoint(name string, v **endpoint.Endpoint) {
	d.Field(name, func(r *Reader) {
		*v = nil
		if r.Bool() {
			ep := readEndpoint(r)
			*v = &ep
		}
	})
}

func (d *FieldDecoder) Endpoints(name string, v *[]endpoint.Endpoint) {
	d.Field(name, func(r *Reader) { *v = readEndpoints(r) })
}

func (d *FieldDecoder) Device(name string, v **device.Device) {
	d.Field(name, func(r *Reader) { *v = readDevice(r) })
}

func (d *FieldDecoder) OptDevice(name string, v **device.Device) {
	d.Field(name, func(r *Reader) {
		*v = nil
		if r.Bool() {
			*v = readDevice(r)
		}
	})
}

func (d *FieldDecoder) Signature(name string, v *crypto.Signature) {
	d.Field(name, func(r *Reader) { r.Fill(v[:]) })
}

func (d *FieldDecoder) AesKey(name string, v *crypto.AesKey) {
	d.Field(name, func(r *Reader) { r.Fill(v[:]) })
}

func (d *FieldDecoder) MixHash(name string, v *crypto.MixHash) {
	d.Field(name, func(r *Reader) { r.Fill(v[:]) })
}

func writeDeviceIDs(w *Writer, ids []device.DeviceId) {
	w.U16(uint16(len(ids)))
	for _, id := range ids {
		w.Raw(id[:])
	}
}

func readDeviceIDs(r *Reader) []device.DeviceId {
	n := int(r.U16())
	if n == 0 || !r.need(n*device.IDSize) {
		return nil
	}
	ids := make([]device.DeviceId, n)
	for i := range ids {
		r.Fill(ids[i][:])
	}
	return ids
}

func writeEndpoints(w *Writer, eps []endpoint.Endpoint) {
	w.U16(uint16(len(eps)))
	for _, ep := range eps {
		w.Raw(ep.AppendBinary(nil))
	}
}

func readEndpoint(r *Reader) endpoint.Endpoint {
	if r.err != nil {
		return endpoint.Endpoint{}
	}
	ep, n, err := endpoint.Decode(r.buf[r.off:])
	if err != nil {
		r.fail(errs.Wrap(errs.CodeInvalidData, "endpoint", err))
		return endpoint.Endpoint{}
	}
	r.off += n
	return ep
}

func readEndpoints(r *Reader) []endpoint.Endpoint {
	n := int(r.U16())
	if n == 0 {
		return nil
	}
	eps := make([]endpoint.Endpoint, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		eps = append(eps, readEndpoint(r))
	}
	return eps
}

// writeDevice writes [u16 len][device].
func writeDevice(w *Writer, d *device.Device) {
	if d == nil {
		if w.err == nil {
			w.err = errs.New(errs.CodeInvalidParam, "missing device")
		}
		return
	}
	w.Bytes16(d.Encode())
}

// readDevice reads a length-prefixed device. The encoded device must
// consume the prefix exactly.
func readDevice(r *Reader) *device.Device {
	raw := r.Bytes16()
	if r.err != nil {
		return nil
	}
	d, n, err := device.Decode(raw)
	if err != nil {
		r.fail(errs.Wrap(errs.CodeInvalidData, "device", err))
		return nil
	}
	if n != len(raw) {
		r.fail(errs.Newf(errs.CodeInvalidData, "device length %d, consumed %d", len(raw), n))
		return nil
	}
	return d
}
