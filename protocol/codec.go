package protocol

import (
	"encoding/binary"
	"math"

	"github.com/opd-ai/bdt/errs"
)

// Writer appends big-endian values to a bounded buffer. The first
// failure is sticky and every later call is a no-op.
type Writer struct {
	buf   []byte
	limit int
	err   error
}

// NewWriter writes into dst without growing it.
func NewWriter(dst []byte) *Writer {
	return &Writer{buf: dst[:0], limit: len(dst)}
}

// newScratch returns an unbounded writer.
func newScratch() *Writer {
	return &Writer{limit: math.MaxInt}
}

func (w *Writer) reserve(n int) bool {
	if w.err != nil {
		return false
	}
	if len(w.buf)+n > w.limit {
		w.err = errs.Newf(errs.CodeOutOfLimit, "buffer not enough: need %d, have %d", len(w.buf)+n, w.limit)
		return false
	}
	return true
}

// Err returns the first write failure.
func (w *Writer) Err() error { return w.err }

// Len returns the number of bytes written.
func (w *Writer) Len() int { return len(w.buf) }

// Bytes returns the written bytes.
func (w *Writer) Bytes() []byte { return w.buf }

func (w *Writer) reset() {
	w.buf = w.buf[:0]
	w.err = nil
}

func (w *Writer) U8(v uint8) {
	if w.reserve(1) {
		w.buf = append(w.buf, v)
	}
}

func (w *Writer) U16(v uint16) {
	if w.reserve(2) {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *Writer) U32(v uint32) {
	if w.reserve(4) {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *Writer) U64(v uint64) {
	if w.reserve(8) {
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}

func (w *Writer) Bool(v bool) {
	if v {
		w.U8(1)
	} else {
		w.U8(0)
	}
}

// Raw writes b without a length prefix.
func (w *Writer) Raw(b []byte) {
	if w.reserve(len(b)) {
		w.buf = append(w.buf, b...)
	}
}

// Bytes16 writes b with a u16 length prefix.
func (w *Writer) Bytes16(b []byte) {
	if len(b) > math.MaxUint16 {
		if w.err == nil {
			w.err = errs.Newf(errs.CodeOutOfLimit, "field length %d exceeds u16", len(b))
		}
		return
	}
	w.U16(uint16(len(b)))
	w.Raw(b)
}

func (w *Writer) patchU16(at int, v uint16) {
	if w.err == nil {
		binary.BigEndian.PutUint16(w.buf[at:at+2], v)
	}
}

// Reader consumes big-endian values. Slices it returns alias the source
// buffer. The first failure is sticky and reads afterwards return zero.
type Reader struct {
	buf []byte
	off int
	err error
}

// NewReader reads from b.
func NewReader(b []byte) *Reader {
	return &Reader{buf: b}
}

// Err returns the first read failure.
func (r *Reader) Err() error { return r.err }

// Remaining returns the unread byte count.
func (r *Reader) Remaining() int { return len(r.buf) - r.off }

// Offset returns the number of bytes consumed.
func (r *Reader) Offset() int { return r.off }

func (r *Reader) fail(err error) {
	if r.err == nil {
		r.err = err
	}
}

func (r *Reader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || r.Remaining() < n {
		r.fail(errs.Newf(errs.CodeInvalidData, "truncated: need %d, have %d", n, r.Remaining()))
		return false
	}
	return true
}

func (r *Reader) U8() uint8 {
	if !r.need(1) {
		return 0
	}
	v := r.buf[r.off]
	r.off++
	return v
}

func (r *Reader) U16() uint16 {
	if !r.need(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.buf[r.off:])
	r.off += 2
	return v
}

func (r *Reader) U32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v
}

func (r *Reader) U64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v
}

func (r *Reader) Bool() bool {
	switch r.U8() {
	case 0:
		return false
	case 1:
		return true
	default:
		r.fail(errs.New(errs.CodeInvalidData, "invalid bool"))
		return false
	}
}

// Raw returns the next n bytes.
func (r *Reader) Raw(n int) []byte {
	if !r.need(n) {
		return nil
	}
	v := r.buf[r.off : r.off+n]
	r.off += n
	return v
}

// Bytes16 reads a u16 length-prefixed byte string. An empty string
// decodes as nil.
func (r *Reader) Bytes16() []byte {
	n := int(r.U16())
	if n == 0 {
		return nil
	}
	return r.Raw(n)
}

// Fill copies the next len(dst) bytes into dst.
func (r *Reader) Fill(dst []byte) {
	if b := r.Raw(len(dst)); b != nil {
		copy(dst, b)
	}
}
