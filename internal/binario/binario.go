// Package binario is a small explicit binary codec for the wire messages,
// used instead of memory-mapped structs so the byte
// layout is the same regardless of host architecture or struct padding.
package binario

import (
	"encoding/binary"
	"io"
)

// Writer serializes fixed-width values to an io.Writer in a fixed byte order.
type Writer struct {
	w     io.Writer
	order binary.ByteOrder
	buf   [8]byte
}

// NewWriter creates a Writer that writes to w using the given byte order.
func NewWriter(w io.Writer, order binary.ByteOrder) *Writer {
	return &Writer{w: w, order: order}
}

func (w *Writer) WriteUint8(v uint8) error {
	w.buf[0] = v
	_, err := w.w.Write(w.buf[:1])
	return err
}

func (w *Writer) WriteInt8(v int8) error {
	return w.WriteUint8(uint8(v))
}

func (w *Writer) WriteBool(v bool) error {
	if v {
		return w.WriteUint8(1)
	}
	return w.WriteUint8(0)
}

func (w *Writer) WriteUint16(v uint16) error {
	w.order.PutUint16(w.buf[:2], v)
	_, err := w.w.Write(w.buf[:2])
	return err
}

func (w *Writer) WriteInt16(v int16) error {
	return w.WriteUint16(uint16(v))
}

func (w *Writer) WriteUint32(v uint32) error {
	w.order.PutUint32(w.buf[:4], v)
	_, err := w.w.Write(w.buf[:4])
	return err
}

func (w *Writer) WriteInt32(v int32) error {
	return w.WriteUint32(uint32(v))
}

func (w *Writer) WriteUint64(v uint64) error {
	w.order.PutUint64(w.buf[:8], v)
	_, err := w.w.Write(w.buf[:8])
	return err
}

func (w *Writer) WriteInt64(v int64) error {
	return w.WriteUint64(uint64(v))
}

// WriteBytes writes raw bytes with no length prefix. Callers that need a
// variable-length field write the length separately (e.g. WriteUint16).
func (w *Writer) WriteBytes(b []byte) error {
	_, err := w.w.Write(b)
	return err
}

// Reader deserializes fixed-width values from an io.Reader in a fixed byte order.
type Reader struct {
	r     io.Reader
	order binary.ByteOrder
	buf   [8]byte
}

// NewReader creates a Reader that reads from r using the given byte order.
func NewReader(r io.Reader, order binary.ByteOrder) *Reader {
	return &Reader{r: r, order: order}
}

func (r *Reader) ReadUint8To(v *uint8) error {
	if _, err := io.ReadFull(r.r, r.buf[:1]); err != nil {
		return err
	}
	*v = r.buf[0]
	return nil
}

func (r *Reader) ReadInt8To(v *int8) error {
	var u uint8
	if err := r.ReadUint8To(&u); err != nil {
		return err
	}
	*v = int8(u)
	return nil
}

func (r *Reader) ReadBoolTo(v *bool) error {
	var u uint8
	if err := r.ReadUint8To(&u); err != nil {
		return err
	}
	*v = u != 0
	return nil
}

func (r *Reader) ReadUint16To(v *uint16) error {
	if _, err := io.ReadFull(r.r, r.buf[:2]); err != nil {
		return err
	}
	*v = r.order.Uint16(r.buf[:2])
	return nil
}

func (r *Reader) ReadInt16To(v *int16) error {
	var u uint16
	if err := r.ReadUint16To(&u); err != nil {
		return err
	}
	*v = int16(u)
	return nil
}

func (r *Reader) ReadUint32To(v *uint32) error {
	if _, err := io.ReadFull(r.r, r.buf[:4]); err != nil {
		return err
	}
	*v = r.order.Uint32(r.buf[:4])
	return nil
}

func (r *Reader) ReadInt32To(v *int32) error {
	var u uint32
	if err := r.ReadUint32To(&u); err != nil {
		return err
	}
	*v = int32(u)
	return nil
}

func (r *Reader) ReadUint64To(v *uint64) error {
	if _, err := io.ReadFull(r.r, r.buf[:8]); err != nil {
		return err
	}
	*v = r.order.Uint64(r.buf[:8])
	return nil
}

func (r *Reader) ReadInt64To(v *int64) error {
	var u uint64
	if err := r.ReadUint64To(&u); err != nil {
		return err
	}
	*v = int64(u)
	return nil
}

// ReadBytes reads exactly len(b) bytes into b.
func (r *Reader) ReadBytes(b []byte) error {
	_, err := io.ReadFull(r.r, b)
	return err
}
