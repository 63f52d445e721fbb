package binario

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf, binary.LittleEndian)

	if err := w.WriteUint8(0xAB); err != nil {
		t.Fatalf("WriteUint8: %v", err)
	}
	if err := w.WriteBool(true); err != nil {
		t.Fatalf("WriteBool: %v", err)
	}
	if err := w.WriteUint16(0x1234); err != nil {
		t.Fatalf("WriteUint16: %v", err)
	}
	if err := w.WriteInt32(-42); err != nil {
		t.Fatalf("WriteInt32: %v", err)
	}
	if err := w.WriteUint64(0xDEADBEEFCAFEBABE); err != nil {
		t.Fatalf("WriteUint64: %v", err)
	}
	if err := w.WriteBytes([]byte{1, 2, 3}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}

	r := NewReader(buf, binary.LittleEndian)

	var u8 uint8
	var b bool
	var u16 uint16
	var i32 int32
	var u64 uint64
	raw := make([]byte, 3)

	if err := r.ReadUint8To(&u8); err != nil || u8 != 0xAB {
		t.Fatalf("ReadUint8To: got %v err %v", u8, err)
	}
	if err := r.ReadBoolTo(&b); err != nil || !b {
		t.Fatalf("ReadBoolTo: got %v err %v", b, err)
	}
	if err := r.ReadUint16To(&u16); err != nil || u16 != 0x1234 {
		t.Fatalf("ReadUint16To: got %v err %v", u16, err)
	}
	if err := r.ReadInt32To(&i32); err != nil || i32 != -42 {
		t.Fatalf("ReadInt32To: got %v err %v", i32, err)
	}
	if err := r.ReadUint64To(&u64); err != nil || u64 != 0xDEADBEEFCAFEBABE {
		t.Fatalf("ReadUint64To: got %v err %v", u64, err)
	}
	if err := r.ReadBytes(raw); err != nil || !bytes.Equal(raw, []byte{1, 2, 3}) {
		t.Fatalf("ReadBytes: got %v err %v", raw, err)
	}
}

func TestLittleEndianByteOrder(t *testing.T) {
	buf := &bytes.Buffer{}
	w := NewWriter(buf, binary.LittleEndian)
	if err := w.WriteUint16(0x0102); err != nil {
		t.Fatalf("WriteUint16: %v", err)
	}

	got := buf.Bytes()
	want := []byte{0x02, 0x01}
	if !bytes.Equal(got, want) {
		t.Fatalf("expected little-endian bytes %v, got %v", want, got)
	}
}

func TestReadShortBufferErrors(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{0x01}), binary.LittleEndian)
	var v uint32
	if err := r.ReadUint32To(&v); err == nil {
		t.Fatalf("expected error reading uint32 from short buffer")
	}
}
