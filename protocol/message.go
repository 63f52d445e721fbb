package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ggnet/rollback/internal/binario"
)

// MaxPlayers bounds the peer-connect-status table carried on every Input
// message.
const MaxPlayers = 4

// MaxCompressedBits bounds the delta-compressed input payload per packet.
const MaxCompressedBits = 4096

// MsgType identifies a wire message's payload shape.
type MsgType uint8

const (
	MsgInvalid MsgType = iota
	MsgSyncRequest
	MsgSyncReply
	MsgInput
	MsgQualityReport
	MsgQualityReply
	MsgKeepAlive
	MsgInputAck
)

// Header is present on every wire message.
type Header struct {
	Magic          uint16
	SequenceNumber uint16
	Type           MsgType
}

func (h Header) encode(w *binario.Writer) error {
	if err := w.WriteUint16(h.Magic); err != nil {
		return err
	}
	if err := w.WriteUint16(h.SequenceNumber); err != nil {
		return err
	}
	return w.WriteUint8(uint8(h.Type))
}

func (h *Header) decode(r *binario.Reader) error {
	if err := r.ReadUint16To(&h.Magic); err != nil {
		return err
	}
	if err := r.ReadUint16To(&h.SequenceNumber); err != nil {
		return err
	}
	var t uint8
	if err := r.ReadUint8To(&t); err != nil {
		return err
	}
	h.Type = MsgType(t)
	return nil
}

// ConnectStatus mirrors one player slot's connectivity as seen by a peer.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    int32
}

func (c ConnectStatus) encode(w *binario.Writer) error {
	if err := w.WriteBool(c.Disconnected); err != nil {
		return err
	}
	return w.WriteInt32(c.LastFrame)
}

func (c *ConnectStatus) decode(r *binario.Reader) error {
	if err := r.ReadBoolTo(&c.Disconnected); err != nil {
		return err
	}
	return r.ReadInt32To(&c.LastFrame)
}

// SyncRequest is the handshake ping: the receiver echoes RandomRequest back
// in a SyncReply.
type SyncRequest struct {
	RandomRequest uint32
}

// SyncReply answers a SyncRequest.
type SyncReply struct {
	RandomReply uint32
}

// QualityReport carries a ping timestamp and the sender's local frame
// advantage, for round-trip-time and fairness estimation.
type QualityReport struct {
	FrameAdvantage int8
	Ping           uint32
}

// QualityReply echoes a QualityReport's ping value back.
type QualityReply struct {
	Pong uint32
}

// InputAck acknowledges input up to (not including) AckFrame, letting the
// sender free pending-output history.
type InputAck struct {
	AckFrame int32
}

// Input carries delta-compressed input for every player plus this peer's
// view of every player's connectivity.
type Input struct {
	PeerConnectStatus   [MaxPlayers]ConnectStatus
	StartFrame          uint32
	DisconnectRequested bool
	AckFrame            int32
	InputSize           uint8
	NumBits             uint16
	Bits                []byte
}

func (in Input) encode(w *binario.Writer) error {
	for _, cs := range in.PeerConnectStatus {
		if err := cs.encode(w); err != nil {
			return err
		}
	}
	if err := w.WriteUint32(in.StartFrame); err != nil {
		return err
	}
	if err := w.WriteBool(in.DisconnectRequested); err != nil {
		return err
	}
	if err := w.WriteInt32(in.AckFrame); err != nil {
		return err
	}
	if err := w.WriteUint8(in.InputSize); err != nil {
		return err
	}
	if err := w.WriteUint16(in.NumBits); err != nil {
		return err
	}
	nbytes := (int(in.NumBits) + 7) / 8
	return w.WriteBytes(in.Bits[:nbytes])
}

func (in *Input) decode(r *binario.Reader) error {
	for i := range in.PeerConnectStatus {
		if err := in.PeerConnectStatus[i].decode(r); err != nil {
			return err
		}
	}
	if err := r.ReadUint32To(&in.StartFrame); err != nil {
		return err
	}
	if err := r.ReadBoolTo(&in.DisconnectRequested); err != nil {
		return err
	}
	if err := r.ReadInt32To(&in.AckFrame); err != nil {
		return err
	}
	if err := r.ReadUint8To(&in.InputSize); err != nil {
		return err
	}
	if err := r.ReadUint16To(&in.NumBits); err != nil {
		return err
	}
	nbytes := (int(in.NumBits) + 7) / 8
	if nbytes > MaxCompressedBits/8 {
		return fmt.Errorf("protocol: compressed input exceeds %d bits", MaxCompressedBits)
	}
	in.Bits = make([]byte, nbytes)
	return r.ReadBytes(in.Bits)
}

// Message is a fully decoded wire packet: a Header plus exactly one of the
// typed payloads, selected by Header.Type.
type Message struct {
	Header        Header
	SyncRequest   SyncRequest
	SyncReply     SyncReply
	QualityReport QualityReport
	QualityReply  QualityReply
	InputAck      InputAck
	Input         Input
}

// Encode serializes msg to its wire byte order (little-endian).
func Encode(msg *Message) ([]byte, error) {
	buf := &bytes.Buffer{}
	w := binario.NewWriter(buf, binary.LittleEndian)

	if err := msg.Header.encode(w); err != nil {
		return nil, err
	}

	var err error
	switch msg.Header.Type {
	case MsgSyncRequest:
		err = w.WriteUint32(msg.SyncRequest.RandomRequest)
	case MsgSyncReply:
		err = w.WriteUint32(msg.SyncReply.RandomReply)
	case MsgQualityReport:
		err = errors.Join(
			w.WriteInt8(msg.QualityReport.FrameAdvantage),
			w.WriteUint32(msg.QualityReport.Ping),
		)
	case MsgQualityReply:
		err = w.WriteUint32(msg.QualityReply.Pong)
	case MsgKeepAlive:
		// no payload
	case MsgInputAck:
		err = w.WriteInt32(msg.InputAck.AckFrame)
	case MsgInput:
		err = msg.Input.encode(w)
	default:
		return nil, fmt.Errorf("protocol: cannot encode message type %d", msg.Header.Type)
	}
	if err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Decode parses a wire packet previously produced by Encode.
func Decode(data []byte) (*Message, error) {
	r := binario.NewReader(bytes.NewReader(data), binary.LittleEndian)

	msg := &Message{}
	if err := msg.Header.decode(r); err != nil {
		return nil, err
	}

	var err error
	switch msg.Header.Type {
	case MsgSyncRequest:
		err = r.ReadUint32To(&msg.SyncRequest.RandomRequest)
	case MsgSyncReply:
		err = r.ReadUint32To(&msg.SyncReply.RandomReply)
	case MsgQualityReport:
		err = errors.Join(
			r.ReadInt8To(&msg.QualityReport.FrameAdvantage),
			r.ReadUint32To(&msg.QualityReport.Ping),
		)
	case MsgQualityReply:
		err = r.ReadUint32To(&msg.QualityReply.Pong)
	case MsgKeepAlive:
		// no payload
	case MsgInputAck:
		err = r.ReadInt32To(&msg.InputAck.AckFrame)
	case MsgInput:
		err = msg.Input.decode(r)
	default:
		return nil, fmt.Errorf("protocol: cannot decode message type %d", msg.Header.Type)
	}
	if err != nil {
		return nil, err
	}

	return msg, nil
}

