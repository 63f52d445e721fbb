package protocol

import "testing"

func TestEncodeDecodeSyncRequest(t *testing.T) {
	msg := &Message{
		Header:      Header{Magic: 0xBEEF, SequenceNumber: 7, Type: MsgSyncRequest},
		SyncRequest: SyncRequest{RandomRequest: 12345},
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Header.Magic != 0xBEEF || got.Header.SequenceNumber != 7 || got.Header.Type != MsgSyncRequest {
		t.Fatalf("unexpected header: %+v", got.Header)
	}
	if got.SyncRequest.RandomRequest != 12345 {
		t.Fatalf("unexpected random request: %d", got.SyncRequest.RandomRequest)
	}
}

func TestEncodeDecodeInput(t *testing.T) {
	bits := make([]byte, 4)
	msg := &Message{
		Header: Header{Magic: 1, SequenceNumber: 2, Type: MsgInput},
		Input: Input{
			PeerConnectStatus: [MaxPlayers]ConnectStatus{
				{Disconnected: false, LastFrame: 10},
				{Disconnected: true, LastFrame: -1},
			},
			StartFrame: 42,
			AckFrame:   41,
			InputSize:  1,
			NumBits:    18,
			Bits:       bits,
		},
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if got.Input.StartFrame != 42 || got.Input.AckFrame != 41 {
		t.Fatalf("unexpected input frames: %+v", got.Input)
	}
	if got.Input.PeerConnectStatus[1].Disconnected != true || got.Input.PeerConnectStatus[1].LastFrame != -1 {
		t.Fatalf("unexpected connect status: %+v", got.Input.PeerConnectStatus[1])
	}
	if len(got.Input.Bits) != 3 {
		t.Fatalf("expected 3 bytes for 18 bits, got %d", len(got.Input.Bits))
	}
}

func TestDecodeRejectsOversizedInput(t *testing.T) {
	msg := &Message{
		Header: Header{Type: MsgInput},
		Input: Input{
			NumBits: MaxCompressedBits + 8,
			Bits:    make([]byte, (MaxCompressedBits+8)/8),
		},
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(data); err == nil {
		t.Fatalf("expected Decode to reject an oversized compressed payload")
	}
}
