package transport

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/ggnet/rollback/protocol"
)

func TestSendAndReadLoopRoundTrip(t *testing.T) {
	a, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen a: %v", err)
	}
	defer a.Close()

	b, err := Listen("127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen b: %v", err)
	}
	defer b.Close()

	bAddr := b.LocalAddr().(*net.UDPAddr)
	sender := a.Bind(bAddr)

	received := make(chan *protocol.Message, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go b.ReadLoop(ctx, func() int64 { return time.Now().UnixMilli() }, func(addr *net.UDPAddr, msg *protocol.Message, nowMS int64) {
		received <- msg
	})

	msg := &protocol.Message{
		Header:      protocol.Header{Magic: 42, SequenceNumber: 1, Type: protocol.MsgSyncRequest},
		SyncRequest: protocol.SyncRequest{RandomRequest: 9001},
	}
	if err := sender.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.Header.Magic != 42 || got.SyncRequest.RandomRequest != 9001 {
			t.Fatalf("unexpected message received: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
	}
}

func TestListenRejectsBadAddress(t *testing.T) {
	if _, err := Listen("not-an-address"); err == nil {
		t.Fatal("expected an error for an unparseable listen address")
	}
}
