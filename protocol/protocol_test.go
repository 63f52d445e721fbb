package protocol

import (
	"math/rand"
	"testing"

	"github.com/ggnet/rollback/gameinput"
)

// loopSender delivers messages synchronously to a paired Peer, for
// in-process protocol tests without a real socket.
type loopSender struct {
	peer *Peer
	now  *int64
}

func (s *loopSender) Send(msg *Message) error {
	s.peer.OnMsg(*s.now, msg)
	return nil
}

// dropSender discards every message, standing in for a severed link.
type dropSender struct{}

func (dropSender) Send(msg *Message) error { return nil }

func newLinkedPeers(t *testing.T) (a, b *Peer, now *int64) {
	t.Helper()
	now = new(int64)

	localA := []*ConnectStatus{{}, {}}
	localB := []*ConnectStatus{{}, {}}

	a = New(0, 0xAAAA, 1, localA, nil, rand.New(rand.NewSource(1)))
	b = New(0, 0xBBBB, 1, localB, nil, rand.New(rand.NewSource(2)))

	a.sender = &loopSender{peer: b, now: now}
	b.sender = &loopSender{peer: a, now: now}

	return a, b, now
}

func runHandshake(t *testing.T, a, b *Peer, now *int64) {
	t.Helper()

	a.Synchronize(*now)
	b.Synchronize(*now)

	for i := 0; i < numSyncPackets*4 && !(a.IsRunning() && b.IsRunning()); i++ {
		*now += syncFirstRetryMS + 1
		a.OnLoopPoll(*now)
		b.OnLoopPoll(*now)
	}

	if !a.IsRunning() || !b.IsRunning() {
		t.Fatalf("expected both peers running after handshake, got a=%v b=%v", a.state, b.state)
	}
}

// drainEvents discards every event currently queued, so assertions below
// only see events raised by the action under test.
func drainEvents(p *Peer) {
	for {
		if _, ok := p.PollEvent(); !ok {
			return
		}
	}
}

func pollUntil(t *testing.T, p *Peer, want EventType) Event {
	t.Helper()
	for i := 0; i < 64; i++ {
		ev, ok := p.PollEvent()
		if !ok {
			t.Fatalf("ran out of events waiting for type %d", want)
		}
		if ev.Type == want {
			return ev
		}
	}
	t.Fatalf("did not find event type %d within 64 events", want)
	return Event{}
}

func TestHandshakeReachesRunning(t *testing.T) {
	a, b, now := newLinkedPeers(t)
	runHandshake(t, a, b, now)
}

func TestInputDeliveredAcrossPeers(t *testing.T) {
	a, b, now := newLinkedPeers(t)
	runHandshake(t, a, b, now)
	drainEvents(a)
	drainEvents(b)

	in := gameinput.New(0, []byte{0x05}, 1)
	a.SendInput(*now, in)

	ev := pollUntil(t, b, EventInput)
	if ev.Input.Bits[0] != 0x05 {
		t.Fatalf("expected bits 0x05, got %#x", ev.Input.Bits[0])
	}
	if ev.Input.Frame != 0 {
		t.Fatalf("expected frame 0, got %d", ev.Input.Frame)
	}
}

func TestDisconnectByTimeout(t *testing.T) {
	a, b, now := newLinkedPeers(t)
	runHandshake(t, a, b, now)
	drainEvents(a)
	drainEvents(b)

	b.SetDisconnectNotifyStart(750)
	b.SetDisconnectTimeout(5000)

	// Cease all inbound packets to b: stop driving a, and cut a's link so
	// nothing a sends (including replies to b's quality reports) reaches b,
	// then advance b's clock past the notify threshold.
	a.sender = dropSender{}
	*now += 751
	b.OnLoopPoll(*now)

	ev := pollUntil(t, b, EventNetworkInterrupted)
	if ev.DisconnectTimeout != 4250 {
		t.Fatalf("expected disconnect timeout of 4250ms remaining, got %d", ev.DisconnectTimeout)
	}
	drainEvents(b)

	// Advance the rest of the way to the full timeout.
	*now += 4250
	b.OnLoopPoll(*now)

	pollUntil(t, b, EventDisconnected)
	drainEvents(b)

	// No further events once disconnected.
	b.OnLoopPoll(*now)
	if _, ok := b.PollEvent(); ok {
		t.Fatal("expected no further events after disconnect")
	}
}

func TestDisconnectRequestPropagates(t *testing.T) {
	a, b, now := newLinkedPeers(t)
	runHandshake(t, a, b, now)
	drainEvents(a)
	drainEvents(b)

	a.Disconnect(*now)
	a.sendPendingOutput(*now)

	pollUntil(t, b, EventDisconnected)
}
