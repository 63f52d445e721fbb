// Package protocol implements the per-peer wire protocol: handshake
// synchronization, delta-compressed input exchange, quality/keep-alive
// timers, and disconnect detection, layered over an injected packet
// sender so it never owns a socket itself.
package protocol

import (
	"math/rand"
	"strconv"

	"github.com/ggnet/rollback/gameinput"
	"github.com/ggnet/rollback/internal/loglevel"
	"github.com/ggnet/rollback/internal/ringbuf"
	"github.com/ggnet/rollback/metrics"
	"github.com/ggnet/rollback/timesync"
)

const (
	numSyncPackets         = 5
	syncRetryIntervalMS    = 2000
	syncFirstRetryMS       = 500
	runningRetryMS         = 200
	keepAliveIntervalMS    = 200
	qualityReportMS        = 1000
	networkStatsIntervalMS = 1000
	shutdownTimerMS        = 5000
	maxSeqDistance         = 1 << 15
	udpHeaderSize          = 28
	sendQueueCapacity      = 64
	pendingOutputCapacity  = 64
)

// State is a peer connection's position in its handshake/run lifecycle.
// StateSyncing is the zero value, since a freshly constructed Peer starts
// there before Synchronize is called.
type State int

const (
	StateSyncing State = iota
	StateRunning
	StateDisconnected
)

// EventType identifies which field of Event is populated.
type EventType int

const (
	EventConnected EventType = iota
	EventSynchronizing
	EventSynchronized
	EventInput
	EventDisconnected
	EventNetworkInterrupted
	EventNetworkResumed
)

// Event is delivered to the host via Peer.PollEvent.
type Event struct {
	Type              EventType
	Count, Total      int
	Input             gameinput.Input
	DisconnectTimeout int
}

// Sender transmits an encoded Message to this peer's address. Supplied by
// the transport layer; Peer never touches a socket.
type Sender interface {
	Send(msg *Message) error
}

type queueEntry struct {
	queueTimeMS int64
	msg         *Message
}

// Peer runs the wire protocol for a single remote endpoint.
type Peer struct {
	queue               int
	magicNumber         uint16
	remoteMagicNumber   uint16
	connected           bool
	sendLatencyMS       int
	oopPercent          int
	sender              Sender
	rng                 *rand.Rand

	localConnectStatus []*ConnectStatus
	peerConnectStatus  [MaxPlayers]ConnectStatus

	state State

	syncRoundtripsRemaining int
	syncRandom              uint32

	runningLastQualityReportMS    int64
	runningLastNetworkStatsMS     int64
	runningLastInputPacketRecvMS  int64

	localFrameAdvantage  int
	remoteFrameAdvantage int

	sendQueue     *ringbuf.Ring[queueEntry]
	ooPacket      *queueEntry
	ooSendTimeMS  int64

	pendingOutput     *ringbuf.Ring[gameinput.Input]
	lastReceivedInput gameinput.Input
	lastSentInput     gameinput.Input
	lastAckedInput    gameinput.Input

	lastSendTimeMS          int64
	lastRecvTimeMS          int64
	shutdownTimeoutMS       int64
	disconnectEventSent     bool
	disconnectTimeoutMS     int64
	disconnectNotifyStartMS int64
	disconnectNotifySent    bool

	nextSendSeq uint16
	nextRecvSeq uint16

	timesync *timesync.TimeSync
	events   *ringbuf.Ring[Event]

	packetsSent   int
	bytesSent     int
	kbpsSent      int
	statsStartMS  int64
	roundTripTime int64

	inputSize int
}

// New creates a Peer for the given queue (player slot) index. magicNumber
// must be a nonzero value unique enough to tell this connection apart from
// a stale one; localConnectStatus is the shared connectivity table owned by
// the session, one entry per player.
func New(queue int, magicNumber uint16, inputSize int, localConnectStatus []*ConnectStatus, sender Sender, rng *rand.Rand) *Peer {
	p := &Peer{
		queue:              queue,
		magicNumber:        magicNumber,
		sender:             sender,
		rng:                rng,
		localConnectStatus: localConnectStatus,
		sendQueue:          ringbuf.New[queueEntry](sendQueueCapacity),
		pendingOutput:      ringbuf.New[gameinput.Input](pendingOutputCapacity),
		timesync:           timesync.New(),
		events:             ringbuf.New[Event](32),
		inputSize:          inputSize,
	}
	for i := range p.peerConnectStatus {
		p.peerConnectStatus[i].LastFrame = -1
	}
	p.lastSentInput = gameinput.New(gameinput.NullFrame, nil, inputSize)
	p.lastReceivedInput = gameinput.New(gameinput.NullFrame, nil, inputSize)
	p.lastAckedInput = gameinput.New(gameinput.NullFrame, nil, inputSize)
	return p
}

// SetSendLatency configures simulated per-packet send latency+jitter, in
// milliseconds (0 disables it) — a testing knob, not traffic shaping.
func (p *Peer) SetSendLatency(ms int) { p.sendLatencyMS = ms }

// SetOutOfOrderPercent configures the percentage of packets rerouted
// through a single delayed "rogue" slot, to exercise reorder tolerance.
func (p *Peer) SetOutOfOrderPercent(pct int) { p.oopPercent = pct }

// SetDisconnectTimeout sets how long without a received packet before this
// peer is declared disconnected.
func (p *Peer) SetDisconnectTimeout(ms int) { p.disconnectTimeoutMS = int64(ms) }

// SetDisconnectNotifyStart sets how long without a received packet before
// an EventNetworkInterrupted warning fires.
func (p *Peer) SetDisconnectNotifyStart(ms int) { p.disconnectNotifyStartMS = int64(ms) }

// IsRunning reports whether the handshake has completed.
func (p *Peer) IsRunning() bool { return p.state == StateRunning }

// IsSynchronized is an alias for IsRunning, matching the original's naming.
func (p *Peer) IsSynchronized() bool { return p.IsRunning() }

// GetPeerConnectStatus reports what this peer last told us about player id.
func (p *Peer) GetPeerConnectStatus(id int) (connected bool, lastFrame int) {
	return !p.peerConnectStatus[id].Disconnected, int(p.peerConnectStatus[id].LastFrame)
}

// Synchronize starts the handshake, sending the first sync request.
func (p *Peer) Synchronize(nowMS int64) {
	p.state = StateSyncing
	p.syncRoundtripsRemaining = numSyncPackets
	p.sendSyncRequest(nowMS)
}

// Disconnect forces this peer into the Disconnected state.
func (p *Peer) Disconnect(nowMS int64) {
	p.state = StateDisconnected
	p.shutdownTimeoutMS = nowMS + shutdownTimerMS
}

// PollEvent pops the next queued event, if any.
func (p *Peer) PollEvent() (Event, bool) {
	if p.events.Empty() {
		return Event{}, false
	}
	return p.events.Pop(), true
}

func (p *Peer) queueEvent(e Event) {
	p.events.Push(e)
}

// SendInput queues input for delivery and flushes the pending-output queue
// as a delta-compressed Input packet.
func (p *Peer) SendInput(nowMS int64, input gameinput.Input) {
	if p.state == StateRunning {
		p.timesync.AdvanceFrame(input, p.localFrameAdvantage, p.remoteFrameAdvantage)
		p.pendingOutput.Push(input)
	}
	p.sendPendingOutput(nowMS)
}

func (p *Peer) sendPendingOutput(nowMS int64) {
	msg := &Message{Header: Header{Type: MsgInput}}
	bits := make([]byte, MaxCompressedBits/8)
	offset := 0

	if !p.pendingOutput.Empty() {
		last := p.lastAckedInput

		front := p.pendingOutput.Front()
		msg.Input.StartFrame = uint32(front.Frame)
		msg.Input.InputSize = uint8(front.Size)

		for j := 0; j < p.pendingOutput.Len(); j++ {
			current := p.pendingOutput.Item(j)
			if !gameinput.Equal(current, last, true) {
				for i := 0; i < current.Size*8; i++ {
					if current.Value(i) != last.Value(i) {
						bitVectorSetBit(bits, &offset)
						if current.Value(i) {
							bitVectorSetBit(bits, &offset)
						} else {
							bitVectorClearBit(bits, &offset)
						}
						bitVectorWriteNibblet(bits, i, &offset)
					}
				}
			}
			bitVectorClearBit(bits, &offset)
			last = current
			p.lastSentInput = current
		}
	} else {
		msg.Input.StartFrame = 0
		msg.Input.InputSize = 0
	}

	msg.Input.AckFrame = int32(p.lastReceivedInput.Frame)
	msg.Input.NumBits = uint16(offset)
	msg.Input.DisconnectRequested = p.state == StateDisconnected
	for i := range msg.Input.PeerConnectStatus {
		if i < len(p.localConnectStatus) && p.localConnectStatus[i] != nil {
			msg.Input.PeerConnectStatus[i] = *p.localConnectStatus[i]
		}
	}
	msg.Input.Bits = bits[:(offset+7)/8]

	p.sendMsg(nowMS, msg)
}

// SendInputAck acknowledges the highest frame received so far.
func (p *Peer) SendInputAck(nowMS int64) {
	msg := &Message{
		Header:   Header{Type: MsgInputAck},
		InputAck: InputAck{AckFrame: int32(p.lastReceivedInput.Frame)},
	}
	p.sendMsg(nowMS, msg)
}

func (p *Peer) sendSyncRequest(nowMS int64) {
	p.syncRandom = p.rng.Uint32() & 0xFFFF
	msg := &Message{
		Header:      Header{Type: MsgSyncRequest},
		SyncRequest: SyncRequest{RandomRequest: p.syncRandom},
	}
	p.sendMsg(nowMS, msg)
}

func (p *Peer) sendMsg(nowMS int64, msg *Message) {
	p.packetsSent++
	p.lastSendTimeMS = nowMS

	msg.Header.Magic = p.magicNumber
	msg.Header.SequenceNumber = p.nextSendSeq
	p.nextSendSeq++

	encoded, err := Encode(msg)
	if err == nil {
		p.bytesSent += len(encoded)
	}

	p.sendQueue.Push(queueEntry{queueTimeMS: nowMS, msg: msg})
	p.pumpSendQueue(nowMS)
}

// OnLoopPoll drives every periodic timer (sync retries, keep-alives,
// quality reports, disconnect detection). Call it often from the session's
// poll loop; it is a no-op between configured intervals.
func (p *Peer) OnLoopPoll(nowMS int64) {
	p.pumpSendQueue(nowMS)

	switch p.state {
	case StateSyncing:
		interval := int64(syncRetryIntervalMS)
		if p.syncRoundtripsRemaining == numSyncPackets {
			interval = syncFirstRetryMS
		}
		if p.lastSendTimeMS != 0 && p.lastSendTimeMS+interval < nowMS {
			loglevel.Debugf("protocol: no luck syncing after %dms, re-queueing sync request", interval)
			p.sendSyncRequest(nowMS)
		}

	case StateRunning:
		if p.runningLastInputPacketRecvMS == 0 || p.runningLastInputPacketRecvMS+runningRetryMS < nowMS {
			p.sendPendingOutput(nowMS)
			p.runningLastInputPacketRecvMS = nowMS
		}

		if p.runningLastQualityReportMS == 0 || p.runningLastQualityReportMS+qualityReportMS < nowMS {
			msg := &Message{
				Header: Header{Type: MsgQualityReport},
				QualityReport: QualityReport{
					Ping:           uint32(nowMS),
					FrameAdvantage: int8(p.localFrameAdvantage),
				},
			}
			p.sendMsg(nowMS, msg)
			p.runningLastQualityReportMS = nowMS
		}

		if p.runningLastNetworkStatsMS == 0 || p.runningLastNetworkStatsMS+networkStatsIntervalMS < nowMS {
			p.updateNetworkStats(nowMS)
			p.runningLastNetworkStatsMS = nowMS
		}

		if p.lastSendTimeMS != 0 && p.lastSendTimeMS+keepAliveIntervalMS < nowMS {
			p.sendMsg(nowMS, &Message{Header: Header{Type: MsgKeepAlive}})
		}

		if p.disconnectTimeoutMS != 0 && p.disconnectNotifyStartMS != 0 &&
			!p.disconnectNotifySent && p.lastRecvTimeMS+p.disconnectNotifyStartMS < nowMS {
			loglevel.Warnf("protocol: peer quiet for %dms, sending interruption notice", p.disconnectNotifyStartMS)
			p.queueEvent(Event{Type: EventNetworkInterrupted, DisconnectTimeout: int(p.disconnectTimeoutMS - p.disconnectNotifyStartMS)})
			p.disconnectNotifySent = true
		}

		if p.disconnectTimeoutMS != 0 && p.lastRecvTimeMS+p.disconnectTimeoutMS < nowMS {
			if !p.disconnectEventSent {
				loglevel.Warnf("protocol: peer quiet for %dms, disconnecting", p.disconnectTimeoutMS)
				p.queueEvent(Event{Type: EventDisconnected})
				p.disconnectEventSent = true
			}
		}

	case StateDisconnected:
		// no periodic work beyond the send-queue pump above. Disconnect
		// records shutdownTimeoutMS, but nothing reads it: the Peer keeps
		// pumping on every poll and is never dropped by its caller.
	}
}

func (p *Peer) updateNetworkStats(nowMS int64) {
	if p.statsStartMS == 0 {
		p.statsStartMS = nowMS
	}

	totalBytesSent := p.bytesSent + udpHeaderSize*p.packetsSent
	elapsedSec := float64(nowMS-p.statsStartMS) / 1000.0
	if elapsedSec <= 0 {
		return
	}

	bps := float64(totalBytesSent) / elapsedSec
	p.kbpsSent = int(bps / 1024)

	peerLabel := strconv.Itoa(p.queue)
	metrics.SetRoundTrip(peerLabel, p.roundTripTime)
	metrics.SetFrameAdvantage(peerLabel, p.localFrameAdvantage)
}

// NetworkStats reports this peer's current round-trip time, outstanding
// send-queue depth, measured throughput, and frame advantage.
type NetworkStats struct {
	Ping                 int64
	SendQueueLen         int
	KbpsSent             int
	RemoteFramesBehind   int
	LocalFramesBehind    int
}

// NetworkStats snapshots the current connection health metrics.
func (p *Peer) NetworkStats() NetworkStats {
	return NetworkStats{
		Ping:               p.roundTripTime,
		SendQueueLen:       p.pendingOutput.Len(),
		KbpsSent:           p.kbpsSent,
		RemoteFramesBehind: p.remoteFrameAdvantage,
		LocalFramesBehind:  p.localFrameAdvantage,
	}
}

// SetLocalFrameNumber recomputes this side's estimated frame advantage
// against localFrame, using the last received remote frame plus the
// measured round-trip time converted to frames at 60 frames per second.
func (p *Peer) SetLocalFrameNumber(localFrame int) {
	remoteFrame := p.lastReceivedInput.Frame + int(p.roundTripTime*60/1000)
	p.localFrameAdvantage = remoteFrame - localFrame
}

// RecommendFrameDelay asks the embedded TimeSync how many frames, if any,
// the local side should pause to let this peer catch up.
func (p *Peer) RecommendFrameDelay() int {
	return p.timesync.RecommendFrameWaitDuration(false)
}

// OnMsg processes an inbound decoded message, filtering out stale or
// out-of-order packets before dispatching by type.
func (p *Peer) OnMsg(nowMS int64, msg *Message) {
	if msg.Header.Type != MsgSyncRequest && msg.Header.Type != MsgSyncReply {
		if msg.Header.Magic != p.remoteMagicNumber {
			loglevel.Debugf("protocol: rejecting packet with magic %d (expected %d)", msg.Header.Magic, p.remoteMagicNumber)
			return
		}

		skipped := uint16(int(msg.Header.SequenceNumber) - int(p.nextRecvSeq))
		if skipped > maxSeqDistance {
			loglevel.Debugf("protocol: dropping out of order packet (seq:%d last:%d)", msg.Header.SequenceNumber, p.nextRecvSeq)
			return
		}
	}
	p.nextRecvSeq = msg.Header.SequenceNumber

	handled := false
	switch msg.Header.Type {
	case MsgSyncRequest:
		handled = p.onSyncRequest(nowMS, msg)
	case MsgSyncReply:
		handled = p.onSyncReply(nowMS, msg)
	case MsgInput:
		handled = p.onInput(nowMS, msg)
	case MsgInputAck:
		handled = p.onInputAck(msg)
	case MsgQualityReport:
		handled = p.onQualityReport(nowMS, msg)
	case MsgQualityReply:
		handled = p.onQualityReply(nowMS, msg)
	case MsgKeepAlive:
		handled = true
	default:
		loglevel.Warnf("protocol: invalid message type %d", msg.Header.Type)
	}

	if handled {
		p.lastRecvTimeMS = nowMS
		if p.disconnectNotifySent && p.state == StateRunning {
			p.queueEvent(Event{Type: EventNetworkResumed})
			p.disconnectNotifySent = false
		}
	}
}

func (p *Peer) onSyncRequest(nowMS int64, msg *Message) bool {
	if p.remoteMagicNumber != 0 && msg.Header.Magic != p.remoteMagicNumber {
		loglevel.Debugf("protocol: ignoring sync request from unknown endpoint")
		return false
	}
	reply := &Message{
		Header:    Header{Type: MsgSyncReply},
		SyncReply: SyncReply{RandomReply: msg.SyncRequest.RandomRequest},
	}
	p.sendMsg(nowMS, reply)
	return true
}

func (p *Peer) onSyncReply(nowMS int64, msg *Message) bool {
	if p.state != StateSyncing {
		return msg.Header.Magic == p.remoteMagicNumber
	}
	if msg.SyncReply.RandomReply != p.syncRandom {
		loglevel.Debugf("protocol: sync reply mismatch, still looking")
		return false
	}

	if !p.connected {
		p.queueEvent(Event{Type: EventConnected})
		p.connected = true
	}

	p.syncRoundtripsRemaining--
	if p.syncRoundtripsRemaining == 0 {
		p.queueEvent(Event{Type: EventSynchronized})
		p.state = StateRunning
		p.lastReceivedInput.Frame = gameinput.NullFrame
		p.remoteMagicNumber = msg.Header.Magic
	} else {
		p.queueEvent(Event{
			Type:  EventSynchronizing,
			Total: numSyncPackets,
			Count: numSyncPackets - p.syncRoundtripsRemaining,
		})
		p.sendSyncRequest(nowMS)
	}
	return true
}

func (p *Peer) onInput(nowMS int64, msg *Message) bool {
	if msg.Input.DisconnectRequested {
		if p.state != StateDisconnected && !p.disconnectEventSent {
			p.queueEvent(Event{Type: EventDisconnected})
			p.disconnectEventSent = true
		}
	} else {
		remote := msg.Input.PeerConnectStatus
		for i := range p.peerConnectStatus {
			p.peerConnectStatus[i].Disconnected = p.peerConnectStatus[i].Disconnected || remote[i].Disconnected
			if remote[i].LastFrame > p.peerConnectStatus[i].LastFrame {
				p.peerConnectStatus[i].LastFrame = remote[i].LastFrame
			}
		}
	}

	if msg.Input.NumBits > 0 {
		offset := 0
		numBits := int(msg.Input.NumBits)
		currentFrame := int(msg.Input.StartFrame)

		p.lastReceivedInput.Size = int(msg.Input.InputSize)
		if p.lastReceivedInput.Frame < 0 {
			p.lastReceivedInput.Frame = int(msg.Input.StartFrame) - 1
		}

		for offset < numBits {
			useInputs := currentFrame == p.lastReceivedInput.Frame+1

			for bitVectorReadBit(msg.Input.Bits, &offset) {
				on := bitVectorReadBit(msg.Input.Bits, &offset)
				button := bitVectorReadNibblet(msg.Input.Bits, &offset)
				if useInputs {
					if on {
						p.lastReceivedInput.Set(button)
					} else {
						p.lastReceivedInput.Clear(button)
					}
				}
			}

			if useInputs {
				p.lastReceivedInput.Frame = currentFrame
				p.runningLastInputPacketRecvMS = nowMS
				p.queueEvent(Event{Type: EventInput, Input: p.lastReceivedInput})
			}

			currentFrame++
		}
	}

	for !p.pendingOutput.Empty() && p.pendingOutput.Front().Frame < int(msg.Input.AckFrame) {
		p.lastAckedInput = p.pendingOutput.Pop()
	}

	return true
}

func (p *Peer) onInputAck(msg *Message) bool {
	for !p.pendingOutput.Empty() && p.pendingOutput.Front().Frame < int(msg.InputAck.AckFrame) {
		p.lastAckedInput = p.pendingOutput.Pop()
	}
	return true
}

func (p *Peer) onQualityReport(nowMS int64, msg *Message) bool {
	reply := &Message{
		Header:       Header{Type: MsgQualityReply},
		QualityReply: QualityReply{Pong: msg.QualityReport.Ping},
	}
	p.sendMsg(nowMS, reply)
	p.remoteFrameAdvantage = int(msg.QualityReport.FrameAdvantage)
	return true
}

func (p *Peer) onQualityReply(nowMS int64, msg *Message) bool {
	p.roundTripTime = nowMS - int64(msg.QualityReply.Pong)
	return true
}

func (p *Peer) pumpSendQueue(nowMS int64) {
	for !p.sendQueue.Empty() {
		entry := p.sendQueue.Front()

		if p.sendLatencyMS > 0 {
			jitter := (p.sendLatencyMS*2)/3 + (p.rng.Intn(p.sendLatencyMS))/3
			if nowMS < entry.queueTimeMS+int64(jitter) {
				break
			}
		}
		p.sendQueue.Pop()

		if p.oopPercent > 0 && p.ooPacket == nil && p.rng.Intn(100) < p.oopPercent {
			delay := p.rng.Intn(p.sendLatencyMS*10 + 1000)
			loglevel.Debugf("protocol: creating rogue out-of-order packet (seq:%d delay:%dms)", entry.msg.Header.SequenceNumber, delay)
			entryCopy := entry
			p.ooPacket = &entryCopy
			p.ooSendTimeMS = nowMS + int64(delay)
		} else {
			if err := p.sender.Send(entry.msg); err != nil {
				loglevel.Warnf("protocol: send failed: %v", err)
			}
		}
	}

	if p.ooPacket != nil && p.ooSendTimeMS < nowMS {
		loglevel.Debugf("protocol: sending rogue out-of-order packet")
		if err := p.sender.Send(p.ooPacket.msg); err != nil {
			loglevel.Warnf("protocol: send failed: %v", err)
		}
		p.ooPacket = nil
	}
}
