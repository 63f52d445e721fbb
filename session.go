// Package rollback implements a GGPO-style rollback netcode core: an
// input queue with prediction and misprediction detection, a rollback
// simulation engine, a UDP wire protocol with delta-compressed input, a
// time-sync frame-advantage estimator, and the Session façade that drives
// all of it from a single host-owned poll loop.
package rollback

import (
	"fmt"
	"math"
	"math/rand"
	"net"

	"github.com/google/uuid"

	"github.com/ggnet/rollback/engine"
	"github.com/ggnet/rollback/gameinput"
	"github.com/ggnet/rollback/internal/loglevel"
	"github.com/ggnet/rollback/metrics"
	"github.com/ggnet/rollback/protocol"
	"github.com/ggnet/rollback/transport"
)

const (
	recommendationInterval     = 240
	defaultDisconnectTimeoutMS = 5000
	defaultDisconnectNotifyMS  = 750
	maxSpectators              = 16
)

// Session orchestrates a rollback simulation: one engine.Sync, one
// protocol.Peer per remote player or spectator, and the shared UDP
// transport they all send through. There is no separate spectator or
// synctest type — a Session with zero remote peers runs the rollback
// engine purely locally, and AddSpectator attaches a read-only forwarding
// peer to an otherwise ordinary Session.
type Session struct {
	id uuid.UUID

	transport *transport.Transport
	callbacks Callbacks
	rng       *rand.Rand

	numPlayers int
	inputSize  int

	sync *engine.Sync

	engineStatus []*engine.ConnectStatus
	protoStatus  []*protocol.ConnectStatus

	endpoints []*protocol.Peer
	local     []bool

	spectators []*protocol.Peer

	byAddr map[string]*protocol.Peer

	synchronizing           bool
	disconnectTimeoutMS     int64
	disconnectNotifyStartMS int64
	sendLatencyMS           int
	oopPercent              int

	nextSpectatorFrame   int
	nextRecommendedSleep int
}

// New constructs a Session bound to tr, for numPlayers player slots each
// carrying inputSize bytes of input. callbacks.BeginGame is invoked once
// before returning.
func New(tr *transport.Transport, gameName string, numPlayers, inputSize int, callbacks Callbacks, rng *rand.Rand) (*Session, error) {
	if numPlayers <= 0 || numPlayers > protocol.MaxPlayers {
		return nil, fmt.Errorf("rollback: numPlayers must be between 1 and %d, got %d", protocol.MaxPlayers, numPlayers)
	}

	engineStatus := make([]*engine.ConnectStatus, numPlayers)
	protoStatus := make([]*protocol.ConnectStatus, numPlayers)
	for i := range engineStatus {
		engineStatus[i] = &engine.ConnectStatus{LastFrame: gameinput.NullFrame}
		protoStatus[i] = &protocol.ConnectStatus{LastFrame: int32(gameinput.NullFrame)}
	}

	s := &Session{
		id:                      uuid.New(),
		transport:               tr,
		callbacks:               callbacks,
		rng:                     rng,
		numPlayers:              numPlayers,
		inputSize:               inputSize,
		engineStatus:            engineStatus,
		protoStatus:             protoStatus,
		endpoints:               make([]*protocol.Peer, numPlayers),
		local:                   make([]bool, numPlayers),
		byAddr:                  make(map[string]*protocol.Peer),
		synchronizing:           true,
		disconnectTimeoutMS:     defaultDisconnectTimeoutMS,
		disconnectNotifyStartMS: defaultDisconnectNotifyMS,
	}

	s.sync = engine.New(engine.Config{
		Callbacks:           callbacks,
		NumPredictionFrames: engine.MaxPredictionFrames,
		NumPlayers:          numPlayers,
		InputSize:           inputSize,
	}, engineStatus)

	if err := callbacks.BeginGame(gameName); err != nil {
		return nil, fmt.Errorf("rollback: begin game: %w", err)
	}

	return s, nil
}

// ID is a per-session correlation id generated at construction. The
// session's own log lines do not include it.
func (s *Session) ID() uuid.UUID { return s.id }

func (s *Session) uniqueMagic() uint16 {
	m := uint16(s.rng.Uint32() & 0xFFFF)
	if m == 0 {
		m = 1
	}
	return m
}

// AddLocalPlayer marks queue as driven by local input; no wire endpoint is
// created for it.
func (s *Session) AddLocalPlayer(queue int) error {
	if queue < 0 || queue >= s.numPlayers {
		return ErrPlayerOutOfRange
	}
	s.local[queue] = true
	return nil
}

// AddRemotePlayer creates a protocol endpoint for queue at addr and starts
// its handshake. Adding any remote player re-arms synchronizing, matching
// the original's behavior of treating every topology change as a fresh
// sync round.
func (s *Session) AddRemotePlayer(queue int, addr *net.UDPAddr, nowMS int64) (PlayerHandle, error) {
	if queue < 0 || queue >= s.numPlayers {
		return 0, ErrPlayerOutOfRange
	}

	s.synchronizing = true

	peer := protocol.New(queue, s.uniqueMagic(), s.inputSize, s.protoStatus, s.transport.Bind(addr), s.rng)
	peer.SetDisconnectTimeout(int(s.disconnectTimeoutMS))
	peer.SetDisconnectNotifyStart(int(s.disconnectNotifyStartMS))
	peer.SetSendLatency(s.sendLatencyMS)
	peer.SetOutOfOrderPercent(s.oopPercent)

	s.endpoints[queue] = peer
	s.byAddr[addr.String()] = peer
	peer.Synchronize(nowMS)

	return queueToPlayerHandle(queue), nil
}

// AddSpectator attaches a read-only forwarding peer that receives
// confirmed input as it becomes available. Only valid before the session
// finishes its initial synchronization.
func (s *Session) AddSpectator(addr *net.UDPAddr, nowMS int64) (PlayerHandle, error) {
	if len(s.spectators) >= maxSpectators {
		return 0, ErrTooManySpectators
	}
	if !s.synchronizing {
		return 0, ErrInvalidRequest
	}

	queue := spectatorHandleBase + len(s.spectators)
	peer := protocol.New(queue, s.uniqueMagic(), s.inputSize, s.protoStatus, s.transport.Bind(addr), s.rng)
	peer.SetDisconnectTimeout(int(s.disconnectTimeoutMS))
	peer.SetDisconnectNotifyStart(int(s.disconnectNotifyStartMS))
	peer.SetSendLatency(s.sendLatencyMS)
	peer.SetOutOfOrderPercent(s.oopPercent)

	s.spectators = append(s.spectators, peer)
	s.byAddr[addr.String()] = peer
	peer.Synchronize(nowMS)

	return PlayerHandle(queue + 1), nil
}

// Dispatch routes an inbound decoded packet to the peer bound to its
// source address. Wire it up as the callback passed to
// transport.Transport.ReadLoop.
func (s *Session) Dispatch(addr *net.UDPAddr, msg *protocol.Message, nowMS int64) {
	peer, ok := s.byAddr[addr.String()]
	if !ok {
		loglevel.Debugf("rollback: dropping packet from unknown address %s", addr)
		return
	}
	peer.OnMsg(nowMS, msg)
}

// SetDisconnectTimeout applies to every endpoint and spectator, present and
// future.
func (s *Session) SetDisconnectTimeout(ms int) {
	s.disconnectTimeoutMS = int64(ms)
	for _, ep := range s.allPeers() {
		ep.SetDisconnectTimeout(ms)
	}
}

// SetDisconnectNotifyStart applies to every endpoint and spectator, present
// and future.
func (s *Session) SetDisconnectNotifyStart(ms int) {
	s.disconnectNotifyStartMS = int64(ms)
	for _, ep := range s.allPeers() {
		ep.SetDisconnectNotifyStart(ms)
	}
}

// SetSendLatency configures simulated per-packet send latency (plus
// jitter) on every endpoint and spectator, present and future — a testing
// knob for exercising rollback under lag, not real traffic shaping.
func (s *Session) SetSendLatency(ms int) {
	s.sendLatencyMS = ms
	for _, ep := range s.allPeers() {
		ep.SetSendLatency(ms)
	}
}

// SetOutOfOrderPercent configures what percentage of packets get rerouted
// through a single delayed slot on every endpoint and spectator, present
// and future, to exercise reorder tolerance.
func (s *Session) SetOutOfOrderPercent(pct int) {
	s.oopPercent = pct
	for _, ep := range s.allPeers() {
		ep.SetOutOfOrderPercent(pct)
	}
}

// SetFrameDelay sets the input delay applied to handle's queue.
func (s *Session) SetFrameDelay(handle PlayerHandle, delay int) error {
	queue, err := s.playerHandleToQueue(handle)
	if err != nil {
		return err
	}
	s.sync.SetFrameDelay(queue, delay)
	return nil
}

// GetNetworkStats reports handle's current connection health.
func (s *Session) GetNetworkStats(handle PlayerHandle) (protocol.NetworkStats, error) {
	queue, err := s.playerHandleToQueue(handle)
	if err != nil {
		return protocol.NetworkStats{}, err
	}
	if s.endpoints[queue] == nil {
		return protocol.NetworkStats{}, ErrInvalidPlayerHandle
	}
	return s.endpoints[queue].NetworkStats(), nil
}

// AddLocalInput feeds this tick's input for handle into the rollback
// engine and forwards it to every remote endpoint.
func (s *Session) AddLocalInput(handle PlayerHandle, bits []byte, nowMS int64) error {
	if s.sync.InRollback() {
		return ErrInRollback
	}
	if s.synchronizing {
		return ErrNotSynchronized
	}

	queue, err := s.playerHandleToQueue(handle)
	if err != nil {
		return err
	}
	if !s.local[queue] {
		return ErrInvalidRequest
	}

	input := gameinput.New(gameinput.NullFrame, bits, s.inputSize)
	if !s.sync.AddLocalInput(queue, input) {
		return ErrPredictionThreshold
	}

	frame := s.sync.FrameCount()
	input.Frame = frame

	s.engineStatus[queue].LastFrame = frame
	s.protoStatus[queue].LastFrame = int32(frame)

	for _, ep := range s.endpoints {
		if ep != nil {
			ep.SendInput(nowMS, input)
		}
	}
	return nil
}

// SynchronizeInput packs this tick's input (confirmed or predicted) for
// every player into one buffer, for the host to hand to its simulation.
func (s *Session) SynchronizeInput() (values []byte, disconnectFlags int, err error) {
	if s.synchronizing {
		return nil, 0, ErrNotSynchronized
	}
	values, disconnectFlags = s.sync.SynchronizeInputs()
	return values, disconnectFlags, nil
}

// IncrementFrame advances the simulation frame counter, checkpoints it,
// and runs one poll pass.
func (s *Session) IncrementFrame(nowMS int64) {
	s.sync.IncrementFrame()
	s.DoPoll(nowMS, 0)
	s.pollSyncEvents()
}

// DoPoll pumps every peer's periodic timers, drains their events, checks
// for mispredictions, and recomputes the confirmed frame. The host calls
// this once per tick (IncrementFrame does so automatically) and may also
// call it between ticks while idle, e.g. while still synchronizing.
func (s *Session) DoPoll(nowMS int64, timeoutMS int) {
	if s.sync.InRollback() {
		return
	}

	for _, ep := range s.endpoints {
		if ep != nil {
			ep.OnLoopPoll(nowMS)
		}
	}
	for _, sp := range s.spectators {
		sp.OnLoopPoll(nowMS)
	}

	s.pollProtocolEvents(nowMS)

	running := 0
	for _, ep := range s.endpoints {
		if ep != nil && ep.IsRunning() {
			running++
		}
	}
	metrics.SetActivePeers(running)

	s.checkInitialSync()
	if s.synchronizing {
		return
	}

	s.sync.CheckSimulation()

	currentFrame := s.sync.FrameCount()
	for _, ep := range s.endpoints {
		if ep != nil {
			ep.SetLocalFrameNumber(currentFrame)
		}
	}

	totalMinConfirmed := s.pollConfirmedFrame(nowMS)
	if totalMinConfirmed != math.MaxInt32 {
		for len(s.spectators) > 0 && s.nextSpectatorFrame <= totalMinConfirmed {
			values, _ := s.sync.GetConfirmedInputs(s.nextSpectatorFrame)
			in := gameinput.New(s.nextSpectatorFrame, values, s.inputSize*s.numPlayers)
			for _, sp := range s.spectators {
				sp.SendInput(nowMS, in)
			}
			s.nextSpectatorFrame++
		}
		s.sync.SetLastConfirmedFrame(totalMinConfirmed)
	}

	if currentFrame > s.nextRecommendedSleep {
		interval := 0
		for _, ep := range s.endpoints {
			if ep == nil {
				continue
			}
			if d := ep.RecommendFrameDelay(); d > interval {
				interval = d
			}
		}
		if interval > 0 {
			s.callbacks.OnEvent(Event{Code: EventTimeSync, FramesAhead: interval})
			s.nextRecommendedSleep = currentFrame + recommendationInterval
		}
	}
}

// pollConfirmedFrame computes the confirmed frame every still-connected
// player's queue has caught up to. Both the original 2-player and
// N-player reductions collapse to this single consensus algorithm here,
// per the resolved confirmed-frame reduction open question: the N-player path's
// cross-peer consensus check is the correct behavior regardless of player
// count.
func (s *Session) pollConfirmedFrame(nowMS int64) int {
	totalMinConfirmed := math.MaxInt32

	for queue := 0; queue < s.numPlayers; queue++ {
		queueConnected := true
		queueMinConfirmed := math.MaxInt32

		for i := 0; i < s.numPlayers; i++ {
			ep := s.endpoints[i]
			if ep == nil || !ep.IsRunning() {
				continue
			}
			connected, lastReceived := ep.GetPeerConnectStatus(queue)
			queueConnected = queueConnected && connected
			if lastReceived < queueMinConfirmed {
				queueMinConfirmed = lastReceived
			}
		}

		if !s.engineStatus[queue].Disconnected {
			if s.engineStatus[queue].LastFrame < queueMinConfirmed {
				queueMinConfirmed = s.engineStatus[queue].LastFrame
			}
		}

		if queueConnected {
			if queueMinConfirmed < totalMinConfirmed {
				totalMinConfirmed = queueMinConfirmed
			}
			continue
		}

		if !s.engineStatus[queue].Disconnected || s.engineStatus[queue].LastFrame > queueMinConfirmed {
			s.disconnectPlayerQueue(queue, queueMinConfirmed, nowMS)
		}
	}

	return totalMinConfirmed
}

func (s *Session) pollSyncEvents() {
	for {
		ev, ok := s.sync.PollEvent()
		if !ok {
			return
		}
		switch ev.Code {
		case engine.EventConfirmedInput:
			// no host-visible event; the host observes confirmed input via
			// SynchronizeInput instead.
		}
	}
}

func (s *Session) pollProtocolEvents(nowMS int64) {
	for queue, ep := range s.endpoints {
		if ep == nil {
			continue
		}
		for {
			ev, ok := ep.PollEvent()
			if !ok {
				break
			}
			s.handlePeerEvent(queue, queueToPlayerHandle(queue), ev, nowMS, false)
		}
	}
	for i, sp := range s.spectators {
		for {
			ev, ok := sp.PollEvent()
			if !ok {
				break
			}
			s.handlePeerEvent(-1, PlayerHandle(spectatorHandleBase+i+1), ev, nowMS, true)
		}
	}
}

func (s *Session) handlePeerEvent(queue int, handle PlayerHandle, ev protocol.Event, nowMS int64, isSpectator bool) {
	switch ev.Type {
	case protocol.EventConnected:
		s.callbacks.OnEvent(Event{Code: EventConnectedToPeer, Player: handle})

	case protocol.EventSynchronizing:
		s.callbacks.OnEvent(Event{Code: EventSynchronizingWithPeer, Player: handle, Count: ev.Count, Total: ev.Total})

	case protocol.EventSynchronized:
		s.callbacks.OnEvent(Event{Code: EventSynchronizedWithPeer, Player: handle})
		s.checkInitialSync()

	case protocol.EventInput:
		if isSpectator {
			break
		}
		if s.engineStatus[queue].Disconnected {
			break
		}
		currentRemoteFrame := s.engineStatus[queue].LastFrame
		newRemoteFrame := ev.Input.Frame
		if !(currentRemoteFrame == gameinput.NullFrame || newRemoteFrame == currentRemoteFrame+1) {
			panic(fmt.Sprintf("rollback: non-contiguous remote input for queue %d: %d -> %d", queue, currentRemoteFrame, newRemoteFrame))
		}
		s.sync.AddRemoteInput(queue, ev.Input)
		s.engineStatus[queue].LastFrame = newRemoteFrame
		s.protoStatus[queue].LastFrame = int32(newRemoteFrame)

	case protocol.EventDisconnected:
		if isSpectator {
			s.spectators[handle-spectatorHandleBase-1].Disconnect(nowMS)
			metrics.IncDisconnects()
			s.callbacks.OnEvent(Event{Code: EventDisconnectedFromPeer, Player: handle})
			break
		}
		s.disconnectPlayerQueue(queue, s.engineStatus[queue].LastFrame, nowMS)

	case protocol.EventNetworkInterrupted:
		s.callbacks.OnEvent(Event{Code: EventConnectionInterrupted, Player: handle, DisconnectTimeout: ev.DisconnectTimeout})

	case protocol.EventNetworkResumed:
		s.callbacks.OnEvent(Event{Code: EventConnectionResumed, Player: handle})
	}
}

// DisconnectPlayer disconnects handle. Disconnecting an uninitialized
// (local) slot cascades: every remote endpoint is disconnected at the
// current frame instead, since there is no single remote queue to target.
func (s *Session) DisconnectPlayer(handle PlayerHandle, nowMS int64) error {
	queue, err := s.playerHandleToQueue(handle)
	if err != nil {
		return err
	}
	if s.engineStatus[queue].Disconnected {
		return ErrPlayerDisconnected
	}

	if s.endpoints[queue] == nil {
		currentFrame := s.sync.FrameCount()
		for i, ep := range s.endpoints {
			if ep != nil {
				s.disconnectPlayerQueue(i, currentFrame, nowMS)
			}
		}
		return nil
	}

	s.disconnectPlayerQueue(queue, s.engineStatus[queue].LastFrame, nowMS)
	return nil
}

func (s *Session) disconnectPlayerQueue(queue, syncTo int, nowMS int64) {
	if s.endpoints[queue] != nil {
		s.endpoints[queue].Disconnect(nowMS)
	}
	metrics.IncDisconnects()

	frameCount := s.sync.FrameCount()
	loglevel.Infof("rollback: disconnecting queue %d at frame %d (current frame %d)", queue, syncTo, frameCount)

	s.engineStatus[queue].Disconnected = true
	s.engineStatus[queue].LastFrame = syncTo
	s.protoStatus[queue].Disconnected = true
	s.protoStatus[queue].LastFrame = int32(syncTo)

	if syncTo < frameCount {
		s.sync.AdjustSimulation(syncTo)
	}

	s.callbacks.OnEvent(Event{Code: EventDisconnectedFromPeer, Player: queueToPlayerHandle(queue)})
	s.checkInitialSync()
}

func (s *Session) checkInitialSync() {
	if !s.synchronizing {
		return
	}
	for i, ep := range s.endpoints {
		if ep != nil && !ep.IsSynchronized() && !s.engineStatus[i].Disconnected {
			return
		}
	}
	for _, sp := range s.spectators {
		if !sp.IsSynchronized() {
			return
		}
	}
	s.callbacks.OnEvent(Event{Code: EventRunning})
	s.synchronizing = false
}

// Close releases the session's transport.
func (s *Session) Close() error {
	return s.transport.Close()
}

func (s *Session) allPeers() []*protocol.Peer {
	peers := make([]*protocol.Peer, 0, len(s.endpoints)+len(s.spectators))
	for _, ep := range s.endpoints {
		if ep != nil {
			peers = append(peers, ep)
		}
	}
	peers = append(peers, s.spectators...)
	return peers
}

func (s *Session) playerHandleToQueue(handle PlayerHandle) (int, error) {
	offset := int(handle) - 1
	if offset < 0 || offset >= s.numPlayers {
		return 0, ErrInvalidPlayerHandle
	}
	return offset, nil
}

func queueToPlayerHandle(queue int) PlayerHandle { return PlayerHandle(queue + 1) }
