// Package engine implements the rollback simulation core: it buffers local
// and remote input per player, detects mispredictions, and replays frames
// from the last good checkpoint when a misprediction is found.
package engine

import (
	"fmt"

	"github.com/ggnet/rollback/gameinput"
	"github.com/ggnet/rollback/inputqueue"
	"github.com/ggnet/rollback/internal/loglevel"
	"github.com/ggnet/rollback/internal/ringbuf"
	"github.com/ggnet/rollback/metrics"
)

// MaxPredictionFrames bounds how far the simulation may run ahead of the
// last confirmed frame before local input is rejected.
const MaxPredictionFrames = 8

// savedStateCount is MaxPredictionFrames plus headroom for the frame
// currently mid-rollback and the one about to be saved.
const savedStateCount = MaxPredictionFrames + 2

// Callbacks is the host simulation's hook into the rollback engine. Its
// methods are a subset of the root package's Callbacks, so any type
// satisfying that interface also satisfies this one; engine never imports
// the root package.
type Callbacks interface {
	SaveGameState() (buf []byte, checksum uint32, err error)
	LoadGameState(buf []byte) error
	FreeBuffer(buf []byte)
	AdvanceFrame(flags int)
}

// ConnectStatus is a shared view of a player slot's connectivity, keyed by
// player index; Sync only reads it.
type ConnectStatus struct {
	Disconnected bool
	LastFrame    int
}

// EventCode identifies a Sync-level event.
type EventCode int

const (
	// EventConfirmedInput identifies a confirmed-input event. Sync never
	// queues one, so PollEvent always reports no event.
	EventConfirmedInput EventCode = iota
)

// Event is emitted by Sync for the host to drain via PollEvent.
type Event struct {
	Code  EventCode
	Input gameinput.Input
}

type savedFrame struct {
	buf      []byte
	frame    int
	checksum uint32
}

type savedState struct {
	frames [savedStateCount]savedFrame
	head   int
}

// Config configures a Sync engine.
type Config struct {
	Callbacks           Callbacks
	NumPredictionFrames int
	NumPlayers          int
	InputSize           int
}

// Sync is the rollback simulation engine: one per Session, shared by every
// player queue.
type Sync struct {
	callbacks  Callbacks
	config     Config
	savedstate savedState

	rollingBack         bool
	lastConfirmedFrame  int
	frameCount          int
	maxPredictionFrames int

	inputQueues []*inputqueue.Queue

	eventQueue     *ringbuf.Ring[Event]
	connectStatus []*ConnectStatus
}

// New creates a Sync engine. connectStatus must have one entry per player
// and is shared (not copied) with the caller, since the caller keeps
// updating it as peers connect/disconnect.
func New(config Config, connectStatus []*ConnectStatus) *Sync {
	s := &Sync{
		callbacks:           config.Callbacks,
		config:              config,
		lastConfirmedFrame:  gameinput.NullFrame,
		maxPredictionFrames: config.NumPredictionFrames,
		eventQueue:          ringbuf.New[Event](32),
		connectStatus:       connectStatus,
	}

	s.inputQueues = make([]*inputqueue.Queue, config.NumPlayers)
	for i := range s.inputQueues {
		s.inputQueues[i] = inputqueue.New(i, config.InputSize)
	}

	return s
}

// SetLastConfirmedFrame records the latest frame known confirmed on every
// queue and discards history up to it.
func (s *Sync) SetLastConfirmedFrame(frame int) {
	s.lastConfirmedFrame = frame
	if s.lastConfirmedFrame > 0 {
		for _, q := range s.inputQueues {
			q.DiscardConfirmedFrames(frame - 1)
		}
	}
}

// SetFrameDelay sets the configured input delay for one player's queue.
func (s *Sync) SetFrameDelay(queue, delay int) {
	s.inputQueues[queue].SetFrameDelay(delay)
}

// FrameCount returns the current simulation frame.
func (s *Sync) FrameCount() int { return s.frameCount }

// InRollback reports whether a rollback replay is currently in progress.
func (s *Sync) InRollback() bool { return s.rollingBack }

// AddLocalInput stamps input with the current frame and queues it for
// player queue. Returns false if the prediction barrier has been reached
// and the input was rejected.
func (s *Sync) AddLocalInput(queue int, input gameinput.Input) bool {
	framesBehind := s.frameCount - s.lastConfirmedFrame
	if s.frameCount >= s.maxPredictionFrames && framesBehind >= s.maxPredictionFrames {
		loglevel.Debugf("engine: rejecting input, reached prediction barrier")
		return false
	}

	if s.frameCount == 0 {
		s.SaveCurrentFrame()
	}

	input.Frame = s.frameCount
	s.inputQueues[queue].AddInput(input)

	return true
}

// AddRemoteInput queues a peer-delivered input for player queue.
func (s *Sync) AddRemoteInput(queue int, input gameinput.Input) {
	s.inputQueues[queue].AddInput(input)
}

// GetConfirmedInputs packs the confirmed input for every player at frame
// into a single buffer (size*NumPlayers bytes), returning a disconnect
// bitmask for disconnected players whose last known frame precedes it.
func (s *Sync) GetConfirmedInputs(frame int) (values []byte, disconnectFlags int) {
	size := s.config.InputSize
	values = make([]byte, size*s.config.NumPlayers)

	for i, cs := range s.connectStatus {
		var in gameinput.Input
		if cs.Disconnected && frame > cs.LastFrame {
			disconnectFlags |= 1 << uint(i)
			in = gameinput.New(gameinput.NullFrame, nil, size)
		} else {
			confirmed, ok := s.inputQueues[i].ConfirmedInput(frame)
			if ok {
				in = confirmed
			} else {
				in = gameinput.New(gameinput.NullFrame, nil, size)
			}
		}
		copy(values[i*size:(i+1)*size], in.Bits[:size])
	}

	return values, disconnectFlags
}

// SynchronizeInputs packs this frame's input (confirmed or predicted) for
// every player, returning a disconnect bitmask as in GetConfirmedInputs.
func (s *Sync) SynchronizeInputs() (values []byte, disconnectFlags int) {
	size := s.config.InputSize
	values = make([]byte, size*s.config.NumPlayers)

	for i, cs := range s.connectStatus {
		var in gameinput.Input
		if cs.Disconnected && s.frameCount > cs.LastFrame {
			disconnectFlags |= 1 << uint(i)
			in = gameinput.New(gameinput.NullFrame, nil, size)
		} else {
			in, _ = s.inputQueues[i].Input(s.frameCount)
		}
		copy(values[i*size:(i+1)*size], in.Bits[:size])
	}

	return values, disconnectFlags
}

// CheckSimulation detects the earliest mispredicted frame across every
// player queue and, if one exists, rolls back and replays up to the
// present.
func (s *Sync) CheckSimulation() {
	if seekTo, ok := s.checkSimulationConsistency(); !ok {
		s.AdjustSimulation(seekTo)
	}
}

// AdjustSimulation rolls the simulation back to seekTo and re-advances it
// frame by frame up to the frame it was at before the call.
func (s *Sync) AdjustSimulation(seekTo int) {
	frameCount := s.frameCount
	count := s.frameCount - seekTo

	loglevel.Debugf("engine: catching up, rolling back %d frames", count)
	metrics.IncRollbackFrames(count)
	s.rollingBack = true

	s.LoadFrame(seekTo)
	if s.frameCount != seekTo {
		panic(fmt.Sprintf("engine: load landed on frame %d, expected %d", s.frameCount, seekTo))
	}

	s.resetPrediction(s.frameCount)
	for i := 0; i < count; i++ {
		s.callbacks.AdvanceFrame(0)
	}
	if s.frameCount != frameCount {
		panic(fmt.Sprintf("engine: replay ended on frame %d, expected %d", s.frameCount, frameCount))
	}

	s.rollingBack = false
}

// IncrementFrame advances the frame counter and checkpoints the new frame.
func (s *Sync) IncrementFrame() {
	s.frameCount++
	s.SaveCurrentFrame()
}

// PollEvent pops the next queued event, if any.
func (s *Sync) PollEvent() (Event, bool) {
	if s.eventQueue.Empty() {
		return Event{}, false
	}
	return s.eventQueue.Pop(), true
}

// SaveCurrentFrame checkpoints the current frame into the saved-state ring,
// evicting the oldest slot.
func (s *Sync) SaveCurrentFrame() {
	state := &s.savedstate.frames[s.savedstate.head]
	if state.buf != nil {
		s.callbacks.FreeBuffer(state.buf)
		state.buf = nil
	}

	state.frame = s.frameCount

	buf, checksum, err := s.callbacks.SaveGameState()
	if err != nil {
		panic(fmt.Errorf("engine: save game state: %w", err))
	}
	state.buf = buf
	state.checksum = checksum

	loglevel.Debugf("engine: saved frame %d (size:%d checksum:%08x)", state.frame, len(state.buf), state.checksum)
	s.savedstate.head = (s.savedstate.head + 1) % savedStateCount
}

// LoadFrame restores the simulation to the checkpoint for frame, leaving
// the saved-state head positioned as if that frame had just finished
// executing. When frame is already the current frame it does nothing: no
// state is loaded and the head is not moved.
func (s *Sync) LoadFrame(frame int) {
	if frame == s.frameCount {
		return
	}

	idx, ok := s.findSavedFrameIndex(frame)
	if !ok {
		panic(fmt.Sprintf("engine: no saved state for frame %d", frame))
	}
	s.savedstate.head = idx
	state := &s.savedstate.frames[s.savedstate.head]

	loglevel.Debugf("engine: loading frame %d (size:%d checksum:%08x)", state.frame, len(state.buf), state.checksum)
	if state.buf == nil {
		panic("engine: empty saved state buffer")
	}
	if err := s.callbacks.LoadGameState(state.buf); err != nil {
		panic(fmt.Errorf("engine: load game state: %w", err))
	}

	s.frameCount = state.frame
	s.savedstate.head = (s.savedstate.head + 1) % savedStateCount
}

func (s *Sync) findSavedFrameIndex(frame int) (int, bool) {
	for i := range s.savedstate.frames {
		if s.savedstate.frames[i].frame == frame {
			return i, true
		}
	}
	return 0, false
}

func (s *Sync) checkSimulationConsistency() (seekTo int, ok bool) {
	firstIncorrect := gameinput.NullFrame
	for _, q := range s.inputQueues {
		incorrect := q.FirstIncorrectFrame()
		if incorrect != gameinput.NullFrame && (firstIncorrect == gameinput.NullFrame || incorrect < firstIncorrect) {
			firstIncorrect = incorrect
		}
	}

	if firstIncorrect == gameinput.NullFrame {
		return 0, true
	}
	metrics.IncMispredictions()
	return firstIncorrect, false
}

func (s *Sync) resetPrediction(frame int) {
	for _, q := range s.inputQueues {
		q.ResetPrediction(frame)
	}
}
