package engine

import (
	"testing"

	"github.com/ggnet/rollback/gameinput"
)

// fakeGame is a toy deterministic counter: each AdvanceFrame call adds the
// current frame's player-0 input byte to a running total.
type fakeGame struct {
	total      int
	advances   []int
	currentIn  func() byte
	sync       *Sync
}

func (g *fakeGame) SaveGameState() ([]byte, uint32, error) {
	return []byte{byte(g.total)}, uint32(g.total), nil
}

func (g *fakeGame) LoadGameState(buf []byte) error {
	g.total = int(buf[0])
	return nil
}

func (g *fakeGame) FreeBuffer(buf []byte) {}

func (g *fakeGame) AdvanceFrame(flags int) {
	g.total += int(g.currentIn())
	g.advances = append(g.advances, g.total)
	if g.sync != nil {
		g.sync.IncrementFrame()
	}
}

func newTestSync(game *fakeGame, numPlayers int) *Sync {
	statuses := make([]*ConnectStatus, numPlayers)
	for i := range statuses {
		statuses[i] = &ConnectStatus{LastFrame: gameinput.NullFrame}
	}
	return New(Config{
		Callbacks:           game,
		NumPredictionFrames: MaxPredictionFrames,
		NumPlayers:          numPlayers,
		InputSize:           1,
	}, statuses)
}

func TestAddLocalInputStampsFrame(t *testing.T) {
	game := &fakeGame{currentIn: func() byte { return 0 }}
	s := newTestSync(game, 1)

	in := gameinput.New(999, []byte{5}, 1)
	if ok := s.AddLocalInput(0, in); !ok {
		t.Fatalf("expected local input to be accepted")
	}

	confirmed, ok := s.inputQueues[0].ConfirmedInput(0)
	if !ok {
		t.Fatalf("expected input stamped to frame 0")
	}
	if confirmed.Bits[0] != 5 {
		t.Fatalf("expected bits 5, got %d", confirmed.Bits[0])
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	game := &fakeGame{currentIn: func() byte { return 0 }}
	s := newTestSync(game, 1)

	game.total = 42
	s.SaveCurrentFrame()

	// LoadFrame skips the frame that is already current, so move past it
	// before loading it back.
	game.total = 999
	s.IncrementFrame()
	s.LoadFrame(0)

	if game.total != 42 {
		t.Fatalf("expected restored total 42, got %d", game.total)
	}
	if s.FrameCount() != 0 {
		t.Fatalf("expected frame count 0 after load, got %d", s.FrameCount())
	}
}

func TestAdjustSimulationReplaysFrames(t *testing.T) {
	game := &fakeGame{currentIn: func() byte { return 1 }}
	s := newTestSync(game, 1)

	// Simulate three frames advancing normally.
	for i := 0; i < 3; i++ {
		s.callbacks.AdvanceFrame(0)
		s.IncrementFrame()
	}
	if game.total != 3 {
		t.Fatalf("expected total 3 after 3 frames, got %d", game.total)
	}

	// Roll back to frame 1 and replay forward to frame 3 again. During the
	// replay the host re-enters IncrementFrame from AdvanceFrame.
	game.sync = s
	s.AdjustSimulation(1)

	if s.FrameCount() != 3 {
		t.Fatalf("expected frame count restored to 3, got %d", s.FrameCount())
	}
	if s.InRollback() {
		t.Fatalf("expected rollback flag cleared after AdjustSimulation returns")
	}
}

func TestAddLocalInputRejectsAtPredictionBarrier(t *testing.T) {
	game := &fakeGame{currentIn: func() byte { return 1 }}
	s := newTestSync(game, 1)
	s.SetLastConfirmedFrame(0)

	for i := 0; i < MaxPredictionFrames; i++ {
		in := gameinput.New(0, []byte{1}, 1)
		if ok := s.AddLocalInput(0, in); !ok {
			t.Fatalf("expected local input at frame %d to be accepted", i)
		}
		s.IncrementFrame()
	}

	in := gameinput.New(0, []byte{1}, 1)
	if ok := s.AddLocalInput(0, in); ok {
		t.Fatalf("expected 9th local input to be rejected at the prediction barrier")
	}
}

func TestCheckSimulationConsistencyNoMispredictions(t *testing.T) {
	game := &fakeGame{currentIn: func() byte { return 0 }}
	s := newTestSync(game, 1)

	if _, ok := s.checkSimulationConsistency(); !ok {
		t.Fatalf("expected consistency check to pass with no added inputs")
	}
}
