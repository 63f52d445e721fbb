package inputqueue

import (
	"testing"

	"github.com/ggnet/rollback/gameinput"
)

func mkInput(frame int, b byte) gameinput.Input {
	return gameinput.New(frame, []byte{b}, 1)
}

func TestAddAndConfirmedInput(t *testing.T) {
	q := New(0, 1)

	for i := 0; i < 5; i++ {
		q.AddInput(mkInput(i, byte(i)))
	}

	in, ok := q.ConfirmedInput(3)
	if !ok {
		t.Fatalf("expected confirmed input at frame 3")
	}
	if in.Bits[0] != 3 {
		t.Fatalf("expected bits 3, got %d", in.Bits[0])
	}
}

func TestInputReturnsPredictionBeyondQueue(t *testing.T) {
	q := New(0, 1)
	q.AddInput(mkInput(0, 7))

	in, confirmed := q.Input(1)
	if confirmed {
		t.Fatalf("expected a prediction, not a confirmed input")
	}
	if in.Frame != 1 {
		t.Fatalf("expected prediction frame 1, got %d", in.Frame)
	}
	if in.Bits[0] != 7 {
		t.Fatalf("expected prediction to repeat last input, got %d", in.Bits[0])
	}
}

func TestInputReturnsConfirmedWithinQueue(t *testing.T) {
	q := New(0, 1)
	q.AddInput(mkInput(0, 1))
	q.AddInput(mkInput(1, 2))

	in, confirmed := q.Input(1)
	if !confirmed {
		t.Fatalf("expected confirmed input at frame 1")
	}
	if in.Bits[0] != 2 {
		t.Fatalf("expected bits 2, got %d", in.Bits[0])
	}
}

func TestMispredictionSetsFirstIncorrectFrame(t *testing.T) {
	q := New(0, 1)
	q.AddInput(mkInput(0, 1))

	// Predict frame 1 will repeat frame 0's bits.
	if _, confirmed := q.Input(1); confirmed {
		t.Fatalf("expected a prediction")
	}

	// Actual frame 1 differs from the prediction.
	q.AddInput(mkInput(1, 9))

	if q.FirstIncorrectFrame() != 1 {
		t.Fatalf("expected first incorrect frame 1, got %d", q.FirstIncorrectFrame())
	}
}

func TestCorrectPredictionExitsPredictionMode(t *testing.T) {
	q := New(0, 1)
	q.AddInput(mkInput(0, 5))

	if _, confirmed := q.Input(1); confirmed {
		t.Fatalf("expected a prediction")
	}

	q.AddInput(mkInput(1, 5))

	if q.FirstIncorrectFrame() != gameinput.NullFrame {
		t.Fatalf("expected no incorrect frame, got %d", q.FirstIncorrectFrame())
	}
}

func TestFrameDelayPadsQueue(t *testing.T) {
	q := New(0, 1)
	q.SetFrameDelay(2)

	stored := q.AddInput(mkInput(0, 1))
	if stored != 2 {
		t.Fatalf("expected delayed frame 2, got %d", stored)
	}

	in, ok := q.ConfirmedInput(0)
	if !ok {
		t.Fatalf("expected padding to backfill frame 0")
	}
	if in.Bits[0] != 0 {
		t.Fatalf("expected padding frame to repeat the (empty) prior input, got %d", in.Bits[0])
	}
}

func TestDiscardConfirmedFrames(t *testing.T) {
	q := New(0, 1)
	for i := 0; i < 5; i++ {
		q.AddInput(mkInput(i, byte(i)))
	}

	q.DiscardConfirmedFrames(2)

	if _, ok := q.ConfirmedInput(1); ok {
		t.Fatalf("expected frame 1 to be discarded")
	}
	if _, ok := q.ConfirmedInput(3); !ok {
		t.Fatalf("expected frame 3 to survive discard")
	}
}

func TestResetPrediction(t *testing.T) {
	q := New(0, 1)
	q.AddInput(mkInput(0, 1))
	q.Input(1)

	q.ResetPrediction(0)

	if q.FirstIncorrectFrame() != gameinput.NullFrame {
		t.Fatalf("expected reset to clear incorrect frame")
	}
}
