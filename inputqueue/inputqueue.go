// Package inputqueue tracks one player's input history, serving confirmed
// frames when they're available and a predicted repeat of the last known
// input otherwise.
package inputqueue

import (
	"github.com/ggnet/rollback/gameinput"
	"github.com/ggnet/rollback/internal/loglevel"
)

// Length is the capacity of the circular input history.
const Length = 128

func previousFrame(offset int) int {
	if offset == 0 {
		return Length - 1
	}
	return offset - 1
}

// Queue is a per-player circular buffer of inputs with frame-delay and
// prediction support.
type Queue struct {
	id    int
	head  int
	tail  int
	len   int

	firstFrame          bool
	frameDelay          int
	lastUserAddedFrame  int
	firstIncorrectFrame int
	lastFrameRequested  int
	lastAddedFrame      int

	prediction gameinput.Input
	inputs     [Length]gameinput.Input
}

// New creates a Queue for the given player id and per-input byte size.
func New(id int, inputSize int) *Queue {
	q := &Queue{
		id:                  id,
		firstFrame:          true,
		lastUserAddedFrame:  gameinput.NullFrame,
		firstIncorrectFrame: gameinput.NullFrame,
		lastFrameRequested:  gameinput.NullFrame,
		lastAddedFrame:      gameinput.NullFrame,
		prediction:          gameinput.New(gameinput.NullFrame, nil, inputSize),
	}
	for i := range q.inputs {
		q.inputs[i] = gameinput.New(0, nil, inputSize)
	}
	return q
}

// SetFrameDelay sets the number of frames by which added input is delayed.
func (q *Queue) SetFrameDelay(delay int) {
	q.frameDelay = delay
}

// LastConfirmedFrame returns the most recently added (confirmed) frame number.
func (q *Queue) LastConfirmedFrame() int {
	loglevel.Debugf("input q%d: returning last confirmed frame %d", q.id, q.lastAddedFrame)
	return q.lastAddedFrame
}

// FirstIncorrectFrame returns the earliest frame whose confirmed input
// diverged from its prediction, or gameinput.NullFrame if none has.
func (q *Queue) FirstIncorrectFrame() int {
	return q.firstIncorrectFrame
}

// DiscardConfirmedFrames drops all history up to and including frame,
// clamped to never discard a frame later than the last one requested via
// Input.
func (q *Queue) DiscardConfirmedFrames(frame int) {
	if frame < 0 {
		panic("inputqueue: negative frame")
	}
	if q.lastFrameRequested != gameinput.NullFrame {
		frame = min(frame, q.lastFrameRequested)
	}

	if frame >= q.lastAddedFrame {
		q.tail = q.head
		q.len = 0
		return
	}

	offset := frame - q.inputs[q.tail].Frame + 1
	if offset < 0 {
		panic("inputqueue: negative discard offset")
	}

	q.tail = (q.tail + offset) % Length
	q.len -= offset
	if q.len < 0 {
		panic("inputqueue: negative length after discard")
	}
}

// ResetPrediction clears the prediction state back to frame, which must not
// be past any already-known incorrect frame.
func (q *Queue) ResetPrediction(frame int) {
	if q.firstIncorrectFrame != gameinput.NullFrame && frame > q.firstIncorrectFrame {
		panic("inputqueue: cannot reset prediction past first incorrect frame")
	}

	loglevel.Debugf("input q%d: resetting all prediction errors back to frame %d", q.id, frame)
	q.prediction.Frame = gameinput.NullFrame
	q.firstIncorrectFrame = gameinput.NullFrame
	q.lastFrameRequested = gameinput.NullFrame
}

// ConfirmedInput returns the confirmed (non-predicted) input for
// requestedFrame, if it is still in the history.
func (q *Queue) ConfirmedInput(requestedFrame int) (gameinput.Input, bool) {
	if q.len == 0 || requestedFrame < q.inputs[q.tail].Frame {
		return gameinput.Input{}, false
	}
	offset := requestedFrame % Length
	if q.inputs[offset].Frame != requestedFrame {
		return gameinput.Input{}, false
	}
	return q.inputs[offset], true
}

// Input returns the input for requestedFrame: a confirmed value when one is
// queued, otherwise a prediction. The bool result reports whether the value
// returned is confirmed (true) or predicted (false).
func (q *Queue) Input(requestedFrame int) (gameinput.Input, bool) {
	loglevel.Debugf("input q%d: requesting input frame %d", q.id, requestedFrame)

	if q.firstIncorrectFrame != gameinput.NullFrame {
		panic("inputqueue: Input called while in a mispredicted state")
	}

	q.lastFrameRequested = requestedFrame

	if requestedFrame < q.inputs[q.tail].Frame {
		panic("inputqueue: requested frame older than queue tail")
	}

	if q.prediction.Frame == gameinput.NullFrame {
		offset := requestedFrame - q.inputs[q.tail].Frame

		if offset < q.len {
			offset = (offset + q.tail) % Length
			return q.inputs[offset], true
		}

		switch {
		case requestedFrame == 0:
			q.prediction.Erase()
		case q.lastAddedFrame == gameinput.NullFrame:
			q.prediction.Erase()
		default:
			q.prediction = q.inputs[previousFrame(q.head)]
		}
		q.prediction.Frame++
	}

	out := q.prediction
	out.Frame = requestedFrame
	return out, false
}

// AddInput records a user-supplied input, applying the configured frame
// delay. The stored frame number (or gameinput.NullFrame if it was dropped)
// is returned.
func (q *Queue) AddInput(input gameinput.Input) int {
	if q.lastUserAddedFrame != gameinput.NullFrame && input.Frame != q.lastUserAddedFrame+1 {
		panic("inputqueue: inputs must be added sequentially")
	}
	q.lastUserAddedFrame = input.Frame

	newFrame := q.advanceQueueHead(input.Frame)
	if newFrame != gameinput.NullFrame {
		q.addDelayedInputToQueue(input, newFrame)
	}

	return newFrame
}

func (q *Queue) addDelayedInputToQueue(input gameinput.Input, frameNumber int) {
	if input.Size != q.prediction.Size {
		panic("inputqueue: input size mismatch")
	}
	if q.lastAddedFrame != gameinput.NullFrame && frameNumber != q.lastAddedFrame+1 {
		panic("inputqueue: non-contiguous frame added")
	}
	if frameNumber != 0 && q.inputs[previousFrame(q.head)].Frame != frameNumber-1 {
		panic("inputqueue: frame does not follow queue head")
	}

	q.inputs[q.head] = input
	q.inputs[q.head].Frame = frameNumber
	q.head = (q.head + 1) % Length
	q.len++
	q.firstFrame = false
	q.lastAddedFrame = frameNumber

	if q.prediction.Frame != gameinput.NullFrame {
		if frameNumber != q.prediction.Frame {
			panic("inputqueue: predicted frame mismatch")
		}

		if q.firstIncorrectFrame == gameinput.NullFrame && !gameinput.Equal(q.prediction, input, true) {
			loglevel.Debugf("input q%d: frame %d does not match prediction, marking error", q.id, frameNumber)
			q.firstIncorrectFrame = frameNumber
		}

		if q.prediction.Frame == q.lastFrameRequested && q.firstIncorrectFrame == gameinput.NullFrame {
			q.prediction.Frame = gameinput.NullFrame
		} else {
			q.prediction.Frame++
		}
	}

	if q.len > Length {
		panic("inputqueue: overflowed capacity")
	}
}

func (q *Queue) advanceQueueHead(frame int) int {
	expectedFrame := 0
	if !q.firstFrame {
		expectedFrame = q.inputs[previousFrame(q.head)].Frame + 1
	}

	frame += q.frameDelay

	if expectedFrame > frame {
		loglevel.Debugf("input q%d: dropping input frame %d (expected next frame to be %d)", q.id, frame, expectedFrame)
		return gameinput.NullFrame
	}

	for expectedFrame < frame {
		loglevel.Debugf("input q%d: adding padding frame %d to account for change in frame delay", q.id, expectedFrame)
		last := q.inputs[previousFrame(q.head)]
		q.addDelayedInputToQueue(last, expectedFrame)
		expectedFrame++
	}

	return frame
}
