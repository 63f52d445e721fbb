// Package timesync estimates how many frames, if any, the local simulation
// should pause to let a peer catch up, based on a rolling window of
// local/remote frame-advantage samples.
package timesync

import "github.com/ggnet/rollback/gameinput"

const (
	// FrameWindowSize is the size of the local/remote advantage ring buffers.
	FrameWindowSize = 40

	// MinUniqueFrames is how many recent input samples are checked for
	// "idleness" before recommending a wait.
	MinUniqueFrames = 10

	// MinFrameAdvantage is the smallest imbalance worth correcting for.
	MinFrameAdvantage = 3

	// MaxFrameAdvantage caps the recommended wait.
	MaxFrameAdvantage = 9
)

// TimeSync accumulates frame-advantage samples and recommends a wait
// duration to keep both sides of a connection roughly in lockstep.
type TimeSync struct {
	local      [FrameWindowSize]int
	remote     [FrameWindowSize]int
	lastInputs [MinUniqueFrames]gameinput.Input
}

// New returns a ready-to-use TimeSync.
func New() *TimeSync {
	return &TimeSync{}
}

// AdvanceFrame records one frame's local/remote frame-advantage sample.
func (t *TimeSync) AdvanceFrame(input gameinput.Input, advantage, radvantage int) {
	t.lastInputs[input.Frame%MinUniqueFrames] = input
	t.local[input.Frame%FrameWindowSize] = advantage
	t.remote[input.Frame%FrameWindowSize] = radvantage
}

// RecommendFrameWaitDuration returns how many frames the local side should
// sleep to give a lagging peer room to catch up (0 if no wait is needed).
// When requireIdleInput is true, the recommendation is suppressed unless
// the player's last MinUniqueFrames inputs were all identical, so sleeping
// doesn't eat an in-progress input motion.
func (t *TimeSync) RecommendFrameWaitDuration(requireIdleInput bool) int {
	var sum int
	for _, v := range t.local {
		sum += v
	}
	advantage := float64(sum) / float64(FrameWindowSize)

	sum = 0
	for _, v := range t.remote {
		sum += v
	}
	radvantage := float64(sum) / float64(FrameWindowSize)

	// The person furthest ahead needs to slow down, but only if both sides
	// agree on who that is.
	if advantage >= radvantage {
		return 0
	}

	sleepFrames := int((radvantage-advantage)/2 + 0.5)
	if sleepFrames < MinFrameAdvantage {
		return 0
	}

	if requireIdleInput {
		for i := 1; i < len(t.lastInputs); i++ {
			if !gameinput.Equal(t.lastInputs[i], t.lastInputs[0], true) {
				return 0
			}
		}
	}

	if sleepFrames > MaxFrameAdvantage {
		return MaxFrameAdvantage
	}
	return sleepFrames
}
