package placement

import (
	"math"
	"time"
)

// OpacityState is one fade transition: the alpha a symbol part had when the
// transition was committed, and the target it moves toward. It only ever
// interpolates toward its current target; a new decision starts a new state
// from the interpolated value.
type OpacityState struct {
	// Opacity is the alpha at commit time.
	Opacity float64
	// Target is 0 or 1.
	Target float64
	// Placed is the pass decision that produced this state.
	Placed bool
}

// At returns the alpha after elapsed time of a transition with the given
// fade duration.
func (s OpacityState) At(elapsed, fade time.Duration) float64 {
	if fade <= 0 {
		return s.Target
	}
	if elapsed < 0 {
		elapsed = 0
	}
	step := float64(elapsed) / float64(fade)
	if s.Target >= s.Opacity {
		return math.Min(s.Target, s.Opacity+step)
	}
	return math.Max(s.Target, s.Opacity-step)
}

// Settled reports whether the transition has reached its target.
func (s OpacityState) Settled(elapsed, fade time.Duration) bool {
	return s.At(elapsed, fade) == s.Target
}

// JointOpacity pairs the text and icon transitions of one symbol identity.
type JointOpacity struct {
	Text OpacityState
	Icon OpacityState
	// NoFade marks identities whose layer disables fading.
	NoFade bool
}

// Hidden reports whether both parts are fully transparent and going nowhere.
func (j JointOpacity) Hidden(elapsed, fade time.Duration) bool {
	return j.Text.Target == 0 && j.Icon.Target == 0 &&
		j.Text.At(elapsed, fade) == 0 && j.Icon.At(elapsed, fade) == 0
}
