// Package scene holds the display state shared by the transcript
// interpreter and the render loop, and the per-frame animation step.
//
// A State is owned by exactly one goroutine, the one running the render
// loop. Transcripts reach that goroutine through a channel and are applied
// between frames, so State carries no locks.
package scene

import (
	"github.com/loqalabs/speechviz/internal/palette"
	"github.com/lucasb-eyer/go-colorful"
)

const (
	// EaseFactor is the fraction of the remaining distance to the target
	// color covered each frame.
	EaseFactor = 0.05
	// PulseDecay multiplies the pulse magnitude each frame.
	PulseDecay = 0.95

	// CircleUnit is the base diameter contributed by each counted number.
	CircleUnit = 40
	// CircleStep is how much smaller each inner ring is.
	CircleStep = 30
	// PulseGrow is the diameter added to every ring at full pulse.
	PulseGrow = 20

	MaxNumber = 10

	InitialText   = "say something..."
	InitialStatus = "Press space to start listening"
)

// Gray30 is the initial background.
var Gray30 = palette.RGB{R: 30, G: 30, B: 30}

// State is the mutable display record.
type State struct {
	Text       string
	Current    colorful.Color
	Target     palette.RGB
	ColorName  string
	Number     int
	CircleSize int
	Pulse      float64
	Listening  bool
	Status     string
	Frame      uint64
}

// NewState returns the state shown before anything has been heard.
func NewState() *State {
	return &State{
		Text:    InitialText,
		Current: Gray30.Colorful(),
		Target:  Gray30,
		Status:  InitialStatus,
	}
}

// SetColor retargets the background and restarts the pulse.
func (s *State) SetColor(name string, rgb palette.RGB) {
	s.Target = rgb
	s.ColorName = name
	s.Pulse = 1
}

// SetNumber records a counted number, recomputes the circle size and
// restarts the pulse. Values outside [0, MaxNumber] are ignored.
func (s *State) SetNumber(n int) {
	if n < 0 || n > MaxNumber {
		return
	}
	s.Number = n
	s.CircleSize = n * CircleUnit
	s.Pulse = 1
}

// Advance runs one frame of animation: the background eases toward the
// target and the pulse decays. It must not be called concurrently with
// itself or with the interpreter.
//
// The pulse stays positive for roughly 14,000 frames without a new match,
// then float64 underflow takes it to exactly 0. By then it adds nothing
// visible to the rings.
func Advance(s *State) {
	s.Current = s.Current.BlendRgb(s.Target.Colorful(), EaseFactor)
	s.Pulse *= PulseDecay
	s.Frame++
}

// CurrentRGB rounds the displayed background to 8-bit channels.
func (s *State) CurrentRGB() palette.RGB {
	r, g, b := s.Current.Clamped().RGB255()
	return palette.RGB{R: r, G: g, B: b}
}
