package scene

import (
	"math"
	"strconv"

	"github.com/loqalabs/speechviz/internal/palette"
)

// Alpha values are out of 255, matching the canvas they were tuned on.
const (
	CircleAlpha    = 80
	NumberAlpha    = 40
	ColorNameAlpha = 150
	StatusAlpha    = 100
	TextAlpha      = 255
)

// IndicatorColor is the listening dot.
var IndicatorColor = palette.RGB{R: 255, G: 60, B: 60}

// Circle is one ring centered on the canvas.
type Circle struct {
	Diameter float64
}

// Label is a piece of text drawn over the background.
type Label struct {
	Text  string
	Alpha float64
}

// Frame is everything a painter needs to draw one frame. It is derived from
// a State and holds no references back into it.
type Frame struct {
	Background palette.RGB
	Circles    []Circle
	Text       Label
	Number     Label
	ColorName  Label
	Status     Label
	Button     string
	Listening  bool
	// IndicatorAlpha is meaningful only while listening.
	IndicatorAlpha float64
	CircleSize     int
}

// Compose derives the frame to paint from the current state.
func Compose(s *State) Frame {
	f := Frame{
		Background: s.CurrentRGB(),
		Circles:    Circles(s.Number, s.CircleSize, s.Pulse),
		Text:       Label{Text: s.Text, Alpha: TextAlpha},
		Number:     Label{Text: strconv.Itoa(s.Number), Alpha: NumberAlpha},
		Status:     Label{Text: s.Status, Alpha: StatusAlpha},
		Button:     ButtonLabel(s.Listening),
		Listening:  s.Listening,
		CircleSize: s.CircleSize,
	}
	if s.ColorName != "" {
		f.ColorName = Label{Text: "color: " + s.ColorName, Alpha: ColorNameAlpha}
	}
	if s.Listening {
		f.IndicatorAlpha = IndicatorAlpha(s.Frame)
	}
	return f
}

// Circles returns the rings for a counted number. Ring i has diameter
// size - i*CircleStep + pulse*PulseGrow; rings that would have a
// non-positive diameter are left out.
func Circles(number, size int, pulse float64) []Circle {
	var out []Circle
	for i := 0; i < number; i++ {
		d := float64(size-i*CircleStep) + pulse*PulseGrow
		if d > 0 {
			out = append(out, Circle{Diameter: d})
		}
	}
	return out
}

// IndicatorAlpha oscillates the listening dot between 50 and 250.
func IndicatorAlpha(frame uint64) float64 {
	return 150 + math.Sin(float64(frame)*0.1)*100
}

// ButtonLabel names the toggle action for the current listening state.
func ButtonLabel(listening bool) string {
	if listening {
		return "Stop Listening"
	}
	return "Start Listening"
}
