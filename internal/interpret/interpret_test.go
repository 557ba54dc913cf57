package interpret

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/loqalabs/speechviz/internal/palette"
	"github.com/loqalabs/speechviz/internal/scene"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testTable() palette.Table {
	return palette.New(map[string]palette.RGB{
		"blue":       {R: 3, G: 67, B: 223},
		"light blue": {R: 149, G: 208, B: 252},
		"red":        {R: 229, G: 0, B: 0},
		"teal":       {R: 2, G: 147, B: 134},
		"pink":       {R: 255, G: 129, B: 192},
		"green":      {R: 21, G: 176, B: 26},
	})
}

func newInterpreter() *Interpreter {
	return New(testTable(), newLogger())
}

func TestNoMatchLeavesColorAndNumber(t *testing.T) {
	in := newInterpreter()
	s := scene.NewState()
	in.Process(context.Background(), s, "five")
	in.Process(context.Background(), s, "red")
	for i := 0; i < 3; i++ {
		scene.Advance(s)
	}
	pulse := s.Pulse

	in.Process(context.Background(), s, "  Hello There  ")

	if s.Text != "hello there" {
		t.Fatalf("text = %q", s.Text)
	}
	if s.Number != 5 || s.CircleSize != 200 {
		t.Fatalf("number changed: %d/%d", s.Number, s.CircleSize)
	}
	if s.ColorName != "red" || s.Target != (palette.RGB{R: 229}) {
		t.Fatalf("color changed: %q %v", s.ColorName, s.Target)
	}
	if s.Pulse != pulse {
		t.Fatalf("pulse reset without a match: %v -> %v", pulse, s.Pulse)
	}
}

func TestEmptyTranscript(t *testing.T) {
	s := scene.NewState()
	newInterpreter().Process(context.Background(), s, "")
	if s.Text != "" {
		t.Fatalf("expected empty text, got %q", s.Text)
	}
	if s.Number != 0 || s.ColorName != "" {
		t.Fatal("empty transcript must not match")
	}
}

func TestLongestColorWins(t *testing.T) {
	s := scene.NewState()
	r := newInterpreter().Process(context.Background(), s, "Light Blue sky")
	if r.ColorName != "light blue" {
		t.Fatalf("expected light blue, got %q", r.ColorName)
	}
	if s.Target != (palette.RGB{R: 149, G: 208, B: 252}) {
		t.Fatalf("unexpected target %v", s.Target)
	}
	if s.Pulse != 1 {
		t.Fatalf("expected pulse reset to 1, got %v", s.Pulse)
	}
}

func TestEqualLengthColorsPreferEarliest(t *testing.T) {
	table := testTable()
	cases := map[string]string{
		"pink and teal": "pink",
		"teal and pink": "teal",
		"red then blue": "blue",
	}
	for text, want := range cases {
		got, ok := LongestColor(table, text)
		if !ok || got != want {
			t.Fatalf("LongestColor(%q) = %q, want %q", text, got, want)
		}
	}
}

func TestNumbers(t *testing.T) {
	cases := []struct {
		text string
		want int
	}{
		{"five", 5},
		{"i see 7 dogs", 7},
		{"one two three", 3},
		{"three two one", 1},
		{"ten", 10},
		{"seven and 2", 2},
		{"i see 42 dogs", 0},
		{"four and 42", 4},
		{"0", 0},
		{"10", 10},
		{"99999999999999999999999", 0},
		{"route66", 0},
		{"nothing here", 0},
	}
	for _, tc := range cases {
		if got := MatchNumber(tc.text); got != tc.want {
			t.Fatalf("MatchNumber(%q) = %d, want %d", tc.text, got, tc.want)
		}
	}
}

func TestNumberUpdatesState(t *testing.T) {
	in := newInterpreter()
	s := scene.NewState()

	in.Process(context.Background(), s, "five")
	if s.Number != 5 || s.CircleSize != 200 {
		t.Fatalf("five: got %d/%d", s.Number, s.CircleSize)
	}

	in.Process(context.Background(), s, "I see 7 dogs")
	if s.Number != 7 || s.CircleSize != 280 {
		t.Fatalf("digit: got %d/%d", s.Number, s.CircleSize)
	}
}

func TestNumberPersistsAcrossTranscripts(t *testing.T) {
	in := newInterpreter()
	s := scene.NewState()
	in.Process(context.Background(), s, "ten")
	in.Process(context.Background(), s, "no numbers at all")
	if s.Number != 10 || s.CircleSize != 400 {
		t.Fatalf("expected 10 to persist, got %d/%d", s.Number, s.CircleSize)
	}
}

func TestPulseResetsOnNewMatch(t *testing.T) {
	in := newInterpreter()
	s := scene.NewState()
	in.Process(context.Background(), s, "green")
	for i := 0; i < 20; i++ {
		scene.Advance(s)
	}
	if s.Pulse >= 1 {
		t.Fatalf("expected decay, got %v", s.Pulse)
	}
	in.Process(context.Background(), s, "two")
	if s.Pulse != 1 {
		t.Fatalf("expected pulse 1 after number match, got %v", s.Pulse)
	}
}

func TestMatchIsPure(t *testing.T) {
	in := newInterpreter()
	r := in.Match("  RED five ")
	if r.Text != "red five" || r.ColorName != "red" || r.Number != 5 {
		t.Fatalf("unexpected result %+v", r)
	}
}

func TestEmptyColorTable(t *testing.T) {
	in := New(palette.Empty(), newLogger())
	s := scene.NewState()
	in.Process(context.Background(), s, "blue")
	if s.ColorName != "" || s.Target != scene.Gray30 {
		t.Fatal("empty table must never match")
	}
}
