// Package interpret maps spoken transcripts onto display state: it shows the
// text, picks up color names and picks up numbers from one to ten.
package interpret

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/loqalabs/speechviz/internal/palette"
	"github.com/loqalabs/speechviz/internal/scene"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// NumberWords maps spoken number words to their values.
var NumberWords = map[string]int{
	"one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
}

var digitRun = regexp.MustCompile(`\b(\d+)\b`)

// Result is what a transcript says about the display.
type Result struct {
	Text      string
	ColorName string
	Color     palette.RGB
	Number    int // 0 when no number was heard
}

func (r Result) HasColor() bool  { return r.ColorName != "" }
func (r Result) HasNumber() bool { return r.Number > 0 }

// Interpreter matches transcripts against an immutable color table.
type Interpreter struct {
	colors palette.Table
	logger *slog.Logger

	transcripts  metric.Int64Counter
	colorMatches metric.Int64Counter
	numMatches   metric.Int64Counter
}

func New(colors palette.Table, logger *slog.Logger) *Interpreter {
	in := &Interpreter{
		colors: colors,
		logger: logger.With(slog.String("component", "interpreter")),
	}
	if err := in.initMetrics(); err != nil {
		in.logger.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return in
}

func (in *Interpreter) initMetrics() error {
	meter := otel.Meter("github.com/loqalabs/speechviz/interpret")
	var err error
	if in.transcripts, err = meter.Int64Counter("speechviz.transcripts", metric.WithDescription("Transcripts interpreted")); err != nil {
		return err
	}
	if in.colorMatches, err = meter.Int64Counter("speechviz.color_matches", metric.WithDescription("Transcripts that named a color")); err != nil {
		return err
	}
	in.numMatches, err = meter.Int64Counter("speechviz.number_matches", metric.WithDescription("Transcripts that named a number"))
	return err
}

// Match interprets a raw transcript without touching any state.
func (in *Interpreter) Match(raw string) Result {
	text := Normalize(raw)
	r := Result{Text: text}
	if name, ok := LongestColor(in.colors, text); ok {
		rgb, _ := in.colors.Lookup(name)
		r.ColorName = name
		r.Color = rgb
	}
	r.Number = MatchNumber(text)
	return r
}

// Process interprets raw and applies the result to s.
func (in *Interpreter) Process(ctx context.Context, s *scene.State, raw string) Result {
	r := in.Match(raw)
	Apply(s, r)

	in.logger.Debug("speech/text", slog.String("text", r.Text))
	if in.transcripts != nil {
		in.transcripts.Add(ctx, 1)
	}
	if r.HasColor() {
		in.logger.Debug("speech/color",
			slog.String("name", r.ColorName),
			slog.String("hex", r.Color.Hex()))
		if in.colorMatches != nil {
			in.colorMatches.Add(ctx, 1, metric.WithAttributes(attribute.String("color", r.ColorName)))
		}
	}
	if r.HasNumber() {
		in.logger.Debug("speech/number", slog.Int("value", r.Number))
		if in.numMatches != nil {
			in.numMatches.Add(ctx, 1)
		}
	}
	return r
}

// Apply writes a result into the display state. The text is always
// replaced; color and number are only touched when matched.
func Apply(s *scene.State, r Result) {
	s.Text = r.Text
	if r.HasColor() {
		s.SetColor(r.ColorName, r.Color)
	}
	if r.HasNumber() {
		s.SetNumber(r.Number)
	}
}

// Normalize trims and lowercases a transcript.
func Normalize(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// LongestColor finds the longest color name contained in text. Among names
// of equal length the one appearing earliest in text wins, then the
// alphabetically smaller one.
func LongestColor(colors palette.Table, text string) (string, bool) {
	if text == "" {
		return "", false
	}
	best, bestAt := "", -1
	for _, name := range colors.Names() {
		if best != "" && len(name) < len(best) {
			break
		}
		if len(name) > len(text) {
			continue
		}
		at := strings.Index(text, name)
		if at < 0 {
			continue
		}
		if best == "" || at < bestAt {
			best, bestAt = name, at
		}
	}
	return best, best != ""
}

// MatchNumber returns the number a transcript names, or 0. Number words
// match as substrings and the one spoken last wins; a standalone digit run
// in [1,10] overrides any word.
func MatchNumber(text string) int {
	n, lastAt := 0, -1
	for word, value := range NumberWords {
		at := strings.LastIndex(text, word)
		if at > lastAt {
			n, lastAt = value, at
		}
	}
	if m := digitRun.FindStringSubmatch(text); m != nil {
		if d, err := strconv.Atoi(m[1]); err == nil && d >= 1 && d <= scene.MaxNumber {
			n = d
		}
	}
	return n
}
