// Package palette loads the color-name lookup table used to turn spoken
// color names into background colors.
package palette

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/lucasb-eyer/go-colorful"
)

//go:embed xkcd.json
var embedded []byte

// ErrNoColors is returned when a dataset parses but yields no usable entries.
var ErrNoColors = errors.New("color dataset has no entries")

// RGB is an 8-bit color triple.
type RGB struct {
	R, G, B uint8
}

// Colorful converts to a go-colorful color for blending.
func (c RGB) Colorful() colorful.Color {
	return colorful.Color{R: float64(c.R) / 255, G: float64(c.G) / 255, B: float64(c.B) / 255}
}

// Hex formats the color as #rrggbb.
func (c RGB) Hex() string {
	return fmt.Sprintf("#%02x%02x%02x", c.R, c.G, c.B)
}

// Table maps color names to RGB values. It is immutable once built.
type Table struct {
	colors map[string]RGB
	names  []string
}

type dataset struct {
	Colors []entry `json:"colors"`
}

type entry struct {
	Color string `json:"color"`
	Hex   string `json:"hex"`
}

// Empty returns a table with no colors.
func Empty() Table {
	return Table{colors: map[string]RGB{}}
}

// Default returns the embedded xkcd color table.
func Default() (Table, error) {
	return Parse(embedded)
}

// Load reads a dataset from path, or the embedded default when path is
// empty. On any failure it returns an empty table alongside the error so the
// caller can keep running without colors.
func Load(path string) (Table, error) {
	if path == "" {
		t, err := Default()
		if err != nil {
			return Empty(), err
		}
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Empty(), fmt.Errorf("read color dataset: %w", err)
	}
	t, err := Parse(data)
	if err != nil {
		return Empty(), err
	}
	return t, nil
}

// Parse decodes an xkcd-format dataset:
//
//	{"colors": [{"color": "cloudy blue", "hex": "#acc2d9"}, ...]}
//
// Entries with an empty name or a malformed hex code are skipped.
func Parse(data []byte) (Table, error) {
	var ds dataset
	if err := json.Unmarshal(data, &ds); err != nil {
		return Empty(), fmt.Errorf("decode color dataset: %w", err)
	}
	colors := make(map[string]RGB, len(ds.Colors))
	for _, e := range ds.Colors {
		name := strings.ToLower(strings.TrimSpace(e.Color))
		if name == "" {
			continue
		}
		rgb, err := ParseHex(e.Hex)
		if err != nil {
			continue
		}
		colors[name] = rgb
	}
	if len(colors) == 0 {
		return Empty(), ErrNoColors
	}
	return New(colors), nil
}

// New builds a table from a name to color map. The map is copied.
func New(colors map[string]RGB) Table {
	t := Table{colors: make(map[string]RGB, len(colors))}
	for name, rgb := range colors {
		t.colors[name] = rgb
		t.names = append(t.names, name)
	}
	// Longest first so scans can stop early.
	sort.Slice(t.names, func(i, j int) bool {
		if len(t.names[i]) != len(t.names[j]) {
			return len(t.names[i]) > len(t.names[j])
		}
		return t.names[i] < t.names[j]
	})
	return t
}

// ParseHex parses a 6-hex-digit color code with a leading '#'.
func ParseHex(s string) (RGB, error) {
	s = strings.TrimSpace(s)
	if len(s) != 7 {
		return RGB{}, fmt.Errorf("invalid hex color %q", s)
	}
	c, err := colorful.Hex(s)
	if err != nil {
		return RGB{}, fmt.Errorf("invalid hex color %q: %w", s, err)
	}
	r, g, b := c.RGB255()
	return RGB{R: r, G: g, B: b}, nil
}

// Lookup returns the color registered under name.
func (t Table) Lookup(name string) (RGB, bool) {
	rgb, ok := t.colors[name]
	return rgb, ok
}

// Len reports the number of colors.
func (t Table) Len() int {
	return len(t.colors)
}

// Names returns the color names ordered longest first, ties alphabetical.
func (t Table) Names() []string {
	return append([]string(nil), t.names...)
}
