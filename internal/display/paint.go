package display

import (
	"math"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/x/ansi"
	"github.com/loqalabs/speechviz/internal/palette"
	"github.com/loqalabs/speechviz/internal/scene"
	"github.com/lucasb-eyer/go-colorful"
)

// Canvas geometry in canvas units, relative to the center or the edges.
const (
	ringLift       = 20  // rings are centered this far above the middle
	textDrop       = 60  // transcript sits this far below the outer ring
	cornerInset    = 100 // number and color name are centered this far from the right edge
	numberTop      = 120
	colorNameTop   = 200
	statusInset    = 30
	indicatorInset = 30
	indicatorSize  = 16
	strokeWidth    = 2

	// An easing background yields new colors every frame.
	maxCachedStyles = 4096
)

var white = colorful.Color{R: 1, G: 1, B: 1}

// cell is one terminal character. Half-block cells show two stacked pixels,
// text cells show a rune on the upper pixel's color. A zero ch marks the
// second column of a wide rune.
type cell struct {
	ch rune
	fg palette.RGB
	bg palette.RGB
}

type styleKey struct{ fg, bg palette.RGB }

// Painter rasterizes frames onto a grid of terminal cells. One canvas pixel
// is half a cell tall, so a cell covers unitsPerCell units across and twice
// that down. A Painter caches styles between frames and must only be used
// from one goroutine.
type Painter struct {
	unitsPerCell float64
	styles       map[styleKey]lipgloss.Style
}

func NewPainter(unitsPerCell int) *Painter {
	if unitsPerCell <= 0 {
		unitsPerCell = 1
	}
	return &Painter{
		unitsPerCell: float64(unitsPerCell),
		styles:       make(map[styleKey]lipgloss.Style),
	}
}

// Paint renders f into cols x rows terminal cells.
func (p *Painter) Paint(f scene.Frame, cols, rows int) string {
	if cols <= 0 || rows <= 0 {
		return ""
	}
	pixels := p.raster(f, cols, rows*2)
	cells := make([][]cell, rows)
	for y := range cells {
		cells[y] = make([]cell, cols)
		for x := range cells[y] {
			cells[y][x] = cell{ch: '▀', fg: toRGB(pixels[y*2][x]), bg: toRGB(pixels[y*2+1][x])}
		}
	}
	p.overlay(cells, pixels, f)
	return p.render(cells)
}

// raster draws the background, the rings and the listening dot into a
// pixel grid of w x h.
func (p *Painter) raster(f scene.Frame, w, h int) [][]colorful.Color {
	bg := f.Background.Colorful()
	ring := bg.BlendRgb(white, scene.CircleAlpha/255.0)

	cx := float64(w) / 2
	cy := float64(h)/2 - ringLift/p.unitsPerCell
	halfStroke := math.Max(strokeWidth/p.unitsPerCell/2, 0.5)

	ix := float64(w) - indicatorInset/p.unitsPerCell
	iy := indicatorInset / p.unitsPerCell
	ir := math.Max(indicatorSize/p.unitsPerCell/2, 0.75)
	indicator := bg.BlendRgb(scene.IndicatorColor.Colorful(), f.IndicatorAlpha/255)

	pixels := make([][]colorful.Color, h)
	for y := range pixels {
		pixels[y] = make([]colorful.Color, w)
		for x := range pixels[y] {
			px, py := float64(x)+0.5, float64(y)+0.5
			c := bg
			dist := math.Hypot(px-cx, py-cy)
			for _, circle := range f.Circles {
				r := circle.Diameter / p.unitsPerCell / 2
				if math.Abs(dist-r) <= halfStroke {
					c = ring
					break
				}
			}
			if f.Listening && math.Hypot(px-ix, py-iy) <= ir {
				c = indicator
			}
			pixels[y][x] = c
		}
	}
	return pixels
}

// overlay writes the labels into cells. Text takes the color of the pixel
// under it as background and is blended toward white by its alpha.
func (p *Painter) overlay(cells [][]cell, pixels [][]colorful.Color, f scene.Frame) {
	rows, cols := len(cells), len(cells[0])
	cellH := p.unitsPerCell * 2

	center := cols / 2
	right := cols - int(cornerInset/p.unitsPerCell)
	textRow := int((float64(rows)*cellH/2 + float64(f.CircleSize)/2 + textDrop) / cellH)

	put := func(row, col int, l scene.Label) {
		if l.Text == "" || row < 0 || row >= rows {
			return
		}
		text := ansi.Truncate(l.Text, cols, "")
		width := ansi.StringWidth(text)
		start := col - width/2
		start = max(0, min(start, cols-width))
		x := start
		for _, r := range text {
			w := ansi.StringWidth(string(r))
			if w == 0 || x+w > cols {
				continue
			}
			under := pixels[row*2][x]
			c := cell{ch: r, fg: toRGB(under.BlendRgb(white, l.Alpha/255)), bg: toRGB(under)}
			cells[row][x] = c
			for i := 1; i < w; i++ {
				c.ch = 0
				cells[row][x+i] = c
			}
			x += w
		}
	}

	put(min(textRow, rows-3), center, f.Text)
	put(int(numberTop/cellH), right, f.Number)
	put(int(colorNameTop/cellH), right, f.ColorName)
	put(rows-1-int(statusInset/cellH), center, f.Status)

	button := scene.Label{Text: "[ " + f.Button + " ]", Alpha: scene.TextAlpha}
	put(0, len(button.Text)/2+1, button)
}

// render joins cells into styled lines, merging runs that share colors.
func (p *Painter) render(cells [][]cell) string {
	var b strings.Builder
	var run strings.Builder
	for y, row := range cells {
		if y > 0 {
			b.WriteByte('\n')
		}
		key := styleKey{row[0].fg, row[0].bg}
		for _, c := range row {
			k := styleKey{c.fg, c.bg}
			if k != key {
				b.WriteString(p.style(key).Render(run.String()))
				run.Reset()
				key = k
			}
			if c.ch != 0 {
				run.WriteRune(c.ch)
			}
		}
		b.WriteString(p.style(key).Render(run.String()))
		run.Reset()
	}
	return b.String()
}

func (p *Painter) style(k styleKey) lipgloss.Style {
	if s, ok := p.styles[k]; ok {
		return s
	}
	if len(p.styles) >= maxCachedStyles {
		clear(p.styles)
	}
	s := lipgloss.NewStyle().
		Foreground(lipgloss.Color(k.fg.Hex())).
		Background(lipgloss.Color(k.bg.Hex()))
	p.styles[k] = s
	return s
}

func toRGB(c colorful.Color) palette.RGB {
	r, g, b := c.Clamped().RGB255()
	return palette.RGB{R: r, G: g, B: b}
}
