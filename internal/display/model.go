// Package display owns the display state. It drains listener events between
// frames, applies them through the interpreter and steps the animation,
// either as a Bubble Tea program painting the terminal or as a headless
// loop.
package display

import (
	"context"
	"errors"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/loqalabs/speechviz/internal/interpret"
	"github.com/loqalabs/speechviz/internal/listener"
	"github.com/loqalabs/speechviz/internal/scene"
)

// Processor applies a transcript to the display state.
type Processor interface {
	Process(ctx context.Context, s *scene.State, raw string) interpret.Result
}

// Toggler is the start/stop side of the speech capability.
type Toggler interface {
	Toggle() (bool, string)
	Start() (bool, string)
}

// Options configures both display modes.
type Options struct {
	FrameRate    int
	UnitsPerCell int
	Autostart    bool
}

func (o Options) interval() time.Duration {
	if o.FrameRate <= 0 {
		return time.Second / 60
	}
	return time.Second / time.Duration(o.FrameRate)
}

type frameMsg time.Time

type autostartMsg struct{}

// Model is the Bubble Tea model. Update and View run on the program's
// event loop, which is the only goroutine touching the state.
type Model struct {
	ctx       context.Context
	state     *scene.State
	processor Processor
	toggler   Toggler
	painter   *Painter
	opts      Options

	width, height int
}

func NewModel(ctx context.Context, state *scene.State, processor Processor, toggler Toggler, opts Options) Model {
	return Model{
		ctx:       ctx,
		state:     state,
		processor: processor,
		toggler:   toggler,
		painter:   NewPainter(opts.UnitsPerCell),
		opts:      opts,
	}
}

func (m Model) frameTick() tea.Cmd {
	return tea.Tick(m.opts.interval(), func(t time.Time) tea.Msg {
		return frameMsg(t)
	})
}

func (m Model) Init() tea.Cmd {
	if m.opts.Autostart {
		return tea.Batch(m.frameTick(), func() tea.Msg { return autostartMsg{} })
	}
	return m.frameTick()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		switch {
		case msg.String() == "ctrl+c" || msg.String() == "q":
			return m, tea.Quit
		case msg.Type == tea.KeySpace || msg.Type == tea.KeyEnter:
			m.state.Listening, m.state.Status = m.toggler.Toggle()
		}

	case autostartMsg:
		m.state.Listening, m.state.Status = m.toggler.Start()

	case listener.Event:
		applyEvent(m.ctx, m.state, m.processor, msg)

	case frameMsg:
		scene.Advance(m.state)
		return m, m.frameTick()
	}
	return m, nil
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}
	return m.painter.Paint(scene.Compose(m.state), m.width, m.height)
}

// applyEvent is the single entry point for listener output into the state.
func applyEvent(ctx context.Context, s *scene.State, p Processor, ev listener.Event) {
	switch ev.Kind {
	case listener.KindTranscript:
		p.Process(ctx, s, ev.Text)
	case listener.KindStatus:
		s.Listening = ev.Listening
		s.Status = ev.Text
	}
}

// Forward delivers events to send until ctx is done or events is closed.
func Forward(ctx context.Context, events <-chan listener.Event, send func(tea.Msg)) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			send(ev)
		}
	}
}

// Run paints the display in the terminal until the user quits or ctx is
// cancelled.
func Run(ctx context.Context, state *scene.State, processor Processor, toggler Toggler, events <-chan listener.Event, opts Options) error {
	model := NewModel(ctx, state, processor, toggler, opts)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))

	fwdCtx, stop := context.WithCancel(ctx)
	defer stop()
	go Forward(fwdCtx, events, p.Send)

	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
