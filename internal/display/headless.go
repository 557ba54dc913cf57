package display

import (
	"context"
	"log/slog"
	"time"

	"github.com/loqalabs/speechviz/internal/listener"
	"github.com/loqalabs/speechviz/internal/scene"
)

// RunHeadless drives the render loop without a terminal. Events are applied
// between frames in arrival order and a summary of the composed frame is
// logged once per second.
func RunHeadless(ctx context.Context, state *scene.State, processor Processor, toggler Toggler, events <-chan listener.Event, opts Options, logger *slog.Logger) error {
	logger = logger.With(slog.String("component", "display"))
	if opts.Autostart {
		state.Listening, state.Status = toggler.Start()
		logger.Info("autostart", slog.String("status", state.Status))
	}

	ticker := time.NewTicker(opts.interval())
	defer ticker.Stop()
	every := uint64(max(opts.FrameRate, 1))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			applyEvent(ctx, state, processor, ev)
			if ev.Kind == listener.KindStatus {
				logger.Info("status changed", slog.String("status", ev.Text), slog.Bool("listening", ev.Listening))
			}
		case <-ticker.C:
			scene.Advance(state)
			if state.Frame%every == 0 {
				logFrame(logger, scene.Compose(state))
			}
		}
	}
}

func logFrame(logger *slog.Logger, f scene.Frame) {
	logger.Debug("frame",
		slog.String("background", f.Background.Hex()),
		slog.Int("circles", len(f.Circles)),
		slog.String("text", f.Text.Text),
		slog.String("number", f.Number.Text),
		slog.String("color", f.ColorName.Text),
		slog.String("status", f.Status.Text),
		slog.Bool("listening", f.Listening))
}
